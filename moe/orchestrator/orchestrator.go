// Package orchestrator coordinates one request through the engine:
// cache lookup, expert selection, parallel execution, mixing, and trace
// emission. The caller always receives either a FinalResponse or one of the
// typed errors in package moe.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/polymind/polymind/moe"
	"github.com/polymind/polymind/moe/cache"
	"github.com/polymind/polymind/moe/executor"
	"github.com/polymind/polymind/moe/internal/strutil"
	"github.com/polymind/polymind/moe/mixer"
	"github.com/polymind/polymind/moe/registry"
	"github.com/polymind/polymind/moe/selector"
	"github.com/polymind/polymind/moe/trace"
)

// Orchestrator is safe for concurrent use; each RouteQuery call owns its
// request end to end.
type Orchestrator struct {
	cfg      moe.Config
	registry *registry.Registry
	selector *selector.Selector
	executor *executor.Executor
	mixer    *mixer.Mixer
	cache    *cache.Cache
	bus      *trace.Bus

	reqSeq atomic.Uint64
}

// New wires an orchestrator over already-constructed components.
func New(cfg moe.Config, reg *registry.Registry, sel *selector.Selector, exe *executor.Executor, mix *mixer.Mixer, ca *cache.Cache, bus *trace.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		registry: reg,
		selector: sel,
		executor: exe,
		mixer:    mix,
		cache:    ca,
		bus:      bus,
	}
}

// Bus returns the trace bus so callers can subscribe to live request
// events.
func (o *Orchestrator) Bus() *trace.Bus { return o.bus }

// Registry returns the expert registry backing this orchestrator.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// CacheStats exposes cache effectiveness counters.
func (o *Orchestrator) CacheStats() cache.Stats { return o.cache.Stats() }

// NextRequestID assigns a process-monotonic request id.
func (o *Orchestrator) NextRequestID() string {
	return fmt.Sprintf("q-%06d-%s", o.reqSeq.Add(1), uuid.NewString()[:8])
}

// RouteQuery runs the full pipeline for one query. The query's ID is
// assigned when empty; SubmittedAt defaults to now.
func (o *Orchestrator) RouteQuery(ctx context.Context, q moe.Query) (resp *moe.FinalResponse, err error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, fmt.Errorf("empty query text: %w", moe.ErrInvalidQuery)
	}
	if len(q.Text) > o.cfg.MaxQueryLen {
		return nil, fmt.Errorf("query text exceeds %d bytes: %w", o.cfg.MaxQueryLen, moe.ErrInvalidQuery)
	}
	if q.ID == "" {
		q.ID = o.NextRequestID()
	}
	if q.SubmittedAt.IsZero() {
		q.SubmittedAt = time.Now()
	}

	h := o.bus.Open(q.ID, q.Text)
	closed := false
	seal := func() *trace.MoETrace {
		closed = true
		t := h.Close()
		o.bus.Drop(q.ID)
		return t
	}
	defer func() {
		if !closed {
			seal()
		}
		if r := recover(); r != nil {
			slog.Error("orchestrator: pipeline panicked", "request_id", q.ID, "panic", r)
			resp, err = nil, fmt.Errorf("pipeline panic: %v: %w", r, moe.ErrInternal)
		}
	}()

	fp := o.cache.Fingerprint(q)
	if cached, ok := o.cache.Get(fp); ok {
		return o.serveCached(q, h, seal, cached), nil
	}

	release, slotErr := o.cache.AcquireBuildSlot(ctx, fp)
	if slotErr != nil {
		return nil, fmt.Errorf("wait for build slot: %w", moe.ErrCancelled)
	}
	defer release()

	// Another request may have built the response while we waited.
	if cached, ok := o.cache.Get(fp); ok {
		return o.serveCached(q, h, seal, cached), nil
	}

	snapshot := o.registry.Snapshot()

	h.Emit(trace.SelectionBegin, map[string]any{"strategy": string(o.cfg.SelectionStrategy)})
	outcome := o.selector.Select(ctx, q, snapshot)
	h.Emit(trace.SelectionEnd, map[string]any{
		"mode":       string(outcome.Mode),
		"expert_ids": outcome.ExpertIDs,
	})
	h.RecordSelection(outcome.ExpertIDs, outcome.Rationale)

	if outcome.Mode == selector.FanOut && len(snapshot) == 0 {
		seal()
		return nil, fmt.Errorf("query %s: %w", q.ID, moe.ErrEmptyRegistry)
	}

	deadline := o.cfg.RequestDeadline
	if outcome.Mode == selector.FastPath {
		deadline = o.cfg.FastPathDeadline
		h.Emit(trace.FastPath, map[string]any{"expert_id": outcome.ExpertIDs[0]})
	}

	slog.Info("orchestrator: selection completed",
		"request_id", q.ID,
		"query", strutil.Truncate(q.Text, 80),
		"mode", string(outcome.Mode),
		"experts", outcome.ExpertIDs)

	selected, missing := o.resolve(outcome.ExpertIDs)
	results := o.executor.Execute(ctx, q, selected, deadline, h)
	results = append(results, missingResults(missing)...)
	h.RecordResults(executor.Summaries(results))

	if ctx.Err() == context.Canceled {
		seal()
		slog.Warn("orchestrator: request cancelled by caller", "request_id", q.ID)
		return nil, fmt.Errorf("query %s: %w", q.ID, moe.ErrCancelled)
	}

	h.Emit(trace.MixingBegin, map[string]any{"results": len(results)})
	text, payloads := o.mixer.Mix(ctx, q, results, outcome.Mode)
	h.Emit(trace.MixingEnd, map[string]any{"payloads": len(payloads)})

	resp = &moe.FinalResponse{Text: text, StructuredPayloads: payloads}
	resp.Trace = seal()

	if anySucceeded(results) {
		o.cache.Put(fp, resp)
	}

	slog.Info("orchestrator: request completed",
		"request_id", q.ID,
		"latency_ms", resp.Trace.LatencyMs,
		"experts", len(results),
		"payloads", len(payloads))
	return resp, nil
}

// serveCached returns the cached response re-sealed under the current
// request's trace. Text and payloads are shared with the cache entry.
func (o *Orchestrator) serveCached(q moe.Query, h *trace.Handle, seal func() *trace.MoETrace, cached *moe.FinalResponse) *moe.FinalResponse {
	h.Emit(trace.CacheHit, map[string]any{"request_id": q.ID})
	h.MarkCacheHit()
	t := seal()
	slog.Info("orchestrator: served from cache", "request_id", q.ID)
	return &moe.FinalResponse{
		Text:               cached.Text,
		StructuredPayloads: cached.StructuredPayloads,
		Trace:              t,
	}
}

// resolve maps selected ids back to registry entries, preserving order.
// Ids that disappeared between snapshot and lookup are returned separately
// so every selected id still ends up with a per-expert result.
func (o *Orchestrator) resolve(ids []string) ([]registry.Entry, []string) {
	out := make([]registry.Entry, 0, len(ids))
	var missing []string
	for _, id := range ids {
		if e, ok := o.registry.Lookup(id); ok {
			out = append(out, e)
		} else {
			slog.Warn("orchestrator: selected expert vanished from registry", "expert_id", id)
			missing = append(missing, id)
		}
	}
	return out, missing
}

// missingResults seals a failed result for each selected id that had no
// registry entry left to invoke.
func missingResults(ids []string) []moe.ExpertResult {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	out := make([]moe.ExpertResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, moe.ExpertResult{
			ExpertID:     id,
			Status:       moe.StatusError,
			StartedAt:    now,
			EndedAt:      now,
			ErrorMessage: "expert no longer registered",
		})
	}
	return out
}

func anySucceeded(results []moe.ExpertResult) bool {
	for _, r := range results {
		if r.Succeeded() {
			return true
		}
	}
	return false
}
