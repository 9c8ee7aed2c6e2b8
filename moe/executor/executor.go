// Package executor runs the selected experts in parallel under a shared
// request deadline, with per-expert timeouts, process-wide admission
// control, and panic isolation. One ExpertResult is produced per selection
// slot regardless of outcome, in selection order.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/polymind/polymind/moe"
	"github.com/polymind/polymind/moe/registry"
	"github.com/polymind/polymind/moe/trace"
)

// Executor is safe for concurrent use; the admission semaphore is shared
// across all requests routed through the same instance.
type Executor struct {
	cfg moe.Config
	sem *semaphore.Weighted // nil when MaxConcurrentExperts == 0
}

// New creates an executor. A MaxConcurrentExperts of zero admits nothing:
// every selected expert times out without invocation.
func New(cfg moe.Config) *Executor {
	e := &Executor{cfg: cfg}
	if cfg.MaxConcurrentExperts > 0 {
		e.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentExperts))
	}
	return e
}

// invokeOutcome carries an expert's return (or captured panic) back to the
// supervising goroutine.
type invokeOutcome struct {
	result moe.ExpertResult
	err    error
}

// Execute fans out over the selected entries and returns when every slot is
// sealed. Slot i of the returned slice corresponds to selected[i] regardless
// of completion order. deadline is the request-wide budget; experts that do
// not observe cancellation within the configured grace are abandoned and
// their slots sealed as timeouts.
func (e *Executor) Execute(ctx context.Context, q moe.Query, selected []registry.Entry, deadline time.Duration, h *trace.Handle) []moe.ExpertResult {
	results := make([]moe.ExpertResult, len(selected))
	if len(selected) == 0 {
		return results
	}

	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	hardStop := time.Now().Add(deadline)

	var wg sync.WaitGroup
	for i, entry := range selected {
		wg.Add(1)
		go func(slot int, entry registry.Entry) {
			defer wg.Done()
			results[slot] = e.runExpert(reqCtx, q, entry, hardStop, h)
		}(i, entry)
	}
	wg.Wait()

	return results
}

// runExpert supervises one expert invocation: admission, per-expert
// deadline, panic capture, and grace-bounded abandonment. It always returns
// a sealed result and brackets the invocation with EXPERT_BEGIN/EXPERT_END
// trace events.
func (e *Executor) runExpert(ctx context.Context, q moe.Query, entry registry.Entry, hardStop time.Time, h *trace.Handle) moe.ExpertResult {
	id := entry.Descriptor.ID
	started := time.Now()
	h.Emit(trace.ExpertBegin, map[string]any{
		"expert_id":  id,
		"started_at": started,
	})

	res, ok := e.admit(ctx, id, started)
	if ok {
		res = e.invoke(ctx, q, entry, started, hardStop)
	}

	h.Emit(trace.ExpertEnd, map[string]any{
		"expert_id":   id,
		"status":      string(res.Status),
		"ended_at":    res.EndedAt,
		"duration_ms": res.EndedAt.Sub(res.StartedAt).Milliseconds(),
	})
	return res
}

// admit takes a slot on the process-wide semaphore, waiting at most
// AdmissionWait. On failure it returns the sealed timeout result.
func (e *Executor) admit(ctx context.Context, id string, started time.Time) (moe.ExpertResult, bool) {
	if e.sem == nil {
		slog.Warn("executor: admission disabled, expert not invoked", "expert_id", id)
		return sealSkipped(id, started, "admission semaphore has zero capacity"), false
	}

	admitCtx, cancel := context.WithTimeout(ctx, e.cfg.AdmissionWait)
	defer cancel()
	if err := e.sem.Acquire(admitCtx, 1); err != nil {
		if ctx.Err() == context.Canceled {
			r := sealSkipped(id, started, "request cancelled while awaiting admission")
			r.Status = moe.StatusCancelled
			return r, false
		}
		slog.Warn("executor: admission wait exceeded, expert not invoked",
			"expert_id", id, "wait", e.cfg.AdmissionWait)
		return sealSkipped(id, started, "admission wait exceeded"), false
	}
	return moe.ExpertResult{}, true
}

// invoke runs the expert with its own deadline inside the request context
// and releases the admission slot when the expert's goroutine finishes.
func (e *Executor) invoke(ctx context.Context, q moe.Query, entry registry.Entry, started time.Time, hardStop time.Time) moe.ExpertResult {
	d := entry.Descriptor
	timeout := e.cfg.ExpertTimeout
	if d.Timeout > 0 && d.Timeout < timeout {
		timeout = d.Timeout
	}
	expertCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome := make(chan invokeOutcome, 1)
	go func() {
		defer e.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("executor: expert panicked", "expert_id", d.ID, "panic", r)
				outcome <- invokeOutcome{err: fmt.Errorf("expert panicked: %v", r)}
			}
		}()
		res, err := entry.Expert.Invoke(expertCtx, q)
		outcome <- invokeOutcome{result: res, err: err}
	}()

	select {
	case out := <-outcome:
		return sealOutcome(d.ID, started, out)
	case <-expertCtx.Done():
	}

	// Deadline or cancellation fired; give the expert the cooperative grace
	// window to come back, then abandon its goroutine.
	grace := time.NewTimer(e.cfg.CancelGrace)
	defer grace.Stop()
	select {
	case out := <-outcome:
		return sealLate(d.ID, started, hardStop, expertCtx, out)
	case <-grace.C:
		slog.Warn("executor: expert unresponsive to cancellation, abandoning",
			"expert_id", d.ID, "grace", e.cfg.CancelGrace)
		return sealExpired(d.ID, started, hardStop, ctx)
	}
}

// sealOutcome converts a normal return into a result, forcing error status
// on a non-nil error and repairing timestamps the expert left unset.
func sealOutcome(id string, started time.Time, out invokeOutcome) moe.ExpertResult {
	res := out.result
	res.ExpertID = id
	if res.StartedAt.IsZero() {
		res.StartedAt = started
	}
	if res.EndedAt.Before(res.StartedAt) {
		res.EndedAt = time.Now()
	}
	switch {
	case errors.Is(out.err, context.DeadlineExceeded):
		res.Status = moe.StatusTimeout
		res.ErrorMessage = "deadline exceeded"
		res.TextOutput = ""
		res.StructuredPayloads = nil
	case errors.Is(out.err, context.Canceled):
		res.Status = moe.StatusCancelled
		res.ErrorMessage = "request cancelled"
		res.TextOutput = ""
		res.StructuredPayloads = nil
	case out.err != nil:
		res.Status = moe.StatusError
		res.ErrorMessage = out.err.Error()
		res.TextOutput = ""
		res.StructuredPayloads = nil
	case res.Status == "":
		res.Status = moe.StatusSuccess
	}
	return res
}

// sealLate handles an expert that returned inside the grace window after
// its context ended: the slot is sealed with the deadline status, not the
// expert's own.
func sealLate(id string, started time.Time, hardStop time.Time, expertCtx context.Context, out invokeOutcome) moe.ExpertResult {
	res := sealExpired(id, started, hardStop, expertCtx)
	if out.err != nil {
		res.ErrorMessage = out.err.Error()
	}
	res.TokenUsage = out.result.TokenUsage
	return res
}

// sealExpired builds the timeout/cancelled result for an expert whose
// context ended before it produced output.
func sealExpired(id string, started time.Time, hardStop time.Time, cause context.Context) moe.ExpertResult {
	res := moe.ExpertResult{
		ExpertID:  id,
		StartedAt: started,
		EndedAt:   time.Now(),
	}
	if cause.Err() == context.Canceled {
		res.Status = moe.StatusCancelled
		res.ErrorMessage = "request cancelled"
		return res
	}
	res.Status = moe.StatusTimeout
	res.ErrorMessage = "deadline exceeded"
	if res.EndedAt.After(hardStop) {
		res.EndedAt = hardStop
	}
	if res.EndedAt.Before(res.StartedAt) {
		res.EndedAt = res.StartedAt
	}
	return res
}

// sealSkipped builds the result for an expert that was never invoked.
func sealSkipped(id string, started time.Time, msg string) moe.ExpertResult {
	now := time.Now()
	return moe.ExpertResult{
		ExpertID:     id,
		Status:       moe.StatusTimeout,
		StartedAt:    started,
		EndedAt:      now,
		ErrorMessage: msg,
	}
}

// Summaries converts executor results into the per-expert view recorded in
// the sealed trace.
func Summaries(results []moe.ExpertResult) []trace.ExpertSummary {
	out := make([]trace.ExpertSummary, 0, len(results))
	for _, r := range results {
		out = append(out, trace.ExpertSummary{
			ExpertID:   r.ExpertID,
			Status:     string(r.Status),
			StartedAt:  r.StartedAt,
			EndedAt:    r.EndedAt,
			TokenUsage: r.TokenUsage,
			Error:      r.ErrorMessage,
		})
	}
	return out
}
