// Package trace provides the per-request event bus of the engine: strictly
// ordered event emission, replay-then-live subscription, and the sealed
// MoETrace record produced when a request completes.
package trace

import "time"

// EventKind identifies the kind of trace event.
type EventKind string

const (
	SelectionBegin    EventKind = "SELECTION_BEGIN"
	SelectionEnd      EventKind = "SELECTION_END"
	ExpertBegin       EventKind = "EXPERT_BEGIN"
	ExpertEnd         EventKind = "EXPERT_END"
	MixingBegin       EventKind = "MIXING_BEGIN"
	MixingEnd         EventKind = "MIXING_END"
	CacheHit          EventKind = "CACHE_HIT"
	FastPath          EventKind = "FAST_PATH"
	SubscriberDropped EventKind = "SUBSCRIBER_DROPPED"
)

// Event is a single entry in a request trace. Seq is strictly increasing
// within one request; no ordering is promised across requests.
type Event struct {
	Seq       uint64         `json:"seq"`
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Window is a [start, end] wall-clock interval.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the window length, or 0 for an unset window.
func (w Window) Duration() time.Duration {
	if w.Start.IsZero() || w.End.IsZero() {
		return 0
	}
	return w.End.Sub(w.Start)
}

// ExpertSummary is the per-expert slice of a sealed trace.
type ExpertSummary struct {
	ExpertID   string    `json:"expert_id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	TokenUsage int       `json:"token_usage,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// MoETrace is the sealed, immutable record of one completed request.
// SelectionWindow.Start is the request's wall-clock start.
type MoETrace struct {
	RequestID         string          `json:"request_id"`
	Query             string          `json:"query"`
	SelectionWindow   Window          `json:"selection_window"`
	ExecutionWindow   Window          `json:"execution_window"`
	MixingWindow      Window          `json:"mixing_window"`
	SelectedExpertIDs []string        `json:"selected_expert_ids"`
	Rationale         []string        `json:"rationale,omitempty"`
	PerExpert         []ExpertSummary `json:"per_expert"`
	LatencyMs         int64           `json:"latency_ms"`
	CacheHit          bool            `json:"cache_hit"`
	Events            []Event         `json:"emitted_events"`
}

// EventsOfKind returns the subset of emitted events with the given kind,
// in seq order.
func (t *MoETrace) EventsOfKind(kind EventKind) []Event {
	var out []Event
	for _, e := range t.Events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Sink observes every event and every sealed trace that passes through a
// Bus. OnEvent is called synchronously in emission order per request;
// implementations must be fast and must not block.
type Sink interface {
	OnEvent(requestID string, e Event)
	OnClose(t *MoETrace)
}
