// Package moe defines the shared data model of the mixture-of-experts
// engine: queries, expert descriptors and results, structured payloads,
// final responses, engine configuration, and the typed error kinds the
// orchestrator surfaces to callers.
//
// The engine itself lives in the subpackages (registry, selector, executor,
// mixer, cache, trace, orchestrator, voice); they all speak the types
// defined here.
package moe

import (
	"time"

	"github.com/polymind/polymind/moe/trace"
)

// Query is one user request to the engine. It is immutable once constructed.
// ID is orchestrator-assigned (monotonically unique per process) when left
// empty by the caller.
type Query struct {
	ID          string         `json:"id"`
	Text        string         `json:"text"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Context     map[string]any `json:"context,omitempty"`
}

// ContextString returns the string value stored under key in the query
// context, or "" when absent or not a string.
func (q Query) ContextString(key string) string {
	if q.Context == nil {
		return ""
	}
	s, _ := q.Context[key].(string)
	return s
}

// FinalResponse is what the orchestrator hands back to the caller.
// Text and StructuredPayloads of a cached response are shared between
// callers and must not be mutated.
type FinalResponse struct {
	Text               string              `json:"text"`
	StructuredPayloads []StructuredPayload `json:"structured_payloads,omitempty"`
	Trace              *trace.MoETrace     `json:"trace,omitempty"`
}
