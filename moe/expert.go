package moe

import (
	"context"
	"fmt"
	"time"
)

// CostClass buckets experts by how expensive an invocation is.
// The order is meaningful: selection tie-breaks prefer cheaper experts.
type CostClass int

const (
	CostCheap CostClass = iota
	CostNormal
	CostHeavy
)

// String returns the lowercase name of the cost class.
func (c CostClass) String() string {
	switch c {
	case CostCheap:
		return "cheap"
	case CostNormal:
		return "normal"
	case CostHeavy:
		return "heavy"
	default:
		return fmt.Sprintf("cost(%d)", int(c))
	}
}

// ParseCostClass parses a cost class name as used in expert manifests.
func ParseCostClass(s string) (CostClass, error) {
	switch s {
	case "cheap":
		return CostCheap, nil
	case "normal", "":
		return CostNormal, nil
	case "heavy":
		return CostHeavy, nil
	default:
		return CostNormal, fmt.Errorf("unknown cost class %q", s)
	}
}

// ExpertDescriptor is the immutable capability record of a registered expert.
type ExpertDescriptor struct {
	ID                string        `json:"id"`
	DisplayName       string        `json:"display_name"`
	CapabilityTags    []string      `json:"capability_tags,omitempty"`
	KeywordTriggers   []string      `json:"keyword_triggers,omitempty"`
	SemanticEmbedding []float32     `json:"-"`
	CostClass         CostClass     `json:"cost_class"`
	SupportsStreaming bool          `json:"supports_streaming"`
	Timeout           time.Duration `json:"timeout_ms"`
}

// HasTag reports whether the descriptor carries the given capability tag.
func (d ExpertDescriptor) HasTag(tag string) bool {
	for _, t := range d.CapabilityTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Expert is the invocation handle bound to a descriptor. Implementations may
// block on I/O and must honor ctx cancellation promptly. A returned error or
// a panic is captured by the executor as a StatusError result; it never
// propagates further.
type Expert interface {
	Invoke(ctx context.Context, q Query) (ExpertResult, error)
}

// ExpertFunc adapts a plain function to the Expert interface.
type ExpertFunc func(ctx context.Context, q Query) (ExpertResult, error)

// Invoke calls f.
func (f ExpertFunc) Invoke(ctx context.Context, q Query) (ExpertResult, error) {
	return f(ctx, q)
}

// ExpertStatus is the terminal status of one expert invocation.
type ExpertStatus string

const (
	StatusSuccess   ExpertStatus = "SUCCESS"
	StatusTimeout   ExpertStatus = "TIMEOUT"
	StatusError     ExpertStatus = "ERROR"
	StatusCancelled ExpertStatus = "CANCELLED"
)

// ExpertResult is produced by the executor for every selected expert,
// regardless of outcome, and is not mutated after construction.
// EndedAt is never before StartedAt.
type ExpertResult struct {
	ExpertID           string              `json:"expert_id"`
	Status             ExpertStatus        `json:"status"`
	StartedAt          time.Time           `json:"started_at"`
	EndedAt            time.Time           `json:"ended_at"`
	TextOutput         string              `json:"text_output,omitempty"`
	StructuredPayloads []StructuredPayload `json:"structured_payloads,omitempty"`
	TokenUsage         int                 `json:"token_usage,omitempty"`
	ErrorMessage       string              `json:"error_message,omitempty"`
}

// Succeeded reports whether the invocation completed normally.
func (r ExpertResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// PayloadKind classifies a structured payload block.
type PayloadKind string

const (
	PayloadInteractiveMap PayloadKind = "INTERACTIVE_MAP"
	PayloadImage          PayloadKind = "IMAGE"
	PayloadJSONBlock      PayloadKind = "JSON_BLOCK"
	PayloadCodeBlock      PayloadKind = "CODE_BLOCK"
)

// StructuredPayload is a verbatim block the mixer must not rewrite.
// Span, when non-nil, is the byte range [start, end) of the block inside the
// producing expert's TextOutput; nil means the payload is detached from the
// text.
type StructuredPayload struct {
	Kind PayloadKind `json:"kind"`
	Raw  string      `json:"raw"`
	Span *[2]int     `json:"span,omitempty"`
}
