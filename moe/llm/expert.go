package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/polymind/polymind/moe"
)

// PromptExpert answers queries by sending a fixed system prompt plus the
// query text to a chat model. Manifest-defined experts are all instances of
// this type; what distinguishes them is their prompt and descriptor.
type PromptExpert struct {
	desc   moe.ExpertDescriptor
	prompt string
	svc    Service
}

// NewPromptExpert binds a descriptor and system prompt to a chat service.
func NewPromptExpert(desc moe.ExpertDescriptor, prompt string, svc Service) *PromptExpert {
	return &PromptExpert{desc: desc, prompt: prompt, svc: svc}
}

// Descriptor returns the expert's capability record.
func (e *PromptExpert) Descriptor() moe.ExpertDescriptor { return e.desc }

// Invoke sends the query to the model. Context from the query, when
// present, is appended so experts see conversational state.
func (e *PromptExpert) Invoke(ctx context.Context, q moe.Query) (moe.ExpertResult, error) {
	user := q.Text
	if cs := formatContext(q.Context); cs != "" {
		user = fmt.Sprintf("%s\n\nContext:\n%s", q.Text, cs)
	}

	start := time.Now()
	out, usage, err := e.svc.Chat(ctx, e.prompt, user)
	if err != nil {
		return moe.ExpertResult{}, err
	}

	result := moe.ExpertResult{
		ExpertID:   e.desc.ID,
		StartedAt:  start,
		EndedAt:    time.Now(),
		TextOutput: strings.TrimSpace(out),
	}
	if usage != nil {
		result.TokenUsage = usage.TotalTokens
	}
	return result, nil
}

// formatContext renders query context as sorted key: value lines so the
// prompt stays deterministic.
func formatContext(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, m[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

var _ moe.Expert = (*PromptExpert)(nil)
