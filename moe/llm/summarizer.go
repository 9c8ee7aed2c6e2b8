package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/polymind/polymind/moe/mixer"
)

const summarizerSystemPrompt = `You merge answers from several specialist assistants into one coherent reply.
Rules:
- Answer the user's question directly, weaving the specialist answers together.
- Do not mention the specialists or that multiple sources were used.
- Keep every placeholder of the form ` + "`⟦payload:...⟧`" + ` exactly as written, on its own line.
- Do not invent facts that no specialist provided.`

// Summarizer synthesizes fan-out contributions through a chat model.
type Summarizer struct {
	svc Service
}

// NewSummarizer wraps a chat service as a mixer synthesis backend.
func NewSummarizer(svc Service) *Summarizer {
	return &Summarizer{svc: svc}
}

// Summarize renders the contributions into a prompt and returns the model's
// merged answer. Errors propagate so the mixer can fall back to
// concatenation.
func (s *Summarizer) Summarize(ctx context.Context, queryText string, contributions []mixer.Contribution) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "User question:\n%s\n\n", queryText)
	b.WriteString("Specialist answers:\n")
	for i, c := range contributions {
		fmt.Fprintf(&b, "\n[%d] %s:\n%s\n", i+1, c.ExpertID, c.Text)
	}

	out, _, err := s.svc.Chat(ctx, summarizerSystemPrompt, b.String())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

var _ mixer.Summarizer = (*Summarizer)(nil)
