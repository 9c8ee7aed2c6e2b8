// Package selector maps a query to the ordered list of experts to execute.
// Three strategies are supported (keyword, embedding, hybrid) plus a
// chitchat fast path that routes conversational queries to a single
// low-latency expert.
package selector

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/polymind/polymind/moe"
	"github.com/polymind/polymind/moe/registry"
)

// Mode says how the orchestrator should treat the selection.
type Mode string

const (
	// FastPath routes to a single chitchat expert whose output is
	// returned verbatim, bypassing synthesis.
	FastPath Mode = "FAST_PATH"
	// FanOut executes the selected experts in parallel and mixes.
	FanOut Mode = "FAN_OUT"
)

// Outcome is the result of one selection.
type Outcome struct {
	Mode      Mode
	ExpertIDs []string
	Rationale []string
}

// EmbeddingProvider produces a vector for a query text. Nil providers and
// provider errors degrade the selector to keyword scoring for that request.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Selector is safe for concurrent use once constructed.
type Selector struct {
	cfg      moe.Config
	embedder EmbeddingProvider
	chitchat *ChitchatClassifier
}

// New compiles the classifier patterns and returns a ready selector.
// embedder may be nil; embedding and hybrid strategies then run keyword-only.
func New(cfg moe.Config, embedder EmbeddingProvider) (*Selector, error) {
	cc, err := NewChitchatClassifier(cfg.ChitchatPatterns, cfg.ChitchatAffirmations)
	if err != nil {
		return nil, err
	}
	return &Selector{cfg: cfg, embedder: embedder, chitchat: cc}, nil
}

// Chitchat exposes the classifier so the voice driver can share the exact
// same rules.
func (s *Selector) Chitchat() *ChitchatClassifier { return s.chitchat }

// candidate is one scored expert during ranking.
type candidate struct {
	entry      registry.Entry
	keywordHit bool
	similarity float32
	hits       []string
}

func (c candidate) score() float32 {
	s := c.similarity
	if c.keywordHit {
		s++
	}
	return s
}

// Select chooses the experts to run for q over the given registry snapshot.
// The returned ids are ordered by descending score with deterministic
// tie-breaking (cost class ascending, then id).
func (s *Selector) Select(ctx context.Context, q moe.Query, snapshot []registry.Entry) Outcome {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return Outcome{Mode: FanOut, Rationale: []string{"empty query"}}
	}

	if s.chitchat.IsChitchat(text) {
		if id, ok := fastPathExpert(snapshot, s.cfg.FastPathTag); ok {
			return Outcome{
				Mode:      FastPath,
				ExpertIDs: []string{id},
				Rationale: []string{"chitchat: routed to " + id},
			}
		}
		// No chitchat expert registered; fall through to fan-out.
	}

	tokens := Tokenize(text)

	var queryVec []float32
	if s.cfg.SelectionStrategy != moe.StrategyKeyword && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, text)
		if err != nil {
			slog.Warn("selector: embedding failed, degrading to keyword scoring",
				"query_id", q.ID, "error", err)
		} else {
			queryVec = vec
		}
	}

	var cands []candidate
	for _, e := range snapshot {
		c := candidate{entry: e}

		if s.cfg.SelectionStrategy != moe.StrategyEmbedding || queryVec == nil {
			c.keywordHit, c.hits = keywordMatch(tokens, e.Descriptor.KeywordTriggers)
		}
		if queryVec != nil && len(e.Descriptor.SemanticEmbedding) > 0 {
			sim := CosineSimilarity(queryVec, e.Descriptor.SemanticEmbedding)
			if sim >= s.cfg.SimilarityFloor {
				c.similarity = sim
			}
		}

		if c.keywordHit || c.similarity > 0 {
			cands = append(cands, c)
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		si, sj := cands[i].score(), cands[j].score()
		if si != sj {
			return si > sj
		}
		ci, cj := cands[i].entry.Descriptor.CostClass, cands[j].entry.Descriptor.CostClass
		if ci != cj {
			return ci < cj
		}
		return cands[i].entry.Descriptor.ID < cands[j].entry.Descriptor.ID
	})

	if len(cands) > s.cfg.MaxExperts {
		cands = cands[:s.cfg.MaxExperts]
	}

	out := Outcome{Mode: FanOut}
	for _, c := range cands {
		out.ExpertIDs = append(out.ExpertIDs, c.entry.Descriptor.ID)
		out.Rationale = append(out.Rationale, rationaleFor(c))
	}
	return out
}

// fastPathExpert finds the single expert carrying the fast-path tag.
func fastPathExpert(snapshot []registry.Entry, tag string) (string, bool) {
	for _, e := range snapshot {
		if e.Descriptor.HasTag(tag) {
			return e.Descriptor.ID, true
		}
	}
	return "", false
}

func rationaleFor(c candidate) string {
	var b strings.Builder
	b.WriteString(c.entry.Descriptor.ID)
	b.WriteString(": ")
	switch {
	case c.keywordHit && c.similarity > 0:
		b.WriteString("keyword match (")
		b.WriteString(strings.Join(c.hits, ", "))
		b.WriteString(") + semantic similarity ")
		b.WriteString(formatScore(c.similarity))
	case c.keywordHit:
		b.WriteString("keyword match (")
		b.WriteString(strings.Join(c.hits, ", "))
		b.WriteString(")")
	default:
		b.WriteString("semantic similarity ")
		b.WriteString(formatScore(c.similarity))
	}
	return b.String()
}

func formatScore(f float32) string {
	return strconv.FormatFloat(float64(f), 'f', 2, 32)
}

// keywordMatch reports whether any trigger token appears in the query
// tokens, returning the matched triggers.
func keywordMatch(queryTokens []string, triggers []string) (bool, []string) {
	if len(triggers) == 0 {
		return false, nil
	}
	set := make(map[string]struct{}, len(queryTokens))
	for _, t := range queryTokens {
		set[t] = struct{}{}
	}
	var hits []string
	for _, trig := range triggers {
		trigTokens := Tokenize(trig)
		if len(trigTokens) == 0 {
			continue
		}
		all := true
		for _, tt := range trigTokens {
			if _, ok := set[tt]; !ok {
				all = false
				break
			}
		}
		if all {
			hits = append(hits, strings.ToLower(trig))
		}
	}
	return len(hits) > 0, hits
}

// Tokenize lower-cases the text and splits it on anything that is not a
// letter or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths and zero vectors yield 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
