// Package mixer turns a collected set of expert results into the
// user-facing text and structured payloads. Machine-readable payloads
// (interactive maps, images, JSON blocks) are preserved verbatim and hidden
// from the summarizer behind placeholder tokens; every failure path has a
// defined fallback, so Mix never returns an error.
package mixer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/polymind/polymind/moe"
	"github.com/polymind/polymind/moe/selector"
)

// Contribution is one expert's text offered to the summarizer, in selection
// order.
type Contribution struct {
	ExpertID string
	Text     string
}

// Summarizer synthesizes one body out of multiple expert contributions.
// It may fail; the mixer then falls back to plain concatenation.
type Summarizer interface {
	Summarize(ctx context.Context, queryText string, contributions []Contribution) (string, error)
}

// Marker is one named coordinate produced by the geocoding fallback.
type Marker struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// GeocodingFallback extracts (name, address) pairs from result text and
// resolves them to coordinates. Consulted only when the query asked for a
// map and no expert produced an interactive map payload.
type GeocodingFallback interface {
	ExtractAndGeocode(ctx context.Context, text string) ([]Marker, error)
}

// Mixer is safe for concurrent use. Summarizer and geocoder may be nil;
// the corresponding paths then use their fallbacks.
type Mixer struct {
	cfg        moe.Config
	summarizer Summarizer
	geocoder   GeocodingFallback
	mapIntent  *MapIntentDetector
}

// New compiles the map intent patterns and returns a ready mixer.
func New(cfg moe.Config, summarizer Summarizer, geocoder GeocodingFallback) (*Mixer, error) {
	mi, err := NewMapIntentDetector(cfg.MapIntentPatterns)
	if err != nil {
		return nil, err
	}
	return &Mixer{cfg: cfg, summarizer: summarizer, geocoder: geocoder, mapIntent: mi}, nil
}

// Mix produces the final text and payload list for one request. Given
// identical results and deterministic summarizer behavior, the output is
// byte-equal across calls.
func (m *Mixer) Mix(ctx context.Context, q moe.Query, results []moe.ExpertResult, mode selector.Mode) (string, []moe.StructuredPayload) {
	if mode == selector.FastPath {
		return m.mixFastPath(results)
	}

	successful := successfulResults(results)
	if len(successful) == 0 {
		return m.cfg.AllFailedFallback, nil
	}

	// Promote fenced JSON blocks and image links buried in expert text to
	// first-class payloads so they participate in preservation.
	for i := range successful {
		successful[i] = promotePayloads(successful[i])
	}

	var text string
	var payloads []moe.StructuredPayload
	if len(successful) == 1 {
		text = successful[0].TextOutput
		payloads = append(payloads, successful[0].StructuredPayloads...)
	} else {
		text, payloads = m.synthesize(ctx, q, successful)
	}

	payloads = m.ensureMapPayload(ctx, q, successful, payloads)
	return text, payloads
}

// mixFastPath returns the single chitchat result verbatim, or the
// configured fallback when it did not succeed.
func (m *Mixer) mixFastPath(results []moe.ExpertResult) (string, []moe.StructuredPayload) {
	for _, r := range results {
		if r.Succeeded() {
			return r.TextOutput, r.StructuredPayloads
		}
	}
	return m.cfg.FastPathFailFallback, nil
}

// synthesize runs the summarizer over redacted contributions and re-attaches
// the preserved payloads afterwards.
func (m *Mixer) synthesize(ctx context.Context, q moe.Query, successful []moe.ExpertResult) (string, []moe.StructuredPayload) {
	contributions := make([]Contribution, 0, len(successful))
	redacted := make([]string, 0, len(successful))
	var preserved []moe.StructuredPayload

	n := 0
	for _, r := range successful {
		text, kept := redactPreserved(r, &n)
		preserved = append(preserved, kept...)
		contributions = append(contributions, Contribution{ExpertID: r.ExpertID, Text: text})
		redacted = append(redacted, text)
	}

	body, err := m.summarize(ctx, q.Text, contributions)
	if err != nil {
		slog.Warn("mixer: synthesis failed, falling back to concatenation",
			"query_id", q.ID, "error", err)
		body = concatFallback(redacted)
	} else {
		body = repairCodeBlocks(body, successful)
	}

	return body, preserved
}

func (m *Mixer) summarize(ctx context.Context, queryText string, contributions []Contribution) (string, error) {
	if m.summarizer == nil {
		return "", fmt.Errorf("no summarizer configured")
	}
	return m.summarizer.Summarize(ctx, queryText, contributions)
}

// ensureMapPayload appends a geocoded interactive map when the query asked
// for one and no expert delivered one.
func (m *Mixer) ensureMapPayload(ctx context.Context, q moe.Query, successful []moe.ExpertResult, payloads []moe.StructuredPayload) []moe.StructuredPayload {
	if m.geocoder == nil || !m.mapIntent.Detect(q.Text) {
		return payloads
	}
	for _, p := range payloads {
		if p.Kind == moe.PayloadInteractiveMap {
			return payloads
		}
	}

	var texts []string
	for _, r := range successful {
		if r.TextOutput != "" {
			texts = append(texts, r.TextOutput)
		}
	}
	markers, err := m.geocoder.ExtractAndGeocode(ctx, strings.Join(texts, "\n"))
	if err != nil {
		slog.Warn("mixer: geocoding fallback failed", "query_id", q.ID, "error", err)
		return payloads
	}
	if len(markers) < 2 {
		return payloads
	}

	raw, err := json.Marshal(map[string]any{"markers": markers})
	if err != nil {
		return payloads
	}
	slog.Info("mixer: appended geocoded map payload", "query_id", q.ID, "markers", len(markers))
	return append(payloads, moe.StructuredPayload{Kind: moe.PayloadInteractiveMap, Raw: string(raw)})
}

// successfulResults filters to successes, preserving selection order.
func successfulResults(results []moe.ExpertResult) []moe.ExpertResult {
	var out []moe.ExpertResult
	for _, r := range results {
		if r.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}

// concatFallback joins texts with a blank line, skipping empty ones.
func concatFallback(texts []string) string {
	var parts []string
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}
