package mixer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymind/polymind/moe"
	"github.com/polymind/polymind/moe/selector"
)

type fakeSummarizer struct {
	fn    func(queryText string, contributions []Contribution) (string, error)
	calls [][]Contribution
}

func (f *fakeSummarizer) Summarize(_ context.Context, queryText string, contributions []Contribution) (string, error) {
	f.calls = append(f.calls, contributions)
	if f.fn != nil {
		return f.fn(queryText, contributions)
	}
	var parts []string
	for _, c := range contributions {
		parts = append(parts, c.Text)
	}
	return "Summary: " + strings.Join(parts, " | "), nil
}

type fakeGeocoder struct {
	markers []Marker
	err     error
	calls   int
}

func (f *fakeGeocoder) ExtractAndGeocode(_ context.Context, _ string) ([]Marker, error) {
	f.calls++
	return f.markers, f.err
}

func success(id, text string, payloads ...moe.StructuredPayload) moe.ExpertResult {
	return moe.ExpertResult{ExpertID: id, Status: moe.StatusSuccess, TextOutput: text, StructuredPayloads: payloads}
}

func failed(id string) moe.ExpertResult {
	return moe.ExpertResult{ExpertID: id, Status: moe.StatusError, ErrorMessage: "down"}
}

func newMixer(t *testing.T, s Summarizer, g GeocodingFallback) *Mixer {
	t.Helper()
	m, err := New(moe.DefaultConfig(), s, g)
	require.NoError(t, err)
	return m
}

func TestMixFastPathVerbatim(t *testing.T) {
	m := newMixer(t, nil, nil)
	payload := moe.StructuredPayload{Kind: moe.PayloadImage, Raw: "![pic](x.png)"}

	text, payloads := m.Mix(context.Background(), moe.Query{Text: "hi"},
		[]moe.ExpertResult{success("chat", "I'm good!", payload)}, selector.FastPath)

	assert.Equal(t, "I'm good!", text)
	assert.Equal(t, []moe.StructuredPayload{payload}, payloads)
}

func TestMixFastPathFallbackOnFailure(t *testing.T) {
	cfg := moe.DefaultConfig()
	m := newMixer(t, nil, nil)

	text, payloads := m.Mix(context.Background(), moe.Query{Text: "hi"},
		[]moe.ExpertResult{failed("chat")}, selector.FastPath)

	assert.Equal(t, cfg.FastPathFailFallback, text)
	assert.Empty(t, payloads)
}

func TestMixSingleSuccessVerbatim(t *testing.T) {
	sum := &fakeSummarizer{}
	m := newMixer(t, sum, nil)

	text, _ := m.Mix(context.Background(), moe.Query{Text: "q"},
		[]moe.ExpertResult{success("search", "the answer")}, selector.FanOut)

	assert.Equal(t, "the answer", text)
	assert.Empty(t, sum.calls, "single success must not invoke the summarizer")
}

func TestMixAllFailed(t *testing.T) {
	cfg := moe.DefaultConfig()
	m := newMixer(t, &fakeSummarizer{}, nil)

	text, payloads := m.Mix(context.Background(), moe.Query{Text: "q"},
		[]moe.ExpertResult{failed("a"), failed("b")}, selector.FanOut)

	assert.Equal(t, cfg.AllFailedFallback, text)
	assert.Empty(t, payloads)
}

func TestMixMultiSuccessSynthesis(t *testing.T) {
	sum := &fakeSummarizer{}
	m := newMixer(t, sum, nil)

	text, _ := m.Mix(context.Background(), moe.Query{Text: "q"}, []moe.ExpertResult{
		success("a", "A"),
		failed("broken"),
		success("b", "B"),
	}, selector.FanOut)

	assert.Equal(t, "Summary: A | B", text)
	require.Len(t, sum.calls, 1)
	// Contributions follow selection order and exclude failed experts.
	require.Len(t, sum.calls[0], 2)
	assert.Equal(t, "a", sum.calls[0][0].ExpertID)
	assert.Equal(t, "b", sum.calls[0][1].ExpertID)
}

func TestMixSummarizerFailureConcatenates(t *testing.T) {
	sum := &fakeSummarizer{fn: func(string, []Contribution) (string, error) {
		return "", errors.New("llm down")
	}}
	m := newMixer(t, sum, nil)

	text, _ := m.Mix(context.Background(), moe.Query{Text: "q"}, []moe.ExpertResult{
		success("a", "A"),
		success("b", "B"),
	}, selector.FanOut)

	assert.Equal(t, "A\n\nB", text)
}

func TestMixPreservesStructuredPayloads(t *testing.T) {
	mapPayload := moe.StructuredPayload{Kind: moe.PayloadInteractiveMap, Raw: "<map-json>"}
	sum := &fakeSummarizer{}
	m := newMixer(t, sum, nil)

	_, payloads := m.Mix(context.Background(), moe.Query{Text: "Show me pizza places on a map"},
		[]moe.ExpertResult{
			success("maps", "", mapPayload),
			success("descriptions", "Here are places"),
		}, selector.FanOut)

	require.Len(t, payloads, 1)
	assert.Equal(t, "<map-json>", payloads[0].Raw)

	// The summarizer saw a placeholder instead of the map's raw content.
	require.Len(t, sum.calls, 1)
	mapsText := sum.calls[0][0].Text
	assert.NotContains(t, mapsText, "<map-json>")
	assert.Contains(t, mapsText, "⟦payload:INTERACTIVE_MAP:1⟧")
}

func TestMixSplicesInlinePayloadBySpan(t *testing.T) {
	text := "before {\"k\":1} after"
	span := [2]int{7, 14}
	payload := moe.StructuredPayload{Kind: moe.PayloadJSONBlock, Raw: `{"k":1}`, Span: &span}
	sum := &fakeSummarizer{}
	m := newMixer(t, sum, nil)

	m.Mix(context.Background(), moe.Query{Text: "q"}, []moe.ExpertResult{
		success("a", text, payload),
		success("b", "other"),
	}, selector.FanOut)

	require.Len(t, sum.calls, 1)
	got := sum.calls[0][0].Text
	assert.Equal(t, "before ⟦payload:JSON_BLOCK:1⟧ after", got)
}

func TestMixPromotesFencedJSONAndImages(t *testing.T) {
	body := "Results below.\n\n```json\n{\"places\": 2}\n```\n\nAlso ![chart](https://x/c.png) here."
	sum := &fakeSummarizer{}
	m := newMixer(t, sum, nil)

	_, payloads := m.Mix(context.Background(), moe.Query{Text: "q"}, []moe.ExpertResult{
		success("a", body),
		success("b", "plain"),
	}, selector.FanOut)

	kinds := make(map[moe.PayloadKind]int)
	for _, p := range payloads {
		kinds[p.Kind]++
	}
	assert.Equal(t, 1, kinds[moe.PayloadJSONBlock])
	assert.Equal(t, 1, kinds[moe.PayloadImage])

	// Redacted text must contain neither the JSON content nor the image link.
	redacted := sum.calls[0][0].Text
	assert.NotContains(t, redacted, `{"places": 2}`)
	assert.NotContains(t, redacted, "![chart]")
}

func TestMixRepairsDroppedCodeBlock(t *testing.T) {
	code := "```go\nfunc main() {}\n```"
	sum := &fakeSummarizer{fn: func(string, []Contribution) (string, error) {
		return "The code does things.", nil // summarizer dropped the block
	}}
	m := newMixer(t, sum, nil)

	text, _ := m.Mix(context.Background(), moe.Query{Text: "q"}, []moe.ExpertResult{
		success("a", "Here:\n\n"+code),
		success("b", "plain"),
	}, selector.FanOut)

	assert.Contains(t, text, "func main() {}")
	assert.Equal(t, 0, strings.Count(text, "```")%2, "fences must stay balanced")
}

func TestMixClosesBrokenFence(t *testing.T) {
	sum := &fakeSummarizer{fn: func(string, []Contribution) (string, error) {
		return "Look:\n```go\nfunc main() {}", nil // summarizer lost the closing fence
	}}
	m := newMixer(t, sum, nil)

	text, _ := m.Mix(context.Background(), moe.Query{Text: "q"}, []moe.ExpertResult{
		success("a", "```go\nfunc main() {}\n```"),
		success("b", "plain"),
	}, selector.FanOut)

	assert.Equal(t, 0, strings.Count(text, "```")%2)
}

func TestMixGeocodingFallback(t *testing.T) {
	geo := &fakeGeocoder{markers: []Marker{
		{Name: "Foo", Lat: 37.1, Lng: -122.2},
		{Name: "Bar", Lat: 37.2, Lng: -122.3},
	}}
	m := newMixer(t, &fakeSummarizer{}, geo)

	_, payloads := m.Mix(context.Background(),
		moe.Query{Text: "show greek restaurants on a map"},
		[]moe.ExpertResult{success("yelp", "1. Foo — 1 A St\n2. Bar — 2 B St")},
		selector.FanOut)

	require.Len(t, payloads, 1)
	assert.Equal(t, moe.PayloadInteractiveMap, payloads[0].Kind)
	assert.Contains(t, payloads[0].Raw, "Foo")
	assert.Contains(t, payloads[0].Raw, "Bar")
}

func TestMixGeocodingSkippedWithSingleMarker(t *testing.T) {
	geo := &fakeGeocoder{markers: []Marker{{Name: "Foo", Lat: 1, Lng: 2}}}
	m := newMixer(t, &fakeSummarizer{}, geo)

	_, payloads := m.Mix(context.Background(),
		moe.Query{Text: "show it on a map"},
		[]moe.ExpertResult{success("yelp", "Foo — 1 A St")},
		selector.FanOut)

	assert.Empty(t, payloads)
}

func TestMixGeocodingSkippedWhenMapPresent(t *testing.T) {
	geo := &fakeGeocoder{markers: []Marker{{Name: "Foo", Lat: 1, Lng: 2}, {Name: "Bar", Lat: 3, Lng: 4}}}
	m := newMixer(t, &fakeSummarizer{}, geo)

	m.Mix(context.Background(),
		moe.Query{Text: "show them on a map"},
		[]moe.ExpertResult{
			success("maps", "", moe.StructuredPayload{Kind: moe.PayloadInteractiveMap, Raw: "<map>"}),
			success("yelp", "places"),
		}, selector.FanOut)

	assert.Zero(t, geo.calls)
}

func TestMixDeterministic(t *testing.T) {
	sum := &fakeSummarizer{}
	m := newMixer(t, sum, nil)
	results := []moe.ExpertResult{
		success("a", "A text\n\n```json\n{\"x\":1}\n```\n"),
		success("b", "B text"),
	}

	text1, p1 := m.Mix(context.Background(), moe.Query{Text: "q"}, results, selector.FanOut)
	text2, p2 := m.Mix(context.Background(), moe.Query{Text: "q"}, results, selector.FanOut)

	assert.Equal(t, text1, text2)
	assert.Equal(t, fmt.Sprint(p1), fmt.Sprint(p2))
}

func TestMapIntentDetector(t *testing.T) {
	d, err := NewMapIntentDetector(moe.DefaultConfig().MapIntentPatterns)
	require.NoError(t, err)

	assert.True(t, d.Detect("show greek restaurants on a map"))
	assert.True(t, d.Detect("Give me a map view of downtown"))
	assert.False(t, d.Detect("what is the best pizza"))
}
