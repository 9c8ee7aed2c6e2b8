package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymind/polymind/moe"
	"github.com/polymind/polymind/moe/cache"
	"github.com/polymind/polymind/moe/executor"
	"github.com/polymind/polymind/moe/mixer"
	"github.com/polymind/polymind/moe/registry"
	"github.com/polymind/polymind/moe/selector"
	"github.com/polymind/polymind/moe/trace"
)

type fakeSummarizer struct {
	calls int
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ string, contributions []mixer.Contribution) (string, error) {
	f.calls++
	var parts []string
	for _, c := range contributions {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, " and "), nil
}

type fakeGeocoder struct{ markers []mixer.Marker }

func (f *fakeGeocoder) ExtractAndGeocode(_ context.Context, _ string) ([]mixer.Marker, error) {
	return f.markers, nil
}

type harness struct {
	orch *Orchestrator
	reg  *registry.Registry
	sum  *fakeSummarizer
}

func newHarness(t *testing.T, cfg moe.Config, geocoder mixer.GeocodingFallback) *harness {
	t.Helper()
	reg := registry.New()
	sel, err := selector.New(cfg, nil)
	require.NoError(t, err)
	sum := &fakeSummarizer{}
	mix, err := mixer.New(cfg, sum, geocoder)
	require.NoError(t, err)
	ca, err := cache.New(cfg)
	require.NoError(t, err)
	bus := trace.NewBus(cfg.TraceBufferMax)
	orch := New(cfg, reg, sel, executor.New(cfg), mix, ca, bus)
	return &harness{orch: orch, reg: reg, sum: sum}
}

func register(t *testing.T, reg *registry.Registry, d moe.ExpertDescriptor, fn moe.ExpertFunc) {
	t.Helper()
	require.NoError(t, reg.Register(d, fn))
}

func textExpert(text string, payloads ...moe.StructuredPayload) moe.ExpertFunc {
	return func(_ context.Context, _ moe.Query) (moe.ExpertResult, error) {
		return moe.ExpertResult{Status: moe.StatusSuccess, TextOutput: text, StructuredPayloads: payloads}, nil
	}
}

func hangingExpert() moe.ExpertFunc {
	return func(ctx context.Context, _ moe.Query) (moe.ExpertResult, error) {
		<-ctx.Done()
		return moe.ExpertResult{}, ctx.Err()
	}
}

func kinds(events []trace.Event) []trace.EventKind {
	out := make([]trace.EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

// Scenario 1: a repeated query is served from cache, bypassing the whole
// pipeline.
func TestCacheHitBypassesPipeline(t *testing.T) {
	h := newHarness(t, moe.DefaultConfig(), nil)
	register(t, h.reg, moe.ExpertDescriptor{ID: "echo", KeywordTriggers: []string{"hi"}}, textExpert("hello"))

	first, err := h.orch.RouteQuery(context.Background(), moe.Query{Text: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", first.Text)
	assert.False(t, first.Trace.CacheHit)

	second, err := h.orch.RouteQuery(context.Background(), moe.Query{Text: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", second.Text)
	assert.True(t, second.Trace.CacheHit)

	ks := kinds(second.Trace.Events)
	assert.Equal(t, []trace.EventKind{trace.CacheHit}, ks)
	assert.Empty(t, second.Trace.EventsOfKind(trace.SelectionBegin))
	assert.Empty(t, second.Trace.EventsOfKind(trace.ExpertBegin))
}

// Scenario 2: chitchat takes the fast path through the single tagged expert.
func TestFastPath(t *testing.T) {
	h := newHarness(t, moe.DefaultConfig(), nil)
	register(t, h.reg, moe.ExpertDescriptor{ID: "chitchat", CapabilityTags: []string{"chitchat"}}, textExpert("I'm good!"))
	register(t, h.reg, moe.ExpertDescriptor{ID: "search", KeywordTriggers: []string{"search"}}, textExpert("unused"))

	resp, err := h.orch.RouteQuery(context.Background(), moe.Query{Text: "how are you?"})
	require.NoError(t, err)

	assert.Equal(t, "I'm good!", resp.Text)
	assert.Equal(t, []string{"chitchat"}, resp.Trace.SelectedExpertIDs)
	assert.Len(t, resp.Trace.EventsOfKind(trace.FastPath), 1)
	assert.Len(t, resp.Trace.EventsOfKind(trace.ExpertBegin), 1)
	assert.Zero(t, h.sum.calls, "fast path must not synthesize")
	assert.False(t, resp.Trace.MixingWindow.Start.IsZero())
}

// Scenario 3: fan-out with one hanging expert still answers from the rest.
func TestFanOutPartialFailure(t *testing.T) {
	cfg := moe.DefaultConfig()
	cfg.ExpertTimeout = 500 * time.Millisecond
	cfg.CancelGrace = 100 * time.Millisecond
	h := newHarness(t, cfg, nil)

	register(t, h.reg, moe.ExpertDescriptor{ID: "maps", KeywordTriggers: []string{"restaurants"}}, textExpert("A"))
	register(t, h.reg, moe.ExpertDescriptor{ID: "yelp", KeywordTriggers: []string{"restaurants"}}, hangingExpert())
	register(t, h.reg, moe.ExpertDescriptor{ID: "search", KeywordTriggers: []string{"restaurants"}}, textExpert("B"))

	start := time.Now()
	resp, err := h.orch.RouteQuery(context.Background(), moe.Query{Text: "best restaurants nearby"})
	require.NoError(t, err)

	assert.Contains(t, resp.Text, "A")
	assert.Contains(t, resp.Text, "B")
	assert.Less(t, time.Since(start), 2*time.Second)

	var yelp *trace.ExpertSummary
	for i := range resp.Trace.PerExpert {
		if resp.Trace.PerExpert[i].ExpertID == "yelp" {
			yelp = &resp.Trace.PerExpert[i]
		}
	}
	require.NotNil(t, yelp)
	assert.Equal(t, string(moe.StatusTimeout), yelp.Status)
}

// Scenario 4: interactive map payloads survive synthesis verbatim.
func TestMapPreservation(t *testing.T) {
	h := newHarness(t, moe.DefaultConfig(), nil)
	mapPayload := moe.StructuredPayload{Kind: moe.PayloadInteractiveMap, Raw: "<map-json>"}
	register(t, h.reg, moe.ExpertDescriptor{ID: "maps", KeywordTriggers: []string{"map"}}, textExpert("", mapPayload))
	register(t, h.reg, moe.ExpertDescriptor{ID: "descriptions", KeywordTriggers: []string{"pizza"}}, textExpert("Here are places"))

	resp, err := h.orch.RouteQuery(context.Background(), moe.Query{Text: "Show me pizza places on a map"})
	require.NoError(t, err)

	require.Len(t, resp.StructuredPayloads, 1)
	assert.Equal(t, "<map-json>", resp.StructuredPayloads[0].Raw)
	assert.NotContains(t, resp.Text, "<map-json>")
	assert.Equal(t, 1, h.sum.calls)
}

// Scenario 5: map intent with no map payload invokes the geocoding
// fallback.
func TestGeocodingFallback(t *testing.T) {
	geo := &fakeGeocoder{markers: []mixer.Marker{
		{Name: "Foo", Lat: 37.1, Lng: -122.2},
		{Name: "Bar", Lat: 37.2, Lng: -122.3},
	}}
	h := newHarness(t, moe.DefaultConfig(), geo)
	register(t, h.reg, moe.ExpertDescriptor{ID: "yelp", KeywordTriggers: []string{"restaurants"}},
		textExpert("1. Foo — 1 A St\n2. Bar — 2 B St"))

	resp, err := h.orch.RouteQuery(context.Background(), moe.Query{Text: "show greek restaurants on a map"})
	require.NoError(t, err)

	require.Len(t, resp.StructuredPayloads, 1)
	assert.Equal(t, moe.PayloadInteractiveMap, resp.StructuredPayloads[0].Kind)
	assert.Contains(t, resp.StructuredPayloads[0].Raw, "Foo")
}

func TestInvalidQuery(t *testing.T) {
	h := newHarness(t, moe.DefaultConfig(), nil)
	_, err := h.orch.RouteQuery(context.Background(), moe.Query{Text: "   "})
	assert.ErrorIs(t, err, moe.ErrInvalidQuery)

	_, err = h.orch.RouteQuery(context.Background(), moe.Query{Text: strings.Repeat("x", 9000)})
	assert.ErrorIs(t, err, moe.ErrInvalidQuery)
}

func TestEmptyRegistry(t *testing.T) {
	h := newHarness(t, moe.DefaultConfig(), nil)
	_, err := h.orch.RouteQuery(context.Background(), moe.Query{Text: "find pizza"})
	assert.ErrorIs(t, err, moe.ErrEmptyRegistry)
}

func TestCallerCancellation(t *testing.T) {
	cfg := moe.DefaultConfig()
	cfg.ExpertTimeout = 200 * time.Millisecond
	cfg.CancelGrace = 50 * time.Millisecond
	h := newHarness(t, cfg, nil)
	register(t, h.reg, moe.ExpertDescriptor{ID: "slow", KeywordTriggers: []string{"slow"}}, hangingExpert())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := h.orch.RouteQuery(ctx, moe.Query{Text: "slow query"})
	assert.ErrorIs(t, err, moe.ErrCancelled)

	// Cancellation must not populate the cache.
	resp, err := h.orch.RouteQuery(context.Background(), moe.Query{Text: "slow query"})
	require.NoError(t, err)
	assert.False(t, resp.Trace.CacheHit)
}

func TestTraceInvariants(t *testing.T) {
	h := newHarness(t, moe.DefaultConfig(), nil)
	register(t, h.reg, moe.ExpertDescriptor{ID: "a", KeywordTriggers: []string{"pizza"}}, textExpert("A"))
	register(t, h.reg, moe.ExpertDescriptor{ID: "b", KeywordTriggers: []string{"pizza"}}, textExpert("B"))

	resp, err := h.orch.RouteQuery(context.Background(), moe.Query{Text: "pizza places"})
	require.NoError(t, err)
	tr := resp.Trace

	// Strictly increasing seq.
	var lastSeq uint64
	for _, e := range tr.Events {
		require.Greater(t, e.Seq, lastSeq)
		lastSeq = e.Seq
	}

	// Mixing starts after every expert end.
	mixBegin := tr.EventsOfKind(trace.MixingBegin)
	require.Len(t, mixBegin, 1)
	for _, e := range tr.EventsOfKind(trace.ExpertEnd) {
		assert.False(t, mixBegin[0].Timestamp.Before(e.Timestamp))
	}

	// Selected ids equal the per-expert set.
	perExpert := make([]string, 0, len(tr.PerExpert))
	for _, s := range tr.PerExpert {
		perExpert = append(perExpert, s.ExpertID)
	}
	assert.ElementsMatch(t, tr.SelectedExpertIDs, perExpert)
}

func TestAllTimeoutYieldsFallback(t *testing.T) {
	cfg := moe.DefaultConfig()
	cfg.MaxConcurrentExperts = 0
	h := newHarness(t, cfg, nil)
	register(t, h.reg, moe.ExpertDescriptor{ID: "a", KeywordTriggers: []string{"pizza"}}, textExpert("A"))

	resp, err := h.orch.RouteQuery(context.Background(), moe.Query{Text: "pizza"})
	require.NoError(t, err)
	assert.Equal(t, cfg.AllFailedFallback, resp.Text)

	// Failures never enter the cache.
	again, err := h.orch.RouteQuery(context.Background(), moe.Query{Text: "pizza"})
	require.NoError(t, err)
	assert.False(t, again.Trace.CacheHit)
}

func TestRepeatedQueryResponseBytesStable(t *testing.T) {
	h := newHarness(t, moe.DefaultConfig(), nil)
	register(t, h.reg, moe.ExpertDescriptor{ID: "a", KeywordTriggers: []string{"pizza"}}, textExpert("A"))
	register(t, h.reg, moe.ExpertDescriptor{ID: "b", KeywordTriggers: []string{"pizza"}}, textExpert("B"))

	first, err := h.orch.RouteQuery(context.Background(), moe.Query{Text: "pizza!"})
	require.NoError(t, err)
	second, err := h.orch.RouteQuery(context.Background(), moe.Query{Text: "Pizza"})
	require.NoError(t, err)

	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, first.StructuredPayloads, second.StructuredPayloads)
	assert.True(t, second.Trace.CacheHit, "normalized text must share a fingerprint")
}

func TestResolveSealsResultsForVanishedExperts(t *testing.T) {
	h := newHarness(t, moe.DefaultConfig(), nil)
	register(t, h.reg, moe.ExpertDescriptor{ID: "echo"}, textExpert("hello"))

	entries, missing := h.orch.resolve([]string{"echo", "ghost"})
	require.Len(t, entries, 1)
	assert.Equal(t, "echo", entries[0].Descriptor.ID)
	require.Equal(t, []string{"ghost"}, missing)

	results := missingResults(missing)
	require.Len(t, results, 1)
	assert.Equal(t, "ghost", results[0].ExpertID)
	assert.Equal(t, moe.StatusError, results[0].Status)
	assert.False(t, results[0].EndedAt.Before(results[0].StartedAt))
	assert.NotEmpty(t, results[0].ErrorMessage)
}
