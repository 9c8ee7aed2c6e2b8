package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymind/polymind/moe/trace"
)

func TestCollectorObservesTraceActivity(t *testing.T) {
	c := NewCollector()

	c.OnEvent("q-1", trace.Event{Kind: trace.ExpertEnd, Payload: map[string]any{
		"expert_id": "yelp", "status": "SUCCESS", "duration_ms": int64(120),
	}})
	c.OnEvent("q-1", trace.Event{Kind: trace.ExpertEnd, Payload: map[string]any{
		"expert_id": "maps", "status": "TIMEOUT", "duration_ms": int64(2000),
	}})
	c.OnEvent("q-2", trace.Event{Kind: trace.CacheHit})
	c.OnEvent("q-3", trace.Event{Kind: trace.FastPath})
	c.OnEvent("q-3", trace.Event{Kind: trace.SubscriberDropped})

	c.OnClose(&trace.MoETrace{RequestID: "q-1", LatencyMs: 340})
	c.OnClose(&trace.MoETrace{RequestID: "q-2", LatencyMs: 1, CacheHit: true})

	body := scrape(t, c)
	assert.Contains(t, body, `polymind_moe_expert_results_total{expert_id="yelp",status="SUCCESS"} 1`)
	assert.Contains(t, body, `polymind_moe_expert_results_total{expert_id="maps",status="TIMEOUT"} 1`)
	assert.Contains(t, body, "polymind_moe_cache_hits_total 1")
	assert.Contains(t, body, "polymind_moe_fast_path_total 1")
	assert.Contains(t, body, "polymind_moe_trace_subscribers_dropped_total 1")
	assert.Contains(t, body, `polymind_moe_request_duration_seconds_count{cache_hit="false"} 1`)
	assert.Contains(t, body, `polymind_moe_request_duration_seconds_count{cache_hit="true"} 1`)
	assert.Contains(t, body, `polymind_moe_expert_duration_seconds_count{expert_id="yelp"} 1`)
}

func TestCollectorIgnoresUnrelatedEvents(t *testing.T) {
	c := NewCollector()
	c.OnEvent("q-1", trace.Event{Kind: trace.SelectionBegin})
	c.OnEvent("q-1", trace.Event{Kind: trace.MixingEnd})

	body := scrape(t, c)
	assert.NotContains(t, body, "expert_results_total{")
}

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}
