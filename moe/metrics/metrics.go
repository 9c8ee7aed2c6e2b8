// Package metrics exports engine metrics in Prometheus format. The
// Collector observes the trace bus as a sink, so instrumentation costs the
// pipeline nothing beyond the event emission it already does.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polymind/polymind/moe/trace"
)

// Collector aggregates trace activity into Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	requestLatency *prometheus.HistogramVec
	expertLatency  *prometheus.HistogramVec
	expertResults  *prometheus.CounterVec
	cacheHits      prometheus.Counter
	fastPath       prometheus.Counter
	droppedClients prometheus.Counter
}

// NewCollector builds a collector with its own private registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "polymind",
				Subsystem: "moe",
				Name:      "request_duration_seconds",
				Help:      "End-to-end query latency in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"cache_hit"},
		),
		expertLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "polymind",
				Subsystem: "moe",
				Name:      "expert_duration_seconds",
				Help:      "Per-expert invocation latency in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"expert_id"},
		),
		expertResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "polymind",
				Subsystem: "moe",
				Name:      "expert_results_total",
				Help:      "Expert invocation outcomes by status",
			},
			[]string{"expert_id", "status"},
		),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polymind",
			Subsystem: "moe",
			Name:      "cache_hits_total",
			Help:      "Responses served from the response cache",
		}),
		fastPath: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polymind",
			Subsystem: "moe",
			Name:      "fast_path_total",
			Help:      "Queries routed through the conversational fast path",
		}),
		droppedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polymind",
			Subsystem: "moe",
			Name:      "trace_subscribers_dropped_total",
			Help:      "Trace stream subscribers dropped for lagging",
		}),
	}

	registry.MustRegister(
		c.requestLatency,
		c.expertLatency,
		c.expertResults,
		c.cacheHits,
		c.fastPath,
		c.droppedClients,
	)
	return c
}

// OnEvent implements trace.Sink.
func (c *Collector) OnEvent(_ string, e trace.Event) {
	switch e.Kind {
	case trace.ExpertEnd:
		id, _ := e.Payload["expert_id"].(string)
		status, _ := e.Payload["status"].(string)
		c.expertResults.WithLabelValues(id, status).Inc()
		if ms, ok := asInt64(e.Payload["duration_ms"]); ok {
			c.expertLatency.WithLabelValues(id).Observe(float64(ms) / 1000)
		}
	case trace.CacheHit:
		c.cacheHits.Inc()
	case trace.FastPath:
		c.fastPath.Inc()
	case trace.SubscriberDropped:
		c.droppedClients.Inc()
	}
}

// OnClose implements trace.Sink.
func (c *Collector) OnClose(t *trace.MoETrace) {
	label := "false"
	if t.CacheHit {
		label = "true"
	}
	c.requestLatency.WithLabelValues(label).Observe(float64(t.LatencyMs) / 1000)
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

var _ trace.Sink = (*Collector)(nil)
