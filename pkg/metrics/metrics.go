// Package metrics exposes the bridge's Prometheus instruments.
//
// Metrics:
//   - duckbridge_requests_total: HTTP requests by route pattern and status code
//   - duckbridge_request_duration_seconds: HTTP request latency by route pattern
//   - duckbridge_upstream_requests_total: upstream chat calls by outcome
//   - duckbridge_pacing_window_requests: requests in the current pacing window
//   - duckbridge_tool_calls_total: simulated tool calls by source (model|forced)
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "duckbridge"

// Chat calls routinely take several seconds, so the buckets reach past 30s.
var durationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamRequests *prometheus.CounterVec
	pacingWindow     prometheus.Gauge
	toolCalls        *prometheus.CounterVec
}

// NewCollector registers every instrument on registry, or on a fresh registry
// (with the Go and process collectors) when registry is nil.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   durationBuckets,
		}, []string{"route"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of upstream chat calls by outcome",
		}, []string{"outcome"}),
		pacingWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pacing_window_requests",
			Help:      "Requests recorded in the current pacing window",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of simulated tool calls returned to callers",
		}, []string{"source"}),
	}
	registry.MustRegister(c.requestsTotal, c.requestDuration, c.upstreamRequests, c.pacingWindow, c.toolCalls)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RecordRequest(route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (c *Collector) RecordUpstream(outcome string) {
	if c == nil {
		return
	}
	c.upstreamRequests.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordToolCalls(source string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.toolCalls.WithLabelValues(source).Add(float64(n))
}

func (c *Collector) SetPacingWindow(count int) {
	if c == nil {
		return
	}
	c.pacingWindow.Set(float64(count))
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware records status and latency per chi route pattern so that path
// parameters do not explode label cardinality.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.RecordRequest(route, status, time.Since(start))
	})
}
