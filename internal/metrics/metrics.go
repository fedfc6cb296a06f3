// Package metrics exposes Prometheus counters for the Markdown pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for Markdown requests.
const (
	OutcomeFastPath    = "fast_path"
	OutcomeCacheHit    = "cache_hit"
	OutcomeRendered    = "rendered"
	OutcomeThrottled   = "throttled"
	OutcomeNotFound    = "not_found"
	OutcomeForbidden   = "forbidden"
	OutcomeFallthrough = "fallthrough"
	OutcomeRenderError = "render_error"
)

// Metrics holds every collector on a private registry. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry      *prometheus.Registry
	requests      *prometheus.CounterVec
	renderSeconds prometheus.Histogram
	invalidations *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kibble",
			Name:      "markdown_requests_total",
			Help:      "Markdown requests by outcome.",
		}, []string{"outcome"}),
		renderSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kibble",
			Name:      "render_duration_seconds",
			Help:      "Time spent rendering a document on a cache miss.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kibble",
			Name:      "invalidations_total",
			Help:      "Invalidation webhooks accepted, by event.",
		}, []string{"event"}),
	}
	reg.MustRegister(
		m.requests,
		m.renderSeconds,
		m.invalidations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RenderDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.renderSeconds.Observe(d.Seconds())
}

func (m *Metrics) Invalidation(event string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(event).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
