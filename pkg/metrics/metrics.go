// Package metrics exposes Prometheus counters for the recording pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the pipeline.
type Metrics struct {
	registry          *prometheus.Registry
	discoveredTotal   prometheus.Counter
	publishedTotal    prometheus.Counter
	skippedTotal      prometheus.Counter
	failuresTotal     *prometheus.CounterVec
	tokenRefreshTotal prometheus.Counter
	transcodeSeconds  prometheus.Histogram
}

// New creates and registers the pipeline collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	discoveredTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recordings_discovered_total",
		Help: "Completed recordings discovered across all cameras",
	})
	publishedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recordings_published_total",
		Help: "Recording events accepted by the event gateway",
	})
	skippedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recordings_skipped_total",
		Help: "Recordings short-circuited because they were already uploaded",
	})
	failuresTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_failures_total",
		Help: "Pipeline failures by stage",
	}, []string{"stage"})
	tokenRefreshTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "token_exchanges_total",
		Help: "LWA token exchanges performed (initial grant and refresh)",
	})
	transcodeSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcode_duration_seconds",
		Help:    "Wall time of container-copy conversions",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	registry.MustRegister(
		discoveredTotal,
		publishedTotal,
		skippedTotal,
		failuresTotal,
		tokenRefreshTotal,
		transcodeSeconds,
	)

	return &Metrics{
		registry:          registry,
		discoveredTotal:   discoveredTotal,
		publishedTotal:    publishedTotal,
		skippedTotal:      skippedTotal,
		failuresTotal:     failuresTotal,
		tokenRefreshTotal: tokenRefreshTotal,
		transcodeSeconds:  transcodeSeconds,
	}
}

// IncDiscovered increments the discovered recordings counter.
func (m *Metrics) IncDiscovered() { m.discoveredTotal.Inc() }

// IncPublished increments the published events counter.
func (m *Metrics) IncPublished() { m.publishedTotal.Inc() }

// IncSkipped increments the already-uploaded counter.
func (m *Metrics) IncSkipped() { m.skippedTotal.Inc() }

// IncFailure increments the failure counter for a pipeline stage.
func (m *Metrics) IncFailure(stage string) { m.failuresTotal.WithLabelValues(stage).Inc() }

// IncTokenExchange increments the token exchange counter.
func (m *Metrics) IncTokenExchange() { m.tokenRefreshTotal.Inc() }

// ObserveTranscode records one conversion's duration in seconds.
func (m *Metrics) ObserveTranscode(seconds float64) { m.transcodeSeconds.Observe(seconds) }

// Handler returns an http.Handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
