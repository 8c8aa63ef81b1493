// Package metrics defines the Prometheus metric collectors used by the
// ingestion pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	EventsPublished      *prometheus.CounterVec
	EventsConsumed       *prometheus.CounterVec
	EventsDeduplicated   *prometheus.CounterVec
	BatchSize            *prometheus.HistogramVec
	FlushesTotal         *prometheus.CounterVec
	FlushDuration        *prometheus.HistogramVec
	EngagementUpdates    *prometheus.CounterVec
	EventsDropped        *prometheus.CounterVec
	PendingEvents        *prometheus.GaugeVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_events_published_total",
				Help: "Events published to the log by topic and result (ok, error).",
			},
			[]string{"topic", "result"},
		),
		EventsConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_events_consumed_total",
				Help: "Events received from the log by topic and result (batched, invalid).",
			},
			[]string{"topic", "result"},
		),
		EventsDeduplicated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_events_deduplicated_total",
				Help: "Events collapsed into an existing pending entry or skipped as already flushed.",
			},
			[]string{"kind", "reason"},
		),
		BatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_batch_size",
				Help:    "Number of entries per flushed batch.",
				Buckets: []float64{1, 10, 50, 100, 500, 1000, 2500, 5000},
			},
			[]string{"kind"},
		),
		FlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_flushes_total",
				Help: "Flush cycles by kind, trigger (size, timer, shutdown), and status.",
			},
			[]string{"kind", "trigger", "status"},
		),
		FlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_flush_duration_seconds",
				Help:    "Flush latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"kind"},
		),
		EngagementUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_engagement_updates_total",
				Help: "Per-post like/unlike updates by action and outcome (applied, noop, failed).",
			},
			[]string{"action", "outcome"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_events_dropped_total",
				Help: "Events dropped after a failed flush.",
			},
			[]string{"kind"},
		),
		PendingEvents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_pending_events",
				Help: "Entries currently held in the open batch.",
			},
			[]string{"kind"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.EventsPublished,
		m.EventsConsumed,
		m.EventsDeduplicated,
		m.BatchSize,
		m.FlushesTotal,
		m.FlushDuration,
		m.EngagementUpdates,
		m.EventsDropped,
		m.PendingEvents,
		m.CircuitBreakerState,
	)

	return m
}

// NewNop returns collectors registered with a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
