// Package metrics defines the Prometheus collectors of the recognizer and
// exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	RecognitionsTotal    *prometheus.CounterVec
	RecognitionLatency   *prometheus.HistogramVec
	RecognitionScore     *prometheus.HistogramVec
	TrainingsTotal       *prometheus.CounterVec
	TrainingDuration     prometheus.Histogram
	AuditFindings        *prometheus.GaugeVec
	LoadedAlphabets      prometheus.Gauge
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	RPCRequestsTotal     *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates the collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates the collectors and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
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
		RecognitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "texnomagic_recognitions_total",
				Help: "Total recognitions by alphabet and outcome (match, no_match, error).",
			},
			[]string{"alphabet", "outcome"},
		),
		RecognitionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "texnomagic_recognition_latency_seconds",
				Help:    "Recognition latency in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"cache_status"},
		),
		RecognitionScore: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "texnomagic_recognition_score",
				Help:    "Best score per recognition.",
				Buckets: []float64{0, 0.3, 0.5, 0.6, 0.7, 0.8, 0.9, 1, 1.1, 1.5},
			},
			[]string{"alphabet"},
		),
		TrainingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "texnomagic_trainings_total",
				Help: "Total symbol model trainings by status (trained, failed).",
			},
			[]string{"status"},
		),
		TrainingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "texnomagic_training_duration_seconds",
				Help:    "Symbol model training duration in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		AuditFindings: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "texnomagic_audit_findings",
				Help: "Findings of the last alphabet check by severity.",
			},
			[]string{"alphabet", "severity"},
		),
		LoadedAlphabets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "texnomagic_loaded_alphabets",
				Help: "Number of alphabets loaded by the service.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of score cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of score cache misses.",
			},
		),
		RPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpc_requests_total",
				Help: "Total JSON-RPC requests by method and status (ok, error).",
			},
			[]string{"method", "status"},
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
		m.RecognitionsTotal,
		m.RecognitionLatency,
		m.RecognitionScore,
		m.TrainingsTotal,
		m.TrainingDuration,
		m.AuditFindings,
		m.LoadedAlphabets,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.RPCRequestsTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
