// Package metrics exposes Prometheus collectors for fetches, the response cache
// and callback delivery. All methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fetch outcomes
const (
	OutcomeOK        = "ok"
	OutcomeHTTPError = "http_error"
	OutcomeExhausted = "exhausted"
	OutcomeCacheHit  = "cache_hit"
	OutcomeCircuit   = "circuit_open"
	OutcomeFailed    = "failed"
)

// Metrics groups the collectors of one engine
type Metrics struct {
	fetches   *prometheus.CounterVec
	retries   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inFlight  prometheus.Gauge
	callbacks prometheus.Counter
	runs      *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apiflow_fetches_total",
			Help: "Logical fetches by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apiflow_fetch_retries_total",
			Help: "Fetch attempts retried after a transient failure",
		}, []string{"endpoint"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apiflow_request_duration_seconds",
			Help:    "Duration of single HTTP request attempts",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "apiflow_requests_in_flight",
			Help: "HTTP requests currently holding a limiter permit",
		}),
		callbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "apiflow_callbacks_total",
			Help: "Callback invocations across all runs",
		}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apiflow_runs_total",
			Help: "Completed flow runs by flow and status",
		}, []string{"flow", "status"}),
	}
}

// Fetch counts one logical fetch of endpoint with the given outcome
func (m *Metrics) Fetch(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(endpoint, outcome).Inc()
}

// Retry counts one retried attempt
func (m *Metrics) Retry(endpoint string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(endpoint).Inc()
}

// ObserveRequest records the duration of one request attempt
func (m *Metrics) ObserveRequest(endpoint string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RequestStarted increments the in-flight gauge
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// RequestFinished decrements the in-flight gauge
func (m *Metrics) RequestFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// Callback counts one callback invocation
func (m *Metrics) Callback() {
	if m == nil {
		return
	}
	m.callbacks.Inc()
}

// Run counts one finished run
func (m *Metrics) Run(flow string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.runs.WithLabelValues(flow, status).Inc()
}
