package engine

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/apiflow/pkg/cache"
	"github.com/wehubfusion/apiflow/pkg/concurrency"
	"github.com/wehubfusion/apiflow/pkg/metrics"
)

type settings struct {
	workers          int
	maxRetries       int
	backoffUnit      time.Duration
	httpTimeout      time.Duration
	httpClient       *http.Client
	logger           *zap.Logger
	cache            cache.Store
	metrics          *metrics.Metrics
	tracer           trace.Tracer
	circuitThreshold int64
	circuitReset     time.Duration
}

func defaultSettings() settings {
	return settings{
		workers:     concurrency.DefaultWorkers,
		maxRetries:  concurrency.DefaultMaxRetries,
		backoffUnit: concurrency.DefaultBackoffUnit,
		httpTimeout: concurrency.DefaultHTTPTimeout,
		logger:      zap.NewNop(),
	}
}

// Option configures an Engine
type Option func(*settings)

// WithConfig applies every field of cfg. Options given after it override it.
func WithConfig(cfg *concurrency.Config) Option {
	return func(s *settings) {
		if cfg == nil {
			return
		}
		s.workers = cfg.Workers
		s.maxRetries = cfg.MaxRetries
		s.backoffUnit = cfg.BackoffUnit
		if cfg.HTTPTimeout > 0 {
			s.httpTimeout = cfg.HTTPTimeout
		}
		s.circuitThreshold = cfg.CircuitThreshold
		s.circuitReset = cfg.CircuitReset
	}
}

// WithWorkers sets the ceiling on simultaneous in-flight requests
func WithWorkers(n int) Option {
	return func(s *settings) { s.workers = n }
}

// WithMaxRetries sets the number of attempts per fetch
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// WithBackoffUnit sets the unit multiplied by 2^attempt between attempts
func WithBackoffUnit(d time.Duration) Option {
	return func(s *settings) { s.backoffUnit = d }
}

// WithHTTPTimeout bounds each request attempt. Ignored when WithHTTPClient is given.
func WithHTTPTimeout(d time.Duration) Option {
	return func(s *settings) { s.httpTimeout = d }
}

// WithHTTPClient sets the client shared by every request of the engine
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCache sets the response cache. The default is an in-memory cache owned by the engine.
func WithCache(c cache.Store) Option {
	return func(s *settings) { s.cache = c }
}

// WithMetrics sets the Prometheus collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithTracer sets the tracer used for run, step and fetch spans
func WithTracer(t trace.Tracer) Option {
	return func(s *settings) { s.tracer = t }
}

// WithCircuitBreaker stops issuing requests after threshold consecutive transport
// failures, until reset has elapsed
func WithCircuitBreaker(threshold int64, reset time.Duration) Option {
	return func(s *settings) {
		s.circuitThreshold = threshold
		s.circuitReset = reset
	}
}
