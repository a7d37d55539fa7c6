// Package fetcher performs one logical fetch of an endpoint: cache lookup,
// request under the shared limiter, extraction or error-handler dispatch,
// retry with exponential backoff on transport failures, and cache store.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wehubfusion/apiflow/pkg/cache"
	"github.com/wehubfusion/apiflow/pkg/concurrency"
	"github.com/wehubfusion/apiflow/pkg/endpoint"
	sdkerrors "github.com/wehubfusion/apiflow/pkg/errors"
	"github.com/wehubfusion/apiflow/pkg/metrics"
	"github.com/wehubfusion/apiflow/pkg/pathutil"
	"github.com/wehubfusion/apiflow/pkg/result"
)

// Fetcher is safe for concurrent use. One Fetcher is shared by every run of an engine.
type Fetcher struct {
	client      *http.Client
	limiter     *concurrency.Limiter
	cache       cache.Store
	group       singleflight.Group
	maxRetries  int
	backoffUnit time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithHTTPClient sets the client used for every attempt
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithCache sets the response cache
func WithCache(s cache.Store) Option {
	return func(f *Fetcher) {
		if s != nil {
			f.cache = s
		}
	}
}

// WithMaxRetries sets the number of attempts. Values below 1 still make one attempt.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) { f.maxRetries = n }
}

// WithBackoffUnit sets the unit multiplied by 2^attempt between attempts
func WithBackoffUnit(d time.Duration) Option {
	return func(f *Fetcher) {
		if d >= 0 {
			f.backoffUnit = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithMetrics sets the Prometheus collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithTracer sets the tracer
func WithTracer(t trace.Tracer) Option {
	return func(f *Fetcher) {
		if t != nil {
			f.tracer = t
		}
	}
}

// New creates a fetcher that issues requests under limiter
func New(limiter *concurrency.Limiter, opts ...Option) *Fetcher {
	if limiter == nil {
		limiter = concurrency.NewLimiter(concurrency.DefaultWorkers)
	}

	f := &Fetcher{
		client:      &http.Client{Timeout: concurrency.DefaultHTTPTimeout},
		limiter:     limiter,
		cache:       cache.NewMemory(),
		maxRetries:  concurrency.DefaultMaxRetries,
		backoffUnit: concurrency.DefaultBackoffUnit,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("apiflow/fetcher"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Cache returns the response cache
func (f *Fetcher) Cache() cache.Store {
	return f.cache
}

// Limiter returns the limiter shared by every request
func (f *Fetcher) Limiter() *concurrency.Limiter {
	return f.limiter
}

// Fetch returns the result of fetching ep with params.
//
// A cached result for the same (endpoint, params) key is returned without I/O,
// and concurrent identical misses share one network call. Transport failures are
// retried; once attempts are exhausted, or while the circuit breaker is open, the
// failure is logged and an empty result is returned with a nil error. Any other
// failure is returned as an error.
func (f *Fetcher) Fetch(ctx context.Context, ep *endpoint.Endpoint, params map[string]any) (result.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return result.FetchResult{}, fmt.Errorf("fetch %s: %w", ep.ID(), err)
	}

	key := cache.NewKey(ep.ID(), params)

	if cached, ok := f.cache.Get(key); ok {
		f.logger.Debug("Cache hit", zap.String("endpoint", ep.ID()), zap.String("params", key.Params))
		f.metrics.Fetch(ep.ID(), metrics.OutcomeCacheHit)
		return cached.Clone(), nil
	}

	// the flight outlives any single caller; each caller waits on its own ctx
	flightCtx := context.WithoutCancel(ctx)
	ch := f.group.DoChan(key.String(), func() (any, error) {
		// another flight for this key may have completed between Get and DoChan
		if cached, ok := f.cache.Get(key); ok {
			f.metrics.Fetch(ep.ID(), metrics.OutcomeCacheHit)
			return cached, nil
		}

		res, err := f.fetch(flightCtx, ep, params)
		if err != nil {
			return result.FetchResult{}, err
		}
		if !res.Empty() {
			f.cache.Put(key, res)
		}
		return res, nil
	})

	select {
	case <-ctx.Done():
		return result.FetchResult{}, fmt.Errorf("fetch %s: %w", ep.ID(), ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return result.FetchResult{}, r.Err
		}
		return r.Val.(result.FetchResult).Clone(), nil
	}
}

func (f *Fetcher) fetch(ctx context.Context, ep *endpoint.Endpoint, params map[string]any) (result.FetchResult, error) {
	ctx, span := f.tracer.Start(ctx, "fetcher.Fetch",
		trace.WithAttributes(
			attribute.String("endpoint.id", ep.ID()),
			attribute.String("http.method", ep.Method()),
		))
	defer span.End()

	logger := f.logger.With(zap.String("endpoint", ep.ID()))

	if err := f.limiter.Acquire(ctx); err != nil {
		if sdkerrors.IsCircuitOpen(err) {
			logger.Warn("Circuit breaker open, skipping fetch", zap.Any("params", params))
			f.metrics.Fetch(ep.ID(), metrics.OutcomeCircuit)
			span.SetStatus(codes.Error, "circuit open")
			return result.FetchResult{}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result.FetchResult{}, err
	}
	defer f.limiter.Release()

	tries := f.maxRetries
	if tries < 1 {
		tries = 1
	}

	attempt := 0
	operation := func() (result.Output, error) {
		defer func() { attempt++ }()
		return f.attempt(ctx, ep, params)
	}
	notify := func(err error, next time.Duration) {
		logger.Info("Retrying fetch after transient failure",
			zap.Int("attempt", attempt-1),
			zap.Duration("delay", next),
			zap.Error(err))
		f.metrics.Retry(ep.ID())
		span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", attempt-1)))
	}

	output, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newDoublingBackOff(f.backoffUnit)),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	span.SetAttributes(attribute.Int("fetch.attempts", attempt))

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		return result.FetchResult{Input: cloneParams(params), Output: output}, nil
	case ctx.Err() != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result.FetchResult{}, fmt.Errorf("fetch %s: %w", ep.ID(), ctx.Err())
	case sdkerrors.IsTransient(err):
		logger.Error("Fetch failed after retries",
			zap.Int("attempts", attempt),
			zap.Any("params", params),
			zap.Error(err))
		f.metrics.Fetch(ep.ID(), metrics.OutcomeExhausted)
		span.RecordError(err)
		span.SetStatus(codes.Error, "retries exhausted")
		return result.FetchResult{}, nil
	default:
		f.metrics.Fetch(ep.ID(), metrics.OutcomeFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result.FetchResult{}, fmt.Errorf("fetch %s: %w", ep.ID(), err)
	}
}

// attempt issues one request. Transient failures are returned as is so the retry
// loop tries again. Everything else is wrapped with backoff.Permanent.
func (f *Fetcher) attempt(ctx context.Context, ep *endpoint.Endpoint, params map[string]any) (result.Output, error) {
	req, err := ep.NewRequest(ctx, params)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	f.metrics.RequestStarted()
	defer f.metrics.RequestFinished()

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	f.metrics.ObserveRequest(ep.ID(), time.Since(start))
	if err != nil {
		return nil, f.classify(err)
	}
	f.limiter.Record(false)

	if resp.StatusCode == http.StatusOK {
		doc, err := pathutil.ParseDocument(body)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%s: %w", req.URL.Redacted(), err))
		}
		f.metrics.Fetch(ep.ID(), metrics.OutcomeOK)
		return ep.Extract(doc), nil
	}

	f.metrics.Fetch(ep.ID(), metrics.OutcomeHTTPError)

	handler, ok := ep.ErrorHandler(resp.StatusCode)
	if !ok {
		f.logger.Info("Unhandled response status",
			zap.String("url", req.URL.Redacted()),
			zap.Int("status", resp.StatusCode))
		return result.Output{}, nil
	}

	out := handler.HandleError(ctx, &endpoint.ErrorResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		URL:        req.URL.String(),
		Input:      cloneParams(params),
	})
	if out == nil {
		return result.Output{}, nil
	}
	return result.Output(out), nil
}

// classify turns a failed transport call into a retryable or permanent error
// and feeds transport failures to the circuit breaker
func (f *Fetcher) classify(err error) error {
	if sdkerrors.IsTransient(err) {
		f.limiter.Record(true)
		if errors.Is(err, sdkerrors.ErrTransport) {
			return err
		}
		return sdkerrors.Transport(err)
	}
	return backoff.Permanent(err)
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	maps.Copy(out, params)
	return out
}
