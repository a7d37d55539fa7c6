// Package engine runs flows: it launches every step of a flow concurrently,
// fans linkage outputs out into downstream fetches, merges transform deltas,
// and invokes the caller's callback as results accumulate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/apiflow/pkg/concurrency"
	"github.com/wehubfusion/apiflow/pkg/endpoint"
	sdkerrors "github.com/wehubfusion/apiflow/pkg/errors"
	"github.com/wehubfusion/apiflow/pkg/fetcher"
	"github.com/wehubfusion/apiflow/pkg/flow"
	"github.com/wehubfusion/apiflow/pkg/metrics"
	"github.com/wehubfusion/apiflow/pkg/result"
)

// Callback receives a copy of the run's accumulator after every recorded fetch
// and every transform. Callbacks of one run are never invoked concurrently.
type Callback func(snapshot result.Snapshot)

type runIDKey struct{}

// ContextWithRunID makes the next run started with ctx use id instead of a fresh UUID
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the run ID set by ContextWithRunID
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}

// Engine executes flows. It is safe for concurrent use; the response cache and
// the request limiter are shared by every run, the accumulator is per run.
type Engine struct {
	fetcher *fetcher.Fetcher
	limiter *concurrency.Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// New creates an engine with defaults overridden by opts
func New(opts ...Option) *Engine {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}

	var breaker *concurrency.CircuitBreaker
	if s.circuitThreshold > 0 {
		breaker = concurrency.NewCircuitBreaker(s.circuitThreshold, s.circuitReset)
	}
	limiter := concurrency.NewLimiterWithCircuitBreaker(s.workers, breaker)

	client := s.httpClient
	if client == nil {
		client = &http.Client{Timeout: s.httpTimeout}
	}
	tracer := s.tracer
	if tracer == nil {
		tracer = otel.Tracer("apiflow/engine")
	}

	f := fetcher.New(limiter,
		fetcher.WithHTTPClient(client),
		fetcher.WithCache(s.cache),
		fetcher.WithMaxRetries(s.maxRetries),
		fetcher.WithBackoffUnit(s.backoffUnit),
		fetcher.WithLogger(s.logger),
		fetcher.WithMetrics(s.metrics),
		fetcher.WithTracer(tracer),
	)

	return &Engine{
		fetcher: f,
		limiter: limiter,
		logger:  s.logger,
		metrics: s.metrics,
		tracer:  tracer,
	}
}

// NewFromEnv creates an engine configured by concurrency.LoadConfig, then opts
func NewFromEnv(opts ...Option) (*Engine, error) {
	cfg := concurrency.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", sdkerrors.ErrInvalidConfig, err)
	}
	return New(append([]Option{WithConfig(cfg)}, opts...)...), nil
}

// Fetcher returns the fetcher shared by every run
func (e *Engine) Fetcher() *fetcher.Fetcher {
	return e.fetcher
}

// Limiter returns the request limiter shared by every run
func (e *Engine) Limiter() *concurrency.Limiter {
	return e.limiter
}

// Run is RunFlow with a background context
func (e *Engine) Run(f *flow.Flow, params map[string]any, cb Callback) error {
	return e.RunFlow(context.Background(), f, params, cb)
}

// RunFlow executes every step of f concurrently, each seeded with params, and
// returns when all steps have finished. Transport failures and HTTP error statuses
// never fail the run. Any other failure cancels the remaining steps and is returned.
func (e *Engine) RunFlow(ctx context.Context, f *flow.Flow, params map[string]any, cb Callback) error {
	_, err := e.run(ctx, f, params, cb)
	return err
}

// RunFlowResult is RunFlow that also returns the final accumulator
func (e *Engine) RunFlowResult(ctx context.Context, f *flow.Flow, params map[string]any, cb Callback) (result.Snapshot, error) {
	return e.run(ctx, f, params, cb)
}

// RunMany runs f once per parameter set, concurrently. Runs share the engine's
// cache and limiter but not their accumulators. A failing run does not cancel
// the others; every failure is returned joined.
func (e *Engine) RunMany(ctx context.Context, f *flow.Flow, paramSets []map[string]any, cb Callback) error {
	reports := e.RunManyResults(ctx, f, paramSets, cb)

	errs := make([]error, len(reports))
	for i, rep := range reports {
		if rep.Err != nil {
			errs[i] = fmt.Errorf("run %d: %w", i, rep.Err)
		}
	}
	return errors.Join(errs...)
}

// Report is the outcome of one run started by RunManyResults
type Report struct {
	RunID   string
	Params  map[string]any
	Results result.Snapshot
	Err     error
}

// RunManyResults is RunMany returning one report per parameter set, in order
func (e *Engine) RunManyResults(ctx context.Context, f *flow.Flow, paramSets []map[string]any, cb Callback) []Report {
	reports := make([]Report, len(paramSets))

	var g errgroup.Group
	for i, params := range paramSets {
		g.Go(func() error {
			id := uuid.NewString()
			snap, err := e.run(ContextWithRunID(ctx, id), f, params, cb)
			reports[i] = Report{RunID: id, Params: params, Results: snap, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return reports
}

func (e *Engine) run(ctx context.Context, f *flow.Flow, params map[string]any, cb Callback) (result.Snapshot, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil flow", sdkerrors.ErrInvalidFlow)
	}

	runID, ok := RunIDFromContext(ctx)
	if !ok {
		runID = uuid.NewString()
	}
	logger := e.logger.With(zap.String("run_id", runID), zap.String("flow", f.Name()))

	ctx, span := e.tracer.Start(ctx, "engine.RunFlow",
		trace.WithAttributes(
			attribute.String("flow.name", f.Name()),
			attribute.String("flow.run_id", runID),
			attribute.Int("flow.steps", f.Len()),
		))
	defer span.End()

	logger.Debug("Starting flow run", zap.Any("params", params))

	acc := result.NewAccumulator()
	r := &run{
		engine: e,
		logger: logger,
		acc:    acc,
		notify: func(s result.Snapshot) {
			e.metrics.Callback()
			if cb != nil {
				cb(s)
			}
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, step := range f.Steps() {
		g.Go(func() error {
			if err := r.step(gctx, step, params); err != nil {
				return fmt.Errorf("step %d (%s): %w", i, step.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	e.metrics.Run(f.Name(), err)
	if err != nil {
		logger.Error("Flow run failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return acc.Snapshot(), err
	}

	logger.Debug("Flow run completed", zap.Int("results", acc.Len()))
	span.SetStatus(codes.Ok, "")
	return acc.Snapshot(), nil
}

// run is the state of one RunFlow call
type run struct {
	engine *Engine
	logger *zap.Logger
	acc    *result.Accumulator
	notify func(result.Snapshot)
}

func (r *run) step(ctx context.Context, step flow.Step, params map[string]any) error {
	ctx, span := r.engine.tracer.Start(ctx, "engine.step",
		trace.WithAttributes(
			attribute.String("step.name", step.Name()),
			attribute.String("step.kind", step.Kind().String()),
		))
	defer span.End()

	var err error
	switch step.Kind() {
	case flow.LinkageStep:
		err = r.linkage(ctx, step, params)
	case flow.TransformStep:
		err = r.transform(ctx, step)
	default:
		err = fmt.Errorf("%w: unknown step kind %d", sdkerrors.ErrInvalidFlow, step.Kind())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *run) transform(ctx context.Context, step flow.Step) error {
	return r.acc.Apply(func(current result.Snapshot) (result.Snapshot, error) {
		return step.Transformer().Transform(ctx, current)
	}, r.notify)
}

// linkage fetches From, then for each output field in declaration order fans
// every value out through the linker into one concurrent wave of To fetches
func (r *run) linkage(ctx context.Context, step flow.Step, params map[string]any) error {
	from, to := step.From(), step.To()

	upstream, err := r.engine.fetcher.Fetch(ctx, from, params)
	if err != nil {
		return err
	}
	if upstream.Empty() {
		r.logger.Warn("Upstream fetch produced no result, skipping linkage",
			zap.String("from", from.ID()),
			zap.String("to", to.ID()))
		return nil
	}
	r.acc.Record(from.ID(), upstream, nil)

	for _, field := range fieldOrder(from, upstream.Output) {
		var wave []map[string]any
		for _, value := range upstream.Output.Values(field) {
			downstream, err := step.Linker().Link(ctx, map[string]any{field: value})
			if err != nil {
				return fmt.Errorf("linkage on field %q: %w", field, err)
			}
			wave = append(wave, downstream...)
		}
		if len(wave) == 0 {
			continue
		}

		r.logger.Debug("Fanning out",
			zap.String("field", field),
			zap.String("to", to.ID()),
			zap.Int("fetches", len(wave)))

		if err := r.fanOut(ctx, to, wave); err != nil {
			return err
		}
	}
	return nil
}

// fanOut fetches ep once per parameter map and records each result as it arrives.
// The first failure cancels the rest of the wave.
func (r *run) fanOut(ctx context.Context, ep *endpoint.Endpoint, wave []map[string]any) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, params := range wave {
		g.Go(func() error {
			res, err := r.engine.fetcher.Fetch(gctx, ep, params)
			if err != nil {
				return err
			}
			if res.Empty() {
				return nil
			}
			r.acc.Record(ep.ID(), res, r.notify)
			return nil
		})
	}
	return g.Wait()
}

// fieldOrder lists the declared output fields of ep, then any extra keys an error
// handler put in out, sorted
func fieldOrder(ep *endpoint.Endpoint, out result.Output) []string {
	declared := ep.Outputs()
	fields := make([]string, 0, len(out))
	seen := make(map[string]bool, len(declared))
	for _, o := range declared {
		seen[o.Name] = true
		if _, ok := out[o.Name]; ok {
			fields = append(fields, o.Name)
		}
	}

	var extra []string
	for k := range out {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)

	return append(fields, extra...)
}
