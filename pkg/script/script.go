// Package script builds linkage, transform and error-handler functions from
// JavaScript source, run in sandboxed goja runtimes.
//
// Every source is a single function expression, for example
//
//	output => [{ word: output.title.toLowerCase().split(" ")[0] }]
//
// compiled once and evaluated in a pooled runtime on each call.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wehubfusion/apiflow/pkg/endpoint"
	sdkerrors "github.com/wehubfusion/apiflow/pkg/errors"
	"github.com/wehubfusion/apiflow/pkg/flow"
	"github.com/wehubfusion/apiflow/pkg/result"
)

// Config configures a Runner
type Config struct {
	// Timeout bounds a single call (default 5s)
	Timeout time.Duration

	// SecurityLevel is strict, standard or permissive (default standard)
	SecurityLevel string

	// PoolSize is the maximum number of runtimes (default 8)
	PoolSize int

	Logger *zap.Logger
}

// ApplyDefaults sets default values for configuration fields
func (c *Config) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.SecurityLevel == "" {
		c.SecurityLevel = SecurityLevelStandard
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.SecurityLevel {
	case SecurityLevelStrict, SecurityLevelStandard, SecurityLevelPermissive:
		return nil
	}
	return fmt.Errorf("%w: invalid security level: %s", sdkerrors.ErrInvalidConfig, c.SecurityLevel)
}

// Runner compiles scripts and runs them on a shared pool of runtimes
type Runner struct {
	config Config
	pool   *vmPool
	logger *zap.Logger
}

// NewRunner creates a runner
func NewRunner(config Config) (*Runner, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	sb := &sandbox{securityLevel: config.SecurityLevel, logger: config.Logger}
	return &Runner{
		config: config,
		pool:   newVMPool(config.PoolSize, sb),
		logger: config.Logger,
	}, nil
}

// Close releases the runtime pool
func (r *Runner) Close() {
	r.pool.close()
}

// Stats returns runtime pool statistics
func (r *Runner) Stats() PoolStats {
	return r.pool.stats()
}

// Function is a compiled function expression
type Function struct {
	name    string
	source  string
	program *goja.Program
	runner  *Runner
}

// Compile parses source, which must be a single function expression
func (r *Runner) Compile(name, source string) (*Function, error) {
	src := strings.TrimSpace(source)
	if src == "" {
		return nil, fmt.Errorf("%w: %s: empty source", sdkerrors.ErrScript, name)
	}

	program, err := goja.Compile(name, "("+src+"\n)", true)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", sdkerrors.ErrScript, name, err)
	}

	fn := &Function{name: name, source: src, program: program, runner: r}

	// resolve without invoking, so non-function sources fail here
	if _, err := fn.Call(context.Background(), nil, true); err != nil {
		return nil, err
	}

	return fn, nil
}

// Name returns the name given at compile time
func (f *Function) Name() string {
	return f.name
}

var errNotFunction = errors.New("not a function")

// Call invokes the function with arg and returns its exported result.
// When probe is true, the function is resolved but not invoked.
func (f *Function) Call(ctx context.Context, arg any, probe bool) (out any, err error) {
	r := f.runner

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	vm, err := r.pool.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: acquire runtime: %w", sdkerrors.ErrScript, f.name, err)
	}
	defer r.pool.release(vm)

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s: panic during execution: %v", sdkerrors.ErrScript, f.name, rec)
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	value, err := vm.RunProgram(f.program)
	if err != nil {
		return nil, f.wrap(err)
	}

	callable, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("%w: %s: %w", sdkerrors.ErrScript, f.name, errNotFunction)
	}
	if probe {
		return nil, nil
	}

	ret, err := callable(goja.Undefined(), vm.ToValue(arg))
	if err != nil {
		return nil, f.wrap(err)
	}
	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return nil, nil
	}
	return ret.Export(), nil
}

func (f *Function) wrap(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok && errors.Is(cause, context.Canceled) {
			return fmt.Errorf("%w: %s: %w", sdkerrors.ErrScript, f.name, cause)
		}
		return fmt.Errorf("%w: %s: timed out after %s", sdkerrors.ErrScript, f.name, f.runner.config.Timeout)
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return fmt.Errorf("%w: %s: %s", sdkerrors.ErrScript, f.name, exc.Value().String())
	}
	return fmt.Errorf("%w: %s: %v", sdkerrors.ErrScript, f.name, err)
}

// Linker returns the function as a flow.Linker. The script receives the
// singleton output map and returns an array of parameter objects, a single
// object, or null.
func (f *Function) Linker() flow.Linker {
	return flow.LinkFunc(func(ctx context.Context, output map[string]any) ([]map[string]any, error) {
		out, err := f.Call(ctx, output, false)
		if err != nil {
			return nil, err
		}
		return toParamMaps(f.name, out)
	})
}

// Transformer returns the function as a flow.Transformer. The script receives the
// accumulated results as {endpointID: {input, output}} and returns the delta in the same shape.
func (f *Function) Transformer() flow.Transformer {
	return flow.TransformFunc(func(ctx context.Context, current result.Snapshot) (result.Snapshot, error) {
		arg, err := toPlain(current)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", sdkerrors.ErrScript, f.name, err)
		}
		out, err := f.Call(ctx, arg, false)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}

		var delta result.Snapshot
		if err := fromPlain(out, &delta); err != nil {
			return nil, fmt.Errorf("%w: %s: transform must return {id: {input, output}}: %v", sdkerrors.ErrScript, f.name, err)
		}
		return delta, nil
	})
}

// ErrorHandler returns the function as an endpoint.ErrorHandler. The script receives
// {status, headers, body, json, url, input} and returns the output object.
// A failing script is logged and produces an empty output.
func (f *Function) ErrorHandler() endpoint.ErrorHandler {
	return endpoint.ErrorHandlerFunc(func(ctx context.Context, resp *endpoint.ErrorResponse) map[string]any {
		headers := make(map[string]any, len(resp.Header))
		for k := range resp.Header {
			headers[strings.ToLower(k)] = resp.Header.Get(k)
		}

		var parsed any
		if err := json.Unmarshal(resp.Body, &parsed); err != nil {
			parsed = nil
		}

		arg := map[string]any{
			"status":  resp.StatusCode,
			"headers": headers,
			"body":    string(resp.Body),
			"json":    parsed,
			"url":     resp.URL,
			"input":   resp.Input,
		}

		out, err := f.Call(ctx, arg, false)
		if err != nil {
			f.runner.logger.Warn("Error handler script failed",
				zap.String("script", f.name),
				zap.Int("status", resp.StatusCode),
				zap.Error(err))
			return map[string]any{}
		}

		m, ok := out.(map[string]any)
		if !ok {
			f.runner.logger.Warn("Error handler script returned a non-object",
				zap.String("script", f.name),
				zap.String("type", fmt.Sprintf("%T", out)))
			return map[string]any{}
		}
		return m
	})
}

func toParamMaps(name string, out any) ([]map[string]any, error) {
	switch v := out.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return []map[string]any{v}, nil
	case []any:
		params := make([]map[string]any, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s: element %d is %T, want object", sdkerrors.ErrScript, name, i, item)
			}
			params = append(params, m)
		}
		return params, nil
	case []map[string]any:
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s: returned %T, want array of objects", sdkerrors.ErrScript, name, out)
}

// toPlain converts v to maps and slices through its JSON form
func toPlain(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromPlain(v any, target any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
