// Package config loads flow declaration files. A file is YAML (or JSON),
// validated against an embedded JSON Schema, then built into endpoints and a
// flow whose scripted functions run on a script.Runner.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/apiflow/pkg/endpoint"
	"github.com/wehubfusion/apiflow/pkg/engine"
	sdkerrors "github.com/wehubfusion/apiflow/pkg/errors"
	"github.com/wehubfusion/apiflow/pkg/flow"
	"github.com/wehubfusion/apiflow/pkg/script"
)

//go:embed flow.schema.json
var schemaJSON []byte

const schemaURL = "flow.schema.json"

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema: %w", err)
	}
	return compiler.Compile(schemaURL)
})

// File is a parsed flow declaration
type File struct {
	Name      string                  `json:"name"`
	Engine    *EngineSpec             `json:"engine,omitempty"`
	Endpoints map[string]EndpointSpec `json:"endpoints"`
	Steps     []StepSpec              `json:"steps"`
}

// EngineSpec overrides engine settings for runs of this flow
type EngineSpec struct {
	Workers          *int   `json:"workers,omitempty"`
	MaxRetries       *int   `json:"max_retries,omitempty"`
	BackoffUnit      string `json:"backoff_unit,omitempty"`
	HTTPTimeout      string `json:"http_timeout,omitempty"`
	CircuitThreshold int64  `json:"circuit_threshold,omitempty"`
	CircuitReset     string `json:"circuit_reset,omitempty"`
}

// EndpointSpec declares one endpoint
type EndpointSpec struct {
	URL           string                 `json:"url"`
	Method        string                 `json:"method,omitempty"`
	Params        map[string]string      `json:"params,omitempty"`
	Outputs       []OutputSpec           `json:"outputs,omitempty"`
	Headers       map[string]string      `json:"headers,omitempty"`
	Cookies       map[string]string      `json:"cookies,omitempty"`
	Body          map[string]any         `json:"body,omitempty"`
	ErrorHandlers map[string]HandlerSpec `json:"error_handlers,omitempty"`
}

// OutputSpec declares one extracted output field
type OutputSpec struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// HandlerSpec is a static output map or a script producing one
type HandlerSpec struct {
	Output map[string]any `json:"output,omitempty"`
	Script string         `json:"script,omitempty"`
}

// StepSpec is either a linkage or a transform
type StepSpec struct {
	Name      string         `json:"name,omitempty"`
	Linkage   *LinkageSpec   `json:"linkage,omitempty"`
	Transform *TransformSpec `json:"transform,omitempty"`
}

// LinkageSpec links two declared endpoints. Param forwards every value under that
// parameter name; Script computes the parameter maps.
type LinkageSpec struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Param  string `json:"param,omitempty"`
	Script string `json:"script,omitempty"`
}

// TransformSpec is a scripted transform
type TransformSpec struct {
	Script string `json:"script"`
}

// ValidationError lists every schema violation of a flow file
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("flow file does not match schema: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return sdkerrors.ErrInvalidConfig
}

// LoadFile reads and parses a flow file
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML or JSON flow declarations and validates them against the schema
func Parse(data []byte) (*File, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", sdkerrors.ErrInvalidConfig, err)
	}

	doc, err := json.Marshal(normalize(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sdkerrors.ErrInvalidConfig, err)
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}

	var instance any
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return nil, fmt.Errorf("%w: %v", sdkerrors.ErrInvalidConfig, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, &ValidationError{Problems: validationProblems(err)}
	}

	var f File
	if err := json.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", sdkerrors.ErrInvalidConfig, err)
	}
	return &f, nil
}

// normalize converts YAML mappings with non-string keys, such as unquoted status
// codes, into string-keyed maps
func normalize(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		for k, item := range tv {
			tv[k] = normalize(item)
		}
		return tv
	case map[any]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		for i, item := range tv {
			tv[i] = normalize(item)
		}
		return tv
	}
	return v
}

func validationProblems(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}

	var problems []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			problems = append(problems, fmt.Sprintf("at '%s': %s", loc, e.Message))
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return problems
}

// Build constructs the endpoints and the flow. runner compiles every script the
// file declares and may be nil when the file declares none.
func (f *File) Build(runner *script.Runner) (*flow.Flow, map[string]*endpoint.Endpoint, error) {
	endpoints := make(map[string]*endpoint.Endpoint, len(f.Endpoints))

	names := make([]string, 0, len(f.Endpoints))
	for name := range f.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ep, err := f.buildEndpoint(name, f.Endpoints[name], runner)
		if err != nil {
			return nil, nil, err
		}
		endpoints[name] = ep
	}

	steps := make([]flow.Step, 0, len(f.Steps))
	for i, spec := range f.Steps {
		step, err := buildStep(i, spec, endpoints, runner)
		if err != nil {
			return nil, nil, err
		}
		steps = append(steps, step)
	}

	fl, err := flow.New(f.Name, steps...)
	if err != nil {
		return nil, nil, err
	}
	return fl, endpoints, nil
}

func (f *File) buildEndpoint(name string, spec EndpointSpec, runner *script.Runner) (*endpoint.Endpoint, error) {
	params := make(map[string]endpoint.ParamKind, len(spec.Params))
	for p, kind := range spec.Params {
		k, err := endpoint.ParseParamKind(kind)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", name, err)
		}
		params[p] = k
	}

	outputs := make([]endpoint.OutputSpec, len(spec.Outputs))
	for i, o := range spec.Outputs {
		outputs[i] = endpoint.OutputSpec{Name: o.Name, Path: o.Path}
	}

	handlers := make(map[int]endpoint.ErrorHandler, len(spec.ErrorHandlers))
	for code, h := range spec.ErrorHandlers {
		status, err := strconv.Atoi(code)
		if err != nil {
			return nil, fmt.Errorf("%w: endpoint %q: status %q is not a number", sdkerrors.ErrInvalidConfig, name, code)
		}
		if h.Script == "" {
			handlers[status] = endpoint.StaticOutput(h.Output)
			continue
		}
		fn, err := compile(runner, fmt.Sprintf("%s.error_handlers.%s", name, code), h.Script)
		if err != nil {
			return nil, err
		}
		handlers[status] = fn.ErrorHandler()
	}

	ep, err := endpoint.New(endpoint.Config{
		URL:     spec.URL,
		Method:  spec.Method,
		Params:  params,
		Outputs: outputs,
		Credentials: endpoint.Credentials{
			Headers: spec.Headers,
			Cookies: spec.Cookies,
		},
		ErrorHandlers: handlers,
		BodyTemplate:  spec.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", name, err)
	}
	return ep, nil
}

func buildStep(i int, spec StepSpec, endpoints map[string]*endpoint.Endpoint, runner *script.Runner) (flow.Step, error) {
	var step flow.Step

	switch {
	case spec.Linkage != nil:
		from, ok := endpoints[spec.Linkage.From]
		if !ok {
			return step, fmt.Errorf("%w: step %d: unknown endpoint %q", sdkerrors.ErrInvalidConfig, i, spec.Linkage.From)
		}
		to, ok := endpoints[spec.Linkage.To]
		if !ok {
			return step, fmt.Errorf("%w: step %d: unknown endpoint %q", sdkerrors.ErrInvalidConfig, i, spec.Linkage.To)
		}

		var linker flow.Linker
		if spec.Linkage.Script != "" {
			fn, err := compile(runner, fmt.Sprintf("steps[%d].linkage", i), spec.Linkage.Script)
			if err != nil {
				return step, err
			}
			linker = fn.Linker()
		} else {
			linker = flow.Rename(spec.Linkage.Param)
		}
		step = flow.Linkage(from, to, linker)

	case spec.Transform != nil:
		fn, err := compile(runner, fmt.Sprintf("steps[%d].transform", i), spec.Transform.Script)
		if err != nil {
			return step, err
		}
		step = flow.Transform(fn.Transformer())

	default:
		return step, fmt.Errorf("%w: step %d is neither a linkage nor a transform", sdkerrors.ErrInvalidConfig, i)
	}

	if spec.Name != "" {
		step = step.Named(spec.Name)
	}
	return step, nil
}

func compile(runner *script.Runner, name, source string) (*script.Function, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: %s declares a script but no script runner was given", sdkerrors.ErrInvalidConfig, name)
	}
	return runner.Compile(name, source)
}

// EngineOptions converts the engine section into engine options
func (f *File) EngineOptions() ([]engine.Option, error) {
	if f.Engine == nil {
		return nil, nil
	}
	spec := f.Engine

	var opts []engine.Option
	if spec.Workers != nil {
		opts = append(opts, engine.WithWorkers(*spec.Workers))
	}
	if spec.MaxRetries != nil {
		opts = append(opts, engine.WithMaxRetries(*spec.MaxRetries))
	}

	durations := []struct {
		field string
		value string
		apply func(time.Duration) engine.Option
	}{
		{"backoff_unit", spec.BackoffUnit, engine.WithBackoffUnit},
		{"http_timeout", spec.HTTPTimeout, engine.WithHTTPTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("%w: engine.%s: %v", sdkerrors.ErrInvalidConfig, d.field, err)
		}
		opts = append(opts, d.apply(parsed))
	}

	if spec.CircuitThreshold > 0 {
		reset := 30 * time.Second
		if spec.CircuitReset != "" {
			parsed, err := time.ParseDuration(spec.CircuitReset)
			if err != nil {
				return nil, fmt.Errorf("%w: engine.circuit_reset: %v", sdkerrors.ErrInvalidConfig, err)
			}
			reset = parsed
		}
		opts = append(opts, engine.WithCircuitBreaker(spec.CircuitThreshold, reset))
	}

	return opts, nil
}

// HasScripts reports whether building the file needs a script runner
func (f *File) HasScripts() bool {
	for _, ep := range f.Endpoints {
		for _, h := range ep.ErrorHandlers {
			if h.Script != "" {
				return true
			}
		}
	}
	for _, s := range f.Steps {
		if s.Transform != nil || (s.Linkage != nil && s.Linkage.Script != "") {
			return true
		}
	}
	return false
}
