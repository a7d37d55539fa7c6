// Package flow declares the steps of an API flow: linkages that feed one
// endpoint's extracted output into another endpoint, and transforms that
// rewrite the accumulated results.
//
// Steps are independent. Every step of a run is seeded with the same initial
// parameters, and the only state they share is the run's accumulator.
package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/wehubfusion/apiflow/pkg/endpoint"
	sdkerrors "github.com/wehubfusion/apiflow/pkg/errors"
	"github.com/wehubfusion/apiflow/pkg/result"
)

// Linker maps one extracted output value to parameter maps for the downstream endpoint.
// The input is always a single-entry map {fieldName: value}. Returning zero maps
// produces no downstream call; returning several fans out. ctx is cancelled
// when the run is aborted.
type Linker interface {
	Link(ctx context.Context, output map[string]any) ([]map[string]any, error)
}

// LinkFunc adapts an ordinary function to the Linker interface
type LinkFunc func(ctx context.Context, output map[string]any) ([]map[string]any, error)

// Link calls f(ctx, output)
func (f LinkFunc) Link(ctx context.Context, output map[string]any) ([]map[string]any, error) {
	return f(ctx, output)
}

// Transformer computes a delta from the current accumulated results.
// The delta is merged into the accumulator by key.
type Transformer interface {
	Transform(ctx context.Context, current result.Snapshot) (result.Snapshot, error)
}

// TransformFunc adapts an ordinary function to the Transformer interface
type TransformFunc func(ctx context.Context, current result.Snapshot) (result.Snapshot, error)

// Transform calls f(ctx, current)
func (f TransformFunc) Transform(ctx context.Context, current result.Snapshot) (result.Snapshot, error) {
	return f(ctx, current)
}

// Rename returns a Linker that passes every value through unchanged under param
func Rename(param string) Linker {
	return LinkFunc(func(_ context.Context, output map[string]any) ([]map[string]any, error) {
		params := make([]map[string]any, 0, len(output))
		for _, v := range output {
			params = append(params, map[string]any{param: v})
		}
		return params, nil
	})
}

// Identity returns a Linker that forwards the output map as the downstream parameters
func Identity() Linker {
	return LinkFunc(func(_ context.Context, output map[string]any) ([]map[string]any, error) {
		params := make(map[string]any, len(output))
		for k, v := range output {
			params[k] = v
		}
		return []map[string]any{params}, nil
	})
}

// StepKind distinguishes linkage steps from transform steps
type StepKind int

const (
	LinkageStep StepKind = iota + 1
	TransformStep
)

// String returns the string representation of the kind
func (k StepKind) String() string {
	switch k {
	case LinkageStep:
		return "linkage"
	case TransformStep:
		return "transform"
	}
	return "unknown"
}

// Step is either a linkage (From -> To through a Linker) or a transform
type Step struct {
	kind        StepKind
	name        string
	from        *endpoint.Endpoint
	to          *endpoint.Endpoint
	linker      Linker
	transformer Transformer
}

// Linkage declares a step that fetches from, then fetches to once per parameter map
// the linker derives from each of from's output values
func Linkage(from, to *endpoint.Endpoint, linker Linker) Step {
	return Step{kind: LinkageStep, from: from, to: to, linker: linker}
}

// Transform declares a step that merges fn's delta into the accumulator
func Transform(fn Transformer) Step {
	return Step{kind: TransformStep, transformer: fn}
}

// Named returns a copy of s labelled name for logs and spans
func (s Step) Named(name string) Step {
	s.name = name
	return s
}

// Kind returns the step kind
func (s Step) Kind() StepKind { return s.kind }

// From returns the upstream endpoint of a linkage step
func (s Step) From() *endpoint.Endpoint { return s.from }

// To returns the downstream endpoint of a linkage step
func (s Step) To() *endpoint.Endpoint { return s.to }

// Linker returns the linkage function of a linkage step
func (s Step) Linker() Linker { return s.linker }

// Transformer returns the function of a transform step
func (s Step) Transformer() Transformer { return s.transformer }

// Name returns the label given with Named, or a description derived from the step
func (s Step) Name() string {
	if s.name != "" {
		return s.name
	}
	switch s.kind {
	case LinkageStep:
		return fmt.Sprintf("%s -> %s", endpointID(s.from), endpointID(s.to))
	case TransformStep:
		return "transform"
	}
	return "unknown"
}

func (s Step) validate() error {
	switch s.kind {
	case LinkageStep:
		if s.from == nil || s.to == nil {
			return fmt.Errorf("linkage %q requires both endpoints", s.Name())
		}
		if s.linker == nil {
			return fmt.Errorf("linkage %q has no linkage function", s.Name())
		}
	case TransformStep:
		if s.transformer == nil {
			return fmt.Errorf("transform %q has no function", s.Name())
		}
	default:
		return fmt.Errorf("step has unknown kind %d", s.kind)
	}
	return nil
}

// Flow is an ordered collection of independent steps. Immutable once constructed.
type Flow struct {
	name  string
	steps []Step
}

// New validates steps and builds a flow
func New(name string, steps ...Step) (*Flow, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: flow %q has no steps", sdkerrors.ErrInvalidFlow, name)
	}

	var problems []string
	for i, step := range steps {
		if err := step.validate(); err != nil {
			problems = append(problems, fmt.Sprintf("step %d: %v", i, err))
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", sdkerrors.ErrInvalidFlow, strings.Join(problems, "; "))
	}

	return &Flow{
		name:  name,
		steps: append([]Step(nil), steps...),
	}, nil
}

// MustNew is like New but panics on error
func MustNew(name string, steps ...Step) *Flow {
	f, err := New(name, steps...)
	if err != nil {
		panic(err)
	}
	return f
}

// Name returns the flow name
func (f *Flow) Name() string { return f.name }

// Steps returns a copy of the steps in declaration order
func (f *Flow) Steps() []Step {
	return append([]Step(nil), f.steps...)
}

// Len returns the number of steps
func (f *Flow) Len() int { return len(f.steps) }

// Endpoints returns every endpoint referenced by the flow, deduplicated by identity,
// in first-reference order
func (f *Flow) Endpoints() []*endpoint.Endpoint {
	seen := make(map[string]bool)
	var out []*endpoint.Endpoint
	for _, s := range f.steps {
		for _, ep := range []*endpoint.Endpoint{s.from, s.to} {
			if ep == nil || seen[ep.ID()] {
				continue
			}
			seen[ep.ID()] = true
			out = append(out, ep)
		}
	}
	return out
}

func endpointID(ep *endpoint.Endpoint) string {
	if ep == nil {
		return "<nil>"
	}
	return ep.ID()
}
