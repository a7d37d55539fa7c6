// Package endpoint declares parameterized HTTP calls: where they go, which
// inputs feed the URL or the body, and which output fields are extracted from
// their JSON responses.
package endpoint

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	sdkerrors "github.com/wehubfusion/apiflow/pkg/errors"
	"github.com/wehubfusion/apiflow/pkg/pathutil"
	"github.com/wehubfusion/apiflow/pkg/result"
)

// ParamKind says where an input parameter is placed in the request
type ParamKind int

const (
	// URLParam values are substituted into the URL template
	URLParam ParamKind = iota + 1

	// BodyParam values are merged into the body template
	BodyParam
)

// String returns the string representation of the kind
func (k ParamKind) String() string {
	switch k {
	case URLParam:
		return "url"
	case BodyParam:
		return "body"
	}
	return "unknown"
}

// ParseParamKind converts "url" or "body" to a ParamKind
func ParseParamKind(s string) (ParamKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "url":
		return URLParam, nil
	case "body", "data":
		return BodyParam, nil
	}
	return 0, fmt.Errorf("%w: unknown parameter kind %q", sdkerrors.ErrInvalidEndpoint, s)
}

// Credentials are static headers and cookies attached to every request
type Credentials struct {
	Headers map[string]string
	Cookies map[string]string
}

// OutputSpec declares one output field and the path that extracts it
type OutputSpec struct {
	Name string
	Path string
}

// Output is a compiled output field
type Output struct {
	Name string
	Path *pathutil.Path
}

// Config describes an endpoint before validation
type Config struct {
	// URL is the template with {name} placeholders. It is also the endpoint's identity.
	URL string

	// Method defaults to GET
	Method string

	// Params maps parameter name to where it goes in the request
	Params map[string]ParamKind

	// Outputs are extracted from successful responses, in declaration order
	Outputs []OutputSpec

	Credentials Credentials

	// ErrorHandlers map a non-200 status code to a handler producing a synthetic output
	ErrorHandlers map[int]ErrorHandler

	// BodyTemplate is a nested object merged with body parameters before encoding
	BodyTemplate map[string]any
}

// Endpoint is an immutable, validated endpoint descriptor
type Endpoint struct {
	url           string
	method        string
	params        map[string]ParamKind
	placeholders  []string
	outputs       []Output
	credentials   Credentials
	errorHandlers map[int]ErrorHandler
	bodyTemplate  map[string]any
	bodyLeaves    []leaf
}

// New validates cfg and compiles its output paths.
// Malformed path expressions and undeclared URL placeholders are rejected here.
func New(cfg Config) (*Endpoint, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: url template is required", sdkerrors.ErrInvalidEndpoint)
	}

	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodGet
	}

	placeholders, err := parsePlaceholders(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", sdkerrors.ErrInvalidEndpoint, cfg.URL, err)
	}

	params := make(map[string]ParamKind, len(cfg.Params))
	for name, kind := range cfg.Params {
		if kind != URLParam && kind != BodyParam {
			return nil, fmt.Errorf("%w: parameter %q has unknown kind %d", sdkerrors.ErrInvalidEndpoint, name, kind)
		}
		params[name] = kind
	}
	for _, name := range placeholders {
		if params[name] != URLParam {
			return nil, fmt.Errorf("%w: placeholder {%s} is not declared as a url parameter", sdkerrors.ErrInvalidEndpoint, name)
		}
	}

	outputs := make([]Output, 0, len(cfg.Outputs))
	seen := make(map[string]bool, len(cfg.Outputs))
	for _, spec := range cfg.Outputs {
		if spec.Name == "" {
			return nil, fmt.Errorf("%w: output field name is required", sdkerrors.ErrInvalidEndpoint)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("%w: duplicate output field %q", sdkerrors.ErrInvalidEndpoint, spec.Name)
		}
		seen[spec.Name] = true

		path, err := pathutil.Compile(spec.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: output %q: %w", sdkerrors.ErrInvalidEndpoint, spec.Name, err)
		}
		outputs = append(outputs, Output{Name: spec.Name, Path: path})
	}

	handlers := make(map[int]ErrorHandler, len(cfg.ErrorHandlers))
	for status, h := range cfg.ErrorHandlers {
		if h == nil {
			return nil, fmt.Errorf("%w: nil error handler for status %d", sdkerrors.ErrInvalidEndpoint, status)
		}
		handlers[status] = h
	}

	return &Endpoint{
		url:           cfg.URL,
		method:        method,
		params:        params,
		placeholders:  placeholders,
		outputs:       outputs,
		credentials:   copyCredentials(cfg.Credentials),
		errorHandlers: handlers,
		bodyTemplate:  cfg.BodyTemplate,
		bodyLeaves:    collectLeaves(cfg.BodyTemplate, nil),
	}, nil
}

// MustNew is like New but panics on an invalid configuration
func MustNew(cfg Config) *Endpoint {
	e, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return e
}

// ID returns the endpoint identity, its URL template
func (e *Endpoint) ID() string {
	return e.url
}

// Method returns the HTTP method
func (e *Endpoint) Method() string {
	return e.method
}

// Kind returns the declared kind of a parameter
func (e *Endpoint) Kind(name string) (ParamKind, bool) {
	k, ok := e.params[name]
	return k, ok
}

// Outputs returns the output fields in declaration order
func (e *Endpoint) Outputs() []Output {
	out := make([]Output, len(e.outputs))
	copy(out, e.outputs)
	return out
}

// ErrorHandler returns the handler registered for status
func (e *Endpoint) ErrorHandler(status int) (ErrorHandler, bool) {
	h, ok := e.errorHandlers[status]
	return h, ok
}

// HandledStatuses returns the status codes with a registered handler, ascending
func (e *Endpoint) HandledStatuses() []int {
	codes := make([]int, 0, len(e.errorHandlers))
	for code := range e.errorHandlers {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	return codes
}

// Partition splits params by declared kind. Undeclared parameters go to neither map.
func (e *Endpoint) Partition(params map[string]any) (urlParams, bodyParams map[string]any) {
	urlParams = make(map[string]any)
	bodyParams = make(map[string]any)
	for name, value := range params {
		switch e.params[name] {
		case URLParam:
			urlParams[name] = value
		case BodyParam:
			bodyParams[name] = value
		}
	}
	return urlParams, bodyParams
}

// Extract evaluates every output path against doc.
// A field whose path matches nothing is recorded as result.Absent.
func (e *Endpoint) Extract(doc *pathutil.Document) result.Output {
	out := make(result.Output, len(e.outputs))
	for _, o := range e.outputs {
		matches := o.Path.Find(doc)
		if len(matches) == 0 {
			out[o.Name] = result.Absent
			continue
		}
		out[o.Name] = matches
	}
	return out
}

// String returns "METHOD url"
func (e *Endpoint) String() string {
	return e.method + " " + e.url
}

func copyCredentials(c Credentials) Credentials {
	out := Credentials{}
	if len(c.Headers) > 0 {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	if len(c.Cookies) > 0 {
		out.Cookies = make(map[string]string, len(c.Cookies))
		for k, v := range c.Cookies {
			out.Cookies[k] = v
		}
	}
	return out
}
