package endpoint

import (
	"context"
	"maps"
	"net/http"

	"github.com/tidwall/gjson"
)

// ErrorResponse is a fully-read non-200 response handed to an ErrorHandler
type ErrorResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
	Input      map[string]any
}

// JSON returns the value at a gjson path in the response body, when the body is JSON
func (r *ErrorResponse) JSON(path string) (any, bool) {
	if !gjson.ValidBytes(r.Body) {
		return nil, false
	}
	res := gjson.GetBytes(r.Body, path)
	return res.Value(), res.Exists()
}

// ErrorHandler turns a non-200 response into the fetch's output map.
// The returned map replaces the output verbatim. ctx is the fetch's context.
type ErrorHandler interface {
	HandleError(ctx context.Context, resp *ErrorResponse) map[string]any
}

// ErrorHandlerFunc adapts a function to ErrorHandler
type ErrorHandlerFunc func(ctx context.Context, resp *ErrorResponse) map[string]any

// HandleError calls f(ctx, resp)
func (f ErrorHandlerFunc) HandleError(ctx context.Context, resp *ErrorResponse) map[string]any {
	return f(ctx, resp)
}

// StaticOutput returns a handler that always produces a copy of out
func StaticOutput(out map[string]any) ErrorHandler {
	frozen := maps.Clone(out)
	return ErrorHandlerFunc(func(context.Context, *ErrorResponse) map[string]any {
		return maps.Clone(frozen)
	})
}
