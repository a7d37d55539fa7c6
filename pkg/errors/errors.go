package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPath indicates that a path expression could not be compiled
	ErrInvalidPath = errors.New("invalid path expression")

	// ErrInvalidEndpoint indicates that an endpoint descriptor is malformed
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidFlow indicates that a flow descriptor is malformed
	ErrInvalidFlow = errors.New("invalid flow")

	// ErrMissingURLParam indicates that a URL template placeholder had no value
	ErrMissingURLParam = errors.New("missing url parameter")

	// ErrTransport indicates a transient transport or protocol failure
	ErrTransport = errors.New("transport failure")

	// ErrCircuitOpen indicates that the limiter refused a permit because its breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrInvalidResponse indicates that a successful response could not be decoded
	ErrInvalidResponse = errors.New("invalid response body")

	// ErrScript indicates that a script function failed to compile or run
	ErrScript = errors.New("script failed")

	// ErrInvalidConfig indicates that a flow file or engine configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Error represents a structured error with a machine-readable code
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Transport wraps err as a transient transport failure so the fetcher retries it
func Transport(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// IsCircuitOpen checks if an error was caused by an open circuit breaker
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
