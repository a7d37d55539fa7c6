package errors

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// Class describes how the fetcher treats a failure
type Class int

const (
	// ClassNone is returned for a nil error
	ClassNone Class = iota

	// ClassTransient failures are retried with backoff
	ClassTransient

	// ClassUnclassified failures propagate and abort the surrounding step
	ClassUnclassified
)

// String returns the string representation of the class
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassUnclassified:
		return "unclassified"
	}
	return "unknown"
}

// Classify maps an error to its handling class.
// Cancellation of the caller's context is never transient.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	if errors.Is(err, context.Canceled) {
		return ClassUnclassified
	}

	if errors.Is(err, ErrTransport) {
		return ClassTransient
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ClassTransient
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return ClassTransient
	}

	// http.Client wraps every transport failure, including its own timeout, in *url.Error
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if errors.Is(urlErr.Err, context.Canceled) {
			return ClassUnclassified
		}
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "connection reset") || strings.Contains(errMsg, "broken pipe") {
		return ClassTransient
	}

	return ClassUnclassified
}

// IsTransient determines if an error is a transport failure that should be retried
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}
