// Package apierr defines the typed error kinds that cross the
// tool-execution and orchestration boundary: an exported Kind field plus
// errors.As-compatible wrapping rather than sentinel errors or bare
// strings.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds surfaced across the tool/upstream boundary.
type Kind string

const (
	ToolUnknown     Kind = "ToolUnknown"
	ToolGated       Kind = "ToolGated"
	ValidationError Kind = "ValidationError"
	RateLimited     Kind = "RateLimited"
	Timeout         Kind = "Timeout"
	OutputTooLarge  Kind = "OutputTooLarge"
	ExecutionError  Kind = "ExecutionError"
	UpstreamError   Kind = "UpstreamError"
	Cancelled       Kind = "Cancelled"
)

// Error is the typed error carried across the boundary. Details holds
// kind-specific structured data (e.g. the allowlist for ToolGated, the
// violation list for ValidationError, retryAfterSeconds for RateLimited)
// without polluting the message string.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an Error of the given kind with no details.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e with Details set.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Wrap builds an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, and
// reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
