package kgerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	// KindGeneric wraps an unclassified cause.
	KindGeneric Kind = iota
	// KindTimeout marks a stage that exceeded its hard limit.
	KindTimeout
	// KindService marks an upstream dependency failure (LLM, embedding provider).
	KindService
	// KindNotFound marks an absent resource, e.g. a missing cached result.
	KindNotFound
	// KindValidation marks malformed input or output against the expected shape.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindService:
		return "service"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	default:
		return "generic"
	}
}

// Error is a classified error. Service errors additionally carry a
// Retryable flag so callers can decide whether retrying is sensible.
type Error struct {
	Kind      Kind
	Retryable bool
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Timeout returns a timeout error for the named stage.
func Timeout(stage string, cause error) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("stage %q exceeded hard timeout", stage), Cause: cause}
}

// Service returns an upstream dependency failure.
func Service(message string, retryable bool, cause error) *Error {
	return &Error{Kind: KindService, Retryable: retryable, Message: message, Cause: cause}
}

// NotFound returns a missing-resource error.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Validation returns a malformed input/output error.
func Validation(message string, cause error) *Error {
	return &Error{Kind: KindValidation, Message: message, Cause: cause}
}

// Generic wraps an unclassified cause.
func Generic(message string, cause error) *Error {
	return &Error{Kind: KindGeneric, Message: message, Cause: cause}
}

// KindOf reports the Kind of err, or KindGeneric if err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGeneric
}

// IsRetryable reports whether err is a service failure marked safe to retry.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindService && e.Retryable
	}
	return false
}

// TypeOf maps err onto the error type exposed at API boundaries:
// expected, defect, interrupted, timeout or unknown.
func TypeOf(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "interrupted"
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindTimeout:
			return "timeout"
		case KindService, KindNotFound:
			return "expected"
		case KindValidation:
			return "defect"
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "unknown"
}
