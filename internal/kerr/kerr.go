// Package kerr defines the orchestrator's error taxonomy (spec.md §7).
// Every subsystem wraps failures into a *kerr.Error with errors.Is/As
// dispatch in mind rather than returning bare fmt.Errorf chains up to
// the control plane.
package kerr

import (
	"errors"
	"fmt"
)

// Code classifies an error for both logging and for mapping onto a
// control-plane JSON error{code,...} response.
type Code string

const (
	CodeProtocol            Code = "protocol"
	CodeAuthorization       Code = "authorization"
	CodeAdmission           Code = "admission"
	CodeInvalidInput        Code = "invalid_input"
	CodeOwnership           Code = "ownership"
	CodeBackpressure        Code = "backpressure"
	CodeNotFound            Code = "not_found"
	CodeRateLimited         Code = "rate_limited"
	CodeInternalInvariant   Code = "internal_invariant_broken"
)

// Error is the concrete error type used across the orchestrator.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error wrapping cause, following the project's
// fmt.Errorf("...: %w", err) discipline but preserving the code.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Is supports errors.Is by comparing codes: two *Error values are
// considered equal if their Code matches, regardless of Message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err, walking wrapped errors. Returns
// ("", false) if err does not contain a *kerr.Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// IsFatal reports whether err represents a broken internal invariant
// that must trigger orchestrator shutdown rather than a per-request
// failure response.
func IsFatal(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == CodeInternalInvariant
}
