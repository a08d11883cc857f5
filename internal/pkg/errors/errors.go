// Package errors provides domain-specific error types for the Carelink
// integration pipeline.
//
// Every failure that crosses a package boundary is classified with a Kind so
// retry policy stays a pure decision over (attempt, Kind) instead of string
// matching on provider messages.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a pipeline failure for retry and propagation decisions.
type Kind string

const (
	// KindValidation marks malformed input. Never retried.
	KindValidation Kind = "validation"

	// KindPrecondition marks a stage invoked out of order.
	KindPrecondition Kind = "precondition_not_met"

	// KindRetryable marks a transient provider or network failure.
	// Consumes one retry from the stage budget.
	KindRetryable Kind = "retryable_integration"

	// KindTerminal marks a non-retryable provider rejection.
	KindTerminal Kind = "terminal_integration"

	// KindLowConfidence marks an OCR result below the document-type
	// threshold. Retried up to a cap, then terminal.
	KindLowConfidence Kind = "low_confidence"

	// KindCircuitOpen marks a fast-fail from an open breaker. The caller
	// must defer the work, not retry inline.
	KindCircuitOpen Kind = "circuit_open"

	// KindRateLimited marks a fast-fail from the outbound rate limiter.
	// The caller must reschedule, not retry immediately.
	KindRateLimited Kind = "rate_limited"

	// KindSignature marks an invalid or stale webhook signature on receipt.
	KindSignature Kind = "signature"
)

// Sentinel errors for common failure scenarios.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrAlreadyProcessing = errors.New("already processing")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrRateLimited       = errors.New("rate limited")
	ErrLockNotHeld       = errors.New("processing lock not held")
)

// AppError is a structured application error with a machine-readable code,
// a failure Kind, and the HTTP status used when it surfaces on the thin API.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Kind       Kind   `json:"-"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code, message string, kind Kind, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, Kind: kind, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error into an AppError.
func Wrap(err error, code, message string, kind Kind, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, Kind: kind, HTTPStatus: httpStatus, Err: err}
}

// Taxonomy constructors.

// Validation creates a malformed-input error (never retried).
func Validation(code, message string) *AppError {
	return New(code, message, KindValidation, http.StatusBadRequest)
}

// PreconditionNotMet creates an out-of-order stage invocation error.
func PreconditionNotMet(code, message string) *AppError {
	return New(code, message, KindPrecondition, http.StatusConflict)
}

// Retryable wraps a transient provider/network failure.
func Retryable(err error, code, message string) *AppError {
	return Wrap(err, code, message, KindRetryable, http.StatusBadGateway)
}

// Terminal wraps a non-retryable provider rejection.
func Terminal(err error, code, message string) *AppError {
	return Wrap(err, code, message, KindTerminal, http.StatusBadGateway)
}

// LowConfidence creates an OCR-below-threshold error.
func LowConfidence(code, message string) *AppError {
	return New(code, message, KindLowConfidence, http.StatusUnprocessableEntity)
}

// CircuitOpen creates a fast-fail error for an open breaker target.
func CircuitOpen(target string) *AppError {
	return Wrap(ErrCircuitOpen, CodeCircuitOpen,
		fmt.Sprintf("circuit open for target %s", target),
		KindCircuitOpen, http.StatusServiceUnavailable)
}

// RateLimited creates a fast-fail error for an exhausted rate window.
func RateLimited(target string) *AppError {
	return Wrap(ErrRateLimited, CodeRateLimited,
		fmt.Sprintf("outbound rate limit exceeded for target %s", target),
		KindRateLimited, http.StatusTooManyRequests)
}

// Signature creates an invalid/stale webhook signature error.
func Signature(message string) *AppError {
	return New(CodeSignatureInvalid, message, KindSignature, http.StatusUnauthorized)
}

// NotFound creates a 404 error.
func NotFound(code, message string) *AppError {
	return Wrap(ErrNotFound, code, message, KindValidation, http.StatusNotFound)
}

// KindOf returns the Kind of err, or KindTerminal when err carries no
// classification. Unclassified failures must never loop forever.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindTerminal
}

// IsRetryable reports whether err consumes a retry from a stage budget.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRetryable, KindLowConfidence:
		return true
	}
	return false
}

// IsAppError checks if an error is an AppError and returns it.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
