// Package errors defines the service error taxonomy returned by every
// operation and rendered by the HTTP layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies an error class.
type Code string

const (
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeNotFound       Code = "NOT_FOUND"
	CodeDeployment     Code = "DEPLOYMENT_FAILED"
	CodeSubmission     Code = "SUBMISSION_FAILED"
	CodeReconciliation Code = "RECONCILIATION_FAILED"
	CodeUnavailable    Code = "LEDGER_UNAVAILABLE"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeForbidden      Code = "FORBIDDEN"
	CodeRateLimited    Code = "RATE_LIMITED"
	CodeInternal       Code = "INTERNAL_ERROR"
)

// ServiceError is a classified error. Retryable reports whether the caller may
// safely repeat the operation.
type ServiceError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Retryable  bool
	Details    map[string]any
	Err        error
}

// Sentinels for errors.Is matching by code.
var (
	ErrValidation     = &ServiceError{Code: CodeValidation}
	ErrNotFound       = &ServiceError{Code: CodeNotFound}
	ErrDeployment     = &ServiceError{Code: CodeDeployment}
	ErrSubmission     = &ServiceError{Code: CodeSubmission}
	ErrReconciliation = &ServiceError{Code: CodeReconciliation}
	ErrUnavailable    = &ServiceError{Code: CodeUnavailable}
	ErrUnauthorized   = &ServiceError{Code: CodeUnauthorized}
	ErrForbidden      = &ServiceError{Code: CodeForbidden}
)

// ErrBroadcastUncertain marks a ledger submission whose hash is known but whose
// acceptance by the node could not be established.
var ErrBroadcastUncertain = stderrors.New("broadcast outcome unknown")

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is matches another ServiceError with the same code.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy of the error with an extra detail attached.
func (e *ServiceError) WithDetails(key string, value any) *ServiceError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// GetServiceError extracts a ServiceError from the chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// IsRetryable reports whether err is a ServiceError marked retry-safe.
func IsRetryable(err error) bool {
	se := GetServiceError(err)
	return se != nil && se.Retryable
}

// Validation reports bad input or an ineligible state. Rejected before any mutation.
func Validation(format string, args ...any) *ServiceError {
	return &ServiceError{
		Code:       CodeValidation,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound reports an unknown campaign or transaction id.
func NotFound(resource, id string) *ServiceError {
	return &ServiceError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s %s not found", resource, id),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"resource": resource, "id": id},
	}
}

// Deployment wraps a failed contract deployment.
func Deployment(stage string, err error, retryable bool) *ServiceError {
	return &ServiceError{
		Code:       CodeDeployment,
		Message:    fmt.Sprintf("contract deployment failed at %s", stage),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  retryable,
		Details:    map[string]any{"stage": stage},
		Err:        err,
	}
}

// Submission wraps a failed donation transfer.
func Submission(stage string, err error, retryable bool) *ServiceError {
	return &ServiceError{
		Code:       CodeSubmission,
		Message:    fmt.Sprintf("donation submission failed at %s", stage),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  retryable,
		Details:    map[string]any{"stage": stage},
		Err:        err,
	}
}

// Reconciliation reports a ledger outcome the off-chain records could not absorb.
func Reconciliation(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       CodeReconciliation,
		Message:    message,
		HTTPStatus: http.StatusConflict,
		Retryable:  true,
		Err:        err,
	}
}

// Unavailable reports a ledger read that could not be completed. Nothing was
// changed, so the call may be repeated.
func Unavailable(operation string, err error) *ServiceError {
	return &ServiceError{
		Code:       CodeUnavailable,
		Message:    fmt.Sprintf("ledger unavailable during %s", operation),
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
		Details:    map[string]any{"operation": operation},
		Err:        err,
	}
}

// Unauthorized reports a missing or rejected credential.
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "authentication required"
	}
	return &ServiceError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden reports an authenticated caller acting on something it does not own.
func Forbidden(message string) *ServiceError {
	return &ServiceError{
		Code:       CodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// InvalidToken reports a token that failed verification.
func InvalidToken(err error) *ServiceError {
	return &ServiceError{
		Code:       CodeUnauthorized,
		Message:    "invalid token",
		HTTPStatus: http.StatusUnauthorized,
		Err:        err,
	}
}

// RateLimitExceeded reports a throttled caller.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return &ServiceError{
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded: %d requests per %s", limit, window),
		HTTPStatus: http.StatusTooManyRequests,
		Retryable:  true,
		Details:    map[string]any{"limit": limit, "window": window},
	}
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}
