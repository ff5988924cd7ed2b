// Package errors defines the service error model shared by the marketplace
// services and the HTTP layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine readable error code.
type Code string

const (
	CodeNotFound          Code = "NOT_FOUND"
	CodeValidation        Code = "VALIDATION_FAILED"
	CodeConflict          Code = "CONFLICT"
	CodeForbidden         Code = "FORBIDDEN"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeInvalidToken      Code = "INVALID_TOKEN"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeDeadlinePassed    Code = "COMMIT_DEADLINE_PASSED"
	CodeUpstream          Code = "UPSTREAM_FAILURE"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Sentinel errors. ServiceErrors built by the constructors below wrap the
// matching sentinel so callers can use errors.Is.
var (
	ErrNotFound          = stderrors.New("not found")
	ErrInvalidInput      = stderrors.New("invalid input")
	ErrConflict          = stderrors.New("conflict")
	ErrForbidden         = stderrors.New("forbidden")
	ErrUnauthorized      = stderrors.New("unauthorized")
	ErrInvalidTransition = stderrors.New("invalid status transition")
	ErrDeadlinePassed    = stderrors.New("commit deadline passed")
	ErrUpstream          = stderrors.New("upstream failure")
)

// ServiceError carries an HTTP status and code alongside the message.
type ServiceError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches a detail key to the error and returns it.
func (e *ServiceError) WithDetails(key string, value any) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newError(code Code, status int, msg string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: msg, HTTPStatus: status, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *ServiceError {
	msg := resource + " not found"
	if id != "" {
		msg = fmt.Sprintf("%s %q not found", resource, id)
	}
	return newError(CodeNotFound, http.StatusNotFound, msg, ErrNotFound)
}

// Validation reports a rejected input field.
func Validation(field, reason string) *ServiceError {
	return newError(CodeValidation, http.StatusBadRequest, field+": "+reason, ErrInvalidInput).
		WithDetails("field", field)
}

// Required is shorthand for a missing required field.
func Required(field string) *ServiceError {
	return Validation(field, "is required")
}

// Conflict reports a state clash such as a duplicate or a lost race.
func Conflict(msg string) *ServiceError {
	return newError(CodeConflict, http.StatusConflict, msg, ErrConflict)
}

// Forbidden reports an authorization failure for an authenticated caller.
func Forbidden(msg string) *ServiceError {
	return newError(CodeForbidden, http.StatusForbidden, msg, ErrForbidden)
}

// Unauthorized reports missing credentials.
func Unauthorized(msg string) *ServiceError {
	if msg == "" {
		msg = "authentication required"
	}
	return newError(CodeUnauthorized, http.StatusUnauthorized, msg, ErrUnauthorized)
}

// InvalidToken reports a malformed or expired token.
func InvalidToken(err error) *ServiceError {
	return &ServiceError{Code: CodeInvalidToken, Message: "invalid token", HTTPStatus: http.StatusUnauthorized, Err: joinSentinel(ErrUnauthorized, err)}
}

// RateLimitExceeded reports a throttled caller.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimitExceeded, http.StatusTooManyRequests, "rate limit exceeded", nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// InvalidTransition reports an order status change outside the transition table.
func InvalidTransition(from, to string) *ServiceError {
	return newError(CodeInvalidTransition, http.StatusConflict, fmt.Sprintf("cannot move order from %s to %s", from, to), ErrInvalidTransition).
		WithDetails("from", from).
		WithDetails("to", to)
}

// DeadlinePassed reports a commit attempted after the commit window closed.
func DeadlinePassed(orderID string) *ServiceError {
	return newError(CodeDeadlinePassed, http.StatusConflict, "commit window has closed", ErrDeadlinePassed).
		WithDetails("order_id", orderID)
}

// Upstream reports a failed third-party call.
func Upstream(service string, err error) *ServiceError {
	return &ServiceError{Code: CodeUpstream, Message: service + " request failed", HTTPStatus: http.StatusBadGateway, Err: joinSentinel(ErrUpstream, err)}
}

// Internal wraps an unexpected failure.
func Internal(msg string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, msg, err)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// HTTPStatus maps any error to a response status.
func HTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil && se.HTTPStatus != 0 {
		return se.HTTPStatus
	}
	switch {
	case stderrors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case stderrors.Is(err, ErrConflict), stderrors.Is(err, ErrInvalidTransition), stderrors.Is(err, ErrDeadlinePassed):
		return http.StatusConflict
	case stderrors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case stderrors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case stderrors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Is, As and New re-export the standard helpers so callers importing this
// package under the name errors keep them available.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }

func joinSentinel(sentinel, err error) error {
	if err == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
