// Package errors defines the service error taxonomy shared by the HTTP
// surface, the middleware, and the orchestration services. A ServiceError
// carries the machine code, the client-facing message, and the HTTP status
// the gateway responds with.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies the error class independent of the message text.
type ErrorCode string

const (
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrCodeWrongInput    ErrorCode = "WRONG_INPUT"
	ErrCodeInvalidFormat ErrorCode = "INVALID_FORMAT"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeChain         ErrorCode = "CHAIN_ERROR"
	ErrCodeRateLimit     ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal      ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is the uniform error value surfaced by gateway operations.
// NotFound and Chain errors are business outcomes and keep HTTP 200; the
// response envelope carries status "Error" with the message.
type ServiceError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}

	cause error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.cause }

// WithDetails attaches a key/value pair for logging. It returns the receiver
// so calls chain.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Unauthorized covers every auth-layer rejection. The message is intentionally
// generic so callers cannot probe which verification step failed.
func Unauthorized(message string) *ServiceError {
	return &ServiceError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// WrongInput reports a domain-invalid input value.
func WrongInput(message string) *ServiceError {
	return &ServiceError{
		Code:       ErrCodeWrongInput,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// WrongInputf is WrongInput with formatting.
func WrongInputf(format string, args ...interface{}) *ServiceError {
	return WrongInput(fmt.Sprintf(format, args...))
}

// InvalidFormat reports a syntactically malformed field or request body.
func InvalidFormat(field, message string) *ServiceError {
	return &ServiceError{
		Code:       ErrCodeInvalidFormat,
		Message:    fmt.Sprintf("%s: %s", field, message),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// NotFound reports a lookup miss on a service-owned entity.
func NotFound(entity string) *ServiceError {
	return &ServiceError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusOK,
	}
}

// Chain reports a chain-side precondition failure (account not deployed,
// state fetch miss, empty recipient set).
func Chain(message string) *ServiceError {
	return &ServiceError{
		Code:       ErrCodeChain,
		Message:    message,
		HTTPStatus: http.StatusOK,
	}
}

// Chainf is Chain with formatting.
func Chainf(format string, args ...interface{}) *ServiceError {
	return Chain(fmt.Sprintf(format, args...))
}

// RateLimitExceeded reports that the per-key request budget was exhausted.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return &ServiceError{
		Code:       ErrCodeRateLimit,
		Message:    fmt.Sprintf("rate limit exceeded: %d requests per %s", limit, window),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// Internal wraps an unexpected failure. The cause is kept for logs and never
// serialized to the client.
func Internal(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		cause:      err,
	}
}

// InvalidToken reports a rejected admin bearer token.
func InvalidToken(err error) *ServiceError {
	return &ServiceError{
		Code:       ErrCodeUnauthorized,
		Message:    "invalid token",
		HTTPStatus: http.StatusUnauthorized,
		cause:      err,
	}
}

// GetServiceError extracts a *ServiceError from err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// IsNotFound reports whether err is a NotFound service error.
func IsNotFound(err error) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == ErrCodeNotFound
}
