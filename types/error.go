package types

import "fmt"

// ErrorCode represents a unified error kind across the gateway.
type ErrorCode string

const (
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrBadRequest         ErrorCode = "BAD_REQUEST"
	ErrNoProviderForModel ErrorCode = "NO_PROVIDER_FOR_MODEL"
	ErrUpstreamTimeout    ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamNetwork    ErrorCode = "UPSTREAM_NETWORK"
	ErrUpstreamHTTP       ErrorCode = "UPSTREAM_HTTP"
	ErrClientDisconnect   ErrorCode = "CLIENT_DISCONNECT"
	ErrInternal           ErrorCode = "INTERNAL"
)

// Error represents a structured error with code, message, and metadata.
// It is the single error currency of the gateway: raised where a failure is
// detected, logged exactly once at the HTTP boundary where it becomes a
// client response.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	RetryAfter string    `json:"retry_after,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: defaultStatus(code)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus overrides the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithRetryAfter carries an upstream Retry-After header value through to the
// client unchanged.
func (e *Error) WithRetryAfter(v string) *Error {
	e.RetryAfter = v
	return e
}

// defaultStatus maps each error kind to its client-facing HTTP status.
func defaultStatus(code ErrorCode) int {
	switch code {
	case ErrUnauthorized:
		return 401
	case ErrForbidden:
		return 403
	case ErrRateLimited:
		return 429
	case ErrBadRequest, ErrNoProviderForModel:
		return 400
	case ErrUpstreamTimeout:
		return 504
	case ErrUpstreamNetwork:
		return 502
	case ErrClientDisconnect:
		return 408
	default:
		return 500
	}
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// AsError normalizes any error into a *Error, wrapping unknown errors as
// internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return NewError(ErrInternal, "internal error").WithCause(err)
}
