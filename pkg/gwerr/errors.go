// Package gwerr defines the unified error taxonomy for gateway operations.
// Every provider-specific or transport failure is mapped to one of these
// kinds before it reaches a caller.
package gwerr

import (
	"fmt"
	"net/http"
	"time"
)

// Kind identifies the error category.
type Kind string

const (
	KindModelNotFound     Kind = "model_not_found"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindProviderSaturated Kind = "provider_saturated"
	KindAuth              Kind = "authentication_error"
	KindInvalidRequest    Kind = "invalid_request_error"
	KindRateLimited       Kind = "rate_limit_error"
	KindNetworkTimeout    Kind = "network_timeout"
	KindServer            Kind = "server_error"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal_error"
)

// Error is the standardized gateway error. Retryable controls whether the
// coordinator may fail over to another candidate.
type Error struct {
	Kind       Kind          `json:"kind"`
	Message    string        `json:"message"`
	Provider   string        `json:"provider,omitempty"`
	Model      string        `json:"model,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Retryable  bool          `json:"-"`
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s (provider=%s, model=%s)", e.Kind, e.Message, e.Provider, e.Model)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// HTTPStatusCode returns the status code to surface to HTTP callers.
func (e *Error) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Is allows errors.Is matching on a bare kind sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewModelNotFound reports that no provider candidate serves a model alias.
func NewModelNotFound(model string) *Error {
	return &Error{
		Kind:       KindModelNotFound,
		Message:    fmt.Sprintf("no provider configured for model %q", model),
		Model:      model,
		StatusCode: http.StatusNotFound,
	}
}

// NewQuotaExceeded reports a per-user rolling-window quota violation.
// retryAfter hints when the window rolls over.
func NewQuotaExceeded(userID string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindQuotaExceeded,
		Message:    fmt.Sprintf("quota exceeded for user %q", userID),
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// NewProviderSaturated reports that every fallback candidate is at its
// concurrency ceiling.
func NewProviderSaturated(model string) *Error {
	return &Error{
		Kind:       KindProviderSaturated,
		Message:    fmt.Sprintf("all providers for model %q are at capacity", model),
		Model:      model,
		StatusCode: http.StatusServiceUnavailable,
	}
}

// NewAuthError creates a non-retryable authentication failure.
func NewAuthError(provider, model, message string) *Error {
	return &Error{
		Kind:       KindAuth,
		Message:    message,
		Provider:   provider,
		Model:      model,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewInvalidRequest creates a non-retryable malformed-request failure.
func NewInvalidRequest(provider, model, message string) *Error {
	return &Error{
		Kind:       KindInvalidRequest,
		Message:    message,
		Provider:   provider,
		Model:      model,
		StatusCode: http.StatusBadRequest,
	}
}

// NewRateLimited creates a retryable provider rate-limit failure.
func NewRateLimited(provider, model, message string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    message,
		Provider:   provider,
		Model:      model,
		StatusCode: http.StatusTooManyRequests,
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// NewNetworkTimeout creates a retryable timeout failure. Attempt deadlines
// exceeded are reported through this constructor.
func NewNetworkTimeout(provider, model, message string) *Error {
	return &Error{
		Kind:       KindNetworkTimeout,
		Message:    message,
		Provider:   provider,
		Model:      model,
		StatusCode: http.StatusGatewayTimeout,
		Retryable:  true,
	}
}

// NewServerError creates a retryable transient upstream failure (5xx).
func NewServerError(provider, model, message string) *Error {
	return &Error{
		Kind:       KindServer,
		Message:    message,
		Provider:   provider,
		Model:      model,
		StatusCode: http.StatusBadGateway,
		Retryable:  true,
	}
}

// NewCancelled reports caller-initiated cancellation.
func NewCancelled(requestID string) *Error {
	return &Error{
		Kind:       KindCancelled,
		Message:    fmt.Sprintf("request %s cancelled", requestID),
		StatusCode: 499,
	}
}

// NewInternal creates a non-retryable internal gateway failure.
func NewInternal(message string) *Error {
	return &Error{
		Kind:       KindInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}
