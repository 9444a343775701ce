package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Admission errors
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeCallerBanned      ErrorCode = "CALLER_BANNED"

	// Upstream errors
	ErrCodeCircuitOpen       ErrorCode = "CIRCUIT_BREAKER_OPEN"
	ErrCodeNoHealthyInstance ErrorCode = "NO_HEALTHY_INSTANCE"
	ErrCodeUpstreamTimeout   ErrorCode = "UPSTREAM_TIMEOUT"
	ErrCodeUpstreamError     ErrorCode = "UPSTREAM_ERROR"

	// Request processing errors
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeRouteNotFound        ErrorCode = "ROUTE_NOT_FOUND"
	ErrCodeInvalidRequest       ErrorCode = "INVALID_REQUEST"

	// Infrastructure errors
	ErrCodeConfigLoad      ErrorCode = "CONFIG_LOAD_FAILED"
	ErrCodeUnknownUpstream ErrorCode = "UNKNOWN_UPSTREAM"
	ErrCodeInternalError   ErrorCode = "INTERNAL_ERROR"
)

// GatewayError represents a structured error with request context
type GatewayError struct {
	Code          ErrorCode              `json:"code"`
	Message       string                 `json:"message"`
	Details       string                 `json:"details,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Component     string                 `json:"component,omitempty"`
	RetryAfter    time.Duration          `json:"-"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Cause         error                  `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("[%s][%s] %s: %s", e.CorrelationID, e.Code, e.Component, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *GatewayError) Is(target error) bool {
	if t, ok := target.(*GatewayError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *GatewayError) WithMetadata(key string, value interface{}) *GatewayError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithCorrelationID attaches the originating correlation id to the error
func (e *GatewayError) WithCorrelationID(id string) *GatewayError {
	e.CorrelationID = id
	return e
}

// WithRetryAfter records how long the caller should wait before retrying
func (e *GatewayError) WithRetryAfter(d time.Duration) *GatewayError {
	e.RetryAfter = d
	return e
}

// IsRetryable returns true if the error might be resolved by retrying
func (e *GatewayError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeUpstreamTimeout, ErrCodeUpstreamError:
		return true
	default:
		return false
	}
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *GatewayError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeInvalidRequest:
		return 400
	case ErrCodeAuthenticationFailed:
		return 401
	case ErrCodeRouteNotFound:
		return 404
	case ErrCodeRateLimitExceeded, ErrCodeCallerBanned:
		return 429
	case ErrCodeCircuitOpen, ErrCodeNoHealthyInstance:
		return 503
	case ErrCodeUpstreamError:
		return 502
	case ErrCodeUpstreamTimeout:
		return 504
	default:
		return 500
	}
}

// NewError creates a new GatewayError
func NewError(code ErrorCode, component, message string) *GatewayError {
	return &GatewayError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error with GatewayError structure
func WrapError(err error, code ErrorCode, component, message string) *GatewayError {
	if err == nil {
		return nil
	}

	return &GatewayError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Details:   err.Error(),
	}
}

// Common error constructors for frequently used errors

// NewRateLimitError creates an error for a throttled request
func NewRateLimitError(scope string, retryAfter time.Duration) *GatewayError {
	return NewError(
		ErrCodeRateLimitExceeded,
		"rate_limiter",
		fmt.Sprintf("Rate limit exceeded for scope %s", scope),
	).WithMetadata("scope", scope).WithRetryAfter(retryAfter)
}

// NewCallerBannedError creates an error for a banned caller
func NewCallerBannedError(caller string, retryAfter time.Duration) *GatewayError {
	return NewError(
		ErrCodeCallerBanned,
		"rate_limiter",
		fmt.Sprintf("Caller %s is temporarily banned", caller),
	).WithMetadata("caller", caller).WithRetryAfter(retryAfter)
}

// NewCircuitOpenError creates an error for an open circuit breaker
func NewCircuitOpenError(service string) *GatewayError {
	return NewError(
		ErrCodeCircuitOpen,
		"circuit_breaker",
		fmt.Sprintf("Circuit breaker is open for service %s", service),
	).WithMetadata("service", service)
}

// NewNoHealthyInstanceError creates an error when no instance can take traffic
func NewNoHealthyInstanceError(service string) *GatewayError {
	return NewError(
		ErrCodeNoHealthyInstance,
		"load_balancer",
		fmt.Sprintf("No healthy instances available for service %s", service),
	).WithMetadata("service", service)
}

// NewUpstreamTimeoutError creates an error for a timed-out upstream call
func NewUpstreamTimeoutError(service, instance string, cause error) *GatewayError {
	return WrapError(cause,
		ErrCodeUpstreamTimeout,
		"pipeline",
		fmt.Sprintf("Upstream call to %s timed out", service),
	).WithMetadata("service", service).WithMetadata("instance", instance)
}

// NewUpstreamError creates an error for a failed upstream call
func NewUpstreamError(service, instance string, cause error) *GatewayError {
	ge := &GatewayError{
		Code:      ErrCodeUpstreamError,
		Component: "pipeline",
		Message:   fmt.Sprintf("Upstream call to %s failed", service),
		Timestamp: time.Now(),
		Cause:     cause,
	}
	if cause != nil {
		ge.Details = cause.Error()
	}
	return ge.WithMetadata("service", service).WithMetadata("instance", instance)
}

// NewAuthenticationError creates an authentication error
func NewAuthenticationError(reason string) *GatewayError {
	return NewError(
		ErrCodeAuthenticationFailed,
		"auth",
		fmt.Sprintf("Authentication failed: %s", reason),
	).WithMetadata("reason", reason)
}

// NewInternalError creates an error for an unexpected internal failure
func NewInternalError(component, message string) *GatewayError {
	return NewError(ErrCodeInternalError, component, message)
}

// NewRouteNotFoundError creates an error for an unmatched path prefix
func NewRouteNotFoundError(path string) *GatewayError {
	return NewError(
		ErrCodeRouteNotFound,
		"router",
		fmt.Sprintf("No upstream route matches path %s", path),
	).WithMetadata("path", path)
}

// Helper functions

// IsGatewayError checks if an error is a GatewayError
func IsGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ErrCodeInternalError
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.HTTPStatusCode()
	}
	return 500
}
