package errors

import (
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeInternal    ErrorType = "internal"
	ErrorTypeExternal    ErrorType = "external"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeTransient   ErrorType = "transient"
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	ErrorTypeRecovery    ErrorType = "recovery"
	ErrorTypeFallback    ErrorType = "fallback"
	ErrorTypeUnavailable ErrorType = "unavailable"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

// NewTransientError marks a probe or request failure as retryable. Transient
// failures drive circuit breaker counting but are expected to clear on their own.
func NewTransientError(service, message string) *AppError {
	return NewAppError(ErrorTypeTransient, "TRANSIENT_FAILURE", message).
		WithDetail("service", service)
}

// NewCircuitOpenError signals a fast-fail rejection while a service's circuit
// breaker is open. It is not a new failure and must not be counted as one.
func NewCircuitOpenError(service string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit breaker for service %q is open", service)).
		WithDetail("service", service)
}

// NewRecoveryError reports a failed recovery attempt for a service.
func NewRecoveryError(service, message string) *AppError {
	return NewAppError(ErrorTypeRecovery, "RECOVERY_FAILED", message).
		WithDetail("service", service)
}

// NewNoActiveFallbackError is returned by fallback request routing when no
// fallback handler is currently active for the service.
func NewNoActiveFallbackError(service string) *AppError {
	return NewAppError(ErrorTypeFallback, "NO_ACTIVE_FALLBACK",
		fmt.Sprintf("no active fallback for service %q", service)).
		WithDetail("service", service)
}

// NewFallbackError reports a failure inside an active fallback handler.
func NewFallbackError(service, message string) *AppError {
	return NewAppError(ErrorTypeFallback, "FALLBACK_ERROR", message).
		WithDetail("service", service)
}

// NewFallbackExhaustedError reports that every registered fallback handler for
// a service failed to activate.
func NewFallbackExhaustedError(service string) *AppError {
	return NewAppError(ErrorTypeFallback, "FALLBACK_EXHAUSTED",
		fmt.Sprintf("all fallback handlers failed to activate for service %q", service)).
		WithDetail("service", service)
}

// NewFeatureUnavailableError reports that a feature is disabled because one of
// its required services is failed without an active fallback.
func NewFeatureUnavailableError(feature string) *AppError {
	return NewAppError(ErrorTypeUnavailable, "FEATURE_UNAVAILABLE",
		fmt.Sprintf("feature %q is currently unavailable", feature)).
		WithDetail("feature", feature)
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}
