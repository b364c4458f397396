package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"camgrid/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeCapacityExceeded   ErrorCode = "CAPACITY_EXCEEDED"
	ErrCodeSourceUnavailable  ErrorCode = "SOURCE_UNAVAILABLE"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

type domainMapping struct {
	target error
	code   ErrorCode
	status int
}

// First match wins.
var domainMappings = []domainMapping{
	{domain.ErrStreamNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrCapacityExceeded, ErrCodeCapacityExceeded, http.StatusConflict},
	{domain.ErrDuplicateID, ErrCodeConflict, http.StatusConflict},
	{domain.ErrInvalidStreamID, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrInvalidSource, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrSourceUnavailable, ErrCodeSourceUnavailable, http.StatusBadGateway},
	{domain.ErrCaptureClosed, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrRegistryStopped, ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
}

// FromDomain converts an error returned by the core into an AppError. Errors
// that already are AppErrors pass through; unknown errors become internal errors.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, m := range domainMappings {
		if stderrors.Is(err, m.target) {
			return WrapError(err, m.code, err.Error(), m.status)
		}
	}
	return WrapError(err, ErrCodeInternal, "internal server error", http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
