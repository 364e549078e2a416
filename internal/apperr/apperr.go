package apperr

import (
	"errors"
	"fmt"
)

// Code classifies a failure for routing (retry, DLQ, metrics labels).
type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeRetryable           Code = "RETRYABLE_ERROR"
	CodePermanent           Code = "PERMANENT_FAILURE"
	CodeProvider            Code = "PROVIDER_ERROR"
	CodeQuotaExhausted      Code = "QUOTA_EXHAUSTED"
	CodeBreakerOpen         Code = "CIRCUIT_BREAKER_OPEN"
	CodeBreakerHalfOpenBusy Code = "CIRCUIT_BREAKER_HALF_OPEN_BUSY"
	CodeUnknown             Code = "UNKNOWN_ERROR"
)

// AppError is the application error carried across component boundaries.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// CodeOf extracts the classification code, defaulting to UNKNOWN_ERROR.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether the retry loop may re-attempt after err.
// Breaker signals are terminal here: the breaker's own timer is the backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *AppError
	if !errors.As(err, &ae) {
		// Unknown errors are assumed transient.
		return true
	}
	switch ae.Code {
	case CodeRetryable, CodeProvider:
		return true
	case CodeValidation, CodePermanent, CodeQuotaExhausted,
		CodeBreakerOpen, CodeBreakerHalfOpenBusy:
		return false
	}
	return false
}

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func Validation(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message}
}

func Retryable(message string, err error) *AppError {
	return &AppError{Code: CodeRetryable, Message: message, Err: err}
}

func Permanent(message string, err error) *AppError {
	return &AppError{Code: CodePermanent, Message: message, Err: err}
}

func Provider(message string, err error) *AppError {
	return &AppError{Code: CodeProvider, Message: message, Err: err}
}
