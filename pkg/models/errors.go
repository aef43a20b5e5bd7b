package models

import "fmt"

// Error codes for failures that callers are expected to branch on.
const (
	ErrCodeValidation      = "validation_error"
	ErrCodeRateLimited     = "rate_limit_exceeded"
	ErrCodeOutsideWindow   = "outside_delivery_window"
	ErrCodeInvalidExpired  = "invalid_or_expired"
	ErrCodeTooManyAttempts = "too_many_attempts"
	ErrCodeInvalidCode     = "invalid_code"
	ErrCodeExhausted       = "delivery_exhausted"
	ErrCodeContactMismatch = "contact_mismatch"
	ErrCodeNotFound        = "not_found"
	ErrCodeDisabled        = "operation_disabled"
)

// Error is a coded failure surfaced through the API envelope. Data
// carries structured detail such as attempts remaining or raw
// rate-limit counts.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError returns a coded error without extra data.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorData returns a coded error carrying structured detail.
func NewErrorData(code, message string, data interface{}) *Error {
	return &Error{Code: code, Message: message, Data: data}
}
