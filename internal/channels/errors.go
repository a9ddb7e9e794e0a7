package channels

import (
	"errors"
	"fmt"
)

// ErrorCode classifies connector failures for monitoring and retry policy.
type ErrorCode string

const (
	// ErrCodeMalformedPayload means a webhook body could not be normalized.
	ErrCodeMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"

	// ErrCodeUnsupportedEvent marks non-message events (delivery receipts,
	// read markers, typing). Acknowledged and dropped.
	ErrCodeUnsupportedEvent ErrorCode = "UNSUPPORTED_EVENT"

	// ErrCodeUnauthorized marks signature or token verification failures.
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// ErrCodeTransport marks transient outbound delivery failures.
	ErrCodeTransport ErrorCode = "TRANSPORT_ERROR"

	// ErrCodePermanentRejection means the transport refused irrecoverably,
	// e.g. the user blocked the bot.
	ErrCodePermanentRejection ErrorCode = "PERMANENT_REJECTION"

	// ErrCodeRateLimit means the upstream throttled the operation.
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// ErrCodeTimeout means the operation exceeded its deadline.
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// ErrCodeInvalidInput marks invalid message or configuration data.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeNotFound marks a missing resource (conversation, recipient).
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeInternal marks unexpected internal failures.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"

	// ErrCodeConfig marks configuration errors detected at runtime.
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"
)

// Error is a structured connector error with a code for classification and
// optional context for debugging.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
		Context: make(map[string]any),
	}
}

// WithContext attaches a debugging key-value pair.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the failure is transient.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTransport, ErrCodeRateLimit, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// ErrMalformedPayload creates a malformed payload error.
func ErrMalformedPayload(message string, err error) *Error {
	return NewError(ErrCodeMalformedPayload, message, err)
}

// ErrUnsupportedEvent creates an unsupported event error.
func ErrUnsupportedEvent(message string) *Error {
	return NewError(ErrCodeUnsupportedEvent, message, nil)
}

// ErrUnauthorized creates an authorization error.
func ErrUnauthorized(message string, err error) *Error {
	return NewError(ErrCodeUnauthorized, message, err)
}

// ErrTransport creates a retryable transport error.
func ErrTransport(message string, err error) *Error {
	return NewError(ErrCodeTransport, message, err)
}

// ErrPermanentRejection creates a permanent rejection error.
func ErrPermanentRejection(message string, err error) *Error {
	return NewError(ErrCodePermanentRejection, message, err)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string, err error) *Error {
	return NewError(ErrCodeRateLimit, message, err)
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string, err error) *Error {
	return NewError(ErrCodeTimeout, message, err)
}

// ErrInvalidInput creates an invalid input error.
func ErrInvalidInput(message string, err error) *Error {
	return NewError(ErrCodeInvalidInput, message, err)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string, err error) *Error {
	return NewError(ErrCodeNotFound, message, err)
}

// ErrInternal creates an internal error.
func ErrInternal(message string, err error) *Error {
	return NewError(ErrCodeInternal, message, err)
}

// ErrConfig creates a configuration error.
func ErrConfig(message string, err error) *Error {
	return NewError(ErrCodeConfig, message, err)
}

// GetErrorCode extracts the code from a connector error, defaulting to
// INTERNAL_ERROR for foreign errors.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err is a transient connector error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.IsRetryable()
	}
	return false
}
