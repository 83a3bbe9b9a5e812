package errors

import (
	"fmt"
	"time"
)

// ValidationError indicates a request was rejected synchronously.
// Err, when set, is usually a package sentinel so callers can errors.Is it.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Unwrap returns the wrapped sentinel.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Invalid builds a ValidationError wrapping sentinel.
func Invalid(sentinel error, field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Err:     sentinel,
	}
}

// TimeoutError indicates an operation exceeded its deadline.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Timeout, e.Operation)
}

// HandlerError wraps a failure returned by a subscriber handler.
type HandlerError struct {
	SubscriptionID string
	EventID        string
	EventType      string
	Err            error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on %s event %s: %v",
		e.SubscriptionID, e.EventType, e.EventID, e.Err)
}

// Unwrap returns the handler's error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// CompensationError records a failed rollback action.
type CompensationError struct {
	SagaID string
	Step   string
	Err    error
}

// Error implements the error interface.
func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %s: compensate %s: %v", e.SagaID, e.Step, e.Err)
}

// Unwrap returns the compensation's error.
func (e *CompensationError) Unwrap() error {
	return e.Err
}
