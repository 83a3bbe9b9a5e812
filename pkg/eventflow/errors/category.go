// Package errors provides the error taxonomy shared by the event bus and the
// saga orchestrator, plus a retry runner with pluggable backoff.
//
// Every failure surfaced by eventflow falls in one of four categories:
//   - Validation: the caller asked for something impossible (unknown saga,
//     invalid classification, concurrency limit). Never retried.
//   - Handler: user code (a subscriber or a saga step) returned an error.
//     Retried according to policy.
//   - Timeout: an operation exceeded its deadline. Not retried by default.
//   - Compensation: a rollback action failed. Logged and swallowed.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryHandler indicates a failure raised by user-supplied logic.
	CategoryHandler Category = iota

	// CategoryValidation indicates the request was rejected before any work ran.
	CategoryValidation

	// CategoryTimeout indicates a deadline was exceeded.
	CategoryTimeout

	// CategoryCompensation indicates a rollback action failed.
	CategoryCompensation

	// CategoryInternal indicates cancellation or shutdown of the engine itself.
	CategoryInternal
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryHandler:
		return "handler"
	case CategoryValidation:
		return "validation"
	case CategoryTimeout:
		return "timeout"
	case CategoryCompensation:
		return "compensation"
	case CategoryInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Attempts is the number of attempts that have been made.
	Attempts int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Attempts)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Attempts)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Categorize determines how an error should be handled.
// Errors that carry no classification are treated as handler failures.
func Categorize(err error) Category {
	if err == nil {
		return CategoryInternal
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CategoryValidation
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	var compErr *CompensationError
	if errors.As(err, &compErr) {
		return CategoryCompensation
	}

	if errors.Is(err, context.Canceled) {
		return CategoryInternal
	}

	return CategoryHandler
}

// IsRetryable reports whether the error should be retried by default.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryHandler
}

// IsTimeout reports whether the error is a deadline failure.
func IsTimeout(err error) bool {
	return Categorize(err) == CategoryTimeout
}

// IsValidation reports whether the error was a rejected request.
func IsValidation(err error) bool {
	return Categorize(err) == CategoryValidation
}
