package event

import (
	"errors"
	"fmt"

	flowerrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
)

// Sentinel errors. Validation failures wrap them in a
// flowerrors.ValidationError, so both errors.Is and errors.As work.
var (
	ErrNilEvent              = errors.New("event is nil")
	ErrBusClosed             = errors.New("event bus closed")
	ErrInvalidClassification = errors.New("invalid classification")
	ErrUnknownBatch          = errors.New("unknown batch")
	ErrBatchExists           = errors.New("batch already exists")
	ErrInvalidPattern        = errors.New("invalid subscription pattern")
	ErrComplianceViolation   = errors.New("compliance violation")
)

// ComplianceError is returned by strict subscriptions that refuse an event.
// It categorises as a validation failure, so the bus does not retry it.
type ComplianceError struct {
	EventID        string
	SubscriptionID string
	Reason         string
}

// Error implements the error interface.
func (e *ComplianceError) Error() string {
	return fmt.Sprintf("event %s refused by subscription %s: %s", e.EventID, e.SubscriptionID, e.Reason)
}

// Unwrap exposes the failure as a validation error wrapping
// ErrComplianceViolation.
func (e *ComplianceError) Unwrap() error {
	return &flowerrors.ValidationError{
		Field:   "metadata.compliance",
		Message: e.Reason,
		Err:     ErrComplianceViolation,
	}
}
