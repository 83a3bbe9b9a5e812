// Package saga runs multi-step workflows with compensating rollback.
//
// A saga is an ordered list of steps. Each step has a forward Execute action
// and an optional Compensate action. Steps run strictly in definition order;
// when a step fails after its retries, every step that already completed is
// compensated in reverse order.
//
// Executions follow a small state machine:
//
//	running -> completed
//	running -> compensating -> compensated
//	running -> compensating -> timeout
//
// A timeout is sticky: compensation still runs, but the final status stays
// timeout. Executions live in memory only.
package saga

import (
	"context"
	"fmt"
	"slices"
	"time"

	flowerrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// Status represents the state of a saga execution.
type Status string

// Saga status constants.
const (
	StatusRunning      Status = "running"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusCompensated  Status = "compensated"
	StatusTimeout      Status = "timeout"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusTimeout
}

// ExecuteFunc performs a step's forward action. The returned value is stored
// as the step's result.
type ExecuteFunc func(ctx context.Context, sc *Context) (any, error)

// CompensateFunc undoes a completed step.
type CompensateFunc func(ctx context.Context, sc *Context) error

// Step defines a single step in a saga.
type Step struct {
	// Name identifies this step. Unique within its saga.
	Name string

	// Execute runs the forward action. Required.
	Execute ExecuteFunc

	// Compensate rolls the step back. Optional.
	Compensate CompensateFunc

	// Timeout bounds each attempt. Zero falls back to the saga timeout.
	Timeout time.Duration

	// Retries overrides RetryPolicy.MaxRetries when set.
	Retries *int

	// Critical is informational. Compensation always covers every
	// completed step.
	Critical bool
}

// Retries returns a pointer to n, for use in Step literals.
func Retries(n int) *int {
	return &n
}

// RetryPolicy configures step retries for a saga.
type RetryPolicy struct {
	// MaxRetries is the number of extra attempts after the first.
	MaxRetries int

	BackoffStrategy flowerrors.BackoffStrategy
	BaseDelay       time.Duration
	MaxDelay        time.Duration

	// RetryTimeouts also retries attempts that hit their deadline.
	RetryTimeouts bool
}

func (p RetryPolicy) backoff() flowerrors.Backoff {
	return flowerrors.Backoff{
		Strategy: p.BackoffStrategy,
		Base:     p.BaseDelay,
		Max:      p.MaxDelay,
	}
}

// Definition defines a complete saga workflow.
type Definition struct {
	// Name identifies this saga type.
	Name string

	// Steps are executed in order.
	Steps []Step

	// Timeout is the default per-step timeout.
	Timeout time.Duration

	RetryPolicy RetryPolicy

	// Classification is the default for executions of this saga.
	Classification event.Classification

	// AuditRequired marks the audit trail as mandatory for compliance.
	AuditRequired bool
}

// Validate checks the saga definition for errors.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return flowerrors.Invalid(ErrInvalidDefinition, "name", "saga name is required")
	}
	if len(d.Steps) == 0 {
		return flowerrors.Invalid(ErrInvalidDefinition, "steps", "saga %q must have at least one step", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.Name == "" {
			return flowerrors.Invalid(ErrInvalidDefinition, fmt.Sprintf("steps[%d].name", i), "step name is required")
		}
		if seen[step.Name] {
			return flowerrors.Invalid(ErrInvalidDefinition, fmt.Sprintf("steps[%d].name", i), "duplicate step %q", step.Name)
		}
		seen[step.Name] = true
		if step.Execute == nil {
			return flowerrors.Invalid(ErrInvalidDefinition, fmt.Sprintf("steps[%d].execute", i), "step %q has no execute action", step.Name)
		}
		if step.Retries != nil && *step.Retries < 0 {
			return flowerrors.Invalid(ErrInvalidDefinition, fmt.Sprintf("steps[%d].retries", i), "step %q has negative retries", step.Name)
		}
	}
	if d.RetryPolicy.MaxRetries < 0 {
		return flowerrors.Invalid(ErrInvalidDefinition, "retry_policy.max_retries", "must not be negative")
	}
	if !d.RetryPolicy.BackoffStrategy.Valid() {
		return flowerrors.Invalid(ErrInvalidDefinition, "retry_policy.backoff_strategy",
			"unknown strategy %q", d.RetryPolicy.BackoffStrategy)
	}
	return nil
}

// clone copies d so later changes by the caller do not leak into running
// executions.
func (d *Definition) clone() *Definition {
	c := *d
	c.Steps = slices.Clone(d.Steps)
	return &c
}

// StepNames returns the step names in definition order.
func (d *Definition) StepNames() []string {
	names := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		names[i] = s.Name
	}
	return names
}
