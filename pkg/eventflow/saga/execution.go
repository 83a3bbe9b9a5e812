package saga

import (
	"slices"
	"sync"
	"time"
)

// Action names an audit trail entry.
type Action string

// Audit actions.
const (
	ActionStart      Action = "start"
	ActionExecute    Action = "execute"
	ActionRetry      Action = "retry"
	ActionError      Action = "error"
	ActionCompensate Action = "compensate"
	ActionCancel     Action = "cancel"
	ActionComplete   Action = "complete"
)

// AuditEntry is one record of an execution's audit trail.
type AuditEntry struct {
	Time    time.Time `json:"time"`
	Action  Action    `json:"action"`
	Step    string    `json:"step,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Execution tracks one run of a saga.
type Execution struct {
	SagaID           string       `json:"saga_id"`
	Name             string       `json:"name"`
	Status           Status       `json:"status"`
	CurrentStep      int          `json:"current_step"`
	Context          *Context     `json:"-"`
	CompletedSteps   []string     `json:"completed_steps"`
	CompensatedSteps []string     `json:"compensated_steps"`
	Error            error        `json:"-"`
	AuditTrail       []AuditEntry `json:"audit_trail"`
	StartTime        time.Time    `json:"start_time"`
	EndTime          time.Time    `json:"end_time,omitempty"`

	mu sync.Mutex
}

// Duration returns how long the execution ran, or has been running.
func (e *Execution) Duration() time.Duration {
	if e.EndTime.IsZero() {
		return time.Since(e.StartTime)
	}
	return e.EndTime.Sub(e.StartTime)
}

// Clone creates a copy of the execution without the mutex.
func (e *Execution) Clone() *Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cloneLocked()
}

func (e *Execution) cloneLocked() *Execution {
	c := &Execution{
		SagaID:           e.SagaID,
		Name:             e.Name,
		Status:           e.Status,
		CurrentStep:      e.CurrentStep,
		CompletedSteps:   slices.Clone(e.CompletedSteps),
		CompensatedSteps: slices.Clone(e.CompensatedSteps),
		Error:            e.Error,
		AuditTrail:       slices.Clone(e.AuditTrail),
		StartTime:        e.StartTime,
		EndTime:          e.EndTime,
	}
	if e.Context != nil {
		c.Context = e.Context.clone()
	}
	return c
}

// Entries returns the audit entries with the given action.
func (e *Execution) Entries(action Action) []AuditEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []AuditEntry
	for _, a := range e.AuditTrail {
		if a.Action == action {
			out = append(out, a)
		}
	}
	return out
}

func (e *Execution) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Status
}

func (e *Execution) appendAudit(entry AuditEntry) {
	e.mu.Lock()
	e.AuditTrail = append(e.AuditTrail, entry)
	e.mu.Unlock()
}
