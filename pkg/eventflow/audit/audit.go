// Package audit provides the fire-and-forget audit sink consumed by the event
// bus, the subscriber and publisher layers, and the saga orchestrator.
//
// Sinks never return errors to the caller: an audit failure must not fail the
// operation being audited. Implementations log their own failures.
package audit

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what produced a record.
type Kind string

// Record kinds.
const (
	KindPublished    Kind = "event.published"
	KindHandlerError Kind = "event.handler_error"
	KindDeadLetter   Kind = "event.dead_lettered"
	KindRejected     Kind = "event.rejected"
	KindScheduled    Kind = "event.scheduled"
	KindSaga         Kind = "saga.audit"
)

// Record is one structured audit entry.
type Record struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	Kind           Kind              `json:"kind"`
	Subject        string            `json:"subject"` // event id or saga id
	Action         string            `json:"action"`
	Classification string            `json:"classification,omitempty"`
	Error          string            `json:"error,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// NewRecord creates a record stamped with a fresh id and the current time.
func NewRecord(kind Kind, subject, action string) Record {
	return Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Subject:   subject,
		Action:    action,
	}
}

// With returns a copy of r carrying an extra attribute.
func (r Record) With(key, value string) Record {
	attrs := make(map[string]string, len(r.Attributes)+1)
	maps.Copy(attrs, r.Attributes)
	attrs[key] = value
	r.Attributes = attrs
	return r
}

// WithError returns a copy of r carrying err's message.
func (r Record) WithError(err error) Record {
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Sink receives audit records.
// Implementations must be safe for concurrent use and must not block for long.
type Sink interface {
	Record(ctx context.Context, rec Record)
}

// NopSink discards every record.
type NopSink struct{}

// Record does nothing.
func (NopSink) Record(context.Context, Record) {}

// MultiSink fans a record out to every sink.
type MultiSink []Sink

// Record implements Sink.
func (m MultiSink) Record(ctx context.Context, rec Record) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, rec)
		}
	}
}

// MemorySink keeps records in memory. It is meant for tests and debugging.
type MemorySink struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record implements Sink.
func (m *MemorySink) Record(_ context.Context, rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

// Records returns a copy of everything recorded so far.
func (m *MemorySink) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// ByKind returns the records of one kind, in arrival order.
func (m *MemorySink) ByKind(kind Kind) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// BySubject returns the records about one event or saga, in arrival order.
func (m *MemorySink) BySubject(subject string) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if r.Subject == subject {
			out = append(out, r)
		}
	}
	return out
}

// Compile-time interface checks.
var (
	_ Sink = NopSink{}
	_ Sink = MultiSink(nil)
	_ Sink = (*MemorySink)(nil)
)
