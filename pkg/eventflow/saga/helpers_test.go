package saga_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
)

type recordingMetrics struct {
	observability.NoopMetrics

	steps      atomic.Int32
	stepErrors atomic.Int32
	runs       atomic.Int32

	mu       sync.Mutex
	statuses []string
}

func (m *recordingMetrics) RecordSagaStep(_ context.Context, _, _ string, _ time.Duration, err error) {
	m.steps.Add(1)
	if err != nil {
		m.stepErrors.Add(1)
	}
}

func (m *recordingMetrics) RecordSagaRun(_ context.Context, _, status string, _ time.Duration) {
	m.mu.Lock()
	m.statuses = append(m.statuses, status)
	m.mu.Unlock()
	m.runs.Add(1)
}
