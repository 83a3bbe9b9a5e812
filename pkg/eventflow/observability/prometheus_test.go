package observability

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherCounter(t *testing.T, reg *prom.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := want[lp.GetName()]; ok {
			if v != lp.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(want)
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	ctx := context.Background()

	pr.RecordPublish(ctx, "order.created", 3*time.Millisecond, nil)
	pr.RecordPublish(ctx, "order.created", 3*time.Millisecond, errors.New("boom"))
	pr.RecordHandlerError(ctx, "order.created")
	pr.RecordDeadLetter(ctx, "order.created")
	pr.RecordSagaStep(ctx, "order", "charge", time.Millisecond, errors.New("declined"))
	pr.RecordSagaRun(ctx, "order", "compensated", 20*time.Millisecond)

	assert.Equal(t, 1.0, gatherCounter(t, reg, "eventflow_events_published_total",
		map[string]string{"event_type": "order.created", "result": "success"}))
	assert.Equal(t, 1.0, gatherCounter(t, reg, "eventflow_events_published_total",
		map[string]string{"event_type": "order.created", "result": "failed"}))
	assert.Equal(t, 1.0, gatherCounter(t, reg, "eventflow_handler_errors_total",
		map[string]string{"event_type": "order.created"}))
	assert.Equal(t, 1.0, gatherCounter(t, reg, "eventflow_events_dead_lettered_total",
		map[string]string{"event_type": "order.created"}))
	assert.Equal(t, 1.0, gatherCounter(t, reg, "eventflow_saga_step_errors_total",
		map[string]string{"saga": "order", "step": "charge"}))
	assert.Equal(t, 1.0, gatherCounter(t, reg, "eventflow_saga_runs_total",
		map[string]string{"saga": "order", "status": "compensated"}))
}

func TestPrometheusRecorder_NilRegistry(t *testing.T) {
	pr := NewPrometheusRecorder(nil)
	require.NotNil(t, pr.Registry())
	pr.RecordSagaRun(context.Background(), "s", "completed", time.Millisecond)

	mfs, err := pr.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestPrometheusRecorder_Handler(t *testing.T) {
	pr := NewPrometheusRecorder(prom.NewRegistry())
	pr.RecordDeadLetter(context.Background(), "x.failed")

	srv := httptest.NewServer(pr.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "eventflow_events_dead_lettered_total")
}

func TestMultiRecorder(t *testing.T) {
	a := NewPrometheusRecorder(nil)
	b := NewPrometheusRecorder(nil)
	multi := MultiRecorder{a, b, NoopMetrics{}}

	multi.RecordHandlerError(context.Background(), "e")

	for _, pr := range []*PrometheusRecorder{a, b} {
		assert.Equal(t, 1.0, gatherCounter(t, pr.Registry(), "eventflow_handler_errors_total",
			map[string]string{"event_type": "e"}))
	}
}
