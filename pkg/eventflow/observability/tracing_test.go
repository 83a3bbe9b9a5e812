package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, SpanManager) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	})
	return exporter, NewSpanManagerWithProvider(tp)
}

func attrMap(attrs []attribute.KeyValue) map[string]attribute.Value {
	out := make(map[string]attribute.Value, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value
	}
	return out
}

func TestStartPublishSpan(t *testing.T) {
	exporter, sm := setupTracingTest(t)

	ctx, span := sm.StartPublishSpan(context.Background(), "order.created", "evt-1")
	require.NotNil(t, span)
	assert.True(t, trace.SpanFromContext(ctx).SpanContext().IsValid())
	sm.EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "eventflow.publish order.created", s.Name)
	assert.Equal(t, trace.SpanKindProducer, s.SpanKind)
	attrs := attrMap(s.Attributes)
	assert.Equal(t, "order.created", attrs["event.type"].AsString())
	assert.Equal(t, "evt-1", attrs["event.id"].AsString())
	assert.Equal(t, codes.Ok, s.Status.Code)
}

func TestSagaAndStepSpans(t *testing.T) {
	exporter, sm := setupTracingTest(t)

	ctx, sagaSpan := sm.StartSagaSpan(context.Background(), "order", "saga-1")
	_, stepSpan := sm.StartStepSpan(ctx, "charge", 2)
	sm.EndSpanWithError(stepSpan, errors.New("declined"))
	sm.EndSpanWithError(sagaSpan, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	step, saga := spans[0], spans[1]
	assert.Equal(t, "eventflow.saga.step.charge", step.Name)
	assert.Equal(t, "eventflow.saga", saga.Name)
	assert.Equal(t, saga.SpanContext.SpanID(), step.Parent.SpanID(), "step span should be a child of the saga span")

	assert.Equal(t, codes.Error, step.Status.Code)
	assert.Equal(t, "declined", step.Status.Description)
	require.NotEmpty(t, step.Events, "error should be recorded as an event")
	assert.Equal(t, int64(2), attrMap(step.Attributes)["saga.attempt"].AsInt64())
	assert.Equal(t, "saga-1", attrMap(saga.Attributes)["saga.id"].AsString())
}

func TestAddSpanEvent(t *testing.T) {
	exporter, sm := setupTracingTest(t)

	ctx, span := sm.StartSagaSpan(context.Background(), "order", "saga-2")
	sm.AddSpanEvent(ctx, "compensate", attribute.String("step", "reserve"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "compensate", spans[0].Events[0].Name)
}

func TestAddSpanEvent_NoSpan(t *testing.T) {
	assert.NotPanics(t, func() {
		AddSpanEvent(context.Background(), "orphan")
	})
}

func TestEndSpanWithError_NilSpan(t *testing.T) {
	assert.NotPanics(t, func() {
		EndSpanWithError(nil, errors.New("x"))
	})
}

func TestNewSpanManager_Global(t *testing.T) {
	sm := NewSpanManager()
	ctx, span := sm.StartStepSpan(context.Background(), "s", 1)
	require.NotNil(t, ctx)
	assert.NotPanics(t, func() { sm.EndSpanWithError(span, nil) })
}

func TestNoopSpanManager(t *testing.T) {
	var sm SpanManager = NoopSpanManager{}
	ctx := context.Background()

	got, span := sm.StartPublishSpan(ctx, "a", "b")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	got, _ = sm.StartSagaSpan(ctx, "a", "b")
	assert.Equal(t, ctx, got)
	got, _ = sm.StartStepSpan(ctx, "a", 1)
	assert.Equal(t, ctx, got)

	assert.NotPanics(t, func() {
		sm.EndSpanWithError(span, errors.New("x"))
		sm.AddSpanEvent(ctx, "e")
	})
}

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	assert.NotPanics(t, func() {
		m.RecordPublish(context.Background(), "e", 0, nil)
		m.RecordHandlerError(context.Background(), "e")
		m.RecordDeadLetter(context.Background(), "e")
		m.RecordSagaStep(context.Background(), "s", "st", 0, errors.New("x"))
		m.RecordSagaRun(context.Background(), "s", "failed", 0)
	})
}
