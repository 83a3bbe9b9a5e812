package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope used for eventflow metrics.
const MeterName = "eventflow"

// MetricsRecorder records eventflow metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusRecorder for a
// Prometheus registry, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records a delivered event with its fan-out duration.
	// err is the aggregated handler error, if any.
	RecordPublish(ctx context.Context, eventType string, duration time.Duration, err error)

	// RecordHandlerError records a handler that failed after all attempts.
	RecordHandlerError(ctx context.Context, eventType string)

	// RecordDeadLetter records an event moved to a dead-letter queue.
	RecordDeadLetter(ctx context.Context, eventType string)

	// RecordSagaStep records one step execution attempt.
	RecordSagaStep(ctx context.Context, sagaName, step string, duration time.Duration, err error)

	// RecordSagaRun records a saga reaching a terminal status.
	RecordSagaRun(ctx context.Context, sagaName, status string, duration time.Duration)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	published      metric.Int64Counter
	publishLatency metric.Float64Histogram
	handlerErrors  metric.Int64Counter
	deadLettered   metric.Int64Counter
	stepLatency    metric.Float64Histogram
	stepErrors     metric.Int64Counter
	sagaRuns       metric.Int64Counter
	sagaLatency    metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter(MeterName))
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	published, err := meter.Int64Counter("eventflow.events.published",
		metric.WithDescription("Number of events delivered by the bus"),
	)
	if err != nil {
		return nil, err
	}

	publishLatency, err := meter.Float64Histogram("eventflow.events.publish_latency_ms",
		metric.WithDescription("Fan-out latency of a publish in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("eventflow.handler.errors",
		metric.WithDescription("Number of handlers that failed after all attempts"),
	)
	if err != nil {
		return nil, err
	}

	deadLettered, err := meter.Int64Counter("eventflow.events.dead_lettered",
		metric.WithDescription("Number of events moved to a dead-letter queue"),
	)
	if err != nil {
		return nil, err
	}

	stepLatency, err := meter.Float64Histogram("eventflow.saga.step.latency_ms",
		metric.WithDescription("Saga step attempt latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	stepErrors, err := meter.Int64Counter("eventflow.saga.step.errors",
		metric.WithDescription("Number of failed saga step attempts"),
	)
	if err != nil {
		return nil, err
	}

	sagaRuns, err := meter.Int64Counter("eventflow.saga.runs",
		metric.WithDescription("Number of saga executions by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	sagaLatency, err := meter.Float64Histogram("eventflow.saga.latency_ms",
		metric.WithDescription("Saga execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		published:      published,
		publishLatency: publishLatency,
		handlerErrors:  handlerErrors,
		deadLettered:   deadLettered,
		stepLatency:    stepLatency,
		stepErrors:     stepErrors,
		sagaRuns:       sagaRuns,
		sagaLatency:    sagaLatency,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewOtelMetrics returns a MetricsRecorder bound to a specific meter provider
// instead of the global one.
func NewOtelMetrics(provider metric.MeterProvider) (MetricsRecorder, error) {
	m, err := newOtelMetrics(provider.Meter(MeterName))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordPublish records a delivered event.
func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("success", err == nil),
	)
	m.published.Add(ctx, 1, attrs)
	m.publishLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

// RecordHandlerError records an exhausted handler.
func (m *otelMetrics) RecordHandlerError(ctx context.Context, eventType string) {
	m.handlerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordDeadLetter records a dead-lettered event.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, eventType string) {
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordSagaStep records a step attempt.
func (m *otelMetrics) RecordSagaStep(ctx context.Context, sagaName, step string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("saga", sagaName),
		attribute.String("step", step),
	}
	m.stepLatency.Record(ctx, float64(duration.Microseconds())/1000, metric.WithAttributes(attrs...))
	if err != nil {
		m.stepErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordSagaRun records a saga outcome.
func (m *otelMetrics) RecordSagaRun(ctx context.Context, sagaName, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("saga", sagaName),
		attribute.String("status", status),
	)
	m.sagaRuns.Add(ctx, 1, attrs)
	m.sagaLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}
