package observability

import (
	"context"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements MetricsRecorder using Prometheus collectors
// registered on a caller-supplied registry.
type PrometheusRecorder struct {
	reg            *prom.Registry
	published      *prom.CounterVec
	publishLatency *prom.HistogramVec
	handlerErrors  *prom.CounterVec
	deadLettered   *prom.CounterVec
	stepLatency    *prom.HistogramVec
	stepErrors     *prom.CounterVec
	sagaRuns       *prom.CounterVec
	sagaLatency    *prom.HistogramVec
}

var _ MetricsRecorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder constructs and registers the eventflow collectors.
// A nil registry gets a fresh one.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		reg: reg,
		published: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "eventflow",
			Name:      "events_published_total",
			Help:      "Events delivered by the bus",
		}, []string{"event_type", "result"}),
		publishLatency: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "eventflow",
			Name:      "publish_duration_seconds",
			Help:      "Fan-out duration of a publish",
			Buckets:   prom.DefBuckets,
		}, []string{"event_type"}),
		handlerErrors: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "eventflow",
			Name:      "handler_errors_total",
			Help:      "Handlers that failed after all attempts",
		}, []string{"event_type"}),
		deadLettered: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "eventflow",
			Name:      "events_dead_lettered_total",
			Help:      "Events moved to a dead-letter queue",
		}, []string{"event_type"}),
		stepLatency: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "eventflow",
			Name:      "saga_step_duration_seconds",
			Help:      "Duration of saga step attempts",
			Buckets:   prom.DefBuckets,
		}, []string{"saga", "step"}),
		stepErrors: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "eventflow",
			Name:      "saga_step_errors_total",
			Help:      "Failed saga step attempts",
		}, []string{"saga", "step"}),
		sagaRuns: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "eventflow",
			Name:      "saga_runs_total",
			Help:      "Saga executions by terminal status",
		}, []string{"saga", "status"}),
		sagaLatency: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "eventflow",
			Name:      "saga_duration_seconds",
			Help:      "Saga execution duration",
			Buckets:   prom.DefBuckets,
		}, []string{"saga"}),
	}
	reg.MustRegister(pr.published, pr.publishLatency, pr.handlerErrors, pr.deadLettered,
		pr.stepLatency, pr.stepErrors, pr.sagaRuns, pr.sagaLatency)
	return pr
}

// Registry returns the registry the collectors are registered on.
func (p *PrometheusRecorder) Registry() *prom.Registry {
	return p.reg
}

// Handler returns an http.Handler serving the recorder's registry.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordPublish records a delivered event.
func (p *PrometheusRecorder) RecordPublish(_ context.Context, eventType string, d time.Duration, err error) {
	if p == nil {
		return
	}
	p.published.WithLabelValues(eventType, resultLabel(err)).Inc()
	p.publishLatency.WithLabelValues(eventType).Observe(d.Seconds())
}

// RecordHandlerError records an exhausted handler.
func (p *PrometheusRecorder) RecordHandlerError(_ context.Context, eventType string) {
	if p == nil {
		return
	}
	p.handlerErrors.WithLabelValues(eventType).Inc()
}

// RecordDeadLetter records a dead-lettered event.
func (p *PrometheusRecorder) RecordDeadLetter(_ context.Context, eventType string) {
	if p == nil {
		return
	}
	p.deadLettered.WithLabelValues(eventType).Inc()
}

// RecordSagaStep records a step attempt.
func (p *PrometheusRecorder) RecordSagaStep(_ context.Context, sagaName, step string, d time.Duration, err error) {
	if p == nil {
		return
	}
	p.stepLatency.WithLabelValues(sagaName, step).Observe(d.Seconds())
	if err != nil {
		p.stepErrors.WithLabelValues(sagaName, step).Inc()
	}
}

// RecordSagaRun records a saga outcome.
func (p *PrometheusRecorder) RecordSagaRun(_ context.Context, sagaName, status string, d time.Duration) {
	if p == nil {
		return
	}
	p.sagaRuns.WithLabelValues(sagaName, status).Inc()
	p.sagaLatency.WithLabelValues(sagaName).Observe(d.Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}

// MultiRecorder fans every observation out to each recorder in order.
type MultiRecorder []MetricsRecorder

var _ MetricsRecorder = MultiRecorder(nil)

func (m MultiRecorder) RecordPublish(ctx context.Context, eventType string, d time.Duration, err error) {
	for _, r := range m {
		r.RecordPublish(ctx, eventType, d, err)
	}
}

func (m MultiRecorder) RecordHandlerError(ctx context.Context, eventType string) {
	for _, r := range m {
		r.RecordHandlerError(ctx, eventType)
	}
}

func (m MultiRecorder) RecordDeadLetter(ctx context.Context, eventType string) {
	for _, r := range m {
		r.RecordDeadLetter(ctx, eventType)
	}
}

func (m MultiRecorder) RecordSagaStep(ctx context.Context, sagaName, step string, d time.Duration, err error) {
	for _, r := range m {
		r.RecordSagaStep(ctx, sagaName, step, d, err)
	}
}

func (m MultiRecorder) RecordSagaRun(ctx context.Context, sagaName, status string, d time.Duration) {
	for _, r := range m {
		r.RecordSagaRun(ctx, sagaName, status, d)
	}
}
