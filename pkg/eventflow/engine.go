package eventflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"

	"github.com/go-co-op/gocron/v2"

	"github.com/randalmurphal/eventflow/pkg/eventflow/audit"
	"github.com/randalmurphal/eventflow/pkg/eventflow/config"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
	"github.com/randalmurphal/eventflow/pkg/eventflow/saga"
)

// Saga lifecycle event types published on terminal transitions.
const (
	EventSagaCompleted   = "saga.completed"
	EventSagaCompensated = "saga.compensated"
	EventSagaTimeout     = "saga.timeout"
)

// DefaultLifecycleSource is the Source of saga lifecycle events.
const DefaultLifecycleSource = "eventflow.saga"

// Metadata keys set on executions started by TriggerSaga.
const (
	MetaTriggerEventID   = "trigger_event_id"
	MetaTriggerEventType = "trigger_event_type"
)

// Options configures an Engine. Shared collaborators (logger, audit sink,
// metrics, spans) are injected into every component and override whatever
// the component configs carry.
type Options struct {
	Logger  *slog.Logger
	Audit   audit.Sink
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager

	Bus  event.BusConfig
	Saga saga.Config

	// SchedulerOptions are passed to the publisher's scheduler.
	SchedulerOptions []gocron.SchedulerOption

	// LifecycleSource overrides DefaultLifecycleSource.
	LifecycleSource string

	// DisableLifecycleEvents stops saga transitions from being published.
	DisableLifecycleEvents bool
}

// SagaMapper turns a triggering event into the initial saga data.
type SagaMapper func(evt *event.Event) (map[string]any, error)

// Stats aggregates the statistics of every component.
type Stats struct {
	Bus         event.BusStats
	Publisher   event.PublisherStats
	Sagas       saga.Stats
	DeadLetters int
}

// Engine wires a bus, its subscriber and publisher layers, and a saga
// orchestrator around one set of collaborators. Each Engine is independent;
// there is no package-level default instance.
type Engine struct {
	bus        *event.LocalBus
	subscriber *event.Subscriber
	publisher  *event.Publisher
	sagas      *saga.Orchestrator

	logger     *slog.Logger
	audit      audit.Sink
	metrics    observability.MetricsRecorder
	prometheus *observability.PrometheusRecorder
	source     string
	lifecycle  bool

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// New builds an engine from opts.
func New(opts Options) (*Engine, error) {
	e := &Engine{
		logger:    opts.Logger,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		source:    opts.LifecycleSource,
		lifecycle: !opts.DisableLifecycleEvents,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.audit == nil {
		e.audit = audit.NopSink{}
	}
	if e.metrics == nil {
		e.metrics = observability.NoopMetrics{}
	}
	spans := opts.Spans
	if spans == nil {
		spans = observability.NoopSpanManager{}
	}
	if e.source == "" {
		e.source = DefaultLifecycleSource
	}

	busCfg := opts.Bus
	busCfg.Logger = e.logger
	busCfg.Audit = e.audit
	busCfg.Metrics = e.metrics
	busCfg.Spans = spans
	e.bus = event.NewBus(busCfg)

	e.subscriber = event.NewSubscriber(e.bus, event.SubscriberConfig{
		Logger:  e.logger,
		Metrics: e.metrics,
		Audit:   e.audit,
	})

	pub, err := event.NewPublisher(e.bus, event.PublisherConfig{
		Logger:           e.logger,
		Audit:            e.audit,
		SchedulerOptions: opts.SchedulerOptions,
	})
	if err != nil {
		_ = e.bus.Close()
		return nil, fmt.Errorf("create publisher: %w", err)
	}
	e.publisher = pub

	sagaCfg := opts.Saga
	sagaCfg.Logger = e.logger
	sagaCfg.Audit = e.audit
	sagaCfg.Metrics = e.metrics
	sagaCfg.Spans = spans
	hook := sagaCfg.OnTransition
	sagaCfg.OnTransition = func(exec *saga.Execution) {
		e.publishTransition(exec)
		if hook != nil {
			hook(exec)
		}
	}
	e.sagas = saga.NewOrchestrator(sagaCfg)
	return e, nil
}

// NewFromSettings builds an engine from typed settings, creating the audit
// sink and metrics recorder they select. A nil logger writes text to stderr
// at the configured level.
func NewFromSettings(s config.Settings, logger *slog.Logger) (*Engine, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: s.Level()}))
	}

	var closers []func() error
	var sink audit.Sink
	switch s.Audit.Backend {
	case config.AuditNone:
		sink = audit.NopSink{}
	case config.AuditMemory:
		sink = audit.NewMemorySink()
	case config.AuditSQLite:
		sq, err := audit.NewSQLiteSink(s.Audit.Path, audit.WithSinkLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		sink = sq
		closers = append(closers, sq.Close)
	default:
		sink = audit.NewLogSink(logger)
	}

	var metrics observability.MetricsRecorder
	var prom *observability.PrometheusRecorder
	switch s.Metrics.Backend {
	case config.MetricsOTel:
		metrics = observability.NewMetricsRecorder()
	case config.MetricsPrometheus:
		prom = observability.NewPrometheusRecorder(nil)
		metrics = prom
	default:
		metrics = observability.NoopMetrics{}
	}

	e, err := New(Options{
		Logger:  logger,
		Audit:   sink,
		Metrics: metrics,
		Spans:   observability.NewSpanManager(),
		Bus: event.BusConfig{
			MaxAttempts:    s.Bus.MaxAttempts,
			RetryDelay:     s.Bus.RetryDelay,
			HandlerTimeout: s.Bus.HandlerTimeout,
			HistoryLimit:   s.Bus.HistoryLimit,
		},
		Saga: saga.Config{
			MaxConcurrentSagas: s.Saga.MaxConcurrent,
			DefaultTimeout:     s.Saga.DefaultTimeout,
			CompletedLimit:     s.Saga.CompletedLimit,
		},
	})
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}
	e.prometheus = prom
	e.closers = closers
	return e, nil
}

// Bus returns the event bus.
func (e *Engine) Bus() *event.LocalBus { return e.bus }

// Subscriber returns the subscriber layer.
func (e *Engine) Subscriber() *event.Subscriber { return e.subscriber }

// Publisher returns the publisher layer.
func (e *Engine) Publisher() *event.Publisher { return e.publisher }

// Sagas returns the saga orchestrator.
func (e *Engine) Sagas() *saga.Orchestrator { return e.sagas }

// Audit returns the audit sink shared by every component.
func (e *Engine) Audit() audit.Sink { return e.audit }

// Prometheus returns the Prometheus recorder when the engine was built
// with the prometheus metrics backend, nil otherwise.
func (e *Engine) Prometheus() *observability.PrometheusRecorder { return e.prometheus }

// TriggerSaga starts sagaName every time an event of eventType reaches the
// subscription. A nil mapper uses a copy of a Record payload as the saga
// data. Started executions inherit the event's classification and carry the
// triggering event id and type as metadata. It returns the subscription id.
func (e *Engine) TriggerSaga(eventType, sagaName string, mapper SagaMapper, opts event.SubscriptionOptions) (string, error) {
	if _, ok := e.sagas.Definition(sagaName); !ok {
		return "", fmt.Errorf("trigger on %s: %w", eventType, saga.ErrSagaNotFound)
	}
	if mapper == nil {
		mapper = recordData
	}

	handler := func(ctx context.Context, evt *event.Event) error {
		data, err := mapper(evt)
		if err != nil {
			return fmt.Errorf("map %s to saga %s: %w", evt, sagaName, err)
		}
		id, err := e.sagas.Start(ctx, sagaName, data,
			saga.WithClassification(evt.Classification),
			saga.WithMetadata(map[string]string{
				MetaTriggerEventID:   evt.ID(),
				MetaTriggerEventType: evt.Type,
			}),
		)
		if err != nil {
			return err
		}
		e.logger.Debug("saga triggered by event",
			slog.String("saga", sagaName),
			slog.String("saga_id", id),
			slog.String("event_id", evt.ID()),
		)
		return nil
	}

	id := e.subscriber.Subscribe(eventType, handler, opts)
	if id == "" {
		return "", event.ErrBusClosed
	}
	return id, nil
}

func recordData(evt *event.Event) (map[string]any, error) {
	if rec, ok := evt.Payload.(event.Record); ok {
		return maps.Clone(map[string]any(rec)), nil
	}
	return map[string]any{}, nil
}

// LifecycleEventType maps a terminal saga status to its event type.
func LifecycleEventType(status saga.Status) string {
	return "saga." + string(status)
}

func (e *Engine) publishTransition(exec *saga.Execution) {
	if !e.lifecycle {
		return
	}
	payload := event.SagaPayload{
		SagaID:           exec.SagaID,
		Name:             exec.Name,
		Status:           string(exec.Status),
		CompletedSteps:   exec.CompletedSteps,
		CompensatedSteps: exec.CompensatedSteps,
	}
	if exec.Error != nil {
		payload.Error = exec.Error.Error()
	}
	var opts []event.Option
	if exec.Context != nil {
		opts = append(opts, event.WithClassification(exec.Context.Classification))
	}
	evt := event.New(LifecycleEventType(exec.Status), e.source, payload, opts...)

	err := e.bus.Publish(context.Background(), evt)
	if err != nil && !errors.Is(err, event.ErrBusClosed) {
		e.logger.Warn("saga lifecycle event handlers failed",
			slog.String("saga_id", exec.SagaID),
			slog.String("event_type", evt.Type),
			slog.String("error", err.Error()),
		)
	}
}

// Stats returns the statistics of every component.
func (e *Engine) Stats() Stats {
	return Stats{
		Bus:         e.bus.Stats(),
		Publisher:   e.publisher.Stats(),
		Sagas:       e.sagas.Stats(),
		DeadLetters: e.subscriber.DeadLetterQueue().Len(),
	}
}

// Close stops every component: running sagas are compensated (bounded by
// ctx), scheduled publishes and batches are dropped, subscriptions removed,
// and owned sinks closed. It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		var errs []error
		if err := e.sagas.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := e.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
		e.subscriber.Cleanup()
		if err := e.bus.Close(); err != nil {
			errs = append(errs, err)
		}
		for _, c := range e.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}
