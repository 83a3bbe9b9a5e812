package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventflow/pkg/eventflow/audit"
	flowerrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

// Handler processes one event. It receives its own copy of the event.
type Handler func(ctx context.Context, evt *Event) error

// BusConfig configures bus behavior.
type BusConfig struct {
	// MaxAttempts is the number of times a handler is invoked for one event
	// before its failure is reported, including the first call.
	// Default: 3
	MaxAttempts int

	// RetryDelay is the fixed wait between attempts.
	// Default: 1s
	RetryDelay time.Duration

	// HandlerTimeout bounds each handler invocation. Timeouts are not retried.
	// Default: 0 (no timeout)
	HandlerTimeout time.Duration

	// HistoryLimit caps the in-memory history; the oldest events are evicted.
	// Default: 1000
	HistoryLimit int

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
	Audit   audit.Sink
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	MaxAttempts:  3,
	RetryDelay:   time.Second,
	HistoryLimit: 1000,
}

// Delivery describes the handler invocation in progress. The bus attaches it
// to the context passed to handlers.
type Delivery struct {
	SubscriptionID string
	Attempt        int // 1-based
	MaxAttempts    int
}

// Final reports whether a failure of this attempt will not be retried.
func (d Delivery) Final(err error) bool {
	return d.Attempt >= d.MaxAttempts || !flowerrors.IsRetryable(err)
}

type deliveryKey struct{}

// DeliveryFromContext returns the delivery attached by the bus, if any.
func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}

// SubscribeOption configures a single subscription.
type SubscribeOption func(*subscription)

// WithAttempts overrides the bus-wide MaxAttempts for one subscription.
// Values below 1 keep the bus default.
func WithAttempts(n int) SubscribeOption {
	return func(s *subscription) {
		if n > 0 {
			s.attempts = n
		}
	}
}

type subscription struct {
	id        string
	eventType string
	handler   Handler
	attempts  int
	seq       uint64
	active    atomic.Bool
}

// BusStats is a point-in-time view of the bus.
type BusStats struct {
	TotalEvents         int
	ActiveSubscriptions int
	EventTypes          []string
	LastEvent           *Event
}

// LocalBus is an in-memory publish/subscribe bus. Handlers matching a
// published event run concurrently; each is retried independently.
type LocalBus struct {
	config  BusConfig
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	audit   audit.Sink

	mu            sync.RWMutex
	subscriptions map[string]*subscription
	history       []*Event
	knownTypes    map[string]struct{}
	nextSeq       uint64

	// in-flight publishes, cancelled by Cleanup
	inflightMu sync.Mutex
	inflight   map[uint64]context.CancelFunc
	nextToken  uint64

	closed atomic.Bool
}

// NewBus creates a new local event bus.
func NewBus(config BusConfig) *LocalBus {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultBusConfig.MaxAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultBusConfig.RetryDelay
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultBusConfig.HistoryLimit
	}
	b := &LocalBus{
		config:        config,
		logger:        config.Logger,
		metrics:       config.Metrics,
		spans:         config.Spans,
		audit:         config.Audit,
		subscriptions: make(map[string]*subscription),
		knownTypes:    make(map[string]struct{}),
		inflight:      make(map[uint64]context.CancelFunc),
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.metrics == nil {
		b.metrics = observability.NoopMetrics{}
	}
	if b.spans == nil {
		b.spans = observability.NoopSpanManager{}
	}
	if b.audit == nil {
		b.audit = audit.NopSink{}
	}
	return b
}

// Subscribe registers handler for eventType (or Wildcard) and returns the
// subscription id. It returns "" once the bus is closed.
func (b *LocalBus) Subscribe(eventType string, handler Handler, opts ...SubscribeOption) string {
	if b.closed.Load() || handler == nil {
		return ""
	}
	sub := &subscription{
		id:        uuid.NewString(),
		eventType: eventType,
		handler:   handler,
	}
	for _, opt := range opts {
		opt(sub)
	}
	sub.active.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSeq++
	sub.seq = b.nextSeq
	b.subscriptions[sub.id] = sub
	if eventType != Wildcard {
		b.knownTypes[eventType] = struct{}{}
	}
	return sub.id
}

// Unsubscribe removes a subscription and reports whether it existed.
// Invocations already dispatched run to completion.
func (b *LocalBus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscriptions[id]
	if !ok {
		return false
	}
	sub.active.Store(false)
	delete(b.subscriptions, id)
	return true
}

// Publish records evt in the history, stamps its compliance metadata and
// delivers it to every matching handler. It returns the joined errors of
// the handlers that still failed after all attempts.
func (b *LocalBus) Publish(ctx context.Context, evt *Event) error {
	if evt == nil {
		return flowerrors.Invalid(ErrNilEvent, "event", "cannot publish a nil event")
	}
	if b.closed.Load() {
		return ErrBusClosed
	}

	done := observability.TimedOperation()
	ctx, span := b.spans.StartPublishSpan(ctx, evt.Type, evt.ID())

	StampCompliance(evt)
	subs := b.record(evt)

	ctx, cancel := context.WithCancel(ctx)
	token := b.track(cancel)
	defer b.untrack(token)

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *subscription) {
			defer wg.Done()
			errs[i] = b.deliver(ctx, sub, evt)
		}(i, sub)
	}
	wg.Wait()

	err := errors.Join(errs...)
	elapsed := done()

	b.metrics.RecordPublish(ctx, evt.Type, time.Duration(elapsed*float64(time.Millisecond)), err)
	observability.LogPublish(b.logger, evt.ID(), evt.Type, len(subs), elapsed)
	rec := audit.NewRecord(audit.KindPublished, evt.ID(), "publish").
		With("type", evt.Type).
		With("source", evt.Source).
		With("handlers", strconv.Itoa(len(subs))).
		WithError(err)
	rec.Classification = evt.Classification.String()
	b.audit.Record(ctx, rec)
	b.spans.EndSpanWithError(span, err)

	return err
}

// record appends evt to the history and snapshots the matching
// subscriptions in registration order.
func (b *LocalBus) record(evt *Event) []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, evt)
	if over := len(b.history) - b.config.HistoryLimit; over > 0 {
		clear(b.history[:over])
		b.history = b.history[over:]
	}
	b.knownTypes[evt.Type] = struct{}{}

	subs := make([]*subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if !sub.active.Load() {
			continue
		}
		if sub.eventType == evt.Type || sub.eventType == Wildcard {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	return subs
}

// deliver runs one subscription's handler with retries.
func (b *LocalBus) deliver(ctx context.Context, sub *subscription, evt *Event) error {
	attempts := sub.attempts
	if attempts <= 0 {
		attempts = b.config.MaxAttempts
	}
	cfg := flowerrors.RetryConfig{
		MaxAttempts: attempts,
		Backoff: flowerrors.Backoff{
			Strategy: flowerrors.BackoffFixed,
			Base:     b.config.RetryDelay,
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			b.logger.Debug("retrying event handler",
				slog.String("subscription_id", sub.id),
				slog.String("event_id", evt.ID()),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
		},
	}

	attempt := 0
	result := flowerrors.WithRetryContext(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		attempt++
		dctx := context.WithValue(ctx, deliveryKey{}, Delivery{
			SubscriptionID: sub.id,
			Attempt:        attempt,
			MaxAttempts:    attempts,
		})
		return struct{}{}, b.invoke(dctx, sub, evt)
	})
	if result.Err == nil {
		return nil
	}

	herr := &flowerrors.HandlerError{
		SubscriptionID: sub.id,
		EventID:        evt.ID(),
		EventType:      evt.Type,
		Err:            result.Err,
	}
	b.metrics.RecordHandlerError(ctx, evt.Type)
	observability.LogHandlerError(b.logger, sub.id, evt.ID(), result.Attempts, result.Err)
	b.audit.Record(ctx, audit.NewRecord(audit.KindHandlerError, evt.ID(), "handle").
		With("subscription_id", sub.id).
		With("attempts", strconv.Itoa(result.Attempts)).
		WithError(result.Err))
	return herr
}

// invoke calls the handler once on a private copy of evt, bounded by
// HandlerTimeout when configured.
func (b *LocalBus) invoke(ctx context.Context, sub *subscription, evt *Event) error {
	clone := evt.Clone()
	if b.config.HandlerTimeout <= 0 {
		return safeCall(ctx, sub.handler, clone)
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- safeCall(ctx, sub.handler, clone)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &flowerrors.TimeoutError{
				Operation: fmt.Sprintf("handler %s for %s", sub.id, evt.Type),
				Timeout:   b.config.HandlerTimeout,
			}
		}
		return ctx.Err()
	}
}

func safeCall(ctx context.Context, h Handler, evt *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, evt)
}

func (b *LocalBus) track(cancel context.CancelFunc) uint64 {
	b.inflightMu.Lock()
	defer b.inflightMu.Unlock()
	b.nextToken++
	b.inflight[b.nextToken] = cancel
	return b.nextToken
}

func (b *LocalBus) untrack(token uint64) {
	b.inflightMu.Lock()
	cancel, ok := b.inflight[token]
	delete(b.inflight, token)
	b.inflightMu.Unlock()
	if ok {
		cancel()
	}
}

// Stats returns a snapshot of the bus.
func (b *LocalBus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	active := 0
	for _, sub := range b.subscriptions {
		if sub.active.Load() {
			active++
		}
	}
	types := make([]string, 0, len(b.knownTypes))
	for t := range b.knownTypes {
		types = append(types, t)
	}
	slices.Sort(types)

	stats := BusStats{
		TotalEvents:         len(b.history),
		ActiveSubscriptions: active,
		EventTypes:          types,
	}
	if n := len(b.history); n > 0 {
		stats.LastEvent = b.history[n-1].Clone()
	}
	return stats
}

// History returns copies of the recorded events, oldest first.
func (b *LocalBus) History() []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Event, len(b.history))
	for i, evt := range b.history {
		out[i] = evt.Clone()
	}
	return out
}

// ClearHistory drops the recorded events.
func (b *LocalBus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

// Cleanup drops history and subscriptions and cancels every in-flight
// delivery, including pending retry waits. The bus stays usable.
func (b *LocalBus) Cleanup() {
	b.inflightMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(b.inflight))
	for token, cancel := range b.inflight {
		cancels = append(cancels, cancel)
		delete(b.inflight, token)
	}
	b.inflightMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscriptions {
		sub.active.Store(false)
	}
	b.subscriptions = make(map[string]*subscription)
	b.knownTypes = make(map[string]struct{})
	b.history = nil
}

// Close cleans up and rejects further publishes and subscriptions.
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.Cleanup()
	return nil
}
