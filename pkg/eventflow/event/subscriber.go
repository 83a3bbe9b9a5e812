package event

import (
	"context"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/audit"
	flowerrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
	"github.com/randalmurphal/eventflow/pkg/eventflow/registry"
)

// ComplianceLevel selects the checks a subscription applies before its
// middleware runs.
type ComplianceLevel string

// Compliance levels.
const (
	ComplianceBasic  ComplianceLevel = "basic"
	ComplianceStrict ComplianceLevel = "strict"
)

// Verdict tells the pipeline whether to keep going after a middleware.
type Verdict int

const (
	// Continue runs the next middleware, or the handler after the last one.
	Continue Verdict = iota
	// Halt skips the remaining middleware and the handler. The event still
	// counts as processed.
	Halt
)

// Middleware runs before the handler, in order. It may modify the event
// copy it receives.
type Middleware func(ctx context.Context, evt *Event) (Verdict, error)

// Filter selects events by conjunction of its non-empty fields.
type Filter struct {
	Types           []string
	Sources         []string
	Classifications []Classification
	After           time.Time // inclusive
	Before          time.Time // exclusive
	Match           func(*Event) bool
}

// Allows reports whether evt passes every configured predicate.
func (f Filter) Allows(evt *Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, evt.Type) {
		return false
	}
	if len(f.Sources) > 0 && !slices.Contains(f.Sources, evt.Source) {
		return false
	}
	if len(f.Classifications) > 0 && !slices.Contains(f.Classifications, evt.Classification) {
		return false
	}
	ts := evt.Timestamp()
	if !f.After.IsZero() && ts.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && !ts.Before(f.Before) {
		return false
	}
	if f.Match != nil && !f.Match(evt) {
		return false
	}
	return true
}

// SubscriptionOptions configures a managed subscription.
type SubscriptionOptions struct {
	Filter     Filter
	Middleware []Middleware

	// Priority only orders Subscriptions listings; delivery is concurrent.
	Priority int

	// MaxAttempts is the number of handler invocations per event, counted
	// like BusConfig.MaxAttempts. Zero keeps the bus default.
	MaxAttempts int

	// DeadLetterQueue keeps a copy of events that ultimately fail.
	DeadLetterQueue bool

	// ComplianceLevel defaults to ComplianceBasic.
	ComplianceLevel ComplianceLevel
}

// SubscriptionStats reports a managed subscription's counters.
type SubscriptionStats struct {
	ID              string
	EventType       string
	Pattern         string
	Priority        int
	EventsProcessed int64
	Errors          int64
	LastProcessed   time.Time
}

type managed struct {
	id        string
	eventType string
	pattern   *regexp.Regexp
	handler   Handler
	opts      SubscriptionOptions
	seq       uint64

	processed atomic.Int64
	errors    atomic.Int64
	mu        sync.Mutex
	last      time.Time
}

func (m *managed) stats() SubscriptionStats {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()
	s := SubscriptionStats{
		ID:              m.id,
		EventType:       m.eventType,
		Priority:        m.opts.Priority,
		EventsProcessed: m.processed.Load(),
		Errors:          m.errors.Load(),
		LastProcessed:   last,
	}
	if m.pattern != nil {
		s.Pattern = m.pattern.String()
	}
	return s
}

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Audit   audit.Sink
}

// Subscriber layers filtering, compliance checks, middleware and a
// dead-letter queue over bus subscriptions.
type Subscriber struct {
	bus     *LocalBus
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	audit   audit.Sink

	subs    *registry.Registry[string, *managed]
	dlq     *DeadLetterQueue
	nextSeq atomic.Uint64
}

// NewSubscriber creates a subscriber layer on top of bus.
func NewSubscriber(bus *LocalBus, cfg SubscriberConfig) *Subscriber {
	s := &Subscriber{
		bus:     bus,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		audit:   cfg.Audit,
		subs:    registry.New[string, *managed](),
		dlq:     NewDeadLetterQueue(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observability.NoopMetrics{}
	}
	if s.audit == nil {
		s.audit = audit.NopSink{}
	}
	return s
}

// Subscribe registers handler for eventType through the pipeline and
// returns the subscription id.
func (s *Subscriber) Subscribe(eventType string, handler Handler, opts SubscriptionOptions) string {
	return s.add(&managed{eventType: eventType, handler: handler, opts: opts})
}

// SubscribeToMultiple creates one subscription per type and returns all ids
// in the same order.
func (s *Subscriber) SubscribeToMultiple(types []string, handler Handler, opts SubscriptionOptions) []string {
	ids := make([]string, 0, len(types))
	for _, t := range types {
		ids = append(ids, s.Subscribe(t, handler, opts))
	}
	return ids
}

// SubscribeWithPattern subscribes to every event whose type matches the
// regular expression pattern.
func (s *Subscriber) SubscribeWithPattern(pattern string, handler Handler, opts SubscriptionOptions) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", &flowerrors.ValidationError{Field: "pattern", Message: err.Error(), Err: ErrInvalidPattern}
	}
	return s.add(&managed{eventType: Wildcard, pattern: re, handler: handler, opts: opts}), nil
}

func (s *Subscriber) add(m *managed) string {
	if m.opts.ComplianceLevel == "" {
		m.opts.ComplianceLevel = ComplianceBasic
	}
	m.seq = s.nextSeq.Add(1)
	id := s.bus.Subscribe(m.eventType, s.dispatch(m), WithAttempts(m.opts.MaxAttempts))
	if id == "" {
		return ""
	}
	m.id = id
	s.subs.Register(id, m)
	return id
}

// Unsubscribe removes a managed subscription and reports whether it existed.
func (s *Subscriber) Unsubscribe(id string) bool {
	if !s.subs.Delete(id) {
		return false
	}
	s.bus.Unsubscribe(id)
	return true
}

// Stats returns the counters of one subscription.
func (s *Subscriber) Stats(id string) (SubscriptionStats, bool) {
	m, ok := s.subs.Get(id)
	if !ok {
		return SubscriptionStats{}, false
	}
	return m.stats(), true
}

// Subscriptions lists managed subscriptions, highest priority first, then
// in creation order.
func (s *Subscriber) Subscriptions() []SubscriptionStats {
	all := s.subs.Values()
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].opts.Priority != all[j].opts.Priority {
			return all[i].opts.Priority > all[j].opts.Priority
		}
		return all[i].seq < all[j].seq
	})
	out := make([]SubscriptionStats, len(all))
	for i, m := range all {
		out[i] = m.stats()
	}
	return out
}

// DeadLetters returns the queued dead letters, oldest first.
func (s *Subscriber) DeadLetters() []DeadLetter {
	return s.dlq.Entries()
}

// DeadLetterQueue exposes the underlying queue.
func (s *Subscriber) DeadLetterQueue() *DeadLetterQueue {
	return s.dlq
}

type replayKey struct{}

func isReplay(ctx context.Context) bool {
	v, _ := ctx.Value(replayKey{}).(bool)
	return v
}

// ProcessDeadLetterQueue re-publishes every queued event. Events that fail
// again are re-queued once with an incremented attempt count. It returns
// the number of events that replayed successfully.
func (s *Subscriber) ProcessDeadLetterQueue(ctx context.Context) (int, error) {
	entries := s.dlq.Drain()
	if len(entries) == 0 {
		return 0, nil
	}

	rctx := context.WithValue(ctx, replayKey{}, true)
	recovered := 0
	var lastErr error
	for _, dl := range entries {
		if err := ctx.Err(); err != nil {
			// put back what we did not get to
			s.dlq.Enqueue(dl)
			lastErr = err
			continue
		}
		if err := s.bus.Publish(rctx, dl.Event.Clone()); err != nil {
			dl.Attempts++
			dl.Reason = err.Error()
			dl.FailedAt = time.Now()
			s.dlq.Enqueue(dl)
			lastErr = err
			continue
		}
		recovered++
	}
	s.dlq.markRecovered(recovered)
	s.logger.Info("dead-letter queue processed",
		slog.Int("replayed", len(entries)),
		slog.Int("recovered", recovered),
		slog.Int("requeued", len(entries)-recovered),
	)
	return recovered, lastErr
}

// dispatch builds the bus handler running the pipeline for m.
func (s *Subscriber) dispatch(m *managed) Handler {
	return func(ctx context.Context, evt *Event) error {
		if m.pattern != nil && !m.pattern.MatchString(evt.Type) {
			return nil
		}
		if !m.opts.Filter.Allows(evt) {
			return nil
		}

		err := s.process(ctx, m, evt)
		if err == nil {
			m.processed.Add(1)
			m.mu.Lock()
			m.last = time.Now()
			m.mu.Unlock()
			return nil
		}

		m.errors.Add(1)
		if d, ok := DeliveryFromContext(ctx); ok && !d.Final(err) {
			return err
		}
		if m.opts.DeadLetterQueue && !isReplay(ctx) {
			s.deadLetter(ctx, m, evt, err)
		}
		return err
	}
}

func (s *Subscriber) process(ctx context.Context, m *managed, evt *Event) error {
	if m.opts.ComplianceLevel == ComplianceStrict {
		if err := s.checkCompliance(m, evt); err != nil {
			return err
		}
	}
	for _, mw := range m.opts.Middleware {
		verdict, err := mw(ctx, evt)
		if err != nil {
			return err
		}
		if verdict == Halt {
			return nil
		}
	}
	return m.handler(ctx, evt)
}

func (s *Subscriber) checkCompliance(m *managed, evt *Event) error {
	c := evt.Metadata.Compliance
	if c.Classification.AtLeast(Confidential) {
		s.logger.Warn("classified event delivered to strict subscription",
			slog.String("subscription_id", m.id),
			slog.String("event_id", evt.ID()),
			slog.String("classification", c.Classification.String()),
		)
	}
	if c.ContainsPersonalData && c.LawfulBasis == "" {
		return &ComplianceError{
			EventID:        evt.ID(),
			SubscriptionID: m.id,
			Reason:         "personal data without a lawful basis",
		}
	}
	return nil
}

func (s *Subscriber) deadLetter(ctx context.Context, m *managed, evt *Event, err error) {
	s.dlq.Enqueue(DeadLetter{
		Event:          evt.Clone(),
		Reason:         err.Error(),
		FailedAt:       time.Now(),
		SubscriptionID: m.id,
	})
	s.metrics.RecordDeadLetter(ctx, evt.Type)
	observability.LogDeadLetter(s.logger, m.id, evt.ID(), err.Error())
	s.audit.Record(ctx, audit.NewRecord(audit.KindDeadLetter, evt.ID(), "dead_letter").
		With("subscription_id", m.id).
		With("type", evt.Type).
		With("queued", strconv.Itoa(s.dlq.Len())).
		WithError(err))
}

// Cleanup removes every managed subscription from the bus and empties the
// dead-letter queue.
func (s *Subscriber) Cleanup() {
	for _, m := range s.subs.Clear() {
		s.bus.Unsubscribe(m.id)
	}
	s.dlq.Clear()
}
