package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/randalmurphal/eventflow/pkg/eventflow/audit"
	flowerrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
)

const (
	tagScheduled = "scheduled"
	tagBatch     = "batch"
)

// PublishOption configures a single publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	delay          time.Duration
	batchID        string
	skipCompliance bool
	priority       *int
}

// WithDelay defers the publish by d. Non-positive delays publish at once.
func WithDelay(d time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.delay = d
	}
}

// InBatch buffers the event in an open batch instead of publishing it.
func InBatch(batchID string) PublishOption {
	return func(o *publishOptions) {
		o.batchID = batchID
	}
}

// WithoutComplianceCheck skips pre-publish compliance validation.
func WithoutComplianceCheck() PublishOption {
	return func(o *publishOptions) {
		o.skipCompliance = true
	}
}

// WithPriority stamps Metadata.Priority. Priority is advisory: it does not
// change delivery order.
func WithPriority(p int) PublishOption {
	return func(o *publishOptions) {
		o.priority = &p
	}
}

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	Logger *slog.Logger
	Audit  audit.Sink

	// SchedulerOptions are passed to the underlying gocron scheduler.
	SchedulerOptions []gocron.SchedulerOption
}

// PublisherStats is a point-in-time view of the publisher.
type PublisherStats struct {
	QueuedEvents    int
	ScheduledEvents int
	ActiveBatches   int
	BatchSizes      map[string]int
	Failures        int64
}

type batch struct {
	events   []*Event
	job      uuid.UUID
	hasJob   bool
	interval time.Duration
}

type scheduledEvent struct {
	event *Event
	job   uuid.UUID
	at    time.Time
}

// Publisher adds delayed and scheduled delivery, batching, and compliance
// validation on top of a bus. Timed work runs on a gocron scheduler.
type Publisher struct {
	bus       *LocalBus
	logger    *slog.Logger
	audit     audit.Sink
	scheduler gocron.Scheduler

	mu        sync.Mutex
	batches   map[string]*batch
	scheduled map[string]*scheduledEvent // keyed by internal token
	baseCtx   context.Context
	cancel    context.CancelFunc

	failures atomic.Int64
}

// NewPublisher creates a publisher and starts its scheduler.
func NewPublisher(bus *LocalBus, cfg PublisherConfig) (*Publisher, error) {
	s, err := gocron.NewScheduler(cfg.SchedulerOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	p := &Publisher{
		bus:       bus,
		logger:    cfg.Logger,
		audit:     cfg.Audit,
		scheduler: s,
		batches:   make(map[string]*batch),
		scheduled: make(map[string]*scheduledEvent),
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.audit == nil {
		p.audit = audit.NopSink{}
	}
	p.baseCtx, p.cancel = context.WithCancel(context.Background())
	s.Start()
	return p, nil
}

// Publish validates evt and publishes it now, later, or into a batch
// depending on opts.
func (p *Publisher) Publish(ctx context.Context, evt *Event, opts ...PublishOption) error {
	o := applyPublishOptions(opts)
	if err := p.prepare(ctx, evt, o); err != nil {
		return err
	}
	return p.route(ctx, evt, o)
}

func applyPublishOptions(opts []PublishOption) publishOptions {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// prepare runs compliance validation and stamps the priority.
func (p *Publisher) prepare(ctx context.Context, evt *Event, o publishOptions) error {
	if evt == nil {
		return flowerrors.Invalid(ErrNilEvent, "event", "cannot publish a nil event")
	}
	if !o.skipCompliance {
		if err := p.validateCompliance(evt); err != nil {
			p.audit.Record(ctx, audit.NewRecord(audit.KindRejected, evt.ID(), "validate").
				With("type", evt.Type).
				WithError(err))
			return err
		}
	}
	if o.priority != nil {
		evt.Metadata.Priority = *o.priority
	}
	return nil
}

// validateCompliance rejects unknown classifications, normalises an unset
// one to Restricted, and forces auditing of Confidential and Secret events.
func (p *Publisher) validateCompliance(evt *Event) error {
	if evt.Classification == Unclassified {
		evt.Classification = Restricted
	}
	if !evt.Classification.Valid() {
		return flowerrors.Invalid(ErrInvalidClassification, "classification",
			"event %s has unknown classification %d", evt.ID(), int(evt.Classification))
	}
	if evt.Classification.AtLeast(Confidential) {
		evt.Metadata.Compliance.AuditRequired = true
	}
	personal := evt.Metadata.Compliance.ContainsPersonalData || ContainsPersonalData(evt.Payload)
	if personal && evt.Metadata.Compliance.LawfulBasis == "" {
		p.logger.Warn("event appears to contain personal data without a lawful basis",
			slog.String("event_id", evt.ID()),
			slog.String("event_type", evt.Type),
		)
	}
	return nil
}

func (p *Publisher) route(ctx context.Context, evt *Event, o publishOptions) error {
	switch {
	case o.batchID != "":
		return p.addToBatch(o.batchID, evt)
	case o.delay > 0:
		return p.schedule(ctx, evt, time.Now().Add(o.delay))
	default:
		return p.bus.Publish(ctx, evt)
	}
}

func (p *Publisher) addToBatch(id string, evt *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.batches[id]
	if !ok {
		return flowerrors.Invalid(ErrUnknownBatch, "batch", "batch %q is not open", id)
	}
	b.events = append(b.events, evt)
	return nil
}

// ScheduleEvent publishes evt at publishAt and returns the event id as a
// handle. Times that are not in the future publish immediately.
func (p *Publisher) ScheduleEvent(ctx context.Context, evt *Event, publishAt time.Time) (string, error) {
	if err := p.prepare(ctx, evt, publishOptions{}); err != nil {
		return "", err
	}
	if !publishAt.After(time.Now()) {
		return evt.ID(), p.bus.Publish(ctx, evt)
	}
	return evt.ID(), p.schedule(ctx, evt, publishAt)
}

// schedule registers a one-shot job publishing evt at the given time.
func (p *Publisher) schedule(ctx context.Context, evt *Event, at time.Time) error {
	token := uuid.NewString()
	entry := &scheduledEvent{event: evt, at: at}

	// Register before creating the job so a job firing early finds its entry.
	p.mu.Lock()
	p.scheduled[token] = entry
	p.mu.Unlock()

	job, err := p.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)),
		gocron.NewTask(p.fireScheduled, token),
		gocron.WithName("publish:"+evt.ID()),
		gocron.WithTags(tagScheduled),
	)

	p.mu.Lock()
	if err != nil {
		delete(p.scheduled, token)
	} else if e, ok := p.scheduled[token]; ok {
		e.job = job.ID()
	}
	p.mu.Unlock()

	if errors.Is(err, gocron.ErrOneTimeJobStartDateTimePast) {
		return p.bus.Publish(ctx, evt)
	}
	if err != nil {
		return fmt.Errorf("schedule event %s: %w", evt.ID(), err)
	}

	p.audit.Record(ctx, audit.NewRecord(audit.KindScheduled, evt.ID(), "schedule").
		With("type", evt.Type).
		With("publish_at", at.UTC().Format(time.RFC3339Nano)))
	return nil
}

func (p *Publisher) fireScheduled(token string) {
	p.mu.Lock()
	entry, ok := p.scheduled[token]
	delete(p.scheduled, token)
	ctx := p.baseCtx
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := p.bus.Publish(ctx, entry.event); err != nil {
		p.reportFailure(ctx, "scheduled publish failed", entry.event.ID(), err)
	}
}

func (p *Publisher) reportFailure(ctx context.Context, msg, subject string, err error) {
	p.failures.Add(1)
	p.logger.Error(msg,
		slog.String("subject", subject),
		slog.String("error", err.Error()),
	)
	p.audit.Record(ctx, audit.NewRecord(audit.KindScheduled, subject, "publish_failed").WithError(err))
}

// StartBatch opens a named buffer. A positive flushInterval flushes it
// periodically until StopBatch.
func (p *Publisher) StartBatch(id string, flushInterval time.Duration) error {
	p.mu.Lock()
	if _, ok := p.batches[id]; ok {
		p.mu.Unlock()
		return flowerrors.Invalid(ErrBatchExists, "batch", "batch %q is already open", id)
	}
	b := &batch{interval: flushInterval}
	p.batches[id] = b
	p.mu.Unlock()

	if flushInterval <= 0 {
		return nil
	}
	job, err := p.scheduler.NewJob(
		gocron.DurationJob(flushInterval),
		gocron.NewTask(p.autoFlush, id),
		gocron.WithName("batch:"+id),
		gocron.WithTags(tagBatch),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		if p.batches[id] == b {
			delete(p.batches, id)
		}
		return fmt.Errorf("start batch %s: %w", id, err)
	}
	if p.batches[id] != b {
		// stopped or cleaned up meanwhile
		go p.removeJob(job.ID())
		return nil
	}
	b.job, b.hasJob = job.ID(), true
	return nil
}

// FlushBatch publishes every buffered event of the batch concurrently and
// empties the buffer.
func (p *Publisher) FlushBatch(ctx context.Context, id string) error {
	p.mu.Lock()
	b, ok := p.batches[id]
	if !ok {
		p.mu.Unlock()
		return flowerrors.Invalid(ErrUnknownBatch, "batch", "batch %q is not open", id)
	}
	events := b.events
	b.events = nil
	p.mu.Unlock()

	return p.publishAll(ctx, events)
}

// StopBatch cancels the batch's auto-flush, closes it, and flushes what is
// left.
func (p *Publisher) StopBatch(ctx context.Context, id string) error {
	p.mu.Lock()
	b, ok := p.batches[id]
	if !ok {
		p.mu.Unlock()
		return flowerrors.Invalid(ErrUnknownBatch, "batch", "batch %q is not open", id)
	}
	delete(p.batches, id)
	p.mu.Unlock()

	if b.hasJob {
		p.removeJob(b.job)
	}
	return p.publishAll(ctx, b.events)
}

func (p *Publisher) autoFlush(id string) {
	p.mu.Lock()
	ctx := p.baseCtx
	p.mu.Unlock()
	err := p.FlushBatch(ctx, id)
	if err != nil && !errors.Is(err, ErrUnknownBatch) {
		p.reportFailure(ctx, "batch auto-flush failed", id, err)
	}
}

// PublishBatch validates every event first and rejects the whole call on a
// validation failure. The events are then routed concurrently.
func (p *Publisher) PublishBatch(ctx context.Context, events []*Event, opts ...PublishOption) error {
	o := applyPublishOptions(opts)
	for _, evt := range events {
		if err := p.prepare(ctx, evt, o); err != nil {
			return err
		}
	}

	errs := make([]error, len(events))
	var wg sync.WaitGroup
	for i, evt := range events {
		wg.Add(1)
		go func(i int, evt *Event) {
			defer wg.Done()
			errs[i] = p.route(ctx, evt, o)
		}(i, evt)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (p *Publisher) publishAll(ctx context.Context, events []*Event) error {
	errs := make([]error, len(events))
	var wg sync.WaitGroup
	for i, evt := range events {
		wg.Add(1)
		go func(i int, evt *Event) {
			defer wg.Done()
			errs[i] = p.bus.Publish(ctx, evt)
		}(i, evt)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (p *Publisher) removeJob(id uuid.UUID) {
	if err := p.scheduler.RemoveJob(id); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		p.logger.Warn("failed to remove scheduled job",
			slog.String("job_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Stats returns a snapshot of buffered and scheduled work.
func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PublisherStats{
		ScheduledEvents: len(p.scheduled),
		ActiveBatches:   len(p.batches),
		BatchSizes:      make(map[string]int, len(p.batches)),
		Failures:        p.failures.Load(),
	}
	for id, b := range p.batches {
		s.BatchSizes[id] = len(b.events)
		s.QueuedEvents += len(b.events)
	}
	return s
}

// Cleanup removes every scheduled job and auto-flush, drops buffered events,
// and aborts deliveries started by timers. The publisher stays usable.
func (p *Publisher) Cleanup() {
	p.mu.Lock()
	jobs := make([]uuid.UUID, 0, len(p.scheduled)+len(p.batches))
	for _, s := range p.scheduled {
		jobs = append(jobs, s.job)
	}
	for _, b := range p.batches {
		if b.hasJob {
			jobs = append(jobs, b.job)
		}
	}
	p.scheduled = make(map[string]*scheduledEvent)
	p.batches = make(map[string]*batch)
	p.cancel()
	p.baseCtx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	for _, id := range jobs {
		p.removeJob(id)
	}
}

// Close cleans up and shuts the scheduler down.
func (p *Publisher) Close() error {
	p.Cleanup()
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()
	if err := p.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}
