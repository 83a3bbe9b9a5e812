package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventflow/pkg/eventflow/audit"
	flowerrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
	"github.com/randalmurphal/eventflow/pkg/eventflow/registry"
)

// Config configures an Orchestrator. Zero values fall back to
// DefaultConfig.
type Config struct {
	// MaxConcurrentSagas bounds the number of running executions.
	MaxConcurrentSagas int

	// DefaultTimeout bounds a step attempt when neither the step nor the
	// saga sets a timeout.
	DefaultTimeout time.Duration

	// CompletedLimit is the capacity of the finished-execution store.
	CompletedLimit int

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
	Audit   audit.Sink

	// OnTransition is called with a snapshot of every execution that
	// reaches a terminal state, from the driver goroutine.
	OnTransition func(*Execution)
}

// DefaultConfig holds the orchestrator defaults.
var DefaultConfig = Config{
	MaxConcurrentSagas: 100,
	DefaultTimeout:     5 * time.Minute,
	CompletedLimit:     DefaultCompletedLimit,
}

// StartOption configures a single execution.
type StartOption func(*startOptions)

type startOptions struct {
	sagaID         string
	metadata       map[string]string
	classification *event.Classification
}

// WithSagaID uses id instead of a generated one.
func WithSagaID(id string) StartOption {
	return func(o *startOptions) {
		o.sagaID = id
	}
}

// WithMetadata attaches metadata to the execution context.
func WithMetadata(md map[string]string) StartOption {
	return func(o *startOptions) {
		o.metadata = md
	}
}

// WithClassification overrides the definition's classification.
func WithClassification(c event.Classification) StartOption {
	return func(o *startOptions) {
		o.classification = &c
	}
}

// Stats summarises the orchestrator.
type Stats struct {
	Registered  int
	Running     int
	Completed   int
	Last24h     int
	Succeeded   int
	Failed      int
	SuccessRate float64
}

// run is the driver-side state of one execution.
type run struct {
	exec      *Execution
	def       *Definition
	cancelFwd context.CancelFunc
}

// Orchestrator registers saga definitions and drives their executions.
type Orchestrator struct {
	config  Config
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	audit   audit.Sink

	defs *registry.Registry[string, *Definition]

	mu        sync.Mutex
	running   map[string]*run
	completed *RingStore
	closed    bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.MaxConcurrentSagas <= 0 {
		cfg.MaxConcurrentSagas = DefaultConfig.MaxConcurrentSagas
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig.DefaultTimeout
	}
	if cfg.CompletedLimit <= 0 {
		cfg.CompletedLimit = DefaultConfig.CompletedLimit
	}
	o := &Orchestrator{
		config:    cfg,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		spans:     cfg.Spans,
		audit:     cfg.Audit,
		defs:      registry.New[string, *Definition](),
		running:   make(map[string]*run),
		completed: NewRingStore(cfg.CompletedLimit),
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = observability.NoopMetrics{}
	}
	if o.spans == nil {
		o.spans = observability.NoopSpanManager{}
	}
	if o.audit == nil {
		o.audit = audit.NopSink{}
	}
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	return o
}

// Register validates and stores a definition, replacing any previous one
// with the same name. Running executions keep the definition they started
// with.
func (o *Orchestrator) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if o.defs.Register(def.Name, def.clone()) {
		o.logger.Info("saga definition replaced", slog.String("saga", def.Name))
	}
	return nil
}

// Definition returns a copy of a registered definition.
func (o *Orchestrator) Definition(name string) (Definition, bool) {
	d, ok := o.defs.Get(name)
	if !ok {
		return Definition{}, false
	}
	return *d.clone(), true
}

// Definitions returns the registered saga names in order.
func (o *Orchestrator) Definitions() []string {
	return o.defs.Keys()
}

// Start creates an execution of the named saga and drives it in the
// background. It returns the saga id without waiting for any step.
func (o *Orchestrator) Start(ctx context.Context, name string, data map[string]any, opts ...StartOption) (string, error) {
	def, ok := o.defs.Get(name)
	if !ok {
		return "", flowerrors.Invalid(ErrSagaNotFound, "name", "saga %q is not registered", name)
	}

	var so startOptions
	for _, opt := range opts {
		opt(&so)
	}
	if so.sagaID == "" {
		so.sagaID = uuid.NewString()
	}
	classification := def.Classification
	if so.classification != nil {
		classification = *so.classification
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrOrchestratorClosed
	}
	if len(o.running) >= o.config.MaxConcurrentSagas {
		o.mu.Unlock()
		return "", flowerrors.Invalid(ErrConcurrencyLimit, "saga",
			"%d sagas already running (limit %d)", len(o.running), o.config.MaxConcurrentSagas)
	}
	if _, dup := o.running[so.sagaID]; dup {
		o.mu.Unlock()
		return "", flowerrors.Invalid(ErrDuplicateSagaID, "saga_id", "saga %s is already running", so.sagaID)
	}
	if _, dup := o.completed.Get(so.sagaID); dup {
		o.mu.Unlock()
		return "", flowerrors.Invalid(ErrDuplicateSagaID, "saga_id", "saga %s already ran", so.sagaID)
	}

	r := &run{
		def: def,
		exec: &Execution{
			SagaID:    so.sagaID,
			Name:      def.Name,
			Status:    StatusRunning,
			Context:   newContext(so.sagaID, data, so.metadata, classification),
			StartTime: time.Now(),
		},
	}
	// The driver outlives the caller's context but keeps its values.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(o.baseCtx, cancelRun)
	fwdCtx, cancelFwd := context.WithCancel(runCtx)
	r.cancelFwd = cancelFwd

	o.running[so.sagaID] = r
	o.wg.Add(1)
	o.mu.Unlock()

	o.record(ctx, r, AuditEntry{Action: ActionStart})

	go func() {
		defer o.wg.Done()
		defer stop()
		defer cancelRun()
		defer cancelFwd()
		o.drive(runCtx, fwdCtx, r)
	}()
	return so.sagaID, nil
}

// drive runs the steps of one execution, then compensation if needed.
func (o *Orchestrator) drive(runCtx, fwdCtx context.Context, r *run) {
	exec := r.exec
	ctx, span := o.spans.StartSagaSpan(runCtx, r.def.Name, exec.SagaID)
	observability.LogSagaStart(o.logger, exec.SagaID, r.def.Name)

	var stepErr error
	finished := false
	for i := range r.def.Steps {
		if fwdCtx.Err() != nil {
			break
		}
		step := &r.def.Steps[i]

		exec.mu.Lock()
		exec.CurrentStep = i
		exec.mu.Unlock()

		result, err := o.runStep(ctx, fwdCtx, r, step)
		if err != nil {
			stepErr = err
			break
		}

		exec.Context.setResult(step.Name, result)
		exec.mu.Lock()
		exec.CompletedSteps = append(exec.CompletedSteps, step.Name)
		exec.mu.Unlock()
		o.record(ctx, r, AuditEntry{Action: ActionExecute, Step: step.Name})
		finished = i == len(r.def.Steps)-1
	}

	if o.settleForward(fwdCtx, r, stepErr, finished) {
		o.record(ctx, r, AuditEntry{Action: ActionComplete})
	} else {
		// rollback runs to the end even while the orchestrator shuts down
		o.compensate(context.WithoutCancel(ctx), r)
	}
	o.finish(ctx, r)

	exec.mu.Lock()
	err := exec.Error
	exec.mu.Unlock()
	o.spans.EndSpanWithError(span, err)
}

// settleForward moves the execution out of running once forward progress
// stops. It reports whether the saga completed.
func (o *Orchestrator) settleForward(fwdCtx context.Context, r *run, stepErr error, finished bool) bool {
	exec := r.exec
	exec.mu.Lock()
	defer exec.mu.Unlock()

	if finished && stepErr == nil && exec.Status == StatusRunning {
		exec.Status = StatusCompleted
		return true
	}

	interrupted := stepErr == nil || (fwdCtx.Err() != nil && errors.Is(stepErr, context.Canceled))
	switch {
	case !interrupted:
		if exec.Error == nil || errors.Is(exec.Error, ErrCancelled) {
			exec.Error = stepErr
		}
		if flowerrors.IsTimeout(stepErr) {
			exec.Status = StatusTimeout
		} else if exec.Status == StatusRunning {
			exec.Status = StatusCompensating
		}
	case exec.Status == StatusRunning:
		// stopped by Close rather than Cancel
		exec.Status = StatusCompensating
		exec.Error = ErrOrchestratorClosed
	}
	return false
}

// runStep executes one step with retries and returns its result.
func (o *Orchestrator) runStep(ctx, fwdCtx context.Context, r *run, step *Step) (any, error) {
	policy := r.def.RetryPolicy
	retries := policy.MaxRetries
	if step.Retries != nil {
		retries = *step.Retries
	}
	timeout := o.stepTimeout(r.def, step)

	attempt := 0
	cfg := flowerrors.RetryConfig{
		MaxAttempts: retries + 1,
		Backoff:     policy.backoff(),
		RetryableFunc: func(err error) bool {
			// a cancelled saga takes the failure as final
			if fwdCtx.Err() != nil {
				return false
			}
			if flowerrors.IsTimeout(err) {
				return policy.RetryTimeouts
			}
			return flowerrors.IsRetryable(err)
		},
		OnRetry: func(n int, err error, delay time.Duration) {
			o.record(ctx, r, AuditEntry{Action: ActionRetry, Step: step.Name, Attempt: n, Error: err.Error()})
			observability.EnrichLogger(o.logger, r.exec.SagaID, step.Name, n).Debug("retrying saga step",
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
		},
	}

	res := flowerrors.WithRetryContext(fwdCtx, cfg, func(context.Context) (any, error) {
		attempt++
		return o.attempt(ctx, r, step, attempt, timeout)
	})
	if res.Err == nil {
		return res.Value, nil
	}

	err := stepError(res.Err)
	if fwdCtx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil, err
	}
	o.record(ctx, r, AuditEntry{Action: ActionError, Step: step.Name, Attempt: res.Attempts, Error: err.Error()})
	observability.LogStepError(o.logger, r.exec.SagaID, step.Name, res.Attempts, err)
	return nil, err
}

// stepError strips the retry wrapper so the recorded error is the step's own.
func stepError(err error) error {
	var ce *flowerrors.CategorizedError
	if errors.As(err, &ce) && ce.Err != nil {
		return ce.Err
	}
	return err
}

func (o *Orchestrator) stepTimeout(def *Definition, step *Step) time.Duration {
	switch {
	case step.Timeout > 0:
		return step.Timeout
	case def.Timeout > 0:
		return def.Timeout
	default:
		return o.config.DefaultTimeout
	}
}

// attempt runs a single attempt of a step, racing it against timeout.
func (o *Orchestrator) attempt(ctx context.Context, r *run, step *Step, n int, timeout time.Duration) (any, error) {
	sctx, span := o.spans.StartStepSpan(ctx, step.Name, n)
	done := observability.TimedOperation()

	v, err := race(sctx, r.exec.Context, step, timeout)

	ms := done()
	o.metrics.RecordSagaStep(sctx, r.def.Name, step.Name, time.Duration(ms*float64(time.Millisecond)), err)
	o.spans.EndSpanWithError(span, err)
	if err == nil {
		observability.LogStepComplete(o.logger, r.exec.SagaID, step.Name, ms)
	}
	return v, err
}

type stepOutcome struct {
	value any
	err   error
}

// race runs step.Execute and returns whichever comes first: its result or
// the timeout. A step that times out keeps running in its goroutine until
// it notices the cancelled context.
func race(ctx context.Context, sc *Context, step *Step, timeout time.Duration) (any, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan stepOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- stepOutcome{err: fmt.Errorf("step %s panicked: %v", step.Name, p)}
			}
		}()
		v, err := step.Execute(tctx, sc)
		ch <- stepOutcome{value: v, err: err}
	}()

	select {
	case out := <-ch:
		return out.value, out.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &flowerrors.TimeoutError{Operation: "saga step " + step.Name, Timeout: timeout}
	}
}

// compensate walks the completed steps in reverse. Compensation failures are
// recorded and logged but never stop the remaining compensations.
func (o *Orchestrator) compensate(ctx context.Context, r *run) {
	exec := r.exec
	exec.mu.Lock()
	completed := slices.Clone(exec.CompletedSteps)
	exec.mu.Unlock()

	for i := len(completed) - 1; i >= 0; i-- {
		name := completed[i]
		idx := slices.IndexFunc(r.def.Steps, func(s Step) bool { return s.Name == name })
		step := &r.def.Steps[idx]

		if step.Compensate != nil {
			if err := callCompensate(ctx, exec.Context, step); err != nil {
				cerr := &flowerrors.CompensationError{SagaID: exec.SagaID, Step: name, Err: err}
				observability.LogCompensationError(o.logger, exec.SagaID, name, err)
				o.record(ctx, r, AuditEntry{Action: ActionError, Step: name, Error: cerr.Error()})
			} else {
				o.record(ctx, r, AuditEntry{Action: ActionCompensate, Step: name})
			}
		}

		exec.mu.Lock()
		exec.CompensatedSteps = append(exec.CompensatedSteps, name)
		exec.mu.Unlock()
	}

	exec.mu.Lock()
	if exec.Status != StatusTimeout {
		exec.Status = StatusCompensated
	}
	exec.mu.Unlock()
}

func callCompensate(ctx context.Context, sc *Context, step *Step) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("compensation %s panicked: %v", step.Name, p)
		}
	}()
	return step.Compensate(ctx, sc)
}

// finish moves a terminal execution into the completed store and notifies
// observers.
func (o *Orchestrator) finish(ctx context.Context, r *run) {
	exec := r.exec
	exec.mu.Lock()
	exec.EndTime = time.Now()
	snapshot := exec.cloneLocked()
	exec.mu.Unlock()

	o.mu.Lock()
	delete(o.running, exec.SagaID)
	o.completed.Add(exec)
	o.mu.Unlock()

	status := string(snapshot.Status)
	d := snapshot.Duration()
	o.metrics.RecordSagaRun(ctx, r.def.Name, status, d)
	observability.LogSagaFinished(o.logger, exec.SagaID, r.def.Name, status, float64(d)/float64(time.Millisecond))

	if o.config.OnTransition != nil {
		o.config.OnTransition(snapshot)
	}
}

// record appends an entry to the execution's audit trail and forwards it to
// the audit sink.
func (o *Orchestrator) record(ctx context.Context, r *run, entry AuditEntry) {
	entry.Time = time.Now()
	r.exec.appendAudit(entry)

	rec := audit.NewRecord(audit.KindSaga, r.exec.SagaID, string(entry.Action)).
		With("saga", r.def.Name)
	if entry.Step != "" {
		rec = rec.With("step", entry.Step)
	}
	if entry.Attempt > 0 {
		rec = rec.With("attempt", strconv.Itoa(entry.Attempt))
	}
	if r.def.AuditRequired {
		rec = rec.With("audit_required", "true")
	}
	rec.Error = entry.Error
	rec.Classification = r.exec.Context.Classification.String()
	o.audit.Record(ctx, rec)
}

// Cancel stops forward progress of a running execution and compensates the
// steps completed so far. A step that is already executing is not
// interrupted.
func (o *Orchestrator) Cancel(sagaID string) error {
	o.mu.Lock()
	r, ok := o.running[sagaID]
	_, done := o.completed.Get(sagaID)
	o.mu.Unlock()
	if !ok {
		if done {
			return flowerrors.Invalid(ErrNotRunning, "saga_id", "saga %s already finished", sagaID)
		}
		return flowerrors.Invalid(ErrExecutionNotFound, "saga_id", "unknown saga %s", sagaID)
	}

	r.exec.mu.Lock()
	if r.exec.Status != StatusRunning {
		status := r.exec.Status
		r.exec.mu.Unlock()
		return flowerrors.Invalid(ErrNotRunning, "saga_id", "saga %s is %s", sagaID, status)
	}
	r.exec.Status = StatusCompensating
	if r.exec.Error == nil {
		r.exec.Error = ErrCancelled
	}
	r.exec.mu.Unlock()

	o.record(context.Background(), r, AuditEntry{Action: ActionCancel})
	r.cancelFwd()
	o.logger.Info("saga cancelled", slog.String("saga_id", sagaID), slog.String("saga", r.def.Name))
	return nil
}

// Status returns a snapshot of a running or finished execution.
func (o *Orchestrator) Status(sagaID string) (*Execution, error) {
	o.mu.Lock()
	r, ok := o.running[sagaID]
	o.mu.Unlock()
	if ok {
		return r.exec.Clone(), nil
	}
	if e, ok := o.completed.Get(sagaID); ok {
		return e.Clone(), nil
	}
	return nil, flowerrors.Invalid(ErrExecutionNotFound, "saga_id", "unknown saga %s", sagaID)
}

// List returns snapshots of running and finished executions matching
// filter, ordered by start time.
func (o *Orchestrator) List(filter ListFilter) []*Execution {
	o.mu.Lock()
	runs := make([]*run, 0, len(o.running))
	for _, r := range o.running {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	limit := filter.Limit
	filter.Limit = 0
	out := o.completed.List(filter)
	for _, r := range runs {
		c := r.exec.Clone()
		if filter.matches(c) {
			out = append(out, c)
		}
	}
	sortByStart(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CleanupOldExecutions drops finished executions that ended before cutoff
// and returns how many were removed.
func (o *Orchestrator) CleanupOldExecutions(cutoff time.Time) int {
	n := o.completed.Prune(cutoff)
	if n > 0 {
		o.logger.Debug("pruned saga executions", slog.Int("removed", n))
	}
	return n
}

// Stats returns orchestrator statistics. Outcome counts cover the finished
// executions still held in the completed store.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	running := make([]*run, 0, len(o.running))
	for _, r := range o.running {
		running = append(running, r)
	}
	o.mu.Unlock()

	since := time.Now().Add(-24 * time.Hour)
	s := Stats{
		Registered: o.defs.Len(),
		Running:    len(running),
	}
	for _, r := range running {
		if !r.exec.StartTime.Before(since) {
			s.Last24h++
		}
	}
	for _, e := range o.completed.all() {
		e.mu.Lock()
		status, start := e.Status, e.StartTime
		e.mu.Unlock()
		s.Completed++
		if !start.Before(since) {
			s.Last24h++
		}
		if status == StatusCompleted {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	if total := s.Succeeded + s.Failed; total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(total)
	}
	return s
}

// Close stops every driver and waits for them to finish compensating, or
// for ctx to end.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for saga drivers: %w", ctx.Err())
	}
}
