// Package poller periodically claims due reminder occurrences and hands them
// to the dispatcher. It owns the at-most-once guarantee: an occurrence is
// marked fired only after a successful dispatch, and one that outlives its
// grace window is recorded as missed instead of being sent late.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/occurrence"
	"github.com/drfirst/go-medremind/pkg/clock"
	"github.com/drfirst/go-medremind/pkg/workerpool"
)

// Dispatcher delivers one occurrence
type Dispatcher interface {
	Dispatch(ctx context.Context, occ reminder.Occurrence) error
}

// DeliveryLog persists fired markers and arbitrates between instances that
// track the same patient.
type DeliveryLog interface {
	// Claim reports whether this instance may send occ. False means another
	// instance already sent it or is sending it.
	Claim(ctx context.Context, occ reminder.Occurrence) (bool, error)
	MarkDelivered(ctx context.Context, key string, at time.Time) error
	MarkMissed(ctx context.Context, occ reminder.Occurrence, at time.Time) error
	// Release gives up a claim after a failed dispatch
	Release(ctx context.Context, key string) error
}

// LeaderGate decides whether this instance should tick at all
type LeaderGate interface {
	IsLeader(ctx context.Context) bool
}

// EventPublisher publishes domain events
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Metrics receives delivery outcomes
type Metrics interface {
	Dispatched(channel string)
	Failed(channel, reason string)
	Missed(channel string)
	Deduplicated(channel string)
	ObserveTick(d time.Duration)
}

// Config holds poller configuration
type Config struct {
	// Interval between ticks
	Interval time.Duration
	// GraceWindow is how late an occurrence may still be dispatched
	GraceWindow time.Duration
	// DispatchTimeout bounds a single dispatch
	DispatchTimeout time.Duration
	// InteractiveWorkers serve browser and push
	InteractiveWorkers int
	// AsyncWorkers serve email and sms
	AsyncWorkers int
	// QueueSize per pool
	QueueSize int
	// EventsTopic receives delivered and missed events
	EventsTopic string
}

// DefaultConfig returns a 60 second tick with a 15 minute grace window
func DefaultConfig() Config {
	return Config{
		Interval:           60 * time.Second,
		GraceWindow:        15 * time.Minute,
		DispatchTimeout:    30 * time.Second,
		InteractiveWorkers: 2,
		AsyncWorkers:       4,
		QueueSize:          256,
		EventsTopic:        "reminder.events",
	}
}

// Report summarizes one tick
type Report struct {
	Skipped bool
	Due     int
	Missed  int
}

// Option configures optional collaborators
type Option func(*Poller)

func WithDeliveryLog(log DeliveryLog) Option { return func(p *Poller) { p.log = log } }
func WithLeaderGate(gate LeaderGate) Option { return func(p *Poller) { p.gate = gate } }
func WithEvents(pub EventPublisher) Option { return func(p *Poller) { p.events = pub } }
func WithMetrics(m Metrics) Option { return func(p *Poller) { p.metrics = m } }
func WithClock(clk clock.Clock) Option { return func(p *Poller) { p.clock = clk } }
func WithUnavailable(fn func(reminder.Channel)) Option {
	return func(p *Poller) { p.onUnavailable = fn }
}

// logWriteTimeout bounds delivery log writes made after a dispatch
const logWriteTimeout = 5 * time.Second

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeDuplicate
)

// Poller drives delivery for one occurrence store
type Poller struct {
	cfg        Config
	store      *occurrence.Store
	dispatcher Dispatcher

	log           DeliveryLog
	gate          LeaderGate
	events        EventPublisher
	metrics       Metrics
	clock         clock.Clock
	onUnavailable func(reminder.Channel)

	logger *zap.Logger
	tracer trace.Tracer

	interactive *workerpool.Pool
	async       *workerpool.Pool
	poolsOnce   sync.Once

	tickMu   sync.Mutex
	inflight sync.WaitGroup

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// New creates a poller over store
func New(cfg Config, store *occurrence.Store, dispatcher Dispatcher, logger *zap.Logger, opts ...Option) (*Poller, error) {
	if store == nil || dispatcher == nil {
		return nil, errors.New("poller requires a store and a dispatcher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = def.GraceWindow
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if cfg.InteractiveWorkers <= 0 {
		cfg.InteractiveWorkers = def.InteractiveWorkers
	}
	if cfg.AsyncWorkers <= 0 {
		cfg.AsyncWorkers = def.AsyncWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		clock:      clock.New(),
		logger:     logger,
		tracer:     otel.Tracer("medremind.poller"),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	var err error
	p.interactive, err = workerpool.New(workerpool.Config{
		Name:      "dispatch-interactive",
		Workers:   cfg.InteractiveWorkers,
		QueueSize: cfg.QueueSize,
	}, p.deliver, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create interactive pool: %w", err)
	}
	p.async, err = workerpool.New(workerpool.Config{
		Name:      "dispatch-async",
		Workers:   cfg.AsyncWorkers,
		QueueSize: cfg.QueueSize,
	}, p.deliver, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create async pool: %w", err)
	}
	return p, nil
}

func (p *Poller) startPools() {
	p.poolsOnce.Do(func() {
		p.interactive.Start()
		p.async.Start()
	})
}

// Start ticks immediately and then every Interval until Stop
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil || p.stopped {
		return
	}
	p.startPools()
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		p.Tick(p.ctx)

		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.Tick(p.ctx)
			}
		}
	}()

	p.logger.Info("poller started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("grace_window", p.cfg.GraceWindow))
}

// Tick claims due occurrences and submits them for dispatch. A tick that
// finds another tick still running returns immediately.
func (p *Poller) Tick(ctx context.Context) Report {
	if !p.tickMu.TryLock() {
		p.logger.Debug("tick skipped, previous tick still running")
		return Report{Skipped: true}
	}
	defer p.tickMu.Unlock()

	if ctx.Err() != nil || p.ctx.Err() != nil {
		return Report{Skipped: true}
	}
	if p.gate != nil && !p.gate.IsLeader(ctx) {
		return Report{Skipped: true}
	}

	p.startPools()
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "poller.tick")
	defer span.End()

	now := p.clock.Now()
	due, missed := p.store.ClaimDue(now, p.cfg.GraceWindow)
	span.SetAttributes(attribute.Int("due", len(due)), attribute.Int("missed", len(missed)))

	for _, occ := range missed {
		p.recordMissed(ctx, occ, now)
	}
	for _, occ := range due {
		p.submit(occ)
	}

	if p.metrics != nil {
		p.metrics.ObserveTick(time.Since(started))
	}
	if len(due) > 0 || len(missed) > 0 {
		p.logger.Debug("tick",
			zap.Int("due", len(due)),
			zap.Int("missed", len(missed)))
	}
	return Report{Due: len(due), Missed: len(missed)}
}

func (p *Poller) submit(occ reminder.Occurrence) {
	pool := p.async
	if occ.Channel.Interactive() {
		pool = p.interactive
	}

	p.inflight.Add(1)
	task := &workerpool.Task{
		ID:      occ.DedupKey,
		Payload: occ,
		Context: p.ctx,
		Done:    func(r *workerpool.Result) { p.finish(occ, r) },
	}
	if err := pool.Submit(task); err != nil {
		p.logger.Warn("dispatch not queued",
			zap.String("dedup_key", occ.DedupKey),
			zap.Error(err))
		p.finish(occ, &workerpool.Result{TaskID: occ.DedupKey, Error: err})
	}
}

// deliver runs on a pool worker
func (p *Poller) deliver(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	occ, ok := task.Payload.(reminder.Occurrence)
	if !ok {
		return &workerpool.Result{Error: fmt.Errorf("unexpected payload %T", task.Payload)}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.DispatchTimeout)
	defer cancel()

	if p.log != nil {
		owned, err := p.log.Claim(ctx, occ)
		if err != nil {
			return &workerpool.Result{Error: fmt.Errorf("claim delivery: %w", err)}
		}
		if !owned {
			return &workerpool.Result{Success: true, Data: outcomeDuplicate}
		}
	}

	if err := p.dispatcher.Dispatch(ctx, occ); err != nil {
		if p.log != nil {
			logCtx, cancelLog := detached(ctx)
			if relErr := p.log.Release(logCtx, occ.DedupKey); relErr != nil {
				p.logger.Warn("failed to release delivery claim",
					zap.String("dedup_key", occ.DedupKey),
					zap.Error(relErr))
			}
			cancelLog()
		}
		return &workerpool.Result{Error: err}
	}

	if p.log != nil {
		// the send happened; record it even when the dispatch deadline or Stop
		// already cancelled ctx
		logCtx, cancelLog := detached(ctx)
		defer cancelLog()
		if err := p.log.MarkDelivered(logCtx, occ.DedupKey, p.clock.Now()); err != nil {
			p.logger.Error("failed to persist delivery marker",
				zap.String("dedup_key", occ.DedupKey),
				zap.Error(err))
		}
	}
	return &workerpool.Result{Success: true, Data: outcomeDelivered}
}

// detached keeps the values of ctx, such as the trace, but not its deadline
// or cancellation
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
}

// finish records the result of a dispatch in the store
func (p *Poller) finish(occ reminder.Occurrence, r *workerpool.Result) {
	defer p.inflight.Done()

	now := p.clock.Now()
	p.store.Complete(occ.DedupKey, r.Success, now)
	ch := string(occ.Channel)

	if r.Success {
		if r.Data == outcomeDuplicate {
			if p.metrics != nil {
				p.metrics.Deduplicated(ch)
			}
			p.logger.Debug("occurrence already delivered elsewhere", zap.String("dedup_key", occ.DedupKey))
			return
		}
		if p.metrics != nil {
			p.metrics.Dispatched(ch)
		}
		p.publish(reminder.EventReminderDelivered, occ, now)
		return
	}

	reason := Reason(r.Error)
	if p.metrics != nil {
		p.metrics.Failed(ch, reason)
	}
	if errors.Is(r.Error, reminder.ErrChannelUnavailable) && p.onUnavailable != nil {
		p.onUnavailable(occ.Channel)
	}

	level := p.logger.Warn
	if errors.Is(r.Error, context.Canceled) {
		level = p.logger.Debug
	}
	level("dispatch failed, will retry within grace window",
		zap.String("dedup_key", occ.DedupKey),
		zap.String("channel", ch),
		zap.String("reason", reason),
		zap.Error(r.Error))
}

func (p *Poller) recordMissed(ctx context.Context, occ reminder.Occurrence, now time.Time) {
	if p.log != nil {
		if err := p.log.MarkMissed(ctx, occ, now); err != nil {
			p.logger.Warn("failed to persist missed marker",
				zap.String("dedup_key", occ.DedupKey),
				zap.Error(err))
		}
	}
	if p.metrics != nil {
		p.metrics.Missed(string(occ.Channel))
	}
	p.logger.Info("reminder missed",
		zap.String("dedup_key", occ.DedupKey),
		zap.String("channel", string(occ.Channel)),
		zap.Time("fire_at", occ.FireAt))
	p.publish(reminder.EventReminderMissed, occ, now)
}

func (p *Poller) publish(eventType reminder.EventType, occ reminder.Occurrence, at time.Time) {
	if p.events == nil || p.cfg.EventsTopic == "" {
		return
	}
	event, err := reminder.NewReminderEvent(eventType, occ, at)
	if err != nil {
		p.logger.Warn("failed to build event", zap.Error(err))
		return
	}
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("failed to marshal event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.events.Publish(ctx, p.cfg.EventsTopic, occ.PatientID, value); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

// Wait blocks until every submitted dispatch has completed
func (p *Poller) Wait() {
	p.inflight.Wait()
}

// Stop cancels the ticker and in-flight dispatches, waits for them to settle
// and seals the store so nothing writes to it afterwards.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	done := p.done
	p.mu.Unlock()

	p.cancel()
	if done != nil {
		<-done
	}

	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	var errs []error
	if err := p.interactive.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := p.async.Stop(); err != nil {
		errs = append(errs, err)
	}
	p.inflight.Wait()
	p.store.Seal()

	p.logger.Info("poller stopped")
	return errors.Join(errs...)
}

// Reason maps a dispatch error to a metrics label
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, reminder.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, reminder.ErrSubscriptionExpired):
		return "subscription_expired"
	case errors.Is(err, reminder.ErrNoActiveSubscription):
		return "no_subscription"
	case errors.Is(err, reminder.ErrEncryptionFailure):
		return "encryption"
	case errors.Is(err, reminder.ErrChannelUnavailable):
		return "unavailable"
	case errors.Is(err, reminder.ErrRejected):
		return "rejected"
	case errors.Is(err, reminder.ErrTransportFailure):
		return "transport"
	case errors.Is(err, workerpool.ErrQueueFull):
		return "queue_full"
	}
	return "error"
}
