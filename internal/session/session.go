// Package session owns the per-patient reminder engine: the occurrence store,
// its poller and the refresh loop that keeps the horizon filled. A Session is
// constructed when a patient's first tab attaches and torn down explicitly.
package session

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
	"github.com/drfirst/go-medremind/internal/poller"
	"github.com/drfirst/go-medremind/internal/preferences"
	"github.com/drfirst/go-medremind/internal/prescriptions"
	"github.com/drfirst/go-medremind/internal/schedule"
	"github.com/drfirst/go-medremind/pkg/clock"
)

var (
	// ErrStopped is returned by operations on a stopped session
	ErrStopped = errors.New("session stopped")
	// ErrUnknownOccurrence is returned by Snooze for a key the store does not hold
	ErrUnknownOccurrence = errors.New("unknown occurrence")
)

// quietHoursLookback covers the longest shift a quiet-hours window can apply
const quietHoursLookback = 24 * time.Hour

// MarkerLoader reads persisted fired markers back at startup
type MarkerLoader interface {
	LoadMarkers(ctx context.Context, patientID string, since time.Time) ([]occurrence.Marker, error)
}

// PushSubscriber is the subset of the subscription manager a session drives
type PushSubscriber interface {
	Subscribe(ctx context.Context, vapidPublicKey string) (reminder.PushSubscription, error)
	Unsubscribe(ctx context.Context) error
	Close()
}

// Metrics receives session lifecycle and delivery counters
type Metrics interface {
	poller.Metrics
	AddTracked(delta int)
	SessionStarted()
	SessionStopped()
}

// Config holds session configuration
type Config struct {
	// RetentionWindow is how long fired markers are kept after their dose time
	RetentionWindow time.Duration
	// RefreshInterval is how often prescriptions are re-read and the horizon extended
	RefreshInterval time.Duration
	// FetchTimeout bounds one prescription source call
	FetchTimeout time.Duration
	// VAPIDPublicKey is the application server key used for push subscriptions
	VAPIDPublicKey string
	Poller         poller.Config
}

// DefaultConfig returns a 48 hour retention window and an hourly refresh
func DefaultConfig() Config {
	return Config{
		RetentionWindow: 48 * time.Hour,
		RefreshInterval: time.Hour,
		FetchTimeout:    15 * time.Second,
		Poller:          poller.DefaultConfig(),
	}
}

// Deps are the collaborators of a session. Source, Preferences, Expander and
// NewDispatcher are required.
type Deps struct {
	Source      prescriptions.Source
	Preferences preferences.Store
	Expander    *schedule.Expander
	Resolver    *preferences.Resolver
	// NewDispatcher builds the channel dispatcher once the session exists,
	// so gateway handlers can read the session's contact details
	NewDispatcher func(s *Session) poller.Dispatcher

	DeliveryLog poller.DeliveryLog
	Markers     MarkerLoader
	Push        PushSubscriber
	Events      poller.EventPublisher
	Leader      poller.LeaderGate
	Metrics     Metrics
	Clock       clock.Clock
}

// Session is the reminder engine of one patient
type Session struct {
	cfg       Config
	patientID string
	deps      Deps

	store  *occurrence.Store
	poller *poller.Poller
	logger *zap.Logger
	tracer trace.Tracer

	// regenMu serializes regenerations so two refreshes cannot interleave
	regenMu sync.Mutex

	mu            sync.RWMutex
	prefs         reminder.Preferences
	narrowed      map[reminder.Channel]bool
	prescriptions []reminder.Prescription
	contact       reminder.Contact
	tracked       int
	pushActive    bool
	started       bool
	stopped       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a session for patientID. Nothing runs until Start.
func New(cfg Config, patientID string, deps Deps, logger *zap.Logger) (*Session, error) {
	if patientID == "" {
		return nil, fmt.Errorf("%w: patient id is required", reminder.ErrValidationFailure)
	}
	if deps.Source == nil || deps.Preferences == nil || deps.Expander == nil || deps.NewDispatcher == nil {
		return nil, errors.New("session requires a prescription source, preference store, expander and dispatcher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = def.RetentionWindow
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.Poller.GraceWindow <= 0 {
		cfg.Poller.GraceWindow = def.Poller.GraceWindow
	}
	if cfg.Poller.EventsTopic == "" {
		cfg.Poller.EventsTopic = def.Poller.EventsTopic
	}
	if deps.Resolver == nil {
		deps.Resolver = preferences.NewResolver(logger)
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	logger = logger.With(zap.String("patient_id", patientID))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		patientID: patientID,
		deps:      deps,
		store:     occurrence.New(occurrence.Config{RetentionWindow: cfg.RetentionWindow}, logger),
		logger:    logger,
		tracer:    otel.Tracer("medremind.session"),
		prefs:     preferences.Defaults(),
		narrowed:  make(map[reminder.Channel]bool),
		ctx:       ctx,
		cancel:    cancel,
	}

	dispatcher := deps.NewDispatcher(s)
	if dispatcher == nil {
		cancel()
		return nil, errors.New("session dispatcher factory returned nil")
	}

	opts := []poller.Option{
		poller.WithClock(deps.Clock),
		poller.WithUnavailable(s.NarrowChannel),
	}
	if deps.DeliveryLog != nil {
		opts = append(opts, poller.WithDeliveryLog(deps.DeliveryLog))
	}
	if deps.Leader != nil {
		opts = append(opts, poller.WithLeaderGate(deps.Leader))
	}
	if deps.Events != nil {
		opts = append(opts, poller.WithEvents(deps.Events))
	}
	if deps.Metrics != nil {
		opts = append(opts, poller.WithMetrics(deps.Metrics))
	}

	p, err := poller.New(cfg.Poller, s.store, dispatcher, logger, opts...)
	if err != nil {
		cancel()
		return nil, err
	}
	s.poller = p
	return s, nil
}

// PatientID returns the patient this session serves
func (s *Session) PatientID() string { return s.patientID }

// Store exposes the occurrence store
func (s *Session) Store() *occurrence.Store { return s.store }

// Poller exposes the session's poller
func (s *Session) Poller() *poller.Poller { return s.poller }

// Start loads preferences and fired markers, fills the horizon and starts
// the poller and refresh loop. A failed first prescription read is logged;
// the session runs with an empty schedule until a refresh succeeds.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "session.start",
		trace.WithAttributes(attribute.String("patient_id", s.patientID)))
	defer span.End()

	prefs, err := s.deps.Preferences.Get(ctx, s.patientID)
	if err != nil {
		s.logger.Warn("using default preferences", zap.Error(err))
		prefs = preferences.Defaults()
	}
	s.mu.Lock()
	s.prefs = prefs
	s.mu.Unlock()

	if s.deps.Markers != nil {
		since := s.deps.Clock.Now().Add(-s.cfg.RetentionWindow)
		markers, err := s.deps.Markers.LoadMarkers(ctx, s.patientID, since)
		if err != nil {
			s.logger.Error("failed to load delivery markers", zap.Error(err))
			span.RecordError(err)
		} else {
			s.store.Restore(markers)
		}
	}

	// a dose that came due shortly before this session started may still fire
	catchUp := s.deps.Clock.Now().Add(-s.cfg.Poller.GraceWindow)
	if err := s.refresh(ctx, catchUp); err != nil {
		s.logger.Error("initial prescription refresh failed", zap.Error(err))
	}
	s.syncPush(prefs)

	s.poller.Start()
	s.wg.Add(1)
	go s.refreshLoop()

	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionStarted()
	}
	s.logger.Info("session started",
		zap.Int("tracked", s.store.Len()),
		zap.Strings("channels", channelNames(prefs.EnabledChannels)))
	return nil
}

func (s *Session) refreshLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Warn("prescription refresh failed, keeping previous schedule", zap.Error(err))
			}
			pruned := s.store.PruneBefore(s.deps.Clock.Now())
			if pruned > 0 {
				s.logger.Debug("pruned old occurrences", zap.Int("count", pruned))
				s.updateTracked()
			}
		}
	}
}

// Refresh re-reads active prescriptions and contact details and regenerates
// the schedule. On a source error the previous prescriptions are kept and
// the horizon is still extended from them.
func (s *Session) Refresh(ctx context.Context) error {
	return s.refresh(ctx, s.deps.Clock.Now())
}

func (s *Session) refresh(ctx context.Context, notBefore time.Time) error {
	if s.isStopped() {
		return ErrStopped
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	rxs, fetchErr := s.deps.Source.ListActivePrescriptions(fetchCtx, s.patientID)
	if fetchErr == nil {
		s.mu.Lock()
		s.prescriptions = prescriptions.ActiveOnly(rxs)
		s.mu.Unlock()
	}

	if contact, err := s.deps.Source.PatientContact(fetchCtx, s.patientID); err == nil {
		s.mu.Lock()
		s.contact = contact
		s.mu.Unlock()
	} else {
		s.logger.Debug("contact details unavailable", zap.Error(err))
	}

	s.regenerate(notBefore)
	if fetchErr != nil {
		return fmt.Errorf("list prescriptions: %w", fetchErr)
	}
	return nil
}

// UpdatePreferences validates and stores prefs, then regenerates pending
// occurrences from now on. Fired occurrences are never touched.
func (s *Session) UpdatePreferences(ctx context.Context, prefs reminder.Preferences) (reminder.Preferences, error) {
	if s.isStopped() {
		return reminder.Preferences{}, ErrStopped
	}
	if err := preferences.Validate(prefs); err != nil {
		return reminder.Preferences{}, err
	}
	stored, err := s.deps.Preferences.Set(ctx, s.patientID, prefs)
	if err != nil {
		return reminder.Preferences{}, fmt.Errorf("store preferences: %w", err)
	}
	s.ApplyPreferences(stored)
	return stored, nil
}

// ApplyPreferences switches the session to prefs that are already stored
func (s *Session) ApplyPreferences(prefs reminder.Preferences) {
	if s.isStopped() {
		return
	}
	s.mu.Lock()
	s.prefs = prefs
	s.mu.Unlock()

	s.regenerate(s.deps.Clock.Now())
	s.syncPush(prefs)
	s.logger.Info("preferences applied",
		zap.Strings("channels", channelNames(prefs.EnabledChannels)),
		zap.Int("lead_time_minutes", prefs.LeadTimeMinutes))
}

// NarrowChannel drops ch from the enabled set for the rest of this session.
// Stored preferences are left alone.
func (s *Session) NarrowChannel(ch reminder.Channel) {
	s.mu.Lock()
	if s.stopped || s.narrowed[ch] {
		s.mu.Unlock()
		return
	}
	s.narrowed[ch] = true
	s.mu.Unlock()

	s.logger.Warn("channel unavailable, narrowing enabled channels", zap.String("channel", string(ch)))
	s.regenerate(s.deps.Clock.Now())
}

// Preferences returns the stored preferences in effect
func (s *Session) Preferences() reminder.Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs
}

// Effective returns the preferences minus narrowed channels
func (s *Session) Effective() reminder.Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.effectiveLocked()
}

func (s *Session) effectiveLocked() reminder.Preferences {
	p := s.prefs
	for ch := range s.narrowed {
		p = preferences.Without(p, ch)
	}
	return p
}

// Contact returns the last known contact details of the patient
func (s *Session) Contact() reminder.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contact
}

// Snooze schedules a one-off reminder snoozeMinutes from now for the fired
// occurrence key, on the same channel. The new occurrence has its own dedup
// key, distinct from every scheduled reminder, and is never removed by
// regeneration.
func (s *Session) Snooze(ctx context.Context, key string) (reminder.Occurrence, error) {
	if s.isStopped() {
		return reminder.Occurrence{}, ErrStopped
	}
	occ, ok := s.store.Get(key)
	if !ok {
		return reminder.Occurrence{}, fmt.Errorf("%w: %s", ErrUnknownOccurrence, key)
	}
	if !occ.Fired || occ.Missed {
		return reminder.Occurrence{}, fmt.Errorf("%w: only delivered reminders can be snoozed", reminder.ErrValidationFailure)
	}

	prefs := s.Preferences()
	now := s.deps.Clock.Now()
	at := now.Add(time.Duration(prefs.SnoozeMinutes) * time.Minute).Truncate(time.Second)
	med := reminder.Medication{ID: occ.MedicationID, Name: occ.MedicationName, Dosage: occ.Dosage}
	snoozed := reminder.NewOccurrence(s.patientID, med, at, at, occ.Channel)
	snoozed.DedupKey = reminder.SnoozeKey(key, at)

	if !s.store.Add(snoozed) {
		if s.store.Sealed() {
			return reminder.Occurrence{}, ErrStopped
		}
		// repeated snooze of the same reminder within one second
		existing, _ := s.store.Get(snoozed.DedupKey)
		return existing, nil
	}
	s.updateTracked()
	s.publish(ctx, reminder.EventReminderSnoozed, snoozed, now)

	s.logger.Info("reminder snoozed",
		zap.String("dedup_key", key),
		zap.String("snoozed_key", snoozed.DedupKey),
		zap.Time("fire_at", at))
	return snoozed, nil
}

// Stop cancels the refresh loop and the poller. No further writes reach the
// store once it returns.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	err := s.poller.Stop()
	if s.deps.Push != nil {
		s.deps.Push.Close()
	}
	if r, ok := s.deps.Leader.(interface{ Release(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if relErr := r.Release(ctx); relErr != nil {
			s.logger.Warn("failed to release poller lease", zap.Error(relErr))
		}
		cancel()
	}

	s.mu.Lock()
	tracked := s.tracked
	s.tracked = 0
	s.mu.Unlock()
	if s.deps.Metrics != nil {
		s.deps.Metrics.AddTracked(-tracked)
		if started {
			s.deps.Metrics.SessionStopped()
		}
	}
	s.logger.Info("session stopped")
	return err
}

// regenerate expands every active medication through the effective
// preferences and merges the result into the store from now on. Occurrences
// whose fire time is before notBefore are not generated, so a channel
// switched on mid-day never backfills the doses already behind it. Doses of
// the previous day are expanded too: quiet hours can push one past midnight.
func (s *Session) regenerate(notBefore time.Time) {
	s.regenMu.Lock()
	defer s.regenMu.Unlock()

	s.mu.RLock()
	prefs := s.effectiveLocked()
	rxs := s.prescriptions
	s.mu.RUnlock()

	now := s.deps.Clock.Now()
	loc := preferences.Location(prefs)

	var occs []reminder.Occurrence
	for _, rx := range rxs {
		if !rx.IsActive() {
			continue
		}
		for _, med := range rx.Medications {
			for _, dose := range s.deps.Expander.ExpandSince(med, now.Add(-quietHoursLookback), now, loc) {
				for _, ct := range s.deps.Resolver.Resolve(dose, prefs) {
					if ct.FireAt.Before(notBefore) {
						continue
					}
					occs = append(occs, reminder.NewOccurrence(s.patientID, med, dose, ct.FireAt, ct.Channel))
				}
			}
		}
	}

	added, removed := s.store.Regenerate(occs, now)
	s.updateTracked()
	if added > 0 || removed > 0 {
		s.logger.Debug("schedule regenerated",
			zap.Int("added", added),
			zap.Int("removed", removed),
			zap.Int("tracked", s.store.Len()))
	}
}

func (s *Session) updateTracked() {
	n := s.store.Len()
	s.mu.Lock()
	delta := n - s.tracked
	s.tracked = n
	stopped := s.stopped
	s.mu.Unlock()
	if delta != 0 && !stopped && s.deps.Metrics != nil {
		s.deps.Metrics.AddTracked(delta)
	}
}

// syncPush subscribes when push is enabled and unsubscribes when it is
// switched off. Both run in the background; a denied permission narrows the
// push channel.
func (s *Session) syncPush(prefs reminder.Preferences) {
	if s.deps.Push == nil {
		return
	}
	want := prefs.Enabled(reminder.ChannelPush)

	s.mu.Lock()
	if s.stopped || want == s.pushActive {
		s.mu.Unlock()
		return
	}
	s.pushActive = want
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FetchTimeout)
		defer cancel()

		if !want {
			if err := s.deps.Push.Unsubscribe(ctx); err != nil {
				s.logger.Warn("push unsubscribe failed", zap.Error(err))
			}
			return
		}
		_, err := s.deps.Push.Subscribe(ctx, s.cfg.VAPIDPublicKey)
		switch {
		case err == nil:
		case errors.Is(err, reminder.ErrPermissionDenied), errors.Is(err, reminder.ErrChannelUnavailable):
			s.NarrowChannel(reminder.ChannelPush)
		default:
			if s.ctx.Err() == nil {
				s.logger.Error("push subscribe failed", zap.Error(err))
			}
		}
	}()
}

func (s *Session) publish(ctx context.Context, eventType reminder.EventType, occ reminder.Occurrence, at time.Time) {
	if s.deps.Events == nil || s.cfg.Poller.EventsTopic == "" {
		return
	}
	event, err := reminder.NewReminderEvent(eventType, occ, at)
	if err != nil {
		s.logger.Warn("failed to build event", zap.Error(err))
		return
	}
	value, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal event", zap.Error(err))
		return
	}
	if err := s.deps.Events.Publish(ctx, s.cfg.Poller.EventsTopic, s.patientID, value); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

func (s *Session) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

func channelNames(chs []reminder.Channel) []string {
	out := make([]string, len(chs))
	for i, ch := range chs {
		out[i] = string(ch)
	}
	return out
}
