// Package subscription manages the push-channel lifecycle of one patient
// session: permission, subscribe, rotation, unsubscribe and registry sync.
package subscription

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/pkg/clock"
)

// State is the lifecycle position of the push subscription
type State string

const (
	StateUnregistered        State = "unregistered"
	StatePermissionRequested State = "permission_requested"
	StateSubscribed          State = "subscribed"
	StateActive              State = "active"
)

// ErrClosed is returned by operations after Close
var ErrClosed = errors.New("subscription manager closed")

// PermissionRequester asks the patient for notification permission
type PermissionRequester interface {
	RequestPermission(ctx context.Context) (reminder.Permission, error)
}

// PushTransport creates and removes the browser-side subscription
type PushTransport interface {
	Subscribe(ctx context.Context, vapidPublicKey string) (reminder.PushSubscription, error)
	Unsubscribe(ctx context.Context) error
}

// Registry is the server-side subscription registry. Both calls must be
// idempotent.
type Registry interface {
	Subscribe(ctx context.Context, sub reminder.PushSubscription) error
	Unsubscribe(ctx context.Context, sub reminder.PushSubscription) error
}

// SyncObserver is told about failed registry syncs
type SyncObserver interface {
	SyncFailed()
}

// Config holds retry settings for registry calls
type Config struct {
	VAPIDPublicKey      string
	SyncTimeout         time.Duration
	SyncInitialInterval time.Duration
	SyncMaxInterval     time.Duration
	SyncMaxElapsed      time.Duration
}

func DefaultConfig() Config {
	return Config{
		SyncTimeout:         10 * time.Second,
		SyncInitialInterval: time.Second,
		SyncMaxInterval:     time.Minute,
		SyncMaxElapsed:      30 * time.Minute,
	}
}

// Manager owns one patient's push subscription. Public operations are
// serialized; background registry retries stop on Close.
type Manager struct {
	cfg       Config
	userID    string
	perms     PermissionRequester
	transport PushTransport
	registry  Registry
	observer  SyncObserver
	clock     clock.Clock
	logger    *zap.Logger
	tracer    trace.Tracer

	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	granted  bool
	sub      *reminder.PushSubscription
	vapidKey string
	synced   string
	retrying map[string]bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager. registry and observer may be nil.
func New(cfg Config, userID string, perms PermissionRequester, transport PushTransport, registry Registry, observer SyncObserver, clk clock.Clock, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}
	if cfg.SyncInitialInterval <= 0 {
		cfg.SyncInitialInterval = def.SyncInitialInterval
	}
	if cfg.SyncMaxInterval <= 0 {
		cfg.SyncMaxInterval = def.SyncMaxInterval
	}
	if cfg.SyncMaxElapsed <= 0 {
		cfg.SyncMaxElapsed = def.SyncMaxElapsed
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		userID:    userID,
		perms:     perms,
		transport: transport,
		registry:  registry,
		observer:  observer,
		clock:     clk,
		logger:    logger.With(zap.String("patient_id", userID)),
		tracer:    otel.Tracer("medremind.subscription"),
		state:     StateUnregistered,
		vapidKey:  cfg.VAPIDPublicKey,
		retrying:  make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveSubscription returns the subscription once it is synced to the registry
func (m *Manager) ActiveSubscription() (reminder.PushSubscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive || m.sub == nil {
		return reminder.PushSubscription{}, false
	}
	return *m.sub, true
}

// Current returns the local subscription in any state
func (m *Manager) Current() (reminder.PushSubscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == nil {
		return reminder.PushSubscription{}, false
	}
	return *m.sub, true
}

// RequestPermission asks for notification permission. It is a no-op once
// permission has been granted.
func (m *Manager) RequestPermission(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.requestPermission(ctx)
}

func (m *Manager) requestPermission(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.granted {
		if m.state == StateUnregistered {
			m.state = StatePermissionRequested
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if m.perms == nil {
		return fmt.Errorf("%w: no permission api", reminder.ErrChannelUnavailable)
	}

	ctx, span := m.tracer.Start(ctx, "subscription.request_permission")
	defer span.End()

	perm, err := m.perms.RequestPermission(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("permission", string(perm)))
	if perm != reminder.PermissionGranted {
		return fmt.Errorf("%w: permission %s", reminder.ErrPermissionDenied, perm)
	}

	m.mu.Lock()
	m.granted = true
	if m.state == StateUnregistered {
		m.state = StatePermissionRequested
	}
	m.mu.Unlock()
	return nil
}

// Subscribe returns the active subscription when one exists for the same key.
// Otherwise it creates one and syncs it to the registry. A failed sync leaves
// the subscription in StateSubscribed and retries in the background.
func (m *Manager) Subscribe(ctx context.Context, vapidPublicKey string) (reminder.PushSubscription, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.checkOpen(); err != nil {
		return reminder.PushSubscription{}, err
	}
	if vapidPublicKey == "" {
		vapidPublicKey = m.vapidKey
	}

	m.mu.Lock()
	existing := m.sub
	sameKey := vapidPublicKey == m.vapidKey
	state := m.state
	m.mu.Unlock()

	if existing != nil && sameKey && !existing.Expired(m.clock.Now()) {
		if state == StateActive {
			return *existing, nil
		}
		m.trySync(ctx, *existing)
		return *existing, nil
	}

	if err := m.requestPermission(ctx); err != nil {
		return reminder.PushSubscription{}, err
	}
	return m.createLocked(ctx, vapidPublicKey)
}

func (m *Manager) createLocked(ctx context.Context, vapidPublicKey string) (reminder.PushSubscription, error) {
	if m.transport == nil {
		return reminder.PushSubscription{}, fmt.Errorf("%w: no push transport", reminder.ErrChannelUnavailable)
	}

	ctx, span := m.tracer.Start(ctx, "subscription.subscribe")
	defer span.End()

	sub, err := m.transport.Subscribe(ctx, vapidPublicKey)
	if err != nil {
		span.RecordError(err)
		return reminder.PushSubscription{}, err
	}
	return m.install(ctx, sub, vapidPublicKey)
}

// Rotate replaces the current subscription with next, as happens when the
// browser rotates keys. The old registration is removed from the registry.
func (m *Manager) Rotate(ctx context.Context, next reminder.PushSubscription) (reminder.PushSubscription, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.checkOpen(); err != nil {
		return reminder.PushSubscription{}, err
	}
	m.mu.Lock()
	key := m.vapidKey
	m.mu.Unlock()
	return m.install(ctx, next, key)
}

// install supersedes any current subscription with sub and syncs it
func (m *Manager) install(ctx context.Context, sub reminder.PushSubscription, vapidPublicKey string) (reminder.PushSubscription, error) {
	if sub.UserID == "" {
		sub.UserID = m.userID
	}
	if sub.RegisteredAt.IsZero() {
		sub.RegisteredAt = m.clock.Now()
	}
	if err := sub.Validate(); err != nil {
		return reminder.PushSubscription{}, err
	}

	m.mu.Lock()
	old := m.sub
	m.sub = &sub
	m.vapidKey = vapidPublicKey
	m.granted = true
	m.state = StateSubscribed
	m.mu.Unlock()

	if old != nil && !old.SameAs(sub) {
		m.logger.Info("push subscription superseded", zap.String("old_endpoint", old.Endpoint))
		m.retryInBackground(*old, false)
	}

	m.trySync(ctx, sub)
	return sub, nil
}

// HandleExpired discards the current subscription and subscribes again with
// the last VAPID key.
func (m *Manager) HandleExpired(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.checkOpen(); err != nil {
		return err
	}

	m.mu.Lock()
	key := m.vapidKey
	if m.sub != nil && m.state == StateActive {
		m.state = StateSubscribed
	}
	m.mu.Unlock()

	m.logger.Info("push subscription expired, resubscribing")
	_, err := m.createLocked(ctx, key)
	if err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes the local subscription immediately. Browser and
// registry removal are best effort and never fail the call.
func (m *Manager) Unsubscribe(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	old := m.sub
	m.sub = nil
	m.synced = ""
	m.state = StateUnregistered
	m.mu.Unlock()

	if old == nil {
		return nil
	}

	if m.transport != nil {
		if err := m.transport.Unsubscribe(ctx); err != nil {
			m.logger.Warn("browser unsubscribe failed", zap.Error(err))
		}
	}
	m.retryInBackground(*old, false)
	return nil
}

// SyncToServer registers sub with the registry. Repeating the call for an
// already synced subscription does nothing.
func (m *Manager) SyncToServer(ctx context.Context, sub reminder.PushSubscription) error {
	if m.registry == nil {
		m.markSynced(sub)
		return nil
	}

	fp := fingerprint(sub)
	m.mu.Lock()
	done := m.synced == fp
	m.mu.Unlock()
	if done {
		return nil
	}

	ctx, span := m.tracer.Start(ctx, "subscription.sync")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SyncTimeout)
	defer cancel()

	if err := m.registry.Subscribe(ctx, sub); err != nil {
		span.RecordError(err)
		return err
	}
	m.markSynced(sub)
	return nil
}

func (m *Manager) markSynced(sub reminder.PushSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced = fingerprint(sub)
	if m.sub != nil && m.sub.SameAs(sub) {
		m.state = StateActive
	}
}

// trySync makes one inline attempt and hands failures to a background retry
func (m *Manager) trySync(ctx context.Context, sub reminder.PushSubscription) {
	err := m.SyncToServer(ctx, sub)
	if err == nil {
		return
	}
	m.syncFailed(err)
	if isPermanent(err) {
		return
	}
	m.retryInBackground(sub, true)
}

// retryInBackground registers (register=true) or removes sub with backoff
func (m *Manager) retryInBackground(sub reminder.PushSubscription, register bool) {
	if m.registry == nil {
		return
	}

	op := "unsubscribe"
	if register {
		op = "subscribe"
	}
	id := op + ":" + fingerprint(sub)

	m.mu.Lock()
	if m.closed || m.retrying[id] {
		m.mu.Unlock()
		return
	}
	m.retrying[id] = true
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.retrying, id)
			m.mu.Unlock()
		}()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = m.cfg.SyncInitialInterval
		b.MaxInterval = m.cfg.SyncMaxInterval

		_, err := backoff.Retry(m.ctx, func() (struct{}, error) {
			if register && !m.stillCurrent(sub) {
				return struct{}{}, nil
			}
			// removal is by endpoint; a re-subscribe on it must survive
			if !register && m.endpointCurrent(sub.Endpoint) {
				return struct{}{}, nil
			}
			var err error
			if register {
				err = m.SyncToServer(m.ctx, sub)
			} else {
				err = m.unregister(m.ctx, sub)
			}
			if err != nil {
				m.syncFailed(err)
				if isPermanent(err) {
					return struct{}{}, backoff.Permanent(err)
				}
			}
			return struct{}{}, err
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(m.cfg.SyncMaxElapsed),
		)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("registry "+op+" abandoned", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
	}()
}

func (m *Manager) unregister(ctx context.Context, sub reminder.PushSubscription) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SyncTimeout)
	defer cancel()
	return m.registry.Unsubscribe(ctx, sub)
}

func (m *Manager) stillCurrent(sub reminder.PushSubscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub != nil && m.sub.SameAs(sub)
}

func (m *Manager) endpointCurrent(endpoint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub != nil && m.sub.Endpoint == endpoint
}

func (m *Manager) syncFailed(err error) {
	m.logger.Warn("registry sync failed", zap.Error(err))
	if m.observer != nil {
		m.observer.SyncFailed()
	}
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Wait blocks until background registry retries finish
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close cancels background retries and waits for them to exit
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func isPermanent(err error) bool {
	return errors.Is(err, reminder.ErrValidationFailure) || errors.Is(err, reminder.ErrRejected)
}

func fingerprint(sub reminder.PushSubscription) string {
	h := sha256.Sum256([]byte(sub.UserID + "|" + sub.Endpoint + "|" + sub.Keys.P256dh + "|" + sub.Keys.Auth))
	return hex.EncodeToString(h[:])
}
