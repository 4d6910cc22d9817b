package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/dispatch"
	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// Tab is one attached browser tab of a patient
type Tab interface {
	ID() string
	Permission() reminder.Permission
	Show(ctx context.Context, n dispatch.Notification) error
	RequestPermission(ctx context.Context) (reminder.Permission, error)
	Subscribe(ctx context.Context, vapidPublicKey string) (reminder.PushSubscription, error)
	Unsubscribe(ctx context.Context) error
}

// Tabs is the live tab set of one patient. It stands in for a single browser
// towards the dispatcher and the subscription manager: every call goes to the
// leader, the earliest attached tab that has notification permission, or the
// earliest attached tab when none has.
type Tabs struct {
	mu   sync.RWMutex
	tabs []Tab
}

func (t *Tabs) add(tab Tab) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.tabs {
		if existing.ID() == tab.ID() {
			return
		}
	}
	t.tabs = append(t.tabs, tab)
}

// remove drops tab and reports how many tabs are left
func (t *Tabs) remove(tab Tab) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.tabs {
		if existing.ID() == tab.ID() {
			t.tabs = append(t.tabs[:i], t.tabs[i+1:]...)
			break
		}
	}
	return len(t.tabs)
}

// Len returns the number of attached tabs
func (t *Tabs) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tabs)
}

// Leader returns the tab that shows notifications
func (t *Tabs) Leader() (Tab, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.tabs) == 0 {
		return nil, false
	}
	for _, tab := range t.tabs {
		if tab.Permission() == reminder.PermissionGranted {
			return tab, true
		}
	}
	return t.tabs[0], true
}

// IsLeader reports whether id is the current leader
func (t *Tabs) IsLeader(id string) bool {
	leader, ok := t.Leader()
	return ok && leader.ID() == id
}

func (t *Tabs) Permission() reminder.Permission {
	leader, ok := t.Leader()
	if !ok {
		return reminder.PermissionDefault
	}
	return leader.Permission()
}

func (t *Tabs) Show(ctx context.Context, n dispatch.Notification) error {
	leader, ok := t.Leader()
	if !ok {
		return fmt.Errorf("%w: no attached tab", reminder.ErrTransportFailure)
	}
	return leader.Show(ctx, n)
}

func (t *Tabs) RequestPermission(ctx context.Context) (reminder.Permission, error) {
	leader, ok := t.Leader()
	if !ok {
		return reminder.PermissionDefault, fmt.Errorf("%w: no attached tab", reminder.ErrTransportFailure)
	}
	return leader.RequestPermission(ctx)
}

func (t *Tabs) Subscribe(ctx context.Context, vapidPublicKey string) (reminder.PushSubscription, error) {
	leader, ok := t.Leader()
	if !ok {
		return reminder.PushSubscription{}, fmt.Errorf("%w: no attached tab", reminder.ErrTransportFailure)
	}
	return leader.Subscribe(ctx, vapidPublicKey)
}

func (t *Tabs) Unsubscribe(ctx context.Context) error {
	leader, ok := t.Leader()
	if !ok {
		return nil
	}
	return leader.Unsubscribe(ctx)
}

// Factory builds an unstarted session for a patient whose tabs are tabs
type Factory func(patientID string, tabs *Tabs) (*Session, error)

type patientEntry struct {
	mu      sync.Mutex
	tabs    *Tabs
	session *Session
	closed  bool
}

// Registry keeps one session per patient with at least one attached tab
type Registry struct {
	factory Factory
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*patientEntry
	closed  bool
}

// ErrRegistryClosed is returned by Attach after Close
var ErrRegistryClosed = errors.New("session registry closed")

// NewRegistry creates an empty registry
func NewRegistry(factory Factory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factory: factory,
		logger:  logger,
		entries: make(map[string]*patientEntry),
	}
}

// Attach adds tab to the patient's tab set and returns the running session,
// creating and starting it for the first tab.
func (r *Registry) Attach(ctx context.Context, patientID string, tab Tab) (*Session, error) {
	for {
		e, err := r.entry(patientID)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		if e.closed {
			// lost a race with the last Detach; take a fresh entry
			e.mu.Unlock()
			continue
		}
		e.tabs.add(tab)
		if e.session != nil {
			s := e.session
			e.mu.Unlock()
			return s, nil
		}

		s, err := r.open(ctx, patientID, e.tabs)
		if err != nil {
			e.tabs.remove(tab)
			e.closed = e.tabs.Len() == 0
			e.mu.Unlock()
			if e.closed {
				r.drop(patientID, e)
			}
			return nil, err
		}
		e.session = s
		e.mu.Unlock()

		r.logger.Info("session opened",
			zap.String("patient_id", patientID),
			zap.String("tab_id", tab.ID()))
		return s, nil
	}
}

func (r *Registry) entry(patientID string) (*patientEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	e, ok := r.entries[patientID]
	if !ok {
		e = &patientEntry{tabs: &Tabs{}}
		r.entries[patientID] = e
	}
	return e, nil
}

func (r *Registry) open(ctx context.Context, patientID string, tabs *Tabs) (*Session, error) {
	s, err := r.factory(patientID, tabs)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := s.Start(ctx); err != nil {
		_ = s.Stop()
		return nil, fmt.Errorf("start session: %w", err)
	}
	return s, nil
}

// Detach removes tab and stops the session when it was the last one
func (r *Registry) Detach(patientID string, tab Tab) {
	r.mu.Lock()
	e, ok := r.entries[patientID]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.closed || e.tabs.remove(tab) > 0 {
		e.mu.Unlock()
		return
	}
	e.closed = true
	s := e.session
	e.session = nil
	e.mu.Unlock()

	r.drop(patientID, e)
	if s != nil {
		if err := s.Stop(); err != nil {
			r.logger.Warn("session stop reported errors",
				zap.String("patient_id", patientID),
				zap.Error(err))
		}
	}
	r.logger.Info("session closed", zap.String("patient_id", patientID))
}

func (r *Registry) drop(patientID string, e *patientEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[patientID] == e {
		delete(r.entries, patientID)
	}
}

// Get returns the running session of patientID
func (r *Registry) Get(patientID string) (*Session, bool) {
	r.mu.Lock()
	e, ok := r.entries[patientID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, false
	}
	return e.session, true
}

// Len returns the number of open sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops every session and refuses further attaches
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*patientEntry)
	r.mu.Unlock()

	var errs []error
	for patientID, e := range entries {
		e.mu.Lock()
		e.closed = true
		s := e.session
		e.session = nil
		e.mu.Unlock()
		if s == nil {
			continue
		}
		if err := s.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("patient %s: %w", patientID, err))
		}
	}
	return errors.Join(errs...)
}
