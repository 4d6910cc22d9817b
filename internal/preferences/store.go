package preferences

import (
	"context"
	"sync"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/pkg/clock"
)

// Store persists preferences per patient. Get returns merged defaults for a
// patient with nothing stored. Set is last-write-wins by UpdatedAt and returns
// the value that is stored afterwards.
type Store interface {
	Get(ctx context.Context, patientID string) (reminder.Preferences, error)
	Set(ctx context.Context, patientID string, prefs reminder.Preferences) (reminder.Preferences, error)
}

// MemoryStore keeps preferences in process
type MemoryStore struct {
	mu    sync.RWMutex
	prefs map[string]reminder.Preferences
	clock clock.Clock
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{prefs: make(map[string]reminder.Preferences), clock: clk}
}

func (s *MemoryStore) Get(_ context.Context, patientID string) (reminder.Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[patientID]
	if !ok {
		return Defaults(), nil
	}
	return Merge(p), nil
}

func (s *MemoryStore) Set(_ context.Context, patientID string, prefs reminder.Preferences) (reminder.Preferences, error) {
	if prefs.UpdatedAt.IsZero() {
		prefs.UpdatedAt = s.clock.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.prefs[patientID]; ok && existing.UpdatedAt.After(prefs.UpdatedAt) {
		return Merge(existing), nil
	}
	s.prefs[patientID] = prefs
	return Merge(prefs), nil
}
