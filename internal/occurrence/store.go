// Package occurrence holds the deduplicated set of generated reminder
// occurrences and their delivery state. It is the only authority the poller
// consults about whether a reminder may still fire.
package occurrence

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// State is the delivery state of an occurrence
type State string

const (
	StatePending  State = "pending"
	StateInFlight State = "in_flight"
	StateFired    State = "fired"
	StateMissed   State = "missed"
)

// Config holds store configuration
type Config struct {
	// RetentionWindow keeps fired entries around after their dose time so a
	// regeneration inside the window still sees them as fired
	RetentionWindow time.Duration
}

// DefaultConfig returns a 48 hour retention window
func DefaultConfig() Config {
	return Config{RetentionWindow: 48 * time.Hour}
}

// Marker is the persisted fired state of one occurrence
type Marker struct {
	DedupKey string
	Missed   bool
	FiredAt  time.Time
}

// Stats counts entries by state
type Stats struct {
	Pending  int
	InFlight int
	Fired    int
	Missed   int
}

type entry struct {
	occ   reminder.Occurrence
	state State
	adhoc bool
}

// Store is safe for concurrent use. Every mutation runs under one mutex so a
// regeneration can never interleave with a claim.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	markers map[string]Marker
	sealed  bool

	config Config
	logger *zap.Logger
}

// New creates an empty store
func New(cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = DefaultConfig().RetentionWindow
	}
	return &Store{
		entries: make(map[string]*entry),
		markers: make(map[string]Marker),
		config:  cfg,
		logger:  logger,
	}
}

// UpsertBatch merges generated occurrences. New keys are added as pending,
// pending entries take the new fire time, and fired, missed or in-flight
// entries are left untouched. It returns the number of keys added.
func (s *Store) UpsertBatch(occs []reminder.Occurrence) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return 0
	}
	return s.upsertLocked(occs, false)
}

// Add inserts an ad-hoc occurrence such as a snoozed reminder. Ad-hoc entries
// survive regeneration.
func (s *Store) Add(occ reminder.Occurrence) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return false
	}
	return s.upsertLocked([]reminder.Occurrence{occ}, true) == 1
}

func (s *Store) upsertLocked(occs []reminder.Occurrence, adhoc bool) int {
	added := 0
	for _, occ := range occs {
		if occ.DedupKey == "" {
			occ.DedupKey = reminder.DedupKey(occ.MedicationID, occ.ScheduledTime, occ.Channel)
		}

		if e, ok := s.entries[occ.DedupKey]; ok {
			if e.state == StatePending {
				e.occ = occ
			}
			continue
		}

		e := &entry{occ: occ, state: StatePending, adhoc: adhoc}
		if m, ok := s.markers[occ.DedupKey]; ok {
			applyMarker(e, m)
		}
		e.occ.Fired = e.state == StateFired || e.state == StateMissed
		s.entries[occ.DedupKey] = e
		added++
	}
	return added
}

// Regenerate merges a freshly generated set and drops pending entries firing
// at or after from that the new set no longer contains, such as reminders for
// a channel that was switched off. Entries already due are left for the
// poller. Fired, missed, in-flight and ad-hoc entries are never dropped.
func (s *Store) Regenerate(occs []reminder.Occurrence, from time.Time) (added, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return 0, 0
	}

	keep := make(map[string]bool, len(occs))
	for _, occ := range occs {
		keep[occ.DedupKey] = true
	}
	for key, e := range s.entries {
		if e.state != StatePending || e.adhoc || keep[key] || e.occ.FireAt.Before(from) {
			continue
		}
		delete(s.entries, key)
		removed++
	}

	added = s.upsertLocked(occs, false)
	return added, removed
}

// PruneBefore removes entries whose dose time is older than
// cutoff - RetentionWindow. In-flight entries are kept until completed.
func (s *Store) PruneBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return 0
	}

	limit := cutoff.Add(-s.config.RetentionWindow)
	removed := 0
	for key, e := range s.entries {
		if e.state == StateInFlight || !e.occ.ScheduledTime.Before(limit) {
			continue
		}
		delete(s.entries, key)
		removed++
	}
	for key, m := range s.markers {
		if m.FiredAt.Before(limit) {
			delete(s.markers, key)
		}
	}
	return removed
}

// ClaimDue moves every pending occurrence with FireAt <= now <= FireAt+grace
// to in-flight and returns it. Pending occurrences past their grace window are
// marked fired with the missed flag instead and returned separately; they are
// never dispatched. Both slices are ordered by fire time.
func (s *Store) ClaimDue(now time.Time, grace time.Duration) (due, missed []reminder.Occurrence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil, nil
	}

	for _, e := range s.entries {
		if e.state != StatePending || now.Before(e.occ.FireAt) {
			continue
		}
		if now.After(e.occ.FireAt.Add(grace)) {
			e.state = StateMissed
			e.occ.Fired = true
			e.occ.Missed = true
			firedAt := now
			e.occ.FiredAt = &firedAt
			missed = append(missed, e.occ)
			continue
		}
		e.state = StateInFlight
		due = append(due, e.occ)
	}

	sortByFireAt(due)
	sortByFireAt(missed)
	return due, missed
}

// Complete finishes an in-flight occurrence. On success it becomes fired;
// otherwise it returns to pending and may be claimed again while inside its
// grace window. It reports whether the entry changed.
func (s *Store) Complete(key string, ok bool, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return false
	}

	e, found := s.entries[key]
	if !found || e.state != StateInFlight {
		return false
	}
	if !ok {
		e.state = StatePending
		return true
	}
	e.state = StateFired
	e.occ.Fired = true
	firedAt := at
	e.occ.FiredAt = &firedAt
	return true
}

// Restore applies persisted fired markers. Markers for keys not yet generated
// are remembered and applied when the key is upserted.
func (s *Store) Restore(markers []Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return
	}
	for _, m := range markers {
		s.markers[m.DedupKey] = m
		if e, ok := s.entries[m.DedupKey]; ok && e.state == StatePending {
			applyMarker(e, m)
		}
	}
}

func applyMarker(e *entry, m Marker) {
	e.state = StateFired
	if m.Missed {
		e.state = StateMissed
	}
	firedAt := m.FiredAt
	e.occ.Fired = true
	e.occ.Missed = m.Missed
	e.occ.FiredAt = &firedAt
}

// Get returns the occurrence stored under key
func (s *Store) Get(key string) (reminder.Occurrence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return reminder.Occurrence{}, false
	}
	return e.occ, true
}

// StateOf returns the delivery state of key
func (s *Store) StateOf(key string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Snapshot returns a copy of every occurrence ordered by fire time
func (s *Store) Snapshot() []reminder.Occurrence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]reminder.Occurrence, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.occ)
	}
	sortByFireAt(out)
	return out
}

// Len returns the number of tracked occurrences
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns entry counts by state
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, e := range s.entries {
		switch e.state {
		case StatePending:
			st.Pending++
		case StateInFlight:
			st.InFlight++
		case StateFired:
			st.Fired++
		case StateMissed:
			st.Missed++
		}
	}
	return st
}

// Seal stops all further writes. It is called when the owning session is torn
// down so late completions cannot touch the store.
func (s *Store) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sealed {
		s.sealed = true
		s.logger.Debug("occurrence store sealed", zap.Int("entries", len(s.entries)))
	}
}

// Sealed reports whether Seal was called
func (s *Store) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

func sortByFireAt(occs []reminder.Occurrence) {
	sort.Slice(occs, func(i, j int) bool {
		if occs[i].FireAt.Equal(occs[j].FireAt) {
			return occs[i].DedupKey < occs[j].DedupKey
		}
		return occs[i].FireAt.Before(occs[j].FireAt)
	})
}
