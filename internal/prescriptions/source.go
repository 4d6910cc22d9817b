// Package prescriptions reads a patient's prescriptions and contact details
// from the prescribing system.
package prescriptions

import (
	"context"
	"sync"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// Source is the prescribing system as the scheduler sees it
type Source interface {
	// ListActivePrescriptions returns the patient's ACTIVE prescriptions
	ListActivePrescriptions(ctx context.Context, patientID string) ([]reminder.Prescription, error)
	// PatientContact returns the addresses used by the email and SMS channels
	PatientContact(ctx context.Context, patientID string) (reminder.Contact, error)
}

// StaticSource serves fixed data. It backs tests and single-patient demos.
type StaticSource struct {
	mu            sync.RWMutex
	prescriptions map[string][]reminder.Prescription
	contacts      map[string]reminder.Contact
	err           error
}

func NewStaticSource() *StaticSource {
	return &StaticSource{
		prescriptions: make(map[string][]reminder.Prescription),
		contacts:      make(map[string]reminder.Contact),
	}
}

// Set replaces the patient's prescriptions
func (s *StaticSource) Set(patientID string, rx ...reminder.Prescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prescriptions[patientID] = append([]reminder.Prescription(nil), rx...)
}

// SetContact replaces the patient's contact
func (s *StaticSource) SetContact(patientID string, c reminder.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[patientID] = c
}

// Fail makes every call return err until it is called again with nil
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticSource) ListActivePrescriptions(ctx context.Context, patientID string) ([]reminder.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return ActiveOnly(s.prescriptions[patientID]), nil
}

func (s *StaticSource) PatientContact(ctx context.Context, patientID string) (reminder.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return reminder.Contact{}, s.err
	}
	return s.contacts[patientID], nil
}

// ActiveOnly filters out prescriptions that are not ACTIVE
func ActiveOnly(rx []reminder.Prescription) []reminder.Prescription {
	out := make([]reminder.Prescription, 0, len(rx))
	for _, p := range rx {
		if p.IsActive() {
			out = append(out, p)
		}
	}
	return out
}
