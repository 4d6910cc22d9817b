// Package reminder holds the medication reminder domain model: medications and
// prescriptions read from the prescribing system, patient notification
// preferences, generated reminder occurrences and push subscriptions.
package reminder

import (
	"fmt"
	"strings"
	"time"
)

// Medication is a single prescribed drug with its dosing schedule.
// Medications are immutable once issued.
type Medication struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Dosage           string     `json:"dosage"`
	FrequencyPerDay  int        `json:"frequency_per_day"`
	DoseTimes        []string   `json:"dose_times,omitempty"`
	StartDate        time.Time  `json:"start_date"`
	EndDate          *time.Time `json:"end_date,omitempty"`
	RefillsRemaining int        `json:"refills_remaining"`
}

// PrescriptionStatus is set by the prescribing system
type PrescriptionStatus string

const (
	PrescriptionActive    PrescriptionStatus = "ACTIVE"
	PrescriptionCompleted PrescriptionStatus = "COMPLETED"
	PrescriptionExpired   PrescriptionStatus = "EXPIRED"
	PrescriptionCancelled PrescriptionStatus = "CANCELLED"
)

// Prescription groups the medications issued together
type Prescription struct {
	ID          string             `json:"id"`
	Medications []Medication       `json:"medications"`
	Status      PrescriptionStatus `json:"status"`
	IssueDate   time.Time          `json:"issue_date"`
	ExpiryDate  time.Time          `json:"expiry_date"`
}

// IsActive reports whether the prescription feeds the scheduler
func (p Prescription) IsActive() bool {
	return p.Status == PrescriptionActive
}

// Channel is a delivery channel for a reminder
type Channel string

const (
	ChannelBrowser Channel = "browser"
	ChannelPush    Channel = "push"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
)

// AllChannels lists channels in dispatch priority order
var AllChannels = []Channel{ChannelBrowser, ChannelPush, ChannelEmail, ChannelSMS}

// ParseChannel parses a channel name case-insensitively
func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(s))) {
	case ChannelBrowser:
		return ChannelBrowser, nil
	case ChannelPush:
		return ChannelPush, nil
	case ChannelEmail:
		return ChannelEmail, nil
	case ChannelSMS:
		return ChannelSMS, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Interactive reports whether the channel interrupts the patient immediately.
// Interactive channels are subject to quiet hours.
func (c Channel) Interactive() bool {
	return c == ChannelBrowser || c == ChannelPush
}

// Preferences are the patient-owned notification settings.
// QuietHoursStart and QuietHoursEnd are HH:MM in Timezone.
type Preferences struct {
	EnabledChannels []Channel `json:"enabled_channels"`
	QuietHoursStart string    `json:"quiet_hours_start"`
	QuietHoursEnd   string    `json:"quiet_hours_end"`
	LeadTimeMinutes int       `json:"lead_time_minutes"`
	SnoozeMinutes   int       `json:"snooze_minutes"`
	Timezone        string    `json:"timezone,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Enabled reports whether ch is in the enabled set
func (p Preferences) Enabled(ch Channel) bool {
	for _, c := range p.EnabledChannels {
		if c == ch {
			return true
		}
	}
	return false
}

// Occurrence is one concrete reminder for one dose on one channel.
// ScheduledTime is the dose time; FireAt is when the reminder is due after
// lead time and quiet hours are applied.
type Occurrence struct {
	PatientID      string     `json:"patient_id"`
	MedicationID   string     `json:"medication_id"`
	MedicationName string     `json:"medication_name"`
	Dosage         string     `json:"dosage"`
	ScheduledTime  time.Time  `json:"scheduled_time"`
	FireAt         time.Time  `json:"fire_at"`
	Channel        Channel    `json:"channel"`
	DedupKey       string     `json:"dedup_key"`
	Fired          bool       `json:"fired"`
	Missed         bool       `json:"missed"`
	FiredAt        *time.Time `json:"fired_at,omitempty"`
}

// NewOccurrence builds an unfired occurrence and computes its dedup key
func NewOccurrence(patientID string, med Medication, scheduled, fireAt time.Time, ch Channel) Occurrence {
	return Occurrence{
		PatientID:      patientID,
		MedicationID:   med.ID,
		MedicationName: med.Name,
		Dosage:         med.Dosage,
		ScheduledTime:  scheduled,
		FireAt:         fireAt,
		Channel:        ch,
		DedupKey:       DedupKey(med.ID, scheduled, ch),
	}
}

// PushKeys are the browser-generated keys of a push subscription
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription is a browser push endpoint. A key rotation produces a new
// subscription rather than mutating this one.
type PushSubscription struct {
	Endpoint     string     `json:"endpoint"`
	Keys         PushKeys   `json:"keys"`
	UserID       string     `json:"user_id"`
	RegisteredAt time.Time  `json:"registered_at"`
	ExpiresAt    *time.Time `json:"expiration_time,omitempty"`
}

// Validate checks the fields required for delivery
func (s PushSubscription) Validate() error {
	if strings.TrimSpace(s.Endpoint) == "" {
		return fmt.Errorf("%w: subscription endpoint required", ErrValidationFailure)
	}
	if s.Keys.P256dh == "" || s.Keys.Auth == "" {
		return fmt.Errorf("%w: subscription keys required", ErrValidationFailure)
	}
	return nil
}

// Expired reports whether the subscription has passed its expiration time
func (s PushSubscription) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// SameAs reports whether two subscriptions are the same registration
func (s PushSubscription) SameAs(o PushSubscription) bool {
	return s.Endpoint == o.Endpoint && s.Keys == o.Keys && s.UserID == o.UserID
}

// Contact holds addresses for the asynchronous channels
type Contact struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Permission is the local notification permission state of a browser tab
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)
