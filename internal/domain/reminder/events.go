package reminder

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventReminderDelivered      EventType = "ReminderDelivered"
	EventReminderMissed         EventType = "ReminderMissed"
	EventReminderSnoozed        EventType = "ReminderSnoozed"
	EventSubscriptionRegistered EventType = "SubscriptionRegistered"
	EventSubscriptionRemoved    EventType = "SubscriptionRemoved"
)

// Event represents a domain event published to the reminder event stream
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	PatientID     string          `json:"patient_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateType, aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// ReminderData describes a delivered, missed or snoozed occurrence
type ReminderData struct {
	DedupKey      string    `json:"dedup_key"`
	MedicationID  string    `json:"medication_id"`
	Channel       Channel   `json:"channel"`
	ScheduledTime time.Time `json:"scheduled_time"`
	FireAt        time.Time `json:"fire_at"`
	At            time.Time `json:"at"`
}

// SubscriptionData describes a subscription lifecycle change
type SubscriptionData struct {
	Endpoint string    `json:"endpoint"`
	UserID   string    `json:"user_id"`
	At       time.Time `json:"at"`
}

// NewReminderEvent builds a reminder event keyed by the occurrence dedup key
func NewReminderEvent(eventType EventType, occ Occurrence, at time.Time) (*Event, error) {
	evt, err := NewEvent("Reminder", occ.DedupKey, eventType, ReminderData{
		DedupKey:      occ.DedupKey,
		MedicationID:  occ.MedicationID,
		Channel:       occ.Channel,
		ScheduledTime: occ.ScheduledTime,
		FireAt:        occ.FireAt,
		At:            at,
	})
	if err != nil {
		return nil, err
	}
	evt.PatientID = occ.PatientID
	return evt, nil
}
