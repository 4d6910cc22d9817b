// Package notify hands email and SMS reminders to external providers. Success
// means the provider accepted the message, not that it was delivered.
package notify

import (
	"context"
	"fmt"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// Message is a provider-neutral outbound notification. Key is the reminder
// dedup key and lets downstream relays drop duplicates.
type Message struct {
	Key       string           `json:"key"`
	PatientID string           `json:"patient_id,omitempty"`
	Channel   reminder.Channel `json:"channel"`
	Recipient string           `json:"recipient"`
	Subject   string           `json:"subject,omitempty"`
	Body      string           `json:"body"`
}

// Validate checks the fields every provider needs
func (m Message) Validate() error {
	if m.Channel != reminder.ChannelEmail && m.Channel != reminder.ChannelSMS {
		return fmt.Errorf("%w: unsupported gateway channel %q", reminder.ErrValidationFailure, m.Channel)
	}
	if m.Recipient == "" {
		return fmt.Errorf("%w: recipient required", reminder.ErrValidationFailure)
	}
	if m.Body == "" {
		return fmt.Errorf("%w: body required", reminder.ErrValidationFailure)
	}
	return nil
}

// Gateway accepts a message for asynchronous delivery. Errors wrap
// reminder.ErrRejected when the provider refused the message and
// reminder.ErrTransportFailure when it could not be reached.
type Gateway interface {
	Send(ctx context.Context, msg Message) error
}
