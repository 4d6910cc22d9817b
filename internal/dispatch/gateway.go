package dispatch

import (
	"context"
	"fmt"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/notify"
)

// ContactSource supplies the patient's current contact details
type ContactSource interface {
	Contact() reminder.Contact
}

// GatewayHandler hands email or SMS reminders to a notification gateway.
// Success means the gateway accepted the message.
type GatewayHandler struct {
	channel  reminder.Channel
	gateway  notify.Gateway
	contacts ContactSource
	renderer *Renderer
}

func NewGatewayHandler(ch reminder.Channel, gateway notify.Gateway, contacts ContactSource, renderer *Renderer) *GatewayHandler {
	if renderer == nil {
		renderer = DefaultRenderer()
	}
	return &GatewayHandler{channel: ch, gateway: gateway, contacts: contacts, renderer: renderer}
}

func (h *GatewayHandler) Channel() reminder.Channel { return h.channel }

func (h *GatewayHandler) Handle(ctx context.Context, occ reminder.Occurrence) error {
	if h.gateway == nil || h.contacts == nil {
		return fmt.Errorf("%w: no %s gateway", reminder.ErrChannelUnavailable, h.channel)
	}

	contact := h.contacts.Contact()
	recipient := contact.Email
	if h.channel == reminder.ChannelSMS {
		recipient = contact.Phone
	}
	if recipient == "" {
		return fmt.Errorf("%w: patient has no %s contact", reminder.ErrChannelUnavailable, h.channel)
	}

	n, err := h.renderer.Render(occ)
	if err != nil {
		return err
	}
	return h.gateway.Send(ctx, notify.Message{
		Key:       occ.DedupKey,
		PatientID: occ.PatientID,
		Channel:   h.channel,
		Recipient: recipient,
		Subject:   n.Title,
		Body:      n.Body,
	})
}
