package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/pkg/circuitbreaker"
)

// DirectGateway calls the configured providers in-process, each behind its
// own circuit breaker.
type DirectGateway struct {
	email    EmailSender
	sms      SMSSender
	breakers *circuitbreaker.Manager
	logger   *zap.Logger
}

// NewDirectGateway wires providers. A nil sender leaves its channel
// unavailable. A nil manager disables circuit breaking.
func NewDirectGateway(email EmailSender, sms SMSSender, breakers *circuitbreaker.Manager, logger *zap.Logger) *DirectGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectGateway{email: email, sms: sms, breakers: breakers, logger: logger}
}

func (g *DirectGateway) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	var send func(context.Context) error
	switch msg.Channel {
	case reminder.ChannelEmail:
		if isNil(g.email) {
			return fmt.Errorf("%w: no email provider configured", reminder.ErrChannelUnavailable)
		}
		send = func(ctx context.Context) error {
			return g.email.Send(ctx, EmailMessage{To: msg.Recipient, Subject: msg.Subject, Body: msg.Body})
		}
	case reminder.ChannelSMS:
		if isNil(g.sms) {
			return fmt.Errorf("%w: no sms provider configured", reminder.ErrChannelUnavailable)
		}
		send = func(ctx context.Context) error {
			return g.sms.SendSMS(ctx, msg.Recipient, msg.Body)
		}
	}

	var err error
	if g.breakers != nil {
		_, err = g.breakers.Execute(ctx, "gateway-"+string(msg.Channel), func() (interface{}, error) {
			return nil, send(ctx)
		})
	} else {
		err = send(ctx)
	}
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = fmt.Errorf("%w: %w", reminder.ErrTransportFailure, err)
		}
		g.logger.Warn("gateway send failed",
			zap.String("channel", string(msg.Channel)),
			zap.String("key", msg.Key),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// isNil catches typed nil pointers stored in an interface, which is what the
// New*Sender constructors return when credentials are absent.
func isNil(v any) bool {
	switch s := v.(type) {
	case nil:
		return true
	case *SendGridSender:
		return s == nil
	case *SESSender:
		return s == nil
	case *TwilioSender:
		return s == nil
	}
	return false
}

// BreakerSuccess keeps provider rejections from tripping a breaker; only
// transport trouble counts against the provider.
func BreakerSuccess(err error) bool {
	return err == nil || errors.Is(err, reminder.ErrRejected) || errors.Is(err, reminder.ErrValidationFailure)
}

var _ Gateway = (*DirectGateway)(nil)
