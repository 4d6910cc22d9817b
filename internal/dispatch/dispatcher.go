// Package dispatch routes due reminder occurrences to channel handlers.
package dispatch

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// ChannelHandler delivers an occurrence over one channel. A nil error is the
// success acknowledgment the poller needs before marking the occurrence fired.
type ChannelHandler interface {
	Channel() reminder.Channel
	Handle(ctx context.Context, occ reminder.Occurrence) error
}

// Dispatcher fans occurrences out to the handler for their channel
type Dispatcher struct {
	handlers map[reminder.Channel]ChannelHandler
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a dispatcher. Later handlers replace earlier ones for the same channel.
func New(logger *zap.Logger, handlers ...ChannelHandler) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		handlers: make(map[reminder.Channel]ChannelHandler, len(handlers)),
		logger:   logger,
		tracer:   otel.Tracer("medremind.dispatch"),
	}
	for _, h := range handlers {
		if h != nil {
			d.handlers[h.Channel()] = h
		}
	}
	return d
}

// Has reports whether a handler is registered for ch
func (d *Dispatcher) Has(ch reminder.Channel) bool {
	_, ok := d.handlers[ch]
	return ok
}

// Dispatch delivers occ on its channel
func (d *Dispatcher) Dispatch(ctx context.Context, occ reminder.Occurrence) error {
	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("channel", string(occ.Channel)),
			attribute.String("medication_id", occ.MedicationID),
			attribute.String("dedup_key", occ.DedupKey),
		))
	defer span.End()

	h, ok := d.handlers[occ.Channel]
	if !ok {
		err := fmt.Errorf("%w: no handler for channel %s", reminder.ErrChannelUnavailable, occ.Channel)
		span.RecordError(err)
		span.SetStatus(codes.Error, "no handler")
		return err
	}

	if err := h.Handle(ctx, occ); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		d.logger.Debug("dispatch failed",
			zap.String("channel", string(occ.Channel)),
			zap.String("dedup_key", occ.DedupKey),
			zap.Error(err),
		)
		return err
	}

	d.logger.Debug("reminder dispatched",
		zap.String("channel", string(occ.Channel)),
		zap.String("dedup_key", occ.DedupKey),
		zap.Time("scheduled_time", occ.ScheduledTime),
	)
	return nil
}
