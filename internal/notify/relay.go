package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

var relayTracer = otel.Tracer("medremind.notify.relay")

// Deduper guards against sending the same message key twice
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Observer receives per-message outcomes. Implemented by the metrics package.
type Observer interface {
	Gateway(channel, outcome string)
}

// RelayConfig configures retries for queued messages
type RelayConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
	DeadLetterTopic string
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		MaxTries:        5,
		InitialInterval: 500 * time.Millisecond,
		MaxElapsedTime:  2 * time.Minute,
		DeadLetterTopic: "dead.letter",
	}
}

// Relay drains queued messages into a Gateway
type Relay struct {
	cfg      RelayConfig
	gateway  Gateway
	dedup    Deduper
	dead     Producer
	observer Observer
	logger   *zap.Logger
}

// NewRelay builds a relay. dedup, dead and observer are optional.
func NewRelay(cfg RelayConfig, gateway Gateway, dedup Deduper, dead Producer, observer Observer, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 1
	}
	return &Relay{cfg: cfg, gateway: gateway, dedup: dedup, dead: dead, observer: observer, logger: logger}
}

// Handle delivers one queued record. A nil return means the record can be
// committed: it was sent, was a duplicate, or was parked on the dead letter
// topic. Transport failures that outlast the retry budget are returned so the
// record is redelivered.
func (r *Relay) Handle(ctx context.Context, value []byte) error {
	ctx, span := relayTracer.Start(ctx, "notify.relay.handle")
	defer span.End()

	var msg Message
	if err := json.Unmarshal(value, &msg); err != nil {
		r.logger.Error("undecodable notification record", zap.Error(err))
		return r.deadLetter(ctx, "", value, err)
	}
	span.SetAttributes(attribute.String("channel", string(msg.Channel)), attribute.String("key", msg.Key))

	if r.dedup != nil && msg.Key != "" {
		first, err := r.dedup.Claim(ctx, msg.Key)
		if err != nil {
			return err
		}
		if !first {
			r.observe(msg.Channel, "duplicate")
			r.logger.Debug("duplicate notification skipped", zap.String("key", msg.Key))
			return nil
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := r.gateway.Send(ctx, msg)
		if err != nil && permanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxTries),
		backoff.WithMaxElapsedTime(r.cfg.MaxElapsedTime),
	)
	if err == nil {
		r.observe(msg.Channel, "accepted")
		return nil
	}

	span.RecordError(err)
	if permanent(err) {
		r.observe(msg.Channel, "rejected")
		r.logger.Warn("notification rejected",
			zap.String("key", msg.Key),
			zap.String("channel", string(msg.Channel)),
			zap.Error(err),
		)
		return r.deadLetter(ctx, msg.Key, value, err)
	}

	r.observe(msg.Channel, "failed")
	if r.dedup != nil && msg.Key != "" {
		if relErr := r.dedup.Release(ctx, msg.Key); relErr != nil {
			r.logger.Warn("failed to release dedup claim", zap.String("key", msg.Key), zap.Error(relErr))
		}
	}
	return fmt.Errorf("relay %s: %w", msg.Key, err)
}

func (r *Relay) deadLetter(ctx context.Context, key string, value []byte, cause error) error {
	if r.dead == nil || r.cfg.DeadLetterTopic == "" {
		return nil
	}
	record, err := json.Marshal(struct {
		Error   string          `json:"error"`
		Payload json.RawMessage `json:"payload"`
	}{Error: cause.Error(), Payload: safeRaw(value)})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := r.dead.ProduceMessage(ctx, r.cfg.DeadLetterTopic, key, record); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

func (r *Relay) observe(ch reminder.Channel, outcome string) {
	if r.observer != nil {
		r.observer.Gateway(string(ch), outcome)
	}
}

func permanent(err error) bool {
	return errors.Is(err, reminder.ErrRejected) ||
		errors.Is(err, reminder.ErrValidationFailure) ||
		errors.Is(err, reminder.ErrChannelUnavailable)
}

func safeRaw(value []byte) json.RawMessage {
	if json.Valid(value) {
		return value
	}
	quoted, _ := json.Marshal(string(value))
	return quoted
}
