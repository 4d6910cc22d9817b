package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// Producer publishes a keyed record to a topic
type Producer interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// StreamGateway enqueues messages on a topic for a relay to deliver.
// Acceptance means the broker acknowledged the record.
type StreamGateway struct {
	producer Producer
	topic    string
	logger   *zap.Logger
}

func NewStreamGateway(producer Producer, topic string, logger *zap.Logger) *StreamGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamGateway{producer: producer, topic: topic, logger: logger}
}

func (g *StreamGateway) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := g.producer.ProduceMessage(ctx, g.topic, msg.Key, value); err != nil {
		return fmt.Errorf("%w: enqueue: %v", reminder.ErrTransportFailure, err)
	}
	g.logger.Debug("notification enqueued", zap.String("topic", g.topic), zap.String("key", msg.Key))
	return nil
}

var _ Gateway = (*StreamGateway)(nil)
