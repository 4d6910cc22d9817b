package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/pkg/clock"
)

const (
	keyPrefix       = "prefs:"
	maxWatchRetries = 5
)

// RedisStore keeps each patient's preferences as a JSON document
type RedisStore struct {
	client *redis.Client
	clock  clock.Clock
	logger *zap.Logger
}

// NewRedisStore creates a redis-backed preference store
func NewRedisStore(client *redis.Client, clk clock.Clock, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RedisStore{client: client, clock: clk, logger: logger}
}

func (s *RedisStore) Get(ctx context.Context, patientID string) (reminder.Preferences, error) {
	data, err := s.client.Get(ctx, keyPrefix+patientID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Defaults(), nil
	}
	if err != nil {
		return reminder.Preferences{}, fmt.Errorf("preferences: get: %w", err)
	}

	var p reminder.Preferences
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("discarding unreadable preferences",
			zap.String("patient_id", patientID),
			zap.Error(err))
		return Defaults(), nil
	}
	return Merge(p), nil
}

// Set writes prefs unless a newer document is already stored. The read and
// write run under WATCH so concurrent writers cannot interleave.
func (s *RedisStore) Set(ctx context.Context, patientID string, prefs reminder.Preferences) (reminder.Preferences, error) {
	if prefs.UpdatedAt.IsZero() {
		prefs.UpdatedAt = s.clock.Now().UTC()
	}
	payload, err := json.Marshal(prefs)
	if err != nil {
		return reminder.Preferences{}, fmt.Errorf("preferences: marshal: %w", err)
	}

	key := keyPrefix + patientID
	result := prefs

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var existing reminder.Preferences
			if json.Unmarshal(data, &existing) == nil && existing.UpdatedAt.After(prefs.UpdatedAt) {
				result = existing
				return nil
			}
		}
		result = prefs
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return reminder.Preferences{}, fmt.Errorf("preferences: set: %w", err)
		}
		return Merge(result), nil
	}
	return reminder.Preferences{}, fmt.Errorf("preferences: set: too much contention on %s", key)
}
