package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const leasePrefix = "medremind:lease:"

// renewScript extends the lease only while owner still holds it
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only while owner still holds it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease elects one process per patient to run poller ticks. The holder
// renews on every tick; a crashed holder loses the lease after TTL.
// When redis cannot be reached the lease answers true and the delivery log
// claim remains the guard against double sends.
type RedisLease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLease creates a lease on patientID held under owner. ttl should
// exceed the poll interval so a healthy holder never lapses between ticks.
func NewRedisLease(client *redis.Client, patientID, owner string, ttl time.Duration, logger *zap.Logger) *RedisLease {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLease{
		client: client,
		key:    leasePrefix + patientID,
		owner:  owner,
		ttl:    ttl,
		logger: logger,
	}
}

// IsLeader renews the lease when held and tries to take it otherwise
func (l *RedisLease) IsLeader(ctx context.Context) bool {
	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		l.logger.Warn("lease renew failed, ticking without lease",
			zap.String("key", l.key),
			zap.Error(err))
		return true
	}
	if renewed == 1 {
		return true
	}

	acquired, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		l.logger.Warn("lease acquire failed, ticking without lease",
			zap.String("key", l.key),
			zap.Error(err))
		return true
	}
	if acquired {
		l.logger.Info("poller lease acquired", zap.String("key", l.key), zap.String("owner", l.owner))
	}
	return acquired
}

// Holder returns the current owner of the lease, empty when unheld
func (l *RedisLease) Holder(ctx context.Context) (string, error) {
	owner, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

// Release gives the lease up so another process can take it on its next tick
func (l *RedisLease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
}
