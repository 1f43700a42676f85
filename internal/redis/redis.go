package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"multirubro/internal/engine"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient creates a Redis client
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func latestKey(deviceID string) string {
	return fmt.Sprintf("device:%s:latest", deviceID)
}

// LatestCache keeps the last value of every device
type LatestCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewLatestCache creates a cache whose entries expire after ttl
func NewLatestCache(client redis.Cmdable, ttl time.Duration) *LatestCache {
	return &LatestCache{client: client, ttl: ttl}
}

// Set stores value as the latest reading of deviceID
func (c *LatestCache) Set(ctx context.Context, deviceID string, value float64) error {
	return c.client.Set(ctx, latestKey(deviceID), strconv.FormatFloat(value, 'g', -1, 64), c.ttl).Err()
}

// SetIfAbsent stores value unless a newer reading is already cached
func (c *LatestCache) SetIfAbsent(ctx context.Context, deviceID string, value float64) (bool, error) {
	return c.client.SetNX(ctx, latestKey(deviceID), strconv.FormatFloat(value, 'g', -1, 64), c.ttl).Result()
}

// Get returns the cached value; ok is false on a miss
func (c *LatestCache) Get(ctx context.Context, deviceID string) (float64, bool, error) {
	raw, err := c.client.Get(ctx, latestKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("cached value for %s: %w", deviceID, err)
	}
	return v, true, nil
}

// releaseScript deletes the lock only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RuleLocker is an engine.Locker shared by every engine instance using the
// same Redis. A lock expires after ttl if its holder dies.
type RuleLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	logger *zap.SugaredLogger
}

// NewRuleLocker creates a distributed rule lock
func NewRuleLocker(client redis.UniversalClient, ttl time.Duration, logger *zap.SugaredLogger) *RuleLocker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RuleLocker{client: client, ttl: ttl, retry: 25 * time.Millisecond, logger: logger.With("component", "rule_locker")}
}

// Lock retries SET NX until it succeeds or ctx is done
func (l *RuleLocker) Lock(ctx context.Context, key string) (func(), error) {
	key = "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return func() {
				// the holder's ctx may already be done
				released, err := releaseScript.Run(context.Background(), l.client, []string{key}, token).Int()
				switch {
				case err != nil:
					l.logger.Errorw("Could not release rule lock", "key", key, "error", err)
				case released == 0:
					l.logger.Warnw("Rule lock expired before release", "key", key, "ttl", l.ttl)
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(engine.ErrLockHeld, ctx.Err())
		case <-ticker.C:
		}
	}
}
