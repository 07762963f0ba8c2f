package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultLockKey = "callendar:cycle:lock"
	defaultLockTTL = 10 * time.Minute
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuardConfig configures the distributed run token.
type RedisGuardConfig struct {
	Client *redis.Client
	Key    string
	// TTL bounds how long a crashed holder can block later cycles.
	TTL    time.Duration
	Logger *zap.Logger
}

// RedisGuard shares the run token between processes through a Redis key.
type RedisGuard struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisGuard constructs a Redis-backed guard.
func NewRedisGuard(cfg RedisGuardConfig) (*RedisGuard, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client required")
	}
	key := cfg.Key
	if key == "" {
		key = defaultLockKey
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisGuard{client: cfg.Client, key: key, ttl: ttl, logger: logger}, nil
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Acquire sets the lock key to the run id if it is free.
func (g *RedisGuard) Acquire(ctx context.Context, runID string) (func(), error) {
	acquired, err := g.client.SetNX(ctx, g.key, runID, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run token: %w", err)
	}
	if !acquired {
		return nil, ErrCycleInProgress
	}
	return func() {
		releaseContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseContext, g.client, []string{g.key}, runID).Err(); err != nil {
			g.logger.Warn("failed to release run token",
				zap.String("run_id", runID),
				zap.Error(err))
		}
	}, nil
}
