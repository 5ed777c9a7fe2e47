package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a crashed holder blocks an id.
const DefaultTTL = 2 * time.Minute

const keyPrefix = "imgshrink:optimize:"

// Redis is a Locker shared by every process using the same Redis.
type Redis struct {
	client *redis.Client
	rs     *redsync.Redsync
	ttl    time.Duration
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration) (*Redis, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL must be provided")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return newRedis(client, ttl), nil
}

func newRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		ttl:    ttl,
	}
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	mutex := r.rs.NewMutex(keyPrefix+key, redsync.WithExpiry(r.ttl), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// With a single try, quorum failures and unreachable nodes look
		// the same to the caller: someone else may be working on key.
		return nil, fmt.Errorf("acquire lease %s: %w: %w", key, ErrHeld, err)
	}

	return func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to release lease", "key", key, "error", err)
		}
	}, nil
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
