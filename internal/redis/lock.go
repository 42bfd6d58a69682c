package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockNotAcquired = errors.New("sweep lock not acquired")

// Locker serializes the auto-completion sweep across worker processes so
// only one sweeper iterates elapsed appointments at a time.
type Locker interface {
	WithSweepLock(ctx context.Context, fn func(ctx context.Context) error) error
}

type redisSweepLocker struct {
	client *redis.Client
	env    string
	ttl    time.Duration
}

// NewRedisSweepLocker creates a locker backed by a per-environment Redis key.
func NewRedisSweepLocker(client *redis.Client, env string, ttl time.Duration) Locker {
	return &redisSweepLocker{
		client: client,
		env:    env,
		ttl:    ttl,
	}
}

func (l *redisSweepLocker) WithSweepLock(ctx context.Context, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:%s:sweep", l.env)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisSweepLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release sweep lock: %w", err)
	}
	return nil
}

// NopLocker runs the function without any coordination. Used when Redis is
// unavailable in development.
type NopLocker struct{}

func (NopLocker) WithSweepLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
