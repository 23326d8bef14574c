// Package ratelimit throttles how fast a single connection may post chat
// messages, using fixed windows counted in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "recovery-chat:ratelimit:"

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: defaultPrefix,
		now:    time.Now,
	}
}

// Allow counts one event for key in the current window and reports whether the
// window is still within the limit.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowKey := fmt.Sprintf("%s%s:%d", l.prefix, key, l.now().UnixNano()/int64(l.window))

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, windowKey)
		pipe.PExpire(ctx, windowKey, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit pipeline: %w", err)
	}

	return incr.Val() <= int64(l.limit), nil
}

func (l *RedisLimiter) Limit() int {
	return l.limit
}

func (l *RedisLimiter) Window() time.Duration {
	return l.window
}
