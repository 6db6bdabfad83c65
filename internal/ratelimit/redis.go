package ratelimit

import (
	"context"
	"time"

	"checkout-service/internal/redisclient"

	"github.com/google/uuid"
)

// RedisLimiter keeps one sorted set per key so several API instances share limits.
type RedisLimiter struct {
	redis *redisclient.Client
	now   func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter. now may be nil.
func NewRedisLimiter(client *redisclient.Client, now func() time.Time) *RedisLimiter {
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{redis: client, now: now}
}

func (r *RedisLimiter) Allow(ctx context.Context, action, client string, limit int, window time.Duration) (Decision, error) {
	res, err := r.redis.SlidingWindowAllow(ctx, action, client, limit, window, r.now(), uuid.NewString())
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:    res.Allowed,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

func (r *RedisLimiter) Remaining(ctx context.Context, action, client string, limit int, window time.Duration) (int, error) {
	count, err := r.redis.WindowCount(ctx, action, client, window, r.now())
	if err != nil {
		return 0, err
	}
	if n := limit - count; n > 0 {
		return n, nil
	}
	return 0, nil
}

func (r *RedisLimiter) Reset(ctx context.Context, action, client string) error {
	return r.redis.WindowReset(ctx, action, client)
}

func (r *RedisLimiter) Cleanup(ctx context.Context, horizon time.Duration) (int, error) {
	return r.redis.PurgeWindowsBefore(ctx, r.now().Add(-horizon))
}
