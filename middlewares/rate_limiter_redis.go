package middlewares

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"spg/config"
)

const rateLimiterKeyPrefix = "rate_limiter:"

// RedisLimiter is the backend contract for the distributed limiter.
type RedisLimiter interface {
	Allow(key string, policy config.RateLimiting) (bool, error)
}

// redisWindowLimiter enforces a one-second fixed window per key with
// INCR + EXPIRE, shared by every worker pointed at the same Redis.
type redisWindowLimiter struct {
	client *redis.Client
}

// NewRedisLimiter wraps a Redis client as a limiter backend.
func NewRedisLimiter(client *redis.Client) RedisLimiter {
	return &redisWindowLimiter{client: client}
}

func (l *redisWindowLimiter) Allow(key string, policy config.RateLimiting) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	fullKey := rateLimiterKeyPrefix + key
	count, err := l.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, fullKey, time.Second).Err(); err != nil {
			return false, err
		}
	}

	limit := int64(policy.RequestsPerSecond)
	if limit < 1 {
		limit = 1
	}
	return count <= limit, nil
}
