package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gridsec-analytics/internal/client"
	"gridsec-analytics/internal/util"
)

const rateLimitPrefix = "gridsec:rate_limit:"

// RateLimitCache is a fixed-window counter per key.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

// Allow counts one attempt for key and reports whether it is within limit.
// The window starts with the first attempt.
func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	redisKey := rateLimitPrefix + key

	n, err := c.client.Client.Incr(ctx, redisKey).Result()
	if err != nil {
		util.Error("Failed to increment rate limit counter", zap.String("key", key), zap.Error(err))
		return false, 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	if n == 1 {
		if err := c.client.Client.Expire(ctx, redisKey, window).Err(); err != nil {
			return false, 0, fmt.Errorf("failed to set counter expiry: %w", err)
		}
	}

	remaining := max(limit-int(n), 0)
	if int(n) > limit {
		util.Warn("Rate limit exceeded",
			zap.String("key", key),
			zap.Int64("attempts", n),
			zap.Int("limit", limit))
		return false, remaining, nil
	}
	return true, remaining, nil
}

// Reset clears the counter for key.
func (c *RateLimitCache) Reset(ctx context.Context, key string) error {
	return c.client.Del(ctx, rateLimitPrefix+key)
}
