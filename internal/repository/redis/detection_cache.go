package redis

import (
	"context"
	"errors"
	"time"

	"gridsec-analytics/internal/client"
)

const detectionPrefix = "gridsec:detect:"

// DetectionCache stores encoded detector reports under their content
// fingerprint. A miss is (nil, nil).
type DetectionCache struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewDetectionCache(client *client.RedisClient, ttl time.Duration) *DetectionCache {
	return &DetectionCache{client: client, ttl: ttl}
}

func (c *DetectionCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, detectionPrefix+key)
	if errors.Is(err, client.ErrKeyNotFound) {
		return nil, nil
	}
	return val, err
}

func (c *DetectionCache) Set(ctx context.Context, key string, value []byte) error {
	return c.client.Set(ctx, detectionPrefix+key, value, c.ttl)
}
