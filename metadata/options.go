package metadata

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// StoreOption configures a metadata store.
type StoreOption func(*storeConfig)

type storeConfig struct {
	redisClient redis.UniversalClient
	redisTTL    time.Duration
}

// WithRedisClient sets the Redis client for the Redis store.
func WithRedisClient(client redis.UniversalClient) StoreOption {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithRedisTTL sets the TTL for Redis keys. Zero keeps records forever.
func WithRedisTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.redisTTL = ttl
	}
}
