package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const metaKeyPrefix = "memory:tenant_meta:"

// RedisStore persists records as JSON strings with WATCH/MULTI/EXEC
// optimistic locking.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store. A zero ttl keeps records forever.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, meta *TenantMeta) error {
	now := time.Now()
	meta.CreatedAt = now
	meta.UpdatedAt = now
	meta.Version = 1

	val, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(meta.ID()), val, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Get implements Store. TTL is refreshed on read.
func (s *RedisStore) Get(ctx context.Context, id string) (*TenantMeta, error) {
	key := s.key(id)
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var meta TenantMeta
	if err := json.Unmarshal([]byte(val), &meta); err != nil {
		return nil, err
	}
	if s.ttl > 0 {
		_ = s.client.Expire(ctx, key, s.ttl).Err()
	}
	return &meta, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, meta *TenantMeta) error {
	key := s.key(meta.ID())

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var stored TenantMeta
		if err := json.Unmarshal([]byte(val), &stored); err != nil {
			return err
		}
		if stored.Version != meta.Version {
			return ErrVersionConflict
		}

		next := meta.Clone()
		next.Version++
		next.UpdatedAt = time.Now()
		newVal, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		meta.Version = next.Version
		meta.UpdatedAt = next.UpdatedAt
		return nil
	}, key)
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

// Close implements Store. The Redis client is shared and left open.
func (s *RedisStore) Close() error {
	return nil
}

func (s *RedisStore) key(id string) string {
	return metaKeyPrefix + id
}

var _ Store = (*RedisStore)(nil)
