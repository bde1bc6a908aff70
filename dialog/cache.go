// Package dialog holds the Redis-resident per-tenant buffers of the memory
// pipeline: the dialog cache that producers append to, the waiting queue used
// as overflow while a batch is in flight, and the capped history ring.
package dialog

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/creastat/memory"
	"github.com/creastat/memory/redislock"
)

// moveToWaitingScript moves the whole dialog cache to the tail of the
// waiting queue in one step.
var moveToWaitingScript = redis.NewScript(`
local items = redis.call("LRANGE", KEYS[1], 0, -1)
if #items == 0 then
	return 0
end
for i = 1, #items do
	redis.call("RPUSH", KEYS[2], items[i])
end
redis.call("DEL", KEYS[1])
return #items
`)

// Option configures the buffers in this package.
type Option func(*options)

type options struct {
	logger logrus.FieldLogger
}

// WithLogger sets the logger used for dropped elements.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Cache is the primary append-only per-tenant turn buffer.
type Cache struct {
	rdb redis.UniversalClient
	log logrus.FieldLogger
}

// NewCache creates a dialog cache on rdb.
func NewCache(rdb redis.UniversalClient, opts ...Option) *Cache {
	o := buildOptions(opts)
	return &Cache{rdb: rdb, log: o.logger}
}

// Append pushes a turn to the tail. A transient Redis error is retried once.
func (c *Cache) Append(ctx context.Context, tenant memory.TenantKey, turn memory.DialogTurn) error {
	val, err := memory.EncodeTurn(turn)
	if err != nil {
		return err
	}
	key := tenant.DialogCacheKey()
	err = c.rdb.RPush(ctx, key, val).Err()
	if err != nil && redislock.IsTransient(err) {
		err = c.rdb.RPush(ctx, key, val).Err()
	}
	if err != nil {
		return fmt.Errorf("dialog: append %s: %w", tenant, err)
	}
	return nil
}

// Drain atomically reads and deletes the whole cache. Elements that fail to
// decode are logged and dropped; the rest are returned in insertion order.
func (c *Cache) Drain(ctx context.Context, tenant memory.TenantKey) ([]memory.DialogTurn, error) {
	raw, err := drainList(ctx, c.rdb, tenant.DialogCacheKey())
	if err != nil {
		return nil, fmt.Errorf("dialog: drain %s: %w", tenant, err)
	}
	return decodeAll(c.log, tenant, raw), nil
}

// Size returns the number of buffered turns.
func (c *Cache) Size(ctx context.Context, tenant memory.TenantKey) (int64, error) {
	return c.rdb.LLen(ctx, tenant.DialogCacheKey()).Result()
}

// Restore pushes turns back to the head so they are processed first on the
// next cycle. Their relative order is preserved.
func (c *Cache) Restore(ctx context.Context, tenant memory.TenantKey, turns []memory.DialogTurn) error {
	if len(turns) == 0 {
		return nil
	}
	vals := make([]any, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		v, err := memory.EncodeTurn(turns[i])
		if err != nil {
			return err
		}
		vals = append(vals, v)
	}
	if err := c.rdb.LPush(ctx, tenant.DialogCacheKey(), vals...).Err(); err != nil {
		return fmt.Errorf("dialog: restore %s: %w", tenant, err)
	}
	return nil
}

// MoveToWaiting moves every buffered turn to the waiting queue and returns
// how many were moved.
func (c *Cache) MoveToWaiting(ctx context.Context, tenant memory.TenantKey) (int64, error) {
	n, err := moveToWaitingScript.Run(ctx, c.rdb, []string{tenant.DialogCacheKey(), tenant.WaitingKey()}).Int64()
	if err != nil {
		return 0, fmt.Errorf("dialog: move to waiting %s: %w", tenant, err)
	}
	return n, nil
}

// Peek returns the buffered turns without removing them.
func (c *Cache) Peek(ctx context.Context, tenant memory.TenantKey) ([]memory.DialogTurn, error) {
	raw, err := c.rdb.LRange(ctx, tenant.DialogCacheKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return decodeAll(c.log, tenant, raw), nil
}

// Clear removes the cache, waiting queue and history of a tenant.
func Clear(ctx context.Context, rdb redis.UniversalClient, tenant memory.TenantKey) error {
	return rdb.Del(ctx, tenant.DialogCacheKey(), tenant.WaitingKey(), tenant.HistoryKey()).Err()
}

// ScanTenants enumerates tenants that currently have a dialog cache. Keys
// that do not parse back into a tenant are logged and skipped.
func ScanTenants(ctx context.Context, rdb redis.UniversalClient, opts ...Option) ([]memory.TenantKey, error) {
	log := buildOptions(opts).logger
	var tenants []memory.TenantKey
	iter := rdb.Scan(ctx, 0, memory.DialogCachePattern, 100).Iterator()
	for iter.Next(ctx) {
		k, err := memory.ParseTenantKey(iter.Val())
		if err != nil {
			log.WithFields(logrus.Fields{"key": iter.Val(), "error": err}).Warn("dialog: skipping unparsable dialog cache key")
			continue
		}
		tenants = append(tenants, k)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return tenants, nil
}

// drainList runs LRANGE + DEL in one MULTI block.
func drainList(ctx context.Context, rdb redis.UniversalClient, key string) ([]string, error) {
	var lrange *redis.StringSliceCmd
	_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lrange.Val(), nil
}

func decodeAll(log logrus.FieldLogger, tenant memory.TenantKey, raw []string) []memory.DialogTurn {
	turns := make([]memory.DialogTurn, 0, len(raw))
	for i, s := range raw {
		t, err := memory.DecodeTurn(s)
		if err != nil {
			log.WithFields(logrus.Fields{
				"user_id":    tenant.UserID,
				"role_id":    tenant.RoleID,
				"session_id": tenant.Session(),
				"index":      i,
				"error":      err,
			}).Error("dialog: dropping undecodable turn")
			continue
		}
		turns = append(turns, t)
	}
	return turns
}
