// Package redislock implements the single-instance Redis lock used for all
// mutual exclusion in the memory pipeline: SET NX with a TTL, token-checked
// release and extension through Lua scripts. Locks are not re-entrant.
package redislock

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotAcquired is returned when the lock is held by someone else after
	// all retries.
	ErrNotAcquired = errors.New("redislock: not acquired")

	// ErrNotHeld is returned by Release and Extend when the lock expired or
	// was taken over by another holder.
	ErrNotHeld = errors.New("redislock: not held")
)

// Default lock TTLs used across the pipeline.
const (
	MetadataTTL   = 5 * time.Second
	ProcessingTTL = 60 * time.Second
	AdminTTL      = 10 * time.Second
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Client acquires locks on a Redis instance.
type Client struct {
	rdb        redis.UniversalClient
	retries    int
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRetries sets how many extra attempts Acquire makes. Default 3.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// WithRetryDelay sets the fixed sleep between attempts. Default 50ms.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// New creates a lock client.
func New(rdb redis.UniversalClient, opts ...Option) *Client {
	c := &Client{rdb: rdb, retries: 3, retryDelay: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lock is a held lock. It must be released by the same holder.
type Lock struct {
	rdb   redis.UniversalClient
	key   string
	token string
}

// Key returns the Redis key of the lock.
func (l *Lock) Key() string { return l.key }

// Token returns the holder's unique token.
func (l *Lock) Token() string { return l.token }

// TryAcquire makes a single attempt.
func (c *Client) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := c.setNX(ctx, key, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lock{rdb: c.rdb, key: key, token: token}, nil
}

// Acquire retries a bounded number of times with a fixed sleep. A transient
// Redis error is retried once.
func (c *Client) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	retriedTransient := false
	for attempt := 0; ; attempt++ {
		l, err := c.TryAcquire(ctx, key, ttl)
		if err == nil {
			return l, nil
		}
		if IsTransient(err) && !retriedTransient {
			retriedTransient = true
			attempt--
			continue
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		if attempt >= c.retries {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

// Held reports whether any holder currently owns key.
func (c *Client) Held(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// setNX retries once on a transient network error.
func (c *Client) setNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil && IsTransient(err) {
		ok, err = c.rdb.SetNX(ctx, key, token, ttl).Result()
	}
	return ok, err
}

// Release deletes the lock if it is still owned by this holder.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend resets the lock TTL if it is still owned by this holder.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// IsTransient reports whether err is a connection-level failure worth a
// single retry.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, redis.ErrClosed) || errors.Is(err, net.ErrClosed)
}
