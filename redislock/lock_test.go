package redislock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/memory/redislock"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newClient(t)
	locks := redislock.New(rdb, redislock.WithRetries(1), redislock.WithRetryDelay(time.Millisecond))

	l, err := locks.Acquire(ctx, "memory:processing:u:r:all_sessions", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists(l.Key()))
	assert.Equal(t, time.Minute, mr.TTL(l.Key()))

	held, err := locks.Held(ctx, l.Key())
	require.NoError(t, err)
	assert.True(t, held)

	_, err = locks.Acquire(ctx, l.Key(), time.Minute)
	assert.ErrorIs(t, err, redislock.ErrNotAcquired)

	require.NoError(t, l.Release(ctx))
	assert.False(t, mr.Exists(l.Key()))
	assert.ErrorIs(t, l.Release(ctx), redislock.ErrNotHeld)
}

func TestReleaseChecksToken(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newClient(t)
	locks := redislock.New(rdb)

	l, err := locks.TryAcquire(ctx, "k", time.Second)
	require.NoError(t, err)

	// expire and let another holder take it
	mr.FastForward(2 * time.Second)
	other, err := locks.TryAcquire(ctx, "k", time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Release(ctx), redislock.ErrNotHeld)
	v, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, other.Token(), v)
}

func TestExtend(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newClient(t)
	locks := redislock.New(rdb)

	l, err := locks.TryAcquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Extend(ctx, 30*time.Second))
	assert.Equal(t, 30*time.Second, mr.TTL("k"))

	require.NoError(t, l.Release(ctx))
	assert.ErrorIs(t, l.Extend(ctx, time.Second), redislock.ErrNotHeld)
}

func TestAcquireRetriesUntilFree(t *testing.T) {
	ctx := context.Background()
	_, rdb := newClient(t)
	locks := redislock.New(rdb, redislock.WithRetries(20), redislock.WithRetryDelay(5*time.Millisecond))

	first, err := locks.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = first.Release(context.Background())
	}()

	second, err := locks.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token(), second.Token())
}

func TestIsTransient(t *testing.T) {
	assert.False(t, redislock.IsTransient(nil))
	assert.False(t, redislock.IsTransient(redis.Nil))
	assert.False(t, redislock.IsTransient(context.Canceled))
	assert.True(t, redislock.IsTransient(redis.ErrClosed))
}
