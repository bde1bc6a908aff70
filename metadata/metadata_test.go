package metadata_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/memory"
	"github.com/creastat/memory/metadata"
)

func stores(t *testing.T) map[string]metadata.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	mem, err := metadata.NewStore(metadata.StoreTypeMemory)
	require.NoError(t, err)
	rs, err := metadata.NewStore(metadata.StoreTypeRedis, metadata.WithRedisClient(rdb), metadata.WithRedisTTL(time.Hour))
	require.NoError(t, err)
	return map[string]metadata.Store{"memory": mem, "redis": rs}
}

func TestStoreLifecycle(t *testing.T) {
	tenant := memory.TenantKey{UserID: "u", RoleID: "r", SessionID: "ignored"}
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := metadata.IDFor(tenant)

			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Nil(t, got)

			meta := metadata.New(tenant, 1)
			require.NoError(t, s.Create(ctx, meta))
			assert.EqualValues(t, 1, meta.Version)
			assert.ErrorIs(t, s.Create(ctx, metadata.New(tenant, 1)), metadata.ErrExists)

			got, err = s.Get(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, 1, got.Level)

			got.Enabled = true
			require.NoError(t, s.Update(ctx, got))
			assert.EqualValues(t, 2, got.Version)

			stale := meta.Clone()
			stale.Level = 2
			assert.ErrorIs(t, s.Update(ctx, stale), metadata.ErrVersionConflict)

			fresh, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.True(t, fresh.Enabled)
			assert.Equal(t, 1, fresh.Level)

			require.NoError(t, s.Delete(ctx, id))
			assert.ErrorIs(t, s.Update(ctx, fresh), metadata.ErrNotFound)
			require.NoError(t, s.Close())
		})
	}
}

func TestFactoryErrors(t *testing.T) {
	_, err := metadata.NewStore(metadata.StoreTypeRedis)
	assert.ErrorIs(t, err, metadata.ErrInvalidConfig)
	_, err = metadata.NewStore("etcd")
	assert.ErrorIs(t, err, metadata.ErrInvalidStoreType)
}
