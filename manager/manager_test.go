package manager_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/memory"
	"github.com/creastat/memory/backend"
	"github.com/creastat/memory/backend/memstore"
	"github.com/creastat/memory/coordinator"
	"github.com/creastat/memory/manager"
	"github.com/creastat/memory/metadata"
	"github.com/creastat/memory/queue"
	"github.com/creastat/memory/relsync"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func key(u, r, s string) memory.TenantKey {
	return memory.TenantKey{UserID: u, RoleID: r, SessionID: s}
}

type fixture struct {
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	basic *memstore.Store
	other *memstore.Store
	src   *relsync.MemorySource
	m     *manager.Manager
}

func newFixture(t *testing.T, cfg manager.Config, opts ...manager.Option) *fixture {
	t.Helper()
	f := &fixture{mr: miniredis.RunT(t), src: relsync.NewMemorySource()}
	f.rdb = redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { f.rdb.Close() })

	f.basic = memstore.New(memstore.WithSource(f.src))
	f.other = memstore.New(memstore.WithBatchSize(3))
	reg := backend.NewRegistry()
	require.NoError(t, reg.Register(backend.LevelBasic, "basic", func() (backend.Backend, error) { return f.basic, nil }))
	require.NoError(t, reg.Register(backend.LevelGraph, "other", func() (backend.Backend, error) { return f.other, nil }))

	m, err := manager.New(f.rdb, reg, cfg, opts...)
	require.NoError(t, err)
	f.m = m
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return f
}

func batchConfig(n int) manager.Config {
	cfg := manager.DefaultConfig()
	cfg.Coordinator.BatchSize = n
	return cfg
}

func waitIdle(t *testing.T, m *manager.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Coordinator().Wait(ctx))
}

func TestStoreAndRetrieve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, batchConfig(2))
	k := key("U", "R", "")

	assert.True(t, f.m.Store(ctx, memory.DialogTurn{Content: "my cat is Tom", Source: "user", Timestamp: t0}, k, manager.StoreOptions{}))
	assert.True(t, f.m.StoreMap(ctx, map[string]any{
		"content":   "Tom is a nice cat",
		"source":    "assistant",
		"timestamp": "2024-01-01T00:00:01",
	}, k, manager.StoreOptions{}))
	waitIdle(t, f.m)
	require.Equal(t, 1, f.basic.Len(k))

	res := f.m.Retrieve(ctx, "cat", k, manager.RetrieveOptions{})
	require.Len(t, res, 1)
	assert.Equal(t, "User:my cat is Tom\n\nAI:Tom is a nice cat", res[0].Content)

	assert.Nil(t, f.m.Retrieve(ctx, "cat", key("", "R", ""), manager.RetrieveOptions{}))
	assert.False(t, f.m.Store(ctx, memory.DialogTurn{Content: "x"}, key("U", "", ""), manager.StoreOptions{}))
	assert.False(t, f.m.StoreMap(ctx, map[string]any{"timestamp": "not a time"}, k, manager.StoreOptions{}))

	meta, err := f.m.Metadata(ctx, k)
	require.NoError(t, err)
	assert.True(t, meta.Enabled)
	assert.EqualValues(t, 1, meta.Version)
}

func TestRetrieveTierSelectionDoesNotLeak(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, batchConfig(1))
	k := key("U", "R", "")
	require.NoError(t, f.other.Store(ctx, memory.MemoryContext{Content: "graph fact about cats", Source: "user", Timestamp: t0}, k))

	graph := backend.LevelGraph
	res := f.m.Retrieve(ctx, "cats", k, manager.RetrieveOptions{Level: &graph})
	require.Len(t, res, 1)
	assert.Equal(t, backend.LevelBasic, f.m.ActiveLevel())

	assert.Empty(t, f.m.Retrieve(ctx, "cats", k, manager.RetrieveOptions{}))

	long := "do you remember why my relationship with my sister changed before last time we talked about history"
	res = f.m.Retrieve(ctx, long+" cats", k, manager.RetrieveOptions{Auto: true, Hint: 1})
	require.Len(t, res, 1)
	assert.Equal(t, backend.LevelBasic, f.m.ActiveLevel())
}

func TestUpdateDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, batchConfig(1))
	k := key("U", "R", "")

	require.True(t, f.m.Store(ctx, memory.DialogTurn{Content: "likes tea", Timestamp: t0}, k, manager.StoreOptions{}))
	waitIdle(t, f.m)
	res := f.m.Retrieve(ctx, "tea", k, manager.RetrieveOptions{})
	require.Len(t, res, 1)
	id := res[0].ID

	assert.True(t, f.m.Update(ctx, id, map[string]any{"content": "likes green tea"}, k))
	assert.False(t, f.m.Update(ctx, id, map[string]any{"content": "x"}, key("V", "R", "")))
	assert.False(t, f.m.Delete(ctx, "missing", k))
	assert.True(t, f.m.Delete(ctx, id, k))
	assert.Empty(t, f.m.Retrieve(ctx, "tea", k, manager.RetrieveOptions{}))
}

func TestSetMemoryLevel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, batchConfig(coordinator.InheritBatchSize))
	k := key("U", "R", "")
	assert.Equal(t, memstore.DefaultBatchSize, f.m.Coordinator().BatchSize())

	assert.False(t, f.m.SetMemoryLevel(ctx, backend.LevelVector))
	assert.True(t, f.m.SetMemoryLevel(ctx, backend.LevelGraph))
	assert.Equal(t, backend.LevelGraph, f.m.ActiveLevel())
	assert.Equal(t, 3, f.m.Coordinator().BatchSize())
	assert.False(t, f.mr.Exists(memory.AdminLockKey("set_level")))

	for i := 0; i < 3; i++ {
		require.True(t, f.m.Store(ctx, memory.DialogTurn{Content: fmt.Sprint(i), Timestamp: t0.Add(time.Duration(i))}, k, manager.StoreOptions{}))
	}
	waitIdle(t, f.m)
	assert.Equal(t, 1, f.other.Len(k))
	assert.Zero(t, f.basic.Len(k))
}

func TestSetMemoryLevelBlockedByAdminLock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f := newFixture(t, batchConfig(1))
	require.NoError(t, f.mr.Set(memory.AdminLockKey("set_level"), "someone"))
	assert.False(t, f.m.SetMemoryLevel(ctx, backend.LevelGraph))
	assert.Equal(t, backend.LevelBasic, f.m.ActiveLevel())
}

func TestRegisterCustomMemorySystem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, batchConfig(1))
	custom := memstore.New()

	assert.False(t, f.m.RegisterCustomMemorySystem(ctx, -1, "bad", func() (backend.Backend, error) { return custom, nil }))
	require.True(t, f.m.RegisterCustomMemorySystem(ctx, 7, "custom", func() (backend.Backend, error) { return custom, nil }))
	assert.Contains(t, f.m.Registry().Levels(), backend.Level(7))
	require.True(t, f.m.SetMemoryLevel(ctx, 7))
	assert.Same(t, custom, f.m.Backend())

	// Replacing the active tier swaps the coordinator's backend.
	replacement := memstore.New()
	require.True(t, f.m.RegisterCustomMemorySystem(ctx, 7, "custom2", func() (backend.Backend, error) { return replacement, nil }))
	assert.Same(t, replacement, f.m.Backend())

	failing := func() (backend.Backend, error) { return nil, errors.New("boom") }
	assert.False(t, f.m.RegisterCustomMemorySystem(ctx, 7, "broken", failing))
}

func TestEnableMemoryRunsSync(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMemoryStore()
	f := newFixture(t, batchConfig(2), manager.WithMetadataStore(store))
	k := key("U", "R", "")
	for i := 0; i < 4; i++ {
		f.src.Insert(relsync.Row{UserID: "U", RoleID: "R", Role: "user", Content: "row", CreatedAt: t0.Add(time.Duration(i) * time.Minute)})
	}

	require.True(t, f.m.EnableMemory(ctx, k, true))
	require.Eventually(t, func() bool {
		st := f.m.SyncStatus(k)
		return !st.IsSyncing && st.Progress == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, f.basic.Len(k))

	require.Eventually(t, func() bool {
		meta, err := store.Get(ctx, metadata.IDFor(k))
		return err == nil && meta != nil && meta.LastSyncAt != nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, f.m.EnableMemory(ctx, key("", "R", ""), false))
}

func TestForcePendingDialogs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, batchConfig(10))
	a, b := key("A", "R", ""), key("B", "R", "s1")

	require.True(t, f.m.Store(ctx, memory.DialogTurn{Content: "a", Timestamp: t0}, a, manager.StoreOptions{}))
	require.True(t, f.m.Store(ctx, memory.DialogTurn{Content: "b", Timestamp: t0}, b, manager.StoreOptions{}))
	assert.Zero(t, f.basic.Len(a))

	assert.Equal(t, 1, f.m.ForcePendingDialogs(ctx, &a))
	waitIdle(t, f.m)
	assert.Equal(t, 1, f.basic.Len(a))
	assert.Zero(t, f.basic.Len(b))

	assert.Equal(t, 1, f.m.ForcePendingDialogs(ctx, nil))
	waitIdle(t, f.m)
	assert.Equal(t, 1, f.basic.Len(b))
	assert.Zero(t, f.m.ForcePendingDialogs(ctx, nil))
}

func TestBatchStoreAndClearCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, batchConfig(10))
	k := key("U", "R", "")

	n := f.m.BatchStore(ctx, []manager.BatchItem{
		{Tenant: k, Turn: memory.DialogTurn{Content: "1"}},
		{Tenant: key("", "R", ""), Turn: memory.DialogTurn{Content: "2"}},
		{Tenant: k, Turn: memory.DialogTurn{Content: "3"}},
	})
	assert.Equal(t, 2, n)
	pending, err := f.m.Coordinator().Pending(ctx, k)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pending)

	assert.True(t, f.m.ClearCache(ctx, k))
	pending, err = f.m.Coordinator().Pending(ctx, k)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.False(t, f.m.ClearCache(ctx, key("U", "", "")))
}

func TestQueueConsumerPath(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := queue.New(rdb, queue.DefaultConfig())
	basic := memstore.New()
	reg := backend.NewRegistry()
	require.NoError(t, reg.Register(backend.LevelBasic, "basic", func() (backend.Backend, error) { return basic, nil }))

	cfg := batchConfig(2)
	cfg.Coordinator.UseQueue = true
	cfg.Consumer = queue.ConsumerOptions{Workers: 1, PollInterval: 10 * time.Millisecond}
	m, err := manager.New(rdb, reg, cfg, manager.WithQueue(q))
	require.NoError(t, err)
	k := key("U", "R", "")

	require.True(t, m.Store(ctx, memory.DialogTurn{Content: "q1", Timestamp: t0}, k, manager.StoreOptions{}))
	require.True(t, m.Store(ctx, memory.DialogTurn{Content: "q2", Timestamp: t0.Add(time.Second)}, k, manager.StoreOptions{}))
	st := m.QueueStatus(ctx)
	assert.True(t, st.QueueEnabled)
	assert.EqualValues(t, 2, st.Queue.Pending)
	assert.Equal(t, "basic", st.Backend)

	require.NoError(t, m.StartQueueConsumer(ctx))
	require.Eventually(t, func() bool { return basic.Len(k) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, m.QueueStatus(ctx).ConsumerRunning)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(sctx))
	assert.False(t, m.QueueStatus(ctx).ConsumerRunning)
}

func TestQueueStatusWithoutQueue(t *testing.T) {
	f := newFixture(t, batchConfig(2))
	st := f.m.QueueStatus(context.Background())
	assert.False(t, st.QueueEnabled)
	assert.Equal(t, "basic", st.Level)
	assert.Equal(t, 2, st.BatchSize)
	assert.ErrorIs(t, f.m.StartQueueConsumer(context.Background()), manager.ErrNoQueue)
}

func TestResetClearsMetadataCache(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMemoryStore()
	f := newFixture(t, batchConfig(5), manager.WithMetadataStore(store))
	k := key("U", "R", "")

	require.True(t, f.m.Store(ctx, memory.DialogTurn{Content: "x"}, k, manager.StoreOptions{}))
	require.NoError(t, store.Delete(ctx, metadata.IDFor(k)))
	_, err := f.m.Metadata(ctx, k)
	require.NoError(t, err)

	f.m.Reset()
	_, err = f.m.Metadata(ctx, k)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}
