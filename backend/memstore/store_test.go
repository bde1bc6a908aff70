package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/memory"
	"github.com/creastat/memory/backend"
	"github.com/creastat/memory/backend/memstore"
	"github.com/creastat/memory/relsync"
)

func tenant(u, r, s string) memory.TenantKey {
	return memory.TenantKey{UserID: u, RoleID: r, SessionID: s}
}

func ctxOf(content string, at time.Time) memory.MemoryContext {
	return memory.MemoryContext{
		Content:      content,
		Source:       "user",
		Timestamp:    at,
		SummaryCount: 1,
		SourceDialog: []memory.DialogTurn{{Content: content, Source: "user", Timestamp: at}},
		Metadata:     map[string]any{"topic": "pets"},
	}
}

func TestStoreAndRetrieveScoped(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	assert.Equal(t, memstore.DefaultBatchSize, s.DialogBatchSize())

	now := time.Now()
	require.NoError(t, s.Store(ctx, ctxOf("my cat is called Tom", now), tenant("u1", "r1", "s1")))
	require.NoError(t, s.Store(ctx, ctxOf("my dog likes the park", now.Add(time.Second)), tenant("u1", "r1", "s2")))
	require.NoError(t, s.Store(ctx, ctxOf("my cat hates baths", now), tenant("u2", "r1", "s1")))
	require.NoError(t, s.Store(ctx, ctxOf("cat facts", now), tenant("u1", "r2", "")))

	res, err := s.Retrieve(ctx, "what is my cat called", 5, tenant("u1", "r1", ""), nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "my cat is called Tom", res[0].Content)
	assert.Greater(t, res[0].Score, res[1].Score)

	res, err = s.Retrieve(ctx, "cat", 5, tenant("u1", "r1", "s2"), nil)
	require.NoError(t, err)
	assert.Empty(t, res)

	res, err = s.Retrieve(ctx, "", 1, tenant("u1", "r1", ""), nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "my dog likes the park", res[0].Content)

	_, err = s.Retrieve(ctx, "cat", 5, tenant("", "r1", ""), nil)
	assert.ErrorIs(t, err, memory.ErrMissingUserID)
}

func TestRetrieveFilters(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	k := tenant("u", "r", "")
	mc := ctxOf("likes tea", time.Now())
	mc.ConversationID = "c1"
	require.NoError(t, s.Store(ctx, mc, k))
	require.NoError(t, s.Store(ctx, ctxOf("likes coffee", time.Now()), k))

	res, err := s.Retrieve(ctx, "likes", 5, k, backend.Filters{"conversation_id": "c1"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "likes tea", res[0].Content)

	res, err = s.Retrieve(ctx, "likes", 5, k, backend.Filters{"topic": "weather"})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestUpdateAndDeleteOwnership(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	owner := tenant("u1", "r1", "")
	require.NoError(t, s.Store(ctx, ctxOf("old text", time.Now()), owner))

	res, err := s.Retrieve(ctx, "old", 1, owner, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	id := res[0].ID

	assert.ErrorIs(t, s.Update(ctx, id, map[string]any{"content": "x"}, tenant("u2", "r1", "")), backend.ErrForbidden)
	assert.ErrorIs(t, s.Update(ctx, "missing", nil, owner), backend.ErrNotFound)
	assert.Error(t, s.Update(ctx, id, map[string]any{"content": 3}, owner))

	require.NoError(t, s.Update(ctx, id, map[string]any{"content": "new text", "mood": "happy"}, owner))
	res, err = s.Retrieve(ctx, "new", 1, owner, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "happy", res[0].Metadata["mood"])

	assert.ErrorIs(t, s.Delete(ctx, id, tenant("u1", "r9", "")), backend.ErrForbidden)
	require.NoError(t, s.Delete(ctx, id, owner))
	assert.Equal(t, 0, s.Len(owner))
	assert.ErrorIs(t, s.Delete(ctx, id, owner), backend.ErrNotFound)
}

func TestSyncToDatabase(t *testing.T) {
	ctx := context.Background()
	src := relsync.NewMemorySource()
	k := tenant("u", "r", "")
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		src.Insert(relsync.Row{UserID: "u", RoleID: "r", Role: "user", Content: "row", CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}

	s := memstore.New(memstore.WithSource(src))
	require.NoError(t, s.SyncToDatabase(ctx, k, nil, nil))
	assert.Equal(t, 3, s.Len(k))
	st := s.SyncStatus(k)
	assert.Equal(t, 1.0, st.Progress)
	assert.Equal(t, 5, st.Stored)

	bare := memstore.New()
	assert.ErrorIs(t, bare.SyncToDatabase(ctx, k, nil, nil), relsync.ErrNoSource)
}
