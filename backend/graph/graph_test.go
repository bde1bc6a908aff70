package graph_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/memory"
	"github.com/creastat/memory/backend"
	"github.com/creastat/memory/backend/graph"
	"github.com/creastat/memory/relsync"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func key(u, r, s string) memory.TenantKey {
	return memory.TenantKey{UserID: u, RoleID: r, SessionID: s}
}

func mcOf(content string, at time.Time, roles ...string) memory.MemoryContext {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return memory.MemoryContext{
		Content:      content,
		Source:       "summary",
		Timestamp:    at,
		DialogRoles:  set,
		IsSummarized: true,
		Metadata:     map[string]any{"topic": "life"},
	}
}

func open(t *testing.T, opts ...graph.Option) *graph.Backend {
	t.Helper()
	b, err := graph.Open(graph.Config{InMemory: true}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := graph.Open(graph.Config{})
	assert.Error(t, err)
}

func TestStoreRetrieve(t *testing.T) {
	ctx := context.Background()
	b := open(t)
	assert.Equal(t, graph.DefaultBatchSize, b.DialogBatchSize())

	require.NoError(t, b.Store(ctx, mcOf("User:my sister lives in Paris\n\nAI:nice city", t0, "User", "AI"), key("u", "r", "s1")))
	require.NoError(t, b.Store(ctx, mcOf("User:my sister likes painting", t0.Add(time.Minute), "User"), key("u", "r", "s2")))
	require.NoError(t, b.Store(ctx, mcOf("User:my sister is a doctor", t0, "User"), key("other", "r", "")))

	res, err := b.Retrieve(ctx, "where does my sister live? Paris", 5, key("u", "r", ""), nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Contains(t, res[0].Content, "Paris")
	assert.Greater(t, res[0].Score, res[1].Score)
	assert.Equal(t, t0, res[0].Timestamp)
	assert.Equal(t, "life", res[0].Metadata["topic"])

	res, err = b.Retrieve(ctx, "sister", 5, key("u", "r", "s2"), nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Contains(t, res[0].Content, "painting")

	res, err = b.Retrieve(ctx, "", 5, key("u", "r", ""), nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Contains(t, res[0].Content, "painting", "newest first")

	res, err = b.Retrieve(ctx, "sister", 5, key("u", "r", ""), backend.Filters{"role": "AI"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Contains(t, res[0].Content, "Paris")

	related, err := b.Related(ctx, key("u", "r", ""), "Sister", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"my", "user", "ai"}, related)
}

func TestUpdateDelete(t *testing.T) {
	ctx := context.Background()
	b := open(t)
	owner := key("u", "r", "s1")
	require.NoError(t, b.Store(ctx, mcOf("likes tea", t0, "User"), owner))

	res, err := b.Retrieve(ctx, "tea", 1, owner, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	id := res[0].ID

	assert.ErrorIs(t, b.Update(ctx, id, nil, key("x", "r", "")), backend.ErrForbidden)
	assert.ErrorIs(t, b.Update(ctx, id, nil, key("u", "r", "s2")), backend.ErrForbidden)
	assert.ErrorIs(t, b.Update(ctx, "missing", nil, owner), backend.ErrNotFound)

	require.NoError(t, b.Update(ctx, id, map[string]any{"content": "likes coffee", "mood": "ok"}, owner))
	res, err = b.Retrieve(ctx, "tea", 1, owner, nil)
	require.NoError(t, err)
	assert.Empty(t, res, "old term edges are removed")
	res, err = b.Retrieve(ctx, "coffee", 1, owner, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, id, res[0].ID)
	assert.Equal(t, "ok", res[0].Metadata["mood"])

	require.NoError(t, b.Delete(ctx, id, key("u", "r", "")))
	res, err = b.Retrieve(ctx, "", 5, owner, nil)
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.ErrorIs(t, b.Delete(ctx, id, owner), backend.ErrNotFound)
}

func TestSyncToDatabase(t *testing.T) {
	src := relsync.NewMemorySource()
	for i := 0; i < 12; i++ {
		src.Insert(relsync.Row{UserID: "u", RoleID: "r", Role: "user", Content: "hello graph", CreatedAt: t0.Add(time.Duration(i) * time.Second)})
	}
	b := open(t, graph.WithSource(src))
	k := key("u", "r", "")
	require.NoError(t, b.SyncToDatabase(context.Background(), k, nil, nil))

	res, err := b.Retrieve(context.Background(), "", 10, k, nil)
	require.NoError(t, err)
	assert.Len(t, res, 2)
	assert.Equal(t, 1.0, b.SyncStatus(k).Progress)
}
