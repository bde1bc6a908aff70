package vectorstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/memory/vectorstore"
)

func TestMemoryStoreSearch(t *testing.T) {
	ctx := context.Background()
	s := vectorstore.NewMemoryStore(2)
	require.NoError(t, s.Upsert(ctx, []vectorstore.Point{
		{ID: "a", Vector: []float32{1, 0}, Payload: map[string]any{"content": "east", "user_id": "u1"}},
		{ID: "b", Vector: []float32{0, 1}, Payload: map[string]any{"content": "north", "user_id": "u1"}},
		{ID: "c", Vector: []float32{1, 0.1}, Payload: map[string]any{"content": "east-ish", "user_id": "u2"}},
	}))

	res, err := s.Search(ctx, []float32{1, 0}, vectorstore.SearchFilter{Metadata: map[string]any{"user_id": "u1"}}, 5)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "east", res[0].Content)
	assert.InDelta(t, 1.0, res[0].Score, 1e-6)
	assert.Equal(t, "u1", res[0].Metadata["user_id"])

	res, err = s.Search(ctx, []float32{1, 0}, vectorstore.SearchFilter{MinScore: 0.5}, 5)
	require.NoError(t, err)
	assert.Len(t, res, 2)

	err = s.Upsert(ctx, []vectorstore.Point{{ID: "d", Vector: []float32{1}}})
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
}

func TestMemoryStoreGetDelete(t *testing.T) {
	ctx := context.Background()
	s := vectorstore.NewMemoryStore(0)
	require.NoError(t, s.Upsert(ctx, []vectorstore.Point{{ID: "a", Vector: []float32{1, 2, 3}, Payload: map[string]any{"k": "v"}}}))

	pts, err := s.Get(ctx, []string{"a", "missing"})
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, "v", pts[0].Payload["k"])

	require.NoError(t, s.Delete(ctx, []string{"a"}))
	assert.Equal(t, 0, s.Len())
}
