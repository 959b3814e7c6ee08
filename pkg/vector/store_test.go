package vector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/conduit/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStoreInsertBatchIsWriteOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	n, err := st.InsertBatch(ctx, []models.EmbeddingRecord{
		{ContentHash: "a", Vector: []float32{1, 0.5, -2}, Dimension: 3, SourceID: "m1", Author: "ann", Channel: "general", CreatedAt: ts},
		{ContentHash: "b", Vector: []float32{0, 1, 0}, Dimension: 3, CreatedAt: ts.Add(time.Minute)},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = st.InsertBatch(ctx, []models.EmbeddingRecord{
		{ContentHash: "a", Vector: []float32{9, 9, 9}, Dimension: 3, CreatedAt: ts},
		{ContentHash: "c", Vector: []float32{0, 0, 1}, Dimension: 3, CreatedAt: ts},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "existing hash must not be rewritten")

	got, ok, err := st.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0.5, -2}, got.Vector)
	assert.Equal(t, "ann", got.Author)
	assert.Equal(t, "general", got.Channel)
	assert.True(t, got.CreatedAt.Equal(ts))

	count, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestStoreGetMissing(t *testing.T) {
	st := newTestStore(t)
	_, ok, err := st.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreAllOrdersByCreation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := st.InsertBatch(ctx, []models.EmbeddingRecord{
		{ContentHash: "late", Vector: []float32{1}, Dimension: 1, CreatedAt: base.Add(2 * time.Hour)},
		{ContentHash: "early", Vector: []float32{1}, Dimension: 1, CreatedAt: base},
	})
	require.NoError(t, err)

	all, err := st.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "early", all[0].ContentHash)
	assert.Equal(t, "late", all[1].ContentHash)

	require.NoError(t, st.Delete(ctx, "early"))
	count, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestVectorEncoding(t *testing.T) {
	in := []float32{0, -1.5, 3.25, 1e-7}
	assert.Equal(t, in, decodeVector(encodeVector(in)))
}
