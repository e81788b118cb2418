package internal

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreBatchAtomicity(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := NewMemStore()
	require.NoError(t, store.Set(ctx, colGlyphs, "g1", map[string]any{"views": int64(0)}))

	// An update against a missing document fails the whole batch.
	batch := store.Batch()
	batch.Update(colGlyphs, "g1", map[string]any{"views": Inc(1)})
	batch.Update(colGlyphs, "missing", map[string]any{"views": Inc(1)})
	require.Error(t, batch.Commit(ctx))

	doc, err := store.Get(ctx, colGlyphs, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), asInt64(doc["views"]))
}

func TestMemStoreBatchLimit(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	batch := store.Batch()
	for i := range _maxBatchOps + 1 {
		batch.Set(colGlyphViews, fmt.Sprintf("v%d", i), map[string]any{})
	}
	assert.Error(t, batch.Commit(t.Context()))
}

func TestMemStoreIncrement(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := NewMemStore()
	require.NoError(t, store.Set(ctx, colGlyphs, "g1", map[string]any{"title": "vinyl"}))

	// Incrementing a field the document doesn't have yet treats it as zero.
	require.NoError(t, store.Update(ctx, colGlyphs, "g1", map[string]any{"views": Inc(1)}))
	require.NoError(t, store.Update(ctx, colGlyphs, "g1", map[string]any{"views": Inc(2)}))

	doc, err := store.Get(ctx, colGlyphs, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), asInt64(doc["views"]))

	assert.ErrorIs(t, store.Update(ctx, colGlyphs, "missing", map[string]any{"views": Inc(1)}), errNotFound)
}

func TestMemStoreServerTimestamp(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := NewMemStore()
	then := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return then }

	require.NoError(t, store.Set(ctx, colGlyphs, "g1", map[string]any{"createdAt": ServerTimestamp}))

	doc, err := store.Get(ctx, colGlyphs, "g1")
	require.NoError(t, err)
	got, ok := asTime(doc["createdAt"])
	require.True(t, ok)
	assert.True(t, got.Equal(then))
}

func TestMemStoreScan(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := NewMemStore()
	require.NoError(t, store.Set(ctx, colGlyphViews, "g1_a", map[string]any{"glyphId": "g1"}))
	require.NoError(t, store.Set(ctx, colGlyphViews, "g1_b", map[string]any{"glyphId": "g1"}))
	require.NoError(t, store.Set(ctx, colGlyphViews, "g2_a", map[string]any{"glyphId": "g2"}))

	docs, err := store.Scan(ctx, colGlyphViews, "glyphId", "g1")
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	n, err := store.Count(ctx, colGlyphViews, "glyphId", "g2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// An empty field matches everything.
	n, err = store.Count(ctx, colGlyphViews, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestMemStoreScanOrdered(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := NewMemStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Set(ctx, colGlyphs, "old", map[string]any{"lastSyncAt": base}))
	require.NoError(t, store.Set(ctx, colGlyphs, "new", map[string]any{"lastSyncAt": base.Add(time.Hour)}))
	require.NoError(t, store.Set(ctx, colGlyphs, "never", map[string]any{}))

	// Ascending puts never-synced documents first.
	docs, err := store.ScanOrdered(ctx, colGlyphs, "lastSyncAt", false, 0)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "never", docs[0].ID)
	assert.Equal(t, "old", docs[1].ID)
	assert.Equal(t, "new", docs[2].ID)

	docs, err = store.ScanOrdered(ctx, colGlyphs, "lastSyncAt", true, 1)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "new", docs[0].ID)
}

func TestMemStoreGetIsolation(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := NewMemStore()
	require.NoError(t, store.Set(ctx, colGlyphs, "g1", map[string]any{"title": "a"}))

	doc, err := store.Get(ctx, colGlyphs, "g1")
	require.NoError(t, err)
	doc["title"] = "mutated"

	doc, err = store.Get(ctx, colGlyphs, "g1")
	require.NoError(t, err)
	assert.Equal(t, "a", doc["title"])
}
