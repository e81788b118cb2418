package internal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedGlyph(t *testing.T, store DocStore, id string, views, likes, downloads int64) {
	t.Helper()
	require.NoError(t, store.Set(t.Context(), colGlyphs, id, map[string]any{
		"title":     "glyph " + id,
		"creatorId": "u1",
		"views":     views,
		"likes":     likes,
		"downloads": downloads,
		"createdAt": time.Now().UTC(),
	}))
}

func seedEvents(t *testing.T, store DocStore, col, glyphID string, n int) {
	t.Helper()
	for i := range n {
		require.NoError(t, store.Set(t.Context(), col, fmt.Sprintf("%s_actor%d", glyphID, i), map[string]any{
			"glyphId": glyphID,
		}))
	}
}

func TestReconcileCorrectsDrift(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := NewMemStore()
	cache := NewCache(nil)
	rec := NewReconciler(store, cache, nil)

	// Counters say 10/0/5 but the event logs say 3/2/1.
	seedGlyph(t, store, "g1", 10, 0, 5)
	seedEvents(t, store, colGlyphViews, "g1", 3)
	seedEvents(t, store, colGlyphLikes, "g1", 2)
	seedEvents(t, store, colGlyphDownloads, "g1", 1)

	report, err := rec.Reconcile(ctx, []string{"g1"}, SyncAdminBatch)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalChecked)
	assert.Equal(t, 1, report.TotalChanged)
	assert.Equal(t, 0, report.TotalFailed)
	require.Len(t, report.SampleDiffs, 1)
	assert.Equal(t, Counts{Views: 10, Likes: 0, Downloads: 5}, report.SampleDiffs[0].Before)
	assert.Equal(t, Counts{Views: 3, Likes: 2, Downloads: 1}, report.SampleDiffs[0].After)

	doc, err := store.Get(ctx, colGlyphs, "g1")
	require.NoError(t, err)
	g := glyphFromDoc(Doc{ID: "g1", Data: doc})
	assert.Equal(t, Counts{Views: 3, Likes: 2, Downloads: 1}, g.counts())
	assert.Equal(t, SyncAdminBatch, g.SyncType)
	require.NotNil(t, g.LastSyncAt)
}

func TestReconcileNoChangeStillStamps(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := NewMemStore()
	rec := NewReconciler(store, NewCache(nil), nil)

	seedGlyph(t, store, "g1", 2, 0, 0)
	seedEvents(t, store, colGlyphViews, "g1", 2)

	report, err := rec.Reconcile(ctx, []string{"g1"}, SyncAutoHourly)
	require.NoError(t, err)
	assert.Equal(t, 0, report.TotalChanged)
	assert.Empty(t, report.SampleDiffs)

	// lastSyncAt advances even without a correction, tagged so operators
	// can tell a verified pass from a corrective one.
	doc, err := store.Get(ctx, colGlyphs, "g1")
	require.NoError(t, err)
	g := glyphFromDoc(Doc{ID: "g1", Data: doc})
	assert.Equal(t, "auto_hourly_no_change", g.SyncType)
	require.NotNil(t, g.LastSyncAt)
	assert.Equal(t, int64(2), g.Views)
}

// countingStore wraps a DocStore to count batch commits.
type countingStore struct {
	DocStore
	commits int
}

func (c *countingStore) Batch() WriteBatch {
	return &countingBatch{WriteBatch: c.DocStore.Batch(), store: c}
}

type countingBatch struct {
	WriteBatch
	store *countingStore
}

func (b *countingBatch) Commit(ctx context.Context) error {
	b.store.commits++
	return b.WriteBatch.Commit(ctx)
}

func TestReconcileChunksBatches(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	mem := NewMemStore()
	store := &countingStore{DocStore: mem}
	rec := NewReconciler(store, NewCache(nil), nil)

	ids := make([]string, 1200)
	for i := range ids {
		ids[i] = fmt.Sprintf("g%04d", i)
		seedGlyph(t, mem, ids[i], 0, 0, 0)
	}

	report, err := rec.Reconcile(ctx, ids, SyncAdminFull)
	require.NoError(t, err)
	assert.Equal(t, 1200, report.TotalChecked)
	assert.Equal(t, 0, report.TotalFailed)

	// One update per glyph, flushed every 500 ops: 500 + 500 + 200.
	assert.Equal(t, 3, store.commits)
}

// brokenStore wraps a DocStore so every batch commit fails.
type brokenStore struct {
	DocStore
}

func (b *brokenStore) Batch() WriteBatch {
	return &brokenBatch{WriteBatch: b.DocStore.Batch()}
}

type brokenBatch struct {
	WriteBatch
}

func (b *brokenBatch) Commit(context.Context) error {
	return fmt.Errorf("commit refused")
}

func TestReconcileFailedCommitNotCounted(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	mem := NewMemStore()
	cache := NewCache(nil)
	rec := NewReconciler(&brokenStore{DocStore: mem}, cache, nil)

	// Drifted counters so the pass would correct, if the write landed.
	seedGlyph(t, mem, "g1", 9, 0, 0)
	seedEvents(t, mem, colGlyphViews, "g1", 2)
	cache.Set(countsKey("g1"), Counts{Views: 9}, CacheCounts)
	cache.Set(glyphKey("g1"), &GlyphResource{ID: "g1"}, CacheGlyph)
	cache.Set(popularKey("popular", 12), []*GlyphResource{}, CachePopular)

	report, err := rec.Reconcile(ctx, []string{"g1"}, SyncAdminBatch)
	require.NoError(t, err)

	// Nothing landed, so nothing counts as changed.
	assert.Equal(t, 1, report.TotalChecked)
	assert.Equal(t, 0, report.TotalChanged)
	assert.Equal(t, 1, report.TotalFailed)
	assert.Empty(t, report.SampleDiffs)
	require.Len(t, report.SampleErrors, 1)
	assert.Contains(t, report.SampleErrors[0], "commit refused")

	// Cached values for the unlanded write survive.
	_, ok := cache.Get(countsKey("g1"), CacheCounts)
	assert.True(t, ok)
	_, ok = cache.Get(glyphKey("g1"), CacheGlyph)
	assert.True(t, ok)
	_, ok = cache.Get(popularKey("popular", 12), CachePopular)
	assert.True(t, ok)
}

func TestReconcileTolerateBadGlyphs(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := NewMemStore()
	rec := NewReconciler(store, NewCache(nil), nil)

	seedGlyph(t, store, "good", 1, 0, 0)
	seedEvents(t, store, colGlyphViews, "good", 4)

	// Five missing glyphs; the report samples at most three errors.
	ids := []string{"good", "gone1", "gone2", "gone3", "gone4", "gone5"}
	report, err := rec.Reconcile(ctx, ids, SyncAdminBatch)
	require.NoError(t, err)
	assert.Equal(t, 6, report.TotalChecked)
	assert.Equal(t, 1, report.TotalChanged)
	assert.Equal(t, 5, report.TotalFailed)
	assert.Len(t, report.SampleErrors, 3)

	// The good glyph still converged.
	doc, err := store.Get(ctx, colGlyphs, "good")
	require.NoError(t, err)
	assert.Equal(t, int64(4), asInt64(doc["views"]))
}

func TestReconcileInvalidatesCache(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := NewMemStore()
	cache := NewCache(nil)
	rec := NewReconciler(store, cache, nil)

	seedGlyph(t, store, "g1", 9, 9, 9)
	cache.Set(countsKey("g1"), Counts{Views: 9}, CacheCounts)
	cache.Set(glyphKey("g1"), &GlyphResource{ID: "g1"}, CacheGlyph)
	cache.Set(popularKey("popular", 12), []*GlyphResource{}, CachePopular)

	_, err := rec.Reconcile(ctx, []string{"g1"}, SyncAdminBatch)
	require.NoError(t, err)

	// Counters drifted (no events exist), so everything derived is evicted.
	_, ok := cache.Get(countsKey("g1"), CacheCounts)
	assert.False(t, ok)
	_, ok = cache.Get(glyphKey("g1"), CacheGlyph)
	assert.False(t, ok)
	_, ok = cache.Get(popularKey("popular", 12), CachePopular)
	assert.False(t, ok)
}

func TestReconcileRecentReports(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := NewMemStore()
	rec := NewReconciler(store, NewCache(nil), nil)
	seedGlyph(t, store, "g1", 0, 0, 0)

	for range _recentReports + 3 {
		_, err := rec.Reconcile(ctx, []string{"g1"}, SyncAdminBatch)
		require.NoError(t, err)
	}

	recent := rec.Recent()
	assert.Len(t, recent, _recentReports)
}
