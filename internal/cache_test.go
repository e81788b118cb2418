package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheExpiryBoundary(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := start
	c := NewCache(nil)
	c.now = func() time.Time { return now }

	c.Set(countsKey("g1"), Counts{Views: 3}, CacheCounts)

	// Counts live for 5 minutes. An entry exactly at its TTL is still
	// valid; one second past is not.
	now = start.Add(299 * time.Second)
	_, ok := c.Get(countsKey("g1"), CacheCounts)
	assert.True(t, ok)

	now = start.Add(300 * time.Second)
	_, ok = c.Get(countsKey("g1"), CacheCounts)
	assert.True(t, ok)

	now = start.Add(301 * time.Second)
	_, ok = c.Get(countsKey("g1"), CacheCounts)
	assert.False(t, ok)
}

func TestCachePerClassTTLs(t *testing.T) {
	t.Parallel()

	start := time.Now()
	now := start
	c := NewCache(nil)
	c.now = func() time.Time { return now }

	c.Set(_statsKey, &AdminStats{}, CacheStats)
	c.Set(userKey("u1"), &UserResource{ID: "u1"}, CacheUser)

	// 3 minutes in, the short-lived stats entry is gone but the profile
	// survives.
	now = start.Add(3 * time.Minute)
	_, ok := c.Get(_statsKey, CacheStats)
	assert.False(t, ok)
	_, ok = c.Get(userKey("u1"), CacheUser)
	assert.True(t, ok)

	now = start.Add(31 * time.Minute)
	_, ok = c.Get(userKey("u1"), CacheUser)
	assert.False(t, ok)
}

func TestCacheSetRestartsTTL(t *testing.T) {
	t.Parallel()

	start := time.Now()
	now := start
	c := NewCache(nil)
	c.now = func() time.Time { return now }

	c.Set("k", 1, CacheCounts)
	now = start.Add(4 * time.Minute)
	c.Set("k", 2, CacheCounts)

	now = start.Add(8 * time.Minute)
	v, ok := c.Get("k", CacheCounts)
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestCacheClearPrefix(t *testing.T) {
	t.Parallel()

	c := NewCache(nil)
	c.Set(popularKey("popular", 12), []*GlyphResource{}, CachePopular)
	c.Set(popularKey("latest", 30), []*GlyphResource{}, CachePopular)
	c.Set(glyphKey("g1"), &GlyphResource{ID: "g1"}, CacheGlyph)

	c.ClearPrefix("popular:")

	_, ok := c.Get(popularKey("popular", 12), CachePopular)
	assert.False(t, ok)
	_, ok = c.Get(popularKey("latest", 30), CachePopular)
	assert.False(t, ok)
	_, ok = c.Get(glyphKey("g1"), CacheGlyph)
	assert.True(t, ok)
}

func TestCacheStats(t *testing.T) {
	t.Parallel()

	start := time.Now()
	now := start
	c := NewCache(nil)
	c.now = func() time.Time { return now }

	c.Set(_statsKey, &AdminStats{}, CacheStats)         // 2m TTL
	c.Set(glyphKey("g1"), &GlyphResource{}, CacheGlyph) // 10m TTL

	now = start.Add(5 * time.Minute)
	stats := c.Stats()
	assert.Equal(t, CacheOccupancy{Entries: 2, Expired: 1, Active: 1}, stats)
}

func TestCacheHitRatioMetric(t *testing.T) {
	t.Parallel()

	c := NewCache(NewMetrics())
	c.Set("k", 1, CacheCounts)

	_, _ = c.Get("k", CacheCounts)
	_, _ = c.Get("k", CacheCounts)
	_, _ = c.Get("missing", CacheCounts)

	assert.Equal(t, int64(2), c.metrics.hitGet())
	assert.Equal(t, int64(1), c.metrics.missGet())
	assert.InDelta(t, 2.0/3.0, c.metrics.hitRatioGet(), 0.001)
}
