package internal

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CacheClass selects the TTL bucket an entry belongs to.
type CacheClass string

const (
	// CacheCounts holds per-glyph denormalized counters.
	CacheCounts CacheClass = "counts"
	// CacheGlyph holds glyph metadata documents.
	CacheGlyph CacheClass = "glyph"
	// CacheUser holds user profile documents.
	CacheUser CacheClass = "user"
	// CacheStats holds admin aggregate stats.
	CacheStats CacheClass = "stats"
	// CachePopular holds sorted glyph listings.
	CachePopular CacheClass = "popular"
)

var _classTTLs = map[CacheClass]time.Duration{
	CacheCounts:  5 * time.Minute,
	CacheGlyph:   10 * time.Minute,
	CacheUser:    30 * time.Minute,
	CacheStats:   2 * time.Minute,
	CachePopular: 15 * time.Minute,
}

const _defaultTTL = 5 * time.Minute

func ttlFor(class CacheClass) time.Duration {
	if ttl, ok := _classTTLs[class]; ok {
		return ttl
	}
	return _defaultTTL
}

type cacheEntry struct {
	value      any
	class      CacheClass
	insertedAt time.Time
}

// Cache is a process-local TTL cache shielding the document store from
// redundant reads. It is purely a performance layer: nothing in it is
// authoritative, and losing it only costs extra reads.
//
// Expiry is lazy. An entry older than its class TTL is reported absent but
// stays in the map until it is overwritten or cleared; the TTL check is
// O(1) per read so this costs nothing but memory.
//
// One coarse lock guards the map. Operations never perform I/O, so the
// critical sections are tiny and per-key locking would buy nothing at this
// scale.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	metrics *cacheMetrics
	now     func() time.Time
}

// NewCache creates an empty cache. reg may be nil.
func NewCache(reg *prometheus.Registry) *Cache {
	return &Cache{
		entries: map[string]cacheEntry{},
		metrics: newCacheMetrics(reg),
		now:     time.Now,
	}
}

// Get returns the cached value, or false if the key is absent or its entry
// has outlived the class TTL.
func (c *Cache) Get(key string, class CacheClass) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.insertedAt) > ttlFor(class) {
		c.metrics.missInc()
		return nil, false
	}
	c.metrics.hitInc()
	return e.value, true
}

// Set stores a value, restarting its TTL.
func (c *Cache) Set(key string, value any, class CacheClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, class: class, insertedAt: c.now()}
}

// Delete removes a key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// ClearPrefix removes every key with the given prefix. Used to invalidate
// derived listings wholesale after corrective writes.
func (c *Cache) ClearPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// CacheOccupancy summarizes cache occupancy.
type CacheOccupancy struct {
	Entries int `json:"totalEntries"`
	Expired int `json:"expiredEntries"`
	Active  int `json:"activeEntries"`
}

// Stats counts live and logically-expired entries.
func (c *Cache) Stats() CacheOccupancy {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheOccupancy{Entries: len(c.entries)}
	now := c.now()
	for _, e := range c.entries {
		if now.Sub(e.insertedAt) > ttlFor(e.class) {
			stats.Expired++
		}
	}
	stats.Active = stats.Entries - stats.Expired
	return stats
}

func countsKey(glyphID string) string { return "counts:" + glyphID }
func glyphKey(glyphID string) string  { return "glyph:" + glyphID }
func userKey(userID string) string    { return "user:" + userID }

func popularKey(sort string, limit int) string {
	return "popular:" + sort + ":" + strconv.Itoa(limit)
}

const _statsKey = "stats:site"
