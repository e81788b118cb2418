package internal

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// _staleAfter is how old a glyph's lastSyncAt may be before a detail read
// reconciles it inline.
var _staleAfter = time.Hour

// EventKind is a countable glyph action keyed on the actor's network
// address. Likes are not an EventKind because they key on a user ID and
// toggle instead of accumulating.
type EventKind string

const (
	EventView     EventKind = "view"
	EventDownload EventKind = "download"
)

// collection returns the event log collection, the glyph counter field,
// and the record's timestamp field for this kind.
func (k EventKind) collection() (col, counter, stamp string) {
	switch k {
	case EventDownload:
		return colGlyphDownloads, "downloads", "downloadedAt"
	default:
		return colGlyphViews, "views", "viewedAt"
	}
}

// Controller implements the glyph marketplace operations over a document
// store, shielding it with a TTL cache and keeping the denormalized
// counters fresh.
//
// The write path (RecordEvent, ToggleLike) is strict and O(1): it never
// counts the event logs, it just records the event and bumps the counter in
// one atomic batch. Exact aggregates are restored later by the Reconciler.
// Reads coalesce through a singleflight group so a hot glyph costs one
// store round-trip regardless of fan-in.
type Controller struct {
	store   DocStore
	cache   *Cache
	rec     *Reconciler
	group   singleflight.Group
	metrics *controllerMetrics
	now     func() time.Time
}

// NewController creates a new Controller. reg may be nil.
func NewController(store DocStore, cache *Cache, rec *Reconciler, reg *prometheus.Registry) *Controller {
	return &Controller{
		store:   store,
		cache:   cache,
		rec:     rec,
		metrics: newControllerMetrics(reg),
		now:     time.Now,
	}
}

// dedupID makes the deterministic event-record key. At most one event
// record ever exists per (glyph, actor) pair.
func dedupID(glyphID, actorKey string) string {
	return glyphID + "_" + actorKey
}

// RecordEvent records a view or download. The first qualifying action per
// (glyph, actor) creates the event record and increments the counter in a
// single atomic batch and reports recorded=true; repeats are idempotent
// no-ops reporting recorded=false.
func (c *Controller) RecordEvent(ctx context.Context, kind EventKind, glyphID, actorKey string) (bool, error) {
	if glyphID == "" || actorKey == "" {
		return false, errBadRequest
	}
	if _, err := c.store.Get(ctx, colGlyphs, glyphID); err != nil {
		return false, fmt.Errorf("loading glyph: %w", err)
	}

	col, counter, stamp := kind.collection()
	id := dedupID(glyphID, actorKey)

	_, err := c.store.Get(ctx, col, id)
	if err == nil {
		c.metrics.duplicateInc()
		return false, nil
	}
	if !errors.Is(err, errNotFound) {
		return false, fmt.Errorf("checking for existing %s: %w", kind, err)
	}

	batch := c.store.Batch()
	batch.Set(col, id, map[string]any{
		"glyphId": glyphID,
		"userIP":  actorKey,
		stamp:     ServerTimestamp,
	})
	batch.Update(colGlyphs, glyphID, map[string]any{counter: Inc(1)})
	if err := batch.Commit(ctx); err != nil {
		return false, fmt.Errorf("recording %s: %w", kind, err)
	}

	c.cache.Delete(countsKey(glyphID))
	c.cache.Delete(glyphKey(glyphID))

	switch kind {
	case EventDownload:
		c.metrics.downloadInc()
	default:
		c.metrics.viewInc()
	}
	return true, nil
}

// ToggleLike flips whether the user likes the glyph. The like record is the
// source of truth; the counter delta rides in the same atomic batch. The
// post-write counter is returned for responsiveness.
func (c *Controller) ToggleLike(ctx context.Context, glyphID, userID string) (liked bool, totalLikes int64, err error) {
	if glyphID == "" || userID == "" {
		return false, 0, errBadRequest
	}
	if _, err := c.store.Get(ctx, colGlyphs, glyphID); err != nil {
		return false, 0, fmt.Errorf("loading glyph: %w", err)
	}

	id := dedupID(glyphID, userID)
	batch := c.store.Batch()

	_, err = c.store.Get(ctx, colGlyphLikes, id)
	switch {
	case err == nil:
		batch.Delete(colGlyphLikes, id)
		batch.Update(colGlyphs, glyphID, map[string]any{"likes": Inc(-1)})
		liked = false
	case errors.Is(err, errNotFound):
		batch.Set(colGlyphLikes, id, map[string]any{
			"glyphId": glyphID,
			"userId":  userID,
			"likedAt": ServerTimestamp,
		})
		batch.Update(colGlyphs, glyphID, map[string]any{"likes": Inc(1)})
		liked = true
	default:
		return false, 0, fmt.Errorf("checking for existing like: %w", err)
	}

	if err := batch.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("toggling like: %w", err)
	}

	c.cache.Delete(countsKey(glyphID))
	c.cache.Delete(glyphKey(glyphID))
	c.metrics.likeToggleInc()

	doc, err := c.store.Get(ctx, colGlyphs, glyphID)
	if err != nil {
		// The toggle committed; a failed read-back shouldn't fail the call.
		Log(ctx).Warn("problem reading back like count", "glyphID", glyphID, "err", err)
		return liked, 0, nil
	}
	return liked, asInt64(doc["likes"]), nil
}

// CheckLike reports whether the user currently likes the glyph.
func (c *Controller) CheckLike(ctx context.Context, glyphID, userID string) (bool, error) {
	_, err := c.store.Get(ctx, colGlyphLikes, dedupID(glyphID, userID))
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetGlyph loads a glyph for detail display, or a cached copy if one is
// fresh. A glyph whose counters were never reconciled, or not within the
// last hour, is reconciled inline before returning: the cold path eats the
// latency so the counters readers see converge.
func (c *Controller) GetGlyph(ctx context.Context, glyphID string) (*GlyphResource, error) {
	v, err, _ := c.group.Do(glyphKey(glyphID), func() (any, error) {
		return c.getGlyph(ctx, glyphID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*GlyphResource), nil
}

func (c *Controller) getGlyph(ctx context.Context, glyphID string) (*GlyphResource, error) {
	if cached, ok := c.cache.Get(glyphKey(glyphID), CacheGlyph); ok {
		return cached.(*GlyphResource), nil
	}

	doc, err := c.store.Get(ctx, colGlyphs, glyphID)
	if err != nil {
		return nil, err
	}
	glyph := glyphFromDoc(Doc{ID: glyphID, Data: doc})

	if glyph.LastSyncAt == nil || c.now().Sub(*glyph.LastSyncAt) > _staleAfter {
		c.metrics.lazySyncInc()
		// Reconciling operates directly against the store, not the cache:
		// we're here precisely because the cached view can't be trusted.
		if _, err := c.rec.Reconcile(ctx, []string{glyphID}, SyncAutoDetail); err != nil {
			Log(ctx).Warn("problem lazy-syncing glyph", "glyphID", glyphID, "err", err)
		} else if doc, err = c.store.Get(ctx, colGlyphs, glyphID); err == nil {
			glyph = glyphFromDoc(Doc{ID: glyphID, Data: doc})
		}
	}

	c.cache.Set(glyphKey(glyphID), glyph, CacheGlyph)
	return glyph, nil
}

// RealCounts counts the glyph's event records directly, bypassing both the
// cache and the denormalized counters. Expensive; callers are expected to
// rate limit.
func (c *Controller) RealCounts(ctx context.Context, glyphID string) (Counts, error) {
	if _, err := c.store.Get(ctx, colGlyphs, glyphID); err != nil {
		return Counts{}, err
	}
	t, err := c.rec.groundTruth(ctx, glyphID)
	if err != nil {
		return Counts{}, err
	}
	return t.after, nil
}

// ListQuery filters and orders a glyph listing.
type ListQuery struct {
	Sort      string // latest, popular, liked, viewed
	Limit     int    // Default 12, max 100.
	CreatorID string
	Search    string
}

func sortField(sort string) (field string, desc bool) {
	switch sort {
	case "popular":
		return "downloads", true
	case "liked":
		return "likes", true
	case "viewed":
		return "views", true
	default:
		return "createdAt", true
	}
}

// ListGlyphs returns glyphs ordered by the requested sort. Listings trust
// the denormalized counters — drift is corrected by reconciliation, never
// by re-counting event logs at list time.
func (c *Controller) ListGlyphs(ctx context.Context, q ListQuery) ([]*GlyphResource, error) {
	if q.Limit <= 0 {
		q.Limit = 12
	}
	q.Limit = min(q.Limit, 100)

	var glyphs []*GlyphResource

	if q.CreatorID != "" {
		// Creator listings are small, so sort in-process instead of asking
		// the store for a composite index.
		docs, err := c.store.Scan(ctx, colGlyphs, "creatorId", q.CreatorID)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			glyphs = append(glyphs, glyphFromDoc(d))
		}
		field, _ := sortField(q.Sort)
		slices.SortFunc(glyphs, func(a, b *GlyphResource) int {
			return compareGlyphs(b, a, field) // Descending.
		})
		if len(glyphs) > q.Limit {
			glyphs = glyphs[:q.Limit]
		}
	} else {
		key := popularKey(q.Sort, q.Limit)
		if cached, ok := c.cache.Get(key, CachePopular); ok {
			glyphs = cached.([]*GlyphResource)
		} else {
			field, desc := sortField(q.Sort)
			docs, err := c.store.ScanOrdered(ctx, colGlyphs, field, desc, q.Limit)
			if err != nil {
				return nil, err
			}
			for _, d := range docs {
				glyphs = append(glyphs, glyphFromDoc(d))
			}
			c.cache.Set(key, glyphs, CachePopular)
		}
	}

	if q.Search != "" {
		term := strings.ToLower(q.Search)
		var filtered []*GlyphResource
		for _, g := range glyphs {
			if strings.Contains(strings.ToLower(g.Title), term) ||
				strings.Contains(strings.ToLower(g.Description), term) ||
				strings.Contains(strings.ToLower(g.CreatorUsername), term) {
				filtered = append(filtered, g)
			}
		}
		glyphs = filtered
	}

	return glyphs, nil
}

func compareGlyphs(a, b *GlyphResource, field string) int {
	switch field {
	case "downloads":
		return int(a.Downloads - b.Downloads)
	case "likes":
		return int(a.Likes - b.Likes)
	case "views":
		return int(a.Views - b.Views)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

// UserLikes returns the glyphs the user has liked.
func (c *Controller) UserLikes(ctx context.Context, userID string) ([]*GlyphResource, error) {
	likes, err := c.store.Scan(ctx, colGlyphLikes, "userId", userID)
	if err != nil {
		return nil, err
	}

	glyphs := []*GlyphResource{}
	for _, like := range likes {
		glyphID := asString(like.Data["glyphId"])
		doc, err := c.store.Get(ctx, colGlyphs, glyphID)
		if errors.Is(err, errNotFound) {
			continue // The glyph was deleted out from under the like.
		}
		if err != nil {
			return nil, err
		}
		glyphs = append(glyphs, glyphFromDoc(Doc{ID: glyphID, Data: doc}))
	}
	return glyphs, nil
}

// GlyphInput is the caller-supplied portion of a new glyph.
type GlyphInput struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	ApkURL       string   `json:"apkUrl"`
	GithubURL    string   `json:"githubUrl"`
	Instructions string   `json:"instructions"`
	Images       []string `json:"images"`
}

// CreateGlyph uploads a new glyph with zeroed counters.
func (c *Controller) CreateGlyph(ctx context.Context, userID string, in GlyphInput) (*GlyphResource, error) {
	if in.Title == "" || in.Description == "" {
		return nil, errBadRequest
	}

	userDoc, err := c.store.Get(ctx, colUsers, userID)
	if err != nil {
		return nil, fmt.Errorf("loading creator profile: %w", err)
	}
	username := asString(userDoc["username"])
	if username == "" {
		username = userID
	}

	glyphID := newDocID()
	err = c.store.Set(ctx, colGlyphs, glyphID, map[string]any{
		"title":           in.Title,
		"description":     in.Description,
		"creatorId":       userID,
		"creatorUsername": username,
		"apkUrl":          in.ApkURL,
		"githubUrl":       in.GithubURL,
		"instructions":    in.Instructions,
		"images":          in.Images,
		"views":           int64(0),
		"likes":           int64(0),
		"downloads":       int64(0),
		"createdAt":       ServerTimestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("creating glyph: %w", err)
	}

	c.cache.ClearPrefix("popular:")

	doc, err := c.store.Get(ctx, colGlyphs, glyphID)
	if err != nil {
		return nil, err
	}
	return glyphFromDoc(Doc{ID: glyphID, Data: doc}), nil
}

// _glyphUpdateFields are the caller-editable glyph fields.
var _glyphUpdateFields = []string{"title", "description", "apkUrl", "githubUrl", "instructions", "images"}

// UpdateGlyph edits a glyph. Only the creator may edit.
func (c *Controller) UpdateGlyph(ctx context.Context, userID, glyphID string, fields map[string]any) error {
	doc, err := c.store.Get(ctx, colGlyphs, glyphID)
	if err != nil {
		return err
	}
	if asString(doc["creatorId"]) != userID {
		return errForbidden
	}

	updates := map[string]any{}
	for _, f := range _glyphUpdateFields {
		if v, ok := fields[f]; ok {
			updates[f] = v
		}
	}
	if len(updates) == 0 {
		return nil
	}

	if err := c.store.Update(ctx, colGlyphs, glyphID, updates); err != nil {
		return fmt.Errorf("updating glyph: %w", err)
	}

	c.cache.Delete(glyphKey(glyphID))
	c.cache.Delete(countsKey(glyphID))
	c.cache.ClearPrefix("popular:")
	return nil
}

// DeleteGlyph removes a glyph and cascades to its event records. The
// creator may delete their own glyphs; privileged callers may delete any.
func (c *Controller) DeleteGlyph(ctx context.Context, glyphID, requesterID string, privileged bool) error {
	doc, err := c.store.Get(ctx, colGlyphs, glyphID)
	if err != nil {
		return err
	}
	if !privileged && asString(doc["creatorId"]) != requesterID {
		return errForbidden
	}

	if err := c.store.Delete(ctx, colGlyphs, glyphID); err != nil {
		return fmt.Errorf("deleting glyph: %w", err)
	}

	// Cascade in batches the store will accept. The glyph document is
	// already gone, so a partially failed cascade only leaves orphaned
	// event records no query will find by glyph.
	for _, col := range []string{colGlyphViews, colGlyphLikes, colGlyphDownloads} {
		records, err := c.store.Scan(ctx, col, "glyphId", glyphID)
		if err != nil {
			Log(ctx).Warn("problem scanning cascade", "collection", col, "glyphID", glyphID, "err", err)
			continue
		}
		batch := c.store.Batch()
		for _, rec := range records {
			batch.Delete(col, rec.ID)
			if batch.Len() >= _maxBatchOps {
				if err := batch.Commit(ctx); err != nil {
					Log(ctx).Warn("problem cascading delete", "collection", col, "glyphID", glyphID, "err", err)
				}
				batch = c.store.Batch()
			}
		}
		if batch.Len() > 0 {
			if err := batch.Commit(ctx); err != nil {
				Log(ctx).Warn("problem cascading delete", "collection", col, "glyphID", glyphID, "err", err)
			}
		}
	}

	c.cache.Delete(glyphKey(glyphID))
	c.cache.Delete(countsKey(glyphID))
	c.cache.ClearPrefix("popular:")
	return nil
}

// GetUser loads a user profile, or a cached copy.
func (c *Controller) GetUser(ctx context.Context, userID string) (*UserResource, error) {
	v, err, _ := c.group.Do(userKey(userID), func() (any, error) {
		if cached, ok := c.cache.Get(userKey(userID), CacheUser); ok {
			return cached, nil
		}
		doc, err := c.store.Get(ctx, colUsers, userID)
		if err != nil {
			return nil, err
		}
		user := userFromDoc(Doc{ID: userID, Data: doc})
		c.cache.Set(userKey(userID), user, CacheUser)
		return user, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*UserResource), nil
}

// _userUpdateFields are the self-editable profile fields. isAdmin is
// deliberately absent: privilege is granted elsewhere.
var _userUpdateFields = []string{"username", "displayName", "bio", "profilePicture", "bannerImage"}

// UpdateUser edits the user's own profile.
func (c *Controller) UpdateUser(ctx context.Context, userID string, fields map[string]any) error {
	updates := map[string]any{}
	for _, f := range _userUpdateFields {
		if v, ok := fields[f]; ok {
			updates[f] = v
		}
	}
	if len(updates) == 0 {
		return errBadRequest
	}
	updates["updatedAt"] = ServerTimestamp

	if err := c.store.Update(ctx, colUsers, userID, updates); err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	c.cache.Delete(userKey(userID))
	return nil
}

// AdminSyncRequest selects what an explicit sync covers. Exactly one of
// GlyphID, SyncAll, or a bounded batch (the default) applies.
type AdminSyncRequest struct {
	GlyphID   string `json:"glyphId,omitempty"`
	SyncAll   bool   `json:"syncAll,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
}

// AdminSync reconciles on demand: a single glyph, the whole catalog, or a
// bounded batch of the least-recently-checked glyphs. Work is capped by the
// batch-size ceiling rather than a wall clock, since partial progress
// commits safely per chunk.
func (c *Controller) AdminSync(ctx context.Context, req AdminSyncRequest) (*SyncReport, error) {
	switch {
	case req.GlyphID != "":
		if _, err := c.store.Get(ctx, colGlyphs, req.GlyphID); err != nil {
			return nil, err
		}
		return c.rec.Reconcile(ctx, []string{req.GlyphID}, SyncAdminBatch)

	case req.SyncAll:
		docs, err := c.store.Scan(ctx, colGlyphs, "", nil)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(docs))
		for _, d := range docs {
			ids = append(ids, d.ID)
		}
		return c.rec.Reconcile(ctx, ids, SyncAdminFull)

	default:
		size := req.BatchSize
		if size <= 0 {
			size = 100
		}
		size = min(size, _maxBatchOps)
		docs, err := c.store.ScanOrdered(ctx, colGlyphs, "lastSyncAt", false, size)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(docs))
		for _, d := range docs {
			ids = append(ids, d.ID)
		}
		return c.rec.Reconcile(ctx, ids, SyncAdminBatch)
	}
}

// TopGlyph is one entry in the admin stats leaderboard.
type TopGlyph struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Views     int64  `json:"views"`
	Downloads int64  `json:"downloads"`
	Likes     int64  `json:"likes"`
}

// AdminStats aggregates site-wide totals. Event totals come from the event
// collections, not the denormalized counters, so they are exact.
type AdminStats struct {
	TotalUsers     int64      `json:"totalUsers"`
	TotalGlyphs    int64      `json:"totalGlyphs"`
	TotalViews     int64      `json:"totalViews"`
	TotalDownloads int64      `json:"totalDownloads"`
	TotalLikes     int64      `json:"totalLikes"`
	TotalAdmins    int64      `json:"totalAdmins"`
	TopGlyphs      []TopGlyph `json:"topGlyphs"`
}

// Stats computes admin aggregates, cached briefly since every number here
// is a collection scan.
func (c *Controller) Stats(ctx context.Context) (*AdminStats, error) {
	v, err, _ := c.group.Do(_statsKey, func() (any, error) {
		if cached, ok := c.cache.Get(_statsKey, CacheStats); ok {
			return cached, nil
		}

		stats := &AdminStats{}
		var err error
		if stats.TotalGlyphs, err = c.store.Count(ctx, colGlyphs, "", nil); err != nil {
			return nil, err
		}
		if stats.TotalViews, err = c.store.Count(ctx, colGlyphViews, "", nil); err != nil {
			return nil, err
		}
		if stats.TotalDownloads, err = c.store.Count(ctx, colGlyphDownloads, "", nil); err != nil {
			return nil, err
		}
		if stats.TotalLikes, err = c.store.Count(ctx, colGlyphLikes, "", nil); err != nil {
			return nil, err
		}

		users, err := c.store.Scan(ctx, colUsers, "", nil)
		if err != nil {
			return nil, err
		}
		stats.TotalUsers = int64(len(users))
		for _, u := range users {
			if asBool(u.Data["isAdmin"]) {
				stats.TotalAdmins++
			}
		}

		top, err := c.store.ScanOrdered(ctx, colGlyphs, "views", true, 10)
		if err != nil {
			return nil, err
		}
		for _, d := range top {
			g := glyphFromDoc(d)
			stats.TopGlyphs = append(stats.TopGlyphs, TopGlyph{
				ID:        g.ID,
				Title:     g.Title,
				Views:     g.Views,
				Downloads: g.Downloads,
				Likes:     g.Likes,
			})
		}

		c.cache.Set(_statsKey, stats, CacheStats)
		return stats, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AdminStats), nil
}

// CacheStats exposes cache occupancy for the admin surface.
func (c *Controller) CacheStats() CacheOccupancy {
	return c.cache.Stats()
}
