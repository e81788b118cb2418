package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Sync tags record which trigger performed a glyph's last correction. A
// reconciliation that found nothing to correct stamps the tag with a
// "_no_change" suffix so staleness checks still reset.
const (
	SyncAutoDetail = "auto_detail_page"
	SyncAdminFull  = "admin_full"
	SyncAdminBatch = "admin_batch"
	SyncAutoHourly = "auto_hourly"

	_noChangeSuffix = "_no_change"
)

const (
	// _maxSampleDiffs and _maxSampleErrors bound how much detail a
	// SyncReport carries back to the caller.
	_maxSampleDiffs  = 5
	_maxSampleErrors = 3

	// _recentReports is how many reports SyncStatus remembers.
	_recentReports = 10

	// _truthConcurrency bounds concurrent ground-truth lookups, which cost
	// three collection scans per glyph.
	_truthConcurrency = 8
)

// SyncDiff is one glyph's correction, for reporting.
type SyncDiff struct {
	GlyphID string `json:"glyphId"`
	Before  Counts `json:"before"`
	After   Counts `json:"after"`
}

// SyncReport summarizes one reconciliation pass.
type SyncReport struct {
	Tag          string     `json:"syncType"`
	TotalChecked int        `json:"totalChecked"`
	TotalChanged int        `json:"totalChanged"`
	TotalFailed  int        `json:"totalFailed"`
	SampleDiffs  []SyncDiff `json:"sampleDiffs,omitempty"`
	SampleErrors []string   `json:"sampleErrors,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   time.Time  `json:"finishedAt"`
}

// Reconciler converges denormalized glyph counters with the event
// collections that are their source of truth.
//
// Competing callers (a lazy read, the admin trigger, the hourly sweep) may
// reconcile the same glyph concurrently without coordination: each computes
// truth from the same event logs, so concurrent corrective writes converge
// on the same values modulo events landing in between, which the next pass
// picks up.
type Reconciler struct {
	store   DocStore
	cache   *Cache
	metrics *reconcilerMetrics

	mu     sync.Mutex
	recent []*SyncReport // Newest first.
}

// NewReconciler creates a Reconciler. reg may be nil.
func NewReconciler(store DocStore, cache *Cache, reg *prometheus.Registry) *Reconciler {
	return &Reconciler{
		store:   store,
		cache:   cache,
		metrics: newReconcilerMetrics(reg),
	}
}

type truth struct {
	glyphID string
	before  Counts
	after   Counts
	changed bool
}

// Reconcile computes ground-truth counts for each glyph and corrects any
// counter that drifted. Every checked glyph gets its lastSyncAt stamped in
// the same pass so staleness checks don't immediately re-trigger; only
// drifted glyphs get their counter fields rewritten.
//
// Per-glyph failures are collected, not fatal: staleness is self-healing on
// the next pass, so one bad glyph must never sink a batch.
func (r *Reconciler) Reconcile(ctx context.Context, glyphIDs []string, tag string) (*SyncReport, error) {
	report := &SyncReport{Tag: tag, StartedAt: time.Now().UTC()}

	var (
		mu      sync.Mutex
		results []truth
		failed  []string
	)

	var g errgroup.Group
	g.SetLimit(_truthConcurrency)

	for _, glyphID := range glyphIDs {
		g.Go(func() error {
			t, err := r.groundTruth(ctx, glyphID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				Log(ctx).Warn("problem computing ground truth", "glyphID", glyphID, "err", err)
				failed = append(failed, glyphID)
				if len(report.SampleErrors) < _maxSampleErrors {
					report.SampleErrors = append(report.SampleErrors, fmt.Sprintf("%s: %v", glyphID, err))
				}
				return nil
			}
			results = append(results, t)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}

	// One update per glyph, grouped into batches the store will accept.
	// Changed IDs and sample diffs are only recorded once their batch
	// lands, so a failed commit doesn't inflate the report or invalidate
	// caches for writes that never happened.
	var changed []string
	batch := r.store.Batch()
	var batchIDs, batchChanged []string
	var batchDiffs []SyncDiff

	flush := func() {
		if batch.Len() == 0 {
			return
		}
		if err := batch.Commit(ctx); err != nil {
			Log(ctx).Warn("problem committing sync batch", "size", batch.Len(), "err", err)
			failed = append(failed, batchIDs...)
			if len(report.SampleErrors) < _maxSampleErrors {
				report.SampleErrors = append(report.SampleErrors, fmt.Sprintf("batch of %d: %v", batch.Len(), err))
			}
		} else {
			r.metrics.batchInc()
			changed = append(changed, batchChanged...)
			for _, d := range batchDiffs {
				if len(report.SampleDiffs) >= _maxSampleDiffs {
					break
				}
				report.SampleDiffs = append(report.SampleDiffs, d)
			}
		}
		batch = r.store.Batch()
		batchIDs, batchChanged, batchDiffs = nil, nil, nil
	}

	for _, t := range results {
		updates := map[string]any{
			"lastSyncAt": ServerTimestamp,
		}
		if t.changed {
			updates["views"] = t.after.Views
			updates["likes"] = t.after.Likes
			updates["downloads"] = t.after.Downloads
			updates["syncType"] = tag
			batchChanged = append(batchChanged, t.glyphID)
			batchDiffs = append(batchDiffs, SyncDiff{
				GlyphID: t.glyphID,
				Before:  t.before,
				After:   t.after,
			})
		} else {
			updates["syncType"] = tag + _noChangeSuffix
		}

		batch.Update(colGlyphs, t.glyphID, updates)
		batchIDs = append(batchIDs, t.glyphID)
		if batch.Len() >= _maxBatchOps {
			flush()
		}
	}
	flush()

	// Corrected glyphs have stale cached counters and may have moved in
	// the sorted listings.
	for _, glyphID := range changed {
		r.cache.Delete(countsKey(glyphID))
		r.cache.Delete(glyphKey(glyphID))
	}
	if len(changed) > 0 {
		r.cache.ClearPrefix("popular:")
	}

	report.TotalChecked = len(glyphIDs)
	report.TotalChanged = len(changed)
	report.TotalFailed = len(failed)
	report.FinishedAt = time.Now().UTC()

	r.metrics.checkedAdd(int64(report.TotalChecked))
	r.metrics.correctedAdd(int64(report.TotalChanged))
	r.metrics.errorsAdd(int64(report.TotalFailed))

	r.remember(report)

	return report, nil
}

// groundTruth counts a glyph's event records directly. This is the
// expensive path the TTL cache exists to shield: three scans per glyph.
func (r *Reconciler) groundTruth(ctx context.Context, glyphID string) (truth, error) {
	doc, err := r.store.Get(ctx, colGlyphs, glyphID)
	if err != nil {
		return truth{}, fmt.Errorf("loading glyph: %w", err)
	}
	current := glyphFromDoc(Doc{ID: glyphID, Data: doc}).counts()

	views, err := r.store.Count(ctx, colGlyphViews, "glyphId", glyphID)
	if err != nil {
		return truth{}, fmt.Errorf("counting views: %w", err)
	}
	likes, err := r.store.Count(ctx, colGlyphLikes, "glyphId", glyphID)
	if err != nil {
		return truth{}, fmt.Errorf("counting likes: %w", err)
	}
	downloads, err := r.store.Count(ctx, colGlyphDownloads, "glyphId", glyphID)
	if err != nil {
		return truth{}, fmt.Errorf("counting downloads: %w", err)
	}

	after := Counts{Views: views, Likes: likes, Downloads: downloads}
	return truth{
		glyphID: glyphID,
		before:  current,
		after:   after,
		changed: after != current,
	}, nil
}

func (r *Reconciler) remember(report *SyncReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent = append([]*SyncReport{report}, r.recent...)
	if len(r.recent) > _recentReports {
		r.recent = r.recent[:_recentReports]
	}
}

// Recent returns the most recent sync reports, newest first.
func (r *Reconciler) Recent() []*SyncReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*SyncReport, len(r.recent))
	copy(out, r.recent)
	return out
}
