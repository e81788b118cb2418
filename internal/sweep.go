package internal

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// SweepConfig tunes the background sweep. Zero values mean defaults.
type SweepConfig struct {
	// Period between runs. Default 1 hour.
	Period time.Duration
	// Backoff after a failed run. Default 5 minutes.
	Backoff time.Duration
	// StaleAfter is how old a glyph's lastSyncAt must be to make it a
	// sweep candidate. Default 2 hours.
	StaleAfter time.Duration
	// BatchSize caps how many glyphs a single run reconciles. Default 100.
	BatchSize int
}

func (c SweepConfig) withDefaults() SweepConfig {
	if c.Period <= 0 {
		c.Period = time.Hour
	}
	if c.Backoff <= 0 {
		c.Backoff = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// SyncStatus is the externally visible state of the sync machinery.
type SyncStatus struct {
	Running     bool          `json:"running"`
	RecentSyncs []*SyncReport `json:"recentSyncs"`
}

// Sweeper periodically reconciles a random sample of stale glyphs so that
// every glyph converges eventually, even ones nobody reads.
//
// The loop is fixed-delay: each tick is scheduled a full period after the
// previous run finished, so a run that overruns its period delays the next
// tick rather than stacking a second run behind it.
type Sweeper struct {
	store   DocStore
	rec     *Reconciler
	cfg     SweepConfig
	metrics *sweepMetrics
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopC   chan struct{}
	doneC   chan struct{}
}

// NewSweeper creates a Sweeper. Nothing runs until Start.
func NewSweeper(store DocStore, rec *Reconciler, cfg SweepConfig, reg *prometheus.Registry) *Sweeper {
	return &Sweeper{
		store:   store,
		rec:     rec,
		cfg:     cfg.withDefaults(),
		metrics: newSweepMetrics(reg),
		now:     time.Now,
	}
}

// Start launches the sweep loop. Calling Start while the loop is already
// running is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopC = make(chan struct{})
	s.doneC = make(chan struct{})
	s.metrics.runningSet(true)

	go s.run(s.stopC, s.doneC)
}

// Stop signals the loop to exit and waits up to grace for an in-flight run
// to finish. A run still going after the grace window is abandoned to its
// goroutine; the loop will not schedule another.
func (s *Sweeper) Stop(grace time.Duration) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopC, doneC := s.stopC, s.doneC
	s.mu.Unlock()

	close(stopC)
	s.metrics.runningSet(false)

	select {
	case <-doneC:
	case <-time.After(grace):
		Log(context.Background()).Warn("sweep did not stop within grace period", "grace", grace.String())
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns the loop state and recent sync reports.
func (s *Sweeper) Status() SyncStatus {
	return SyncStatus{
		Running:     s.Running(),
		RecentSyncs: s.rec.Recent(),
	}
}

func (s *Sweeper) run(stopC, doneC chan struct{}) {
	defer close(doneC)

	delay := s.cfg.Period
	for {
		timer := time.NewTimer(delay)
		select {
		case <-stopC:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx := context.WithValue(context.Background(), middleware.RequestIDKey, fmt.Sprintf("sweep-%d", s.now().Unix()))

		if err := s.sweepOnce(ctx); err != nil {
			Log(ctx).Warn("sweep failed, backing off", "backoff", s.cfg.Backoff.String(), "err", err)
			s.metrics.failureInc()
			delay = s.cfg.Backoff
			continue
		}
		delay = s.cfg.Period
	}
}

// sweepOnce reconciles a random sample of stale glyphs.
//
// Candidates come from a single lastSyncAt-ordered page of 2×batch before
// sampling. On catalogs much larger than that page this over-weights the
// oldest glyphs rather than sampling all stale ones uniformly — accepted,
// since the page is ordered oldest-first and every stale glyph ages into it
// across runs.
func (s *Sweeper) sweepOnce(ctx context.Context) error {
	start := s.now()

	page, err := s.store.ScanOrdered(ctx, colGlyphs, "lastSyncAt", false, 2*s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing sweep candidates: %w", err)
	}

	cutoff := s.now().Add(-s.cfg.StaleAfter)
	var stale []string
	for _, doc := range page {
		last, ok := asTime(doc.Data["lastSyncAt"])
		if !ok || last.Before(cutoff) {
			stale = append(stale, doc.ID)
		}
	}

	if len(stale) == 0 {
		Log(ctx).Debug("sweep found nothing stale")
		s.metrics.runInc()
		return nil
	}

	rand.Shuffle(len(stale), func(i, j int) {
		stale[i], stale[j] = stale[j], stale[i]
	})
	sample := stale
	if len(sample) > s.cfg.BatchSize {
		sample = sample[:s.cfg.BatchSize]
	}

	report, err := s.rec.Reconcile(ctx, sample, SyncAutoHourly)
	if err != nil {
		return fmt.Errorf("reconciling sweep sample: %w", err)
	}
	if report.TotalFailed > 0 && report.TotalFailed == report.TotalChecked {
		return fmt.Errorf("all %d sampled glyphs failed to sync", report.TotalFailed)
	}

	s.metrics.runInc()
	Log(ctx).Info("sweep finished",
		"candidates", len(stale),
		"checked", report.TotalChecked,
		"changed", report.TotalChanged,
		"failed", report.TotalFailed,
		"duration", s.now().Sub(start).String(),
	)
	return nil
}
