package internal

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

var _metricsNamespace = "gm"

// NewMetrics creates a new Prometheus registry with default collectors
// already registered.
func NewMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: _metricsNamespace,
		}),
		collectors.NewBuildInfoCollector(),
	)

	return reg
}

// _patternRE is used for stripping all `{...}` segments from the pattern
// to build a label.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

type controllerMetrics struct {
	totals *prometheus.CounterVec
}

type cacheMetrics struct {
	totals *prometheus.CounterVec
}

type reconcilerMetrics struct {
	totals *prometheus.CounterVec
}

type sweepMetrics struct {
	running prometheus.Gauge
	totals  *prometheus.CounterVec
}

type dbMetrics struct {
	gauge *prometheus.GaugeVec
}

// instrument is router middleware that records request timing and status
// codes.
func instrument(reg *prometheus.Registry) func(http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "HTTP request latencies by method & path",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.0, 2.5, 5, 7.5, 10, 30, 60, 120},
		},
		[]string{"method", "path", "status"},
	)

	inflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "inflight",
			Help:      "Current number of inbound in-flight HTTP requests.",
		},
	)

	if reg == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	reg.MustRegister(requests, inflight)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			inflight.Inc()
			defer inflight.Dec()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// The route pattern is only known after routing.
			path := normalizePattern(chi.RouteContext(r.Context()).RoutePattern())
			if path == "" {
				// Don't record traffic for unrecognized endpoints.
				return
			}

			duration := time.Since(start).Seconds()
			requests.WithLabelValues(r.Method, path, fmt.Sprint(ww.Status())).Observe(duration)
		})
	}
}

func newControllerMetrics(reg *prometheus.Registry) *controllerMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "controller",
			Name:      "total_operations",
			Help:      "Counts of controller operations by type.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &controllerMetrics{totals: totals}
}

func newCacheMetrics(reg *prometheus.Registry) *cacheMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "cache",
			Name:      "total",
			Help:      "Totals for cache system.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &cacheMetrics{totals: totals}
}

func newReconcilerMetrics(reg *prometheus.Registry) *reconcilerMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "reconciler",
			Name:      "total",
			Help:      "Totals for count reconciliation by type.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &reconcilerMetrics{totals: totals}
}

func newSweepMetrics(reg *prometheus.Registry) *sweepMetrics {
	running := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "sweep",
			Name:      "running",
			Help:      "Whether the background sweep loop is running.",
		},
	)
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "sweep",
			Name:      "total",
			Help:      "Counts of sweep runs by outcome.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(running, totals)
	}
	return &sweepMetrics{running: running, totals: totals}
}

// newDBMetrics registers pool stats and periodically collects per-collection
// document counts. The count query isn't free on large catalogs so it only
// runs every 5 minutes.
func newDBMetrics(db *pgxpool.Pool, reg *prometheus.Registry) *dbMetrics {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "db",
			Name:      "total",
			Help:      "Counts of persisted documents by collection.",
		},
		[]string{"collection"},
	)
	if reg != nil {
		reg.MustRegister(gauge, pgxpoolprometheus.NewCollector(db, nil))
	}
	dbm := &dbMetrics{gauge: gauge}
	go func() {
		ctx := context.Background()
		for {
			rows, err := db.Query(ctx, "SELECT collection, count(*) FROM docs GROUP BY collection")
			if err != nil {
				Log(ctx).Warn("problem collecting db stats", "err", err)
			} else {
				for rows.Next() {
					var collection string
					var n int64
					if err := rows.Scan(&collection, &n); err != nil {
						continue
					}
					gauge.WithLabelValues(collection).Set(float64(n))
				}
				rows.Close()
			}
			time.Sleep(5 * time.Minute)
		}
	}()
	return dbm
}

func (cm *controllerMetrics) viewInc() {
	if cm == nil {
		return
	}
	cm.totals.WithLabelValues("views_recorded").Inc()
}

func (cm *controllerMetrics) downloadInc() {
	if cm == nil {
		return
	}
	cm.totals.WithLabelValues("downloads_recorded").Inc()
}

func (cm *controllerMetrics) likeToggleInc() {
	if cm == nil {
		return
	}
	cm.totals.WithLabelValues("likes_toggled").Inc()
}

func (cm *controllerMetrics) duplicateInc() {
	if cm == nil {
		return
	}
	cm.totals.WithLabelValues("duplicate_events").Inc()
}

func (cm *controllerMetrics) lazySyncInc() {
	if cm == nil {
		return
	}
	cm.totals.WithLabelValues("lazy_syncs").Inc()
}

func (cm *cacheMetrics) hitInc() {
	if cm == nil {
		return
	}
	cm.totals.WithLabelValues("hits").Inc()
}

func (cm *cacheMetrics) hitGet() int64 {
	m := &dto.Metric{}
	err := cm.totals.WithLabelValues("hits").Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func (cm *cacheMetrics) missInc() {
	if cm == nil {
		return
	}
	cm.totals.WithLabelValues("misses").Inc()
}

func (cm *cacheMetrics) missGet() int64 {
	m := &dto.Metric{}
	err := cm.totals.WithLabelValues("misses").Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func (cm *cacheMetrics) hitRatioGet() float64 {
	hits := cm.hitGet()
	misses := cm.missGet()
	if hits+misses == 0 {
		return 0.0
	}
	ratio := float64(hits) / float64(hits+misses)
	return ratio
}

func (rm *reconcilerMetrics) checkedAdd(n int64) {
	if rm == nil || n <= 0 {
		return
	}
	rm.totals.WithLabelValues("glyphs_checked").Add(float64(n))
}

func (rm *reconcilerMetrics) correctedAdd(n int64) {
	if rm == nil || n <= 0 {
		return
	}
	rm.totals.WithLabelValues("glyphs_corrected").Add(float64(n))
}

func (rm *reconcilerMetrics) errorsAdd(n int64) {
	if rm == nil || n <= 0 {
		return
	}
	rm.totals.WithLabelValues("errors").Add(float64(n))
}

func (rm *reconcilerMetrics) batchInc() {
	if rm == nil {
		return
	}
	rm.totals.WithLabelValues("batches_committed").Inc()
}

func (sm *sweepMetrics) runningSet(on bool) {
	if sm == nil {
		return
	}
	if on {
		sm.running.Set(1)
	} else {
		sm.running.Set(0)
	}
}

func (sm *sweepMetrics) runInc() {
	if sm == nil {
		return
	}
	sm.totals.WithLabelValues("runs").Inc()
}

func (sm *sweepMetrics) failureInc() {
	if sm == nil {
		return
	}
	sm.totals.WithLabelValues("failures").Inc()
}

// normalizePattern derives the constant label from the pattern:
//
//	"/api/get-glyph/{glyphID}" → "/api/get-glyph"
//	"/api/record-view"         → "/api/record-view"
func normalizePattern(pattern string) string {
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	p = strings.ReplaceAll(p, "//", "/")
	return p
}
