package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/stampede"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
	limitmw "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

type ctxKey int

const identityKey ctxKey = 0

// NewHandler routes the glyph API. reg may be nil to skip /metrics.
func NewHandler(ctrl *Controller, auth *Authorizer, sweeper *Sweeper, reg *prometheus.Registry) http.Handler {
	h := &handler{ctrl: ctrl, auth: auth, sweeper: sweeper}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument(reg))

	// Identical in-flight listing requests share one response. The key
	// includes the query string so distinct sorts don't collide.
	cached := stampede.HandlerWithKey(512, time.Second, func(r *http.Request) uint64 {
		return stampede.StringToHash(r.Method, strings.ToLower(r.URL.Path), r.URL.RawQuery)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)

		r.With(limit(30), cached).Get("/get-glyphs", h.listGlyphs)
		r.With(limit(60)).Get("/get-glyph/{glyphID}", h.getGlyph)
		r.With(limit(10)).Post("/record-view", h.recordEvent(EventView))
		r.With(limit(5)).Post("/record-download", h.recordEvent(EventDownload))
		r.With(limit(60)).Get("/get-user/{userID}", h.getUser)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.With(limit(30)).Post("/toggle-like", h.toggleLike)
			r.With(limit(60)).Get("/check-like-status", h.checkLike)
			r.With(limit(30)).Get("/get-user-likes", h.userLikes)
			r.With(limit(5)).Post("/upload-glyph", h.uploadGlyph)
			r.With(limit(10)).Put("/update-glyph/{glyphID}", h.updateGlyph)
			r.With(limit(5)).Delete("/delete-glyph/{glyphID}", h.deleteGlyph)
			r.With(limit(30)).Put("/update-user", h.updateUser)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAuth, h.requireAdmin)
			r.With(limit(30), cached).Get("/stats", h.stats)
			r.With(limit(5)).Post("/sync-counts", h.syncCounts)
			r.Get("/sync-status", h.syncStatus)
			r.With(limit(10)).Get("/real-counts/{glyphID}", h.realCounts)
			r.With(limit(10)).Delete("/glyphs/{glyphID}", h.adminDeleteGlyph)
		})
	})

	if reg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return r
}

// limit applies a fixed-window per-client rate limit.
func limit(perMinute int64) func(http.Handler) http.Handler {
	mw := limitmw.NewMiddleware(limiter.New(
		memory.NewStore(),
		limiter.Rate{Period: time.Minute, Limit: perMinute},
	))
	return mw.Handler
}

type handler struct {
	ctrl    *Controller
	auth    *Authorizer
	sweeper *Sweeper
}

func (h *handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.auth.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			writeErr(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

func (h *handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !identity(r.Context()).Admin {
			writeErr(w, r, errForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *handler) listGlyphs(w http.ResponseWriter, r *http.Request) {
	q := ListQuery{
		Sort:      r.URL.Query().Get("sort"),
		Limit:     intParam(r, "limit"),
		CreatorID: r.URL.Query().Get("creatorId"),
		Search:    r.URL.Query().Get("search"),
	}
	glyphs, err := h.ctrl.ListGlyphs(r.Context(), q)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if glyphs == nil {
		glyphs = []*GlyphResource{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"glyphs": glyphs})
}

func (h *handler) getGlyph(w http.ResponseWriter, r *http.Request) {
	glyph, err := h.ctrl.GetGlyph(r.Context(), chi.URLParam(r, "glyphID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, glyph)
}

func (h *handler) recordEvent(kind EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			GlyphID string `json:"glyphId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, r, errBadRequest)
			return
		}
		recorded, err := h.ctrl.RecordEvent(r.Context(), kind, body.GlyphID, clientKey(r))
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]any{"recorded": recorded})
	}
}

func (h *handler) toggleLike(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GlyphID string `json:"glyphId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, r, errBadRequest)
		return
	}
	liked, total, err := h.ctrl.ToggleLike(r.Context(), body.GlyphID, identity(r.Context()).UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"liked": liked, "totalLikes": total})
}

func (h *handler) checkLike(w http.ResponseWriter, r *http.Request) {
	liked, err := h.ctrl.CheckLike(r.Context(), r.URL.Query().Get("glyphId"), identity(r.Context()).UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"liked": liked})
}

func (h *handler) userLikes(w http.ResponseWriter, r *http.Request) {
	glyphs, err := h.ctrl.UserLikes(r.Context(), identity(r.Context()).UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"glyphs": glyphs})
}

func (h *handler) uploadGlyph(w http.ResponseWriter, r *http.Request) {
	var in GlyphInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErr(w, r, errBadRequest)
		return
	}
	glyph, err := h.ctrl.CreateGlyph(r.Context(), identity(r.Context()).UserID, in)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, glyph)
}

func (h *handler) updateGlyph(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeErr(w, r, errBadRequest)
		return
	}
	err := h.ctrl.UpdateGlyph(r.Context(), identity(r.Context()).UserID, chi.URLParam(r, "glyphID"), fields)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"updated": true})
}

func (h *handler) deleteGlyph(w http.ResponseWriter, r *http.Request) {
	id := identity(r.Context())
	err := h.ctrl.DeleteGlyph(r.Context(), chi.URLParam(r, "glyphID"), id.UserID, id.Admin)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": true})
}

func (h *handler) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.ctrl.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, user)
}

func (h *handler) updateUser(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeErr(w, r, errBadRequest)
		return
	}
	if err := h.ctrl.UpdateUser(r.Context(), identity(r.Context()).UserID, fields); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"updated": true})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ctrl.Stats(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"stats": stats,
		"cache": h.ctrl.CacheStats(),
	})
}

func (h *handler) syncCounts(w http.ResponseWriter, r *http.Request) {
	var req AdminSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, errBadRequest)
		return
	}
	report, err := h.ctrl.AdminSync(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

func (h *handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.sweeper.Status())
}

func (h *handler) realCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.ctrl.RealCounts(r.Context(), chi.URLParam(r, "glyphID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, counts)
}

func (h *handler) adminDeleteGlyph(w http.ResponseWriter, r *http.Request) {
	id := identity(r.Context())
	if err := h.ctrl.DeleteGlyph(r.Context(), chi.URLParam(r, "glyphID"), id.UserID, true); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": true})
}

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func identity(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey).(Identity)
	return id
}

// clientKey is the deduplication key for anonymous events.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func intParam(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Log(r.Context()).Warn("problem writing response", "err", err)
	}
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var se statusErr
	if errors.As(err, &se) {
		status = se.status()
	}
	if status == http.StatusInternalServerError {
		Log(r.Context()).Error("request failed", "err", err)
	}
	writeJSON(w, r, status, map[string]any{"error": http.StatusText(status)})
}
