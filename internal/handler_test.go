package internal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (http.Handler, *MemStore) {
	t.Helper()
	store := NewMemStore()
	cache := NewCache(nil)
	rec := NewReconciler(store, cache, nil)
	ctrl := NewController(store, cache, rec, nil)
	auth := NewAuthorizer(store, InsecureTokens{}, "root")
	sweeper := NewSweeper(store, rec, SweepConfig{}, nil)
	return NewHandler(ctrl, auth, sweeper, nil), store
}

func doJSON(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandlerHealth(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)
	w := doJSON(t, h, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlerGetGlyph(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t)
	seedGlyph(t, store, "g1", 0, 0, 0)
	seedEvents(t, store, colGlyphViews, "g1", 2)

	w := doJSON(t, h, http.MethodGet, "/api/get-glyph/g1", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var g GlyphResource
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &g))
	assert.Equal(t, "g1", g.ID)
	assert.Equal(t, int64(2), g.Views) // Lazily reconciled on read.

	w = doJSON(t, h, http.MethodGet, "/api/get-glyph/missing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerRecordView(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t)
	seedGlyph(t, store, "g1", 0, 0, 0)

	w := doJSON(t, h, http.MethodPost, "/api/record-view", "", `{"glyphId":"g1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"recorded":true}`, w.Body.String())

	// Same client IP: deduplicated.
	w = doJSON(t, h, http.MethodPost, "/api/record-view", "", `{"glyphId":"g1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"recorded":false}`, w.Body.String())
}

func TestHandlerToggleLikeRequiresAuth(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t)
	seedGlyph(t, store, "g1", 0, 0, 0)

	w := doJSON(t, h, http.MethodPost, "/api/toggle-like", "", `{"glyphId":"g1"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/toggle-like", "u1", `{"glyphId":"g1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"liked":true,"totalLikes":1}`, w.Body.String())
}

func TestHandlerAdminGated(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t)
	seedGlyph(t, store, "g1", 3, 0, 0)

	w := doJSON(t, h, http.MethodPost, "/api/admin/sync-counts", "u1", `{}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/admin/sync-counts", "root", `{"glyphId":"g1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var report SyncReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.TotalChecked)
	assert.Equal(t, 1, report.TotalChanged) // Counter said 3, logs say 0.

	w = doJSON(t, h, http.MethodGet, "/api/admin/sync-status", "root", "")
	require.Equal(t, http.StatusOK, w.Code)

	var status SyncStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Running)
	assert.Len(t, status.RecentSyncs, 1)
}

func TestHandlerUpdateUser(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t)
	require.NoError(t, store.Set(t.Context(), colUsers, "u1", map[string]any{"username": "ada"}))

	w := doJSON(t, h, http.MethodPut, "/api/update-user", "u1", `{"bio":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code)

	doc, err := store.Get(t.Context(), colUsers, "u1")
	require.NoError(t, err)
	assert.Equal(t, "hello", doc["bio"])
}
