package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/snowlink/internal/apperr"
	"github.com/starford/snowlink/internal/fetch"
	"github.com/starford/snowlink/internal/history"
	"github.com/starford/snowlink/internal/models"
)

// Resolver extracts record matches from free-form text.
type Resolver interface {
	Resolve(text string) ([]models.Match, error)
}

// Fetcher retrieves one record through the cached fetch path.
type Fetcher interface {
	Fetch(ctx context.Context, m models.Match) (models.Record, error)
	Stats() fetch.Stats
}

// HistoryReader reads back recent unfurl outcomes. May be nil when the
// audit log is disabled.
type HistoryReader interface {
	Recent(limit int) ([]history.Entry, error)
}

// Handler holds ops API route handlers.
type Handler struct {
	resolver Resolver
	fetcher  Fetcher
	hist     HistoryReader
}

// NewHandler creates a new Handler.
func NewHandler(resolver Resolver, fetcher Fetcher, hist HistoryReader) *Handler {
	return &Handler{resolver: resolver, fetcher: fetcher, hist: hist}
}

// Resolve handles GET /api/resolve. It runs the text through the same
// resolver the bot uses, without fetching, so operators can check which
// identifiers a message would trigger on.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if text == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("text is required"))
		return
	}
	matches, err := h.resolver.Resolve(text)
	if err != nil {
		if errors.Is(err, apperr.ErrOversizedInput) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("text too long"))
			return
		}
		slog.Error("resolve failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if matches == nil {
		matches = []models.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matches": matches,
		"total":   len(matches),
	})
}

// GetRecord handles GET /api/records/{kind}/{identifier}. It goes through
// the cached fetch path, so repeated calls are served from the cache.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	m := models.Match{
		Kind:       models.Kind(chi.URLParam(r, "kind")),
		Identifier: chi.URLParam(r, "identifier"),
	}
	rec, err := h.fetcher.Fetch(r.Context(), m)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		slog.Error("record fetch failed",
			slog.String("kind", string(m.Kind)),
			slog.String("identifier", m.Identifier),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, errorBody("backend fetch failed"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// History handles GET /api/history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.hist == nil {
		writeJSON(w, http.StatusNotFound, errorBody("history disabled"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.hist.Recent(limit)
	if err != nil {
		slog.Error("history read failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   len(entries),
	})
}

// CacheStats handles GET /api/cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.fetcher.Stats())
}
