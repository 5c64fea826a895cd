package api

import (
	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all ops API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
func NewRouter(resolver Resolver, fetcher Fetcher, hist HistoryReader, authEnabled bool, token string) chi.Router {
	h := NewHandler(resolver, fetcher, hist)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/resolve", h.Resolve)
	r.Get("/records/{kind}/{identifier}", h.GetRecord)
	r.Get("/history", h.History)
	r.Get("/cache/stats", h.CacheStats)

	return r
}
