// Package fetch provides the unified record fetch client: a TTL-bounded LRU
// result cache with single-flight deduplication, so a burst of events
// referencing the same record issues at most one backend call.
package fetch

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/starford/snowlink/internal/models"
)

// Backend is the per-kind record lookup the client dispatches to.
type Backend interface {
	GetRecord(ctx context.Context, kind models.Kind, identifier string) (models.Record, error)
}

// Options bounds the cache and the per-fetch deadline.
type Options struct {
	TTL      time.Duration
	Capacity int
	Timeout  time.Duration
}

// Client deduplicates and caches record fetches keyed by (kind, identifier).
type Client struct {
	backend  Backend
	cache    *expirable.LRU[string, models.Record]
	group    singleflight.Group
	timeout  time.Duration
	capacity int
}

// New creates a fetch client over the given backend.
func New(backend Backend, opts Options) *Client {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 512
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		backend:  backend,
		cache:    expirable.NewLRU[string, models.Record](opts.Capacity, nil, opts.TTL),
		timeout:  opts.Timeout,
		capacity: opts.Capacity,
	}
}

// Fetch returns the record for a match, from cache when fresh. Concurrent
// calls for the same key share one backend call and its outcome. Failures
// (including a missing record) are never cached, so a later fetch re-queries
// the backend. The backend call runs on a detached deadline: if the caller's
// context dies mid-flight the result still lands in the cache.
func (c *Client) Fetch(ctx context.Context, m models.Match) (models.Record, error) {
	key := m.Key()
	if rec, ok := c.cache.Get(key); ok {
		return rec, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A duplicate that lost the race may arrive after the winner
		// already populated the cache.
		if rec, ok := c.cache.Get(key); ok {
			return rec, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		rec, err := c.backend.GetRecord(fctx, m.Kind, m.Identifier)
		if err != nil {
			return models.Record{}, err
		}
		c.cache.Add(key, rec)
		return rec, nil
	})
	if err != nil {
		return models.Record{}, err
	}
	return v.(models.Record), nil
}

// Stats reports cache occupancy for the ops surface.
type Stats struct {
	Entries  int `json:"entries"`
	Capacity int `json:"capacity"`
}

// Stats returns the current cache statistics.
func (c *Client) Stats() Stats {
	return Stats{Entries: c.cache.Len(), Capacity: c.capacity}
}
