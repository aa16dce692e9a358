// Package cache holds the in-process caches of the service: a single-slot
// post list memo and the per-token session refresh throttle.
package cache

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/and161185/moments/internal/model"
)

// DefaultPostTTL is how long a cached post list stays fresh.
const DefaultPostTTL = 5 * time.Minute

// Loader fetches the full post list from the store.
type Loader func(ctx context.Context) ([]model.Post, error)

// PostCache memoizes the sorted post list for a TTL.
// Clear bumps a generation so a load started before it never repopulates the slot.
type PostCache struct {
	ttl     time.Duration
	now     func() time.Time
	observe func(hit bool)

	mu    sync.Mutex
	posts []model.Post
	at    time.Time
	valid bool
	gen   uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

// PostCacheOption configures a PostCache.
type PostCacheOption func(*PostCache)

// WithObserver reports every hit or miss, e.g. to metrics.
func WithObserver(fn func(hit bool)) PostCacheOption {
	return func(c *PostCache) { c.observe = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) PostCacheOption {
	return func(c *PostCache) { c.now = now }
}

// NewPostCache creates an empty cache; ttl <= 0 uses DefaultPostTTL.
func NewPostCache(ttl time.Duration, opts ...PostCacheOption) *PostCache {
	if ttl <= 0 {
		ttl = DefaultPostTTL
	}
	c := &PostCache{ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached list while fresh, otherwise loads, sorts and stores it.
func (c *PostCache) Get(ctx context.Context, load Loader) ([]model.Post, error) {
	c.mu.Lock()
	if c.valid && c.now().Sub(c.at) < c.ttl {
		out := slices.Clone(c.posts)
		c.mu.Unlock()
		c.record(true)
		return out, nil
	}
	gen := c.gen
	c.mu.Unlock()
	c.record(false)

	posts, err := load(ctx)
	if err != nil {
		return nil, err
	}
	model.SortByDate(posts)

	c.mu.Lock()
	if c.gen == gen {
		c.posts = slices.Clone(posts)
		c.at = c.now()
		c.valid = true
	}
	c.mu.Unlock()
	return posts, nil
}

// Clear invalidates the slot.
func (c *PostCache) Clear() {
	c.mu.Lock()
	c.posts = nil
	c.valid = false
	c.gen++
	c.mu.Unlock()
}

func (c *PostCache) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if c.observe != nil {
		c.observe(hit)
	}
}

// Stats reports cumulative lookups.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns hit/miss counters.
func (c *PostCache) Stats() Stats {
	s := Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
