package georide

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/georide-trips/tripmap/internal/storage"
)

const (
	// DefaultCacheTTL is how long fetched positions stay valid.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultCacheMaxEntries bounds the number of cached windows.
	DefaultCacheMaxEntries = 100

	// DefaultFetchTimeout bounds a shared upstream fetch, which outlives the
	// caller that started it.
	DefaultFetchTimeout = 30 * time.Second
)

// PositionFetcher fetches raw positions for a tracker window.
type PositionFetcher interface {
	ListPositions(ctx context.Context, trackerID int64, from, to time.Time) ([]storage.Position, error)
}

type cacheEntry struct {
	positions []storage.Position
	storedAt  time.Time
	ttl       time.Duration
}

// CacheStats is a snapshot of the cache state.
type CacheStats struct {
	TotalEntries   int     `json:"totalEntries"`
	ValidEntries   int     `json:"validEntries"`
	ExpiredEntries int     `json:"expiredEntries"`
	MaxSize        int     `json:"maxSize"`
	TTLMinutes     float64 `json:"ttlMinutes"`
}

// PositionCache wraps a PositionFetcher and memoizes its results per exact
// (tracker, from, to) window. Errors are never cached. Eviction runs only
// after a miss has been stored: expired entries first, then the oldest until
// the cache is back at capacity.
type PositionCache struct {
	inner PositionFetcher

	mu      sync.Mutex
	entries map[string]*cacheEntry

	ttl          time.Duration
	maxEntries   int
	fetchTimeout time.Duration
	now          func() time.Time
	logf       Logger
	group      *singleflight.Group // nil disables miss collapsing
}

// CacheOption configures a PositionCache.
type CacheOption func(*PositionCache)

// WithTTL overrides DefaultCacheTTL.
func WithTTL(d time.Duration) CacheOption {
	return func(c *PositionCache) { c.ttl = d }
}

// WithMaxEntries overrides DefaultCacheMaxEntries. Values below 1 are
// raised to 1.
func WithMaxEntries(n int) CacheOption {
	return func(c *PositionCache) { c.maxEntries = max(n, 1) }
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *PositionCache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithClock injects the time source used for TTL checks.
func WithClock(now func() time.Time) CacheOption {
	return func(c *PositionCache) { c.now = now }
}

// WithLogger sets a logger for hits, misses and fetch failures.
func WithLogger(l Logger) CacheOption {
	return func(c *PositionCache) { c.logf = l }
}

// WithoutSingleflight makes every concurrent miss call upstream.
func WithoutSingleflight() CacheOption {
	return func(c *PositionCache) { c.group = nil }
}

// NewPositionCache wraps inner with an in-memory cache.
func NewPositionCache(inner PositionFetcher, opts ...CacheOption) *PositionCache {
	c := &PositionCache{
		inner:        inner,
		entries:      make(map[string]*cacheEntry),
		ttl:          DefaultCacheTTL,
		maxEntries:   DefaultCacheMaxEntries,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		logf:         func(string, ...any) {},
		group:        &singleflight.Group{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CacheKey builds the exact-match key of a window.
func CacheKey(trackerID int64, from, to time.Time) string {
	return fmt.Sprintf("%d:%s:%s", trackerID,
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
}

// GetPositions returns the positions of the window, from cache when a valid
// entry exists. The returned slice is a copy.
func (c *PositionCache) GetPositions(ctx context.Context, trackerID int64, from, to time.Time) ([]storage.Position, error) {
	key := CacheKey(trackerID, from, to)

	if ps, ok := c.lookup(key); ok {
		c.logf("georide: cache: hit %s", key)
		return slices.Clone(ps), nil
	}
	c.logf("georide: cache: miss %s", key)

	var (
		ps  []storage.Position
		err error
	)
	if c.group == nil {
		ps, err = c.fetch(ctx, key, trackerID, from, to)
	} else {
		ps, err = c.fetchShared(ctx, key, trackerID, from, to)
	}
	if err != nil {
		c.logf("georide: cache: fetch %s failed: %v", key, err)
		return nil, err
	}
	return slices.Clone(ps), nil
}

// fetchShared joins the in-flight fetch of key or starts one. The fetch runs
// detached from any caller's cancellation, bounded by fetchTimeout; each
// caller returns when its own ctx is done.
func (c *PositionCache) fetchShared(ctx context.Context, key string, trackerID int64, from, to time.Time) ([]storage.Position, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.fetch(fctx, key, trackerID, from, to)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]storage.Position), nil
	}
}

func (c *PositionCache) fetch(ctx context.Context, key string, trackerID int64, from, to time.Time) ([]storage.Position, error) {
	ps, err := c.inner.ListPositions(ctx, trackerID, from, to)
	if err != nil {
		return nil, err
	}
	c.store(key, ps)
	return ps, nil
}

// Preload stores positions for a window without calling upstream. It does
// not trigger eviction.
func (c *PositionCache) Preload(trackerID int64, from, to time.Time, positions []storage.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[CacheKey(trackerID, from, to)] = &cacheEntry{
		positions: slices.Clone(positions),
		storedAt:  c.now(),
		ttl:       c.ttl,
	}
}

// Stats reports the current entry counts.
func (c *PositionCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st := CacheStats{
		TotalEntries: len(c.entries),
		MaxSize:      c.maxEntries,
		TTLMinutes:   c.ttl.Minutes(),
	}
	for _, e := range c.entries {
		if e.expired(now) {
			st.ExpiredEntries++
		} else {
			st.ValidEntries++
		}
	}
	return st
}

// Clear drops every entry.
func (c *PositionCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
	c.logf("georide: cache: cleared")
}

func (c *PositionCache) lookup(key string) ([]storage.Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(c.now()) {
		return nil, false
	}
	return e.positions, true
}

func (c *PositionCache) store(key string, positions []storage.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &cacheEntry{positions: positions, storedAt: c.now(), ttl: c.ttl}
	c.evictLocked()
}

func (c *PositionCache) evictLocked() {
	now := c.now()
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) <= c.maxEntries {
		return
	}

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].storedAt.Before(c.entries[keys[j]].storedAt)
	})
	for _, k := range keys[:len(keys)-c.maxEntries] {
		delete(c.entries, k)
	}
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}
