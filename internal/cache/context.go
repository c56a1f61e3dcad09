package cache

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hopeoverture/worldweaver-gate/internal/clock"
	"github.com/hopeoverture/worldweaver-gate/internal/config"
	"github.com/hopeoverture/worldweaver-gate/internal/metrics"
)

// ContextBuilder renders a world profile into prompt text. Builders must be
// deterministic: the same profile always yields the same text.
type ContextBuilder func(profile WorldProfile) (string, error)

// ContextStats extends the base counters with the estimated number of
// characters served from cache instead of rebuilt.
type ContextStats struct {
	Stats
	SavedChars uint64 `json:"estimatedSavedChars"`
}

type contextEntry struct {
	text      string
	storedAt  time.Time
	expiresAt time.Time
}

// ContextCache memoizes built world context keyed by the profile content
// hash. Concurrent misses for the same key are coalesced so the builder runs
// once per flight.
type ContextCache struct {
	build      ContextBuilder
	defaultTTL time.Duration
	maxEntries int
	clock      clock.Clock
	rec        *metrics.Recorder

	group singleflight.Group

	mu         sync.Mutex
	entries    map[string]contextEntry
	hits       uint64
	misses     uint64
	savedChars uint64
}

// NewContextCache builds a context cache from configuration. The default TTL
// is deliberately longer than the access cache's.
func NewContextCache(cfg config.ContextCacheConfig, build ContextBuilder, clk clock.Clock, rec *metrics.Recorder) *ContextCache {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 500
	}
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &ContextCache{
		build:      build,
		defaultTTL: ttl,
		maxEntries: maxEntries,
		clock:      clk,
		rec:        rec,
		entries:    make(map[string]contextEntry),
	}
}

// GetOrBuild returns the context for the profile, building and storing it on
// a miss. The second return reports whether the text came from cache.
func (c *ContextCache) GetOrBuild(profile WorldProfile) (string, bool, error) {
	if c.build == nil {
		return "", false, errors.New("cache: context builder not configured")
	}
	key := profile.Hash()
	start := time.Now()
	now := c.clock.Now()

	if text, ok := c.lookup(key, now); ok {
		c.rec.ObserveCacheLookup(metrics.CacheContext, metrics.CacheLookupHit, time.Since(start))
		return text, true, nil
	}
	c.rec.ObserveCacheLookup(metrics.CacheContext, metrics.CacheLookupMiss, time.Since(start))

	value, err, _ := c.group.Do(key, func() (any, error) {
		// A previous flight may have stored the entry while this caller was
		// waiting its turn.
		if text, ok := c.peek(key, c.clock.Now()); ok {
			return text, nil
		}
		buildStart := time.Now()
		text, err := c.build(profile)
		if err != nil {
			c.rec.ObserveContextBuild("error", time.Since(buildStart))
			return nil, err
		}
		c.rec.ObserveContextBuild("ok", time.Since(buildStart))
		c.store(key, text)
		return text, nil
	})
	if err != nil {
		return "", false, err
	}
	return value.(string), false, nil
}

// Invalidate drops the cached context for the profile. It reports whether an
// entry was present.
func (c *ContextCache) Invalidate(profile WorldProfile) bool {
	start := time.Now()
	key := profile.Hash()

	c.mu.Lock()
	_, found := c.entries[key]
	delete(c.entries, key)
	size := len(c.entries)
	c.mu.Unlock()

	c.rec.ObserveCacheInvalidate(metrics.CacheContext, time.Since(start))
	c.rec.SetCacheEntries(metrics.CacheContext, size)
	return found
}

// Stats reports the lookup counters, current entry count, and the estimated
// characters saved by serving hits instead of rebuilding.
func (c *ContextCache) Stats() ContextStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ContextStats{
		Stats: Stats{
			Hits:    c.hits,
			Misses:  c.misses,
			HitRate: hitRate(c.hits, c.misses),
			Size:    len(c.entries),
		},
		SavedChars: c.savedChars,
	}
}

// lookup returns a live entry, counting the outcome. Expired entries are
// dropped on read.
func (c *ContextCache) lookup(key string, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.entries[key]
	if found && now.After(entry.expiresAt) {
		delete(c.entries, key)
		found = false
	}
	if !found {
		c.misses++
		return "", false
	}
	c.hits++
	c.savedChars += uint64(len(entry.text))
	return entry.text, true
}

// peek is lookup without counter churn, for the in-flight double check.
func (c *ContextCache) peek(key string, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.entries[key]
	if !found || now.After(entry.expiresAt) {
		return "", false
	}
	return entry.text, true
}

func (c *ContextCache) store(key, text string) {
	start := time.Now()
	now := c.clock.Now()
	entry := contextEntry{text: text, storedAt: now, expiresAt: now.Add(c.defaultTTL)}

	c.mu.Lock()
	c.removeExpiredLocked(now)
	evicted := false
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
		evicted = true
	}
	c.entries[key] = entry
	size := len(c.entries)
	c.mu.Unlock()

	outcome := metrics.CacheStoreStored
	if evicted {
		outcome = metrics.CacheStoreEvicted
	}
	c.rec.ObserveCacheStore(metrics.CacheContext, outcome, time.Since(start))
	c.rec.SetCacheEntries(metrics.CacheContext, size)
}

func (c *ContextCache) removeExpiredLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// evictOldestLocked removes the single entry with the smallest storedAt.
func (c *ContextCache) evictOldestLocked() {
	var (
		oldest   string
		oldestAt time.Time
		found    bool
	)
	for key, entry := range c.entries {
		if !found || entry.storedAt.Before(oldestAt) {
			oldest = key
			oldestAt = entry.storedAt
			found = true
		}
	}
	if found {
		delete(c.entries, oldest)
	}
}
