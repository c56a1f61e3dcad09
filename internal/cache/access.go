// Package cache holds the gate's in-process memoization layers: the access
// cache for (subject, resource) authorization decisions and the context
// cache for built world prompt text. Both are bounded maps with lazy expiry
// and oldest-first eviction; neither computes anything on behalf of callers
// beyond the context builder handed in at construction.
package cache

import (
	"sync"
	"time"

	"github.com/hopeoverture/worldweaver-gate/internal/clock"
	"github.com/hopeoverture/worldweaver-gate/internal/config"
	"github.com/hopeoverture/worldweaver-gate/internal/metrics"
)

// accessKey identifies one cached decision.
type accessKey struct {
	subject  string
	resource string
}

type accessEntry struct {
	allowed   bool
	storedAt  time.Time
	expiresAt time.Time
}

// Decision is one (subject, resource) verdict for bulk writes.
type Decision struct {
	Subject  string
	Resource string
	Allowed  bool
}

// Stats describes cache effectiveness since process start. HitRate is 0
// before the first lookup.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hitRate"`
	Size    int     `json:"size"`
}

// AccessCache memoizes authorization decisions keyed by (subject, resource).
// It never computes decisions; callers resolve misses upstream and write the
// result back with Set.
type AccessCache struct {
	defaultTTL time.Duration
	maxTTL     time.Duration
	maxEntries int
	clock      clock.Clock
	rec        *metrics.Recorder

	mu      sync.Mutex
	entries map[accessKey]accessEntry
	hits    uint64
	misses  uint64
}

// NewAccessCache builds an access cache from configuration. Non-positive
// bounds fall back to the config defaults.
func NewAccessCache(cfg config.AccessCacheConfig, clk clock.Clock, rec *metrics.Recorder) *AccessCache {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &AccessCache{
		defaultTTL: ttl,
		maxTTL:     time.Duration(cfg.MaxTTLSeconds) * time.Second,
		maxEntries: maxEntries,
		clock:      clk,
		rec:        rec,
		entries:    make(map[accessKey]accessEntry),
	}
}

// Get returns the cached decision for (subject, resource). Expired entries
// are removed on read and reported as misses.
func (c *AccessCache) Get(subject, resource string) (bool, bool) {
	start := time.Now()
	now := c.clock.Now()

	c.mu.Lock()
	allowed, ok := c.lookupLocked(accessKey{subject: subject, resource: resource}, now)
	c.mu.Unlock()

	outcome := metrics.CacheLookupMiss
	if ok {
		outcome = metrics.CacheLookupHit
	}
	c.rec.ObserveCacheLookup(metrics.CacheAccess, outcome, time.Since(start))
	return allowed, ok
}

// GetBulk returns the cached decisions for one subject across several
// resources. Only hits appear in the result; each absent or expired resource
// counts a single miss.
func (c *AccessCache) GetBulk(subject string, resources []string) map[string]bool {
	start := time.Now()
	now := c.clock.Now()
	decisions := make(map[string]bool, len(resources))

	var hits, misses int
	c.mu.Lock()
	for _, resource := range resources {
		if allowed, ok := c.lookupLocked(accessKey{subject: subject, resource: resource}, now); ok {
			decisions[resource] = allowed
			hits++
		} else {
			misses++
		}
	}
	c.mu.Unlock()

	elapsed := time.Since(start)
	for i := 0; i < hits; i++ {
		c.rec.ObserveCacheLookup(metrics.CacheAccess, metrics.CacheLookupHit, elapsed)
	}
	for i := 0; i < misses; i++ {
		c.rec.ObserveCacheLookup(metrics.CacheAccess, metrics.CacheLookupMiss, elapsed)
	}
	return decisions
}

// Set stores one decision. A non-positive ttl takes the configured default;
// positive ttls are capped by the configured ceiling.
func (c *AccessCache) Set(subject, resource string, allowed bool, ttl time.Duration) {
	start := time.Now()
	ttl = ClampTTL(ttl, c.defaultTTL, c.maxTTL)
	now := c.clock.Now()
	entry := accessEntry{allowed: allowed, storedAt: now, expiresAt: now.Add(ttl)}

	c.mu.Lock()
	c.removeExpiredLocked(now)
	evicted := c.insertLocked(accessKey{subject: subject, resource: resource}, entry)
	size := len(c.entries)
	c.mu.Unlock()

	outcome := metrics.CacheStoreStored
	if evicted {
		outcome = metrics.CacheStoreEvicted
	}
	c.rec.ObserveCacheStore(metrics.CacheAccess, outcome, time.Since(start))
	c.rec.SetCacheEntries(metrics.CacheAccess, size)
}

// SetBulk stores several decisions under one lock with one shared ttl.
func (c *AccessCache) SetBulk(decisions []Decision, ttl time.Duration) {
	if len(decisions) == 0 {
		return
	}
	start := time.Now()
	ttl = ClampTTL(ttl, c.defaultTTL, c.maxTTL)
	now := c.clock.Now()

	var evictions int
	c.mu.Lock()
	c.removeExpiredLocked(now)
	for _, d := range decisions {
		entry := accessEntry{allowed: d.Allowed, storedAt: now, expiresAt: now.Add(ttl)}
		if c.insertLocked(accessKey{subject: d.Subject, resource: d.Resource}, entry) {
			evictions++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	elapsed := time.Since(start)
	for i := 0; i < len(decisions); i++ {
		outcome := metrics.CacheStoreStored
		if i < evictions {
			outcome = metrics.CacheStoreEvicted
		}
		c.rec.ObserveCacheStore(metrics.CacheAccess, outcome, elapsed)
	}
	c.rec.SetCacheEntries(metrics.CacheAccess, size)
}

// InvalidateSubject removes every decision cached for the subject and
// returns how many entries were dropped.
func (c *AccessCache) InvalidateSubject(subject string) int {
	return c.invalidate(func(key accessKey) bool { return key.subject == subject })
}

// InvalidateResource removes every decision cached for the resource and
// returns how many entries were dropped.
func (c *AccessCache) InvalidateResource(resource string) int {
	return c.invalidate(func(key accessKey) bool { return key.resource == resource })
}

// Stats reports the lookup counters and current entry count.
func (c *AccessCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: hitRate(c.hits, c.misses),
		Size:    len(c.entries),
	}
}

func (c *AccessCache) lookupLocked(key accessKey, now time.Time) (bool, bool) {
	entry, found := c.entries[key]
	if found && now.After(entry.expiresAt) {
		delete(c.entries, key)
		found = false
	}
	if !found {
		c.misses++
		return false, false
	}
	c.hits++
	return entry.allowed, true
}

// insertLocked places an entry, evicting the oldest live entry first when the
// cache is full and the key is new. Reports whether an eviction happened.
func (c *AccessCache) insertLocked(key accessKey, entry accessEntry) bool {
	evicted := false
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
		evicted = true
	}
	c.entries[key] = entry
	return evicted
}

func (c *AccessCache) removeExpiredLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// evictOldestLocked removes the single entry with the smallest storedAt. The
// scan is linear; configured capacities keep it cheap.
func (c *AccessCache) evictOldestLocked() {
	var (
		oldest   accessKey
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

func (c *AccessCache) invalidate(match func(accessKey) bool) int {
	start := time.Now()
	removed := 0

	c.mu.Lock()
	for key := range c.entries {
		if match(key) {
			delete(c.entries, key)
			removed++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	c.rec.ObserveCacheInvalidate(metrics.CacheAccess, time.Since(start))
	c.rec.SetCacheEntries(metrics.CacheAccess, size)
	return removed
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
