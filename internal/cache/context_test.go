package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hopeoverture/worldweaver-gate/internal/config"
)

func countingBuilder(builds *atomic.Int64) ContextBuilder {
	return func(profile WorldProfile) (string, error) {
		builds.Add(1)
		return fmt.Sprintf("World %s (%s): %s", profile.Name, profile.Genre, profile.Description), nil
	}
}

func newContextCache(maxEntries, ttlSeconds int, build ContextBuilder) (*ContextCache, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	cfg := config.ContextCacheConfig{MaxEntries: maxEntries, TTLSeconds: ttlSeconds}
	return NewContextCache(cfg, build, clk, nil), clk
}

func TestContextCacheBuildsOnceThenServesHits(t *testing.T) {
	var builds atomic.Int64
	cache, _ := newContextCache(10, 1800, countingBuilder(&builds))
	profile := WorldProfile{ID: "w1", Name: "Aethermoor", Genre: "fantasy", Description: "floating isles"}

	text, cached, err := cache.GetOrBuild(profile)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cached {
		t.Fatalf("expected the first call to miss")
	}
	if text == "" {
		t.Fatalf("expected built text")
	}

	again, cached, err := cache.GetOrBuild(profile)
	if err != nil {
		t.Fatalf("hit: %v", err)
	}
	if !cached || again != text {
		t.Fatalf("expected the cached text, got cached=%v", cached)
	}
	if builds.Load() != 1 {
		t.Fatalf("expected a single build, got %d", builds.Load())
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.SavedChars != uint64(len(text)) {
		t.Fatalf("expected savedChars %d, got %d", len(text), stats.SavedChars)
	}
}

func TestContextCacheNormalizationSharesEntries(t *testing.T) {
	var builds atomic.Int64
	cache, _ := newContextCache(10, 1800, countingBuilder(&builds))

	original := WorldProfile{
		ID:       "w1",
		Name:     "Aethermoor",
		Themes:   []string{"exploration", "betrayal", "ruins"},
		Factions: []string{"Skyguard", "Deepkin"},
	}
	permuted := WorldProfile{
		ID:        "w1",
		Name:      "Aethermoor",
		Themes:    []string{"ruins", "exploration", "betrayal"},
		Factions:  []string{"Deepkin", "Skyguard"},
		Locations: []string{},
	}

	if _, _, err := cache.GetOrBuild(original); err != nil {
		t.Fatalf("build: %v", err)
	}
	_, cached, err := cache.GetOrBuild(permuted)
	if err != nil {
		t.Fatalf("permuted: %v", err)
	}
	if !cached {
		t.Fatalf("expected the permuted profile to hit the same entry")
	}
	if builds.Load() != 1 {
		t.Fatalf("expected a single build across permutations, got %d", builds.Load())
	}
}

func TestContextCacheTTLBoundary(t *testing.T) {
	var builds atomic.Int64
	cache, clk := newContextCache(10, 60, countingBuilder(&builds))
	profile := WorldProfile{ID: "w1", Name: "Aethermoor"}

	if _, _, err := cache.GetOrBuild(profile); err != nil {
		t.Fatalf("build: %v", err)
	}

	clk.Advance(time.Minute - time.Millisecond)
	_, cached, err := cache.GetOrBuild(profile)
	if err != nil {
		t.Fatalf("inside ttl: %v", err)
	}
	if !cached || builds.Load() != 1 {
		t.Fatalf("expected a hit just inside the ttl, cached=%v builds=%d", cached, builds.Load())
	}

	clk.Advance(2 * time.Millisecond)
	_, cached, err = cache.GetOrBuild(profile)
	if err != nil {
		t.Fatalf("past ttl: %v", err)
	}
	if cached || builds.Load() != 2 {
		t.Fatalf("expected a rebuild just past the ttl, cached=%v builds=%d", cached, builds.Load())
	}
}

func TestContextCacheEvictsOldestAtCapacity(t *testing.T) {
	var builds atomic.Int64
	cache, clk := newContextCache(2, 1800, countingBuilder(&builds))

	first := WorldProfile{ID: "w1", Name: "First"}
	second := WorldProfile{ID: "w2", Name: "Second"}
	third := WorldProfile{ID: "w3", Name: "Third"}

	cache.GetOrBuild(first)
	clk.Advance(time.Second)
	cache.GetOrBuild(second)
	clk.Advance(time.Second)
	cache.GetOrBuild(third)

	if size := cache.Stats().Size; size != 2 {
		t.Fatalf("expected size at capacity, got %d", size)
	}

	// The oldest stored entry was evicted, so asking for it rebuilds.
	_, cached, err := cache.GetOrBuild(first)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if cached || builds.Load() != 4 {
		t.Fatalf("expected the evicted entry to rebuild, cached=%v builds=%d", cached, builds.Load())
	}

	_, cached, _ = cache.GetOrBuild(third)
	if !cached {
		t.Fatalf("expected the newest entry to survive eviction")
	}
}

func TestContextCacheInvalidate(t *testing.T) {
	var builds atomic.Int64
	cache, _ := newContextCache(10, 1800, countingBuilder(&builds))
	profile := WorldProfile{ID: "w1", Name: "Aethermoor"}

	cache.GetOrBuild(profile)
	if !cache.Invalidate(profile) {
		t.Fatalf("expected invalidate to find the entry")
	}
	if cache.Invalidate(profile) {
		t.Fatalf("expected the second invalidate to find nothing")
	}

	_, cached, err := cache.GetOrBuild(profile)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if cached || builds.Load() != 2 {
		t.Fatalf("expected a rebuild after invalidation, cached=%v builds=%d", cached, builds.Load())
	}
}

func TestContextCacheBuilderErrorIsNotStored(t *testing.T) {
	boom := errors.New("renderer exploded")
	var calls atomic.Int64
	cache, _ := newContextCache(10, 1800, func(WorldProfile) (string, error) {
		calls.Add(1)
		return "", boom
	})
	profile := WorldProfile{ID: "w1", Name: "Aethermoor"}

	if _, _, err := cache.GetOrBuild(profile); !errors.Is(err, boom) {
		t.Fatalf("expected the builder error, got %v", err)
	}
	if _, _, err := cache.GetOrBuild(profile); !errors.Is(err, boom) {
		t.Fatalf("expected the error again on retry, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected failures to never be cached, calls=%d", calls.Load())
	}
	if size := cache.Stats().Size; size != 0 {
		t.Fatalf("expected nothing stored after failures, size %d", size)
	}
}

func TestContextCacheCoalescesConcurrentBuilds(t *testing.T) {
	var builds atomic.Int64
	slow := func(profile WorldProfile) (string, error) {
		builds.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "context for " + profile.Name, nil
	}
	cache := NewContextCache(config.ContextCacheConfig{MaxEntries: 10, TTLSeconds: 1800}, slow, nil, nil)
	profile := WorldProfile{ID: "w1", Name: "Aethermoor"}

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			text, _, err := cache.GetOrBuild(profile)
			if err != nil {
				t.Errorf("concurrent build: %v", err)
				return
			}
			results[slot] = text
		}(i)
	}
	wg.Wait()

	if builds.Load() != 1 {
		t.Fatalf("expected concurrent misses to share one build, got %d", builds.Load())
	}
	for _, text := range results {
		if text != "context for Aethermoor" {
			t.Fatalf("unexpected text %q", text)
		}
	}
}
