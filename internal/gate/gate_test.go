package gate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hopeoverture/worldweaver-gate/internal/cache"
	"github.com/hopeoverture/worldweaver-gate/internal/config"
	"github.com/hopeoverture/worldweaver-gate/internal/identity"
	"github.com/hopeoverture/worldweaver-gate/internal/quota"
	"github.com/hopeoverture/worldweaver-gate/internal/ratelimit"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type failingStore struct {
	calls int
}

func (s *failingStore) Increment(context.Context, string, time.Duration) (quota.Record, error) {
	s.calls++
	return quota.Record{}, errors.New("store offline")
}

func (s *failingStore) Get(context.Context, string) (quota.Record, bool, error) {
	return quota.Record{}, false, errors.New("store offline")
}

func (s *failingStore) Set(context.Context, string, quota.Record, time.Duration) error {
	return errors.New("store offline")
}

func (s *failingStore) Delete(context.Context, string) error {
	return errors.New("store offline")
}

func (s *failingStore) Close(context.Context) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func gateRegistry() *ratelimit.Registry {
	return ratelimit.NewRegistry(config.LimitsConfig{
		APIPrefix: "/api",
		General:   config.BucketConfig{MaxRequests: 100, WindowSeconds: 60, Strategy: config.StrategyIP},
		Buckets: map[string]config.BucketConfig{
			"auth": {MaxRequests: 2, WindowSeconds: 60, Strategy: config.StrategyIP},
			"ai":   {MaxRequests: 3, WindowSeconds: 60, Strategy: config.StrategyUser},
		},
		Rules: []config.RuleConfig{
			{Method: "POST", Path: "/api/auth/login", Bucket: "auth"},
			{Method: "POST", Path: "/api/ai/generate", Bucket: "ai"},
		},
	})
}

type gateFixture struct {
	gate     *Gate
	clock    *fakeClock
	access   *cache.AccessCache
	contexts *cache.ContextCache
	builds   *atomic.Int64
}

// newTestGate wires a gate over an in-memory quota store, the two caches,
// and a counting context builder. Passing a store overrides the default
// memory store.
func newTestGate(t *testing.T, store quota.Store) *gateFixture {
	t.Helper()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	if store == nil {
		store = quota.NewMemory(1000, clk, nil)
	}
	ips, err := identity.NewClientIPExtractor(nil)
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}
	limiter := ratelimit.New(store, gateRegistry(), ips, identity.HeaderResolver{Header: "X-Auth-User"}, clk, testLogger(), nil)

	builds := &atomic.Int64{}
	builder := func(profile cache.WorldProfile) (string, error) {
		builds.Add(1)
		return "context for " + profile.Name, nil
	}
	access := cache.NewAccessCache(config.AccessCacheConfig{MaxEntries: 100, TTLSeconds: 60, MaxTTLSeconds: 600}, clk, nil)
	contexts := cache.NewContextCache(config.ContextCacheConfig{MaxEntries: 50, TTLSeconds: 300}, builder, clk, nil)

	g := New(testLogger(), Options{
		Limiter:      limiter,
		Quota:        store,
		AccessCache:  access,
		ContextCache: contexts,
		LimitSources: []string{"limits.yaml"},
		Skipped: []config.DefinitionSkip{
			{Kind: "rule", Name: "POST /api/broken", Reason: "references unknown bucket", Sources: []string{"limits.yaml"}},
		},
		CorrelationHeader: "X-Request-ID",
	})
	return &gateFixture{gate: g, clock: clk, access: access, contexts: contexts, builds: builds}
}

// checkProbe issues one forward-auth probe. Empty method and uri leave the
// forwarded headers off so the literal request is evaluated.
func (f *gateFixture) checkProbe(method, uri, ip, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/gate/check", http.NoBody)
	req.RemoteAddr = ip + ":52100"
	if method != "" {
		req.Header.Set("X-Forwarded-Method", method)
	}
	if uri != "" {
		req.Header.Set("X-Forwarded-Uri", uri)
	}
	if user != "" {
		req.Header.Set("X-Auth-User", user)
	}
	rec := httptest.NewRecorder()
	f.gate.ServeCheck(rec, req)
	return rec
}

func TestServeCheckEvaluatesForwardedRequest(t *testing.T) {
	f := newTestGate(t, nil)

	for i, wantRemaining := range []string{"1", "0"} {
		rec := f.checkProbe("POST", "/api/auth/login", "203.0.113.7", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("probe %d: expected status 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
			t.Fatalf("probe %d: expected limit header 2, got %q", i+1, got)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != wantRemaining {
			t.Fatalf("probe %d: expected remaining %s, got %q", i+1, wantRemaining, got)
		}
		if got := rec.Header().Get("X-RateLimit-Bucket"); got != "auth" {
			t.Fatalf("probe %d: expected bucket auth, got %q", i+1, got)
		}
	}

	rec := f.checkProbe("POST", "/api/auth/login", "203.0.113.7", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 after limit, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After 60, got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Reset"); got != "1700000060" {
		t.Fatalf("expected reset at window end, got %q", got)
	}

	var denied struct {
		Error      string `json:"error"`
		Bucket     string `json:"bucket"`
		RetryAfter int    `json:"retryAfterSeconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &denied); err != nil {
		t.Fatalf("decode denial body: %v", err)
	}
	if denied.Bucket != "auth" {
		t.Fatalf("expected denial bucket auth, got %q", denied.Bucket)
	}
	if denied.RetryAfter != 60 {
		t.Fatalf("expected retryAfterSeconds 60, got %d", denied.RetryAfter)
	}
	if denied.Error == "" {
		t.Fatal("expected denial body to carry an error message")
	}
}

func TestServeCheckUppercasesForwardedMethod(t *testing.T) {
	f := newTestGate(t, nil)

	rec := f.checkProbe("post", "/api/auth/login", "203.0.113.7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Bucket"); got != "auth" {
		t.Fatalf("expected lowercase forwarded method to match auth rule, got bucket %q", got)
	}
}

func TestServeCheckPassesUnmatchedTraffic(t *testing.T) {
	f := newTestGate(t, nil)

	t.Run("no forwarded headers", func(t *testing.T) {
		rec := f.checkProbe("", "", "203.0.113.7", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "" {
			t.Fatalf("expected no limit headers for the literal probe path, got %q", got)
		}
	})

	t.Run("forwarded path outside prefix", func(t *testing.T) {
		rec := f.checkProbe("GET", "/public/docs", "203.0.113.7", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "" {
			t.Fatalf("expected no limit headers outside the api prefix, got %q", got)
		}
	})
}

func TestServeCheckFailsOpenWhenStoreErrors(t *testing.T) {
	store := &failingStore{}
	f := newTestGate(t, store)

	for i := 0; i < 10; i++ {
		rec := f.checkProbe("POST", "/api/auth/login", "203.0.113.7", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("probe %d: expected fail-open 200, got %d", i+1, rec.Code)
		}
	}
	if store.calls != 10 {
		t.Fatalf("expected 10 store calls, got %d", store.calls)
	}
}

func TestServeCheckWithoutLimiterAllows(t *testing.T) {
	g := New(testLogger(), Options{})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/gate/check", http.NoBody)
	rec := httptest.NewRecorder()
	g.ServeCheck(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
}

func TestServeLimitsResetsQuotaWindow(t *testing.T) {
	f := newTestGate(t, nil)

	for i := 0; i < 2; i++ {
		if rec := f.checkProbe("POST", "/api/auth/login", "203.0.113.7", ""); rec.Code != http.StatusOK {
			t.Fatalf("warmup probe %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	if rec := f.checkProbe("POST", "/api/auth/login", "203.0.113.7", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 before reset, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, "http://example.com/v1/limits/auth/ip/203.0.113.7", http.NoBody)
	rec := httptest.NewRecorder()
	f.gate.ServeLimits(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}

	after := f.checkProbe("POST", "/api/auth/login", "203.0.113.7", "")
	if after.Code != http.StatusOK {
		t.Fatalf("expected 200 after reset, got %d", after.Code)
	}
	if got := after.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Fatalf("expected a fresh window after reset, got remaining %q", got)
	}
}

func TestServeLimitsValidation(t *testing.T) {
	f := newTestGate(t, nil)

	cases := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "combined kind rejected", method: http.MethodDelete, path: "/v1/limits/auth/combined/203.0.113.7", status: http.StatusBadRequest},
		{name: "unknown bucket", method: http.MethodDelete, path: "/v1/limits/payments/ip/203.0.113.7", status: http.StatusNotFound},
		{name: "short path", method: http.MethodDelete, path: "/v1/limits/auth", status: http.StatusNotFound},
		{name: "wrong method", method: http.MethodGet, path: "/v1/limits/auth/ip/203.0.113.7", status: http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "http://example.com"+tc.path, http.NoBody)
			rec := httptest.NewRecorder()
			f.gate.ServeLimits(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}
		})
	}
}

func TestServeHealthReportsCachesAndProvenance(t *testing.T) {
	f := newTestGate(t, nil)

	f.access.Set("user-1", "world-1", true, 0)
	if _, _, err := f.contexts.GetOrBuild(cache.WorldProfile{ID: "world-1", Name: "Aethermoor"}); err != nil {
		t.Fatalf("seed context: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	f.gate.ServeHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected JSON content type, got %q", got)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health payload: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", payload["status"])
	}
	if observed, _ := payload["observedAt"].(string); observed == "" {
		t.Fatal("expected observedAt timestamp")
	}

	names := map[string]bool{}
	buckets, ok := payload["buckets"].([]any)
	if !ok {
		t.Fatalf("expected bucket list, got %T", payload["buckets"])
	}
	for _, name := range buckets {
		names[name.(string)] = true
	}
	for _, want := range []string{"auth", "ai", "general"} {
		if !names[want] {
			t.Fatalf("expected bucket %q in health payload, got %v", want, buckets)
		}
	}

	if got := payload["accessCacheEntries"]; got != float64(1) {
		t.Fatalf("expected 1 access cache entry, got %v", got)
	}
	if got := payload["contextCacheEntries"]; got != float64(1) {
		t.Fatalf("expected 1 context cache entry, got %v", got)
	}
	sources, ok := payload["limitSources"].([]any)
	if !ok || len(sources) != 1 || sources[0] != "limits.yaml" {
		t.Fatalf("expected limit sources [limits.yaml], got %v", payload["limitSources"])
	}
	skipped, ok := payload["skippedDefinitions"].([]any)
	if !ok || len(skipped) != 1 {
		t.Fatalf("expected one skipped definition, got %v", payload["skippedDefinitions"])
	}
	first, ok := skipped[0].(map[string]any)
	if !ok || first["kind"] != "rule" {
		t.Fatalf("expected skipped rule definition, got %v", skipped[0])
	}
}

func TestMiddlewareGuardsAPIRoutes(t *testing.T) {
	f := newTestGate(t, nil)

	var passed int
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		passed++
		w.WriteHeader(http.StatusNoContent)
	})
	handler := f.gate.Middleware(next)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "http://example.com/api/auth/login", http.NoBody)
		req.RemoteAddr = "203.0.113.9:52100"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i+1, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "http://example.com/api/auth/login", http.NoBody)
	req.RemoteAddr = "203.0.113.9:52100"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the bucket is spent, got %d", rec.Code)
	}
	if passed != 2 {
		t.Fatalf("expected the denied request to stop at the middleware, next ran %d times", passed)
	}
}

func TestMiddlewareWithoutLimiterPassesThrough(t *testing.T) {
	g := New(testLogger(), Options{})

	called := false
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "http://example.com/v1/access/stats", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if !called || rec.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through without a limiter, called=%v status=%d", called, rec.Code)
	}
}
