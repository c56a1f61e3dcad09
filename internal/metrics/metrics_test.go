package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveCheck(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCheck("ai", "user", CheckDenied, 250*time.Millisecond)

	families := gather(t, rec, "wwgate_limiter_checks_total", "wwgate_limiter_check_duration_seconds")

	counter := findMetric(t, families["wwgate_limiter_checks_total"], map[string]string{
		"bucket":   "ai",
		"strategy": "user",
		"outcome":  string(CheckDenied),
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for limiter checks")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["wwgate_limiter_check_duration_seconds"], map[string]string{
		"bucket":  "ai",
		"outcome": string(CheckDenied),
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for check latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveQuota(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveQuotaOperation("redis", QuotaOperationIncrement, QuotaResultError)
	rec.ObserveQuotaFallback("backend-error")
	rec.SetBreakerState(BreakerOpen)

	families := gather(t, rec, "wwgate_quota_operations_total", "wwgate_quota_fallbacks_total", "wwgate_quota_breaker_state")

	opMetric := findMetric(t, families["wwgate_quota_operations_total"], map[string]string{
		"backend":   "redis",
		"operation": string(QuotaOperationIncrement),
		"result":    string(QuotaResultError),
	})
	if got := opMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected operation counter 1, got %v", got)
	}

	fallbackMetric := findMetric(t, families["wwgate_quota_fallbacks_total"], map[string]string{
		"reason": "backend-error",
	})
	if got := fallbackMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected fallback counter 1, got %v", got)
	}

	stateMetric := families["wwgate_quota_breaker_state"][0]
	if stateMetric.GetGauge() == nil {
		t.Fatalf("expected gauge metric for breaker state")
	}
	if got := stateMetric.GetGauge().GetValue(); got != float64(BreakerOpen) {
		t.Fatalf("expected breaker state %d, got %v", BreakerOpen, got)
	}
}

func TestRecorderObserveCacheOperations(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCacheLookup(CacheAccess, CacheLookupHit, 10*time.Millisecond)
	rec.ObserveCacheStore(CacheContext, CacheStoreEvicted, 5*time.Millisecond)
	rec.SetCacheEntries(CacheAccess, 3)

	families := gather(t, rec, "wwgate_cache_operations_total", "wwgate_cache_operation_duration_seconds", "wwgate_cache_entries")

	lookupMetric := findMetric(t, families["wwgate_cache_operations_total"], map[string]string{
		"cache":     CacheAccess,
		"operation": "lookup",
		"result":    string(CacheLookupHit),
	})
	if lookupMetric.GetCounter() == nil {
		t.Fatalf("expected counter metric for cache lookup")
	}
	if got := lookupMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected lookup counter 1, got %v", got)
	}

	storeMetric := findMetric(t, families["wwgate_cache_operations_total"], map[string]string{
		"cache":     CacheContext,
		"operation": "store",
		"result":    string(CacheStoreEvicted),
	})
	if got := storeMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected store counter 1, got %v", got)
	}

	latencyMetric := findMetric(t, families["wwgate_cache_operation_duration_seconds"], map[string]string{
		"cache":     CacheContext,
		"operation": "store",
		"result":    string(CacheStoreEvicted),
	})
	hist := latencyMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for cache store latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.005
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}

	entriesMetric := findMetric(t, families["wwgate_cache_entries"], map[string]string{
		"cache": CacheAccess,
	})
	if got := entriesMetric.GetGauge().GetValue(); got != 3 {
		t.Fatalf("expected entries gauge 3, got %v", got)
	}
}

func TestRecorderNormalizesEmptyLabels(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCheck("", "", CheckAllowed, time.Millisecond)

	families := gather(t, rec, "wwgate_limiter_checks_total")
	findMetric(t, families["wwgate_limiter_checks_total"], map[string]string{
		"bucket":   "unknown",
		"strategy": "unknown",
		"outcome":  string(CheckAllowed),
	})
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func TestRecorderNilIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveCheck("ai", "ip", CheckAllowed, time.Millisecond)
	rec.ObserveQuotaOperation("memory", QuotaOperationGet, QuotaResultOK)
	rec.ObserveQuotaFallback("backend-error")
	rec.SetBreakerState(BreakerClosed)
	rec.ObserveCacheLookup(CacheAccess, CacheLookupMiss, time.Millisecond)
	rec.SetCacheEntries(CacheContext, 1)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder handler, got %d", rr.Code)
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
