package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CheckOutcome captures the result of a rate limit check.
type CheckOutcome string

const (
	// CheckAllowed indicates the request stayed inside its quota.
	CheckAllowed CheckOutcome = "allowed"
	// CheckDenied indicates at least one quota dimension was exhausted.
	CheckDenied CheckOutcome = "denied"
	// CheckUnmatched indicates no bucket rule applied to the request.
	CheckUnmatched CheckOutcome = "unmatched"
	// CheckFailOpen indicates an internal error was swallowed and the
	// request allowed through.
	CheckFailOpen CheckOutcome = "failopen"
)

// QuotaOperation identifies the quota store method being instrumented.
type QuotaOperation string

const (
	QuotaOperationIncrement QuotaOperation = "increment"
	QuotaOperationGet       QuotaOperation = "get"
	QuotaOperationSet       QuotaOperation = "set"
	QuotaOperationDelete    QuotaOperation = "delete"
)

// QuotaResult captures whether a quota store call succeeded.
type QuotaResult string

const (
	QuotaResultOK    QuotaResult = "ok"
	QuotaResultError QuotaResult = "error"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup reused a cached value.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no cached value was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the cache entry was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreEvicted indicates the store displaced the oldest entry to
	// stay inside the capacity ceiling.
	CacheStoreEvicted CacheStoreOutcome = "evicted"
)

// Cache label values for the two gate caches.
const (
	CacheAccess  = "access"
	CacheContext = "context"
)

// Breaker states exported on the quota breaker gauge.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Recorder publishes Prometheus metrics for limiter and cache activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	limiterChecks  *prometheus.CounterVec
	limiterLatency *prometheus.HistogramVec

	quotaOperations *prometheus.CounterVec
	quotaFallbacks  *prometheus.CounterVec
	breakerState    prometheus.Gauge

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	cacheEntries    *prometheus.GaugeVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	limiterChecks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wwgate",
		Subsystem: "limiter",
		Name:      "checks_total",
		Help:      "Rate limit checks evaluated by the gateway.",
	}, []string{"bucket", "strategy", "outcome"})

	limiterLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wwgate",
		Subsystem: "limiter",
		Name:      "check_duration_seconds",
		Help:      "Latency distribution for completed rate limit checks.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"bucket", "outcome"})

	quotaOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wwgate",
		Subsystem: "quota",
		Name:      "operations_total",
		Help:      "Quota store operations grouped by backend and result.",
	}, []string{"backend", "operation", "result"})

	quotaFallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wwgate",
		Subsystem: "quota",
		Name:      "fallbacks_total",
		Help:      "Calls served by the in-process backend after the distributed backend failed.",
	}, []string{"reason"})

	breakerState := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wwgate",
		Subsystem: "quota",
		Name:      "breaker_state",
		Help:      "Circuit breaker state guarding the distributed backend (0 closed, 1 half-open, 2 open).",
	})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wwgate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Access and context cache operations executed by the gateway.",
	}, []string{"cache", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wwgate",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"cache", "operation", "result"})

	cacheEntries := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wwgate",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Live entry count per cache.",
	}, []string{"cache"})

	reg.MustRegister(limiterChecks, limiterLatency, quotaOperations, quotaFallbacks, breakerState, cacheOperations, cacheLatency, cacheEntries)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		limiterChecks:   limiterChecks,
		limiterLatency:  limiterLatency,
		quotaOperations: quotaOperations,
		quotaFallbacks:  quotaFallbacks,
		breakerState:    breakerState,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		cacheEntries:    cacheEntries,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCheck records the outcome and latency for a completed rate limit check.
func (r *Recorder) ObserveCheck(bucket, strategy string, outcome CheckOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	bucketLabel := normalizeLabel(bucket)
	strategyLabel := normalizeLabel(strategy)
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(CheckFailOpen)
	}
	r.limiterChecks.WithLabelValues(bucketLabel, strategyLabel, outcomeLabel).Inc()
	r.limiterLatency.WithLabelValues(bucketLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveQuotaOperation records one quota store call against a backend.
func (r *Recorder) ObserveQuotaOperation(backend string, operation QuotaOperation, result QuotaResult) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(QuotaOperationIncrement)
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(QuotaResultError)
	}
	r.quotaOperations.WithLabelValues(normalizeLabel(backend), opLabel, resultLabel).Inc()
}

// ObserveQuotaFallback records a call that degraded to the in-process backend.
func (r *Recorder) ObserveQuotaFallback(reason string) {
	if r == nil {
		return
	}
	r.quotaFallbacks.WithLabelValues(normalizeLabel(reason)).Inc()
}

// SetBreakerState publishes the distributed backend's breaker state.
func (r *Recorder) SetBreakerState(state int) {
	if r == nil {
		return
	}
	r.breakerState.Set(float64(state))
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(cache string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(normalizeLabel(cache), "lookup", resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(cache string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreStored)
	}
	r.observeCache(normalizeLabel(cache), "store", resultLabel, duration)
}

// ObserveCacheInvalidate records an invalidation pass over a cache.
func (r *Recorder) ObserveCacheInvalidate(cache string, duration time.Duration) {
	if r == nil {
		return
	}
	r.observeCache(normalizeLabel(cache), "invalidate", "ok", duration)
}

// ObserveContextBuild records a context build triggered by a cache miss.
func (r *Recorder) ObserveContextBuild(result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.observeCache(CacheContext, "build", normalizeLabel(result), duration)
}

// SetCacheEntries publishes the live entry count for a cache.
func (r *Recorder) SetCacheEntries(cache string, entries int) {
	if r == nil {
		return
	}
	r.cacheEntries.WithLabelValues(normalizeLabel(cache)).Set(float64(entries))
}

func (r *Recorder) observeCache(cache, operation, result string, duration time.Duration) {
	r.cacheOperations.WithLabelValues(cache, operation, result).Inc()
	r.cacheLatency.WithLabelValues(cache, operation, result).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
