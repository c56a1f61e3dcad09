package ratelimit

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hopeoverture/worldweaver-gate/internal/clock"
	"github.com/hopeoverture/worldweaver-gate/internal/config"
	"github.com/hopeoverture/worldweaver-gate/internal/identity"
	"github.com/hopeoverture/worldweaver-gate/internal/metrics"
	"github.com/hopeoverture/worldweaver-gate/internal/quota"
)

type checkKey struct {
	kind string
	key  string
}

// Limiter evaluates requests against the compiled rule registry and the quota
// store. Each check is a stateless function of the external counters; the
// registry pointer is swapped atomically on limits reloads.
type Limiter struct {
	store    quota.Store
	registry atomic.Pointer[Registry]
	ips      *identity.ClientIPExtractor
	users    identity.Resolver
	clock    clock.Clock
	logger   *slog.Logger
	rec      *metrics.Recorder
}

// New constructs a Limiter. A nil users resolver keys every bucket on the
// client IP regardless of strategy.
func New(store quota.Store, registry *Registry, ips *identity.ClientIPExtractor, users identity.Resolver, clk clock.Clock, logger *slog.Logger, rec *metrics.Recorder) *Limiter {
	if ips == nil {
		ips, _ = identity.NewClientIPExtractor(nil)
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		store:  store,
		ips:    ips,
		users:  users,
		clock:  clk,
		logger: logger,
		rec:    rec,
	}
	l.registry.Store(registry)
	return l
}

// Swap replaces the active rule registry. In-flight checks finish against the
// registry they loaded.
func (l *Limiter) Swap(registry *Registry) {
	l.registry.Store(registry)
}

// Rules returns the active registry.
func (l *Limiter) Rules() *Registry {
	return l.registry.Load()
}

// Check evaluates the request and reports the governing bucket's outcome. A
// nil result means unthrottled: no bucket matched, or an internal failure was
// swallowed in favor of availability. Fixed windows admit a burst of up to
// twice the bucket maximum across a window boundary; that is an accepted
// property of the algorithm, not a defect.
func (l *Limiter) Check(r *http.Request) *Result {
	start := time.Now()

	registry := l.registry.Load()
	if registry == nil {
		return nil
	}
	bucketName, bucket, ok := registry.Match(r.Method, r.URL.Path)
	if !ok {
		l.rec.ObserveCheck("", "", metrics.CheckUnmatched, time.Since(start))
		return nil
	}

	strategy, keys := l.keysFor(r, bucketName, bucket.Strategy)
	limit := int64(bucket.MaxRequests)
	window := bucket.Window()

	var worst *Result
	for _, key := range keys {
		record, err := l.store.Increment(r.Context(), key.key, window)
		if err != nil {
			// Fail open: a broken counter must not turn into denied traffic.
			l.logger.Warn("rate limit check failed, allowing request",
				slog.String("bucket", bucketName),
				slog.String("strategy", strategy),
				slog.String("kind", key.kind),
				slog.Any("error", err))
			l.rec.ObserveCheck(bucketName, strategy, metrics.CheckFailOpen, time.Since(start))
			return nil
		}
		result := l.buildResult(bucketName, limit, record)
		if worst == nil || result.Remaining < worst.Remaining {
			worst = result
		}
		if !result.Allowed {
			// The denial is final for this check; later keys are not
			// incremented.
			worst = result
			break
		}
	}
	if worst == nil {
		return nil
	}

	if worst.Allowed {
		l.logger.Debug("rate limit check passed",
			slog.String("bucket", bucketName),
			slog.String("strategy", strategy),
			slog.Int64("count", worst.Count),
			slog.Int64("limit", worst.Limit),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path))
		l.rec.ObserveCheck(bucketName, strategy, metrics.CheckAllowed, time.Since(start))
		return worst
	}

	l.logger.Warn("rate limit exceeded",
		slog.String("bucket", bucketName),
		slog.String("strategy", strategy),
		slog.Int64("count", worst.Count),
		slog.Int64("limit", worst.Limit),
		slog.Int("retry_after", worst.RetryAfter),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path))
	l.rec.ObserveCheck(bucketName, strategy, metrics.CheckDenied, time.Since(start))
	return worst
}

// keysFor derives the storage keys for the bucket strategy. A request with no
// resolvable user silently degrades to its IP key.
func (l *Limiter) keysFor(r *http.Request, bucket, strategy string) (string, []checkKey) {
	ip := l.ips.ClientIP(r)
	ipKey := checkKey{kind: KindIP, key: Key(bucket, KindIP, ip)}

	switch strategy {
	case config.StrategyUser, config.StrategyCombined:
		id, ok := l.userID(r)
		if !ok {
			return config.StrategyIP, []checkKey{ipKey}
		}
		userKey := checkKey{kind: KindUser, key: Key(bucket, KindUser, id)}
		if strategy == config.StrategyUser {
			return config.StrategyUser, []checkKey{userKey}
		}
		return config.StrategyCombined, []checkKey{ipKey, userKey}
	default:
		return config.StrategyIP, []checkKey{ipKey}
	}
}

func (l *Limiter) userID(r *http.Request) (string, bool) {
	if l.users == nil {
		return "", false
	}
	return l.users.UserID(r)
}

func (l *Limiter) buildResult(bucket string, limit int64, record quota.Record) *Result {
	remaining := limit - record.Count
	if remaining < 0 {
		remaining = 0
	}
	result := &Result{
		Allowed:   record.Count <= limit,
		Bucket:    bucket,
		Limit:     limit,
		Count:     record.Count,
		Remaining: remaining,
		ResetAt:   record.ResetAt,
	}
	if !result.Allowed {
		millis := record.ResetAt - l.clock.Now().UnixMilli()
		retryAfter := int((millis + 999) / 1000)
		if retryAfter < 1 {
			retryAfter = 1
		}
		result.RetryAfter = retryAfter
	}
	return result
}
