package quota

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hopeoverture/worldweaver-gate/internal/metrics"
)

// Fallback reasons used in logs and metric labels.
const (
	FallbackReasonError       = "backend-error"
	FallbackReasonBreakerOpen = "breaker-open"
)

// BreakerConfig tunes the circuit guarding the distributed backend.
type BreakerConfig struct {
	Enabled             bool
	ConsecutiveFailures uint32
	Cooldown            time.Duration
}

// Failover serves quota operations from a distributed primary and degrades to
// the in-process store per call when the primary fails. Fixed windows are
// independent per backend, so switching backends for a single call never mixes
// state; it only grants that caller a fresh window. No error surfaces upward.
type Failover struct {
	primary  Store
	fallback Store
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	rec      *metrics.Recorder
}

// NewFailover wraps primary with a per-call memory fallback. With
// cfg.Enabled false the primary is called directly and every failure still
// degrades; the breaker only adds a shortcut that skips a backend already
// known to be down.
func NewFailover(primary, fallback Store, cfg BreakerConfig, logger *slog.Logger, rec *metrics.Recorder) *Failover {
	if logger == nil {
		logger = slog.Default()
	}

	f := &Failover{primary: primary, fallback: fallback, logger: logger, rec: rec}

	if cfg.Enabled {
		failures := cfg.ConsecutiveFailures
		if failures == 0 {
			failures = 5
		}
		cooldown := cfg.Cooldown
		if cooldown <= 0 {
			cooldown = 30 * time.Second
		}
		f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "quota-backend",
			Timeout: cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("quota breaker state changed",
					slog.String("circuit", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
				rec.SetBreakerState(breakerStateValue(to))
			},
		})
		rec.SetBreakerState(breakerStateValue(f.breaker.State()))
	}

	return f
}

func (f *Failover) Increment(ctx context.Context, key string, window time.Duration) (Record, error) {
	result, err := f.execute(func() (any, error) {
		return f.primary.Increment(ctx, key, window)
	})
	if err != nil {
		f.degrade("increment", err)
		return f.fallback.Increment(ctx, key, window)
	}
	return result.(Record), nil
}

func (f *Failover) Get(ctx context.Context, key string) (Record, bool, error) {
	type getResult struct {
		record Record
		found  bool
	}
	result, err := f.execute(func() (any, error) {
		record, found, err := f.primary.Get(ctx, key)
		return getResult{record: record, found: found}, err
	})
	if err != nil {
		f.degrade("get", err)
		return f.fallback.Get(ctx, key)
	}
	got := result.(getResult)
	return got.record, got.found, nil
}

func (f *Failover) Set(ctx context.Context, key string, record Record, ttl time.Duration) error {
	_, err := f.execute(func() (any, error) {
		return nil, f.primary.Set(ctx, key, record, ttl)
	})
	if err != nil {
		f.degrade("set", err)
		return f.fallback.Set(ctx, key, record, ttl)
	}
	return nil
}

// Delete removes the key from both backends: a counter degraded to memory
// must not survive an administrative reset of the primary.
func (f *Failover) Delete(ctx context.Context, key string) error {
	_, err := f.execute(func() (any, error) {
		return nil, f.primary.Delete(ctx, key)
	})
	if err != nil {
		f.degrade("delete", err)
	}
	return f.fallback.Delete(ctx, key)
}

func (f *Failover) Close(ctx context.Context) error {
	err := f.primary.Close(ctx)
	if ferr := f.fallback.Close(ctx); err == nil {
		err = ferr
	}
	return err
}

func (f *Failover) execute(fn func() (any, error)) (any, error) {
	if f.breaker == nil {
		return fn()
	}
	return f.breaker.Execute(fn)
}

func (f *Failover) degrade(op string, err error) {
	reason := FallbackReasonError
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		reason = FallbackReasonBreakerOpen
	}
	f.logger.Warn("quota backend unavailable, serving from memory",
		slog.String("op", op),
		slog.String("reason", reason),
		slog.Any("error", err))
	f.rec.ObserveQuotaFallback(reason)
}

func breakerStateValue(state gobreaker.State) int {
	switch state {
	case gobreaker.StateOpen:
		return metrics.BreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.BreakerHalfOpen
	default:
		return metrics.BreakerClosed
	}
}
