// Package quota tracks fixed-window request counters behind a storage
// abstraction with an in-process backend and an optional distributed backend
// speaking the Redis protocol. Keys arrive pre-hashed; backends never see raw
// client identifiers.
package quota

import (
	"context"
	"time"
)

// Backend names used in logs and metric labels.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Record is the state of one fixed-window counter. ResetAt is the window end
// as Unix epoch milliseconds.
type Record struct {
	Key     string `json:"key"`
	Count   int64  `json:"count"`
	ResetAt int64  `json:"resetAt"`
}

// Expired reports whether the record's window has closed at the given instant.
func (r Record) Expired(now time.Time) bool {
	return now.UnixMilli() > r.ResetAt
}

// Store tracks fixed-window counters keyed by hashed limit keys.
type Store interface {
	// Increment adds one to the counter for key. A missing or expired key
	// starts a fresh window of the given length with count 1; an active key
	// grows its count while the window end stays fixed.
	Increment(ctx context.Context, key string, window time.Duration) (Record, error)

	// Get reports the active record for key. Absent keys and closed windows
	// report found=false.
	Get(ctx context.Context, key string) (Record, bool, error)

	// Set overwrites the counter for key with the supplied ttl. A zero ttl is
	// derived from the record's ResetAt.
	Set(ctx context.Context, key string, record Record, ttl time.Duration) error

	// Delete removes the counter for key if present.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}
