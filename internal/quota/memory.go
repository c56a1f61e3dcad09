package quota

import (
	"context"
	"sync"
	"time"

	"github.com/hopeoverture/worldweaver-gate/internal/clock"
	"github.com/hopeoverture/worldweaver-gate/internal/metrics"
)

type memoryEntry struct {
	record Record
	timer  *time.Timer
}

// Memory is the in-process quota backend: a bounded map guarded by a mutex.
// Every entry arms a best-effort removal timer for its window end; lazy expiry
// on access stays authoritative so a late timer can never resurrect a window.
type Memory struct {
	maxEntries int
	clock      clock.Clock
	rec        *metrics.Recorder

	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemory constructs the in-process backend. maxEntries bounds the map;
// values at or below zero fall back to a default ceiling.
func NewMemory(maxEntries int, clk clock.Clock, rec *metrics.Recorder) *Memory {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Memory{
		maxEntries: maxEntries,
		clock:      clk,
		rec:        rec,
		entries:    make(map[string]*memoryEntry),
	}
}

func (m *Memory) Increment(_ context.Context, key string, window time.Duration) (Record, error) {
	if window <= 0 {
		window = time.Second
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		if !entry.record.Expired(now) {
			entry.record.Count++
			m.rec.ObserveQuotaOperation(BackendMemory, metrics.QuotaOperationIncrement, metrics.QuotaResultOK)
			return entry.record, nil
		}
		m.removeLocked(key)
	} else if len(m.entries) >= m.maxEntries {
		m.evictLocked(now)
	}

	record := Record{Key: key, Count: 1, ResetAt: now.Add(window).UnixMilli()}
	m.insertLocked(key, record, window)
	m.rec.ObserveQuotaOperation(BackendMemory, metrics.QuotaOperationIncrement, metrics.QuotaResultOK)
	return record, nil
}

func (m *Memory) Get(_ context.Context, key string) (Record, bool, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		m.rec.ObserveQuotaOperation(BackendMemory, metrics.QuotaOperationGet, metrics.QuotaResultOK)
		return Record{}, false, nil
	}
	if entry.record.Expired(now) {
		m.removeLocked(key)
		m.rec.ObserveQuotaOperation(BackendMemory, metrics.QuotaOperationGet, metrics.QuotaResultOK)
		return Record{}, false, nil
	}
	m.rec.ObserveQuotaOperation(BackendMemory, metrics.QuotaOperationGet, metrics.QuotaResultOK)
	return entry.record, true, nil
}

func (m *Memory) Set(_ context.Context, key string, record Record, ttl time.Duration) error {
	now := m.clock.Now()
	if ttl <= 0 {
		ttl = time.UnixMilli(record.ResetAt).Sub(now)
	}
	if ttl <= 0 {
		// Window already closed, nothing worth storing.
		m.rec.ObserveQuotaOperation(BackendMemory, metrics.QuotaOperationSet, metrics.QuotaResultOK)
		return nil
	}
	record.Key = key
	if record.ResetAt == 0 {
		record.ResetAt = now.Add(ttl).UnixMilli()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; ok {
		m.removeLocked(key)
	} else if len(m.entries) >= m.maxEntries {
		m.evictLocked(now)
	}
	m.insertLocked(key, record, ttl)
	m.rec.ObserveQuotaOperation(BackendMemory, metrics.QuotaOperationSet, metrics.QuotaResultOK)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key)
	m.rec.ObserveQuotaOperation(BackendMemory, metrics.QuotaOperationDelete, metrics.QuotaResultOK)
	return nil
}

func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		m.removeLocked(key)
	}
	return nil
}

// Len reports the live entry count.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) insertLocked(key string, record Record, ttl time.Duration) {
	entry := &memoryEntry{record: record}
	resetAt := record.ResetAt
	entry.timer = time.AfterFunc(ttl, func() {
		m.expire(key, resetAt)
	})
	m.entries[key] = entry
}

// expire is the timer callback. The resetAt guard keeps a stale timer from
// deleting a window that replaced the one it was armed for.
func (m *Memory) expire(key string, resetAt int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || entry.record.ResetAt != resetAt {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(m.entries, key)
}

// evictLocked makes room for one insert: closed windows go first, then the
// entry with the earliest window end.
func (m *Memory) evictLocked(now time.Time) {
	for key, entry := range m.entries {
		if entry.record.Expired(now) {
			m.removeLocked(key)
		}
	}
	if len(m.entries) < m.maxEntries {
		return
	}
	var oldestKey string
	var oldestReset int64
	for key, entry := range m.entries {
		if oldestKey == "" || entry.record.ResetAt < oldestReset {
			oldestKey = key
			oldestReset = entry.record.ResetAt
		}
	}
	if oldestKey != "" {
		m.removeLocked(oldestKey)
	}
}

func (m *Memory) removeLocked(key string) {
	entry, ok := m.entries[key]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(m.entries, key)
}
