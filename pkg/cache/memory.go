package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// Memory is an in-process Store. It is used for single runs without a
// persistent backend and in tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]models.CacheEntry
	ttl     time.Duration
	now     func() time.Time
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewMemory creates a Memory store. A zero ttl never expires entries.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		entries: make(map[string]models.CacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the clock used for staleness checks.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) stale(e models.CacheEntry) bool {
	return m.ttl > 0 && m.now().Sub(e.CreatedAt) > m.ttl
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (models.CacheEntry, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || m.stale(e) {
		m.misses.Add(1)
		return models.CacheEntry{}, false, nil
	}
	m.hits.Add(1)
	return e, true, nil
}

// PutIfAbsent implements Store.
func (m *Memory) PutIfAbsent(_ context.Context, key string, entry models.CacheEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && !m.stale(e) {
		return false, nil
	}
	entry.Key = key
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now().UTC()
	}
	m.entries[key] = entry
	return true, nil
}

// Stats implements Inspector.
func (m *Memory) Stats(_ context.Context) (models.CacheStats, error) {
	m.mu.RLock()
	n := len(m.entries)
	m.mu.RUnlock()
	return models.CacheStats{
		Entries: int64(n),
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
	}, nil
}

// Clear implements Inspector.
func (m *Memory) Clear(_ context.Context, expiredOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if !expiredOnly || m.stale(e) {
			delete(m.entries, k)
		}
	}
	return nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
