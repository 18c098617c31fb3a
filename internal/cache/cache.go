// Package cache provides the query cache used by both engines: TTL per entry
// and glob-pattern bulk invalidation (e.g. "ohlcv:BTC-USDT:*").
//
// Cache failures are never allowed to fail the surrounding operation; callers
// log the error and continue uncached.
package cache

import (
	"path"
	"sync"
	"time"
)

// Cache is the query-cache port shared by both engines.
type Cache interface {
	Get(key string) (any, bool, error)
	Set(key string, value any, ttl time.Duration) error
	// Invalidate removes every entry whose key matches any of the glob-like
	// patterns and returns the number of removed entries.
	Invalidate(patterns ...string) (int, error)
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Memory is an in-process Cache with per-entry TTL and lazy expiry.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry)}
}

func (m *Memory) Get(key string) (any, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		// Re-check under the write lock, a Set may have raced the expiry.
		if cur, ok := m.entries[key]; ok && time.Now().After(cur.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	m.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Invalidate(patterns ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.entries {
		for _, pattern := range patterns {
			ok, err := path.Match(pattern, key)
			if err != nil {
				return removed, err
			}
			if ok {
				delete(m.entries, key)
				removed++
				break
			}
		}
	}
	return removed, nil
}

// Len reports the number of live entries, expired ones included until touched.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Nop is a no-op Cache for tests and for running without a cache layer.
type Nop struct{}

func NewNop() Nop { return Nop{} }

func (Nop) Get(string) (any, bool, error)        { return nil, false, nil }
func (Nop) Set(string, any, time.Duration) error { return nil }
func (Nop) Invalidate(...string) (int, error)    { return 0, nil }
