// Package expiry provides a small concurrency-safe map whose entries expire
// after a fixed TTL. It backs the docker response cache; expired entries are
// invisible to Get and reclaimed by the periodic Sweep.
package expiry

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value   V
	savedAt time.Time
}

// Map is a TTL-bounded key/value map safe for concurrent use.
type Map[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[K]entry[V]
}

func NewMap[K comparable, V any](ttl time.Duration) *Map[K, V] {
	return &Map[K, V]{
		ttl:     ttl,
		entries: make(map[K]entry[V]),
	}
}

// Get returns the value for key if it is still fresh.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || time.Since(e.savedAt) >= m.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key, restarting its lease.
func (m *Map[K, V]) Put(key K, value V) {
	m.mu.Lock()
	m.entries[key] = entry[V]{value: value, savedAt: time.Now()}
	m.mu.Unlock()
}

// Delete removes key regardless of freshness.
func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Sweep drops all expired entries and reports how many were removed.
func (m *Map[K, V]) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.entries {
		if time.Since(e.savedAt) >= m.ttl {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, including expired ones not yet
// swept.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
