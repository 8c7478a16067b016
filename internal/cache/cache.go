// Package cache provides a bounded, expiring key-value store used for
// short-lived dispatch state such as redelivery de-duplication and
// per-session streaming state.
package cache

import (
	"sync"
	"time"
)

const defaultSweepEvery = 128

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache is a size-capped TTL map. Entries expire after the TTL and the
// oldest-inserted entries are evicted once the cap is reached. Expired
// entries are reaped lazily: every sweepEvery mutating operations, and on
// any operation that pushes the size over the cap.
type Cache[V any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxSize    int
	sweepEvery int
	ops        int
	entries    map[string]entry[V]
	order      []string
	now        func() time.Time
}

// New creates a cache with the given TTL and maximum size.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache[V]{
		ttl:        ttl,
		maxSize:    maxSize,
		sweepEvery: defaultSweepEvery,
		entries:    map[string]entry[V]{},
		now:        time.Now,
	}
}

// Seen marks key and reports whether it was already present and unexpired.
// The first call for a key within the TTL returns false and records it.
func (c *Cache[V]) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if e, ok := c.entries[key]; ok && now.Sub(e.storedAt) < c.ttl {
		return true
	}
	var zero V
	c.put(key, zero, now)
	return false
}

// Get returns the unexpired value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.storedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, refreshing its timestamp.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(key, value, c.now())
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.dropOrder(key)
	}
	c.bump()
}

// dropOrder removes key's slot from the insertion-order list so a later
// re-insert starts a fresh slot instead of inheriting the old position.
func (c *Cache[V]) dropOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]entry[V]{}
	c.order = c.order[:0]
	c.ops = 0
}

// Len reports the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) put(key string, value V, now time.Time) {
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = entry[V]{value: value, storedAt: now}
	c.bump()
	if len(c.entries) > c.maxSize {
		c.sweep(now)
	}
}

// bump counts a mutating operation and sweeps on the configured cadence.
func (c *Cache[V]) bump() {
	c.ops++
	if c.ops >= c.sweepEvery {
		c.ops = 0
		c.sweep(c.now())
	}
}

// sweep drops expired entries, compacts the insertion-order list, then
// evicts oldest-inserted entries until the size fits the cap.
func (c *Cache[V]) sweep(now time.Time) {
	kept := c.order[:0]
	for _, key := range c.order {
		e, ok := c.entries[key]
		if !ok {
			continue
		}
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
	for len(c.entries) > c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}
