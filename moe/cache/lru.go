// Package cache stores final responses keyed by a stable query fingerprint,
// with TTL expiry, bounded LRU eviction, single-flight build slots, and
// optional sqlite write-through so restarts come up warm.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRU is a generic least-recently-used cache with per-entry TTL.
// A capacity of 0 means unbounded. Safe for concurrent use.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	entries  map[K]*lruEntry[K, V]
	order    *list.List
	capacity int
}

type lruEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
	element   *list.Element
}

// NewLRU creates a cache holding at most capacity entries (0 = unbounded).
func NewLRU[K comparable, V any](capacity int) *LRU[K, V] {
	return &LRU[K, V]{
		entries:  make(map[K]*lruEntry[K, V]),
		order:    list.New(),
		capacity: capacity,
	}
}

// Get returns the live value for key, refreshing its recency. Expired
// entries are removed on access.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		c.remove(e)
		var zero V
		return zero, false
	}
	c.order.MoveToFront(e.element)
	return e.value, true
}

// Set stores value under key with the given TTL, evicting the least
// recently used entries beyond capacity.
func (c *LRU[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(e.element)
		return
	}

	for c.capacity > 0 && len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(*lruEntry[K, V]))
	}

	e := &lruEntry[K, V]{key: key, value: value, expiresAt: time.Now().Add(ttl)}
	e.element = c.order.PushFront(e)
	c.entries[key] = e
}

// Len returns the number of stored entries, expired ones included.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CleanupExpired removes expired entries and reports how many were dropped.
func (c *LRU[K, V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []*lruEntry[K, V]
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.remove(e)
	}
	return len(expired)
}

// remove must be called with the lock held.
func (c *LRU[K, V]) remove(e *lruEntry[K, V]) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}
