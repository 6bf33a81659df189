// Package ttlcache is a small expiring map with a hard entry cap.
//
// Expiry is evaluated lazily on access; there is no background janitor.
// When the cap is reached, expired entries are dropped first and then the
// entry closest to expiry is evicted.
package ttlcache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	val     V
	expires time.Time
}

// Cache is safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	now   func() time.Time
	items map[K]entry[V]
}

// New returns a cache whose entries live for ttl. max <= 0 means unbounded.
func New[K comparable, V any](ttl time.Duration, max int) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:   ttl,
		max:   max,
		now:   time.Now,
		items: map[K]entry[V]{},
	}
}

// WithClock replaces the time source. Intended for tests.
func (c *Cache[K, V]) WithClock(now func() time.Time) *Cache[K, V] {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

// SetTTL changes the lifetime of entries inserted from now on.
func (c *Cache[K, V]) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

func (c *Cache[K, V]) TTL() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl
}

// Get returns the live value for k. Expired entries are removed on the way.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[k]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expires) {
		delete(c.items, k)
		var zero V
		return zero, false
	}
	return e.val, true
}

func (c *Cache[K, V]) Has(k K) bool {
	_, ok := c.Get(k)
	return ok
}

// Set stores v under k for the configured ttl.
func (c *Cache[K, V]) Set(k K, v V) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	until := c.now().Add(c.ttl)
	c.setLocked(k, v, until)
	return until
}

// SetUntil stores v under k with an explicit expiry.
func (c *Cache[K, V]) SetUntil(k K, v V, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(k, v, until)
}

func (c *Cache[K, V]) setLocked(k K, v V, until time.Time) {
	if _, exists := c.items[k]; !exists && c.max > 0 && len(c.items) >= c.max {
		c.pruneLocked(c.now())
		for len(c.items) >= c.max {
			c.evictSoonestLocked()
		}
	}
	c.items[k] = entry[V]{val: v, expires: until}
}

func (c *Cache[K, V]) Delete(k K) {
	c.mu.Lock()
	delete(c.items, k)
	c.mu.Unlock()
}

// Len reports the number of live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return len(c.items)
}

func (c *Cache[K, V]) pruneLocked(now time.Time) {
	for k, e := range c.items {
		if !now.Before(e.expires) {
			delete(c.items, k)
		}
	}
}

func (c *Cache[K, V]) evictSoonestLocked() {
	var (
		minKey K
		minT   time.Time
		set    bool
	)
	for k, e := range c.items {
		if !set || e.expires.Before(minT) {
			minKey, minT, set = k, e.expires, true
		}
	}
	if set {
		delete(c.items, minKey)
	}
}
