// Package cache is a bounded, TTL-expiring cache used as an advisory accelerant.
// Nothing here is ever authoritative: callers must be correct on a miss.
package cache

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
)

// Cache evicts the oldest written entry once capacity is reached. Reads do not
// refresh an entry, and expired entries are treated as misses.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	items lru.BasicLRU[K, entry[V]]
	nowFn func() time.Time

	hits   uint64
	misses uint64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New returns a cache holding at most capacity entries for ttl each. A zero ttl never expires.
func New[K comparable, V any](capacity int, ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:   ttl,
		items: lru.NewBasicLRU[K, entry[V]](capacity),
		nowFn: time.Now,
	}
}

// WithClock replaces the clock, for tests.
func (c *Cache[K, V]) WithClock(nowFn func() time.Time) *Cache[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nowFn = nowFn
	return c
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items.Peek(key)
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	if c.ttl > 0 && !c.nowFn().Before(e.expiresAt) {
		c.items.Remove(key)
		c.misses++
		var zero V
		return zero, false
	}

	c.hits++
	return e.value, true
}

// Add inserts or overwrites key. Overwriting counts as a fresh write.
func (c *Cache[K, V]) Add(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items.Remove(key)
	c.items.Add(key, entry[V]{value: value, expiresAt: c.nowFn().Add(c.ttl)})
}

func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Remove(key)
}

func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Purge()
}

// Len includes expired entries that were not read since expiring.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

func (c *Cache[K, V]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
