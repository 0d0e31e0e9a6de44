// Package ttlcache is an in-memory key/value store with per-entry expiry.
// Expired entries are evicted lazily on read; there is no background sweep.
package ttlcache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache memoizes values by string key. A zero ttl means entries never expire.
type Cache[V any] struct {
	ttl   time.Duration
	now   func() time.Time
	items map[string]entry[V]
	mu    sync.Mutex
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func New[V any](ttl time.Duration, opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if ttl < 0 {
		ttl = 0
	}

	return &Cache[V]{
		ttl:   ttl,
		now:   o.now,
		items: make(map[string]entry[V]),
	}
}

// Set stores value stamped with the current time, replacing any previous entry.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = entry[V]{value: value, storedAt: c.now()}
}

// Get returns the stored value unless it has outlived the ttl, in which case
// the entry is removed and ok is false.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok {
		return zero, false
	}

	if c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl {
		delete(c.items, key)
		return zero, false
	}

	return e.value, true
}

// Has reports whether Get would succeed, with the same eviction side effect.
func (c *Cache[V]) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
}

func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]entry[V])
}

// Len counts stored entries, including expired ones not yet evicted.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}

func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}
