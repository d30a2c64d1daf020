// Package cache holds slow-changing query results in memory so the API does
// not hit Postgres on every read. grantflowd uses it for the source list,
// which the dashboard polls far more often than sources change.
package cache

import (
	"sync"
	"time"
)

// Fallbacks for zero-valued Options.
const (
	DefaultTTL        = 30 * time.Second
	DefaultMaxEntries = 1000
)

// Options configures a Cache.
type Options struct {
	TTL        time.Duration // per-entry lifetime; zero means DefaultTTL
	MaxEntries int           // capacity before eviction; zero means DefaultMaxEntries
}

type record[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a mutex-guarded map with per-entry expiry and a hard entry cap.
// At capacity, expired records are dropped first; if the cache is still full,
// the entry inserted longest ago goes.
type Cache[K comparable, V any] struct {
	mu         sync.RWMutex
	records    map[K]record[V]
	inserted   []K
	ttl        time.Duration
	maxEntries int
}

// New creates a Cache, applying the default TTL and capacity where opts
// leaves them zero.
func New[K comparable, V any](opts Options) *Cache[K, V] {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	max := opts.MaxEntries
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Cache[K, V]{
		records:    map[K]record[V]{},
		ttl:        ttl,
		maxEntries: max,
	}
}

// Get returns the live value for key. Expired records read as absent and are
// dropped on the way out.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	rec, ok := c.records[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if time.Now().After(rec.expiresAt) {
		c.mu.Lock()
		c.drop(key)
		c.mu.Unlock()
		return zero, false
	}
	return rec.value, true
}

// Set writes key with a fresh TTL. Overwriting an existing key keeps its
// insertion position and never triggers eviction.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := record[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
	if _, exists := c.records[key]; exists {
		c.records[key] = rec
		return
	}

	if len(c.records) >= c.maxEntries {
		c.sweepExpired()
	}
	if len(c.records) >= c.maxEntries && len(c.inserted) > 0 {
		c.drop(c.inserted[0])
	}

	c.records[key] = rec
	c.inserted = append(c.inserted, key)
}

// Delete removes one entry; absent keys are a no-op.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop(key)
}

// Clear empties the cache. Mutating handlers call this so the next read
// observes their write.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = map[K]record[V]{}
	c.inserted = c.inserted[:0]
}

// Len counts current entries, expired-but-unswept ones included.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// drop removes key from the map and the insertion list. Caller holds mu.
func (c *Cache[K, V]) drop(key K) {
	if _, ok := c.records[key]; !ok {
		return
	}
	delete(c.records, key)
	for i, k := range c.inserted {
		if k == key {
			c.inserted = append(c.inserted[:i], c.inserted[i+1:]...)
			return
		}
	}
}

// sweepExpired removes every expired record. Caller holds mu.
func (c *Cache[K, V]) sweepExpired() {
	now := time.Now()
	kept := c.inserted[:0]
	for _, k := range c.inserted {
		if rec, ok := c.records[k]; ok && now.After(rec.expiresAt) {
			delete(c.records, k)
			continue
		}
		kept = append(kept, k)
	}
	c.inserted = kept
}
