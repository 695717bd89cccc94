// Package dedup keeps a bounded record of processed event keys so redelivered
// events are skipped before any side effects run.
package dedup

import (
	"sync"
)

// DefaultCapacity is the processed-key cap when no limit is configured.
const DefaultCapacity = 512

// Cache is a bounded set of processed event keys with strict insertion-order
// eviction: when full, the oldest key is dropped first. A very old redelivery
// can therefore slip past the cache; that trade is accepted to keep memory
// bounded.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    []string
	members  map[string]struct{}
}

// NewCache creates a cache holding at most capacity keys.
func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		members:  make(map[string]struct{}, capacity),
	}
}

// IsDuplicate reports whether the key was already processed.
func (c *Cache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.members[key]
	return ok
}

// MarkProcessed records a key, evicting the oldest entry when full. Marking
// an already-present key is a no-op and does not refresh its position.
func (c *Cache) MarkProcessed(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[key]; ok {
		return
	}
	for len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.members, oldest)
	}
	c.order = append(c.order, key)
	c.members[key] = struct{}{}
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Keys returns the cached keys oldest first, for persistence.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, len(c.order))
	copy(keys, c.order)
	return keys
}

// Restore seeds the cache from persisted keys in oldest-first order.
func (c *Cache) Restore(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if _, ok := c.members[key]; ok {
			continue
		}
		for len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.members, oldest)
		}
		c.order = append(c.order, key)
		c.members[key] = struct{}{}
	}
}
