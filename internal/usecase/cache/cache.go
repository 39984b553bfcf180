// Package cache is the orchestrator's response cache: bounded, TTL-based,
// evicting the oldest insertion when full.
package cache

import (
	"container/list"
	"sync"
	"time"

	"relaycore/internal/domain"
)

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// Cache maps request keys to responses. Safe for concurrent use.
type Cache struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	order   *list.List // front = oldest insertion
	entries map[string]*list.Element

	hits, misses, evictions, expired int64
}

// New creates a cache holding at most maxSize entries for ttl each.
// A nil clock uses time.Now.
func New(maxSize int, ttl time.Duration, clock func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		now:     clock,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Get returns the live value for key. Expired entries are removed on read.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.removeLocked(el)
		c.expired++
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key. Overwriting refreshes the expiry and moves
// the entry to the back of the eviction order.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp := c.now().Add(c.ttl)
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.value, e.expiresAt = value, exp
		c.order.MoveToBack(el)
		return
	}
	for c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
		c.evictions++
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, value: value, expiresAt: exp})
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if ok {
		c.removeLocked(el)
	}
	return ok
}

// Sweep removes every expired entry and returns how many it removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*entry).expiresAt) {
			c.removeLocked(el)
			n++
		}
		el = next
	}
	c.expired += int64(n)
	return n
}

// Len returns the number of stored entries, including not-yet-swept expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns counters since creation.
func (c *Cache) Stats() domain.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.CacheStats{
		Entries:   c.order.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	delete(c.entries, el.Value.(*entry).key)
	c.order.Remove(el)
}
