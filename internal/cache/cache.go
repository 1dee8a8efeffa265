package cache

import (
	"container/list"
	"sync"
)

// LRU is a concurrent-safe in-memory key-value store with least-recently-used
// eviction. A capacity of zero or less means the cache never evicts.
type LRU struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List

	accesses  int64
	hits      int64
	misses    int64
	evictions int64
}

type entry struct {
	key   string
	value any
}

// Stats is a point-in-time snapshot of cache effectiveness counters.
type Stats struct {
	Accesses  int64
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// HitRatio returns hits as a fraction of accesses, or 0 when the cache has
// never been read.
func (s Stats) HitRatio() float64 {
	if s.Accesses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Accesses)
}

// NewLRU creates and returns a new LRU with the given capacity.
func NewLRU(capacity int) *LRU {
	return &LRU{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get retrieves a value from the cache and marks it most recently used.
// It returns the value and true if the key exists, otherwise nil and false.
func (c *LRU) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.accesses++
	el, found := c.items[key]
	if !found {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Set adds or updates a value in the cache, evicting the least recently used
// entry if the cache is over capacity.
func (c *LRU) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, found := c.items[key]; found {
		el.Value.(*entry).value = value
		c.order.MoveToFront(el)
		return
	}

	c.items[key] = c.order.PushFront(&entry{key: key, value: value})

	if c.capacity > 0 && c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).key)
			c.evictions++
		}
	}
}

// Delete removes a value from the cache.
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, found := c.items[key]; found {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Len returns the number of entries currently held.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the cache's counters.
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Accesses:  c.accesses,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
	}
}
