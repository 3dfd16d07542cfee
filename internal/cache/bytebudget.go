package cache

import (
	"container/list"
	"sync"
)

// ByteBudgetCache caches byte payloads under a total byte budget instead of
// an entry count. Eviction walks insertion order until the cache fits the
// budget again. Payloads larger than the budget are rejected.
type ByteBudgetCache struct {
	cache  map[string]*byteEntry
	order  *list.List
	budget int64
	used   int64
	mu     sync.Mutex
}

type byteEntry struct {
	element *list.Element
	key     string
	data    []byte
}

// NewByteBudgetCache creates a cache bounded to budget bytes.
func NewByteBudgetCache(budget int64) *ByteBudgetCache {
	if budget <= 0 {
		budget = 100 * 1024 * 1024
	}
	return &ByteBudgetCache{
		cache:  make(map[string]*byteEntry),
		order:  list.New(),
		budget: budget,
	}
}

// Get returns the cached payload, if present.
func (c *ByteBudgetCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	return e.data, true
}

// Set stores a payload, evicting oldest insertions until under budget.
func (c *ByteBudgetCache) Set(key string, data []byte) {
	size := int64(len(data))
	if size > c.budget {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.cache[key]; ok {
		c.used += size - int64(len(e.data))
		e.data = data
	} else {
		e := &byteEntry{key: key, data: data}
		e.element = c.order.PushFront(e)
		c.cache[key] = e
		c.used += size
	}

	for c.used > c.budget {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		old := oldest.Value.(*byteEntry)
		c.order.Remove(oldest)
		delete(c.cache, old.key)
		c.used -= int64(len(old.data))
	}
}

// Remove drops a single entry.
func (c *ByteBudgetCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache[key]
	if !ok {
		return false
	}
	c.order.Remove(e.element)
	delete(c.cache, key)
	c.used -= int64(len(e.data))
	return true
}

// UsedBytes reports the current resident size.
func (c *ByteBudgetCache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Len reports the number of cached entries.
func (c *ByteBudgetCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
