package cache

import (
	"sync"
)

// Cache is a small typed in-memory map guarded by a RWMutex. The worker uses
// it to track in-flight jobs keyed by job ID.
type Cache[T interface{}] struct {
	cache map[string]T
	mutex sync.RWMutex
}

func New[T interface{}]() *Cache[T] {
	return &Cache[T]{
		cache: make(map[string]T),
	}
}

func (c *Cache[T]) Remove(jobID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.cache, jobID)
}

func (c *Cache[T]) Get(jobID string) T {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	info, ok := c.cache[jobID]
	if ok {
		return info
	}
	var zero T
	return zero
}

func (c *Cache[T]) GetKeys() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	keys := make([]string, 0, len(c.cache))
	for k := range c.cache {
		keys = append(keys, k)
	}
	return keys
}

func (c *Cache[T]) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.cache)
}

func (c *Cache[T]) Store(jobID string, value T) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache[jobID] = value
}
