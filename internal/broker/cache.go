package broker

import (
	"sync"
	"time"
)

type ttlItem[V any] struct {
	v       V
	expires time.Time
}

// TTLCache is a small expiring map. Each entry carries its own deadline;
// callers decide per lookup whether to consult it.
type TTLCache[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]ttlItem[V]
	ttl   time.Duration

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

func NewTTLCache[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{items: map[K]ttlItem[V]{}, ttl: ttl}
}

func (c *TTLCache[K, V]) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *TTLCache[K, V]) Get(k K) (V, bool) {
	var zero V
	if c == nil || c.ttl <= 0 {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[k]
	if !ok {
		return zero, false
	}
	if !c.now().Before(it.expires) {
		delete(c.items, k)
		return zero, false
	}
	return it.v, true
}

func (c *TTLCache[K, V]) Set(k K, v V) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.items[k] = ttlItem[V]{v: v, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *TTLCache[K, V]) Invalidate(k K) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.items, k)
	c.mu.Unlock()
}

func (c *TTLCache[K, V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
