package cache

import (
	"sync"
	"time"
)

// Item represents a cached item with expiration
type Item[V any] struct {
	Value      V
	Expiration int64
}

// Expired checks if the cache item has expired
func (item Item[V]) Expired(now int64) bool {
	return item.Expiration > 0 && now > item.Expiration
}

// Options configures a Cache
type Options struct {
	// TTL is the default expiration; zero keeps items forever
	TTL time.Duration
	// CleanupInterval runs a purge of expired items; zero disables the janitor
	CleanupInterval time.Duration
	// MaxItems bounds the cache; zero is unbounded
	MaxItems int
}

// Cache is a thread-safe in-memory cache with expiration and a size bound
type Cache[V any] struct {
	items     map[string]Item[V]
	mu        sync.RWMutex
	opts      Options
	onEvicted func(string, V)
	stop      chan struct{}
	stopOnce  sync.Once
}

// New creates a cache. Call Close to stop the cleanup goroutine.
func New[V any](opts Options) *Cache[V] {
	c := &Cache[V]{
		items: make(map[string]Item[V]),
		opts:  opts,
		stop:  make(chan struct{}),
	}

	if opts.CleanupInterval > 0 {
		go c.janitor()
	}

	return c
}

// Set adds an item to the cache with the default expiration
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithExpiration(key, value, c.opts.TTL)
}

// SetWithExpiration adds an item to the cache with a specific expiration time
func (c *Cache[V]) SetWithExpiration(key string, value V, d time.Duration) {
	var exp int64
	if d > 0 {
		exp = time.Now().Add(d).UnixNano()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.opts.MaxItems > 0 && len(c.items) >= c.opts.MaxItems {
		c.evictOldest()
	}

	c.items[key] = Item[V]{Value: value, Expiration: exp}
}

// Get retrieves an unexpired item from the cache
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, found := c.items[key]
	if !found || item.Expired(time.Now().UnixNano()) {
		var zero V
		return zero, false
	}
	return item.Value, true
}

// Delete removes an item from the cache
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, found := c.items[key]; found && c.onEvicted != nil {
		c.onEvicted(key, item.Value)
	}
	delete(c.items, key)
}

// Flush removes all items from the cache
func (c *Cache[V]) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for k, v := range c.items {
			c.onEvicted(k, v.Value)
		}
	}
	c.items = make(map[string]Item[V])
}

// Count returns the number of items in the cache (including expired items)
func (c *Cache[V]) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// SetOnEvicted sets the callback to be called when an item is evicted
func (c *Cache[V]) SetOnEvicted(f func(string, V)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvicted = f
}

// Close stops the cleanup goroutine
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache[V]) janitor() {
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache[V]) deleteExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	for k, v := range c.items {
		if v.Expired(now) {
			if c.onEvicted != nil {
				c.onEvicted(k, v.Value)
			}
			delete(c.items, k)
		}
	}
}

// evictOldest removes the item closest to expiry. Caller holds the lock.
func (c *Cache[V]) evictOldest() {
	var oldestKey string
	var oldest int64
	first := true

	for k, v := range c.items {
		// items without expiration are evicted last
		exp := v.Expiration
		if exp == 0 {
			exp = 1<<63 - 1
		}
		if first || exp < oldest {
			oldestKey, oldest, first = k, exp, false
		}
	}

	if first {
		return
	}
	if c.onEvicted != nil {
		c.onEvicted(oldestKey, c.items[oldestKey].Value)
	}
	delete(c.items, oldestKey)
}
