package cache

import (
	"context"
	"sync"
	"time"
)

const (
	memoryDefaultTTL      = time.Hour
	memoryCleanupInterval = 5 * time.Minute
)

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache. It is safe for concurrent use; expired
// entries are dropped on access and by a periodic sweep.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem
	now   func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache starts the sweep goroutine, which stops when ctx is done or
// Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memItem),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	go c.sweepLoop(ctx, memoryCleanupInterval)
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if !c.now().Before(item.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && cur.expiresAt.Equal(item.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return item.data, true
}

// Set stores a copy of value. A non-positive ttl means one hour.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = memoryDefaultTTL
	}
	data := make([]byte, len(value))
	copy(data, value)

	c.mu.Lock()
	c.items[key] = memItem{data: data, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()

	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len counts stored entries, including expired ones not yet swept.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the sweep goroutine. It is safe to call more than once.
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *MemoryCache) sweepLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) sweep() {
	now := c.now()

	c.mu.Lock()
	for k, v := range c.items {
		if !now.Before(v.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
