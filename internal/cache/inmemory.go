package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oriys/snapcache/internal/pkg/clock"
)

// sweepInterval is how often expired entries are purged in the background.
const sweepInterval = 30 * time.Second

// InMemoryCache is a process-local backend: the default when no Redis
// endpoint is configured and the L1 tier of TieredCache. Entries leave only
// by expiry, Delete or overwrite.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry // nil once closed
	clock   clock.Clock
	stop    chan struct{}
}

type memEntry struct {
	value    []byte
	deadline time.Time // zero: no expiry
}

func (e memEntry) live(now time.Time) bool {
	return e.deadline.IsZero() || now.Before(e.deadline)
}

// NewInMemoryCache uses the wall clock.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithClock(nil)
}

// NewInMemoryCacheWithClock judges expiry against clk (nil: wall clock).
func NewInMemoryCacheWithClock(clk clock.Clock) *InMemoryCache {
	c := &InMemoryCache{
		entries: make(map[string]memEntry),
		clock:   clock.OrReal(clk),
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !e.live(c.clock.Now()) {
		return nil, ErrNotFound
	}
	return slices.Clone(e.value), nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memEntry{value: slices.Clone(value)}
	if ttl > 0 {
		e.deadline = c.clock.Now().Add(ttl)
	}
	c.mu.Lock()
	if c.entries != nil {
		c.entries[key] = e
	}
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache) Ping(context.Context) error { return nil }

// Len counts stored keys. Expired keys count until they are swept.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *InMemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		return nil
	}
	c.entries = nil
	close(c.stop)
	return nil
}

func (c *InMemoryCache) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.sweep()
		}
	}
}

// sweep drops every expired key.
func (c *InMemoryCache) sweep() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !e.live(now) {
			delete(c.entries, k)
		}
	}
}
