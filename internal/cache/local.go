package cache

import (
	"context"
	"sync"
	"time"

	"github.com/swiftmile/featureserve/internal/model"
)

const defaultMaxEntries = 50000

type localEntry struct {
	rf        *model.ResolvedFeature
	expiresAt time.Time
}

// Local is the in-process cache tier. Expired entries are swept by a
// background janitor; Get also checks expiry so a sweep lag never serves
// a stale value.
type Local struct {
	mu         sync.RWMutex
	items      map[string]localEntry
	maxEntries int
	counters   counters
	nowFunc    func() time.Time
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewLocal creates a local cache and starts its janitor.
func NewLocal(maxEntries int, sweepInterval time.Duration) *Local {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	c := &Local{
		items:      make(map[string]localEntry),
		maxEntries: maxEntries,
		nowFunc:    time.Now,
		stop:       make(chan struct{}),
	}
	go c.janitor(sweepInterval)
	return c
}

// WithNow sets a fixed clock for testing.
func (c *Local) WithNow(now func() time.Time) *Local {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nowFunc = now
	return c
}

// Get returns a live cached value.
func (c *Local) Get(_ context.Context, key Key) (*model.ResolvedFeature, bool, error) {
	c.mu.RLock()
	entry, ok := c.items[key.String()]
	now := c.nowFunc()
	c.mu.RUnlock()

	if !ok || now.After(entry.expiresAt) {
		c.counters.miss()
		return nil, false, nil
	}
	c.counters.hit()
	return entry.rf, true, nil
}

// Set stores a value under its TTL. At capacity, one expired or arbitrary
// entry is evicted; the map never grows unbounded.
func (c *Local) Set(_ context.Context, key Key, rf *model.ResolvedFeature, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) >= c.maxEntries {
		c.evictOneLocked()
	}
	c.items[key.String()] = localEntry{rf: rf, expiresAt: c.nowFunc().Add(ttl)}
	return nil
}

// Stats reports hit/miss counts.
func (c *Local) Stats() Stats { return c.counters.snapshot() }

// Len reports the current entry count.
func (c *Local) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the janitor.
func (c *Local) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Local) evictOneLocked() {
	now := c.nowFunc()
	for k, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, k)
			return
		}
	}
	for k := range c.items {
		delete(c.items, k)
		return
	}
}

func (c *Local) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Local) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	for k, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, k)
		}
	}
}
