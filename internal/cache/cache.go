// Package cache stores resolved feature values keyed by (feature, entity
// id) with a TTL derived from the resolver's declared freshness
// requirement. Two tiers: a process-local map for the hottest keys and a
// shared Redis tier so replicas reuse each other's resolutions.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/swiftmile/featureserve/internal/model"
)

// Key identifies one cached value.
type Key struct {
	Feature  string
	EntityID string
}

// String renders the canonical cache key.
func (k Key) String() string {
	return "feature:" + k.Feature + ":" + k.EntityID
}

// Cache is the shared mutable structure of the engine. Reads and writes
// are independent per key; a fresher value supersedes rather than mutates.
type Cache interface {
	Get(ctx context.Context, key Key) (*model.ResolvedFeature, bool, error)
	Set(ctx context.Context, key Key, rf *model.ResolvedFeature, ttl time.Duration) error
	Stats() Stats
}

// Stats counts cache traffic for the monitoring collector.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) hit()  { c.hits.Add(1) }
func (c *counters) miss() { c.misses.Add(1) }

func (c *counters) snapshot() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
