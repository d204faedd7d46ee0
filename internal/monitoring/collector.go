// Package monitoring gathers resolution and source telemetry into
// point-in-time snapshots, and alerts when degradation thresholds are
// breached.
package monitoring

import (
	"sort"
	"sync"
	"time"

	"github.com/swiftmile/featureserve/internal/cache"
	"github.com/swiftmile/featureserve/internal/resilience"
)

// sourceStats accumulates per-source call telemetry.
type sourceStats struct {
	calls      int64
	failures   int64
	totalLatNS int64
	maxLatNS   int64
	rows       int64
}

// Collector implements source.Telemetry and accumulates engine counters.
// One instance is shared by all source clients and the engine.
type Collector struct {
	mu      sync.Mutex
	sources map[string]*sourceStats

	resolved   int64
	fallbacks  int64
	defaulted  int64
	failures   int64
	coalesced  int64
	cacheStats func() cache.Stats
	breakers   *resilience.SourceBreakers
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{sources: make(map[string]*sourceStats)}
}

// WithCache wires the cache layer's counters into snapshots.
func (c *Collector) WithCache(stats func() cache.Stats) *Collector {
	c.cacheStats = stats
	return c
}

// WithBreakers wires circuit breaker states into snapshots.
func (c *Collector) WithBreakers(sb *resilience.SourceBreakers) *Collector {
	c.breakers = sb
	return c
}

// ObserveQuery records one backing-store call.
func (c *Collector) ObserveQuery(sourceID string, latency time.Duration, rows int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.sources[sourceID]
	if st == nil {
		st = &sourceStats{}
		c.sources[sourceID] = st
	}
	st.calls++
	st.totalLatNS += latency.Nanoseconds()
	if latency.Nanoseconds() > st.maxLatNS {
		st.maxLatNS = latency.Nanoseconds()
	}
	if err != nil {
		st.failures++
		return
	}
	st.rows += int64(rows)
}

// ObserveResolution records the outcome of one feature resolution.
func (c *Collector) ObserveResolution(viaFallback, defaulted, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved++
	if viaFallback {
		c.fallbacks++
	}
	if defaulted {
		c.defaulted++
	}
	if failed {
		c.failures++
	}
}

// ObserveCoalesced records a request that piggybacked on an in-flight
// resolution for the same key.
func (c *Collector) ObserveCoalesced() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coalesced++
}

// SourceSnapshot is the per-source view inside a MetricsSnapshot.
type SourceSnapshot struct {
	Calls      int64         `json:"calls"`
	Failures   int64         `json:"failures"`
	AvgLatency time.Duration `json:"avg_latency"`
	MaxLatency time.Duration `json:"max_latency"`
	Rows       int64         `json:"rows"`
	Circuit    string        `json:"circuit,omitempty"`
}

// MetricsSnapshot holds a point-in-time view of engine health.
type MetricsSnapshot struct {
	Resolutions int64 `json:"resolutions"`
	Fallbacks   int64 `json:"fallbacks"`
	Defaulted   int64 `json:"defaulted"`
	Failures    int64 `json:"failures"`
	Coalesced   int64 `json:"coalesced"`

	CacheHits   int64   `json:"cache_hits"`
	CacheMisses int64   `json:"cache_misses"`
	HitRate     float64 `json:"cache_hit_rate"`

	Sources map[string]SourceSnapshot `json:"sources"`

	CollectedAt time.Time `json:"collected_at"`
}

// FallbackRate is the share of resolutions served below priority 0.
func (s *MetricsSnapshot) FallbackRate() float64 {
	if s.Resolutions == 0 {
		return 0
	}
	return float64(s.Fallbacks) / float64(s.Resolutions)
}

// DefaultedRate is the share of resolutions served by declared defaults.
func (s *MetricsSnapshot) DefaultedRate() float64 {
	if s.Resolutions == 0 {
		return 0
	}
	return float64(s.Defaulted) / float64(s.Resolutions)
}

// SourceNames returns snapshot source ids, sorted.
func (s *MetricsSnapshot) SourceNames() []string {
	names := make([]string, 0, len(s.Sources))
	for name := range s.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot builds a point-in-time metrics view.
func (c *Collector) Snapshot() *MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &MetricsSnapshot{
		Resolutions: c.resolved,
		Fallbacks:   c.fallbacks,
		Defaulted:   c.defaulted,
		Failures:    c.failures,
		Coalesced:   c.coalesced,
		Sources:     make(map[string]SourceSnapshot, len(c.sources)),
		CollectedAt: time.Now().UTC(),
	}

	var circuits map[string]resilience.CircuitState
	if c.breakers != nil {
		circuits = c.breakers.States()
	}

	for id, st := range c.sources {
		ss := SourceSnapshot{
			Calls:      st.calls,
			Failures:   st.failures,
			MaxLatency: time.Duration(st.maxLatNS),
			Rows:       st.rows,
		}
		if st.calls > 0 {
			ss.AvgLatency = time.Duration(st.totalLatNS / st.calls)
		}
		if state, ok := circuits[id]; ok {
			ss.Circuit = state.String()
		}
		snap.Sources[id] = ss
	}

	if c.cacheStats != nil {
		stats := c.cacheStats()
		snap.CacheHits = stats.Hits
		snap.CacheMisses = stats.Misses
		if total := stats.Hits + stats.Misses; total > 0 {
			snap.HitRate = float64(stats.Hits) / float64(total)
		}
	}

	return snap
}
