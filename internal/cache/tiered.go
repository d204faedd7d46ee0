package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/swiftmile/featureserve/internal/model"
)

// Tiered reads through L1 (local) then L2 (shared), promoting L2 hits into
// L1 with the value's remaining lifetime. Writes go to both tiers. An L2
// failure degrades to L1-only behavior rather than failing the request.
type Tiered struct {
	l1      *Local
	l2      Cache
	stats   counters
	nowFunc func() time.Time
}

// NewTiered composes the two cache tiers. l2 may be nil when running
// without a shared cache.
func NewTiered(l1 *Local, l2 Cache) *Tiered {
	return &Tiered{l1: l1, l2: l2, nowFunc: time.Now}
}

// WithNow sets a fixed clock for testing.
func (t *Tiered) WithNow(now func() time.Time) *Tiered {
	t.nowFunc = now
	return t
}

// Get checks L1, then L2.
func (t *Tiered) Get(ctx context.Context, key Key) (*model.ResolvedFeature, bool, error) {
	if rf, ok, err := t.l1.Get(ctx, key); err == nil && ok {
		t.stats.hit()
		return rf, true, nil
	}
	if t.l2 == nil {
		t.stats.miss()
		return nil, false, nil
	}

	rf, ok, err := t.l2.Get(ctx, key)
	if err != nil {
		zap.L().Warn("cache: shared tier read failed", zap.String("key", key.String()), zap.Error(err))
		t.stats.miss()
		return nil, false, nil
	}
	if !ok {
		t.stats.miss()
		return nil, false, nil
	}
	t.stats.hit()

	// Promote into L1 for the value's remaining lifetime.
	if remaining := rf.ExpiresAt.Sub(t.nowFunc()); remaining > 0 {
		_ = t.l1.Set(ctx, key, rf, remaining)
	}
	return rf, true, nil
}

// Set writes both tiers.
func (t *Tiered) Set(ctx context.Context, key Key, rf *model.ResolvedFeature, ttl time.Duration) error {
	if err := t.l1.Set(ctx, key, rf, ttl); err != nil {
		return err
	}
	if t.l2 == nil {
		return nil
	}
	if err := t.l2.Set(ctx, key, rf, ttl); err != nil {
		zap.L().Warn("cache: shared tier write failed", zap.String("key", key.String()), zap.Error(err))
	}
	return nil
}

// Stats counts logical lookups: a read that misses L1 but hits L2 is one
// hit, and a full read-through miss is one miss. Per-tier counters stay
// available on the tiers themselves.
func (t *Tiered) Stats() Stats {
	return t.stats.snapshot()
}
