package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftmile/featureserve/internal/cache"
	"github.com/swiftmile/featureserve/internal/resilience"
	"github.com/swiftmile/featureserve/internal/source"
)

func TestCollector_Snapshot(t *testing.T) {
	c := NewCollector()

	c.ObserveQuery("operational_store", 10*time.Millisecond, 1, nil)
	c.ObserveQuery("operational_store", 30*time.Millisecond, 2, nil)
	c.ObserveQuery("analytical_warehouse", 400*time.Millisecond, 0, errors.New("boom"))

	c.ObserveResolution(false, false, false)
	c.ObserveResolution(true, false, false)
	c.ObserveResolution(false, true, false)
	c.ObserveResolution(false, false, true)
	c.ObserveCoalesced()

	snap := c.Snapshot()
	assert.Equal(t, int64(4), snap.Resolutions)
	assert.Equal(t, int64(1), snap.Fallbacks)
	assert.Equal(t, int64(1), snap.Defaulted)
	assert.Equal(t, int64(1), snap.Failures)
	assert.Equal(t, int64(1), snap.Coalesced)
	assert.InDelta(t, 0.25, snap.FallbackRate(), 1e-9)
	assert.InDelta(t, 0.25, snap.DefaultedRate(), 1e-9)

	op := snap.Sources["operational_store"]
	assert.Equal(t, int64(2), op.Calls)
	assert.Equal(t, int64(0), op.Failures)
	assert.Equal(t, 20*time.Millisecond, op.AvgLatency)
	assert.Equal(t, 30*time.Millisecond, op.MaxLatency)
	assert.Equal(t, int64(3), op.Rows)

	wh := snap.Sources["analytical_warehouse"]
	assert.Equal(t, int64(1), wh.Failures)

	assert.Equal(t, []string{"analytical_warehouse", "operational_store"}, snap.SourceNames())
}

func TestCollector_CacheAndBreakers(t *testing.T) {
	c := NewCollector()
	c.WithCache(func() cache.Stats { return cache.Stats{Hits: 3, Misses: 1} })

	sb := resilience.NewSourceBreakers(resilience.BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	sb.Get("operational_store").Record(&source.ExecError{Kind: source.KindConnection, Err: errors.New("connection refused")})
	c.WithBreakers(sb)
	c.ObserveQuery("operational_store", time.Millisecond, 0, errors.New("x"))

	snap := c.Snapshot()
	assert.Equal(t, int64(3), snap.CacheHits)
	assert.Equal(t, int64(1), snap.CacheMisses)
	assert.InDelta(t, 0.75, snap.HitRate, 1e-9)
	assert.Equal(t, "open", snap.Sources["operational_store"].Circuit)
}

func TestAlerter_Evaluate(t *testing.T) {
	a := NewAlerter(AlerterConfig{FallbackRateThreshold: 0.2, DefaultedRateThreshold: 0.05})

	// Below the minimum volume no rate alerts fire.
	snap := &MetricsSnapshot{Resolutions: 10, Fallbacks: 9}
	assert.Empty(t, a.Evaluate(snap))

	snap = &MetricsSnapshot{Resolutions: 100, Fallbacks: 30, Defaulted: 10}
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertFallbackRate, alerts[0].Type)
	assert.Equal(t, AlertDefaultedRate, alerts[1].Type)

	snap = &MetricsSnapshot{
		Resolutions: 100,
		Sources:     map[string]SourceSnapshot{"operational_store": {Circuit: "open", Calls: 20, Failures: 6}},
	}
	alerts = a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCircuitOpen, alerts[0].Type)
	assert.Equal(t, "critical", alerts[0].Severity)
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		received = append(received, a)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(AlerterConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertCircuitOpen, Severity: "critical", Message: "circuit open"},
	})
	assert.Equal(t, 1, sent)
	require.Len(t, received, 1)
	assert.Equal(t, AlertCircuitOpen, received[0].Type)
}

func TestAlerter_NoWebhookLogsOnly(t *testing.T) {
	a := NewAlerter(AlerterConfig{})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertFallbackRate, Message: "x"}})
	assert.Equal(t, 0, sent)
}
