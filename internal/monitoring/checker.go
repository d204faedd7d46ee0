package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/swiftmile/featureserve/internal/source"
)

// Checker runs periodic health and degradation checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	clients   map[string]source.Client
	interval  time.Duration
}

// NewChecker creates a background checker over the engine's sources.
func NewChecker(collector *Collector, alerter *Alerter, clients map[string]source.Client, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		clients:   clients,
		interval:  interval,
	}
}

// HealthCheck pings every source client and reports per-source status.
func (c *Checker) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error, len(c.clients))
	for id, client := range c.clients {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		results[id] = client.Ping(pingCtx)
		cancel()
	}
	return results
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting checker", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	for id, err := range c.HealthCheck(ctx) {
		if err != nil {
			log.Warn("source health check failed", zap.String("source", id), zap.Error(err))
		}
	}

	snap := c.collector.Snapshot()
	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("no alerts triggered")
		return
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
