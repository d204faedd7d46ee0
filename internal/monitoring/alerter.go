package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFallbackRate  AlertType = "fallback_rate"
	AlertDefaultedRate AlertType = "defaulted_rate"
	AlertCircuitOpen   AlertType = "circuit_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AlerterConfig sets degradation thresholds and the alert webhook.
type AlerterConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	// FallbackRateThreshold is the share of resolutions served below
	// priority 0 that triggers an alert. Default: 0.2.
	FallbackRateThreshold float64 `yaml:"fallback_rate_threshold" mapstructure:"fallback_rate_threshold"`
	// DefaultedRateThreshold is the share of resolutions served by
	// declared defaults that triggers an alert. Default: 0.05.
	DefaultedRateThreshold float64 `yaml:"defaulted_rate_threshold" mapstructure:"defaulted_rate_threshold"`
	CheckInterval          time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    AlerterConfig
	client *http.Client
}

// NewAlerter creates an Alerter with the given thresholds.
func NewAlerter(cfg AlerterConfig) *Alerter {
	if cfg.FallbackRateThreshold <= 0 {
		cfg.FallbackRateThreshold = 0.2
	}
	if cfg.DefaultedRateThreshold <= 0 {
		cfg.DefaultedRateThreshold = 0.05
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Rates are only meaningful once a minimum volume has flowed through.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.Resolutions >= 20 {
		if rate := snap.FallbackRate(); rate > a.cfg.FallbackRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertFallbackRate,
				Severity: "high",
				Message: fmt.Sprintf(
					"fallback rate %.1f%% exceeds threshold %.1f%% (%d of %d resolutions)",
					rate*100, a.cfg.FallbackRateThreshold*100, snap.Fallbacks, snap.Resolutions,
				),
				Details: map[string]any{
					"fallback_rate": rate,
					"threshold":     a.cfg.FallbackRateThreshold,
				},
				Timestamp: now,
			})
		}
		if rate := snap.DefaultedRate(); rate > a.cfg.DefaultedRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertDefaultedRate,
				Severity: "high",
				Message: fmt.Sprintf(
					"defaulted rate %.1f%% exceeds threshold %.1f%% (%d of %d resolutions)",
					rate*100, a.cfg.DefaultedRateThreshold*100, snap.Defaulted, snap.Resolutions,
				),
				Details: map[string]any{
					"defaulted_rate": rate,
					"threshold":      a.cfg.DefaultedRateThreshold,
				},
				Timestamp: now,
			})
		}
	}

	for _, name := range snap.SourceNames() {
		ss := snap.Sources[name]
		if ss.Circuit == "open" {
			alerts = append(alerts, Alert{
				Type:     AlertCircuitOpen,
				Severity: "critical",
				Message:  fmt.Sprintf("circuit open for source %s (%d failures of %d calls)", name, ss.Failures, ss.Calls),
				Details: map[string]any{
					"source":   name,
					"failures": ss.Failures,
					"calls":    ss.Calls,
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// SendAlerts posts alerts to the configured webhook, returning the count
// actually delivered. Without a webhook, alerts are logged only.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	sent := 0
	for _, alert := range alerts {
		if a.cfg.WebhookURL == "" {
			zap.L().Warn("alert (no webhook configured)",
				zap.String("type", string(alert.Type)),
				zap.String("severity", alert.Severity),
				zap.String("message", alert.Message),
			)
			continue
		}
		if err := a.send(ctx, alert); err != nil {
			zap.L().Error("failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

func (a *Alerter) send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build alert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post alert")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return eris.Errorf("monitoring: alert webhook returned %d", resp.StatusCode)
	}
	return nil
}
