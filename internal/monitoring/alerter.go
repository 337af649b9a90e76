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

	"github.com/sells-group/origin-engine/internal/config"
)

// minDecided is the sample size below which rate alerts stay quiet.
const minDecided = 5

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertConformRate   AlertType = "conform_rate_low"
	AlertReviewRate    AlertType = "review_rate_high"
	AlertDeadLetters   AlertType = "dead_letters"
	AlertStoreDegraded AlertType = "store_degraded"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.Decided >= minDecided && a.cfg.ConformRateFloor > 0 && snap.ConformRate < a.cfg.ConformRateFloor {
		alerts = append(alerts, Alert{
			Type:     AlertConformRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Conform rate %.1f%% is below floor %.1f%% (%d of %d determinations in last %dh)",
				snap.ConformRate*100, a.cfg.ConformRateFloor*100,
				snap.Conforming, snap.Decided, snap.LookbackHours,
			),
			Details: map[string]any{
				"conform_rate": snap.ConformRate,
				"floor":        a.cfg.ConformRateFloor,
				"conforming":   snap.Conforming,
				"decided":      snap.Decided,
			},
			Timestamp: now,
		})
	}

	if snap.Decided >= minDecided && a.cfg.ReviewRateCeiling > 0 && snap.ReviewRate > a.cfg.ReviewRateCeiling {
		alerts = append(alerts, Alert{
			Type:     AlertReviewRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Human review rate %.1f%% exceeds ceiling %.1f%% (%d of %d determinations in last %dh)",
				snap.ReviewRate*100, a.cfg.ReviewRateCeiling*100,
				snap.ReviewRequired, snap.Decided, snap.LookbackHours,
			),
			Details: map[string]any{
				"review_rate": snap.ReviewRate,
				"ceiling":     a.cfg.ReviewRateCeiling,
				"review":      snap.ReviewRequired,
				"decided":     snap.Decided,
			},
			Timestamp: now,
		})
	}

	if snap.DeadLetters > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertDeadLetters,
			Severity:  "high",
			Message:   fmt.Sprintf("%d background task(s) dead-lettered in last %dh", snap.DeadLetters, snap.LookbackHours),
			Details:   map[string]any{"dead_letters": snap.DeadLetters},
			Timestamp: now,
		})
	}

	if snap.StoreDegraded {
		alerts = append(alerts, Alert{
			Type:      AlertStoreDegraded,
			Severity:  "high",
			Message:   "Certificate store is serving from the in-memory fallback",
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
