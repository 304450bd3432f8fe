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

	"github.com/medatlas/provider-validator/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertProviderFailureRate AlertType = "provider_failure_rate"
	AlertHighRiskShare       AlertType = "high_risk_share"
	AlertDLQDepth            AlertType = "dlq_depth"
)

// minFinished is the number of finished providers required before the
// failure rate is considered.
const minFinished = 5

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
// A zero threshold disables its check.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.FailureRateThreshold > 0 && snap.ProvidersProcessed >= minFinished &&
		snap.ProviderFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertProviderFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Provider failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d processed in last %dh)",
				snap.ProviderFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.ProvidersFailed, snap.ProvidersProcessed, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.ProviderFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.ProvidersFailed,
				"processed":    snap.ProvidersProcessed,
			},
			Timestamp: now,
		})
	}

	if a.cfg.HighRiskThreshold > 0 && snap.Directory.TotalProviders > 0 &&
		snap.HighRiskShare > a.cfg.HighRiskThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertHighRiskShare,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d of %d providers (%.1f%%) are high risk, threshold %.1f%%",
				snap.Directory.HighRiskProviders, snap.Directory.TotalProviders,
				snap.HighRiskShare*100, a.cfg.HighRiskThreshold*100,
			),
			Details: map[string]any{
				"high_risk":          snap.Directory.HighRiskProviders,
				"total":              snap.Directory.TotalProviders,
				"open_discrepancies": snap.Directory.OpenDiscrepancies,
				"threshold":          a.cfg.HighRiskThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DLQThreshold > 0 && snap.DLQDepth >= a.cfg.DLQThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQDepth,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d providers waiting in the dead letter queue (threshold %d)",
				snap.DLQDepth, a.cfg.DLQThreshold,
			),
			Details: map[string]any{
				"depth":     snap.DLQDepth,
				"threshold": a.cfg.DLQThreshold,
			},
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
