package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/osint-labs/viraltrace/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertExhaustionRate AlertType = "budget_exhaustion_rate"
	AlertDLQBacklog     AlertType = "dlq_backlog"
	AlertCircuitOpen    AlertType = "circuit_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
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
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Traces that ran out of budget before reaching an origin.
	finished := snap.TraceTotal - snap.TraceRunning
	if finished >= 5 && snap.ExhaustionRate > a.cfg.ExhaustionRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertExhaustionRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Budget exhaustion rate %.1f%% exceeds threshold %.1f%% (%d exhausted / %d finished in last %dh)",
				snap.ExhaustionRate*100, a.cfg.ExhaustionRateThreshold*100,
				snap.TraceExhausted, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"exhaustion_rate": snap.ExhaustionRate,
				"threshold":       a.cfg.ExhaustionRateThreshold,
				"exhausted":       snap.TraceExhausted,
				"finished":        finished,
			},
			Timestamp: now,
		})
	}

	// Failed fetch backlog growth.
	if a.cfg.DLQDepthThreshold > 0 && snap.DLQDepth >= a.cfg.DLQDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Failed fetch queue depth %d at or above threshold %d",
				snap.DLQDepth, a.cfg.DLQDepthThreshold,
			),
			Details: map[string]any{
				"depth":     snap.DLQDepth,
				"threshold": a.cfg.DLQDepthThreshold,
			},
			Timestamp: now,
		})
	}

	// Platforms currently fenced off by a circuit breaker.
	var open []string
	for platform, state := range snap.Circuits {
		if state == "open" {
			open = append(open, platform)
		}
	}
	if len(open) > 0 {
		sort.Strings(open)
		alerts = append(alerts, Alert{
			Type:     AlertCircuitOpen,
			Severity: "high",
			Message: fmt.Sprintf(
				"Circuit open for platform(s): %s",
				strings.Join(open, ", "),
			),
			Details: map[string]any{
				"platforms": open,
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
