package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/microfetch/microfetch-pipeline/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSyncFailureRate AlertType = "sync_failure_rate"
	AlertSyncFailure     AlertType = "sync_failure"
	AlertBacklog         AlertType = "assembly_backlog"
)

// minFinishedSyncs is the sample size below which the failure rate is not
// judged.
const minFinishedSyncs = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
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
	raise := func(t AlertType, severity, msg string, details map[string]any) {
		alerts = append(alerts, Alert{Type: t, Severity: severity, Message: msg, Details: details, Timestamp: now})
	}

	finished := snap.SyncComplete + snap.SyncFailed
	switch {
	case finished >= minFinishedSyncs && snap.SyncFailRate > a.cfg.FailureRateThreshold:
		raise(AlertSyncFailureRate, "high",
			fmt.Sprintf("Taxon sync failure rate %.1f%% over the last %dh is above %.1f%% (%d of %d finished runs failed)",
				snap.SyncFailRate*100, snap.LookbackHours, a.cfg.FailureRateThreshold*100, snap.SyncFailed, finished),
			map[string]any{
				"failure_rate": snap.SyncFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.SyncFailed,
				"finished":     finished,
			})
	case snap.SyncFailed > 0:
		raise(AlertSyncFailure, "medium",
			fmt.Sprintf("%d taxon sync(s) failed over the last %dh", snap.SyncFailed, snap.LookbackHours),
			map[string]any{"failed": snap.SyncFailed, "runs": snap.SyncTotal})
	}

	if a.cfg.BacklogThreshold > 0 && snap.Waiting > a.cfg.BacklogThreshold {
		raise(AlertBacklog, "medium",
			fmt.Sprintf("%d records waiting for assembly, threshold is %d", snap.Waiting, a.cfg.BacklogThreshold),
			map[string]any{
				"waiting":     snap.Waiting,
				"in_progress": snap.InProgress,
				"threshold":   a.cfg.BacklogThreshold,
			})
	}
	return alerts
}

// SendAlerts posts each alert to the configured webhook and returns how
// many were accepted. Delivery failures are logged, not returned.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}
	log := zap.L().With(zap.String("component", "monitoring.alerter"))

	sent := 0
	for _, alert := range alerts {
		fields := []zap.Field{zap.String("type", string(alert.Type)), zap.String("severity", alert.Severity)}
		if err := a.post(ctx, alert); err != nil {
			log.Error("monitoring: alert delivery failed", append(fields, zap.Error(err))...)
			continue
		}
		log.Info("monitoring: alert delivered", fields...)
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(alert); err != nil {
		return eris.Wrap(err, "monitoring: encode alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, &buf)
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post webhook")
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return eris.Errorf("monitoring: webhook responded %d", resp.StatusCode)
	}
	return nil
}
