package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"vigil/core"
	"vigil/metrics"
)

// WebhookChannel posts notifications as JSON to a configured HTTP endpoint.
// A circuit breaker keeps a flapping endpoint from slowing action dispatch.
type WebhookChannel struct {
	url         string
	minSeverity string
	client      *http.Client
	breaker     *core.CircuitBreaker
	logger      *zap.SugaredLogger
}

// NewWebhookChannel creates a webhook channel. Notifications below
// minSeverity are silently skipped.
func NewWebhookChannel(url, minSeverity string, timeout time.Duration, cbConfig core.CircuitBreakerConfig, logger *zap.SugaredLogger) (*WebhookChannel, error) {
	breaker, err := core.NewCircuitBreaker(cbConfig)
	if err != nil {
		return nil, err
	}
	if minSeverity == "" {
		minSeverity = core.SeverityLow
	}
	return &WebhookChannel{
		url:         url,
		minSeverity: minSeverity,
		client:      &http.Client{Timeout: timeout},
		breaker:     breaker,
		logger:      logger,
	}, nil
}

func (w *WebhookChannel) Name() string { return "webhook" }

// Broadcast delivers the notification, honoring the severity floor and the
// circuit breaker.
func (w *WebhookChannel) Broadcast(ctx context.Context, n *core.Notification) error {
	if core.SeverityRank(n.Severity) < core.SeverityRank(w.minSeverity) {
		return nil
	}

	if err := w.breaker.Allow(); err != nil {
		w.logger.Warnw("Webhook notification skipped", "error", err)
		metrics.NotificationFailures.WithLabelValues(w.Name()).Inc()
		return err
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.breaker.RecordFailure()
		metrics.NotificationFailures.WithLabelValues(w.Name()).Inc()
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.breaker.RecordFailure()
		metrics.NotificationFailures.WithLabelValues(w.Name()).Inc()
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.breaker.RecordSuccess()
	metrics.NotificationsSent.WithLabelValues(w.Name()).Inc()
	return nil
}
