package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kvashenko/valet/internal/logger"
)

// WebhookConfig configures webhook delivery.
type WebhookConfig struct {
	URL            string
	Token          string
	TimeoutSeconds int
}

// Webhook POSTs notifications as JSON to a configured endpoint.
type Webhook struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewWebhook creates a webhook notifier.
func NewWebhook(cfg WebhookConfig, log *logger.Logger) *Webhook {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:        cfg.URL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log,
	}
}

// Notify delivers one notification. Non-2xx responses are errors so the
// caller's retry policy applies.
func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}

	w.logger.DebugCtx(ctx, "notification delivered",
		logger.Field{Key: "kind", Value: n.Kind},
		logger.Field{Key: "agent_id", Value: n.AgentID})
	return nil
}
