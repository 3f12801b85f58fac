package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kvashenko/valet/internal/retry"
	"github.com/kvashenko/valet/internal/store"
)

// webhookEnvelope is the body posted to the webhook URL: the job's metadata
// wrapped around the caller-supplied body.
type webhookEnvelope struct {
	JobID   string          `json:"job_id"`
	AgentID string          `json:"agent_id"`
	JobType store.JobType   `json:"job_type"`
	Title   string          `json:"title"`
	FiredAt time.Time       `json:"fired_at"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// handleWebhook posts the job to the payload's URL. Server errors and
// timeouts are retried by the step-retry wrapper; client errors can never
// succeed and fail immediately.
func (d *Dispatcher) handleWebhook(ctx context.Context, job *store.ScheduledJob, exec *store.JobExecution, p *WebhookPayload) ([]byte, error) {
	envelope := webhookEnvelope{
		JobID:   job.ID,
		AgentID: job.AgentID,
		JobType: job.JobType,
		Title:   job.Title,
		FiredAt: time.Now().UTC(),
		Body:    p.Body,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, retry.MarkPermanent(fmt.Errorf("marshal webhook body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return nil, retry.MarkPermanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook returned status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, err
		}
		return nil, retry.MarkPermanent(err)
	}

	return mustJSON(map[string]any{
		"url":    p.URL,
		"status": resp.StatusCode,
	}), nil
}
