// Package dispatch executes due scheduled jobs: it records a JobExecution,
// decodes the job's action payload, routes it to the matching handler and
// finalizes the execution exactly once. Failures feed a per-job circuit
// breaker that pauses the job after repeated consecutive failures.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kvashenko/valet/internal/store"
)

// ErrUnknownAction marks a job whose action type has no handler. The
// execution fails immediately without retries.
var ErrUnknownAction = errors.New("unknown action type")

// Payload is a decoded action payload. Exactly one concrete variant exists
// per store.ActionType; decoding happens once, before the handler runs.
type Payload interface {
	actionType() store.ActionType
}

// NotifyPayload delivers a message to the user's notification channel.
type NotifyPayload struct {
	Message string `json:"message"`
}

func (NotifyPayload) actionType() store.ActionType { return store.ActionNotify }

// AgentTaskPayload runs a background agent with an instruction, optionally
// in the context of the job's linked task.
type AgentTaskPayload struct {
	Instruction string `json:"instruction"`
}

func (AgentTaskPayload) actionType() store.ActionType { return store.ActionAgentTask }

// WebhookPayload posts the job's metadata and a caller-supplied body to an
// external URL.
type WebhookPayload struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

func (WebhookPayload) actionType() store.ActionType { return store.ActionWebhook }

// DecodePayload decodes a job's raw action payload into its typed variant
// keyed by the job's action type. Rows written by older versions may carry
// extra fields; they are ignored.
func DecodePayload(job *store.ScheduledJob) (Payload, error) {
	raw := job.ActionPayload
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	switch job.ActionType {
	case store.ActionNotify:
		var p NotifyPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode notify payload: %w", err)
		}
		return &p, nil
	case store.ActionAgentTask:
		var p AgentTaskPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode agent_task payload: %w", err)
		}
		if p.Instruction == "" {
			return nil, fmt.Errorf("agent_task payload has no instruction")
		}
		return &p, nil
	case store.ActionWebhook:
		var p WebhookPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode webhook payload: %w", err)
		}
		if p.URL == "" {
			return nil, fmt.Errorf("webhook payload has no url")
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, job.ActionType)
	}
}
