package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/kvashenko/valet/internal/mail"
)

// SendEmailArgs represents the arguments for the send_email tool.
type SendEmailArgs struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SendEmailTool sends an email through the external mail provider. The
// result flows through the same activity pipeline as every other tool.
type SendEmailTool struct {
	deps Deps
}

// NewSendEmailTool creates a new SendEmailTool instance.
func NewSendEmailTool(deps Deps) *SendEmailTool {
	return &SendEmailTool{deps: deps}
}

func (t *SendEmailTool) Name() string {
	return "send_email"
}

func (t *SendEmailTool) Description() string {
	return "Send an email on the user's behalf."
}

func (t *SendEmailTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"to":      map[string]any{"type": "string", "description": "Recipient address"},
			"subject": map[string]any{"type": "string"},
			"body":    map[string]any{"type": "string", "description": "Plain-text body"},
		},
		"required": []string{"to", "subject", "body"},
	}
}

func (t *SendEmailTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed SendEmailArgs
	if err := parseJSON(args, &parsed); err != nil {
		return invalidArgsResult(err)
	}
	if parsed.To == "" || parsed.Subject == "" {
		return failureResult("to and subject are required")
	}

	id, err := t.deps.Mail.Send(ctx, mail.OutboundMessage{
		To:      parsed.To,
		Subject: parsed.Subject,
		Body:    parsed.Body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send email: %w", err)
	}
	return successResult(map[string]any{"messageId": id, "to": parsed.To})
}

// ReplyEmailArgs represents the arguments for the reply_email tool.
type ReplyEmailArgs struct {
	MessageID string `json:"messageId"`
	To        string `json:"to"`
	Body      string `json:"body"`
	Subject   string `json:"subject,omitempty"`
}

// ReplyEmailTool replies to an existing inbound email, keeping the thread.
type ReplyEmailTool struct {
	deps Deps
}

// NewReplyEmailTool creates a new ReplyEmailTool instance.
func NewReplyEmailTool(deps Deps) *ReplyEmailTool {
	return &ReplyEmailTool{deps: deps}
}

func (t *ReplyEmailTool) Name() string {
	return "reply_email"
}

func (t *ReplyEmailTool) Description() string {
	return "Reply to a received email, threading under the original message."
}

func (t *ReplyEmailTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"messageId": map[string]any{"type": "string", "description": "Id of the message being replied to"},
			"to":        map[string]any{"type": "string", "description": "Recipient address"},
			"body":      map[string]any{"type": "string"},
			"subject":   map[string]any{"type": "string", "description": "Optional subject override, defaults to Re: original"},
		},
		"required": []string{"messageId", "to", "body"},
	}
}

func (t *ReplyEmailTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed ReplyEmailArgs
	if err := parseJSON(args, &parsed); err != nil {
		return invalidArgsResult(err)
	}
	if parsed.MessageID == "" || parsed.To == "" {
		return failureResult("messageId and to are required")
	}

	id, err := t.deps.Mail.Send(ctx, mail.OutboundMessage{
		To:        parsed.To,
		Subject:   parsed.Subject,
		Body:      parsed.Body,
		InReplyTo: parsed.MessageID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send reply: %w", err)
	}
	return successResult(map[string]any{"messageId": id, "inReplyTo": parsed.MessageID})
}

// CheckEmailArgs represents the arguments for the check_email tool.
type CheckEmailArgs struct {
	SinceHours int `json:"sinceHours,omitempty"`
	Limit      int `json:"limit,omitempty"`
}

// CheckEmailTool lists recent inbox messages. Bodies are screened before
// they reach the model.
type CheckEmailTool struct {
	deps Deps
}

// NewCheckEmailTool creates a new CheckEmailTool instance.
func NewCheckEmailTool(deps Deps) *CheckEmailTool {
	return &CheckEmailTool{deps: deps}
}

func (t *CheckEmailTool) Name() string {
	return "check_email"
}

func (t *CheckEmailTool) Description() string {
	return "List recently received emails."
}

func (t *CheckEmailTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sinceHours": map[string]any{
				"type":        "integer",
				"description": "How many hours back to look, defaults to 24",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum messages, defaults to 10",
			},
		},
	}
}

func (t *CheckEmailTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed CheckEmailArgs
	if args != "" {
		if err := parseJSON(args, &parsed); err != nil {
			return invalidArgsResult(err)
		}
	}
	hours := parsed.SinceHours
	if hours <= 0 {
		hours = 24
	}
	limit := parsed.Limit
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	messages, err := t.deps.Mail.ListInbox(ctx, time.Now().Add(-time.Duration(hours)*time.Hour), limit)
	if err != nil {
		return "", fmt.Errorf("failed to list inbox: %w", err)
	}

	out := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		body := msg.Body
		if t.deps.Sanitizer != nil {
			res := t.deps.Sanitizer.Screen(body)
			body = t.deps.Sanitizer.WrapUntrusted("email", res)
		}
		out = append(out, map[string]any{
			"id":         msg.ID,
			"from":       msg.From,
			"subject":    msg.Subject,
			"body":       body,
			"receivedAt": msg.ReceivedAt.Format(time.RFC3339),
		})
	}
	return successResult(map[string]any{"messages": out, "count": len(out)})
}
