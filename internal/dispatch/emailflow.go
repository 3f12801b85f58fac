package dispatch

import (
	"context"
	"fmt"

	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/mail"
	"github.com/kvashenko/valet/internal/store"
)

// EmailRequest asks the agent to process one inbound email.
type EmailRequest struct {
	AgentID string
	Email   mail.InboundMessage

	// RecipientType distinguishes mail addressed to the agent from mail
	// the user forwarded for handling.
	RecipientType string
}

// ProcessEmail runs a background agent over an inbound email. The email's
// subject and body are untrusted input: they are screened for prompt
// injection and fenced before the model sees them.
func (d *Dispatcher) ProcessEmail(ctx context.Context, req EmailRequest) error {
	if d.cfg.Provider == nil {
		return fmt.Errorf("email processing requested but no LLM provider is configured")
	}
	if d.cfg.Sanitizer == nil {
		return fmt.Errorf("email processing requires a sanitizer")
	}

	release, err := d.acquireAgentSlot(ctx, nil)
	if err != nil {
		return err
	}
	defer release()

	subject := d.cfg.Sanitizer.Screen(req.Email.Subject)
	body := d.cfg.Sanitizer.Screen(req.Email.Body)
	if subject.Flagged || body.Flagged {
		d.cfg.Logger.Warn("inbound email flagged by injection screen",
			logger.Field{Key: "email_id", Value: req.Email.ID},
			logger.Field{Key: "from", Value: req.Email.From},
		)
	}

	instruction := fmt.Sprintf(
		"An email arrived from %s (recipient type: %s). Handle it: reply if a reply is warranted, create or update tasks it implies, and save anything worth remembering.\n\nSubject: %s\n\n%s",
		req.Email.From,
		req.RecipientType,
		subject.Text,
		d.cfg.Sanitizer.WrapUntrusted("email", body),
	)

	conv := &store.Conversation{
		AgentID: req.AgentID,
		Title:   fmt.Sprintf("Email: %s", subject.Text),
		Channel: "email",
	}
	if err := d.cfg.Store.CreateConversation(ctx, conv); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	_, err = d.executeAgentRun(ctx, agentRunRequest{
		agentID:      req.AgentID,
		conversation: conv,
		instruction:  instruction,
		seed:         true,
		maxSteps:     d.cfg.BackgroundSteps,
	})
	return err
}
