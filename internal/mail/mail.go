// Package mail defines the outbound/inbound email contract. Delivery is an
// external service; the core only sends, replies and lists, and every result
// flows through the same activity pipeline as any other tool call.
package mail

import (
	"context"
	"time"
)

// OutboundMessage is an email to send.
type OutboundMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`

	// InReplyTo threads the message under an existing inbound message.
	InReplyTo string `json:"in_reply_to,omitempty"`
}

// InboundMessage is a received email as the provider reports it.
type InboundMessage struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Provider is the external mail service contract.
type Provider interface {
	// Send delivers a message and returns the provider's message id.
	Send(ctx context.Context, msg OutboundMessage) (string, error)

	// ListInbox returns messages received since the given time, newest
	// last, capped at limit.
	ListInbox(ctx context.Context, since time.Time, limit int) ([]InboundMessage, error)
}
