package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/newsdigest/watchtower/internal/models"
)

// Package notify delivers alerts to external channels.
//
// Channel variants:
//   - slack:   JSON payload posted to an incoming-webhook URL
//   - webhook: the alert as JSON posted to an arbitrary URL
//   - email:   plain-text mail over SMTP
//   - nats:    the alert as JSON published on a subject
//   - log:     a structured log line (always available, useful as fallback)
//
// The Dispatcher wraps every channel with a per-attempt timeout, bounded
// retries with backoff, a circuit breaker and a rate limiter, and writes a
// NotificationRecord for every attempt. A dispatch that reaches no channel
// is a soft failure: it is counted and logged, never propagated.

// Message is what a channel renders and sends.
type Message struct {
	Alert   models.Alert `json:"alert"`
	Subject string       `json:"subject"`
	Body    string       `json:"body"`
	SentAt  time.Time    `json:"sent_at"`
}

// NewMessage renders an alert into a message.
func NewMessage(alert models.Alert, now time.Time) Message {
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Message)

	var b strings.Builder
	fmt.Fprintf(&b, "Alert:      %s\n", alert.ID)
	fmt.Fprintf(&b, "Status:     %s\n", alert.Status)
	fmt.Fprintf(&b, "Severity:   %s\n", alert.Severity)
	fmt.Fprintf(&b, "Subject:    %s\n", alert.SourceFinding.Subject())
	fmt.Fprintf(&b, "Created:    %s\n", alert.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Occurrences: %d\n", alert.Occurrences)
	if alert.EscalationLevel > 0 {
		fmt.Fprintf(&b, "Escalation: level %d\n", alert.EscalationLevel)
	}
	if alert.Assignee != "" {
		fmt.Fprintf(&b, "Assignee:   %s\n", alert.Assignee)
	}
	b.WriteString("\n")
	b.WriteString(alert.Message)
	b.WriteString("\n")

	return Message{Alert: alert, Subject: subject, Body: b.String(), SentAt: now}
}

// Channel is one notification destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}
