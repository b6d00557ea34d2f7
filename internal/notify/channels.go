package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/newsdigest/watchtower/internal/config"
	"github.com/newsdigest/watchtower/internal/models"
)

// ─── HTTP channels ──────────────────────────────────────────────────────────

type httpChannel struct {
	name    string
	url     string
	client  *http.Client
	payload func(Message) any
}

func (c *httpChannel) Name() string { return c.name }

func (c *httpChannel) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(c.payload(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post to %s: %w", c.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", c.name, resp.StatusCode)
	}
	return nil
}

var slackColors = map[models.Severity]string{
	models.SeverityLow:      "#439FE0",
	models.SeverityMedium:   "warning",
	models.SeverityHigh:     "danger",
	models.SeverityCritical: "#8B0000",
}

// NewSlackChannel posts to a Slack incoming webhook.
func NewSlackChannel(name, webhookURL string, client *http.Client) Channel {
	return &httpChannel{
		name:   name,
		url:    webhookURL,
		client: client,
		payload: func(m Message) any {
			return map[string]any{
				"text": m.Subject,
				"attachments": []map[string]any{{
					"color": slackColors[m.Alert.Severity],
					"text":  m.Body,
					"fields": []map[string]any{
						{"title": "Status", "value": string(m.Alert.Status), "short": true},
						{"title": "Severity", "value": string(m.Alert.Severity), "short": true},
					},
					"ts": m.SentAt.Unix(),
				}},
			}
		},
	}
}

// NewWebhookChannel posts the whole message as JSON.
func NewWebhookChannel(name, url string, client *http.Client) Channel {
	return &httpChannel{
		name:    name,
		url:     url,
		client:  client,
		payload: func(m Message) any { return m },
	}
}

// ─── Email ──────────────────────────────────────────────────────────────────

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type emailChannel struct {
	name     string
	addr     string
	from     string
	to       []string
	auth     smtp.Auth
	sendMail SendMailFunc
}

// NewEmailChannel sends plain-text mail through an SMTP relay. A nil send
// uses smtp.SendMail.
func NewEmailChannel(name, addr, from string, to []string, username, password string, send SendMailFunc) Channel {
	if send == nil {
		send = smtp.SendMail
	}
	var auth smtp.Auth
	if username != "" {
		host := addr
		if i := strings.LastIndex(addr, ":"); i > 0 {
			host = addr[:i]
		}
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &emailChannel{name: name, addr: addr, from: from, to: to, auth: auth, sendMail: send}
}

func (c *emailChannel) Name() string { return c.name }

func (c *emailChannel) Send(ctx context.Context, msg Message) error {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))

	// smtp.SendMail takes no context; abandon the call when ctx ends.
	done := make(chan error, 1)
	go func() {
		done <- c.sendMail(c.addr, c.auth, c.from, c.to, []byte(b.String()))
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send via %s: %w", c.addr, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── NATS ───────────────────────────────────────────────────────────────────

// Publisher is the part of *nats.Conn the NATS channel uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type natsChannel struct {
	name    string
	subject string
	dial    func() (Publisher, error)

	mu  sync.Mutex
	pub Publisher
}

// NewNATSChannel publishes alerts on subject. The connection is made on
// first use so an unreachable server does not block startup.
func NewNATSChannel(name, subject string, dial func() (Publisher, error)) Channel {
	return &natsChannel{name: name, subject: subject, dial: dial}
}

// DialNATS returns a dialer for NewNATSChannel.
func DialNATS(url, clientName string) func() (Publisher, error) {
	return func() (Publisher, error) {
		nc, err := nats.Connect(url, nats.Name(clientName), nats.MaxReconnects(-1))
		if err != nil {
			return nil, err
		}
		return nc, nil
	}
}

func (c *natsChannel) Name() string { return c.name }

func (c *natsChannel) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.pub == nil {
		pub, err := c.dial()
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("nats connect: %w", err)
		}
		c.pub = pub
	}
	pub := c.pub
	c.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := pub.Publish(c.subject, data); err != nil {
		return fmt.Errorf("nats publish to %s: %w", c.subject, err)
	}
	return nil
}

// ─── Log ────────────────────────────────────────────────────────────────────

type logChannel struct {
	name   string
	logger *zap.Logger
}

// NewLogChannel writes alerts to the application log.
func NewLogChannel(name string, logger *zap.Logger) Channel {
	return &logChannel{name: name, logger: logger}
}

func (c *logChannel) Name() string { return c.name }

func (c *logChannel) Send(_ context.Context, msg Message) error {
	c.logger.Warn("alert notification",
		zap.String("channel", c.name),
		zap.String("alert_id", msg.Alert.ID),
		zap.String("severity", string(msg.Alert.Severity)),
		zap.String("status", string(msg.Alert.Status)),
		zap.Int("escalation_level", msg.Alert.EscalationLevel),
		zap.String("subject", msg.Subject),
	)
	return nil
}

// ─── Construction ───────────────────────────────────────────────────────────

// Build creates the channels named in configuration.
func Build(configs []config.ChannelConfig, client *http.Client, logger *zap.Logger) ([]Channel, error) {
	out := make([]Channel, 0, len(configs))
	seen := make(map[string]bool, len(configs))
	for _, cc := range configs {
		if cc.Name == "" {
			return nil, fmt.Errorf("notification channel without a name")
		}
		if seen[cc.Name] {
			return nil, fmt.Errorf("duplicate notification channel %q", cc.Name)
		}
		seen[cc.Name] = true

		switch strings.ToLower(cc.Type) {
		case "slack":
			out = append(out, NewSlackChannel(cc.Name, cc.URL, client))
		case "webhook":
			out = append(out, NewWebhookChannel(cc.Name, cc.URL, client))
		case "email":
			out = append(out, NewEmailChannel(cc.Name, cc.SMTPAddr, cc.From, cc.To, cc.Username, cc.Password, nil))
		case "nats":
			out = append(out, NewNATSChannel(cc.Name, cc.Subject, DialNATS(cc.URL, "watchtower-notify")))
		case "log":
			out = append(out, NewLogChannel(cc.Name, logger))
		default:
			return nil, fmt.Errorf("channel %q: unknown type %q", cc.Name, cc.Type)
		}
	}
	return out, nil
}
