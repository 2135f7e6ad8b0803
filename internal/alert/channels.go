package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"time"

	"github.com/oddstream/pipeline/internal/domain"
	"github.com/oddstream/pipeline/internal/infra"
)

// WebhookChannel POSTs alerts as JSON to a configured endpoint.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook delivery channel.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Deliver(ctx context.Context, a *domain.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// EmailChannel sends plain-text alert mail over SMTP.
type EmailChannel struct {
	addr string
	from string
	to   string
}

// NewEmailChannel creates an SMTP delivery channel.
func NewEmailChannel(addr, from, to string) *EmailChannel {
	return &EmailChannel{addr: addr, from: from, to: to}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Deliver(_ context.Context, a *domain.Alert) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [%s] %s alert for %s\r\n\r\n%s\r\n",
		c.from, c.to, a.Severity, a.Type, a.Source, a.Message)
	if err := smtp.SendMail(c.addr, nil, c.from, []string{c.to}, []byte(msg)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// ChatChannel publishes alerts to the chat Kafka topic.
type ChatChannel struct {
	producer *infra.KafkaProducer
	topic    string
}

// NewChatChannel creates a Kafka-backed chat delivery channel.
func NewChatChannel(producer *infra.KafkaProducer) *ChatChannel {
	return &ChatChannel{producer: producer, topic: "pipeline.alerts.chat"}
}

func (c *ChatChannel) Name() string { return "chat" }

func (c *ChatChannel) Deliver(ctx context.Context, a *domain.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return c.producer.Publish(ctx, c.topic, []byte(a.Source), body)
}
