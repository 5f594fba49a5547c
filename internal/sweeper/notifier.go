package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Notifier envia avisos para a equipe de revisão.
type Notifier interface {
	Notify(ctx context.Context, msg AlertMessage) error
}

type AlertMessage struct {
	Title    string   `json:"title"`
	Text     string   `json:"text"`
	Severity string   `json:"severity"`
	Items    []string `json:"items,omitempty"`
}

// WebhookNotifier publica os avisos em um webhook compatível com Slack.
type WebhookNotifier struct {
	url    string
	client *resty.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	if url == "" {
		return nil
	}
	client := resty.New().
		SetTimeout(5*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Content-Type", "application/json")
	return &WebhookNotifier{url: url, client: client}
}

func (n *WebhookNotifier) Notify(ctx context.Context, msg AlertMessage) error {
	if n == nil || n.url == "" {
		return errors.New("webhook de revisão não configurado")
	}
	payload := map[string]any{
		"text":     formatMessage(msg),
		"title":    msg.Title,
		"severity": msg.Severity,
		"items":    msg.Items,
	}
	resp, err := n.client.R().SetContext(ctx).SetBody(payload).Post(n.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("webhook respondeu %d", resp.StatusCode())
	}
	return nil
}

func formatMessage(msg AlertMessage) string {
	emoji := ":information_source:"
	switch msg.Severity {
	case "warning":
		emoji = ":warning:"
	case "critical":
		emoji = ":rotating_light:"
	}
	text := msg.Text
	for _, item := range msg.Items {
		text += "\n• " + item
	}
	if msg.Title != "" {
		return emoji + " *" + msg.Title + "*\n" + text
	}
	return emoji + " " + text
}
