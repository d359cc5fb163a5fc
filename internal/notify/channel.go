// Package notify delivers short notifications to third-party integrations:
// Slack and Teams incoming webhooks, Zapier catch hooks and generic JSON
// webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
)

// Kind names an integration.
type Kind string

const (
	KindSlack   Kind = "slack"
	KindTeams   Kind = "teams"
	KindZapier  Kind = "zapier"
	KindWebhook Kind = "webhook"
)

var (
	ErrUnsupportedKind = errors.New("notify: unsupported integration")
	ErrInvalidTarget   = errors.New("notify: invalid target")
)

// Target is one configured integration endpoint.
type Target struct {
	Kind   Kind              `json:"kind" validate:"required,oneof=slack teams zapier webhook"`
	URL    string            `json:"url" validate:"required,url"`
	Name   string            `json:"name,omitempty"`
	Secret string            `json:"secret,omitempty"`
	Header map[string]string `json:"header,omitempty"`
}

// Validate checks the target has a supported kind and an absolute http(s) URL.
func (t Target) Validate() error {
	switch t.Kind {
	case KindSlack, KindTeams, KindZapier, KindWebhook:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedKind, t.Kind)
	}
	u, err := url.Parse(t.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: url %q", ErrInvalidTarget, t.URL)
	}
	return nil
}

// Message is the provider-neutral notification.
type Message struct {
	Title string
	Text  string
	Link  string
	// Event is the portal event name, forwarded to Zapier and webhooks.
	Event string
	Data  map[string]any
}

// Receipt acknowledges a delivery.
type Receipt struct {
	Target string `json:"target"`
	Kind   Kind   `json:"kind"`
	Status int    `json:"status"`
	ID     string `json:"id,omitempty"`
}

// Channel sends messages to one target.
type Channel interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// NewChannel returns the channel implementation for target.
func NewChannel(client *resty.Client, target Target) (Channel, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = resty.New()
	}
	base := endpoint{client: client, target: target}
	switch target.Kind {
	case KindSlack:
		return &SlackChannel{endpoint: base}, nil
	case KindTeams:
		return &TeamsChannel{endpoint: base}, nil
	case KindZapier:
		return &ZapierChannel{endpoint: base}, nil
	default:
		return &WebhookChannel{endpoint: base}, nil
	}
}

type endpoint struct {
	client *resty.Client
	target Target
}

func (e endpoint) post(ctx context.Context, payload, result any) (*resty.Response, error) {
	req := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeaders(e.target.Header).
		SetBody(payload)
	if e.target.Secret != "" {
		req.SetAuthToken(e.target.Secret)
	}
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Post(e.target.URL)
	if err != nil {
		return nil, fmt.Errorf("notify: %s send: %w", e.target.Kind, err)
	}
	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		return resp, &StatusError{Kind: e.target.Kind, Status: resp.StatusCode(), Body: truncate(resp.String(), 200)}
	}
	return resp, nil
}

func (e endpoint) receipt(resp *resty.Response) Receipt {
	return Receipt{Target: e.target.label(), Kind: e.target.Kind, Status: resp.StatusCode()}
}

func (t Target) label() string {
	if t.Name != "" {
		return t.Name
	}
	if u, err := url.Parse(t.URL); err == nil {
		return string(t.Kind) + ":" + u.Host
	}
	return string(t.Kind)
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Kind   Kind
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notify: %s responded %d: %s", e.Kind, e.Status, e.Body)
}

// Temporary reports whether a retry may succeed.
func (e *StatusError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// SlackChannel posts to a Slack incoming webhook or chat.postMessage proxy.
type SlackChannel struct{ endpoint }

type slackResponse struct {
	OK    bool   `json:"ok"`
	TS    string `json:"ts"`
	Error string `json:"error"`
}

// Send implements Channel. Slack answers {ok, ts}; ok=false is an error
// even with a 200 status.
func (c *SlackChannel) Send(ctx context.Context, msg Message) (Receipt, error) {
	text := msg.Text
	if msg.Link != "" {
		text += "\n<" + msg.Link + "|Download>"
	}
	payload := map[string]any{
		"text": msg.Title,
		"blocks": []map[string]any{
			{"type": "header", "text": map[string]string{"type": "plain_text", "text": msg.Title}},
			{"type": "section", "text": map[string]string{"type": "mrkdwn", "text": text}},
		},
	}
	var out slackResponse
	resp, err := c.post(ctx, payload, &out)
	if err != nil {
		return Receipt{}, err
	}
	rcpt := c.receipt(resp)
	// Plain incoming webhooks reply with the text "ok".
	if strings.TrimSpace(resp.String()) == "ok" {
		return rcpt, nil
	}
	if !out.OK {
		return rcpt, fmt.Errorf("notify: slack rejected message: %s", out.Error)
	}
	rcpt.ID = out.TS
	return rcpt, nil
}

// TeamsChannel posts a MessageCard to a Teams incoming webhook. Teams only
// reports an HTTP status.
type TeamsChannel struct{ endpoint }

// Send implements Channel.
func (c *TeamsChannel) Send(ctx context.Context, msg Message) (Receipt, error) {
	card := map[string]any{
		"@type":    "MessageCard",
		"@context": "https://schema.org/extensions",
		"summary":  msg.Title,
		"title":    msg.Title,
		"text":     msg.Text,
	}
	if msg.Link != "" {
		card["potentialAction"] = []map[string]any{{
			"@type":   "OpenUri",
			"name":    "Download",
			"targets": []map[string]string{{"os": "default", "uri": msg.Link}},
		}}
	}
	resp, err := c.post(ctx, card, nil)
	if err != nil {
		return Receipt{}, err
	}
	return c.receipt(resp), nil
}

// ZapierChannel triggers a Zapier catch hook, which answers {id, status}.
type ZapierChannel struct{ endpoint }

// Send implements Channel.
func (c *ZapierChannel) Send(ctx context.Context, msg Message) (Receipt, error) {
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	resp, err := c.post(ctx, flatPayload(msg), &out)
	if err != nil {
		return Receipt{}, err
	}
	rcpt := c.receipt(resp)
	rcpt.ID = out.ID
	return rcpt, nil
}

// WebhookChannel posts the message as plain JSON.
type WebhookChannel struct{ endpoint }

// Send implements Channel.
func (c *WebhookChannel) Send(ctx context.Context, msg Message) (Receipt, error) {
	resp, err := c.post(ctx, flatPayload(msg), nil)
	if err != nil {
		return Receipt{}, err
	}
	return c.receipt(resp), nil
}

func flatPayload(msg Message) map[string]any {
	payload := map[string]any{
		"title": msg.Title,
		"text":  msg.Text,
	}
	if msg.Link != "" {
		payload["link"] = msg.Link
	}
	if msg.Event != "" {
		payload["event"] = msg.Event
	}
	if len(msg.Data) > 0 {
		payload["data"] = msg.Data
	}
	return payload
}
