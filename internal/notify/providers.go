package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"tabletop/assignment-service/internal/realtime"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	ChannelWorker  = "worker"
	ChannelManager = "manager"
)

type Provider interface {
	Send(ctx context.Context, message, recipient string, event Event) error
}

// Publisher is the broker side of the amqp provider.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte) error
}

type ProviderDeps struct {
	WebhookURL   string
	WebhookToken string
	Publisher    Publisher
	Exchange     string
	Hub          *realtime.Hub
}

// NewProvider resolves a provider kind. Unknown kinds and kinds whose
// dependency is missing fall back to logging.
func NewProvider(kind, channel string, deps ProviderDeps) Provider {
	switch kind {
	case "", "log":
		return logProvider{channel: channel}
	case "noop":
		return noopProvider{}
	case "fail":
		return failProvider{}
	case "webhook":
		if deps.WebhookURL == "" {
			return logProvider{channel: channel}
		}
		return newWebhookProvider(channel, deps.WebhookURL, deps.WebhookToken)
	case "amqp":
		if deps.Publisher == nil {
			return logProvider{channel: channel}
		}
		return amqpProvider{channel: channel, publisher: deps.Publisher, exchange: deps.Exchange}
	case "realtime":
		if deps.Hub == nil {
			return logProvider{channel: channel}
		}
		return realtimeProvider{channel: channel, hub: deps.Hub}
	default:
		if strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://") {
			return newWebhookProvider(channel, kind, deps.WebhookToken)
		}
		log.Printf("notify unknown provider %q for %s, using log", kind, channel)
		return logProvider{channel: channel}
	}
}

type logProvider struct {
	channel string
}

func (p logProvider) Send(ctx context.Context, message, recipient string, event Event) error {
	log.Printf("notify %s to %s: %s", p.channel, recipient, message)
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, message, recipient string, event Event) error {
	return nil
}

type failProvider struct{}

func (failProvider) Send(ctx context.Context, message, recipient string, event Event) error {
	return errors.New("provider failure")
}

type payload struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Event     Event  `json:"event"`
}

type webhookProvider struct {
	channel string
	url     string
	token   string
	client  *http.Client
}

func newWebhookProvider(channel, url, token string) webhookProvider {
	return webhookProvider{
		channel: channel,
		url:     url,
		token:   token,
		client: &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (p webhookProvider) Send(ctx context.Context, message, recipient string, event Event) error {
	body, err := json.Marshal(payload{Channel: p.channel, Recipient: recipient, Message: message, Event: event})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider rejected request: %d", resp.StatusCode)
	}
	return nil
}

type amqpProvider struct {
	channel   string
	publisher Publisher
	exchange  string
}

func (p amqpProvider) Send(ctx context.Context, message, recipient string, event Event) error {
	body, err := json.Marshal(payload{Channel: p.channel, Recipient: recipient, Message: message, Event: event})
	if err != nil {
		return err
	}
	key := p.channel + "." + event.Type
	return p.publisher.Publish(ctx, p.exchange, key, body)
}

type realtimeProvider struct {
	channel string
	hub     *realtime.Hub
}

func (p realtimeProvider) Send(ctx context.Context, message, recipient string, event Event) error {
	body, err := json.Marshal(payload{Channel: p.channel, Recipient: recipient, Message: message, Event: event})
	if err != nil {
		return err
	}
	meta := realtime.Subscription{VenueID: event.VenueID, BranchID: event.BranchID}
	if p.channel == ChannelWorker {
		meta.WorkerID = recipient
	}
	p.hub.Broadcast(body, meta)
	return nil
}
