// ABOUTME: Push notification delivery through the signed push gateway.
// ABOUTME: Reuses Send for HMAC signing; gateway rejections surface as *StatusError.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrNoDevices is returned when a push message has no device tokens.
var ErrNoDevices = errors.New("no device tokens")

// PushConfig holds the push gateway endpoint and signing secret.
type PushConfig struct {
	GatewayURL    string
	SigningSecret string
}

// PushMessage is one notification fanned out to DeviceTokens by the gateway.
type PushMessage struct {
	DeviceTokens []string          `json:"device_tokens"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	Data         map[string]string `json:"data,omitempty"`
}

// PushSender delivers push notifications.
type PushSender interface {
	Push(ctx context.Context, msg PushMessage) error
}

// GatewayPusher posts push messages to the gateway.
type GatewayPusher struct {
	cfg    PushConfig
	client *http.Client
}

// NewGatewayPusher creates a GatewayPusher using client for requests.
func NewGatewayPusher(cfg PushConfig, client *http.Client) *GatewayPusher {
	return &GatewayPusher{cfg: cfg, client: client}
}

// Push sends msg to the gateway.
func (p *GatewayPusher) Push(ctx context.Context, msg PushMessage) error {
	if len(msg.DeviceTokens) == 0 {
		return fmt.Errorf("push: %w", ErrNoDevices)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("push: marshal: %w", err)
	}
	if err := Send(ctx, p.client, WebhookConfig{
		URL:           p.cfg.GatewayURL,
		SigningSecret: p.cfg.SigningSecret,
	}, body); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}
