package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/passline/passline/internal/notify"
	"github.com/passline/passline/internal/store"
	"github.com/passline/passline/internal/worker"
)

// CommunicationPayload is the payload of send_communication. Which fields are
// required depends on the action's channel type.
type CommunicationPayload struct {
	Recipients []string `json:"recipients,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	HTMLBody   string   `json:"html_body,omitempty"`
	TextBody   string   `json:"text_body,omitempty"`
	// URL and Message are used by the webhook channel; Message is also the
	// SMS text.
	URL     string          `json:"url,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// validateFor checks the fields channel needs.
func (p *CommunicationPayload) validateFor(channel string) error {
	switch channel {
	case ChannelEmail:
		if len(p.Recipients) == 0 {
			return errors.New("email requires recipients")
		}
		if strings.TrimSpace(p.Subject) == "" {
			return errors.New("email requires a subject")
		}
		if p.TextBody == "" && p.HTMLBody == "" {
			return errors.New("email requires a body")
		}
	case ChannelSMS:
		if len(p.Recipients) == 0 {
			return errors.New("sms requires recipients")
		}
		if p.Message == "" {
			return errors.New("sms requires a message")
		}
	case ChannelWebhook:
		if p.URL == "" {
			return errors.New("webhook requires a url")
		}
	case "":
		return errors.New("channel_type is required")
	default:
		return fmt.Errorf("unsupported channel %q", channel)
	}
	return nil
}

type webhookBody struct {
	ActionID string          `json:"action_id"`
	Subject  string          `json:"subject,omitempty"`
	Message  string          `json:"message,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (e *executors) sendCommunication(ctx context.Context, a *store.Action, _ pgx.Tx, p CommunicationPayload) error {
	channel := a.Channel()
	if err := p.validateFor(channel); err != nil {
		return worker.Permanent(fmt.Errorf("send communication: %w", err))
	}

	switch channel {
	case ChannelEmail:
		if e.Email == nil {
			return worker.Permanent(fmt.Errorf("email channel: %w", errNotConfigured))
		}
		return classify(e.Email.SendEmail(ctx, notify.Email{
			Recipients: p.Recipients,
			Subject:    p.Subject,
			HTMLBody:   p.HTMLBody,
			TextBody:   p.TextBody,
		}))

	case ChannelSMS:
		if e.SMS == nil {
			return worker.Permanent(fmt.Errorf("sms channel: %w", errNotConfigured))
		}
		return classify(e.SMS.SendSMS(ctx, notify.SMS{Recipients: p.Recipients, Body: p.Message}))

	default: // ChannelWebhook
		if e.WebhookClient == nil {
			return worker.Permanent(fmt.Errorf("webhook channel: %w", errNotConfigured))
		}
		body, err := json.Marshal(webhookBody{
			ActionID: a.ID.String(),
			Subject:  p.Subject,
			Message:  p.Message,
			Data:     p.Data,
		})
		if err != nil {
			return worker.Permanent(fmt.Errorf("marshal webhook body: %w", err))
		}
		return classify(notify.Send(ctx, e.WebhookClient, notify.WebhookConfig{
			URL:           p.URL,
			SigningSecret: e.WebhookSecret,
		}, body))
	}
}
