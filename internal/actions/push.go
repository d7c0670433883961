package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/passline/passline/internal/notify"
	"github.com/passline/passline/internal/store"
	"github.com/passline/passline/internal/worker"
)

// PushPayload is the payload of push_notification.
type PushPayload struct {
	DeviceTokens []string          `json:"device_tokens"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	Data         map[string]string `json:"data,omitempty"`
}

// Validate implements worker.Validator.
func (p *PushPayload) Validate() error {
	if len(p.DeviceTokens) == 0 {
		return errors.New("device_tokens are required")
	}
	if p.Title == "" && p.Body == "" {
		return errors.New("title or body is required")
	}
	return nil
}

func (e *executors) pushNotification(ctx context.Context, _ *store.Action, _ pgx.Tx, p PushPayload) error {
	if e.Push == nil {
		return worker.Permanent(fmt.Errorf("push: %w", errNotConfigured))
	}
	return classify(e.Push.Push(ctx, notify.PushMessage{
		DeviceTokens: p.DeviceTokens,
		Title:        p.Title,
		Body:         p.Body,
		Data:         p.Data,
	}))
}
