// ABOUTME: SMS delivery through the provider's JSON HTTP API.
// ABOUTME: One request per message; recipients are sent together and the provider fans out.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// SMSConfig holds the SMS provider endpoint and credentials.
type SMSConfig struct {
	URL    string
	APIKey string
	Sender string
}

// SMS is one text message.
type SMS struct {
	Recipients []string
	Body       string
}

// SMSSender delivers text messages.
type SMSSender interface {
	SendSMS(ctx context.Context, msg SMS) error
}

// HTTPSMSSender is the provider-API backed SMSSender.
type HTTPSMSSender struct {
	cfg    SMSConfig
	client *http.Client
}

// NewHTTPSMSSender creates an HTTPSMSSender using client for requests.
func NewHTTPSMSSender(cfg SMSConfig, client *http.Client) *HTTPSMSSender {
	return &HTTPSMSSender{cfg: cfg, client: client}
}

type smsRequest struct {
	From string   `json:"from"`
	To   []string `json:"to"`
	Body string   `json:"body"`
}

// SendSMS posts msg to the provider. Non-2xx responses are returned as *StatusError.
func (s *HTTPSMSSender) SendSMS(ctx context.Context, msg SMS) error {
	if len(msg.Recipients) == 0 {
		return fmt.Errorf("sms send: %w", ErrNoRecipients)
	}
	body, err := json.Marshal(smsRequest{From: s.cfg.Sender, To: msg.Recipients, Body: msg.Body})
	if err != nil {
		return fmt.Errorf("sms send: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sms send: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req) //nolint:gosec // G107: provider URL comes from operator config
	if err != nil {
		return fmt.Errorf("sms send: %w", err)
	}
	defer resp.Body.Close()                              //nolint:errcheck
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms send: %w", &StatusError{StatusCode: resp.StatusCode})
	}
	return nil
}
