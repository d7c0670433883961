// ABOUTME: Signed outbound HTTP delivery shared by the webhook channel and the push gateway.
// ABOUTME: Send is a pure function; the http.Client is injected (constructed once at startup).
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names set on every signed delivery.
const (
	HeaderTimestamp = "X-Passline-Timestamp"
	HeaderSignature = "X-Passline-Signature"
)

// WebhookConfig holds the delivery-time target of a signed POST.
type WebhookConfig struct {
	URL           string
	SigningSecret string            // empty disables signing
	CustomHeaders map[string]string // applied after denylist filtering
}

// deniedHeaders are custom header keys that callers must not override.
var deniedHeaders = map[string]bool{
	"host":                         true,
	"content-type":                 true,
	"content-length":               true,
	"transfer-encoding":            true,
	"connection":                   true,
	strings.ToLower(HeaderTimestamp): true,
	strings.ToLower(HeaderSignature): true,
}

// StatusError is returned by Send for a non-2xx response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Retryable reports whether the receiver may accept the same request later:
// 5xx, 408 and 429 are retryable, every other 4xx is a rejection.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests
}

// IsRejected reports whether err is a non-retryable HTTP rejection.
func IsRejected(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && !se.Retryable()
}

// Send posts payload to cfg.URL, signs it with HMAC-SHA256 over
// "timestamp.body" and discards the response body.
func Send(ctx context.Context, client *http.Client, cfg WebhookConfig, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	for k, v := range cfg.CustomHeaders {
		if !deniedHeaders[strings.ToLower(k)] {
			req.Header.Set(k, v)
		}
	}

	if cfg.SigningSecret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, Sign(cfg.SigningSecret, ts, payload))
	}

	resp, err := client.Do(req) //nolint:gosec // G107: SSRF is enforced by the safeurl-wrapped client injected at startup
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: %w", &StatusError{StatusCode: resp.StatusCode})
	}
	return nil
}

// Sign returns the "sha256=<hex>" signature of ts.payload under secret.
func Sign(secret, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
