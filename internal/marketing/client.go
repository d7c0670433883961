// ABOUTME: HTTP client for the email-marketing provider (lists and contact imports).
// ABOUTME: Requests pass through a token-bucket limiter, a circuit breaker, and bounded retry.
package marketing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Config holds the provider endpoint and client tuning.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// RatePerMinute and RateBurst size the token bucket shared by all requests.
	RatePerMinute int
	RateBurst     int

	RetryCount int
	RetryDelay time.Duration

	// Breaker opens after BreakerFailures consecutive failures and probes
	// again after BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultConfig returns production defaults for everything except the endpoint.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		RatePerMinute:   120,
		RateBurst:       5,
		RetryCount:      2,
		RetryDelay:      time.Second,
		BreakerFailures: 5,
		BreakerCooldown: time.Minute,
	}
}

// Client talks to the marketing provider.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// New creates a Client. A nil httpClient gets a plain client with cfg.Timeout.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = DefaultConfig().RatePerMinute
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultConfig().BreakerFailures
	}
	failures := cfg.BreakerFailures
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerMinute)/60, cfg.RateBurst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "marketing",
			Timeout: cfg.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			// A rejected request says nothing about provider health.
			IsSuccessful: func(err error) bool {
				return err == nil || IsRejected(err)
			},
		}),
	}
}

// do runs one logical request with retry. Only retryable failures are retried
// and the limiter is consulted before every attempt.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var err error
	for attempt := 0; attempt <= c.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(c.cfg.RetryDelay * time.Duration(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if werr := c.limiter.Wait(ctx); werr != nil {
			return fmt.Errorf("marketing rate limit: %w", werr)
		}
		_, err = c.breaker.Execute(func() (any, error) {
			return nil, c.doRequest(ctx, method, path, body, out)
		})
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !IsRejected(err)
}
