// ABOUTME: Tests for signed outbound delivery: HMAC signing, status classification, redirect rejection.
package notify_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passline/passline/internal/notify"
)

func buildTestClient() *http.Client {
	// In tests use a plain http.Client (safeurl blocks private IPs used by httptest).
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestSend_HMACHeadersCorrect(t *testing.T) {
	var gotTS, gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTS = r.Header.Get(notify.HeaderTimestamp)
		gotSig = r.Header.Get(notify.HeaderSignature)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	payload := []byte(`{"event":"order.completed","order_id":"o-1"}`)
	secret := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	err := notify.Send(context.Background(), buildTestClient(), notify.WebhookConfig{
		URL:           srv.URL,
		SigningSecret: secret,
	}, payload)
	require.NoError(t, err)

	require.NotEmpty(t, gotTS)
	tsInt, err := strconv.ParseInt(gotTS, 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), tsInt, 5)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gotTS + "." + string(gotBody)))
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, expected, gotSig)
	assert.Equal(t, expected, notify.Sign(secret, gotTS, payload))
}

func TestSend_NoSecretNoSignature(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(notify.HeaderSignature)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := notify.Send(context.Background(), buildTestClient(), notify.WebhookConfig{URL: srv.URL}, []byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, gotSig)
}

func TestSend_StatusClassification(t *testing.T) {
	cases := []struct {
		status   int
		rejected bool
	}{
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusTooManyRequests, false},
		{http.StatusRequestTimeout, false},
		{http.StatusBadRequest, true},
		{http.StatusGone, true},
	}
	for _, tc := range cases {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			err := notify.Send(context.Background(), buildTestClient(), notify.WebhookConfig{
				URL: srv.URL, SigningSecret: "x",
			}, []byte(`{}`))
			require.Error(t, err)
			assert.Contains(t, err.Error(), strconv.Itoa(tc.status))

			var se *notify.StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tc.status, se.StatusCode)
			assert.Equal(t, tc.rejected, notify.IsRejected(err))
		})
	}
}

func TestSend_DeniedHeaderStripped(t *testing.T) {
	var gotHost, gotCustom, gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotCustom = r.Header.Get("X-Custom")
		gotSig = r.Header.Get(notify.HeaderSignature)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := notify.Send(context.Background(), buildTestClient(), notify.WebhookConfig{
		URL:           srv.URL,
		SigningSecret: "x",
		CustomHeaders: map[string]string{
			"Host":                 "evil.internal",
			"X-Custom":             "ok",
			notify.HeaderSignature: "forged",
		},
	}, []byte(`{}`))
	require.NoError(t, err)
	assert.NotEqual(t, "evil.internal", gotHost)
	assert.Equal(t, "ok", gotCustom)
	assert.NotEqual(t, "forged", gotSig)
}

func TestSend_RedirectRejected(t *testing.T) {
	inner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer inner.Close()

	outer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, inner.URL, http.StatusFound)
	}))
	defer outer.Close()

	err := notify.Send(context.Background(), buildTestClient(), notify.WebhookConfig{
		URL: outer.URL, SigningSecret: "x",
	}, []byte(`{}`))
	// 302 is not followed and counts as a rejection.
	require.Error(t, err)
	assert.Contains(t, err.Error(), "302")
	assert.True(t, notify.IsRejected(err))
}

func TestBuildSafeClient_BlocksLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := notify.Send(context.Background(), notify.BuildSafeClient(2*time.Second), notify.WebhookConfig{
		URL: srv.URL,
	}, []byte(`{}`))
	require.Error(t, err)
	assert.False(t, notify.IsRejected(err))
}
