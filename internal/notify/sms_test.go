package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passline/passline/internal/notify"
)

func TestHTTPSMSSender_PostsMessage(t *testing.T) {
	var got struct {
		From string   `json:"from"`
		To   []string `json:"to"`
		Body string   `json:"body"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := notify.NewHTTPSMSSender(notify.SMSConfig{URL: srv.URL, APIKey: "k-1", Sender: "PASSLINE"}, buildTestClient())
	err := s.SendSMS(context.Background(), notify.SMS{
		Recipients: []string{"+447700900001", "+447700900002"},
		Body:       "Doors open at 7pm",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer k-1", auth)
	assert.Equal(t, "PASSLINE", got.From)
	assert.Equal(t, []string{"+447700900001", "+447700900002"}, got.To)
	assert.Equal(t, "Doors open at 7pm", got.Body)
}

func TestHTTPSMSSender_ProviderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	s := notify.NewHTTPSMSSender(notify.SMSConfig{URL: srv.URL}, buildTestClient())
	err := s.SendSMS(context.Background(), notify.SMS{Recipients: []string{"+447700900001"}, Body: "x"})
	require.Error(t, err)
	assert.True(t, notify.IsRejected(err))
}

func TestHTTPSMSSender_NoRecipients(t *testing.T) {
	s := notify.NewHTTPSMSSender(notify.SMSConfig{URL: "http://unused.invalid"}, buildTestClient())
	err := s.SendSMS(context.Background(), notify.SMS{Body: "x"})
	assert.True(t, errors.Is(err, notify.ErrNoRecipients))
}
