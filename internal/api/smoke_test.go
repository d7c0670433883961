package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passline/passline/internal/api"
	"github.com/passline/passline/internal/auth"
	"github.com/passline/passline/internal/testutil"
)

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()
	return do(t, srv, http.MethodGet, path, "", "")
}

// do sends one request; a non-empty token is sent as a bearer credential.
func do(t *testing.T, srv *httptest.Server, method, path, body, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req) //nolint:gosec // G704 false positive: srv.URL is httptest.Server, not user input
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

// TestSmokeProbes runs the ops handler against a real Postgres container and
// checks the liveness, readiness and metrics endpoints.
func TestSmokeProbes(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)

	reg := prometheus.NewRegistry()
	probe := prometheus.NewCounter(prometheus.CounterOpts{Name: "passline_smoke_total", Help: "smoke"})
	reg.MustRegister(probe)
	probe.Inc()

	apiSrv := api.NewServer(db.Store, api.Options{Gatherer: reg})
	t.Cleanup(apiSrv.Close)
	srv := httptest.NewServer(apiSrv.Handler())
	t.Cleanup(srv.Close)

	resp, body := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, body = get(t, srv, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","db":"ok"}`, string(body))

	resp, body = get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "passline_smoke_total 1"), "metrics body: %s", body)
}

// TestSmokeReadyzDegraded verifies that /readyz returns 503 without a store
// while /healthz still reports the process alive.
func TestSmokeReadyzDegraded(t *testing.T) {
	t.Parallel()

	apiSrv := api.NewServer(nil, api.Options{Gatherer: prometheus.NewRegistry()})
	t.Cleanup(apiSrv.Close)
	srv := httptest.NewServer(apiSrv.Handler())
	t.Cleanup(srv.Close)

	resp, _ := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := get(t, srv, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var got struct {
		Status string `json:"status"`
		DB     string `json:"db"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "degraded", got.Status)
	assert.Equal(t, "unavailable", got.DB)

	// No admin token configured: the admin routes do not exist.
	resp, _ = get(t, srv, "/v1/actions/00000000-0000-0000-0000-000000000001")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	t.Parallel()

	raw, hash, err := auth.GenerateToken()
	require.NoError(t, err)
	apiSrv := api.NewServer(nil, api.Options{Gatherer: prometheus.NewRegistry(), AdminTokenHash: hash})
	t.Cleanup(apiSrv.Close)
	srv := httptest.NewServer(apiSrv.Handler())
	t.Cleanup(srv.Close)

	path := "/v1/actions/00000000-0000-0000-0000-000000000001"
	resp, _ := get(t, srv, path)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))

	resp, _ = do(t, srv, http.MethodGet, path, "", raw+"x")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Authenticated, but no database behind the server.
	resp, _ = do(t, srv, http.MethodGet, path, "", raw)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
