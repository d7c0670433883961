package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passline/passline/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/passline")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, int32(25), cfg.DBMaxConns)
	assert.Equal(t, "simple_protocol", cfg.DBQueryExecMode)
	assert.True(t, cfg.IsDevelopment())

	w := cfg.Worker()
	assert.Equal(t, 60*time.Second, w.Lease)
	assert.Equal(t, 55*time.Second, w.ExecTimeout)
	assert.InDelta(t, 0.25, w.PoolFraction, 1e-9)
	assert.Empty(t, w.ActionTypes)
	assert.Equal(t, "Passline", cfg.SMTP().FromName)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_EngineOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/passline")
	t.Setenv("ENGINE_ACTION_TYPES", "send_communication,push_notification")
	t.Setenv("ENGINE_LEASE", "2m")
	t.Setenv("ENGINE_EXEC_TIMEOUT", "90s")
	t.Setenv("MARKETING_RATE_PER_MINUTE", "30")

	cfg, err := config.Load()
	require.NoError(t, err)
	w := cfg.Worker()
	assert.Equal(t, []string{"send_communication", "push_notification"}, w.ActionTypes)
	assert.Equal(t, 2*time.Minute, w.Lease)
	assert.Equal(t, 30, cfg.Marketing().RatePerMinute)
}

func TestLoad_RejectsInvalidEngineSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"timeout not below lease": {"ENGINE_LEASE": "30s", "ENGINE_EXEC_TIMEOUT": "30s"},
		"pool fraction too large": {"ENGINE_POOL_FRACTION": "1.5"},
		"pool fraction zero":      {"ENGINE_POOL_FRACTION": "0"},
		"unknown exec mode":       {"DB_QUERY_EXEC_MODE": "pipeline"},
		"unknown log format":      {"LOG_FORMAT": "xml"},
		"no connections":          {"DB_MAX_CONNS": "0"},
		"short admin token hash":  {"ADMIN_TOKEN_SHA256": "abc123"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "postgres://localhost/passline")
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}
