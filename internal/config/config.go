// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing or if [Config.Validate]
// rejects the engine settings.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/passline/passline/internal/marketing"
	"github.com/passline/passline/internal/notify"
	"github.com/passline/passline/internal/worker"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	// DatabaseURLMigrate is used by `passline migrate` when set (e.g. a direct
	// connection bypassing PgBouncer).
	DatabaseURLMigrate   string        `env:"DATABASE_URL_MIGRATE"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Process ──────────────────────────────────────────────────────────────────
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	OpsListenAddr          string `env:"OPS_LISTEN_ADDR"          envDefault:":9090"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`
	// AdminTokenSHA256 enables the /v1 admin routes of the ops server; see
	// `passline token`.
	AdminTokenSHA256 string `env:"ADMIN_TOKEN_SHA256"`

	// ── Engine ───────────────────────────────────────────────────────────────────
	EnginePollInterval   time.Duration `env:"ENGINE_POLL_INTERVAL"   envDefault:"2s"`
	EngineLease          time.Duration `env:"ENGINE_LEASE"           envDefault:"60s"`
	EngineExecTimeout    time.Duration `env:"ENGINE_EXEC_TIMEOUT"    envDefault:"55s"`
	EnginePoolFraction   float64       `env:"ENGINE_POOL_FRACTION"   envDefault:"0.25"`
	EngineAcquireTimeout time.Duration `env:"ENGINE_ACQUIRE_TIMEOUT" envDefault:"250ms"`
	EngineErrorBackoff   time.Duration `env:"ENGINE_ERROR_BACKOFF"   envDefault:"5s"`
	// EngineSweepInterval of 0 disables the expiry sweeper in this process.
	EngineSweepInterval time.Duration `env:"ENGINE_SWEEP_INTERVAL" envDefault:"1m"`
	EngineSweepBatch    int           `env:"ENGINE_SWEEP_BATCH"    envDefault:"500"`
	// EngineActionTypes restricts this process to a comma-separated subset of
	// action types; empty runs every registered type.
	EngineActionTypes []string `env:"ENGINE_ACTION_TYPES" envSeparator:","`

	// ── Email (SMTP) ─────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST"      envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT"      envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM"      envDefault:"passline@localhost"`
	SMTPFromName string `env:"SMTP_FROM_NAME" envDefault:"Passline"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"       envDefault:"false"`

	// ── SMS ──────────────────────────────────────────────────────────────────────
	// SMS actions fail permanently while SMSAPIURL is empty.
	SMSAPIURL string `env:"SMS_API_URL"`
	SMSAPIKey string `env:"SMS_API_KEY"`
	SMSSender string `env:"SMS_SENDER" envDefault:"Passline"`

	// ── Webhooks and push ────────────────────────────────────────────────────────
	WebhookSigningSecret string        `env:"WEBHOOK_SIGNING_SECRET"`
	PushGatewayURL       string        `env:"PUSH_GATEWAY_URL"`
	PushSigningSecret    string        `env:"PUSH_SIGNING_SECRET"`
	OutboundTimeout      time.Duration `env:"OUTBOUND_TIMEOUT" envDefault:"10s"`

	// ── Marketing provider ───────────────────────────────────────────────────────
	MarketingAPIURL        string `env:"MARKETING_API_URL"`
	MarketingAPIKey        string `env:"MARKETING_API_KEY"`
	MarketingRatePerMinute int    `env:"MARKETING_RATE_PER_MINUTE" envDefault:"120"`
	MarketingRateBurst     int    `env:"MARKETING_RATE_BURST"      envDefault:"5"`

	// ── Reports ──────────────────────────────────────────────────────────────────
	ReportBaseURL string `env:"REPORT_BASE_URL"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses Config from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would break the engine at runtime.
func (c *Config) Validate() error {
	if c.DBMaxConns < 1 {
		return errors.New("DB_MAX_CONNS must be at least 1")
	}
	switch c.DBQueryExecMode {
	case "simple_protocol", "extended_protocol":
	default:
		return fmt.Errorf("DB_QUERY_EXEC_MODE %q: want simple_protocol or extended_protocol", c.DBQueryExecMode)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT %q: want json or text", c.LogFormat)
	}
	if c.AdminTokenSHA256 != "" && len(c.AdminTokenSHA256) != 64 {
		return errors.New("ADMIN_TOKEN_SHA256 must be a 64-character sha256 hex digest")
	}
	if err := c.Worker().Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}
	return nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// Worker returns the scheduler settings.
func (c *Config) Worker() worker.Config {
	return worker.Config{
		PollInterval:   c.EnginePollInterval,
		Lease:          c.EngineLease,
		ExecTimeout:    c.EngineExecTimeout,
		PoolFraction:   c.EnginePoolFraction,
		AcquireTimeout: c.EngineAcquireTimeout,
		ErrorBackoff:   c.EngineErrorBackoff,
		SweepInterval:  c.EngineSweepInterval,
		SweepBatch:     c.EngineSweepBatch,
		ActionTypes:    c.EngineActionTypes,
	}
}

// SMTP returns the email channel settings.
func (c *Config) SMTP() notify.SmtpConfig {
	return notify.SmtpConfig{
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		From:     c.SMTPFrom,
		FromName: c.SMTPFromName,
		Username: c.SMTPUsername,
		Password: c.SMTPPassword,
		TLS:      c.SMTPTLS,
	}
}

// Marketing returns the marketing client settings.
func (c *Config) Marketing() marketing.Config {
	mc := marketing.DefaultConfig()
	mc.BaseURL = c.MarketingAPIURL
	mc.APIKey = c.MarketingAPIKey
	mc.RatePerMinute = c.MarketingRatePerMinute
	mc.RateBurst = c.MarketingRateBurst
	return mc
}
