package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/passline/passline/internal/actions"
	"github.com/passline/passline/internal/config"
	"github.com/passline/passline/internal/marketing"
	"github.com/passline/passline/internal/notify"
	"github.com/passline/passline/internal/store"
	"github.com/passline/passline/internal/worker"
)

// engine is the wired scheduler stack of one process.
type engine struct {
	store      *store.Store
	scheduler  *worker.Scheduler
	controller *worker.Controller
}

func newEngine(cfg *config.Config, db *pgxpool.Pool, reg prometheus.Registerer) (*engine, error) {
	st := store.New(db)
	router, err := worker.NewRouter(actions.Registrations(buildDeps(cfg, st))...)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	sched, err := worker.NewScheduler(st, router, cfg.Worker(),
		worker.WithLogger(slog.Default()),
		worker.WithMetrics(worker.NewMetrics(reg)),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return &engine{
		store:      st,
		scheduler:  sched,
		controller: worker.NewController(sched),
	}, nil
}

// buildDeps constructs the executor collaborators. Channels without
// configuration stay nil and their actions fail permanently.
func buildDeps(cfg *config.Config, st *store.Store) actions.Deps {
	outbound := notify.BuildSafeClient(cfg.OutboundTimeout)
	d := actions.Deps{
		Store:         st,
		Email:         notify.NewSMTPSender(cfg.SMTP()),
		WebhookClient: outbound,
		WebhookSecret: cfg.WebhookSigningSecret,
		ReportBaseURL: cfg.ReportBaseURL,
		Logger:        slog.Default(),
	}
	if cfg.SMSAPIURL != "" {
		d.SMS = notify.NewHTTPSMSSender(notify.SMSConfig{
			URL:    cfg.SMSAPIURL,
			APIKey: cfg.SMSAPIKey,
			Sender: cfg.SMSSender,
		}, outbound)
	}
	if cfg.PushGatewayURL != "" {
		d.Push = notify.NewGatewayPusher(notify.PushConfig{
			GatewayURL:    cfg.PushGatewayURL,
			SigningSecret: cfg.PushSigningSecret,
		}, outbound)
	}
	if cfg.MarketingAPIURL != "" {
		d.Marketing = marketing.New(cfg.Marketing(), nil)
	}
	return d
}

// ── drain ─────────────────────────────────────────────────────────────────────

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Process eligible actions until an iteration claims nothing, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			eng, err := newEngine(cfg, db, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			st, err := eng.scheduler.Drain(cmd.Context())
			slog.Info("drain finished",
				"iterations", st.Iterations,
				"found", st.Found,
				"claimed", st.Claimed,
				"contended", st.Contended,
				"back_pressure", st.BackPressure,
				"outcomes", st.Outcomes,
			)

			// Timed-out executors may still hold connections; db.Close waits
			// for them, so bound the wait here and say so.
			wctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
			defer cancel()
			if werr := eng.scheduler.WaitReleased(wctx); werr != nil {
				slog.Warn("executors outlived drain", "err", werr)
			}

			if err != nil {
				return fmt.Errorf("drain: %w", err)
			}
			return nil
		},
	}
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		actionType   string
		channel      string
		payload      string
		subjectTable string
		subjectID    string
		delay        time.Duration
		maxAttempts  int32
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create one pending action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := store.CreateActionParams{
				ActionType:      actionType,
				ChannelType:     channel,
				Payload:         json.RawMessage(payload),
				SubjectTable:    subjectTable,
				Delay:           delay,
				MaxAttemptCount: maxAttempts,
			}
			if subjectID != "" {
				id, err := uuid.Parse(subjectID)
				if err != nil {
					return fmt.Errorf("--subject-id: %w", err)
				}
				p.SubjectID = uuid.NullUUID{UUID: id, Valid: true}
			}
			if err := p.Validate(); err != nil {
				return err
			}

			_, db, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			a, err := store.New(db).CreateAction(cmd.Context(), db, p)
			if err != nil {
				return err
			}
			slog.Info("action enqueued",
				"action_id", a.ID,
				"action_type", a.ActionType,
				"scheduled_at", a.ScheduledAt,
				"expires_at", a.ExpiresAt,
			)
			fmt.Fprintln(cmd.OutOrStdout(), a.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&actionType, "type", "", "action type (required)")
	f.StringVar(&channel, "channel", "", "channel type, e.g. email, sms, webhook")
	f.StringVar(&payload, "payload", "{}", "JSON payload")
	f.StringVar(&subjectTable, "subject-table", "", "subject table, e.g. events")
	f.StringVar(&subjectID, "subject-id", "", "subject row id (UUID)")
	f.DurationVar(&delay, "delay", 0, "delay before the action becomes eligible")
	f.Int32Var(&maxAttempts, "max-attempts", 0, "attempt cap (default 5)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// ── cancel ────────────────────────────────────────────────────────────────────

func cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <action-id>",
		Short: "Cancel a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("action id: %w", err)
			}

			_, db, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			a, err := store.New(db).CancelAction(cmd.Context(), db, id, reason)
			if errors.Is(err, store.ErrActionNotPending) {
				return fmt.Errorf("cannot cancel: %w", err)
			}
			if err != nil {
				return err
			}
			slog.Info("action cancelled", "action_id", a.ID, "action_type", a.ActionType)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "recorded as last_failure_reason")
	return cmd
}
