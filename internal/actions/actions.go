// Package actions holds the executors for Passline's built-in action types.
//
// Each executor decodes its payload with worker.Typed, does its work through
// an injected collaborator and, where the workflow continues, enqueues the
// next action through the transaction it was handed. Those continuations
// commit only if the running action is marked successful.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/passline/passline/internal/marketing"
	"github.com/passline/passline/internal/notify"
	"github.com/passline/passline/internal/store"
	"github.com/passline/passline/internal/worker"
)

// Action types handled by this package.
const (
	TypeSendCommunication       = "send_communication"
	TypeCreateMarketingList     = "create_marketing_list"
	TypeImportMarketingContacts = "import_marketing_contacts"
	TypeGenerateReport          = "generate_report"
	TypePushNotification        = "push_notification"
)

// Channel types of send_communication.
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
)

// ImportInterval is the gap between recurring contact imports of an event
// that is still on sale.
const ImportInterval = 12 * time.Hour

// MarketingAPI is the subset of the marketing provider client the executors use.
type MarketingAPI interface {
	CreateList(ctx context.Context, name, externalID string) (*marketing.List, error)
	UpsertContacts(ctx context.Context, listID string, contacts []marketing.Contact) (marketing.ImportResult, error)
}

var _ MarketingAPI = (*marketing.Client)(nil)

// Deps are the collaborators the executors call. A nil collaborator makes the
// action types that need it fail permanently, so a worker started without
// e.g. SMS credentials errors SMS actions instead of retrying them.
type Deps struct {
	Store     *store.Store
	Email     notify.EmailSender
	SMS       notify.SMSSender
	Push      notify.PushSender
	Marketing MarketingAPI

	// WebhookClient delivers send_communication webhooks; it should be the
	// SSRF-safe client from notify.BuildSafeClient.
	WebhookClient *http.Client
	// WebhookSecret signs webhook bodies; empty disables signing.
	WebhookSecret string
	// ReportBaseURL prefixes event links in report emails; empty omits them.
	ReportBaseURL string

	Logger *slog.Logger
	// Now is the clock used for sales-window checks; defaults to time.Now.
	Now func() time.Time
}

// errNotConfigured is returned when an action needs a collaborator the
// process was started without.
var errNotConfigured = errors.New("not configured")

type executors struct {
	Deps
}

// Registrations returns the static router table for the built-in action types.
func Registrations(d Deps) []worker.Registration {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	e := &executors{Deps: d}
	return []worker.Registration{
		{ActionType: TypeSendCommunication, Executor: worker.Typed(e.sendCommunication)},
		{ActionType: TypeCreateMarketingList, Executor: worker.Typed(e.createMarketingList)},
		{ActionType: TypeImportMarketingContacts, Executor: worker.Typed(e.importMarketingContacts)},
		{ActionType: TypeGenerateReport, Executor: worker.Typed(e.generateReport)},
		{ActionType: TypePushNotification, Executor: worker.Typed(e.pushNotification)},
	}
}

// Types lists the built-in action types.
func Types() []string {
	return []string{
		TypeSendCommunication,
		TypeCreateMarketingList,
		TypeImportMarketingContacts,
		TypeGenerateReport,
		TypePushNotification,
	}
}

// classify marks collaborator errors that cannot succeed on retry as permanent.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case notify.IsRejected(err), marketing.IsRejected(err),
		errors.Is(err, notify.ErrNoRecipients), errors.Is(err, notify.ErrNoDevices):
		return worker.Permanent(err)
	}
	return err
}

// enqueue creates a continuation of parent through tx. The new action inherits
// the parent's origin event.
func (e *executors) enqueue(ctx context.Context, tx pgx.Tx, parent *store.Action, p store.CreateActionParams, payload any) (*store.Action, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.ActionType, err)
	}
	p.Payload = raw
	p.OriginEventID = parent.OriginEventID
	a, err := e.Store.CreateAction(ctx, tx, p)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", p.ActionType, err)
	}
	e.Logger.Info("enqueued follow-up action",
		"parent_id", parent.ID,
		"action_id", a.ID,
		"action_type", a.ActionType,
		"scheduled_at", a.ScheduledAt,
	)
	return a, nil
}

func eventSubject(id uuid.UUID) (string, uuid.NullUUID) {
	return store.SubjectEvents, uuid.NullUUID{UUID: id, Valid: true}
}
