package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/passline/passline/internal/marketing"
	"github.com/passline/passline/internal/store"
	"github.com/passline/passline/internal/worker"
)

// MarketingListPayload is the payload of create_marketing_list. Name defaults
// to the event name.
type MarketingListPayload struct {
	EventID uuid.UUID `json:"event_id"`
	Name    string    `json:"name,omitempty"`
}

// Validate implements worker.Validator.
func (p *MarketingListPayload) Validate() error {
	if p.EventID == uuid.Nil {
		return errors.New("event_id is required")
	}
	return nil
}

// ImportContactsPayload is the payload of import_marketing_contacts.
type ImportContactsPayload struct {
	EventID uuid.UUID `json:"event_id"`
	ListID  string    `json:"list_id"`
}

// Validate implements worker.Validator.
func (p *ImportContactsPayload) Validate() error {
	if p.EventID == uuid.Nil {
		return errors.New("event_id is required")
	}
	if p.ListID == "" {
		return errors.New("list_id is required")
	}
	return nil
}

// createMarketingList creates the provider list for an event and, unless an
// import is already queued for the event, enqueues the first import.
func (e *executors) createMarketingList(ctx context.Context, a *store.Action, tx pgx.Tx, p MarketingListPayload) error {
	if e.Marketing == nil {
		return worker.Permanent(fmt.Errorf("marketing: %w", errNotConfigured))
	}
	ev, err := e.Store.GetEventSalesInfo(ctx, tx, p.EventID)
	if err != nil {
		return err
	}
	if ev == nil {
		return worker.Permanent(fmt.Errorf("event %s not found", p.EventID))
	}

	name := p.Name
	if name == "" {
		name = ev.Name
	}
	// The event id is the provider-side idempotency key, so a retry after a
	// lost response finds the list created by the earlier attempt.
	list, err := e.Marketing.CreateList(ctx, name, p.EventID.String())
	if err != nil {
		return classify(err)
	}

	table, subject := eventSubject(p.EventID)
	pending, err := e.Store.HasPendingAction(ctx, tx, TypeImportMarketingContacts, table, subject.UUID)
	if err != nil {
		return err
	}
	if pending {
		e.Logger.Info("import already pending, not enqueuing", "event_id", p.EventID, "list_id", list.ID)
		return nil
	}
	_, err = e.enqueue(ctx, tx, a, store.CreateActionParams{
		ActionType:   TypeImportMarketingContacts,
		SubjectTable: table,
		SubjectID:    subject,
	}, ImportContactsPayload{EventID: p.EventID, ListID: list.ID})
	return err
}

// importMarketingContacts upserts an event's opted-in contacts into its list.
// While the event is on sale it schedules the next import ImportInterval from
// now, unless another import for the event is already pending.
func (e *executors) importMarketingContacts(ctx context.Context, a *store.Action, tx pgx.Tx, p ImportContactsPayload) error {
	if e.Marketing == nil {
		return worker.Permanent(fmt.Errorf("marketing: %w", errNotConfigured))
	}
	ev, err := e.Store.GetEventSalesInfo(ctx, tx, p.EventID)
	if err != nil {
		return err
	}
	if ev == nil {
		return worker.Permanent(fmt.Errorf("event %s not found", p.EventID))
	}

	contacts, err := e.Store.ListEventContacts(ctx, tx, p.EventID, true)
	if err != nil {
		return err
	}
	batch := make([]marketing.Contact, len(contacts))
	for i, c := range contacts {
		batch[i] = marketing.Contact{Email: c.Email, FirstName: c.FirstName, LastName: c.LastName}
	}
	res, err := e.Marketing.UpsertContacts(ctx, p.ListID, batch)
	if err != nil {
		return classify(err)
	}
	e.Logger.Info("imported marketing contacts",
		"event_id", p.EventID,
		"list_id", p.ListID,
		"created", res.Created,
		"updated", res.Updated,
	)

	if !ev.OnSale(e.Now()) {
		e.Logger.Info("event no longer on sale, stopping imports", "event_id", p.EventID)
		return nil
	}
	table, subject := eventSubject(p.EventID)
	pending, err := e.Store.HasPendingActionExcept(ctx, tx, TypeImportMarketingContacts, table, subject.UUID, a.ID)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}
	_, err = e.enqueue(ctx, tx, a, store.CreateActionParams{
		ActionType:   TypeImportMarketingContacts,
		SubjectTable: table,
		SubjectID:    subject,
		Delay:        ImportInterval,
	}, p)
	return err
}
