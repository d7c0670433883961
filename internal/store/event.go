// ABOUTME: Read-only event catalog queries used by executors (sales window, contacts, report totals).
// ABOUTME: The events tables belong to the host application; the engine never writes them outside tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SubjectEvents is the subject_table value for actions that concern an event.
const SubjectEvents = "events"

// EventSalesInfo is the subset of an event row needed to decide whether
// recurring work for it should continue.
type EventSalesInfo struct {
	ID         uuid.UUID
	Name       string
	StartsAt   time.Time
	SalesEndAt time.Time
	Published  bool
	Cancelled  bool
}

// OnSale reports whether tickets for the event can still be bought at now.
func (e *EventSalesInfo) OnSale(now time.Time) bool {
	return e.Published && !e.Cancelled && now.Before(e.SalesEndAt)
}

// EventContact is one ticket holder of an event.
type EventContact struct {
	Email          string
	FirstName      string
	LastName       string
	Tickets        int32
	MarketingOptIn bool
}

// EventReport is the aggregate used by the sales summary report.
type EventReport struct {
	Event           EventSalesInfo
	Contacts        int64
	TicketsSold     int64
	OptedInContacts int64
}

// GetEventSalesInfo returns the sales window of an event, or (nil, nil) if the
// event does not exist.
func (s *Store) GetEventSalesInfo(ctx context.Context, db DBTX, eventID uuid.UUID) (*EventSalesInfo, error) {
	var e EventSalesInfo
	err := db.QueryRow(ctx, `
SELECT id, name, starts_at, sales_end_at, published, cancelled
FROM events WHERE id = $1`, eventID).Scan(
		&e.ID, &e.Name, &e.StartsAt, &e.SalesEndAt, &e.Published, &e.Cancelled,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event sales info %s: %w", eventID, err)
	}
	return &e, nil
}

// ListEventContacts returns the contacts of an event ordered by email. When
// optedInOnly is true only contacts that accepted marketing are returned.
func (s *Store) ListEventContacts(ctx context.Context, db DBTX, eventID uuid.UUID, optedInOnly bool) ([]EventContact, error) {
	query, args, err := s.psql.
		Select("email", "first_name", "last_name", "tickets", "marketing_opt_in").
		From("event_contacts").
		Where("event_id = ?", eventID).
		Where("(NOT ? OR marketing_opt_in)", optedInOnly).
		OrderBy("email").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("list event contacts: build query: %w", err)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list event contacts: %w", err)
	}
	contacts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (EventContact, error) {
		var c EventContact
		err := row.Scan(&c.Email, &c.FirstName, &c.LastName, &c.Tickets, &c.MarketingOptIn)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("list event contacts: scan: %w", err)
	}
	return contacts, nil
}

// GetEventReport aggregates the contact totals of an event, or returns
// (nil, nil) if the event does not exist.
func (s *Store) GetEventReport(ctx context.Context, db DBTX, eventID uuid.UUID) (*EventReport, error) {
	info, err := s.GetEventSalesInfo(ctx, db, eventID)
	if err != nil || info == nil {
		return nil, err
	}
	r := EventReport{Event: *info}
	err = db.QueryRow(ctx, `
SELECT count(*),
       COALESCE(sum(tickets), 0),
       count(*) FILTER (WHERE marketing_opt_in)
FROM event_contacts WHERE event_id = $1`, eventID).Scan(
		&r.Contacts, &r.TicketsSold, &r.OptedInContacts,
	)
	if err != nil {
		return nil, fmt.Errorf("get event report %s: %w", eventID, err)
	}
	return &r, nil
}
