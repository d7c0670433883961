package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/passline/passline/internal/notify"
	"github.com/passline/passline/internal/store"
	"github.com/passline/passline/internal/worker"
)

// ReportPayload is the payload of generate_report.
type ReportPayload struct {
	EventID    uuid.UUID `json:"event_id"`
	Recipients []string  `json:"recipients"`
}

// Validate implements worker.Validator.
func (p *ReportPayload) Validate() error {
	if p.EventID == uuid.Nil {
		return errors.New("event_id is required")
	}
	if len(p.Recipients) == 0 {
		return errors.New("recipients are required")
	}
	return nil
}

// generateReport renders the sales summary of an event and hands delivery to
// a send_communication email action.
func (e *executors) generateReport(ctx context.Context, a *store.Action, tx pgx.Tx, p ReportPayload) error {
	r, err := e.Store.GetEventReport(ctx, tx, p.EventID)
	if err != nil {
		return err
	}
	if r == nil {
		return worker.Permanent(fmt.Errorf("event %s not found", p.EventID))
	}

	now := e.Now()
	data := notify.ReportTemplateData{
		EventName:       r.Event.Name,
		StartsAt:        r.Event.StartsAt,
		SalesEndAt:      r.Event.SalesEndAt,
		OnSale:          r.Event.OnSale(now),
		Contacts:        r.Contacts,
		TicketsSold:     r.TicketsSold,
		OptedInContacts: r.OptedInContacts,
		GeneratedAt:     now,
	}
	if e.ReportBaseURL != "" {
		data.EventURL = strings.TrimRight(e.ReportBaseURL, "/") + "/events/" + p.EventID.String()
	}
	subject, html, text, err := notify.RenderEventReport(data)
	if err != nil {
		return worker.Permanent(err)
	}

	table, subjectID := eventSubject(p.EventID)
	_, err = e.enqueue(ctx, tx, a, store.CreateActionParams{
		ActionType:   TypeSendCommunication,
		ChannelType:  ChannelEmail,
		SubjectTable: table,
		SubjectID:    subjectID,
	}, CommunicationPayload{
		Recipients: p.Recipients,
		Subject:    subject,
		HTMLBody:   html,
		TextBody:   text,
	})
	return err
}
