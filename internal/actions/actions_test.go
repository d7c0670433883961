package actions_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passline/passline/internal/actions"
	"github.com/passline/passline/internal/marketing"
	"github.com/passline/passline/internal/notify"
	"github.com/passline/passline/internal/store"
	"github.com/passline/passline/internal/testutil"
	"github.com/passline/passline/internal/worker"
)

type harness struct {
	db        *testutil.TestDB
	router    *worker.Router
	email     *fakeEmail
	sms       *fakeSMS
	push      *fakePush
	marketing *fakeMarketing
}

func newHarness(t *testing.T, mutate ...func(*actions.Deps)) *harness {
	t.Helper()
	h := &harness{
		db:        testutil.NewTestDB(t),
		email:     &fakeEmail{},
		sms:       &fakeSMS{},
		push:      &fakePush{},
		marketing: &fakeMarketing{},
	}
	deps := actions.Deps{
		Store:         h.db.Store,
		Email:         h.email,
		SMS:           h.sms,
		Push:          h.push,
		Marketing:     h.marketing,
		WebhookClient: http.DefaultClient,
		ReportBaseURL: "https://passline.example.com/",
	}
	for _, m := range mutate {
		m(&deps)
	}
	r, err := worker.NewRouter(actions.Registrations(deps)...)
	require.NoError(t, err)
	h.router = r
	return h
}

func (h *harness) create(t *testing.T, p store.CreateActionParams, payload any) *store.Action {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	p.Payload = raw
	a, err := h.db.CreateAction(context.Background(), h.db.Pool(), p)
	require.NoError(t, err)
	return a
}

// run executes a's executor in a transaction that commits only on success,
// mirroring what the scheduler does.
func (h *harness) run(t *testing.T, a *store.Action) error {
	t.Helper()
	ex, ok := h.router.Resolve(a.ActionType)
	require.True(t, ok, "no executor for %s", a.ActionType)
	return h.db.InTx(context.Background(), h.db.Pool(), func(tx pgx.Tx) error {
		return ex.Execute(context.Background(), a, tx)
	})
}

func (h *harness) pending(t *testing.T, actionType string) []store.Action {
	t.Helper()
	rows, err := h.db.Pool().Query(context.Background(),
		`SELECT id FROM actions WHERE action_type = $1 AND status = 'pending' ORDER BY created_at`, actionType)
	require.NoError(t, err)
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	require.NoError(t, err)
	out := make([]store.Action, len(ids))
	for i, id := range ids {
		out[i] = *h.db.MustGetAction(t, id)
	}
	return out
}

func eventParams(actionType string, eventID uuid.UUID) store.CreateActionParams {
	return store.CreateActionParams{
		ActionType:   actionType,
		SubjectTable: store.SubjectEvents,
		SubjectID:    uuid.NullUUID{UUID: eventID, Valid: true},
	}
}

func TestRegistrations_CoverTypes(t *testing.T) {
	t.Parallel()
	regs := actions.Registrations(actions.Deps{})
	r, err := worker.NewRouter(regs...)
	require.NoError(t, err)
	assert.ElementsMatch(t, actions.Types(), r.Types())
}

func TestCreateMarketingList_EnqueuesImportOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	eventID := h.db.SeedEvent(t, "Harbour Lights", time.Now().Add(48*time.Hour))

	first := h.create(t, eventParams(actions.TypeCreateMarketingList, eventID), actions.MarketingListPayload{EventID: eventID})
	require.NoError(t, h.run(t, first))

	imports := h.pending(t, actions.TypeImportMarketingContacts)
	require.Len(t, imports, 1)
	var p actions.ImportContactsPayload
	require.NoError(t, json.Unmarshal(imports[0].Payload, &p))
	assert.Equal(t, eventID, p.EventID)
	assert.Equal(t, "lst_"+eventID.String()[:8], p.ListID)
	assert.Equal(t, []string{"Harbour Lights"}, h.marketing.lists)

	// A second list creation for the same event must not queue a duplicate import.
	second := h.create(t, eventParams(actions.TypeCreateMarketingList, eventID), actions.MarketingListPayload{EventID: eventID, Name: "VIP"})
	require.NoError(t, h.run(t, second))
	assert.Len(t, h.pending(t, actions.TypeImportMarketingContacts), 1)
	assert.Equal(t, []string{"Harbour Lights", "VIP"}, h.marketing.lists)
}

func TestCreateMarketingList_UnknownEventPermanent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	missing := uuid.New()
	a := h.create(t, eventParams(actions.TypeCreateMarketingList, missing), actions.MarketingListPayload{EventID: missing})

	err := h.run(t, a)
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))
}

func TestCreateMarketingList_ProviderRejectionPermanent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.marketing.createErr = fmt.Errorf("create list: %w", &marketing.APIError{Status: http.StatusUnprocessableEntity})
	eventID := h.db.SeedEvent(t, "Rejected", time.Now().Add(time.Hour))
	a := h.create(t, eventParams(actions.TypeCreateMarketingList, eventID), actions.MarketingListPayload{EventID: eventID})

	err := h.run(t, a)
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))
	assert.Empty(t, h.pending(t, actions.TypeImportMarketingContacts))
}

func TestCreateMarketingList_ProviderOutageTransient(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.marketing.createErr = &marketing.APIError{Status: http.StatusBadGateway}
	eventID := h.db.SeedEvent(t, "Outage", time.Now().Add(time.Hour))
	a := h.create(t, eventParams(actions.TypeCreateMarketingList, eventID), actions.MarketingListPayload{EventID: eventID})

	err := h.run(t, a)
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))
}

func TestImportContacts_OnSaleSchedulesNextImport(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	eventID := h.db.SeedEvent(t, "On Sale", time.Now().Add(72*time.Hour))
	h.db.SeedContact(t, eventID, "a@example.com", 2, true)
	h.db.SeedContact(t, eventID, "b@example.com", 1, false)
	h.db.SeedContact(t, eventID, "c@example.com", 4, true)

	a := h.create(t, eventParams(actions.TypeImportMarketingContacts, eventID),
		actions.ImportContactsPayload{EventID: eventID, ListID: "lst_1"})
	require.NoError(t, h.run(t, a))

	emails := make([]string, 0, 2)
	for _, c := range h.marketing.upserts["lst_1"] {
		emails = append(emails, c.Email)
	}
	assert.Equal(t, []string{"a@example.com", "c@example.com"}, emails)

	// The running import is still pending until the scheduler completes it, so
	// the follow-up is the second pending import.
	imports := h.pending(t, actions.TypeImportMarketingContacts)
	require.Len(t, imports, 2)
	next := imports[1]
	assert.NotEqual(t, a.ID, next.ID)
	assert.WithinDuration(t, time.Now().Add(actions.ImportInterval), next.ScheduledAt, time.Minute)
	assert.Equal(t, a.OriginEventID, next.OriginEventID)
}

func TestImportContacts_SalesClosedStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	eventID := h.db.SeedEvent(t, "Closed", time.Now().Add(-time.Hour))
	h.db.SeedContact(t, eventID, "a@example.com", 1, true)

	a := h.create(t, eventParams(actions.TypeImportMarketingContacts, eventID),
		actions.ImportContactsPayload{EventID: eventID, ListID: "lst_2"})
	require.NoError(t, h.run(t, a))

	assert.Len(t, h.marketing.upserts["lst_2"], 1)
	imports := h.pending(t, actions.TypeImportMarketingContacts)
	require.Len(t, imports, 1)
	assert.Equal(t, a.ID, imports[0].ID)
}

func TestImportContacts_ExistingFollowUpNotDuplicated(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	eventID := h.db.SeedEvent(t, "Busy", time.Now().Add(72*time.Hour))
	payload := actions.ImportContactsPayload{EventID: eventID, ListID: "lst_3"}

	a := h.create(t, eventParams(actions.TypeImportMarketingContacts, eventID), payload)
	later := eventParams(actions.TypeImportMarketingContacts, eventID)
	later.Delay = time.Hour
	h.create(t, later, payload)

	require.NoError(t, h.run(t, a))
	assert.Len(t, h.pending(t, actions.TypeImportMarketingContacts), 2)
}

func TestImportContacts_UpsertFailureRollsBackFollowUp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.marketing.upsertErr = errors.New("connection reset")
	eventID := h.db.SeedEvent(t, "Flaky", time.Now().Add(72*time.Hour))

	a := h.create(t, eventParams(actions.TypeImportMarketingContacts, eventID),
		actions.ImportContactsPayload{EventID: eventID, ListID: "lst_4"})
	err := h.run(t, a)
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))
	assert.Len(t, h.pending(t, actions.TypeImportMarketingContacts), 1)
}

func TestGenerateReport_EnqueuesEmail(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	eventID := h.db.SeedEvent(t, "Summer Gala", time.Now().Add(24*time.Hour))
	h.db.SeedContact(t, eventID, "a@example.com", 3, true)
	h.db.SeedContact(t, eventID, "b@example.com", 2, false)

	a := h.create(t, eventParams(actions.TypeGenerateReport, eventID),
		actions.ReportPayload{EventID: eventID, Recipients: []string{"organiser@example.com"}})
	require.NoError(t, h.run(t, a))

	sends := h.pending(t, actions.TypeSendCommunication)
	require.Len(t, sends, 1)
	assert.Equal(t, actions.ChannelEmail, sends[0].Channel())

	var p actions.CommunicationPayload
	require.NoError(t, json.Unmarshal(sends[0].Payload, &p))
	assert.Equal(t, "Sales report: Summer Gala", p.Subject)
	assert.Equal(t, []string{"organiser@example.com"}, p.Recipients)
	assert.Contains(t, p.TextBody, "Tickets sold:     5")
	assert.Contains(t, p.HTMLBody, "https://passline.example.com/events/"+eventID.String())

	// The chained email is itself executable.
	require.NoError(t, h.run(t, &sends[0]))
	require.Len(t, h.email.sent, 1)
	assert.Equal(t, "Sales report: Summer Gala", h.email.sent[0].Subject)
}

func TestSendCommunication_Channels(t *testing.T) {
	t.Parallel()
	var webhookBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&webhookBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t)

	sms := store.CreateActionParams{ActionType: actions.TypeSendCommunication, ChannelType: actions.ChannelSMS}
	a := h.create(t, sms, actions.CommunicationPayload{Recipients: []string{"+447700900001"}, Message: "Doors at 7"})
	require.NoError(t, h.run(t, a))
	require.Len(t, h.sms.sent, 1)
	assert.Equal(t, "Doors at 7", h.sms.sent[0].Body)

	hook := store.CreateActionParams{ActionType: actions.TypeSendCommunication, ChannelType: actions.ChannelWebhook}
	a = h.create(t, hook, actions.CommunicationPayload{URL: srv.URL, Message: "order shipped"})
	require.NoError(t, h.run(t, a))
	assert.Equal(t, "order shipped", webhookBody["message"])
	assert.Equal(t, a.ID.String(), webhookBody["action_id"])
}

func TestSendCommunication_InvalidChannelPermanent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cases := []struct {
		name    string
		channel string
		payload actions.CommunicationPayload
	}{
		{"no channel", "", actions.CommunicationPayload{Recipients: []string{"x@example.com"}}},
		{"unknown channel", "carrier_pigeon", actions.CommunicationPayload{Message: "coo"}},
		{"email without subject", actions.ChannelEmail, actions.CommunicationPayload{Recipients: []string{"x@example.com"}, TextBody: "hi"}},
		{"sms without recipients", actions.ChannelSMS, actions.CommunicationPayload{Message: "hi"}},
		{"webhook without url", actions.ChannelWebhook, actions.CommunicationPayload{Message: "hi"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := h.create(t, store.CreateActionParams{ActionType: actions.TypeSendCommunication, ChannelType: tc.channel}, tc.payload)
			err := h.run(t, a)
			require.Error(t, err)
			assert.True(t, worker.IsPermanent(err))
		})
	}
}

func TestSendCommunication_DeliveryErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	email := store.CreateActionParams{ActionType: actions.TypeSendCommunication, ChannelType: actions.ChannelEmail}
	payload := actions.CommunicationPayload{Recipients: []string{"x@example.com"}, Subject: "s", TextBody: "t"}

	h.email.err = errors.New("dial tcp: connection refused")
	err := h.run(t, h.create(t, email, payload))
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))

	h.sms.err = fmt.Errorf("sms send: %w", &notify.StatusError{StatusCode: http.StatusBadRequest})
	sms := store.CreateActionParams{ActionType: actions.TypeSendCommunication, ChannelType: actions.ChannelSMS}
	err = h.run(t, h.create(t, sms, actions.CommunicationPayload{Recipients: []string{"+1"}, Message: "m"}))
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))
}

func TestSendCommunication_UnconfiguredChannelPermanent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(d *actions.Deps) { d.Email = nil })
	a := h.create(t, store.CreateActionParams{ActionType: actions.TypeSendCommunication, ChannelType: actions.ChannelEmail},
		actions.CommunicationPayload{Recipients: []string{"x@example.com"}, Subject: "s", TextBody: "t"})
	err := h.run(t, a)
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))
}

func TestPushNotification(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.create(t, store.CreateActionParams{ActionType: actions.TypePushNotification},
		actions.PushPayload{DeviceTokens: []string{"tok"}, Title: "Tickets", Body: "Ready", Data: map[string]string{"k": "v"}})
	require.NoError(t, h.run(t, a))
	require.Len(t, h.push.sent, 1)
	assert.Equal(t, "v", h.push.sent[0].Data["k"])

	h.push.err = fmt.Errorf("push: %w", &notify.StatusError{StatusCode: http.StatusServiceUnavailable})
	err := h.run(t, h.create(t, store.CreateActionParams{ActionType: actions.TypePushNotification},
		actions.PushPayload{DeviceTokens: []string{"tok"}, Title: "x"}))
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))

	h.push.err = fmt.Errorf("push: %w", &notify.StatusError{StatusCode: http.StatusGone})
	err = h.run(t, h.create(t, store.CreateActionParams{ActionType: actions.TypePushNotification},
		actions.PushPayload{DeviceTokens: []string{"tok"}, Title: "x"}))
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))
}

func TestPushNotification_InvalidPayloadPermanent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	err := h.run(t, h.create(t, store.CreateActionParams{ActionType: actions.TypePushNotification},
		actions.PushPayload{Title: "no devices"}))
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))
}
