package actions_test

import (
	"context"
	"sync"

	"github.com/passline/passline/internal/marketing"
	"github.com/passline/passline/internal/notify"
)

type fakeEmail struct {
	mu   sync.Mutex
	sent []notify.Email
	err  error
}

func (f *fakeEmail) SendEmail(_ context.Context, msg notify.Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeSMS struct {
	mu   sync.Mutex
	sent []notify.SMS
	err  error
}

func (f *fakeSMS) SendSMS(_ context.Context, msg notify.SMS) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakePush struct {
	mu   sync.Mutex
	sent []notify.PushMessage
	err  error
}

func (f *fakePush) Push(_ context.Context, msg notify.PushMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeMarketing struct {
	mu        sync.Mutex
	lists     []string
	upserts   map[string][]marketing.Contact
	createErr error
	upsertErr error
}

func (f *fakeMarketing) CreateList(_ context.Context, name, externalID string) (*marketing.List, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.lists = append(f.lists, name)
	return &marketing.List{ID: "lst_" + externalID[:8], Name: name}, nil
}

func (f *fakeMarketing) UpsertContacts(_ context.Context, listID string, contacts []marketing.Contact) (marketing.ImportResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return marketing.ImportResult{}, f.upsertErr
	}
	if f.upserts == nil {
		f.upserts = make(map[string][]marketing.Contact)
	}
	f.upserts[listID] = append(f.upserts[listID], contacts...)
	return marketing.ImportResult{Created: len(contacts)}, nil
}
