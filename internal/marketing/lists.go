package marketing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// MaxContactsPerRequest caps one upsert call; larger imports are chunked.
const MaxContactsPerRequest = 500

// List is a provider mailing list.
type List struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Contact is one subscriber upserted into a list.
type Contact struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// ImportResult totals one UpsertContacts call.
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

type createListRequest struct {
	Name       string `json:"name"`
	ExternalID string `json:"external_id"`
}

// CreateList creates a list. externalID makes the call idempotent at the
// provider: repeating it returns the existing list.
func (c *Client) CreateList(ctx context.Context, name, externalID string) (*List, error) {
	var out List
	err := c.do(ctx, http.MethodPost, "/lists", createListRequest{Name: name, ExternalID: externalID}, &out)
	if err != nil {
		return nil, fmt.Errorf("create list %q: %w", name, err)
	}
	return &out, nil
}

type upsertContactsRequest struct {
	Contacts []Contact `json:"contacts"`
}

// UpsertContacts adds or updates contacts in list listID.
func (c *Client) UpsertContacts(ctx context.Context, listID string, contacts []Contact) (ImportResult, error) {
	var total ImportResult
	path := "/lists/" + url.PathEscape(listID) + "/contacts"
	for start := 0; start < len(contacts); start += MaxContactsPerRequest {
		end := min(start+MaxContactsPerRequest, len(contacts))
		var res ImportResult
		if err := c.do(ctx, http.MethodPut, path, upsertContactsRequest{Contacts: contacts[start:end]}, &res); err != nil {
			return total, fmt.Errorf("upsert contacts into %s (batch at %d): %w", listID, start, err)
		}
		total.Created += res.Created
		total.Updated += res.Updated
	}
	return total, nil
}
