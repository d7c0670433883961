// ABOUTME: Template data for the event sales report email.
// ABOUTME: Built from the catalog aggregate at render time; no store types leak into templates.
package notify

import "time"

// ReportTemplateData is the context passed to the report email templates.
type ReportTemplateData struct {
	EventName       string
	StartsAt        time.Time
	SalesEndAt      time.Time
	OnSale          bool
	Contacts        int64
	TicketsSold     int64
	OptedInContacts int64
	GeneratedAt     time.Time
	EventURL        string
}
