package sync

import (
	"context"
	"time"

	"github.com/Martian-dev/syncd/internal/domain"
)

// Delta is one change from a provider feed. Implementations are the
// resource-tagged variants below; the engine checks the tag against the
// run's resource before applying.
type Delta interface {
	Resource() domain.ResourceType
	RemoteID() string
	// Version is the provider's change key or etag; empty when the provider
	// has none, in which case payload equality decides.
	Version() string
	Removed() bool
}

// MailDelta is a normalized message header change.
type MailDelta struct {
	ID         string    `json:"id"`
	ChangeKey  string    `json:"change_key,omitempty"`
	ThreadID   string    `json:"thread_id,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Sender     string    `json:"sender,omitempty"`
	To         []string  `json:"to,omitempty"`
	Cc         []string  `json:"cc,omitempty"`
	Snippet    string    `json:"snippet,omitempty"`
	Labels     []string  `json:"labels,omitempty"`
	IsRead     bool      `json:"is_read"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
	Deleted    bool      `json:"-"`
}

func (d MailDelta) Resource() domain.ResourceType { return domain.ResourceMail }
func (d MailDelta) RemoteID() string              { return d.ID }
func (d MailDelta) Version() string               { return d.ChangeKey }
func (d MailDelta) Removed() bool                 { return d.Deleted }

// CalendarDelta is a normalized event change.
type CalendarDelta struct {
	ID        string    `json:"id"`
	ChangeKey string    `json:"change_key,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Organizer string    `json:"organizer,omitempty"`
	Attendees []string  `json:"attendees,omitempty"`
	Location  string    `json:"location,omitempty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	AllDay    bool      `json:"all_day"`
	Cancelled bool      `json:"cancelled"`
	SeriesID  string    `json:"series_id,omitempty"`
	Deleted   bool      `json:"-"`
}

func (d CalendarDelta) Resource() domain.ResourceType { return domain.ResourceCalendar }
func (d CalendarDelta) RemoteID() string              { return d.ID }
func (d CalendarDelta) Version() string               { return d.ChangeKey }
func (d CalendarDelta) Removed() bool                 { return d.Deleted }

// ContactDelta is a normalized contact change.
type ContactDelta struct {
	ID          string   `json:"id"`
	ChangeKey   string   `json:"change_key,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Emails      []string `json:"emails,omitempty"`
	Phones      []string `json:"phones,omitempty"`
	Company     string   `json:"company,omitempty"`
	JobTitle    string   `json:"job_title,omitempty"`
	Deleted     bool     `json:"-"`
}

func (d ContactDelta) Resource() domain.ResourceType { return domain.ResourceContacts }
func (d ContactDelta) RemoteID() string              { return d.ID }
func (d ContactDelta) Version() string               { return d.ChangeKey }
func (d ContactDelta) Removed() bool                 { return d.Deleted }

// Page is one response of a change feed. Exactly one of NextCursor and
// DeltaCursor is set: NextCursor continues the current run, DeltaCursor
// marks convergence and is where the next run starts. ItemErrors holds
// items the feed received but could not decode.
type Page struct {
	Changes     []Delta
	ItemErrors  []domain.ItemError
	NextCursor  string
	DeltaCursor string
}

// ChangeFeed fetches pages of changes for one (provider, resource) pair.
// An empty cursor asks for the full current state. Implementations return
// domain.ErrCursorExpired when the provider rejects the cursor.
type ChangeFeed interface {
	FetchPage(ctx context.Context, accessToken string, account domain.Account, cursor string) (*Page, error)
}

// TokenSource hands out access tokens; satisfied by auth.Manager.
type TokenSource interface {
	GetAccessToken(ctx context.Context, accountID string) (string, error)
}
