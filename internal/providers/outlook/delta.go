package outlook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/Martian-dev/syncd/internal/domain"
	"github.com/Martian-dev/syncd/internal/sync"
)

// deltaResponse mirrors a Graph delta page. Items stay raw until the
// resource-specific decoder runs.
type deltaResponse struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink"`
	DeltaLink string            `json:"@odata.deltaLink"`
}

// removedMarker is present on items Graph reports as deleted.
type removedMarker struct {
	ID      string `json:"id"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

// decodeFunc turns one raw item into a delta variant.
type decodeFunc func(raw json.RawMessage) (sync.Delta, error)

// Feed is a Graph delta query for one resource type. It implements
// sync.ChangeFeed.
type Feed struct {
	client   *Client
	resource domain.ResourceType
	// initial builds the first-page path; later pages follow Graph links.
	initial   func(now time.Time) string
	decode    decodeFunc
	tombstone func(id string) sync.Delta
	pageSize  int
	now       func() time.Time
}

// FetchPage fetches one page. An empty cursor starts a full enumeration.
func (f *Feed) FetchPage(ctx context.Context, accessToken string, account domain.Account, cursor string) (*sync.Page, error) {
	target := cursor
	if target == "" {
		target = f.initial(f.now())
	}

	header := http.Header{}
	header.Set("Prefer", fmt.Sprintf(`odata.maxpagesize=%d, outlook.timezone="UTC"`, f.pageSize))

	resp, err := f.client.Get(ctx, accessToken, target, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dr deltaResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("graph: decoding %s delta: %w: %w", f.resource, domain.ErrTransient, err)
	}

	page := &sync.Page{
		Changes:     make([]sync.Delta, 0, len(dr.Value)),
		NextCursor:  dr.NextLink,
		DeltaCursor: dr.DeltaLink,
	}
	for _, raw := range dr.Value {
		var marker removedMarker
		if err := json.Unmarshal(raw, &marker); err != nil {
			f.client.logger.Warn("undecodable delta item", slog.String("resource", string(f.resource)), slog.String("error", err.Error()))
			page.ItemErrors = append(page.ItemErrors, domain.ItemError{Err: fmt.Sprintf("decode %s item: %v", f.resource, err)})
			continue
		}
		if marker.Removed != nil {
			page.Changes = append(page.Changes, f.tombstone(marker.ID))
			continue
		}

		d, err := f.decode(raw)
		if err != nil {
			f.client.logger.Warn("undecodable delta item",
				slog.String("resource", string(f.resource)),
				slog.String("id", marker.ID),
				slog.String("error", err.Error()),
			)
			page.ItemErrors = append(page.ItemErrors, domain.ItemError{
				RemoteID: marker.ID,
				Err:      fmt.Sprintf("decode %s item: %v", f.resource, err),
			})
			continue
		}
		page.Changes = append(page.Changes, d)
	}

	f.client.logger.Debug("fetched delta page",
		slog.String("account_id", account.ID),
		slog.String("resource", string(f.resource)),
		slog.Bool("initial", cursor == ""),
		slog.Int("items", len(page.Changes)),
		slog.Int("undecodable", len(page.ItemErrors)),
		slog.Bool("has_next_link", page.NextCursor != ""),
		slog.Bool("has_delta_link", page.DeltaCursor != ""),
	)
	return page, nil
}

// FeedOptions configures the Graph feeds.
type FeedOptions struct {
	PageSize       int
	CalendarPast   time.Duration
	CalendarFuture time.Duration
}

const (
	messageSelect = "id,changeKey,conversationId,subject,from,toRecipients,ccRecipients,bodyPreview,isRead,receivedDateTime,categories"
	contactSelect = "id,changeKey,displayName,emailAddresses,businessPhones,homePhones,mobilePhone,companyName,jobTitle"
)

// NewMailFeed follows the inbox message delta.
func NewMailFeed(c *Client, opts FeedOptions) *Feed {
	return &Feed{
		client:   c,
		resource: domain.ResourceMail,
		initial: func(time.Time) string {
			return "/me/mailFolders/inbox/messages/delta?$select=" + messageSelect
		},
		decode:    decodeMessage,
		tombstone: func(id string) sync.Delta { return sync.MailDelta{ID: id, Deleted: true} },
		pageSize:  opts.PageSize,
		now:       time.Now,
	}
}

// NewCalendarFeed follows the calendar view delta over a window around now.
// The window is fixed when the delta token is first issued.
func NewCalendarFeed(c *Client, opts FeedOptions) *Feed {
	return &Feed{
		client:   c,
		resource: domain.ResourceCalendar,
		initial: func(now time.Time) string {
			q := url.Values{}
			q.Set("startDateTime", now.Add(-opts.CalendarPast).UTC().Format(time.RFC3339))
			q.Set("endDateTime", now.Add(opts.CalendarFuture).UTC().Format(time.RFC3339))
			return "/me/calendarView/delta?" + q.Encode()
		},
		decode:    decodeEvent,
		tombstone: func(id string) sync.Delta { return sync.CalendarDelta{ID: id, Deleted: true} },
		pageSize:  opts.PageSize,
		now:       time.Now,
	}
}

// NewContactsFeed follows the default contacts folder delta.
func NewContactsFeed(c *Client, opts FeedOptions) *Feed {
	return &Feed{
		client:   c,
		resource: domain.ResourceContacts,
		initial: func(time.Time) string {
			return "/me/contacts/delta?$select=" + contactSelect
		},
		decode:    decodeContact,
		tombstone: func(id string) sync.Delta { return sync.ContactDelta{ID: id, Deleted: true} },
		pageSize:  opts.PageSize,
		now:       time.Now,
	}
}

// Register installs the three Graph feeds for Microsoft accounts.
func Register(reg *sync.Registry, c *Client, opts FeedOptions) {
	reg.Register(domain.ProviderMicrosoft, domain.ResourceMail, NewMailFeed(c, opts))
	reg.Register(domain.ProviderMicrosoft, domain.ResourceCalendar, NewCalendarFeed(c, opts))
	reg.Register(domain.ProviderMicrosoft, domain.ResourceContacts, NewContactsFeed(c, opts))
}
