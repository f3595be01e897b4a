// Package gmail implements the mail change feed for Google accounts on top
// of the Gmail history API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/syncd/internal/domain"
	"github.com/Martian-dev/syncd/internal/sync"
)

const user = "me"

// Cursor encodings. A full listing remembers the history id captured before
// it started so the following incremental run misses nothing:
//
//	full:<historyId>:<pageToken>   listing in progress
//	hist:<historyId>               converged
//	hist:<historyId>:<pageToken>   history pages in progress
const (
	prefixFull = "full"
	prefixHist = "hist"
)

type cursor struct {
	kind      string
	historyID uint64
	pageToken string
}

func parseCursor(s string) (cursor, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || (parts[0] != prefixFull && parts[0] != prefixHist) {
		return cursor{}, fmt.Errorf("gmail: malformed cursor %q: %w", s, domain.ErrCursorExpired)
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return cursor{}, fmt.Errorf("gmail: malformed cursor %q: %w", s, domain.ErrCursorExpired)
	}
	c := cursor{kind: parts[0], historyID: id}
	if len(parts) == 3 {
		c.pageToken = parts[2]
	}
	return c, nil
}

func (c cursor) String() string {
	s := c.kind + ":" + strconv.FormatUint(c.historyID, 10)
	if c.pageToken != "" {
		s += ":" + c.pageToken
	}
	return s
}

// Feed is the Gmail history change feed. It implements sync.ChangeFeed.
type Feed struct {
	endpoint   string
	httpClient *http.Client
	pageSize   int64
	logger     *slog.Logger
}

// NewFeed creates a feed. endpoint overrides the API base URL and is empty
// in production.
func NewFeed(endpoint string, httpClient *http.Client, pageSize int, logger *slog.Logger) *Feed {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		endpoint:   endpoint,
		httpClient: httpClient,
		pageSize:   int64(pageSize),
		logger:     logger.With("component", "gmail"),
	}
}

// Register installs the mail feed for Google accounts.
func Register(reg *sync.Registry, f *Feed) {
	reg.Register(domain.ProviderGoogle, domain.ResourceMail, f)
}

func (f *Feed) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	base := context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	client := oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if f.endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail: create service: %w", err)
	}
	return svc, nil
}

// FetchPage returns one page of mail changes.
func (f *Feed) FetchPage(ctx context.Context, accessToken string, account domain.Account, raw string) (*sync.Page, error) {
	svc, err := f.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	if raw == "" {
		profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
		if err != nil {
			return nil, classify("get profile", err)
		}
		return f.listPage(ctx, svc, cursor{kind: prefixFull, historyID: profile.HistoryId})
	}

	cur, err := parseCursor(raw)
	if err != nil {
		return nil, err
	}
	if cur.kind == prefixFull {
		return f.listPage(ctx, svc, cur)
	}
	return f.historyPage(ctx, svc, account, cur)
}

// listPage is one page of the full mailbox listing.
func (f *Feed) listPage(ctx context.Context, svc *gmail.Service, cur cursor) (*sync.Page, error) {
	call := svc.Users.Messages.List(user).IncludeSpamTrash(false).MaxResults(f.pageSize).Context(ctx)
	if cur.pageToken != "" {
		call = call.PageToken(cur.pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, classify("list messages", err)
	}

	page := &sync.Page{}
	for _, m := range resp.Messages {
		d, err := f.message(ctx, svc, m.Id)
		if err != nil {
			return nil, err
		}
		page.Changes = append(page.Changes, d)
	}

	if resp.NextPageToken != "" {
		page.NextCursor = cursor{kind: prefixFull, historyID: cur.historyID, pageToken: resp.NextPageToken}.String()
	} else {
		page.DeltaCursor = cursor{kind: prefixHist, historyID: cur.historyID}.String()
	}
	return page, nil
}

// historyPage is one page of history records since cur.historyID. A 404
// from Gmail means the start id is too old.
func (f *Feed) historyPage(ctx context.Context, svc *gmail.Service, account domain.Account, cur cursor) (*sync.Page, error) {
	call := svc.Users.History.List(user).StartHistoryId(cur.historyID).MaxResults(f.pageSize).Context(ctx)
	if cur.pageToken != "" {
		call = call.PageToken(cur.pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, classify("list history", err)
	}

	// Collapse a page to one change per message, last record wins.
	order := make([]string, 0)
	removed := make(map[string]bool)
	for _, h := range resp.History {
		touch := func(id string, gone bool) {
			if _, ok := removed[id]; !ok {
				order = append(order, id)
			}
			removed[id] = gone
		}
		for _, r := range h.MessagesAdded {
			touch(r.Message.Id, false)
		}
		for _, r := range h.LabelsAdded {
			touch(r.Message.Id, false)
		}
		for _, r := range h.LabelsRemoved {
			touch(r.Message.Id, false)
		}
		for _, r := range h.MessagesDeleted {
			touch(r.Message.Id, true)
		}
	}

	page := &sync.Page{}
	for _, id := range order {
		if removed[id] {
			page.Changes = append(page.Changes, sync.MailDelta{ID: id, Deleted: true})
			continue
		}
		d, err := f.message(ctx, svc, id)
		if err != nil {
			return nil, err
		}
		page.Changes = append(page.Changes, d)
	}

	if resp.NextPageToken != "" {
		page.NextCursor = cursor{kind: prefixHist, historyID: cur.historyID, pageToken: resp.NextPageToken}.String()
	} else {
		latest := cur.historyID
		if resp.HistoryId > latest {
			latest = resp.HistoryId
		}
		page.DeltaCursor = cursor{kind: prefixHist, historyID: latest}.String()
	}

	f.logger.Debug("fetched history page",
		"account_id", account.ID,
		"records", len(resp.History),
		"changes", len(page.Changes),
	)
	return page, nil
}

// message fetches metadata for one message. A message deleted since the
// history record was written becomes a removal.
func (f *Feed) message(ctx context.Context, svc *gmail.Service, id string) (sync.Delta, error) {
	m, err := svc.Users.Messages.Get(user, id).
		Format("metadata").
		MetadataHeaders("Subject", "From", "To", "Cc").
		Context(ctx).
		Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return sync.MailDelta{ID: id, Deleted: true}, nil
		}
		return nil, classify("get message "+id, err)
	}
	return normalize(m), nil
}

func normalize(m *gmail.Message) sync.MailDelta {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	d := sync.MailDelta{
		ID:         m.Id,
		ThreadID:   m.ThreadId,
		Subject:    headers["Subject"],
		Sender:     headers["From"],
		To:         splitAddrs(headers["To"]),
		Cc:         splitAddrs(headers["Cc"]),
		Snippet:    m.Snippet,
		Labels:     m.LabelIds,
		IsRead:     !hasLabel(m.LabelIds, "UNREAD"),
		ReceivedAt: time.UnixMilli(m.InternalDate).UTC(),
	}
	if m.HistoryId != 0 {
		d.ChangeKey = strconv.FormatUint(m.HistoryId, 10)
	}
	return d
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// classify maps Gmail API errors onto the domain taxonomy.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("gmail: %s: %w: %w", op, domain.ErrTransient, err)
	}

	perr := &domain.ProviderError{StatusCode: gerr.Code, Message: gerr.Message}
	if len(gerr.Errors) > 0 {
		perr.Code = gerr.Errors[0].Reason
	}
	switch {
	case gerr.Code == http.StatusNotFound:
		perr.Err = domain.ErrCursorExpired
	case gerr.Code == http.StatusUnauthorized, gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
		perr.Err = domain.ErrTransient
	case gerr.Code == http.StatusForbidden && (perr.Code == "rateLimitExceeded" || perr.Code == "userRateLimitExceeded"):
		perr.Err = domain.ErrTransient
	}
	return fmt.Errorf("gmail: %s: %w", op, perr)
}
