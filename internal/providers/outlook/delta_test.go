package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/syncd/internal/backoff"
	"github.com/Martian-dev/syncd/internal/domain"
	"github.com/Martian-dev/syncd/internal/store/storetest"
	"github.com/Martian-dev/syncd/internal/sync"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, handler func(srv *httptest.Server) http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(srv)(w, r)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL+"/v1.0", srv.Client(), storetest.Logger())
	c.sleepFunc = noSleep
	return c, srv
}

var account = domain.Account{ID: "acct", Provider: domain.ProviderMicrosoft}

func TestMailFeed_PagesAndRemovals(t *testing.T) {
	c, _ := newTestClient(t, func(srv *httptest.Server) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			assert.Contains(t, r.Header.Get("Prefer"), "odata.maxpagesize=50")

			w.Header().Set("Content-Type", "application/json")
			switch {
			case strings.HasSuffix(r.URL.Path, "/me/mailFolders/inbox/messages/delta") && r.URL.Query().Get("$skiptoken") == "":
				fmt.Fprintf(w, `{
					"value": [
						{"id":"m1","changeKey":"ck1","subject":"Hello","conversationId":"c1",
						 "from":{"emailAddress":{"address":"a@example.com"}},
						 "toRecipients":[{"emailAddress":{"address":"b@example.com"}}],
						 "receivedDateTime":"2024-05-01T10:00:00Z","isRead":true}
					],
					"@odata.nextLink":"%s/v1.0/me/mailFolders/inbox/messages/delta?$skiptoken=abc"
				}`, srv.URL)
			default:
				fmt.Fprintf(w, `{
					"value": [{"id":"m0","@removed":{"reason":"deleted"}}],
					"@odata.deltaLink":"%s/v1.0/me/mailFolders/inbox/messages/delta?$deltatoken=xyz"
				}`, srv.URL)
			}
		}
	})

	feed := NewMailFeed(c, FeedOptions{PageSize: 50})

	page, err := feed.FetchPage(context.Background(), "tok", account, "")
	require.NoError(t, err)
	require.Len(t, page.Changes, 1)
	assert.Contains(t, page.NextCursor, "$skiptoken=abc")
	assert.Empty(t, page.DeltaCursor)

	msg, ok := page.Changes[0].(sync.MailDelta)
	require.True(t, ok)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "ck1", msg.Version())
	assert.Equal(t, "a@example.com", msg.Sender)
	assert.Equal(t, []string{"b@example.com"}, msg.To)
	assert.True(t, msg.IsRead)

	page, err = feed.FetchPage(context.Background(), "tok", account, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Changes, 1)
	assert.True(t, page.Changes[0].Removed())
	assert.Equal(t, "m0", page.Changes[0].RemoteID())
	assert.Contains(t, page.DeltaCursor, "$deltatoken=xyz")
}

func TestCalendarFeed_DecodesEvents(t *testing.T) {
	c, _ := newTestClient(t, func(*httptest.Server) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1.0/me/calendarView/delta", r.URL.Path)
			assert.NotEmpty(t, r.URL.Query().Get("startDateTime"))
			assert.NotEmpty(t, r.URL.Query().Get("endDateTime"))
			fmt.Fprint(w, `{"value":[{"id":"e1","changeKey":"k","subject":"Standup",
				"organizer":{"emailAddress":{"address":"o@example.com"}},
				"attendees":[{"emailAddress":{"address":"x@example.com"}}],
				"location":{"displayName":"Room 1"},
				"start":{"dateTime":"2024-05-01T09:00:00.0000000","timeZone":"UTC"},
				"end":{"dateTime":"2024-05-01T09:15:00.0000000","timeZone":"UTC"}}],
				"@odata.deltaLink":"https://graph.invalid/next"}`)
		}
	})

	feed := NewCalendarFeed(c, FeedOptions{PageSize: 10, CalendarPast: time.Hour, CalendarFuture: time.Hour})
	page, err := feed.FetchPage(context.Background(), "tok", account, "")
	require.NoError(t, err)
	require.Len(t, page.Changes, 1)

	ev := page.Changes[0].(sync.CalendarDelta)
	assert.Equal(t, domain.ResourceCalendar, ev.Resource())
	assert.Equal(t, "o@example.com", ev.Organizer)
	assert.Equal(t, "Room 1", ev.Location)
	assert.Equal(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), ev.Start)
	assert.Equal(t, 15*time.Minute, ev.End.Sub(ev.Start))
}

func TestContactsFeed_DecodesContacts(t *testing.T) {
	c, _ := newTestClient(t, func(*httptest.Server) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"value":[{"id":"p1","changeKey":"k","displayName":"Ada",
				"emailAddresses":[{"address":"ada@example.com"}],"businessPhones":["1"],"mobilePhone":"2",
				"companyName":"Engines"}],"@odata.deltaLink":"x"}`)
		}
	})

	page, err := NewContactsFeed(c, FeedOptions{PageSize: 10}).FetchPage(context.Background(), "tok", account, "")
	require.NoError(t, err)

	p := page.Changes[0].(sync.ContactDelta)
	assert.Equal(t, []string{"ada@example.com"}, p.Emails)
	assert.Equal(t, []string{"1", "2"}, p.Phones)
	assert.Equal(t, "Engines", p.Company)
}

func TestFeed_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"gone", http.StatusGone, `{"error":{"code":"SyncStateNotFound","message":"expired"}}`, domain.ErrCursorExpired},
		{"sync state code", http.StatusBadRequest, `{"error":{"code":"resyncRequired","message":"resync"}}`, domain.ErrCursorExpired},
		{"server error", http.StatusInternalServerError, `{}`, domain.ErrTransient},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"code":"InvalidAuthenticationToken"}}`, domain.ErrTransient},
		{"not found", http.StatusNotFound, `{"error":{"code":"ErrorItemNotFound"}}`, domain.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(*httptest.Server) http.HandlerFunc {
				return func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(tt.status)
					fmt.Fprint(w, tt.body)
				}
			})

			_, err := NewMailFeed(c, FeedOptions{PageSize: 10}).FetchPage(context.Background(), "tok", account, "")
			require.ErrorIs(t, err, tt.want)

			var perr *domain.ProviderError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.status, perr.StatusCode)
		})
	}
}

func TestClient_RetriesThrottling(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(*httptest.Server) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) < 3 {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			fmt.Fprint(w, `{"value":[],"@odata.deltaLink":"done"}`)
		}
	})

	page, err := NewMailFeed(c, FeedOptions{PageSize: 10}).FetchPage(context.Background(), "tok", account, "")
	require.NoError(t, err)
	assert.Equal(t, "done", page.DeltaCursor)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_RetryPolicyOption(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"value":[],"@odata.deltaLink":"done"}`)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL+"/v1.0", srv.Client(), storetest.Logger(),
		WithRetryPolicy(backoff.Policy{Base: 7 * time.Millisecond, Max: 10 * time.Millisecond, Factor: 2}),
		WithRateLimit(1000, 5),
	)
	var waits []time.Duration
	c.sleepFunc = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	page, err := NewMailFeed(c, FeedOptions{PageSize: 10}).FetchPage(context.Background(), "tok", account, "")
	require.NoError(t, err)
	assert.Equal(t, "done", page.DeltaCursor)
	assert.Equal(t, []time.Duration{7 * time.Millisecond, 10 * time.Millisecond}, waits)
}

func TestClient_RateLimitOption(t *testing.T) {
	c := NewClient("", nil, storetest.Logger(), WithRateLimit(4, 2))
	assert.Equal(t, rate.Limit(4), c.limiter.Limit())
	assert.Equal(t, 2, c.limiter.Burst())

	unlimited := NewClient("", nil, storetest.Logger(), WithRateLimit(0, 0))
	assert.Equal(t, rate.Inf, unlimited.limiter.Limit())
}

func TestMailFeed_UndecodableItemsBecomeItemErrors(t *testing.T) {
	c, _ := newTestClient(t, func(*httptest.Server) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{
				"value": [
					{"id":"m1","changeKey":"ck1","subject":"ok","isRead":true},
					{"id":"m2","changeKey":"ck1","isRead":"yes"}
				],
				"@odata.deltaLink":"done"
			}`)
		}
	})

	page, err := NewMailFeed(c, FeedOptions{PageSize: 10}).FetchPage(context.Background(), "tok", account, "")
	require.NoError(t, err)
	require.Len(t, page.Changes, 1)
	assert.Equal(t, "m1", page.Changes[0].RemoteID())
	require.Len(t, page.ItemErrors, 1)
	assert.Equal(t, "m2", page.ItemErrors[0].RemoteID)
	assert.NotEmpty(t, page.ItemErrors[0].Err)
	assert.Equal(t, "done", page.DeltaCursor)
}

func TestClient_RejectsForeignLinks(t *testing.T) {
	c, _ := newTestClient(t, func(*httptest.Server) http.HandlerFunc {
		return func(http.ResponseWriter, *http.Request) {
			t.Error("no request expected")
		}
	})

	_, err := NewMailFeed(c, FeedOptions{PageSize: 10}).FetchPage(context.Background(), "tok", account, "https://evil.example.com/delta")
	require.ErrorIs(t, err, domain.ErrCursorExpired)
}

func TestRegister(t *testing.T) {
	reg := sync.NewRegistry()
	Register(reg, NewClient("", nil, nil), FeedOptions{PageSize: 10})
	assert.Equal(t, domain.AllResources, reg.Resources(domain.ProviderMicrosoft))
}

func TestResourcePath(t *testing.T) {
	p, err := ResourcePath(domain.ResourceCalendar)
	require.NoError(t, err)
	assert.Equal(t, "me/events", p)

	_, err = ResourcePath("tasks")
	require.ErrorIs(t, err, domain.ErrUnsupported)
}

func TestClassifyODataError_NonODataIsTransient(t *testing.T) {
	err := classifyODataError("renew subscription", errors.New("connection reset"))
	require.ErrorIs(t, err, domain.ErrTransient)
}
