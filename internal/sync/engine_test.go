package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/syncd/internal/domain"
	"github.com/Martian-dev/syncd/internal/store"
	"github.com/Martian-dev/syncd/internal/store/storetest"
)

type fakeFeed struct {
	mu    sync.Mutex
	pages map[string]*Page
	errs  map[string]error
	calls []string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{pages: make(map[string]*Page), errs: make(map[string]error)}
}

func (f *fakeFeed) FetchPage(_ context.Context, token string, _ domain.Account, cursor string) (*Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cursor)

	if err, ok := f.errs[cursor]; ok {
		return nil, err
	}
	page, ok := f.pages[cursor]
	if !ok {
		return nil, domain.ErrCursorExpired
	}
	return page, nil
}

func (f *fakeFeed) set(cursor string, page *Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.errs, cursor)
	f.pages[cursor] = page
}

func (f *fakeFeed) fail(cursor string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[cursor] = err
}

func (f *fakeFeed) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type staticTokens struct{ err error }

func (s staticTokens) GetAccessToken(context.Context, string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "token", nil
}

type fixture struct {
	engine *Engine
	store  *store.Store
	feed   *fakeFeed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.New(t)
	storetest.SeedAccount(t, st, "acct", domain.ProviderMicrosoft)

	feed := newFakeFeed()
	reg := NewRegistry()
	reg.Register(domain.ProviderMicrosoft, domain.ResourceMail, feed)

	return &fixture{
		engine: NewEngine(st, staticTokens{}, reg, DefaultOptions(), storetest.Logger()),
		store:  st,
		feed:   feed,
	}
}

func (f *fixture) cursor(t *testing.T) string {
	t.Helper()
	cur, err := f.store.GetCursor(context.Background(), "acct", domain.ResourceMail)
	require.NoError(t, err)
	return cur.Token
}

func (f *fixture) outboxLen(t *testing.T) int {
	t.Helper()
	msgs, err := f.store.DequeueOutbox(context.Background(), 1000, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return len(msgs)
}

func mail(id, version string) MailDelta {
	return MailDelta{ID: id, ChangeKey: version, Subject: "subject " + id}
}

func TestSync_InitialThenIncremental(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.feed.set("", &Page{Changes: []Delta{mail("m1", "v1"), mail("m2", "v1")}, NextCursor: "p2"})
	f.feed.set("p2", &Page{Changes: []Delta{mail("m3", "v1")}, DeltaCursor: "Y"})

	stats, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Created)
	assert.Equal(t, 2, stats.Pages)
	assert.False(t, stats.FullResync)
	assert.Equal(t, "Y", f.cursor(t))

	f.feed.set("Y", &Page{Changes: []Delta{mail("m2", "v2")}, DeltaCursor: "Z"})

	stats, err = f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.Zero(t, stats.Created)
	assert.Equal(t, "Z", f.cursor(t))

	rec, err := f.store.GetRecord(ctx, "acct", domain.ResourceMail, "m2")
	require.NoError(t, err)
	assert.Equal(t, "v2", rec.Version)
	assert.Contains(t, string(rec.Data), `"subject":"subject m2"`)

	// 3 created + 1 updated
	assert.Equal(t, 4, f.outboxLen(t))

	cur, err := f.store.GetCursor(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.False(t, cur.InProgress)
	assert.False(t, cur.LastSyncedAt.IsZero())
}

func TestSync_ReapplyingPagesIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	page := &Page{Changes: []Delta{mail("m1", "v1"), mail("m2", "v1"), mail("m1", "v1")}, DeltaCursor: "Y"}
	f.feed.set("", page)
	f.feed.set("Y", page)

	first, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)
	assert.Equal(t, 1, first.Unchanged)
	events := f.outboxLen(t)

	second, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Zero(t, second.Updated)
	assert.Equal(t, 3, second.Unchanged)
	assert.Equal(t, events, f.outboxLen(t))

	active, deleted, err := f.store.CountRecords(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.Equal(t, 2, active)
	assert.Zero(t, deleted)
}

func TestSync_LastWriteWinsWithinPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.feed.set("", &Page{Changes: []Delta{mail("m1", "v1"), mail("m1", "v2")}, DeltaCursor: "Y"})

	stats, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 1, stats.Updated)

	rec, err := f.store.GetRecord(ctx, "acct", domain.ResourceMail, "m1")
	require.NoError(t, err)
	assert.Equal(t, "v2", rec.Version)
}

func TestSync_SkipsWhenLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.feed.set("", &Page{Changes: []Delta{mail("m1", "v1")}, DeltaCursor: "Y"})

	now := time.Now()
	ok, err := f.store.AcquireCursor(ctx, "acct", domain.ResourceMail, "other-worker", now, now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.True(t, stats.Skipped)
	assert.Zero(t, f.feed.callCount())

	// the other worker's lock is untouched
	cur, err := f.store.GetCursor(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.True(t, cur.InProgress)
	assert.Equal(t, "other-worker", cur.LockOwner)
}

func TestSync_ReclaimsStaleLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.feed.set("", &Page{Changes: []Delta{mail("m1", "v1")}, DeltaCursor: "Y"})

	crashed := time.Now().Add(-2 * time.Hour)
	ok, err := f.store.AcquireCursor(ctx, "acct", domain.ResourceMail, "crashed-worker", crashed, crashed.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.False(t, stats.Skipped)
	assert.Equal(t, 1, stats.Created)
}

func TestSync_ConcurrentRunsAreExclusive(t *testing.T) {
	f := newFixture(t)
	f.feed.set("", &Page{Changes: []Delta{mail("m1", "v1"), mail("m2", "v1")}, DeltaCursor: "Y"})

	const runs = 5
	var wg sync.WaitGroup
	results := make([]Stats, runs)
	errs := make([]error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Sync(context.Background(), "acct", domain.ResourceMail)
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < runs; i++ {
		require.NoError(t, errs[i])
		created += results[i].Created
	}
	// records are created exactly once no matter how the runs interleave
	assert.Equal(t, 2, created)
}

func TestSync_CursorExpiredFallsBackToFullResync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.feed.set("", &Page{Changes: []Delta{mail("m1", "v1"), mail("m2", "v1"), mail("m3", "v1")}, DeltaCursor: "Y"})
	_, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)

	// m2 vanished remotely while the cursor expired
	f.feed.fail("Y", domain.ErrCursorExpired)
	f.feed.set("", &Page{Changes: []Delta{mail("m1", "v1")}, NextCursor: "full-2"})
	f.feed.set("full-2", &Page{Changes: []Delta{mail("m3", "v2")}, DeltaCursor: "Z"})

	stats, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.True(t, stats.FullResync)
	assert.Equal(t, 1, stats.Deleted)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 1, stats.Unchanged)
	assert.Equal(t, "Z", f.cursor(t))

	rec, err := f.store.GetRecord(ctx, "acct", domain.ResourceMail, "m2")
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
	assert.False(t, rec.DeletedAt.IsZero())
}

func TestSync_RemovedChangesSoftDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.feed.set("", &Page{Changes: []Delta{mail("m1", "v1")}, DeltaCursor: "Y"})
	_, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)

	gone := MailDelta{ID: "m1", Deleted: true}
	f.feed.set("Y", &Page{Changes: []Delta{gone, MailDelta{ID: "never-seen", Deleted: true}}, DeltaCursor: "Z"})
	stats, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
	assert.Equal(t, 1, stats.Unchanged)

	rec, err := f.store.GetRecord(ctx, "acct", domain.ResourceMail, "m1")
	require.NoError(t, err)
	assert.True(t, rec.Deleted)

	// deleting again is a no-op
	f.feed.set("Z", &Page{Changes: []Delta{gone}, DeltaCursor: "Z2"})
	stats, err = f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.Zero(t, stats.Deleted)
}

func TestSync_ItemErrorsDoNotAbortRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.feed.set("", &Page{Changes: []Delta{
		mail("m1", "v1"),
		CalendarDelta{ID: "e1", ChangeKey: "v1"},
		MailDelta{},
		mail("m2", "v1"),
	}, DeltaCursor: "Y"})

	stats, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Created)
	require.Len(t, stats.Errors, 2)
	assert.Equal(t, "e1", stats.Errors[0].RemoteID)
	assert.Equal(t, "Y", f.cursor(t))
}

func TestSync_SingleRunCreatesThenUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.feed.set("", &Page{Changes: []Delta{mail("m1", "v1"), mail("m2", "v1"), mail("m3", "v1")}, NextCursor: "A"})
	f.feed.set("A", &Page{Changes: []Delta{mail("m2", "v2")}, DeltaCursor: "Z"})

	stats, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Created)
	assert.Equal(t, 1, stats.Updated)
	assert.Zero(t, stats.Deleted)
	assert.Empty(t, stats.Errors)
	assert.Equal(t, 2, stats.Pages)
	assert.Equal(t, []string{"", "A"}, f.feed.calls)
	assert.Equal(t, "Z", f.cursor(t))

	rec, err := f.store.GetRecord(ctx, "acct", domain.ResourceMail, "m2")
	require.NoError(t, err)
	assert.Equal(t, "v2", rec.Version)

	active, deleted, err := f.store.CountRecords(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.Equal(t, 3, active)
	assert.Zero(t, deleted)
	assert.Equal(t, 4, f.outboxLen(t))
}

func TestSync_UndecodableFeedItemsAreReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.feed.set("", &Page{Changes: []Delta{mail("m1", "v1"), mail("m2", "v1")}, DeltaCursor: "Y"})
	_, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)

	// full resync where m2 arrives but cannot be read
	f.feed.fail("Y", domain.ErrCursorExpired)
	f.feed.set("", &Page{
		Changes:     []Delta{mail("m1", "v1")},
		ItemErrors:  []domain.ItemError{{RemoteID: "m2", Err: "decode mail item: bad isRead"}},
		DeltaCursor: "Z",
	})

	stats, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.True(t, stats.FullResync)
	require.Len(t, stats.Errors, 1)
	assert.Equal(t, "m2", stats.Errors[0].RemoteID)
	assert.Contains(t, stats.Errors[0].Err, "bad isRead")
	assert.Zero(t, stats.Deleted)
	assert.Equal(t, "Z", f.cursor(t))

	rec, err := f.store.GetRecord(ctx, "acct", domain.ResourceMail, "m2")
	require.NoError(t, err)
	assert.False(t, rec.Deleted)
}

func TestSync_CursorAdvancesOnlyAfterAppliedPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.feed.set("", &Page{Changes: []Delta{mail("m1", "v1")}, NextCursor: "p2"})
	f.feed.fail("p2", domain.ErrTransient)

	_, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, "p2", f.cursor(t))

	_, err = f.store.GetRecord(ctx, "acct", domain.ResourceMail, "m1")
	require.NoError(t, err)

	// resumes from the saved position
	f.feed.set("p2", &Page{Changes: []Delta{mail("m2", "v1")}, DeltaCursor: "Y"})
	stats, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, []string{"", "p2", "p2"}, f.feed.calls)
}

func TestSync_ErrorThresholdMarksAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.opts.ErrorThreshold = 2
	f.feed.fail("", domain.ErrTransient)

	for i := 0; i < 2; i++ {
		_, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
		require.Error(t, err)
	}

	acct, err := f.store.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, acct.Status)
	assert.Equal(t, 2, acct.ConsecutiveErrorCount)

	// still syncable, and a success recovers it
	f.feed.set("", &Page{DeltaCursor: "Y"})
	_, err = f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.NoError(t, err)

	acct, err = f.store.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConnected, acct.Status)
	assert.Zero(t, acct.ConsecutiveErrorCount)
}

func TestSync_AuthFailureLeavesErrorCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.tokens = staticTokens{err: domain.ErrAuth}
	f.feed.set("", &Page{DeltaCursor: "Y"})

	_, err := f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.ErrorIs(t, err, domain.ErrAuth)

	acct, err := f.store.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Zero(t, acct.ConsecutiveErrorCount)
}

func TestSync_RejectsUnusableAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Sync(ctx, "acct", domain.ResourceContacts)
	require.ErrorIs(t, err, domain.ErrUnsupported)

	require.NoError(t, f.store.SetAccountStatus(ctx, "acct", domain.StatusNeedsReauth, "", time.Now()))
	_, err = f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.ErrorIs(t, err, domain.ErrAuth)

	require.NoError(t, f.store.SetAccountStatus(ctx, "acct", domain.StatusDisabled, "", time.Now()))
	_, err = f.engine.Sync(ctx, "acct", domain.ResourceMail)
	require.ErrorIs(t, err, domain.ErrAccountDisabled)

	_, err = f.engine.Sync(ctx, "missing", domain.ResourceMail)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(domain.ProviderMicrosoft, domain.ResourceContacts, newFakeFeed())
	reg.Register(domain.ProviderMicrosoft, domain.ResourceMail, newFakeFeed())

	assert.Equal(t, []domain.ResourceType{domain.ResourceMail, domain.ResourceContacts}, reg.Resources(domain.ProviderMicrosoft))
	assert.Empty(t, reg.Resources(domain.ProviderGoogle))

	_, err := reg.Lookup(domain.ProviderGoogle, domain.ResourceMail)
	require.ErrorIs(t, err, domain.ErrUnsupported)
}
