package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/syncd/internal/domain"
	"github.com/Martian-dev/syncd/internal/secret"
	"github.com/Martian-dev/syncd/internal/store"
	"github.com/Martian-dev/syncd/internal/store/storetest"
)

type fakeProvider struct {
	mu        sync.Mutex
	seq       int
	created   map[string]string // id -> clientState
	renewed   []string
	deleted   []string
	createErr error
	renewErr  error
	deleteErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{created: make(map[string]string)}
}

func (f *fakeProvider) Create(_ context.Context, _ string, resource domain.ResourceType, clientState string, expiresAt time.Time) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", time.Time{}, f.createErr
	}
	f.seq++
	id := fmt.Sprintf("sub-%s-%d", resource, f.seq)
	f.created[id] = clientState
	return id, expiresAt, nil
}

func (f *fakeProvider) Renew(_ context.Context, _ string, id string, expiresAt time.Time) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renewErr != nil {
		return time.Time{}, f.renewErr
	}
	f.renewed = append(f.renewed, id)
	return expiresAt, nil
}

func (f *fakeProvider) Delete(_ context.Context, _ string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

func (f *fakeProvider) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.renewed)
}

type recordingSignaler struct {
	mu      sync.Mutex
	signals []domain.ChangeSignal
}

func (r *recordingSignaler) Signal(_ context.Context, sig domain.ChangeSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sig)
	return nil
}

func (r *recordingSignaler) all() []domain.ChangeSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ChangeSignal(nil), r.signals...)
}

type staticTokens struct{ err error }

func (s staticTokens) GetAccessToken(context.Context, string) (string, error) {
	return "access", s.err
}

type harness struct {
	m        *Manager
	store    *store.Store
	provider *fakeProvider
	signals  *recordingSignaler
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	key, err := secret.GenerateKey()
	require.NoError(t, err)
	box, err := secret.NewBoxFromBase64(key)
	require.NoError(t, err)

	st := storetest.New(t)
	storetest.SeedAccount(t, st, "acct-1", domain.ProviderMicrosoft)

	h := &harness{
		store:    st,
		provider: newFakeProvider(),
		signals:  &recordingSignaler{},
		now:      time.Now().Truncate(time.Second),
	}
	h.m = NewManager(st, box, staticTokens{}, h.signals, DefaultOptions(), storetest.Logger())
	h.m.RegisterProvider(domain.ProviderMicrosoft, h.provider)
	h.m.now = func() time.Time { return h.now }
	return h
}

func (h *harness) subscribe(t *testing.T, resource domain.ResourceType) *domain.Subscription {
	t.Helper()
	sub, err := h.m.CreateSubscription(context.Background(), "acct-1", resource)
	require.NoError(t, err)
	return sub
}

func batch(t *testing.T, items ...Notification) []byte {
	t.Helper()
	b, err := json.Marshal(notificationBatch{Value: items})
	require.NoError(t, err)
	return b
}

func TestCreateSubscription(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, domain.ResourceMail)

	assert.Len(t, sub.Secret, 64)
	assert.Equal(t, h.now.Add(4230*time.Minute), sub.ExpiresAt)
	assert.Equal(t, sub.Secret, h.provider.created[sub.ID])

	row, err := h.store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionActive, row.Status)
	assert.NotContains(t, string(row.SealedSecret), sub.Secret, "secret stored sealed")

	other := h.subscribe(t, domain.ResourceCalendar)
	assert.NotEqual(t, sub.Secret, other.Secret)
}

func TestCreateSubscriptionUnsupportedProvider(t *testing.T) {
	h := newHarness(t)
	storetest.SeedAccount(t, h.store, "acct-g", domain.ProviderGoogle)

	_, err := h.m.CreateSubscription(context.Background(), "acct-g", domain.ResourceMail)
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}

func TestCreateSubscriptionDisabledAccount(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SetAccountStatus(context.Background(), "acct-1", domain.StatusDisabled, "", h.now))

	_, err := h.m.CreateSubscription(context.Background(), "acct-1", domain.ResourceMail)
	assert.ErrorIs(t, err, domain.ErrAccountDisabled)
	assert.Empty(t, h.provider.created)
}

func TestCreateSubscriptionProviderError(t *testing.T) {
	h := newHarness(t)
	h.provider.createErr = &domain.ProviderError{StatusCode: 503, Err: domain.ErrTransient}

	_, err := h.m.CreateSubscription(context.Background(), "acct-1", domain.ResourceMail)
	assert.ErrorIs(t, err, domain.ErrTransient)

	subs, err := h.store.ListSubscriptionsForAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestValidationHandshake(t *testing.T) {
	h := newHarness(t)

	echo, err := h.m.HandleValidationHandshake("abc 123+/=")
	require.NoError(t, err)
	assert.Equal(t, "abc 123+/=", echo)

	_, err = h.m.HandleValidationHandshake("")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestReceiveNotificationAcceptsAndDedupes(t *testing.T) {
	h := newHarness(t)
	mail := h.subscribe(t, domain.ResourceMail)
	cal := h.subscribe(t, domain.ResourceCalendar)

	res, err := h.m.ReceiveNotification(context.Background(), batch(t,
		Notification{SubscriptionID: mail.ID, ClientState: mail.Secret, ChangeType: "created"},
		Notification{SubscriptionID: mail.ID, ClientState: mail.Secret, ChangeType: "updated"},
		Notification{SubscriptionID: cal.ID, ClientState: cal.Secret, ChangeType: "deleted"},
	))
	require.NoError(t, err)

	assert.Equal(t, 3, res.Accepted)
	assert.Equal(t, []domain.ChangeSignal{
		{AccountID: "acct-1", Resource: domain.ResourceMail, Reason: domain.ReasonNotification},
		{AccountID: "acct-1", Resource: domain.ResourceCalendar, Reason: domain.ReasonNotification},
	}, res.Signals)
	assert.Equal(t, res.Signals, h.signals.all())
}

func TestReceiveNotificationRejectsBadSecret(t *testing.T) {
	h := newHarness(t)
	mail := h.subscribe(t, domain.ResourceMail)

	res, err := h.m.ReceiveNotification(context.Background(), batch(t,
		Notification{SubscriptionID: mail.ID, ClientState: "wrong"},
		Notification{SubscriptionID: mail.ID, ClientState: ""},
		Notification{SubscriptionID: "nope", ClientState: mail.Secret},
	))
	require.NoError(t, err)

	assert.Equal(t, 0, res.Accepted)
	assert.Equal(t, 2, res.Rejected)
	assert.Equal(t, 1, res.Unknown)
	assert.Empty(t, h.signals.all())
}

func TestReceiveNotificationMalformed(t *testing.T) {
	h := newHarness(t)

	_, err := h.m.ReceiveNotification(context.Background(), []byte(`{"value": [`))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestReceiveNotificationLifecycle(t *testing.T) {
	h := newHarness(t)
	mail := h.subscribe(t, domain.ResourceMail)
	cal := h.subscribe(t, domain.ResourceCalendar)
	contacts := h.subscribe(t, domain.ResourceContacts)

	res, err := h.m.ReceiveNotification(context.Background(), batch(t,
		Notification{SubscriptionID: mail.ID, ClientState: mail.Secret, LifecycleEvent: "reauthorizationRequired"},
		Notification{SubscriptionID: cal.ID, ClientState: cal.Secret, LifecycleEvent: "subscriptionRemoved"},
		Notification{SubscriptionID: contacts.ID, ClientState: contacts.Secret, LifecycleEvent: "missed"},
	))
	require.NoError(t, err)
	h.m.Wait()

	assert.Equal(t, 1, h.provider.renewCount())
	assert.Equal(t, []domain.ChangeSignal{
		{AccountID: "acct-1", Resource: domain.ResourceCalendar, Reason: domain.ReasonRemoved},
		{AccountID: "acct-1", Resource: domain.ResourceContacts, Reason: domain.ReasonMissed},
	}, res.Signals)

	row, err := h.store.GetSubscription(context.Background(), cal.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionExpired, row.Status)
}

func TestRenewSubscription(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, domain.ResourceMail)

	h.now = h.now.Add(48 * time.Hour)
	require.NoError(t, h.m.RenewSubscription(context.Background(), sub.ID))

	row, err := h.store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, h.now.Add(4230*time.Minute).Unix(), row.ExpiresAt.Unix())
	assert.Equal(t, domain.SubscriptionActive, row.Status)
	assert.Empty(t, h.signals.all())
}

func TestRenewSubscriptionFailureEmitsSignal(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, domain.ResourceMail)
	h.provider.renewErr = &domain.ProviderError{StatusCode: 404, Err: domain.ErrNotFound}

	err := h.m.RenewSubscription(context.Background(), sub.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	row, err := h.store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionExpired, row.Status)
	assert.NotEmpty(t, row.LastError)

	assert.Equal(t, []domain.ChangeSignal{
		{AccountID: "acct-1", Resource: domain.ResourceMail, Reason: domain.ReasonRenewalFailed},
	}, h.signals.all())
}

func TestRenewUnknownSubscription(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.m.RenewSubscription(context.Background(), "missing"), domain.ErrNotFound)
}

func TestGetExpiringSoon(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, domain.ResourceMail)

	soon, err := h.m.GetExpiringSoon(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, soon)

	h.now = sub.ExpiresAt.Add(-30 * time.Minute)
	soon, err = h.m.GetExpiringSoon(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Len(t, soon, 1)
	assert.Equal(t, sub.ID, soon[0].ID)
	assert.Empty(t, soon[0].Secret)
}

func TestDeleteSubscription(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, domain.ResourceMail)

	require.NoError(t, h.m.DeleteSubscription(context.Background(), sub.ID))
	assert.Equal(t, []string{sub.ID}, h.provider.deleted)

	_, err := h.store.GetSubscription(context.Background(), sub.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteSubscriptionGoneRemotely(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, domain.ResourceMail)
	h.provider.deleteErr = &domain.ProviderError{StatusCode: 404, Err: domain.ErrNotFound}

	require.NoError(t, h.m.DeleteSubscription(context.Background(), sub.ID))
	_, err := h.store.GetSubscription(context.Background(), sub.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteSubscriptionTransientKeepsRow(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, domain.ResourceMail)
	h.provider.deleteErr = errors.Join(domain.ErrTransient, errors.New("boom"))

	assert.ErrorIs(t, h.m.DeleteSubscription(context.Background(), sub.ID), domain.ErrTransient)
	_, err := h.store.GetSubscription(context.Background(), sub.ID)
	assert.NoError(t, err)
}

func TestRecoverExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mail := h.subscribe(t, domain.ResourceMail)
	require.NoError(t, h.store.MarkSubscription(ctx, mail.ID, domain.SubscriptionExpired, "renew failed", h.now))

	result := h.m.RecoverExpired(ctx)
	assert.Equal(t, 0, result.Failed, result.Errors)
	assert.Equal(t, len(domain.AllResources), result.Succeeded)

	subs, err := h.store.ListSubscriptionsForAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, subs, len(domain.AllResources))
	for _, s := range subs {
		assert.Equal(t, domain.SubscriptionActive, s.Status)
		assert.NotEqual(t, mail.ID, s.ID)
	}
	assert.Contains(t, h.provider.deleted, mail.ID)
	assert.Len(t, h.signals.all(), len(domain.AllResources))

	// Converged: nothing left to recover.
	again := h.m.RecoverExpired(ctx)
	assert.Equal(t, 0, again.Succeeded)
	assert.Equal(t, 0, again.Failed)
}

func TestRecoverExpiredReplacesLapsedActiveSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mail := h.subscribe(t, domain.ResourceMail)

	// the renewal sweep never ran; the row is still active but past expiry
	h.now = mail.ExpiresAt.Add(time.Minute)

	result := h.m.RecoverExpired(ctx)
	assert.Equal(t, 0, result.Failed, result.Errors)
	assert.Equal(t, len(domain.AllResources), result.Succeeded)

	subs, err := h.store.ListSubscriptionsForAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, subs, len(domain.AllResources))
	for _, s := range subs {
		assert.NotEqual(t, mail.ID, s.ID)
		assert.Equal(t, domain.SubscriptionActive, s.Status)
		assert.True(t, s.ExpiresAt.After(h.now), "resource %s expires in the future", s.Resource)
	}
	assert.Contains(t, h.provider.deleted, mail.ID)

	var missedMail int
	for _, sig := range h.signals.all() {
		if sig.Resource == domain.ResourceMail && sig.Reason == domain.ReasonMissed {
			missedMail++
		}
	}
	assert.GreaterOrEqual(t, missedMail, 1)

	lapsed, err := h.store.ListLapsedSubscriptions(ctx, h.now)
	require.NoError(t, err)
	assert.Empty(t, lapsed)
}

func TestRecoverExpiredSkipsUnusableAccounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mail := h.subscribe(t, domain.ResourceMail)
	require.NoError(t, h.store.MarkSubscription(ctx, mail.ID, domain.SubscriptionExpired, "", h.now))
	require.NoError(t, h.store.SetAccountStatus(ctx, "acct-1", domain.StatusNeedsReauth, "revoked", h.now))

	result := h.m.RecoverExpired(ctx)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Succeeded)

	row, err := h.store.GetSubscription(ctx, mail.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionExpired, row.Status)
}
