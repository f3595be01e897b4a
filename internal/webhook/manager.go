// Package webhook manages provider push subscriptions and turns incoming
// notifications into change signals. Notifications never carry data; every
// accepted one only asks for a delta sync of its (account, resource) pair.
package webhook

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Martian-dev/syncd/internal/domain"
	"github.com/Martian-dev/syncd/internal/secret"
	"github.com/Martian-dev/syncd/internal/store"
)

// SubscriptionProvider is the provider-side subscription API.
type SubscriptionProvider interface {
	Create(ctx context.Context, accessToken string, resource domain.ResourceType, clientState string, expiresAt time.Time) (string, time.Time, error)
	Renew(ctx context.Context, accessToken, id string, expiresAt time.Time) (time.Time, error)
	Delete(ctx context.Context, accessToken, id string) error
}

// TokenSource hands out access tokens; satisfied by auth.Manager.
type TokenSource interface {
	GetAccessToken(ctx context.Context, accountID string) (string, error)
}

// Signaler delivers change signals to whatever runs the syncs.
type Signaler interface {
	Signal(ctx context.Context, sig domain.ChangeSignal) error
}

// Options tunes the Manager.
type Options struct {
	// MaxLifetime is the longest expiration the provider grants.
	MaxLifetime time.Duration
	// Resources lists the resource types to keep subscribed per account.
	Resources []domain.ResourceType
}

// DefaultOptions matches Graph's limit for mail, calendar and contacts.
func DefaultOptions() Options {
	return Options{
		MaxLifetime: 4230 * time.Minute,
		Resources:   domain.AllResources,
	}
}

// Manager is the webhook subscription manager.
type Manager struct {
	store     *store.Store
	cipher    secret.Cipher
	tokens    TokenSource
	providers map[domain.ProviderName]SubscriptionProvider
	signals   Signaler
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	// background renewals triggered by lifecycle notifications
	wg sync.WaitGroup
}

// NewManager wires a Manager. A nil logger uses slog.Default().
func NewManager(st *store.Store, cipher secret.Cipher, tokens TokenSource, signals Signaler, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     st,
		cipher:    cipher,
		tokens:    tokens,
		providers: make(map[domain.ProviderName]SubscriptionProvider),
		signals:   signals,
		opts:      opts,
		logger:    logger.With("component", "webhook"),
		now:       time.Now,
	}
}

// RegisterProvider installs the subscription API for a provider.
func (m *Manager) RegisterProvider(name domain.ProviderName, p SubscriptionProvider) {
	m.providers[name] = p
}

// Wait blocks until background renewals finish.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) provider(name domain.ProviderName) (SubscriptionProvider, error) {
	p, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("webhook: push subscriptions for %s: %w", name, domain.ErrUnsupported)
	}
	return p, nil
}

// CreateSubscription registers a push subscription with a fresh random
// secret. The secret is returned in plaintext once and stored sealed.
func (m *Manager) CreateSubscription(ctx context.Context, accountID string, resource domain.ResourceType) (*domain.Subscription, error) {
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	if !acct.Syncable() {
		return nil, fmt.Errorf("webhook: account %s is %s: %w", accountID, acct.Status, domain.ErrAccountDisabled)
	}
	p, err := m.provider(acct.Provider)
	if err != nil {
		return nil, err
	}

	clientState, err := newSecret()
	if err != nil {
		return nil, err
	}
	sealed, err := m.cipher.Seal([]byte(clientState))
	if err != nil {
		return nil, fmt.Errorf("webhook: seal secret: %w", err)
	}

	token, err := m.tokens.GetAccessToken(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("webhook: create subscription: %w", err)
	}

	now := m.now()
	id, expiresAt, err := p.Create(ctx, token, resource, clientState, now.Add(m.opts.MaxLifetime))
	if err != nil {
		return nil, fmt.Errorf("webhook: create subscription: %w", err)
	}

	sub := domain.Subscription{
		ID:        id,
		AccountID: accountID,
		Resource:  resource,
		ExpiresAt: expiresAt,
		Status:    domain.SubscriptionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.InsertSubscription(ctx, store.SubscriptionRow{Subscription: sub, SealedSecret: sealed}, now); err != nil {
		// Do not leave a remote subscription we cannot validate.
		if derr := p.Delete(context.WithoutCancel(ctx), token, id); derr != nil {
			m.logger.Warn("failed to delete orphaned subscription", "subscription_id", id, "error", derr)
		}
		return nil, fmt.Errorf("webhook: create subscription: %w", err)
	}

	m.logger.Info("subscription created",
		"subscription_id", id,
		"account_id", accountID,
		"resource", resource,
		"expires_at", expiresAt,
	)
	sub.Secret = clientState
	return &sub, nil
}

// HandleValidationHandshake echoes the provider's validation token.
func (m *Manager) HandleValidationHandshake(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("webhook: empty validation token: %w", domain.ErrValidation)
	}
	return token, nil
}

// RenewSubscription extends a subscription to the maximum lifetime. On
// failure the subscription is marked expired and a compensating signal is
// emitted so changes made while it lapses are still picked up.
func (m *Manager) RenewSubscription(ctx context.Context, id string) error {
	row, err := m.store.GetSubscription(ctx, id)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}

	expiresAt, err := m.renew(ctx, row)
	if err != nil {
		m.renewalFailed(ctx, row, err)
		return fmt.Errorf("webhook: renew %s: %w", id, err)
	}

	if err := m.store.ExtendSubscription(ctx, id, expiresAt, m.now()); err != nil {
		return fmt.Errorf("webhook: renew %s: %w", id, err)
	}
	m.logger.Debug("subscription renewed", "subscription_id", id, "expires_at", expiresAt)
	return nil
}

func (m *Manager) renew(ctx context.Context, row *store.SubscriptionRow) (time.Time, error) {
	acct, err := m.store.GetAccount(ctx, row.AccountID)
	if err != nil {
		return time.Time{}, err
	}
	p, err := m.provider(acct.Provider)
	if err != nil {
		return time.Time{}, err
	}
	token, err := m.tokens.GetAccessToken(ctx, row.AccountID)
	if err != nil {
		return time.Time{}, err
	}
	return p.Renew(ctx, token, row.ID, m.now().Add(m.opts.MaxLifetime))
}

func (m *Manager) renewalFailed(ctx context.Context, row *store.SubscriptionRow, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := m.store.MarkSubscription(ctx, row.ID, domain.SubscriptionExpired, cause.Error(), m.now()); err != nil {
		m.logger.Error("failed to mark subscription expired", "subscription_id", row.ID, "error", err)
	}
	m.logger.Warn("subscription renewal failed",
		"subscription_id", row.ID,
		"account_id", row.AccountID,
		"resource", row.Resource,
		"error", cause,
	)
	m.emit(ctx, domain.ChangeSignal{AccountID: row.AccountID, Resource: row.Resource, Reason: domain.ReasonRenewalFailed})
}

// GetExpiringSoon lists active subscriptions expiring within window.
func (m *Manager) GetExpiringSoon(ctx context.Context, window time.Duration) ([]domain.Subscription, error) {
	now := m.now()
	rows, err := m.store.ListExpiringSubscriptions(ctx, now, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	out := make([]domain.Subscription, len(rows))
	for i, r := range rows {
		out[i] = r.Subscription
	}
	return out, nil
}

// DeleteSubscription removes a subscription remotely and locally. A
// subscription the provider no longer knows is still removed locally.
func (m *Manager) DeleteSubscription(ctx context.Context, id string) error {
	row, err := m.store.GetSubscription(ctx, id)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}

	acct, err := m.store.GetAccount(ctx, row.AccountID)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if p, err := m.provider(acct.Provider); err == nil {
		token, err := m.tokens.GetAccessToken(ctx, row.AccountID)
		if err == nil {
			err = p.Delete(ctx, token, id)
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrAuth) && !errors.Is(err, domain.ErrAccountDisabled) {
			return fmt.Errorf("webhook: delete %s: %w", id, err)
		}
	}

	if err := m.store.DeleteSubscription(ctx, id); err != nil {
		return fmt.Errorf("webhook: delete %s: %w", id, err)
	}
	m.logger.Info("subscription deleted", "subscription_id", id, "account_id", row.AccountID)
	return nil
}

// RecoverExpired expires active subscriptions whose expiration has passed,
// replaces expired or failed subscriptions of usable accounts and creates
// subscriptions missing for them.
func (m *Manager) RecoverExpired(ctx context.Context) domain.SweepResult {
	result := domain.SweepResult{Name: "subscription-recovery"}
	now := m.now()

	lapsed, err := m.store.ListLapsedSubscriptions(ctx, now)
	if err != nil {
		result.RecordFailure("list lapsed", err)
		return result
	}
	for _, row := range lapsed {
		if err := m.store.MarkSubscription(ctx, row.ID, domain.SubscriptionExpired, "lapsed before renewal", now); err != nil {
			result.RecordFailure(row.ID, err)
			continue
		}
		m.logger.Warn("subscription lapsed before renewal",
			"subscription_id", row.ID,
			"account_id", row.AccountID,
			"resource", row.Resource,
			"expired_at", row.ExpiresAt,
		)
		m.emit(ctx, domain.ChangeSignal{AccountID: row.AccountID, Resource: row.Resource, Reason: domain.ReasonMissed})
	}

	broken, err := m.store.ListSubscriptionsByStatus(ctx, domain.SubscriptionExpired, domain.SubscriptionError)
	if err != nil {
		result.RecordFailure("list", err)
		return result
	}
	for _, row := range broken {
		acct, err := m.store.GetAccount(ctx, row.AccountID)
		if err != nil || !acct.Syncable() {
			result.Skipped++
			continue
		}
		if err := m.DeleteSubscription(ctx, row.ID); err != nil {
			m.logger.Warn("failed to delete stale subscription", "subscription_id", row.ID, "error", err)
			if err := m.store.DeleteSubscription(ctx, row.ID); err != nil {
				result.RecordFailure(row.ID, err)
				continue
			}
		}
	}

	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		result.RecordFailure("list accounts", err)
		return result
	}
	for _, acct := range accounts {
		if !acct.Syncable() {
			continue
		}
		if _, ok := m.providers[acct.Provider]; !ok {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		existing, err := m.store.ListSubscriptionsForAccount(ctx, acct.ID)
		if err != nil {
			result.RecordFailure(acct.ID, err)
			continue
		}
		have := make(map[domain.ResourceType]bool, len(existing))
		for _, s := range existing {
			if s.Status == domain.SubscriptionActive && s.ExpiresAt.After(now) {
				have[s.Resource] = true
			}
		}

		for _, res := range m.opts.Resources {
			if have[res] {
				continue
			}
			item := acct.ID + ":" + string(res)
			if _, err := m.CreateSubscription(ctx, acct.ID, res); err != nil {
				result.RecordFailure(item, err)
				continue
			}
			result.Succeeded++
			// The gap before the subscription existed is covered by a sync.
			m.emit(ctx, domain.ChangeSignal{AccountID: acct.ID, Resource: res, Reason: domain.ReasonMissed})
		}
	}
	return result
}

func (m *Manager) emit(ctx context.Context, sig domain.ChangeSignal) {
	if m.signals == nil {
		return
	}
	if err := m.signals.Signal(ctx, sig); err != nil {
		m.logger.Error("failed to emit change signal",
			"account_id", sig.AccountID,
			"resource", sig.Resource,
			"reason", sig.Reason,
			"error", err,
		)
	}
}

// Notification is one entry of a provider notification batch.
type Notification struct {
	SubscriptionID                 string `json:"subscriptionId"`
	ClientState                    string `json:"clientState"`
	ChangeType                     string `json:"changeType"`
	Resource                       string `json:"resource"`
	LifecycleEvent                 string `json:"lifecycleEvent"`
	TenantID                       string `json:"tenantId"`
	SubscriptionExpirationDateTime string `json:"subscriptionExpirationDateTime"`
}

type notificationBatch struct {
	Value []Notification `json:"value"`
}

// Graph lifecycle events.
const (
	lifecycleReauthorize = "reauthorizationRequired"
	lifecycleRemoved     = "subscriptionRemoved"
	lifecycleMissed      = "missed"
)

// NotificationResult summarizes one delivered batch.
type NotificationResult struct {
	Accepted int
	Rejected int
	Unknown  int
	Signals  []domain.ChangeSignal
}

// ReceiveNotification validates a notification batch and emits one signal
// per distinct (account, resource) pair. Entries with an unknown
// subscription or a wrong secret are dropped.
func (m *Manager) ReceiveNotification(ctx context.Context, payload []byte) (NotificationResult, error) {
	var batch notificationBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return NotificationResult{}, fmt.Errorf("webhook: malformed notification: %w: %w", domain.ErrValidation, err)
	}

	var result NotificationResult
	seen := make(map[string]bool)

	for _, n := range batch.Value {
		row, err := m.store.GetSubscription(ctx, n.SubscriptionID)
		if errors.Is(err, domain.ErrNotFound) {
			result.Unknown++
			m.logger.Warn("notification for unknown subscription", "subscription_id", n.SubscriptionID)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("webhook: %w", err)
		}

		if !m.secretMatches(row, n.ClientState) {
			result.Rejected++
			m.logger.Warn("notification with invalid client state", "subscription_id", n.SubscriptionID)
			continue
		}
		result.Accepted++

		sig := domain.ChangeSignal{AccountID: row.AccountID, Resource: row.Resource, Reason: domain.ReasonNotification}
		switch n.LifecycleEvent {
		case "":
		case lifecycleReauthorize:
			m.renewAsync(ctx, row.ID)
			continue
		case lifecycleRemoved:
			if err := m.store.MarkSubscription(ctx, row.ID, domain.SubscriptionExpired, "removed by provider", m.now()); err != nil {
				m.logger.Error("failed to mark subscription expired", "subscription_id", row.ID, "error", err)
			}
			sig.Reason = domain.ReasonRemoved
		case lifecycleMissed:
			sig.Reason = domain.ReasonMissed
		default:
			m.logger.Debug("ignoring lifecycle event", "event", n.LifecycleEvent, "subscription_id", row.ID)
			continue
		}

		if seen[sig.Key()] {
			continue
		}
		seen[sig.Key()] = true
		result.Signals = append(result.Signals, sig)
	}

	for _, sig := range result.Signals {
		m.emit(ctx, sig)
	}
	return result, nil
}

func (m *Manager) secretMatches(row *store.SubscriptionRow, clientState string) bool {
	stored, err := m.cipher.Open(row.SealedSecret)
	if err != nil {
		m.logger.Error("failed to open subscription secret", "subscription_id", row.ID, "error", err)
		return false
	}
	return len(stored) > 0 && subtle.ConstantTimeCompare(stored, []byte(clientState)) == 1
}

func (m *Manager) renewAsync(ctx context.Context, id string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := m.RenewSubscription(rctx, id); err != nil {
			m.logger.Warn("reauthorization renewal failed", "subscription_id", id, "error", err)
		}
	}()
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("webhook: generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
