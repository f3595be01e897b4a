// Package auth owns provider credentials: it keeps access tokens fresh,
// serializes refreshes per account, and escalates accounts whose refresh
// credential stops working.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Martian-dev/syncd/internal/backoff"
	"github.com/Martian-dev/syncd/internal/domain"
	"github.com/Martian-dev/syncd/internal/secret"
	"github.com/Martian-dev/syncd/internal/store"
)

// Options tunes the Manager.
type Options struct {
	// ExpiryBuffer is how early before expiry a token counts as stale.
	ExpiryBuffer     time.Duration
	FailureThreshold int
	RefreshTimeout   time.Duration
	// LockTTL bounds how long a crashed refresher can hold the persisted lock.
	LockTTL      time.Duration
	PollInterval time.Duration
	Backoff      backoff.Policy
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		ExpiryBuffer:     5 * time.Minute,
		FailureThreshold: 5,
		RefreshTimeout:   30 * time.Second,
		LockTTL:          time.Minute,
		PollInterval:     250 * time.Millisecond,
		Backoff:          backoff.Default(),
	}
}

// Manager is the token lifecycle manager.
type Manager struct {
	store     *store.Store
	cipher    secret.Cipher
	refresher Refresher
	opts      Options
	logger    *slog.Logger

	// group collapses concurrent refreshes of one account in this process;
	// the tokens.refresh_locked_until CAS covers other processes.
	group singleflight.Group
	now   func() time.Time
}

// NewManager wires a Manager. A nil logger uses slog.Default().
func NewManager(st *store.Store, cipher secret.Cipher, refresher Refresher, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	return &Manager{
		store:     st,
		cipher:    cipher,
		refresher: refresher,
		opts:      opts,
		logger:    logger.With("component", "auth"),
		now:       time.Now,
	}
}

// GetAccessToken returns a usable access token, refreshing when the cached
// one is inside the expiry buffer. When a refresh fails transiently but the
// old token has not actually expired, the old token is returned.
func (m *Manager) GetAccessToken(ctx context.Context, accountID string) (string, error) {
	if _, err := m.loadUsableAccount(ctx, accountID); err != nil {
		return "", err
	}

	rec, err := m.store.GetToken(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("auth: get access token: %w", err)
	}

	now := m.now()
	if m.fresh(rec, now) {
		return m.open(rec.AccessToken)
	}

	token, err := m.refreshShared(ctx, accountID, false)
	if err == nil {
		return token, nil
	}

	if (domain.IsTransient(err) || errors.Is(err, domain.ErrBackoff)) && len(rec.AccessToken) > 0 && rec.ExpiresAt.After(now) {
		m.logger.Warn("refresh failed, serving unexpired token",
			"account_id", accountID,
			"expires_at", rec.ExpiresAt,
			"error", err,
		)
		return m.open(rec.AccessToken)
	}
	return "", err
}

// RefreshToken forces a refresh regardless of the current token's age.
func (m *Manager) RefreshToken(ctx context.Context, accountID string) error {
	_, err := m.refreshShared(ctx, accountID, true)
	return err
}

// ExpiringAccounts lists refreshable accounts whose token expires within the
// given window.
func (m *Manager) ExpiringAccounts(ctx context.Context, within time.Duration) ([]string, error) {
	ids, err := m.store.ListExpiringTokens(ctx, m.now().Add(within))
	if err != nil {
		return nil, fmt.Errorf("auth: expiring accounts: %w", err)
	}
	return ids, nil
}

// Connect redeems an authorization code and (re)connects the account. This
// is the only path out of needs_reauth.
func (m *Manager) Connect(ctx context.Context, accountID string, provider domain.ProviderName, email, code string) error {
	tok, err := m.refresher.Exchange(ctx, provider, code)
	if err != nil {
		return fmt.Errorf("auth: connect %s: %w", accountID, err)
	}
	if tok.RefreshToken == "" {
		return fmt.Errorf("auth: connect %s: provider returned no refresh token: %w", accountID, domain.ErrAuth)
	}

	access, err := m.cipher.Seal([]byte(tok.AccessToken))
	if err != nil {
		return fmt.Errorf("auth: seal access token: %w", err)
	}
	refresh, err := m.cipher.Seal([]byte(tok.RefreshToken))
	if err != nil {
		return fmt.Errorf("auth: seal refresh token: %w", err)
	}

	now := m.now()
	if err := m.store.UpsertAccount(ctx, domain.Account{ID: accountID, Provider: provider, Email: email}, now); err != nil {
		return fmt.Errorf("auth: connect %s: %w", accountID, err)
	}
	if err := m.store.SaveToken(ctx, store.TokenRecord{
		AccountID:    accountID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    tok.Expiry,
	}, now); err != nil {
		return fmt.Errorf("auth: connect %s: %w", accountID, err)
	}

	m.logger.Info("account connected", "account_id", accountID, "provider", provider)
	return nil
}

// Disconnect disables the account and wipes its credentials.
func (m *Manager) Disconnect(ctx context.Context, accountID string) error {
	if err := m.store.SetAccountStatus(ctx, accountID, domain.StatusDisabled, "disconnected by user", m.now()); err != nil {
		return fmt.Errorf("auth: disconnect %s: %w", accountID, err)
	}
	if err := m.store.ClearTokens(ctx, accountID); err != nil {
		return fmt.Errorf("auth: disconnect %s: %w", accountID, err)
	}
	m.logger.Info("account disconnected", "account_id", accountID)
	return nil
}

func (m *Manager) fresh(rec *store.TokenRecord, now time.Time) bool {
	return len(rec.AccessToken) > 0 && rec.ExpiresAt.Add(-m.opts.ExpiryBuffer).After(now)
}

func (m *Manager) open(sealed []byte) (string, error) {
	plain, err := m.cipher.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("auth: open token: %w", err)
	}
	return string(plain), nil
}

func (m *Manager) loadUsableAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	switch acct.Status {
	case domain.StatusNeedsReauth:
		return nil, fmt.Errorf("auth: account %s needs reauthorization: %w", accountID, domain.ErrAuth)
	case domain.StatusDisabled:
		return nil, fmt.Errorf("auth: account %s: %w", accountID, domain.ErrAccountDisabled)
	}
	return acct, nil
}

// refreshShared runs at most one refresh per account in this process. The
// refresh itself is detached from the first caller's cancellation so the
// other waiters are not failed by it. Without force a token that is already
// fresh is returned as is.
func (m *Manager) refreshShared(ctx context.Context, accountID string, force bool) (string, error) {
	ch := m.group.DoChan(accountID, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.RefreshTimeout+m.opts.LockTTL)
		defer cancel()
		return m.refresh(rctx, accountID, force)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) refresh(ctx context.Context, accountID string, force bool) (string, error) {
	acct, err := m.loadUsableAccount(ctx, accountID)
	if err != nil {
		return "", err
	}

	rec, err := m.store.GetToken(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("auth: refresh: %w", err)
	}
	if len(rec.RefreshToken) == 0 {
		m.escalate(ctx, accountID, "no refresh credential stored")
		return "", fmt.Errorf("auth: account %s has no refresh credential: %w", accountID, domain.ErrAuth)
	}

	now := m.now()
	if !force && m.fresh(rec, now) {
		return m.open(rec.AccessToken)
	}
	if now.Before(rec.NextAttemptAt) {
		return "", fmt.Errorf("auth: account %s retry at %s: %w", accountID, rec.NextAttemptAt.Format(time.RFC3339), domain.ErrBackoff)
	}

	locked, err := m.store.TryLockRefresh(ctx, accountID, now, now.Add(m.opts.LockTTL))
	if err != nil {
		return "", fmt.Errorf("auth: refresh: %w", err)
	}
	if !locked {
		return m.awaitPeer(ctx, accountID, rec)
	}

	// A peer may have finished between our read and the lock.
	if latest, err := m.store.GetToken(ctx, accountID); err == nil && !latest.ExpiresAt.Equal(rec.ExpiresAt) && m.fresh(latest, now) {
		_ = m.store.UnlockRefresh(ctx, accountID)
		return m.open(latest.AccessToken)
	}

	refreshToken, err := m.open(rec.RefreshToken)
	if err != nil {
		_ = m.store.UnlockRefresh(ctx, accountID)
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.RefreshTimeout)
	tok, err := m.refresher.Refresh(callCtx, acct.Provider, refreshToken)
	cancel()
	if err != nil {
		return "", m.recordFailure(ctx, acct, rec, err)
	}

	access, err := m.cipher.Seal([]byte(tok.AccessToken))
	if err != nil {
		_ = m.store.UnlockRefresh(ctx, accountID)
		return "", fmt.Errorf("auth: seal access token: %w", err)
	}
	var rotated []byte
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if rotated, err = m.cipher.Seal([]byte(tok.RefreshToken)); err != nil {
			_ = m.store.UnlockRefresh(ctx, accountID)
			return "", fmt.Errorf("auth: seal refresh token: %w", err)
		}
	}

	now = m.now()
	if err := m.store.SaveRefreshed(ctx, accountID, access, rotated, tok.Expiry, now); err != nil {
		return "", fmt.Errorf("auth: refresh: %w", err)
	}
	if acct.Status == domain.StatusError {
		if err := m.store.SetAccountStatus(ctx, accountID, domain.StatusConnected, "", now); err != nil {
			m.logger.Warn("failed to restore account status", "account_id", accountID, "error", err)
		}
	}

	m.logger.Debug("token refreshed",
		"account_id", accountID,
		"expires_at", tok.Expiry,
		"rotated", rotated != nil,
	)
	return tok.AccessToken, nil
}

// recordFailure persists a failed refresh and escalates to needs_reauth for
// permanent errors or once the failure threshold is reached.
func (m *Manager) recordFailure(ctx context.Context, acct *domain.Account, rec *store.TokenRecord, cause error) error {
	permanent := errors.Is(cause, domain.ErrAuth)
	next := m.opts.Backoff.Next(m.now(), rec.FailureCount+1)

	count, err := m.store.RecordRefreshFailure(ctx, acct.ID, cause.Error(), next)
	if err != nil {
		m.logger.Error("failed to record refresh failure", "account_id", acct.ID, "error", err)
	}

	switch {
	case permanent:
		m.escalate(ctx, acct.ID, cause.Error())
	case count >= m.opts.FailureThreshold:
		m.escalate(ctx, acct.ID, fmt.Sprintf("token refresh failed %d times: %v", count, cause))
		return fmt.Errorf("auth: refresh %s: %w: %v", acct.ID, domain.ErrAuth, cause)
	default:
		m.logger.Warn("token refresh failed",
			"account_id", acct.ID,
			"failures", count,
			"next_attempt_at", next,
			"error", cause,
		)
	}
	return fmt.Errorf("auth: refresh %s: %w", acct.ID, cause)
}

func (m *Manager) escalate(ctx context.Context, accountID, msg string) {
	if err := m.store.SetAccountStatus(ctx, accountID, domain.StatusNeedsReauth, msg, m.now()); err != nil {
		m.logger.Error("failed to mark account needs_reauth", "account_id", accountID, "error", err)
		return
	}
	m.logger.Warn("account needs reauthorization", "account_id", accountID, "reason", msg)
}

// awaitPeer waits for another process holding the refresh lock to land its
// result. It gives up once the lock lapses.
func (m *Manager) awaitPeer(ctx context.Context, accountID string, before *store.TokenRecord) (string, error) {
	m.logger.Debug("refresh in progress elsewhere, waiting", "account_id", accountID)

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("auth: waiting for peer refresh: %w", ctx.Err())
		case <-ticker.C:
		}

		rec, err := m.store.GetToken(ctx, accountID)
		if err != nil {
			return "", fmt.Errorf("auth: waiting for peer refresh: %w", err)
		}

		now := m.now()
		if !rec.ExpiresAt.Equal(before.ExpiresAt) && m.fresh(rec, now) {
			return m.open(rec.AccessToken)
		}
		acct, err := m.store.GetAccount(ctx, accountID)
		if err != nil {
			return "", fmt.Errorf("auth: waiting for peer refresh: %w", err)
		}
		switch acct.Status {
		case domain.StatusNeedsReauth:
			return "", fmt.Errorf("auth: peer refresh of %s: %s: %w", accountID, acct.StatusMessage, domain.ErrAuth)
		case domain.StatusDisabled:
			return "", fmt.Errorf("auth: account %s: %w", accountID, domain.ErrAccountDisabled)
		}
		if rec.FailureCount > before.FailureCount {
			return "", fmt.Errorf("auth: peer refresh failed: %s: %w", rec.LastError, domain.ErrTransient)
		}
		if !rec.RefreshLockedUntil.After(now) {
			return "", fmt.Errorf("auth: peer refresh did not complete: %w", domain.ErrTransient)
		}
	}
}
