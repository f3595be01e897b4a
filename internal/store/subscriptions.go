package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Martian-dev/syncd/internal/domain"
)

// SubscriptionRow is a persisted subscription with its sealed secret.
// The embedded Subscription's plaintext Secret is never written.
type SubscriptionRow struct {
	domain.Subscription
	SealedSecret []byte
}

const subscriptionColumns = `id, account_id, resource, expires_at, status, secret, last_error, created_at, updated_at`

// InsertSubscription stores a newly created provider subscription.
func (s *Store) InsertSubscription(ctx context.Context, row SubscriptionRow, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO subscriptions (id, account_id, resource, expires_at, status, secret, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)
	`, row.ID, row.AccountID, string(row.Resource), row.ExpiresAt.Unix(), string(domain.SubscriptionActive),
		row.SealedSecret, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("store: insert subscription: %w", err)
	}
	return nil
}

// GetSubscription loads a subscription by provider id.
func (s *Store) GetSubscription(ctx context.Context, id string) (*SubscriptionRow, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)

	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: subscription %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscription: %w", err)
	}
	return sub, nil
}

// ExtendSubscription sets a new expiration and marks the subscription active.
func (s *Store) ExtendSubscription(ctx context.Context, id string, expiresAt, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE subscriptions SET expires_at = ?, status = 'active', last_error = '', updated_at = ?
		WHERE id = ?
	`, expiresAt.Unix(), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("store: extend subscription: %w", err)
	}
	return requireRow(res, "subscription", id)
}

// MarkSubscription records a status change, e.g. expired after a failed renewal.
func (s *Store) MarkSubscription(ctx context.Context, id string, status domain.SubscriptionStatus, msg string, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE subscriptions SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, string(status), msg, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("store: mark subscription: %w", err)
	}
	return requireRow(res, "subscription", id)
}

// DeleteSubscription removes the row.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete subscription: %w", err)
	}
	return nil
}

// ListExpiringSubscriptions returns active subscriptions expiring in (now, until].
func (s *Store) ListExpiringSubscriptions(ctx context.Context, now, until time.Time) ([]SubscriptionRow, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = 'active' AND expires_at > ? AND expires_at <= ?
		ORDER BY expires_at
	`, now.Unix(), until.Unix())
}

// ListLapsedSubscriptions returns subscriptions still marked active whose
// expiration is at or before now.
func (s *Store) ListLapsedSubscriptions(ctx context.Context, now time.Time) ([]SubscriptionRow, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = 'active' AND expires_at <= ?
		ORDER BY expires_at
	`, now.Unix())
}

// ListSubscriptionsByStatus returns subscriptions in any of the statuses.
func (s *Store) ListSubscriptionsByStatus(ctx context.Context, statuses ...domain.SubscriptionStatus) ([]SubscriptionRow, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN (`+placeholders+`)
		ORDER BY account_id, resource
	`, args...)
}

// ListSubscriptionsForAccount returns all subscriptions of an account.
func (s *Store) ListSubscriptionsForAccount(ctx context.Context, accountID string) ([]SubscriptionRow, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE account_id = ? ORDER BY resource
	`, accountID)
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...any) ([]SubscriptionRow, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []SubscriptionRow
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan subscription: %w", err)
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func scanSubscription(r rowScanner) (*SubscriptionRow, error) {
	var (
		sub                       SubscriptionRow
		resource, status          string
		expires, created, updated int64
	)
	if err := r.Scan(&sub.ID, &sub.AccountID, &resource, &expires, &status, &sub.SealedSecret,
		&sub.LastError, &created, &updated); err != nil {
		return nil, err
	}
	sub.Resource = domain.ResourceType(resource)
	sub.Status = domain.SubscriptionStatus(status)
	sub.ExpiresAt = fromUnix(expires)
	sub.CreatedAt = fromUnix(created)
	sub.UpdatedAt = fromUnix(updated)
	return &sub, nil
}
