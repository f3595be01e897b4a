package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/syncd/internal/domain"
)

// TokenRecord is the persisted credential row. Credential fields are sealed
// by the caller; the store never sees plaintext.
type TokenRecord struct {
	AccountID       string
	AccessToken     []byte
	RefreshToken    []byte
	ExpiresAt       time.Time
	FailureCount    int
	LastRefreshedAt time.Time
	LastError       string
	NextAttemptAt   time.Time
	// RefreshLockedUntil is set while some process is refreshing.
	RefreshLockedUntil time.Time
}

// GetToken loads the credential row for an account.
func (s *Store) GetToken(ctx context.Context, accountID string) (*TokenRecord, error) {
	var (
		rec                                       TokenRecord
		expires, refreshed, nextAttemptAt, locked int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT account_id, access_token, refresh_token, expires_at, failure_count,
		       last_refreshed_at, last_error, next_attempt_at, refresh_locked_until
		FROM tokens WHERE account_id = ?
	`, accountID).Scan(&rec.AccountID, &rec.AccessToken, &rec.RefreshToken, &expires, &rec.FailureCount,
		&refreshed, &rec.LastError, &nextAttemptAt, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: token for %s: %w", accountID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get token: %w", err)
	}

	rec.ExpiresAt = fromUnix(expires)
	rec.LastRefreshedAt = fromUnix(refreshed)
	rec.NextAttemptAt = fromUnix(nextAttemptAt)
	rec.RefreshLockedUntil = fromUnix(locked)
	return &rec, nil
}

// SaveToken replaces the credential row, resetting failure bookkeeping.
// Used by the initial connect and manual reconnect.
func (s *Store) SaveToken(ctx context.Context, rec TokenRecord, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tokens (account_id, access_token, refresh_token, expires_at, failure_count,
		                    last_refreshed_at, last_error, next_attempt_at, refresh_locked_until)
		VALUES (?, ?, ?, ?, 0, ?, '', 0, 0)
		ON CONFLICT(account_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			failure_count = 0,
			last_refreshed_at = excluded.last_refreshed_at,
			last_error = '',
			next_attempt_at = 0,
			refresh_locked_until = 0
	`, rec.AccountID, rec.AccessToken, rec.RefreshToken, unixOrZero(rec.ExpiresAt), now.Unix())
	if err != nil {
		return fmt.Errorf("store: save token: %w", err)
	}
	return nil
}

// TryLockRefresh atomically claims the refresh lock for an account until
// lockUntil. A lock whose deadline has passed is reclaimable.
func (s *Store) TryLockRefresh(ctx context.Context, accountID string, now, lockUntil time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tokens SET refresh_locked_until = ?
		WHERE account_id = ? AND refresh_locked_until < ?
	`, lockUntil.Unix(), accountID, now.Unix())
	if err != nil {
		return false, fmt.Errorf("store: lock refresh: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: lock refresh: %w", err)
	}
	return n == 1, nil
}

// UnlockRefresh releases the refresh lock.
func (s *Store) UnlockRefresh(ctx context.Context, accountID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE tokens SET refresh_locked_until = 0 WHERE account_id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("store: unlock refresh: %w", err)
	}
	return nil
}

// SaveRefreshed persists a successful refresh and releases the lock. A nil
// refreshToken keeps the stored one, since providers may not rotate it.
func (s *Store) SaveRefreshed(ctx context.Context, accountID string, accessToken, refreshToken []byte, expiresAt, now time.Time) error {
	query := `
		UPDATE tokens SET access_token = ?, expires_at = ?, failure_count = 0, last_refreshed_at = ?,
		                  last_error = '', next_attempt_at = 0, refresh_locked_until = 0
		WHERE account_id = ?`
	args := []any{accessToken, unixOrZero(expiresAt), now.Unix(), accountID}

	if len(refreshToken) > 0 {
		query = `
		UPDATE tokens SET access_token = ?, refresh_token = ?, expires_at = ?, failure_count = 0,
		                  last_refreshed_at = ?, last_error = '', next_attempt_at = 0, refresh_locked_until = 0
		WHERE account_id = ?`
		args = []any{accessToken, refreshToken, unixOrZero(expiresAt), now.Unix(), accountID}
	}

	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: save refreshed token: %w", err)
	}
	return requireRow(res, "token", accountID)
}

// RecordRefreshFailure increments the failure counter, stores the error and
// the earliest next attempt, and releases the lock. Returns the new count.
func (s *Store) RecordRefreshFailure(ctx context.Context, accountID, msg string, nextAttempt time.Time) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
		UPDATE tokens
		SET failure_count = failure_count + 1, last_error = ?, next_attempt_at = ?, refresh_locked_until = 0
		WHERE account_id = ?
		RETURNING failure_count
	`, msg, unixOrZero(nextAttempt), accountID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: token for %s: %w", accountID, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("store: record refresh failure: %w", err)
	}
	return count, nil
}

// ClearTokens wipes credentials for a disconnected account.
func (s *Store) ClearTokens(ctx context.Context, accountID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tokens SET access_token = NULL, refresh_token = NULL, expires_at = 0, refresh_locked_until = 0
		WHERE account_id = ?
	`, accountID)
	if err != nil {
		return fmt.Errorf("store: clear tokens: %w", err)
	}
	return nil
}

// ListExpiringTokens returns ids of syncable accounts whose access token
// expires at or before the given time.
func (s *Store) ListExpiringTokens(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT t.account_id
		FROM tokens t JOIN accounts a ON a.id = t.account_id
		WHERE t.expires_at <= ?
		  AND a.status IN ('connected', 'error')
		  AND t.refresh_token IS NOT NULL
		ORDER BY t.expires_at
	`, before.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: list expiring tokens: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan token: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
