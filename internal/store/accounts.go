package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/syncd/internal/domain"
)

const accountColumns = `id, provider, email, status, status_message, consecutive_error_count, created_at, updated_at`

// UpsertAccount creates an account or reconnects an existing one, resetting
// its status to connected and clearing error counters.
func (s *Store) UpsertAccount(ctx context.Context, a domain.Account, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, provider, email, status, status_message, consecutive_error_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider,
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE accounts.email END,
			status = excluded.status,
			status_message = '',
			consecutive_error_count = 0,
			updated_at = excluded.updated_at
	`, a.ID, string(a.Provider), a.Email, string(domain.StatusConnected), now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("store: upsert account: %w", err)
	}
	return nil
}

// GetAccount loads one account. Returns domain.ErrNotFound if absent.
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)

	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: account %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get account: %w", err)
	}
	return a, nil
}

// ListAccounts returns all accounts ordered by id.
func (s *Store) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SetAccountStatus transitions an account to status with a message.
func (s *Store) SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus, msg string, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET status = ?, status_message = ?, updated_at = ? WHERE id = ?
	`, string(status), msg, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("store: set account status: %w", err)
	}
	return requireRow(res, "account", id)
}

// RecordSyncSuccess clears the account's consecutive error count and lifts
// an error status back to connected.
func (s *Store) RecordSyncSuccess(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET consecutive_error_count = 0,
		    status = CASE WHEN status = 'error' THEN 'connected' ELSE status END,
		    status_message = CASE WHEN status = 'error' THEN '' ELSE status_message END,
		    updated_at = ?
		WHERE id = ?
	`, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("store: record sync success: %w", err)
	}
	return nil
}

// RecordSyncFailure increments the consecutive error count. Once it reaches
// threshold a connected account moves to error. Returns the new count.
func (s *Store) RecordSyncFailure(ctx context.Context, id, msg string, threshold int, now time.Time) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			UPDATE accounts
			SET consecutive_error_count = consecutive_error_count + 1, updated_at = ?
			WHERE id = ?
			RETURNING consecutive_error_count
		`, now.Unix(), id).Scan(&count); err != nil {
			return err
		}

		if threshold > 0 && count >= threshold {
			_, err := tx.ExecContext(ctx, `
				UPDATE accounts SET status = 'error', status_message = ?
				WHERE id = ? AND status = 'connected'
			`, msg, id)
			return err
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: record sync failure: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (*domain.Account, error) {
	var (
		a                domain.Account
		provider, status string
		created, updated int64
	)
	if err := r.Scan(&a.ID, &provider, &a.Email, &status, &a.StatusMessage, &a.ConsecutiveErrorCount, &created, &updated); err != nil {
		return nil, err
	}
	a.Provider = domain.ProviderName(provider)
	a.Status = domain.AccountStatus(status)
	a.CreatedAt = fromUnix(created)
	a.UpdatedAt = fromUnix(updated)
	return &a, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: %s %s: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}
