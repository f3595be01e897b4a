package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/syncd/internal/domain"
)

// ErrLockLost means the caller no longer owns the cursor lock, usually
// because it was reclaimed as stale by another worker.
var ErrLockLost = errors.New("store: cursor lock lost")

// Cursor is the persisted sync position for one (account, resource) pair.
// An empty Token means the next run performs a full sync.
type Cursor struct {
	AccountID    string
	Resource     domain.ResourceType
	Token        string
	LastSyncedAt time.Time
	InProgress   bool
	LockedAt     time.Time
	LockOwner    string
}

// AcquireCursor atomically sets the in-progress flag for the pair, creating
// the row on first use. A lock taken before staleBefore is reclaimed.
// Returns false without writing anything when another run holds the lock.
func (s *Store) AcquireCursor(ctx context.Context, accountID string, resource domain.ResourceType, owner string, now, staleBefore time.Time) (bool, error) {
	if _, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_cursors (account_id, resource, updated_at) VALUES (?, ?, ?)
	`, accountID, string(resource), now.Unix()); err != nil {
		return false, fmt.Errorf("store: ensure cursor: %w", err)
	}

	res, err := s.DB.ExecContext(ctx, `
		UPDATE sync_cursors
		SET in_progress = 1, locked_at = ?, lock_owner = ?, updated_at = ?
		WHERE account_id = ? AND resource = ?
		  AND (in_progress = 0 OR locked_at < ?)
	`, now.Unix(), owner, now.Unix(), accountID, string(resource), staleBefore.Unix())
	if err != nil {
		return false, fmt.Errorf("store: acquire cursor: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: acquire cursor: %w", err)
	}
	return n == 1, nil
}

// ReleaseCursor clears the in-progress flag if owner still holds it.
func (s *Store) ReleaseCursor(ctx context.Context, accountID string, resource domain.ResourceType, owner string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sync_cursors SET in_progress = 0, lock_owner = '', locked_at = 0
		WHERE account_id = ? AND resource = ? AND lock_owner = ?
	`, accountID, string(resource), owner)
	if err != nil {
		return fmt.Errorf("store: release cursor: %w", err)
	}
	return nil
}

// GetCursor loads the cursor row. Returns domain.ErrNotFound if absent.
func (s *Store) GetCursor(ctx context.Context, accountID string, resource domain.ResourceType) (*Cursor, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT account_id, resource, cursor, last_synced_at, in_progress, locked_at, lock_owner
		FROM sync_cursors WHERE account_id = ? AND resource = ?
	`, accountID, string(resource))

	c, err := scanCursor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: cursor %s/%s: %w", accountID, resource, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get cursor: %w", err)
	}
	return c, nil
}

// SaveCursor persists a new continuation token under the caller's lock and
// refreshes the lock heartbeat. terminal marks convergence with the remote
// state and stamps last_synced_at.
func (s *Store) SaveCursor(ctx context.Context, accountID string, resource domain.ResourceType, owner, token string, terminal bool, now time.Time) error {
	var cursor sql.NullString
	if token != "" {
		cursor = sql.NullString{String: token, Valid: true}
	}

	res, err := s.DB.ExecContext(ctx, `
		UPDATE sync_cursors
		SET cursor = ?,
		    last_synced_at = CASE WHEN ? = 1 THEN ? ELSE last_synced_at END,
		    locked_at = ?,
		    updated_at = ?
		WHERE account_id = ? AND resource = ? AND lock_owner = ?
	`, cursor, boolInt(terminal), now.Unix(), now.Unix(), now.Unix(), accountID, string(resource), owner)
	if err != nil {
		return fmt.Errorf("store: save cursor: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: save cursor: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// ResetCursor discards the continuation token so the next page request is a
// full fetch.
func (s *Store) ResetCursor(ctx context.Context, accountID string, resource domain.ResourceType, owner string, now time.Time) error {
	return s.SaveCursor(ctx, accountID, resource, owner, "", false, now)
}

// ListCursors returns every cursor row.
func (s *Store) ListCursors(ctx context.Context) ([]Cursor, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT account_id, resource, cursor, last_synced_at, in_progress, locked_at, lock_owner
		FROM sync_cursors ORDER BY account_id, resource
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list cursors: %w", err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan cursor: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCursor(r rowScanner) (*Cursor, error) {
	var (
		c                Cursor
		resource         string
		token            sql.NullString
		synced, lockedAt int64
		inProgress       int
	)
	if err := r.Scan(&c.AccountID, &resource, &token, &synced, &inProgress, &lockedAt, &c.LockOwner); err != nil {
		return nil, err
	}
	c.Resource = domain.ResourceType(resource)
	c.Token = token.String
	c.LastSyncedAt = fromUnix(synced)
	c.InProgress = inProgress == 1
	c.LockedAt = fromUnix(lockedAt)
	return &c, nil
}
