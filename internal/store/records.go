package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/syncd/internal/domain"
)

// Record is a locally stored message, event or contact.
type Record struct {
	AccountID string
	Resource  domain.ResourceType
	RemoteID  string
	LocalID   string
	Version   string
	Data      []byte
	Deleted   bool
	DeletedAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outcome is the effect of applying one change.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeCreated
	OutcomeUpdated
	OutcomeDeleted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeDeleted:
		return "deleted"
	default:
		return "unchanged"
	}
}

// EventFunc builds the outbox event written atomically with a record change.
// Returning nil skips the event.
type EventFunc func(rec Record, outcome Outcome) *OutboxMessage

// UpsertRecord inserts or updates a record keyed by (account, resource,
// remote id). Re-applying the same version is a no-op and writes nothing.
func (s *Store) UpsertRecord(ctx context.Context, rec Record, now time.Time, emit EventFunc) (Outcome, error) {
	outcome := OutcomeUnchanged

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			localID, version string
			data             []byte
			deleted          int
			created          int64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT local_id, version, data, deleted, created_at FROM synced_records
			WHERE account_id = ? AND resource = ? AND remote_id = ?
		`, rec.AccountID, string(rec.Resource), rec.RemoteID).Scan(&localID, &version, &data, &deleted, &created)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			rec.LocalID = uuid.NewString()
			rec.CreatedAt = now
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO synced_records (account_id, resource, remote_id, local_id, version, data, deleted, deleted_at, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
			`, rec.AccountID, string(rec.Resource), rec.RemoteID, rec.LocalID, rec.Version, rec.Data, now.Unix(), now.Unix()); err != nil {
				return fmt.Errorf("store: insert record: %w", err)
			}
			outcome = OutcomeCreated
		case err != nil:
			return fmt.Errorf("store: load record: %w", err)
		default:
			rec.LocalID = localID
			rec.CreatedAt = fromUnix(created)
			if deleted == 0 && version == rec.Version && (version != "" || bytes.Equal(data, rec.Data)) {
				return nil
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE synced_records SET version = ?, data = ?, deleted = 0, deleted_at = 0, updated_at = ?
				WHERE account_id = ? AND resource = ? AND remote_id = ?
			`, rec.Version, rec.Data, now.Unix(), rec.AccountID, string(rec.Resource), rec.RemoteID); err != nil {
				return fmt.Errorf("store: update record: %w", err)
			}
			outcome = OutcomeUpdated
		}

		rec.UpdatedAt = now
		return enqueueEvent(ctx, tx, emit, rec, outcome, now)
	})
	if err != nil {
		return OutcomeUnchanged, err
	}
	return outcome, nil
}

// MarkRecordDeleted soft-deletes a record. Unknown or already deleted
// records are left alone and report false.
func (s *Store) MarkRecordDeleted(ctx context.Context, accountID string, resource domain.ResourceType, remoteID string, now time.Time, emit EventFunc) (bool, error) {
	var marked bool

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var localID string
		err := tx.QueryRowContext(ctx, `
			UPDATE synced_records SET deleted = 1, deleted_at = ?, updated_at = ?
			WHERE account_id = ? AND resource = ? AND remote_id = ? AND deleted = 0
			RETURNING local_id
		`, now.Unix(), now.Unix(), accountID, string(resource), remoteID).Scan(&localID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: mark record deleted: %w", err)
		}

		marked = true
		rec := Record{
			AccountID: accountID,
			Resource:  resource,
			RemoteID:  remoteID,
			LocalID:   localID,
			Deleted:   true,
			DeletedAt: now,
			UpdatedAt: now,
		}
		return enqueueEvent(ctx, tx, emit, rec, OutcomeDeleted, now)
	})
	if err != nil {
		return false, err
	}
	return marked, nil
}

// GetRecord loads a record including soft-deleted ones.
func (s *Store) GetRecord(ctx context.Context, accountID string, resource domain.ResourceType, remoteID string) (*Record, error) {
	var (
		rec                         Record
		deleted                     int
		deletedAt, created, updated int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT local_id, version, data, deleted, deleted_at, created_at, updated_at
		FROM synced_records WHERE account_id = ? AND resource = ? AND remote_id = ?
	`, accountID, string(resource), remoteID).Scan(&rec.LocalID, &rec.Version, &rec.Data, &deleted, &deletedAt, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: record %s: %w", remoteID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get record: %w", err)
	}

	rec.AccountID = accountID
	rec.Resource = resource
	rec.RemoteID = remoteID
	rec.Deleted = deleted == 1
	rec.DeletedAt = fromUnix(deletedAt)
	rec.CreatedAt = fromUnix(created)
	rec.UpdatedAt = fromUnix(updated)
	return &rec, nil
}

// ListActiveRemoteIDs returns remote ids of non-deleted records for the pair.
func (s *Store) ListActiveRemoteIDs(ctx context.Context, accountID string, resource domain.ResourceType) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT remote_id FROM synced_records
		WHERE account_id = ? AND resource = ? AND deleted = 0
		ORDER BY remote_id
	`, accountID, string(resource))
	if err != nil {
		return nil, fmt.Errorf("store: list remote ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan remote id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountRecords returns active and soft-deleted row counts for the pair.
func (s *Store) CountRecords(ctx context.Context, accountID string, resource domain.ResourceType) (active, deleted int, err error) {
	err = s.DB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN deleted = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN deleted = 1 THEN 1 ELSE 0 END), 0)
		FROM synced_records WHERE account_id = ? AND resource = ?
	`, accountID, string(resource)).Scan(&active, &deleted)
	if err != nil {
		return 0, 0, fmt.Errorf("store: count records: %w", err)
	}
	return active, deleted, nil
}

func enqueueEvent(ctx context.Context, tx *sql.Tx, emit EventFunc, rec Record, outcome Outcome, now time.Time) error {
	if emit == nil {
		return nil
	}
	msg := emit(rec, outcome)
	if msg == nil {
		return nil
	}
	return insertOutboxTx(ctx, tx, *msg, now)
}
