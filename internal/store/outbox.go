package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OutboxMessage is an event waiting to be published to the message bus.
type OutboxMessage struct {
	ID        int64
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string // dedup id for the bus
	Retries   int
}

// insertOutboxTx appends an event inside the caller's transaction so it
// commits atomically with the record change that produced it.
func insertOutboxTx(ctx context.Context, tx *sql.Tx, msg OutboxMessage, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now.Unix(), msg.Subject, msg.EventType, msg.Payload, msg.MsgID, now.Unix())
	if err != nil {
		return fmt.Errorf("store: insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int, now time.Time) ([]OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, event_type, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.EventType, &msg.Payload, &msg.MsgID, &msg.Retries); err != nil {
			return nil, fmt.Errorf("store: scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published.
func (s *Store) MarkPublished(ctx context.Context, id int64, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("store: mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and schedules the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, nextAttempt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET retries = retries + 1, next_attempt_at = ? WHERE id = ?
	`, nextAttempt.Unix(), id)
	if err != nil {
		return fmt.Errorf("store: mark retry: %w", err)
	}
	return nil
}
