package natsjs

import (
	"context"
	"log/slog"
	"time"

	"github.com/Martian-dev/syncd/internal/backoff"
	"github.com/Martian-dev/syncd/internal/store"
)

// EventPublisher is the part of Publisher the dispatcher needs.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Dispatcher drains the store outbox onto the bus. Delivery is at least
// once; the message id lets JetStream drop duplicates.
type Dispatcher struct {
	store     *store.Store
	publisher EventPublisher
	batch     int
	retry     backoff.Policy
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher wires a Dispatcher with a batch of 100 per pass.
func NewDispatcher(st *store.Store, publisher EventPublisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     st,
		publisher: publisher,
		batch:     100,
		retry:     backoff.Policy{Base: 10 * time.Second, Max: 10 * time.Minute, Factor: 2},
		logger:    logger.With("component", "outbox"),
		now:       time.Now,
	}
}

// DispatchOnce publishes every due outbox message and returns how many
// went out. A failed publish is rescheduled and does not stop the batch.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.store.DequeueOutbox(ctx, d.batch, d.now())
	if err != nil {
		return 0, err
	}

	published := 0
	for _, msg := range messages {
		if err := d.publisher.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			next := d.retry.Next(d.now(), msg.Retries+1)
			d.logger.Warn("failed to publish event",
				"outbox_id", msg.ID,
				"subject", msg.Subject,
				"retries", msg.Retries,
				"error", err,
			)
			if err := d.store.MarkOutboxRetry(ctx, msg.ID, next); err != nil {
				d.logger.Error("failed to reschedule event", "outbox_id", msg.ID, "error", err)
			}
			continue
		}

		if err := d.store.MarkPublished(ctx, msg.ID, d.now()); err != nil {
			// Published but not marked: it goes out again and is deduplicated.
			d.logger.Error("failed to mark event published", "outbox_id", msg.ID, "error", err)
			continue
		}
		published++
	}
	return published, nil
}

// Run dispatches on every tick until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.DispatchOnce(ctx)
			if err != nil && ctx.Err() == nil {
				d.logger.Error("outbox dispatch failed", "error", err)
			}
			if n > 0 {
				d.logger.Debug("published events", "count", n)
			}
		}
	}
}
