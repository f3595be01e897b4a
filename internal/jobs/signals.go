package jobs

import (
	"context"
	"log/slog"

	"github.com/Martian-dev/syncd/internal/domain"
)

// SignalQueue is the in-process signal channel between the webhook
// receiver (or the bus subscription) and the orchestrator.
type SignalQueue struct {
	ch     chan domain.ChangeSignal
	logger *slog.Logger
}

// NewSignalQueue buffers up to size signals.
func NewSignalQueue(size int, logger *slog.Logger) *SignalQueue {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalQueue{ch: make(chan domain.ChangeSignal, size), logger: logger}
}

// Signal enqueues sig without blocking. When the queue is full the signal
// is dropped; the next sync sweep picks the change up.
func (q *SignalQueue) Signal(_ context.Context, sig domain.ChangeSignal) error {
	select {
	case q.ch <- sig:
	default:
		q.logger.Warn("signal queue full, dropping signal",
			"account_id", sig.AccountID,
			"resource", sig.Resource,
			"reason", sig.Reason,
		)
	}
	return nil
}

// Len reports the number of queued signals.
func (q *SignalQueue) Len() int {
	return len(q.ch)
}
