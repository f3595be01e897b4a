package natsjs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/Martian-dev/syncd/internal/domain"
)

// SignalBus carries change signals between processes over core NATS. The
// webhook receiver publishes; job workers consume through a queue group so
// each signal reaches one worker.
type SignalBus struct {
	nc      *nats.Conn
	subject string
	queue   string
	logger  *slog.Logger
}

// NewSignalBus uses nc for signals on subject, consumed by queue.
func NewSignalBus(nc *nats.Conn, subject, queue string, logger *slog.Logger) *SignalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalBus{nc: nc, subject: subject, queue: queue, logger: logger.With("component", "signals")}
}

// Signal publishes sig.
func (b *SignalBus) Signal(_ context.Context, sig domain.ChangeSignal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	if err := b.nc.Publish(b.subject, payload); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// Subscribe delivers incoming signals to fn until the subscription is
// drained or ctx is done.
func (b *SignalBus) Subscribe(ctx context.Context, fn func(context.Context, domain.ChangeSignal)) (*nats.Subscription, error) {
	sub, err := b.nc.QueueSubscribe(b.subject, b.queue, func(msg *nats.Msg) {
		b.deliver(ctx, msg, fn)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()
	return sub, nil
}

func (b *SignalBus) deliver(ctx context.Context, msg *nats.Msg, fn func(context.Context, domain.ChangeSignal)) {
	sig, err := decodeSignal(msg.Data)
	if err != nil {
		b.logger.Warn("dropping malformed signal", "error", err)
		return
	}
	fn(ctx, sig)
}

func decodeSignal(data []byte) (domain.ChangeSignal, error) {
	var sig domain.ChangeSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return sig, fmt.Errorf("decode signal: %w", err)
	}
	if sig.AccountID == "" {
		return sig, fmt.Errorf("decode signal: missing account id: %w", domain.ErrValidation)
	}
	if _, ok := domain.ParseResource(string(sig.Resource)); !ok {
		return sig, fmt.Errorf("decode signal: unknown resource %q: %w", sig.Resource, domain.ErrValidation)
	}
	return sig, nil
}
