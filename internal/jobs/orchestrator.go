// Package jobs schedules the background work of the daemon: token refresh
// and subscription renewal sweeps, periodic sync sweeps, and syncs
// triggered by change signals.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/syncd/internal/domain"
	deltasync "github.com/Martian-dev/syncd/internal/sync"
)

// TokenRefresher is the token side of the sweeps; satisfied by auth.Manager.
type TokenRefresher interface {
	ExpiringAccounts(ctx context.Context, within time.Duration) ([]string, error)
	RefreshToken(ctx context.Context, accountID string) error
}

// SubscriptionRenewer is satisfied by webhook.Manager.
type SubscriptionRenewer interface {
	GetExpiringSoon(ctx context.Context, window time.Duration) ([]domain.Subscription, error)
	RenewSubscription(ctx context.Context, id string) error
	RecoverExpired(ctx context.Context) domain.SweepResult
}

// SyncEngine is satisfied by sync.Engine.
type SyncEngine interface {
	Sync(ctx context.Context, accountID string, resource domain.ResourceType) (deltasync.Stats, error)
	Feeds() *deltasync.Registry
}

// AccountLister is satisfied by store.Store.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]domain.Account, error)
}

// Options tunes sweep schedules and pacing.
type Options struct {
	TokenSweepInterval        time.Duration
	TokenLookahead            time.Duration
	SubscriptionSweepInterval time.Duration
	RenewWindow               time.Duration
	SyncSweepInterval         time.Duration
	// ItemDelay spaces out provider calls within a sweep. Zero disables pacing.
	ItemDelay   time.Duration
	Concurrency int
	// SignalBuffer bounds queued signals; overflow waits for the next sync sweep.
	SignalBuffer int
}

// DefaultOptions returns the production schedule.
func DefaultOptions() Options {
	return Options{
		TokenSweepInterval:        5 * time.Minute,
		TokenLookahead:            15 * time.Minute,
		SubscriptionSweepInterval: time.Hour,
		RenewWindow:               24 * time.Hour,
		SyncSweepInterval:         15 * time.Minute,
		ItemDelay:                 time.Second,
		Concurrency:               1,
		SignalBuffer:              256,
	}
}

// errSkipped marks an item that was deliberately not processed.
var errSkipped = errors.New("skipped")

// Orchestrator is the job orchestrator.
type Orchestrator struct {
	tokens   TokenRefresher
	subs     SubscriptionRenewer
	engine   SyncEngine
	accounts AccountLister
	opts     Options
	limiter  *rate.Limiter
	logger   *slog.Logger

	signals *SignalQueue
	extra   map[string]Job

	mu      sync.Mutex
	running map[string]bool
	dirty   map[string]bool
}

// New wires an Orchestrator. subs may be nil when no provider supports
// push subscriptions. A nil queue gets one of opts.SignalBuffer entries.
func New(tokens TokenRefresher, subs SubscriptionRenewer, engine SyncEngine, accounts AccountLister, queue *SignalQueue, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if queue == nil {
		queue = NewSignalQueue(opts.SignalBuffer, logger)
	}

	limit := rate.Inf
	if opts.ItemDelay > 0 {
		limit = rate.Every(opts.ItemDelay)
	}

	return &Orchestrator{
		tokens:   tokens,
		subs:     subs,
		engine:   engine,
		accounts: accounts,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With("component", "jobs"),
		signals:  queue,
		extra:    make(map[string]Job),
		running:  make(map[string]bool),
		dirty:    make(map[string]bool),
	}
}

// AddJob registers an additional job started by Run.
func (o *Orchestrator) AddJob(name string, job Job) {
	o.extra[name] = job
}

// SweepTokens refreshes every token expiring within the lookahead.
func (o *Orchestrator) SweepTokens(ctx context.Context) domain.SweepResult {
	ids, err := o.tokens.ExpiringAccounts(ctx, o.opts.TokenLookahead)
	if err != nil {
		result := domain.SweepResult{Name: "token-refresh"}
		result.RecordFailure("list", err)
		return result
	}

	return o.forEach(ctx, "token-refresh", ids, func(ctx context.Context, id string) error {
		return o.tokens.RefreshToken(ctx, id)
	})
}

// SweepSubscriptions renews subscriptions expiring within the renew
// window, then recreates lapsed ones.
func (o *Orchestrator) SweepSubscriptions(ctx context.Context) domain.SweepResult {
	if o.subs == nil {
		return domain.SweepResult{Name: "subscription-renewal"}
	}

	expiring, err := o.subs.GetExpiringSoon(ctx, o.opts.RenewWindow)
	if err != nil {
		result := domain.SweepResult{Name: "subscription-renewal"}
		result.RecordFailure("list", err)
		return result
	}

	ids := make([]string, len(expiring))
	for i, s := range expiring {
		ids[i] = s.ID
	}
	result := o.forEach(ctx, "subscription-renewal", ids, o.subs.RenewSubscription)

	recovered := o.subs.RecoverExpired(ctx)
	result.Succeeded += recovered.Succeeded
	result.Skipped += recovered.Skipped
	for item, msg := range recovered.Errors {
		result.RecordFailure(item, errors.New(msg))
	}
	return result
}

// SweepSync runs a delta sync for every (account, resource) pair of the
// usable accounts. It catches changes whose signals were lost.
func (o *Orchestrator) SweepSync(ctx context.Context) domain.SweepResult {
	accounts, err := o.accounts.ListAccounts(ctx)
	if err != nil {
		result := domain.SweepResult{Name: "sync"}
		result.RecordFailure("list", err)
		return result
	}

	var items []string
	pairs := make(map[string]domain.ChangeSignal)
	for _, acct := range accounts {
		if !acct.Syncable() {
			continue
		}
		for _, res := range o.engine.Feeds().Resources(acct.Provider) {
			sig := domain.ChangeSignal{AccountID: acct.ID, Resource: res, Reason: domain.ReasonManual}
			items = append(items, sig.Key())
			pairs[sig.Key()] = sig
		}
	}

	return o.forEach(ctx, "sync", items, func(ctx context.Context, key string) error {
		stats, err := o.HandleSignal(ctx, pairs[key])
		if err == nil && stats.Skipped {
			return errSkipped
		}
		return err
	})
}

// HandleSignal syncs the signalled pair. A signal for a pair already
// syncing in this process marks it dirty and returns at once; the running
// sync then goes around one more time.
func (o *Orchestrator) HandleSignal(ctx context.Context, sig domain.ChangeSignal) (deltasync.Stats, error) {
	key := sig.Key()

	o.mu.Lock()
	if o.running[key] {
		o.dirty[key] = true
		o.mu.Unlock()
		return deltasync.Stats{Skipped: true}, nil
	}
	o.running[key] = true
	o.mu.Unlock()

	for {
		stats, err := o.engine.Sync(ctx, sig.AccountID, sig.Resource)

		o.mu.Lock()
		again := o.dirty[key] && err == nil && ctx.Err() == nil
		delete(o.dirty, key)
		if !again {
			delete(o.running, key)
		}
		o.mu.Unlock()

		if !again {
			return stats, err
		}
		o.logger.Debug("re-syncing after coalesced signal", "account_id", sig.AccountID, "resource", sig.Resource)
	}
}

// Signal queues sig for the signal worker.
func (o *Orchestrator) Signal(ctx context.Context, sig domain.ChangeSignal) error {
	return o.signals.Signal(ctx, sig)
}

// consumeSignals handles queued signals, one goroutine per signal. Signals
// for the same pair coalesce in HandleSignal.
func (o *Orchestrator) consumeSignals(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-o.signals.ch:
			wg.Add(1)
			go func() {
				defer wg.Done()
				stats, err := o.HandleSignal(ctx, sig)
				if err != nil {
					o.logger.Warn("signalled sync failed",
						"account_id", sig.AccountID,
						"resource", sig.Resource,
						"reason", sig.Reason,
						"error", err,
					)
					return
				}
				if !stats.Skipped {
					o.logger.Info("signalled sync complete",
						"account_id", sig.AccountID,
						"resource", sig.Resource,
						"reason", sig.Reason,
						"created", stats.Created,
						"updated", stats.Updated,
						"deleted", stats.Deleted,
					)
				}
			}()
		}
	}
}

// Run hosts the sweeps, the signal worker and any added jobs on sched
// until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, sched *Scheduler) error {
	jobs := map[string]Job{
		"token-sweep": Every(o.opts.TokenSweepInterval, func(ctx context.Context) {
			o.logResult(o.SweepTokens(ctx))
		}),
		"sync-sweep": Every(o.opts.SyncSweepInterval, func(ctx context.Context) {
			o.logResult(o.SweepSync(ctx))
		}),
		"signals": o.consumeSignals,
	}
	if o.subs != nil {
		jobs["subscription-sweep"] = Every(o.opts.SubscriptionSweepInterval, func(ctx context.Context) {
			o.logResult(o.SweepSubscriptions(ctx))
		})
	}
	for name, job := range o.extra {
		jobs[name] = job
	}

	for name, job := range jobs {
		if err := sched.Start(ctx, name, job); err != nil {
			sched.StopAll()
			sched.Wait()
			return fmt.Errorf("jobs: %w", err)
		}
	}

	<-ctx.Done()
	sched.StopAll()
	sched.Wait()
	return nil
}

// forEach applies fn to every item under the rate limiter and the
// concurrency bound. A failing item never stops the sweep.
func (o *Orchestrator) forEach(ctx context.Context, name string, items []string, fn func(context.Context, string) error) domain.SweepResult {
	result := domain.SweepResult{Name: name}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(o.opts.Concurrency)

	for _, item := range items {
		if err := o.limiter.Wait(ctx); err != nil {
			break
		}
		g.Go(func() error {
			err := fn(ctx, item)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Succeeded++
			case isSkip(err):
				result.Skipped++
			default:
				result.RecordFailure(item, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func isSkip(err error) bool {
	return errors.Is(err, errSkipped) ||
		errors.Is(err, domain.ErrBackoff) ||
		errors.Is(err, domain.ErrAccountDisabled)
}

func (o *Orchestrator) logResult(r domain.SweepResult) {
	attrs := []any{
		"sweep", r.Name,
		"succeeded", r.Succeeded,
		"failed", r.Failed,
		"skipped", r.Skipped,
	}
	if r.Failed > 0 {
		o.logger.Warn("sweep finished with failures", append(attrs, "errors", r.Errors)...)
		return
	}
	o.logger.Info("sweep finished", attrs...)
}
