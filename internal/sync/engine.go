// Package sync applies provider change feeds to the local store. A run
// pages through a feed from the persisted cursor, applies each change
// idempotently, and advances the cursor only after the page is stored.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/syncd/internal/domain"
	"github.com/Martian-dev/syncd/internal/store"
)

// Stats summarizes one run.
type Stats struct {
	Created    int                `json:"created"`
	Updated    int                `json:"updated"`
	Deleted    int                `json:"deleted"`
	Unchanged  int                `json:"unchanged"`
	Pages      int                `json:"pages"`
	FullResync bool               `json:"full_resync"`
	Skipped    bool               `json:"skipped"`
	Errors     []domain.ItemError `json:"errors,omitempty"`
}

// Options tunes the Engine.
type Options struct {
	PageTimeout time.Duration
	// LockTTL is the age after which an in-progress flag is treated as
	// abandoned by a crashed worker.
	LockTTL        time.Duration
	ErrorThreshold int
	// MaxPages stops a runaway feed that never returns a delta cursor.
	MaxPages int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		PageTimeout:    60 * time.Second,
		LockTTL:        30 * time.Minute,
		ErrorThreshold: 5,
		MaxPages:       10000,
	}
}

var errNoCursor = errors.New("sync: feed page carried no cursor")

// Engine runs delta syncs.
type Engine struct {
	store  *store.Store
	tokens TokenSource
	feeds  *Registry
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine wires an Engine. A nil logger uses slog.Default().
func NewEngine(st *store.Store, tokens TokenSource, feeds *Registry, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultOptions().MaxPages
	}
	return &Engine{
		store:  st,
		tokens: tokens,
		feeds:  feeds,
		opts:   opts,
		logger: logger.With("component", "sync"),
		now:    time.Now,
	}
}

// Feeds exposes the registry, e.g. to enumerate syncable pairs.
func (e *Engine) Feeds() *Registry {
	return e.feeds
}

// Sync brings the local copy of (accountID, resource) up to date. When
// another run holds the pair it returns Stats{Skipped: true} and a nil
// error without touching anything.
func (e *Engine) Sync(ctx context.Context, accountID string, resource domain.ResourceType) (Stats, error) {
	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return Stats{}, fmt.Errorf("sync: %w", err)
	}
	switch acct.Status {
	case domain.StatusNeedsReauth:
		return Stats{}, fmt.Errorf("sync: account %s needs reauthorization: %w", accountID, domain.ErrAuth)
	case domain.StatusDisabled:
		return Stats{}, fmt.Errorf("sync: account %s: %w", accountID, domain.ErrAccountDisabled)
	}

	feed, err := e.feeds.Lookup(acct.Provider, resource)
	if err != nil {
		return Stats{}, err
	}

	owner := uuid.NewString()
	now := e.now()
	acquired, err := e.store.AcquireCursor(ctx, accountID, resource, owner, now, now.Add(-e.opts.LockTTL))
	if err != nil {
		return Stats{}, fmt.Errorf("sync: %w", err)
	}
	if !acquired {
		e.logger.Debug("sync already in progress, skipping", "account_id", accountID, "resource", resource)
		return Stats{Skipped: true}, nil
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.store.ReleaseCursor(relCtx, accountID, resource, owner); err != nil {
			e.logger.Error("failed to release sync lock", "account_id", accountID, "resource", resource, "error", err)
		}
	}()

	log := e.logger.With("account_id", accountID, "resource", resource)
	start := e.now()

	var stats Stats
	runErr := e.run(ctx, log, *acct, resource, feed, owner, &stats)
	e.recordOutcome(ctx, log, accountID, runErr)

	if runErr != nil {
		log.Warn("sync failed", "pages", stats.Pages, "error", runErr)
		return stats, runErr
	}

	log.Info("sync complete",
		"created", stats.Created,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
		"unchanged", stats.Unchanged,
		"pages", stats.Pages,
		"full_resync", stats.FullResync,
		"item_errors", len(stats.Errors),
		"duration", e.now().Sub(start),
	)
	return stats, nil
}

func (e *Engine) run(ctx context.Context, log *slog.Logger, acct domain.Account, resource domain.ResourceType, feed ChangeFeed, owner string, stats *Stats) error {
	cur, err := e.store.GetCursor(ctx, acct.ID, resource)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	cursor := cur.Token
	var seen map[string]struct{}
	if cursor == "" {
		seen = make(map[string]struct{})
	}
	emit := eventEmitter(acct, e.now)

	for {
		if stats.Pages >= e.opts.MaxPages {
			return fmt.Errorf("sync: stopped after %d pages without a delta cursor", stats.Pages)
		}

		page, err := e.fetch(ctx, acct, feed, cursor)
		if errors.Is(err, domain.ErrCursorExpired) && cursor != "" {
			log.Warn("cursor expired, falling back to full resync", "error", err)
			if err := e.store.ResetCursor(ctx, acct.ID, resource, owner, e.now()); err != nil {
				return fmt.Errorf("sync: reset cursor: %w", err)
			}
			stats.FullResync = true
			cursor = ""
			seen = make(map[string]struct{})
			continue
		}
		if err != nil {
			return err
		}
		stats.Pages++

		for _, d := range page.Changes {
			if seen != nil && !d.Removed() {
				seen[d.RemoteID()] = struct{}{}
			}
			e.apply(ctx, log, acct.ID, resource, d, emit, stats)
		}
		for _, ie := range page.ItemErrors {
			// a record we cannot read is not a record that disappeared
			if seen != nil && ie.RemoteID != "" {
				seen[ie.RemoteID] = struct{}{}
			}
			log.Warn("feed item not applied", "remote_id", ie.RemoteID, "error", ie.Err)
			stats.Errors = append(stats.Errors, ie)
		}

		next, terminal := page.NextCursor, false
		if page.DeltaCursor != "" {
			next, terminal = page.DeltaCursor, true
		}
		if next == "" {
			return errNoCursor
		}

		if terminal && seen != nil {
			if err := e.reconcile(ctx, acct.ID, resource, seen, emit, stats); err != nil {
				return err
			}
		}

		if err := e.store.SaveCursor(ctx, acct.ID, resource, owner, next, terminal, e.now()); err != nil {
			return fmt.Errorf("sync: save cursor: %w", err)
		}
		if terminal {
			return nil
		}
		cursor = next
	}
}

func (e *Engine) fetch(ctx context.Context, acct domain.Account, feed ChangeFeed, cursor string) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.PageTimeout)
	defer cancel()

	token, err := e.tokens.GetAccessToken(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("sync: access token: %w", err)
	}

	page, err := feed.FetchPage(ctx, token, acct, cursor)
	if err != nil {
		return nil, fmt.Errorf("sync: fetch page: %w", err)
	}
	return page, nil
}

// apply stores one change. Failures are recorded on stats and never abort
// the run.
func (e *Engine) apply(ctx context.Context, log *slog.Logger, accountID string, resource domain.ResourceType, d Delta, emit store.EventFunc, stats *Stats) {
	fail := func(err error) {
		log.Warn("failed to apply change", "remote_id", d.RemoteID(), "error", err)
		stats.Errors = append(stats.Errors, domain.ItemError{RemoteID: d.RemoteID(), Err: err.Error()})
	}

	if d.Resource() != resource {
		fail(fmt.Errorf("%s change in %s feed: %w", d.Resource(), resource, domain.ErrValidation))
		return
	}
	if d.RemoteID() == "" {
		fail(fmt.Errorf("change without remote id: %w", domain.ErrValidation))
		return
	}

	now := e.now()
	if d.Removed() {
		marked, err := e.store.MarkRecordDeleted(ctx, accountID, resource, d.RemoteID(), now, emit)
		switch {
		case err != nil:
			fail(err)
		case marked:
			stats.Deleted++
		default:
			stats.Unchanged++
		}
		return
	}

	data, err := json.Marshal(d)
	if err != nil {
		fail(fmt.Errorf("encode change: %w", err))
		return
	}

	outcome, err := e.store.UpsertRecord(ctx, store.Record{
		AccountID: accountID,
		Resource:  resource,
		RemoteID:  d.RemoteID(),
		Version:   d.Version(),
		Data:      data,
	}, now, emit)
	if err != nil {
		fail(err)
		return
	}

	switch outcome {
	case store.OutcomeCreated:
		stats.Created++
	case store.OutcomeUpdated:
		stats.Updated++
	default:
		stats.Unchanged++
	}
}

// reconcile soft-deletes local records a full listing did not return.
func (e *Engine) reconcile(ctx context.Context, accountID string, resource domain.ResourceType, seen map[string]struct{}, emit store.EventFunc, stats *Stats) error {
	local, err := e.store.ListActiveRemoteIDs(ctx, accountID, resource)
	if err != nil {
		return fmt.Errorf("sync: reconcile: %w", err)
	}

	for _, id := range local {
		if _, ok := seen[id]; ok {
			continue
		}
		marked, err := e.store.MarkRecordDeleted(ctx, accountID, resource, id, e.now(), emit)
		if err != nil {
			return fmt.Errorf("sync: reconcile %s: %w", id, err)
		}
		if marked {
			stats.Deleted++
		}
	}
	return nil
}

// recordOutcome updates the account's consecutive error bookkeeping.
// Credential failures are left to the token manager.
func (e *Engine) recordOutcome(ctx context.Context, log *slog.Logger, accountID string, runErr error) {
	ctx = context.WithoutCancel(ctx)
	now := e.now()

	if runErr == nil {
		if err := e.store.RecordSyncSuccess(ctx, accountID, now); err != nil {
			log.Error("failed to record sync success", "error", err)
		}
		return
	}

	if errors.Is(runErr, domain.ErrAuth) || errors.Is(runErr, domain.ErrAccountDisabled) ||
		errors.Is(runErr, domain.ErrBackoff) || errors.Is(runErr, context.Canceled) {
		return
	}

	count, err := e.store.RecordSyncFailure(ctx, accountID, runErr.Error(), e.opts.ErrorThreshold, now)
	if err != nil {
		log.Error("failed to record sync failure", "error", err)
		return
	}
	if count >= e.opts.ErrorThreshold {
		log.Warn("account marked as error", "consecutive_errors", count)
	}
}
