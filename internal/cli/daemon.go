package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Martian-dev/syncd/internal/auth"
	"github.com/Martian-dev/syncd/internal/backoff"
	"github.com/Martian-dev/syncd/internal/config"
	"github.com/Martian-dev/syncd/internal/domain"
	"github.com/Martian-dev/syncd/internal/jobs"
	natsjs "github.com/Martian-dev/syncd/internal/nats"
	"github.com/Martian-dev/syncd/internal/providers/gmail"
	"github.com/Martian-dev/syncd/internal/providers/outlook"
	"github.com/Martian-dev/syncd/internal/secret"
	"github.com/Martian-dev/syncd/internal/store"
	deltasync "github.com/Martian-dev/syncd/internal/sync"
	"github.com/Martian-dev/syncd/internal/webhook"

	_ "github.com/mattn/go-sqlite3" // registers "sqlite3"
	_ "modernc.org/sqlite"          // registers "sqlite"
)

const providerTimeout = 60 * time.Second

// daemon is the fully wired sync core.
type daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	tokens   *auth.Manager
	engine   *deltasync.Engine
	webhooks *webhook.Manager // nil without a notification URL
	queue    *jobs.SignalQueue
	orch     *jobs.Orchestrator

	publisher *natsjs.Publisher // nil without a NATS URL
	bus       *natsjs.SignalBus
}

// openStore opens the configured database, applying migrations.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}

// buildDaemon wires every component from cfg.
func buildDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	if cfg.Security.EncryptionKey == "" {
		return nil, fmt.Errorf("security.encryption_key is required (set $%s; generate one with `syncd keygen`)", config.EnvEncryptionKey)
	}
	box, err := secret.NewBoxFromBase64(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	d := &daemon{cfg: cfg, logger: logger, store: st}
	httpClient := &http.Client{Timeout: providerTimeout}

	d.tokens = auth.NewManager(st, box, auth.NewOAuthClient(cfg.OAuth, httpClient), tokenOptions(cfg.Tokens), logger)

	feeds := deltasync.NewRegistry()
	graph := outlook.NewClient(cfg.Sync.GraphBaseURL, httpClient, logger, graphOptions(cfg.Sync)...)
	outlook.Register(feeds, graph, outlook.FeedOptions{
		PageSize:       cfg.Sync.PageSize,
		CalendarPast:   config.Duration(cfg.Sync.CalendarPast),
		CalendarFuture: config.Duration(cfg.Sync.CalendarFuture),
	})
	gmail.Register(feeds, gmail.NewFeed("", httpClient, cfg.Sync.PageSize, logger))

	d.engine = deltasync.NewEngine(st, d.tokens, feeds, deltasync.Options{
		PageTimeout:    config.Duration(cfg.Sync.PageTimeout),
		LockTTL:        config.Duration(cfg.Sync.LockTTL),
		ErrorThreshold: cfg.Sync.ErrorThreshold,
		MaxPages:       deltasync.DefaultOptions().MaxPages,
	}, logger)

	opts := jobOptions(cfg)
	d.queue = jobs.NewSignalQueue(opts.SignalBuffer, logger)

	var signals webhook.Signaler = d.queue
	if cfg.NATS.URL != "" {
		d.publisher, err = natsjs.Connect(cfg.NATS.URL, cfg.NATS.Stream, logger)
		if err != nil {
			d.close()
			return nil, err
		}
		if err := d.publisher.EnsureStream(ctx); err != nil {
			d.close()
			return nil, err
		}
		d.bus = natsjs.NewSignalBus(d.publisher.Conn(), cfg.NATS.SignalSubject, cfg.NATS.Queue, logger)
		signals = d.bus
	}

	var renewer jobs.SubscriptionRenewer
	if cfg.Webhook.NotificationURL != "" {
		d.webhooks = webhook.NewManager(st, box, d.tokens, signals, webhook.Options{
			MaxLifetime: config.Duration(cfg.Webhook.MaxLifetime),
			Resources:   domain.AllResources,
		}, logger)
		d.webhooks.RegisterProvider(domain.ProviderMicrosoft, outlook.NewSubscriptionClient(cfg.Webhook.NotificationURL, logger))
		renewer = d.webhooks
	}

	d.orch = jobs.New(d.tokens, renewer, d.engine, st, d.queue, opts, logger)
	return d, nil
}

func (d *daemon) close() {
	if d.webhooks != nil {
		d.webhooks.Wait()
	}
	if d.publisher != nil {
		d.publisher.Close()
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error("failed to close store", "error", err)
	}
}

// adminVerifier returns nil when admin routes are disabled.
func (d *daemon) adminVerifier(ctx context.Context) (*auth.AdminVerifier, error) {
	if d.cfg.HTTP.JWKSURL == "" {
		return nil, nil
	}
	v, err := auth.NewAdminVerifier(ctx, d.cfg.HTTP.JWKSURL, auth.VerifierOptions{
		Issuer:   d.cfg.HTTP.JWTIssuer,
		Audience: d.cfg.HTTP.JWTAudience,
		Role:     d.cfg.HTTP.AdminRole,
	})
	if err != nil {
		return nil, fmt.Errorf("admin routes: %w", err)
	}
	return v, nil
}

func graphOptions(c config.SyncConfig) []outlook.ClientOption {
	return []outlook.ClientOption{
		outlook.WithRateLimit(c.GraphRateLimit, c.GraphBurst),
		outlook.WithRetryPolicy(backoff.Policy{
			Base:   config.Duration(c.GraphRetryBase),
			Max:    config.Duration(c.GraphRetryMax),
			Factor: 2,
			Jitter: 0.25,
		}),
	}
}

func tokenOptions(c config.TokensConfig) auth.Options {
	opts := auth.DefaultOptions()
	opts.ExpiryBuffer = config.Duration(c.ExpiryBuffer)
	opts.FailureThreshold = c.FailureThreshold
	opts.RefreshTimeout = config.Duration(c.RefreshTimeout)
	opts.LockTTL = config.Duration(c.LockTTL)
	opts.Backoff = backoff.Policy{
		Base:   config.Duration(c.BackoffBase),
		Max:    config.Duration(c.BackoffMax),
		Factor: 2,
		Jitter: 0.25,
	}
	return opts
}

func jobOptions(cfg *config.Config) jobs.Options {
	opts := jobs.DefaultOptions()
	opts.TokenSweepInterval = config.Duration(cfg.Jobs.TokenSweepInterval)
	opts.TokenLookahead = config.Duration(cfg.Jobs.TokenLookahead)
	opts.SubscriptionSweepInterval = config.Duration(cfg.Jobs.SubscriptionSweepInterval)
	opts.RenewWindow = config.Duration(cfg.Webhook.RenewWindow)
	opts.SyncSweepInterval = config.Duration(cfg.Jobs.SyncSweepInterval)
	opts.ItemDelay = config.Duration(cfg.Jobs.ItemDelay)
	opts.Concurrency = cfg.Jobs.Concurrency
	return opts
}
