package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks every field and returns all problems joined.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("database.driver: must be sqlite or sqlite3, got %q", c.Database.Driver))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path: required"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	durations := []struct {
		key, value string
		allowZero  bool
	}{
		{"tokens.expiry_buffer", c.Tokens.ExpiryBuffer, true},
		{"tokens.refresh_timeout", c.Tokens.RefreshTimeout, false},
		{"tokens.lock_ttl", c.Tokens.LockTTL, false},
		{"tokens.backoff_base", c.Tokens.BackoffBase, false},
		{"tokens.backoff_max", c.Tokens.BackoffMax, false},
		{"sync.page_timeout", c.Sync.PageTimeout, false},
		{"sync.lock_ttl", c.Sync.LockTTL, false},
		{"sync.calendar_past", c.Sync.CalendarPast, false},
		{"sync.calendar_future", c.Sync.CalendarFuture, false},
		{"sync.graph_retry_base", c.Sync.GraphRetryBase, false},
		{"sync.graph_retry_max", c.Sync.GraphRetryMax, false},
		{"webhook.max_lifetime", c.Webhook.MaxLifetime, false},
		{"webhook.renew_window", c.Webhook.RenewWindow, false},
		{"jobs.token_sweep_interval", c.Jobs.TokenSweepInterval, false},
		{"jobs.token_lookahead", c.Jobs.TokenLookahead, true},
		{"jobs.subscription_sweep_interval", c.Jobs.SubscriptionSweepInterval, false},
		{"jobs.sync_sweep_interval", c.Jobs.SyncSweepInterval, false},
		{"jobs.outbox_interval", c.Jobs.OutboxInterval, false},
		{"jobs.item_delay", c.Jobs.ItemDelay, true},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
		case v < 0 || (v == 0 && !d.allowZero):
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", d.key, d.value))
		}
	}

	if c.Tokens.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("tokens.failure_threshold: must be >= 1, got %d", c.Tokens.FailureThreshold))
	}
	if c.Sync.ErrorThreshold < 1 {
		errs = append(errs, fmt.Errorf("sync.error_threshold: must be >= 1, got %d", c.Sync.ErrorThreshold))
	}
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 1000 {
		errs = append(errs, fmt.Errorf("sync.page_size: must be in [1, 1000], got %d", c.Sync.PageSize))
	}
	if c.Sync.GraphRateLimit < 0 {
		errs = append(errs, fmt.Errorf("sync.graph_rate_limit: must be >= 0, got %g", c.Sync.GraphRateLimit))
	}
	if c.Sync.GraphRateLimit > 0 && c.Sync.GraphBurst < 1 {
		errs = append(errs, fmt.Errorf("sync.graph_burst: must be >= 1 when rate limited, got %d", c.Sync.GraphBurst))
	}
	if c.Jobs.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("jobs.concurrency: must be >= 1, got %d", c.Jobs.Concurrency))
	}

	if c.Webhook.MaxLifetime != "" && c.Webhook.RenewWindow != "" {
		if Duration(c.Webhook.RenewWindow) >= Duration(c.Webhook.MaxLifetime) {
			errs = append(errs, errors.New("webhook.renew_window: must be shorter than webhook.max_lifetime"))
		}
	}

	return errors.Join(errs...)
}
