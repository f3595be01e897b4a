// Package config loads the daemon configuration from TOML with environment
// overrides. Durations are kept as strings in the file and parsed during
// validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variable names for overrides.
const (
	EnvConfig        = "SYNCD_CONFIG"
	EnvDatabase      = "SYNCD_DB"
	EnvEncryptionKey = "SYNCD_ENCRYPTION_KEY"
	EnvClientSecret  = "SYNCD_CLIENT_SECRET"
	EnvGoogleSecret  = "SYNCD_GOOGLE_CLIENT_SECRET"
	EnvNATSURL       = "SYNCD_NATS_URL"
)

// Config is the full daemon configuration.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Logging  LoggingConfig  `toml:"logging"`
	Security SecurityConfig `toml:"security"`
	OAuth    OAuthConfig    `toml:"oauth"`
	Tokens   TokensConfig   `toml:"tokens"`
	Sync     SyncConfig     `toml:"sync"`
	Webhook  WebhookConfig  `toml:"webhook"`
	Jobs     JobsConfig     `toml:"jobs"`
	NATS     NATSConfig     `toml:"nats"`
	HTTP     HTTPConfig     `toml:"http"`
}

// DatabaseConfig selects the SQLite driver and file.
type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path   string `toml:"path"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // auto, text, json
}

// SecurityConfig holds the at-rest encryption key (base64, 32 bytes).
type SecurityConfig struct {
	EncryptionKey string `toml:"encryption_key"`
}

// OAuthConfig configures provider token endpoints.
type OAuthConfig struct {
	Microsoft OAuthClient `toml:"microsoft"`
	Google    OAuthClient `toml:"google"`
}

// OAuthClient is one registered OAuth2 application.
type OAuthClient struct {
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	Tenant       string   `toml:"tenant"`
	RedirectURL  string   `toml:"redirect_url"`
	Scopes       []string `toml:"scopes"`
	TokenURL     string   `toml:"token_url"` // override for tests and sovereign clouds
}

// TokensConfig tunes the credential lifecycle.
type TokensConfig struct {
	ExpiryBuffer     string `toml:"expiry_buffer"`
	FailureThreshold int    `toml:"failure_threshold"`
	RefreshTimeout   string `toml:"refresh_timeout"`
	LockTTL          string `toml:"lock_ttl"`
	BackoffBase      string `toml:"backoff_base"`
	BackoffMax       string `toml:"backoff_max"`
}

// SyncConfig tunes the delta engine.
type SyncConfig struct {
	PageTimeout    string `toml:"page_timeout"`
	LockTTL        string `toml:"lock_ttl"`
	ErrorThreshold int    `toml:"error_threshold"`
	GraphBaseURL   string `toml:"graph_base_url"`
	CalendarPast   string `toml:"calendar_past"`
	CalendarFuture string `toml:"calendar_future"`
	PageSize       int    `toml:"page_size"`

	// Graph client pacing. A zero rate disables the limiter.
	GraphRateLimit float64 `toml:"graph_rate_limit"`
	GraphBurst     int     `toml:"graph_burst"`
	GraphRetryBase string  `toml:"graph_retry_base"`
	GraphRetryMax  string  `toml:"graph_retry_max"`
}

// WebhookConfig configures push subscriptions.
type WebhookConfig struct {
	NotificationURL string `toml:"notification_url"`
	MaxLifetime     string `toml:"max_lifetime"`
	RenewWindow     string `toml:"renew_window"`
}

// JobsConfig configures sweep schedules and pacing.
type JobsConfig struct {
	TokenSweepInterval        string `toml:"token_sweep_interval"`
	TokenLookahead            string `toml:"token_lookahead"`
	SubscriptionSweepInterval string `toml:"subscription_sweep_interval"`
	SyncSweepInterval         string `toml:"sync_sweep_interval"`
	OutboxInterval            string `toml:"outbox_interval"`
	ItemDelay                 string `toml:"item_delay"`
	Concurrency               int    `toml:"concurrency"`
}

// NATSConfig enables the JetStream bus. Empty URL keeps everything in-process.
type NATSConfig struct {
	URL           string `toml:"url"`
	Stream        string `toml:"stream"`
	SignalSubject string `toml:"signal_subject"`
	Queue         string `toml:"queue"`
}

// HTTPConfig configures the webhook/admin listener.
type HTTPConfig struct {
	Addr    string `toml:"addr"`
	JWKSURL string `toml:"jwks_url"` // admin routes are disabled when empty
	// Optional claims required of admin tokens.
	JWTIssuer   string `toml:"jwt_issuer"`
	JWTAudience string `toml:"jwt_audience"`
	AdminRole   string `toml:"admin_role"`
}

// Load reads the TOML file at path over the defaults. Unknown keys are errors.
func Load(path string) (*Config, error) {
	cfg := Default()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

// Resolve loads the config (defaults when the file does not exist), applies
// environment overrides and validates the result.
func Resolve(path string) (*Config, error) {
	if env := os.Getenv(EnvConfig); env != "" && path == "" {
		path = env
	}

	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			loaded, err := Load(path)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDatabase); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvEncryptionKey); v != "" {
		c.Security.EncryptionKey = v
	}
	if v := os.Getenv(EnvClientSecret); v != "" {
		c.OAuth.Microsoft.ClientSecret = v
	}
	if v := os.Getenv(EnvGoogleSecret); v != "" {
		c.OAuth.Google.ClientSecret = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.NATS.URL = v
	}
}

// Duration parses one of the string duration fields. Validate guarantees
// every configured field parses, so the error is ignored here.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
