package config

// Default values. Chosen so a fresh install works against Microsoft Graph
// with only client credentials and an encryption key supplied.
const (
	defaultDriver            = "sqlite"
	defaultDBPath            = "data/syncd.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultTenant            = "common"
	defaultExpiryBuffer      = "5m"
	defaultFailureThreshold  = 5
	defaultRefreshTimeout    = "30s"
	defaultRefreshLockTTL    = "1m"
	defaultBackoffBase       = "30s"
	defaultBackoffMax        = "30m"
	defaultPageTimeout       = "60s"
	defaultSyncLockTTL       = "30m"
	defaultErrorThreshold    = 5
	defaultGraphBaseURL      = "https://graph.microsoft.com/v1.0"
	defaultCalendarPast      = "720h"
	defaultCalendarFuture    = "4320h"
	defaultPageSize          = 100
	defaultGraphRateLimit    = 10.0
	defaultGraphBurst        = 5
	defaultGraphRetryBase    = "1s"
	defaultGraphRetryMax     = "1m"
	defaultMaxLifetime       = "4230m"
	defaultRenewWindow       = "24h"
	defaultTokenSweep        = "5m"
	defaultTokenLookahead    = "15m"
	defaultSubscriptionSweep = "1h"
	defaultSyncSweep         = "15m"
	defaultOutboxInterval    = "1s"
	defaultItemDelay         = "1s"
	defaultConcurrency       = 1
	defaultNATSStream        = "USER_EVENTS"
	defaultNATSSignalSubject = "sync.signal"
	defaultNATSQueue         = "syncd"
	defaultHTTPAddr          = ":8080"
)

var defaultMicrosoftScopes = []string{
	"offline_access",
	"Mail.Read",
	"Calendars.Read",
	"Contacts.Read",
}

var defaultGoogleScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
}

// Default returns a Config populated with all default values.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: defaultDriver, Path: defaultDBPath},
		Logging:  LoggingConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		OAuth: OAuthConfig{
			Microsoft: OAuthClient{Tenant: defaultTenant, Scopes: append([]string(nil), defaultMicrosoftScopes...)},
			Google:    OAuthClient{Scopes: append([]string(nil), defaultGoogleScopes...)},
		},
		Tokens: TokensConfig{
			ExpiryBuffer:     defaultExpiryBuffer,
			FailureThreshold: defaultFailureThreshold,
			RefreshTimeout:   defaultRefreshTimeout,
			LockTTL:          defaultRefreshLockTTL,
			BackoffBase:      defaultBackoffBase,
			BackoffMax:       defaultBackoffMax,
		},
		Sync: SyncConfig{
			PageTimeout:    defaultPageTimeout,
			LockTTL:        defaultSyncLockTTL,
			ErrorThreshold: defaultErrorThreshold,
			GraphBaseURL:   defaultGraphBaseURL,
			CalendarPast:   defaultCalendarPast,
			CalendarFuture: defaultCalendarFuture,
			PageSize:       defaultPageSize,
			GraphRateLimit: defaultGraphRateLimit,
			GraphBurst:     defaultGraphBurst,
			GraphRetryBase: defaultGraphRetryBase,
			GraphRetryMax:  defaultGraphRetryMax,
		},
		Webhook: WebhookConfig{
			MaxLifetime: defaultMaxLifetime,
			RenewWindow: defaultRenewWindow,
		},
		Jobs: JobsConfig{
			TokenSweepInterval:        defaultTokenSweep,
			TokenLookahead:            defaultTokenLookahead,
			SubscriptionSweepInterval: defaultSubscriptionSweep,
			SyncSweepInterval:         defaultSyncSweep,
			OutboxInterval:            defaultOutboxInterval,
			ItemDelay:                 defaultItemDelay,
			Concurrency:               defaultConcurrency,
		},
		NATS: NATSConfig{
			Stream:        defaultNATSStream,
			SignalSubject: defaultNATSSignalSubject,
			Queue:         defaultNATSQueue,
		},
		HTTP: HTTPConfig{Addr: defaultHTTPAddr},
	}
}
