package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/syncd/internal/config"
	"github.com/Martian-dev/syncd/internal/domain"
)

// Token is a credential pair returned by a provider token endpoint.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Refresher talks to provider token endpoints.
type Refresher interface {
	Refresh(ctx context.Context, provider domain.ProviderName, refreshToken string) (*Token, error)
	Exchange(ctx context.Context, provider domain.ProviderName, code string) (*Token, error)
}

// permanentGrantErrors are OAuth error codes that no retry will fix.
var permanentGrantErrors = map[string]bool{
	"invalid_grant":        true,
	"invalid_client":       true,
	"unauthorized_client":  true,
	"interaction_required": true,
	"consent_required":     true,
	"invalid_scope":        true,
}

// OAuthClient is the golang.org/x/oauth2 backed Refresher.
type OAuthClient struct {
	configs    map[domain.ProviderName]*oauth2.Config
	httpClient *http.Client
}

// NewOAuthClient builds per-provider oauth2 configs. Providers without a
// client id are left unconfigured and fail with ErrUnsupported.
func NewOAuthClient(cfg config.OAuthConfig, httpClient *http.Client) *OAuthClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	c := &OAuthClient{
		configs:    make(map[domain.ProviderName]*oauth2.Config),
		httpClient: httpClient,
	}

	if cfg.Microsoft.ClientID != "" {
		c.configs[domain.ProviderMicrosoft] = newConfig(cfg.Microsoft, microsoft.AzureADEndpoint(cfg.Microsoft.Tenant))
	}
	if cfg.Google.ClientID != "" {
		c.configs[domain.ProviderGoogle] = newConfig(cfg.Google, endpoints.Google)
	}
	return c
}

func newConfig(client config.OAuthClient, endpoint oauth2.Endpoint) *oauth2.Config {
	if client.TokenURL != "" {
		endpoint.TokenURL = client.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  client.RedirectURL,
		Scopes:       client.Scopes,
	}
}

func (c *OAuthClient) config(provider domain.ProviderName) (*oauth2.Config, error) {
	conf, ok := c.configs[provider]
	if !ok {
		return nil, fmt.Errorf("auth: no oauth client configured for %s: %w", provider, domain.ErrUnsupported)
	}
	return conf, nil
}

// Refresh exchanges a refresh token for a new access token.
func (c *OAuthClient) Refresh(ctx context.Context, provider domain.ProviderName, refreshToken string) (*Token, error) {
	conf, err := c.config(provider)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyTokenError("refresh", err)
	}
	return fromOAuth(tok), nil
}

// Exchange redeems an authorization code.
func (c *OAuthClient) Exchange(ctx context.Context, provider domain.ProviderName, code string) (*Token, error) {
	conf, err := c.config(provider)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, classifyTokenError("exchange", err)
	}
	return fromOAuth(tok), nil
}

func fromOAuth(tok *oauth2.Token) *Token {
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}

// classifyTokenError maps a token endpoint failure onto the domain taxonomy.
// Rejected grants are permanent; 5xx, throttling and network failures are
// transient.
func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return fmt.Errorf("auth: %s: %w: %w", op, domain.ErrTransient, err)
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	perr := &domain.ProviderError{
		StatusCode: status,
		Code:       re.ErrorCode,
		Message:    re.ErrorDescription,
	}

	switch {
	case permanentGrantErrors[re.ErrorCode]:
		perr.Err = domain.ErrAuth
	case status == http.StatusTooManyRequests || status >= 500:
		perr.Err = domain.ErrTransient
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		perr.Err = domain.ErrAuth
	default:
		perr.Err = domain.ErrTransient
	}
	if perr.Message == "" {
		perr.Message = string(re.Body)
	}
	return fmt.Errorf("auth: %s: %w", op, perr)
}
