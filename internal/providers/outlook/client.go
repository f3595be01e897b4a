// Package outlook talks to Microsoft Graph: delta feeds for mail, calendar
// and contacts over plain REST, and change-notification subscriptions
// through the Graph SDK.
package outlook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Martian-dev/syncd/internal/backoff"
)

const (
	maxRetries = 5
	userAgent  = "syncd/1.0"

	// DefaultBaseURL is the Graph v1.0 endpoint.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"
)

// Client is a Graph REST client with retry, throttling and error
// classification. Access tokens are passed per call since one client
// serves every account.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      backoff.Policy
	logger     *slog.Logger

	// sleepFunc waits between retries; tests replace it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithRateLimit caps outbound requests per second across all accounts.
// A non-positive rate leaves requests unlimited.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRetryPolicy overrides the retry backoff.
func WithRetryPolicy(p backoff.Policy) ClientOption {
	return func(c *Client) {
		c.retry = p
	}
}

// NewClient creates a Graph client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Inf, 0),
		retry:      backoff.Policy{Base: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.25},
		logger:     logger.With("component", "graph"),
		sleepFunc:  timeSleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues a GET for a path relative to the base URL, or for an absolute
// URL previously returned by Graph (nextLink/deltaLink). The caller closes
// the body on success.
func (c *Client) Get(ctx context.Context, accessToken, pathOrURL string, header http.Header) (*http.Response, error) {
	target, err := c.resolve(pathOrURL)
	if err != nil {
		return nil, err
	}

	var attempt int
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("graph: rate limiter: %w", err)
		}

		resp, err := c.doOnce(ctx, accessToken, target, header)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("graph: request canceled: %w", ctx.Err())
			}
			if attempt < maxRetries {
				wait := c.retry.Delay(attempt + 1)
				c.logger.Warn("retrying after network error",
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", wait),
					slog.String("error", err.Error()),
				)
				if err := c.sleepFunc(ctx, wait); err != nil {
					return nil, fmt.Errorf("graph: request canceled: %w", err)
				}
				attempt++
				continue
			}
			return nil, classifyNetwork(err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		if readErr != nil {
			body = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			wait := c.retryAfter(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", wait),
			)
			if err := c.sleepFunc(ctx, wait); err != nil {
				return nil, fmt.Errorf("graph: request canceled: %w", err)
			}
			attempt++
			continue
		}

		return nil, classifyResponse(resp.StatusCode, resp.Header.Get("request-id"), body)
	}
}

func (c *Client) resolve(pathOrURL string) (string, error) {
	if !strings.HasPrefix(pathOrURL, "http") {
		return c.baseURL + pathOrURL, nil
	}

	// Links must point back at the configured Graph host; anything else
	// is a corrupt cursor.
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("graph: base URL: %w", err)
	}
	link, err := url.Parse(pathOrURL)
	if err != nil || link.Scheme != base.Scheme || link.Host != base.Host {
		return "", fmt.Errorf("graph: link %q: %w", pathOrURL, errForeignLink)
	}
	return pathOrURL, nil
}

func (c *Client) doOnce(ctx context.Context, accessToken, target string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	return c.httpClient.Do(req)
}

// retryAfter honors Retry-After on throttled responses.
func (c *Client) retryAfter(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}
	return c.retry.Delay(attempt + 1)
}

func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
