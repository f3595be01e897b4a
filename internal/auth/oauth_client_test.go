package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/syncd/internal/config"
	"github.com/Martian-dev/syncd/internal/domain"
)

func newTokenServer(t *testing.T, status int, body string) *OAuthClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return NewOAuthClient(config.OAuthConfig{
		Microsoft: config.OAuthClient{
			ClientID:     "client",
			ClientSecret: "secret",
			Tenant:       "common",
			TokenURL:     srv.URL,
		},
	}, srv.Client())
}

func TestOAuthClient_Refresh(t *testing.T) {
	c := newTokenServer(t, http.StatusOK,
		`{"access_token":"at","refresh_token":"rt2","token_type":"Bearer","expires_in":3600}`)

	tok, err := c.Refresh(context.Background(), domain.ProviderMicrosoft, "rt1")
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt2", tok.RefreshToken)
	assert.False(t, tok.Expiry.IsZero())
}

func TestOAuthClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"revoked grant", http.StatusBadRequest, `{"error":"invalid_grant","error_description":"AADSTS70008"}`, domain.ErrAuth},
		{"server error", http.StatusServiceUnavailable, `{"error":"temporarily_unavailable"}`, domain.ErrTransient},
		{"throttled", http.StatusTooManyRequests, `{}`, domain.ErrTransient},
		{"unauthorized", http.StatusUnauthorized, `{"error":"something"}`, domain.ErrAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTokenServer(t, tt.status, tt.body)
			_, err := c.Refresh(context.Background(), domain.ProviderMicrosoft, "rt")
			require.ErrorIs(t, err, tt.want)

			var perr *domain.ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.status, perr.StatusCode)
		})
	}
}

func TestOAuthClient_UnconfiguredProvider(t *testing.T) {
	c := NewOAuthClient(config.OAuthConfig{}, nil)
	_, err := c.Refresh(context.Background(), domain.ProviderGoogle, "rt")
	require.ErrorIs(t, err, domain.ErrUnsupported)
}
