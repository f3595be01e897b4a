package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Principal is the caller of an admin route, taken from a verified JWT.
type Principal struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Role    string `json:"role,omitempty"`
}

// VerifierOptions constrains which tokens are accepted.
type VerifierOptions struct {
	Issuer   string
	Audience string
	// Role, when set, must match the token's "role" claim.
	Role string
}

// AdminVerifier checks bearer tokens on admin routes against a JWKS.
type AdminVerifier struct {
	keys jwk.Set
	opts VerifierOptions
}

// NewAdminVerifier registers jwksURL with a refreshing JWKS cache and warms
// it once so a bad URL fails at startup rather than on the first request.
func NewAdminVerifier(ctx context.Context, jwksURL string, opts VerifierOptions) (*AdminVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("auth: register JWKS url: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("auth: initial JWKS fetch: %w", err)
	}

	return &AdminVerifier{keys: jwk.NewCachedSet(cache, jwksURL), opts: opts}, nil
}

// NewStaticAdminVerifier verifies against a fixed key set.
func NewStaticAdminVerifier(keys jwk.Set, opts VerifierOptions) *AdminVerifier {
	return &AdminVerifier{keys: keys, opts: opts}
}

// Verify parses and validates the bearer token of r.
func (v *AdminVerifier) Verify(r *http.Request) (*Principal, error) {
	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(v.keys),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30 * time.Second),
	}
	if v.opts.Issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.opts.Issuer))
	}
	if v.opts.Audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.opts.Audience))
	}

	token, err := jwt.ParseRequest(r, parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("auth: parse JWT: %w", err)
	}
	if token.Subject() == "" {
		return nil, errors.New("auth: token missing subject")
	}

	p := &Principal{Subject: token.Subject()}
	if email, ok := token.Get("email"); ok {
		p.Email, _ = email.(string)
	}
	if role, ok := token.Get("role"); ok {
		p.Role, _ = role.(string)
	}

	if v.opts.Role != "" && p.Role != v.opts.Role {
		return nil, fmt.Errorf("auth: role %q is not allowed", p.Role)
	}
	return p, nil
}

const principalKey = "principal"

// Middleware rejects requests without a valid admin token and stores the
// Principal in the gin context.
func (v *AdminVerifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := v.Verify(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// PrincipalFrom returns the Principal set by Middleware.
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
