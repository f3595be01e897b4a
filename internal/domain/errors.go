// Package domain holds the types and error taxonomy shared by the sync core.
package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error taxonomy. Classify with errors.Is.
var (
	// ErrTransient covers timeouts, 5xx and throttling; retried next cycle.
	ErrTransient = errors.New("transient provider error")
	// ErrAuth means the refresh credential is invalid or revoked.
	ErrAuth = errors.New("authorization error")
	// ErrCursorExpired triggers the full-resync fallback.
	ErrCursorExpired = errors.New("sync cursor expired")
	// ErrValidation covers malformed webhook payloads and secret mismatches.
	ErrValidation = errors.New("validation error")
	// ErrBackoff means an account is inside its retry backoff window.
	ErrBackoff = errors.New("retry backoff in effect")
	// ErrAccountDisabled means the user disconnected the account.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrNotFound is returned for unknown accounts, cursors or subscriptions.
	ErrNotFound = errors.New("not found")
	// ErrUnsupported means no change feed exists for a provider/resource pair.
	ErrUnsupported = errors.New("unsupported resource for provider")
)

// ProviderError carries HTTP-level detail from a provider call while
// classifying as one of the sentinels above.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ItemError is a failure applying a single change; it never aborts a run.
type ItemError struct {
	RemoteID string `json:"remote_id"`
	Err      string `json:"error"`
}

// IsTransient reports whether err should simply be retried on the next cycle.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
