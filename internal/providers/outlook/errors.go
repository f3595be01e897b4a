package outlook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Martian-dev/syncd/internal/domain"
)

var errForeignLink = fmt.Errorf("%w: foreign delta link", domain.ErrCursorExpired)

// Graph error codes meaning the delta token can no longer be used.
var cursorExpiredCodes = map[string]bool{
	"syncstatenotfound": true,
	"syncstateinvalid":  true,
	"resyncrequired":    true,
}

type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// classifyResponse maps a failed Graph response onto the domain taxonomy.
func classifyResponse(status int, requestID string, body []byte) error {
	var parsed graphErrorBody
	_ = json.Unmarshal(body, &parsed)

	perr := &domain.ProviderError{
		StatusCode: status,
		Code:       parsed.Error.Code,
		Message:    parsed.Error.Message,
	}
	if perr.Message == "" {
		perr.Message = strings.TrimSpace(string(body))
	}
	if requestID != "" {
		perr.Message += " (request-id: " + requestID + ")"
	}

	switch {
	case status == http.StatusGone || cursorExpiredCodes[strings.ToLower(parsed.Error.Code)]:
		perr.Err = domain.ErrCursorExpired
	case status == http.StatusNotFound:
		perr.Err = domain.ErrNotFound
	case isRetryable(status), status == http.StatusUnauthorized:
		// A rejected bearer token is retried after the next refresh.
		perr.Err = domain.ErrTransient
	}
	return perr
}

func classifyNetwork(err error) error {
	if errors.Is(err, domain.ErrTransient) {
		return err
	}
	return fmt.Errorf("graph: %w: %w", domain.ErrTransient, err)
}
