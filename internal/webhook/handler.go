package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/syncd/internal/domain"
)

const maxNotificationBody = 1 << 20

// Register mounts the notification endpoint on r.
func (m *Manager) Register(r gin.IRouter) {
	r.POST("/webhooks/graph", m.handleGraph)
}

// handleGraph answers Graph's validation handshake and accepts
// notification batches. Syncs triggered by the batch run elsewhere, so
// the response goes out well within Graph's delivery deadline.
func (m *Manager) handleGraph(c *gin.Context) {
	if token, ok := c.GetQuery("validationToken"); ok {
		echo, err := m.HandleValidationHandshake(token)
		if err != nil {
			c.String(http.StatusBadRequest, "missing validation token")
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(echo))
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	result, err := m.ReceiveNotification(c.Request.Context(), body)
	switch {
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed notification"})
		return
	case err != nil:
		m.logger.Error("failed to process notification", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	m.logger.Debug("notification batch processed",
		"accepted", result.Accepted,
		"rejected", result.Rejected,
		"unknown", result.Unknown,
		"signals", len(result.Signals),
	)
	c.Status(http.StatusAccepted)
}
