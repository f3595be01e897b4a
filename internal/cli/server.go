package cli

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/syncd/internal/auth"
	"github.com/Martian-dev/syncd/internal/domain"
	"github.com/Martian-dev/syncd/internal/store"
	deltasync "github.com/Martian-dev/syncd/internal/sync"
	"github.com/Martian-dev/syncd/internal/webhook"
)

type accountAdmin interface {
	Connect(ctx context.Context, accountID string, provider domain.ProviderName, email, code string) error
	Disconnect(ctx context.Context, accountID string) error
}

type syncTrigger interface {
	HandleSignal(ctx context.Context, sig domain.ChangeSignal) (deltasync.Stats, error)
}

type subscriptionAdmin interface {
	CreateSubscription(ctx context.Context, accountID string, resource domain.ResourceType) (*domain.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// adminAPI serves operator routes over the sync core.
type adminAPI struct {
	store    *store.Store
	accounts accountAdmin
	syncs    syncTrigger
	subs     subscriptionAdmin // nil when webhooks are off
}

type connectRequest struct {
	Provider string `json:"provider" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Code     string `json:"code" binding:"required"`
}

// newRouter builds the HTTP surface: health, the webhook receiver and,
// when a verifier is configured, the admin routes.
func newRouter(d *daemon, verifier *auth.AdminVerifier) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if d.webhooks != nil {
		d.webhooks.Register(r)
	}

	if verifier != nil {
		api := &adminAPI{store: d.store, accounts: d.tokens, syncs: d.orch}
		if d.webhooks != nil {
			api.subs = d.webhooks
		}
		api.mount(r.Group("/admin"), verifier.Middleware())
	}
	return r
}

func (a *adminAPI) mount(g *gin.RouterGroup, mw gin.HandlerFunc) {
	g.Use(mw)
	g.GET("/accounts", a.listAccounts)
	g.GET("/accounts/:id", a.getAccount)
	g.POST("/accounts/:id/connect", a.connect)
	g.DELETE("/accounts/:id", a.disconnect)
	g.POST("/accounts/:id/sync/:resource", a.sync)
	g.POST("/accounts/:id/subscriptions/:resource", a.subscribe)
	g.DELETE("/subscriptions/:sid", a.unsubscribe)
}

func (a *adminAPI) listAccounts(c *gin.Context) {
	accounts, err := a.store.ListAccounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, accounts)
}

func (a *adminAPI) getAccount(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	acct, err := a.store.GetAccount(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	cursors, err := a.store.ListCursors(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	subs, err := a.store.ListSubscriptionsForAccount(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}

	var own []store.Cursor
	for _, cur := range cursors {
		if cur.AccountID == id {
			own = append(own, cur)
		}
	}
	plain := make([]domain.Subscription, len(subs))
	for i, s := range subs {
		plain[i] = s.Subscription
	}

	c.JSON(http.StatusOK, gin.H{
		"account":       acct,
		"cursors":       own,
		"subscriptions": plain,
	})
}

func (a *adminAPI) connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	provider, ok := domain.ParseProvider(req.Provider)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return
	}

	if err := a.accounts.Connect(c.Request.Context(), c.Param("id"), provider, req.Email, req.Code); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *adminAPI) disconnect(c *gin.Context) {
	if err := a.accounts.Disconnect(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *adminAPI) sync(c *gin.Context) {
	resource, ok := domain.ParseResource(c.Param("resource"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown resource"})
		return
	}

	stats, err := a.syncs.HandleSignal(c.Request.Context(), domain.ChangeSignal{
		AccountID: c.Param("id"),
		Resource:  resource,
		Reason:    domain.ReasonManual,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (a *adminAPI) subscribe(c *gin.Context) {
	if a.subs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "webhooks are not configured"})
		return
	}
	resource, ok := domain.ParseResource(c.Param("resource"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown resource"})
		return
	}

	sub, err := a.subs.CreateSubscription(c.Request.Context(), c.Param("id"), resource)
	if err != nil {
		writeError(c, err)
		return
	}
	sub.Secret = ""
	c.JSON(http.StatusCreated, sub)
}

func (a *adminAPI) unsubscribe(c *gin.Context) {
	if a.subs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "webhooks are not configured"})
		return
	}
	if err := a.subs.DeleteSubscription(c.Request.Context(), c.Param("sid")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnsupported):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrAuth), errors.Is(err, domain.ErrAccountDisabled):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrBackoff), domain.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Ensure the concrete managers satisfy the admin interfaces.
var (
	_ subscriptionAdmin = (*webhook.Manager)(nil)
	_ accountAdmin      = (*auth.Manager)(nil)
)
