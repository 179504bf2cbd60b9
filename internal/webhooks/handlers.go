package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lootvault/lootvault/internal/auth"
	"github.com/lootvault/lootvault/internal/idgen"
	"github.com/lootvault/lootvault/internal/security"
)

const maxURLLength = 2048

// Handler provides HTTP endpoints for managing a user's webhooks.
type Handler struct {
	store      Store
	dispatcher *Dispatcher
	checkURL   func(ctx context.Context, rawURL string) error
	logger     *slog.Logger
}

// NewHandler creates a new webhook handler.
func NewHandler(store Store, dispatcher *Dispatcher, logger *slog.Logger) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
		checkURL:   security.ValidateEndpointURL,
		logger:     logger,
	}
}

// RegisterProtectedRoutes sets up webhook routes. Callers manage their own
// webhooks; admins may manage anyone's.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	self := auth.RequireSelfOrAdmin("id")
	r.POST("/users/:id/webhooks", self, h.CreateWebhook)
	r.GET("/users/:id/webhooks", self, h.ListWebhooks)
	r.DELETE("/users/:id/webhooks/:webhookId", self, h.DeleteWebhook)
	r.POST("/users/:id/webhooks/:webhookId/test", self, h.TestWebhook)
}

// CreateWebhookRequest for creating a webhook subscription.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateWebhook handles POST /users/:id/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	userID := c.Param("id")

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if len(req.URL) > maxURLLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": "URL is too long"})
		return
	}
	if err := h.checkURL(c.Request.Context(), req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}
	events, err := ParseEvents(req.Events)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_events", "message": err.Error()})
		return
	}

	existing, err := h.store.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.internalError(c, "list_failed", err)
		return
	}
	if len(existing) >= MaxPerUser {
		c.JSON(http.StatusConflict, gin.H{"error": "limit_reached", "message": ErrLimitReached.Error()})
		return
	}

	secret, err := generateSecret()
	if err != nil {
		h.internalError(c, "create_failed", err)
		return
	}
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		UserID:    userID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		h.internalError(c, "create_failed", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // shown once
		"usage": gin.H{
			"header":    HeaderSignature,
			"signature": "sha256=HMAC-SHA256(secret, " + HeaderTimestamp + " + \".\" + body)",
		},
	})
}

// ListWebhooks handles GET /users/:id/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.internalError(c, "list_failed", err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook handles DELETE /users/:id/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	sub, ok := h.owned(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil && !errors.Is(err, ErrNotFound) {
		h.internalError(c, "delete_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// TestWebhook handles POST /users/:id/webhooks/:webhookId/test
func (h *Handler) TestWebhook(c *gin.Context) {
	sub, ok := h.owned(c)
	if !ok {
		return
	}
	if err := h.dispatcher.SendTest(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "delivery_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

// owned loads :webhookId and checks it belongs to :id. Someone else's
// webhook is reported as missing.
func (h *Handler) owned(c *gin.Context) (*Subscription, bool) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("webhookId"))
	if err == nil && sub.UserID != c.Param("id") {
		err = ErrNotFound
	}
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return nil, false
	}
	if err != nil {
		h.internalError(c, "get_failed", err)
		return nil, false
	}
	return sub, true
}

func (h *Handler) internalError(c *gin.Context, code string, err error) {
	h.logger.Error("webhook request failed", "error", err, "code", code)
	c.JSON(http.StatusInternalServerError, gin.H{"error": code, "message": "Internal error"})
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
