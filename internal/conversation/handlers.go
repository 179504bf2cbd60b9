package conversation

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lootvault/lootvault/internal/auth"
)

// Handler provides HTTP endpoints for order conversations
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new conversation handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes sets up routes for the order's parties.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id/messages", h.GetMessages)
	r.POST("/orders/:id/messages", h.PostMessage)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/orders/:id/messages", h.Spectate)
	r.POST("/admin/orders/:id/messages", h.PostAsAdmin)
}

type postRequest struct {
	Body string `json:"body" binding:"required"`
	Kind Kind   `json:"kind"`
}

func limitParam(c *gin.Context) int {
	limit := 200
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	return limit
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Conversation not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, ErrMessageEmpty), errors.Is(err, ErrMessageTooLong), errors.Is(err, ErrInvalidKind):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		h.logger.Error("conversation request failed", "path", c.FullPath(), "orderId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}

// GetMessages handles GET /v1/orders/:id/messages
func (h *Handler) GetMessages(c *gin.Context) {
	conv, msgs, err := h.service.Messages(c.Request.Context(), c.Param("id"), auth.UserID(c), limitParam(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "messages": msgs, "count": len(msgs)})
}

// PostMessage handles POST /v1/orders/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req postRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body is required"})
		return
	}
	m, err := h.service.PostAsParty(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Body, req.Kind)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

// Spectate handles GET /v1/admin/orders/:id/messages
func (h *Handler) Spectate(c *gin.Context) {
	conv, msgs, err := h.service.Spectate(c.Request.Context(), c.Param("id"), auth.UserID(c), limitParam(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "messages": msgs, "count": len(msgs)})
}

// PostAsAdmin handles POST /v1/admin/orders/:id/messages. The first
// message makes the admin a visible participant.
func (h *Handler) PostAsAdmin(c *gin.Context) {
	var req postRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body is required"})
		return
	}
	m, err := h.service.Post(c.Request.Context(), c.Param("id"), auth.UserID(c), RoleAdmin, req.Body, req.Kind)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}
