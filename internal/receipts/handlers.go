package receipts

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lootvault/lootvault/internal/auth"
)

// Handler provides HTTP endpoints for receipt operations.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new receipt handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes sets up receipt routes. A receipt is visible to
// its payer, its payee and admins.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/receipts/:receiptId", h.GetReceipt)
	r.POST("/receipts/verify", h.VerifyReceipt)
	r.GET("/users/:id/receipts", auth.RequireSelfOrAdmin("id"), h.ListByUser)
}

// GetReceipt handles GET /v1/receipts/:receiptId
func (h *Handler) GetReceipt(c *gin.Context) {
	receipt, ok := h.visible(c, c.Param("receiptId"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// ListByUser handles GET /v1/users/:id/receipts
func (h *Handler) ListByUser(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	receipts, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.internalError(c, err)
		return
	}
	if receipts == nil {
		receipts = []*Receipt{}
	}
	c.JSON(http.StatusOK, gin.H{
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// VerifyReceipt handles POST /v1/receipts/verify
func (h *Handler) VerifyReceipt(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if _, ok := h.visible(c, req.ReceiptID); !ok {
		return
	}

	resp, err := h.service.Verify(c.Request.Context(), req.ReceiptID)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": resp})
}

// visible loads a receipt the caller may see. Someone else's receipt is
// reported as missing.
func (h *Handler) visible(c *gin.Context, id string) (*Receipt, bool) {
	receipt, err := h.service.Get(c.Request.Context(), id)
	if err == nil && !auth.IsAdmin(c) && !receipt.Involves(auth.UserID(c)) {
		err = ErrNotFound
	}
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Receipt not found",
		})
		return nil, false
	}
	if err != nil {
		h.internalError(c, err)
		return nil, false
	}
	return receipt, true
}

func (h *Handler) internalError(c *gin.Context, err error) {
	h.logger.Error("receipt request failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Internal error",
	})
}
