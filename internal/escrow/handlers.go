package escrow

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lootvault/lootvault/internal/auth"
	"github.com/lootvault/lootvault/internal/money"
	"github.com/lootvault/lootvault/internal/validation"
)

// Handler provides HTTP endpoints for the order lifecycle.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new order handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes sets up routes for authenticated buyers and sellers.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/users/:id/orders", auth.RequireSelfOrAdmin("id"), h.ListOrders)
	r.POST("/orders/:id/deliver", h.MarkDelivered)
	r.POST("/orders/:id/auto-deliver", h.AutoDeliver)
	r.POST("/orders/:id/confirm", h.ConfirmReceipt)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.GET("/orders/:id/delivery", h.GetDelivery)
	r.POST("/orders/:id/dispute", h.OpenDispute)
	r.GET("/orders/:id/dispute", h.GetDispute)
	r.POST("/listings/:id/codes", h.AddCodes)
	r.GET("/listings/:id/stock", h.GetStock)
}

// RegisterAdminRoutes sets up admin-only routes. The group must already
// require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/orders/:id/resolve", h.ResolveDispute)
	r.POST("/admin/orders/:id/cancel", h.AdminCancel)
	r.POST("/admin/orders/:id/payment", h.ConfirmPayment)
	r.GET("/admin/disputes", h.ListDisputes)
	r.GET("/admin/settlements/pending", h.ListPendingSettlements)
	r.POST("/admin/settlements/:id/retry", h.RetrySettlement)
	r.GET("/admin/orders/:id/settlement", h.GetSettlement)
}

// respondError maps service errors to HTTP responses.
func (h *Handler) respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrOrderNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrDisputeNotFound):
		status, code = http.StatusNotFound, "dispute_not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrOutOfStock):
		status, code = http.StatusConflict, "out_of_stock"
	case errors.Is(err, ErrDisputeWindowClosed):
		status, code = http.StatusConflict, "dispute_window_closed"
	case errors.Is(err, ErrDisputeResolved):
		status, code = http.StatusConflict, "dispute_resolved"
	case errors.Is(err, ErrDisputeExists):
		status, code = http.StatusConflict, "dispute_exists"
	case errors.Is(err, ErrAlreadySettled):
		status, code = http.StatusConflict, "already_settled"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidVerdict):
		status, code = http.StatusBadRequest, "invalid_verdict"
	case errors.Is(err, ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrConcurrencyLost):
		status, code = http.StatusConflict, "concurrent_update"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("order request failed", "path", c.FullPath(), "orderId", c.Param("id"), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// respondOrder writes the order, or 202 when the transition committed but
// the buyer refund is still outstanding.
func (h *Handler) respondOrder(c *gin.Context, o *Order, err error) {
	if errors.Is(err, ErrSettlementPending) && o != nil {
		c.JSON(http.StatusAccepted, gin.H{
			"order":   o,
			"warning": "settlement_pending",
			"message": "Refund will be retried automatically",
		})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

const maxTitleLength = 200

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}

func limitParam(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	return limit
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidID("sellerId", req.SellerID),
		validation.ValidID("listing.listingId", req.Listing.ListingID),
		validation.MaxLength("listing.title", req.Listing.Title, maxTitleLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.Listing.Title = validation.SanitizeString(req.Listing.Title, maxTitleLength)
	req.BuyerID = auth.UserID(c)

	o, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.GetForUser(c.Request.Context(), c.Param("id"), auth.UserID(c), auth.IsAdmin(c))
	h.respondOrder(c, o, err)
}

// ListOrders handles GET /v1/users/:id/orders?limit=&cursor=
func (h *Handler) ListOrders(c *gin.Context) {
	orders, next, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), c.Query("cursor"), limitParam(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	resp := gin.H{"orders": orders, "count": len(orders), "hasMore": next != ""}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// MarkDelivered handles POST /v1/orders/:id/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	var req struct {
		Payload string `json:"payload" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "payload is required")
		return
	}
	o, err := h.service.MarkDelivered(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Payload)
	h.respondOrder(c, o, err)
}

// AutoDeliver handles POST /v1/orders/:id/auto-deliver
func (h *Handler) AutoDeliver(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.service.GetForUser(ctx, c.Param("id"), auth.UserID(c), auth.IsAdmin(c)); err != nil {
		h.respondError(c, err)
		return
	}
	o, err := h.service.AutoDeliver(ctx, c.Param("id"))
	h.respondOrder(c, o, err)
}

// ConfirmReceipt handles POST /v1/orders/:id/confirm
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	o, err := h.service.ConfirmReceipt(c.Request.Context(), c.Param("id"), auth.UserID(c))
	h.respondOrder(c, o, err)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelOrder handles POST /v1/orders/:id/cancel for the buyer or seller.
func (h *Handler) CancelOrder(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)

	ctx := c.Request.Context()
	userID := auth.UserID(c)
	o, err := h.service.GetForUser(ctx, c.Param("id"), userID, false)
	if err != nil {
		h.respondError(c, err)
		return
	}
	by := Actor{ID: userID, Role: ActorBuyer}
	if o.SellerID == userID {
		by.Role = ActorSeller
	}
	o, err = h.service.Cancel(ctx, o.ID, by, req.Reason)
	h.respondOrder(c, o, err)
}

// AdminCancel handles POST /v1/admin/orders/:id/cancel
func (h *Handler) AdminCancel(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)
	o, err := h.service.Cancel(c.Request.Context(), c.Param("id"), Actor{ID: auth.UserID(c), Role: ActorAdmin}, req.Reason)
	h.respondOrder(c, o, err)
}

// GetDelivery handles GET /v1/orders/:id/delivery (buyer only)
func (h *Handler) GetDelivery(c *gin.Context) {
	payload, err := h.service.DeliveryPayload(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": c.Param("id"), "payload": payload})
}

// OpenDispute handles POST /v1/orders/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "reason is required")
		return
	}
	o, d, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o, "dispute": d})
}

// GetDispute handles GET /v1/orders/:id/dispute
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.GetDispute(c.Request.Context(), c.Param("id"), auth.UserID(c), auth.IsAdmin(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/admin/orders/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req VerdictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_verdict",
			"message": "verdict and reason are required",
		})
		return
	}
	o, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	h.respondOrder(c, o, err)
}

// ConfirmPayment handles POST /v1/admin/orders/:id/payment, for
// processors that cannot call the webhook.
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req struct {
		PaymentRef string `json:"paymentRef" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "paymentRef is required")
		return
	}
	o, err := h.service.ConfirmPayment(c.Request.Context(), c.Param("id"), req.PaymentRef)
	h.respondOrder(c, o, err)
}

// ListDisputes handles GET /v1/admin/disputes?status=open
func (h *Handler) ListDisputes(c *gin.Context) {
	status := DisputeStatus(c.DefaultQuery("status", string(DisputeOpen)))
	if status == "all" {
		status = ""
	}
	disputes, err := h.service.ListDisputes(c.Request.Context(), status, limitParam(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// ListPendingSettlements handles GET /v1/admin/settlements/pending
func (h *Handler) ListPendingSettlements(c *gin.Context) {
	orders, err := h.service.ListPendingSettlements(c.Request.Context(), limitParam(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// RetrySettlement handles POST /v1/admin/settlements/:id/retry
func (h *Handler) RetrySettlement(c *gin.Context) {
	o, err := h.service.RetrySettlement(c.Request.Context(), c.Param("id"), auth.UserID(c))
	h.respondOrder(c, o, err)
}

// GetSettlement handles GET /v1/admin/orders/:id/settlement
func (h *Handler) GetSettlement(c *gin.Context) {
	st, err := h.service.GetSettlement(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"settlement": st,
		"payout":     money.Format(st.Payout),
		"fee":        money.Format(st.Fee),
	})
}

// AddCodes handles POST /v1/listings/:id/codes
func (h *Handler) AddCodes(c *gin.Context) {
	var req struct {
		Codes []string `json:"codes" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "codes must be a non-empty list")
		return
	}
	stock, err := h.service.AddCodes(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Codes)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"listingId": c.Param("id"), "stock": stock})
}

// GetStock handles GET /v1/listings/:id/stock
func (h *Handler) GetStock(c *gin.Context) {
	stock, err := h.service.Stock(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listingId": c.Param("id"), "stock": stock})
}
