package admin

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lootvault/lootvault/internal/escrow"
)

// overviewScanLimit bounds the dispute and settlement scans behind
// GET /admin/overview. Counts at the limit mean "at least".
const overviewScanLimit = 1000

// Handler provides admin console HTTP endpoints.
type Handler struct {
	orders     OrderService
	reconciler ReconciliationSource
	realtime   RealtimeStats
	logger     *slog.Logger
	now        func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{logger: logger, now: time.Now}
}

// WithOrders sets the escrow service.
func (h *Handler) WithOrders(svc OrderService) *Handler {
	h.orders = svc
	return h
}

// WithReconciler sets the source of the last reconciliation report.
func (h *Handler) WithReconciler(r ReconciliationSource) *Handler {
	h.reconciler = r
	return h
}

// WithRealtime sets the websocket hub.
func (h *Handler) WithRealtime(r RealtimeStats) *Handler {
	h.realtime = r
	return h
}

// RegisterRoutes sets up admin routes. The group must already require the
// admin role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/overview", h.overview)
	r.POST("/admin/sweep", h.sweep)
	r.GET("/admin/realtime", h.realtimeStats)
}

func (h *Handler) overview(c *gin.Context) {
	if h.orders == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "escrow service not configured"})
		return
	}
	ctx := c.Request.Context()

	disputes, err := h.orders.ListDisputes(ctx, escrow.DisputeOpen, overviewScanLimit)
	if err != nil {
		h.logger.Error("overview: list disputes failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list disputes"})
		return
	}
	pending, err := h.orders.ListPendingSettlements(ctx, overviewScanLimit)
	if err != nil {
		h.logger.Error("overview: list pending settlements failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list settlements"})
		return
	}

	ov := Overview{
		OpenDisputes:       len(disputes),
		PendingSettlements: len(pending),
		GeneratedAt:        h.now().UTC(),
	}
	for _, d := range disputes {
		if ov.OldestDispute == nil || d.OpenedAt.Before(*ov.OldestDispute) {
			t := d.OpenedAt
			ov.OldestDispute = &t
		}
	}
	if h.reconciler != nil {
		ov.Reconciliation = h.reconciler.Last()
	}
	if h.realtime != nil {
		ov.Realtime = h.realtime.Stats()
	}

	c.JSON(http.StatusOK, gin.H{"overview": ov})
}

// sweep runs the auto-complete sweep and the settlement retry immediately
// instead of waiting for the next tick. Both are idempotent.
func (h *Handler) sweep(c *gin.Context) {
	if h.orders == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "escrow service not configured"})
		return
	}
	ctx := c.Request.Context()
	start := h.now()

	var rep SweepReport
	var err error
	if rep.Sweep, err = h.orders.SweepExpiredDeliveries(ctx); err != nil {
		h.logger.Error("manual sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed", "message": err.Error()})
		return
	}
	if rep.Retry, err = h.orders.RetryPendingSettlements(ctx); err != nil {
		h.logger.Error("manual settlement retry failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry_failed", "message": err.Error()})
		return
	}
	rep.Duration = h.now().Sub(start).String()

	h.logger.Info("manual sweep", "completed", rep.Sweep.Completed, "settled", rep.Retry.Settled)
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

func (h *Handler) realtimeStats(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime not configured"})
		return
	}
	c.JSON(http.StatusOK, h.realtime.Stats())
}
