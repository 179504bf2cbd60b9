package ledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lootvault/lootvault/internal/auth"
)

// Handler provides HTTP endpoints for balances and the audit trail.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes sets up routes that require an authenticated caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/balance", auth.RequireSelfOrAdmin("id"), h.GetBalance)
	r.GET("/users/:id/ledger", auth.RequireSelfOrAdmin("id"), h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/audit", h.QueryAudit)
}

// GetBalance handles GET /users/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.service.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("get balance failed", "userId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_error", "message": "Failed to get balance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// GetHistory handles GET /users/:id/ledger?limit=
func (h *Handler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.service.GetHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.logger.Error("get ledger history failed", "userId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_error", "message": "Failed to get history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// QueryAudit handles GET /admin/audit?subject=&operation=&from=&to=&limit=
func (h *Handler) QueryAudit(c *gin.Context) {
	q := AuditQuery{
		Subject:   c.Query("subject"),
		Operation: c.Query("operation"),
	}
	for name, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		if s := c.Query(name); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_timestamp",
					"message": name + " must be RFC3339",
				})
				return
			}
			*dst = t
		}
	}
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
		q.Limit = n
	}

	entries, err := h.service.QueryAudit(c.Request.Context(), q)
	if err != nil {
		h.logger.Error("audit query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "audit_error",
			"message": "Failed to query audit log",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}
