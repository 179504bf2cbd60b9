package reconciliation

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves reconciliation reports to admins.
type Handler struct {
	runner *Runner
	logger *slog.Logger
}

// NewHandler creates a new reconciliation handler.
func NewHandler(runner *Runner, logger *slog.Logger) *Handler {
	return &Handler{runner: runner, logger: logger}
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconciliation", h.GetReport)
	r.POST("/admin/reconciliation", h.Run)
}

// GetReport handles GET /admin/reconciliation. It returns the last report
// and runs the checks first if none exists yet.
func (h *Handler) GetReport(c *gin.Context) {
	if rep := h.runner.Last(); rep != nil {
		c.JSON(http.StatusOK, gin.H{"report": rep})
		return
	}
	h.Run(c)
}

// Run handles POST /admin/reconciliation
func (h *Handler) Run(c *gin.Context) {
	rep, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		h.logger.Error("reconciliation run failed", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}
