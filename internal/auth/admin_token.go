package auth

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lootvault/lootvault/internal/validation"
)

// AdminSecretHeader carries the operator secret accepted by AdminTokenHandler.
const AdminSecretHeader = "X-Admin-Secret"

// DefaultAdminTokenTTL bounds tokens minted for operator tooling.
const DefaultAdminTokenTTL = 12 * time.Hour

type adminTokenRequest struct {
	Operator string `json:"operator" binding:"required"`
}

// AdminTokenHandler mints short-lived admin tokens for operators holding
// the shared admin secret, e.g. for the MCP admin server. The subject is
// "ops_<operator>" so audit entries name the human behind the action.
func AdminTokenHandler(v *Verifier, secret string, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader(AdminSecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "valid " + AdminSecretHeader + " header required",
			})
			return
		}

		var req adminTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidID(req.Operator) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "operator must be 1-64 letters, digits, '-' or '_'",
			})
			return
		}

		subject := "ops_" + req.Operator
		tok, err := v.Issue(subject, RoleAdmin, ttl)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "could not sign token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token":     tok,
			"subject":   subject,
			"expiresAt": time.Now().Add(ttl).UTC(),
		})
	}
}
