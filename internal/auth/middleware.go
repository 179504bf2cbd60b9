package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID is the key for storing the authenticated user id in gin context
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the key for storing the authenticated role
	ContextKeyRole = "authRole"
)

// Middleware extracts and validates the bearer token.
// Sets authUserID and authRole in context if valid; never rejects.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if tok, ok := strings.CutPrefix(header, "Bearer "); ok && tok != "" {
			if claims, err := v.Parse(tok); err == nil {
				c.Set(ContextKeyUserID, claims.Subject)
				c.Set(ContextKeyRole, claims.Role)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests whose token does not carry the admin role.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin role required.",
			})
			return
		}
		c.Next()
	}
}

// RequireSelfOrAdmin requires the :param path value to equal the caller's
// user id unless the caller is an admin.
func RequireSelfOrAdmin(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsAdmin(c) || (UserID(c) != "" && UserID(c) == c.Param(param)) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You can only access your own account.",
		})
	}
}

// UserID returns the authenticated user id, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// Role returns the authenticated role, or "".
func Role(c *gin.Context) string {
	return c.GetString(ContextKeyRole)
}

// IsAdmin reports whether the caller has the admin role.
func IsAdmin(c *gin.Context) bool {
	return Role(c) == RoleAdmin
}
