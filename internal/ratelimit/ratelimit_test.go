package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/lootvault/lootvault/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(l *Limiter, userID, role string) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set(auth.ContextKeyUserID, userID)
			c.Set(auth.ContextKeyRole, role)
		}
		c.Next()
	})
	r.Use(l.Middleware())
	r.GET("/orders", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func hit(r *gin.Engine, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.RemoteAddr = ip + ":1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_LimitsByIP(t *testing.T) {
	r := newRouter(New(Config{RequestsPerMinute: 3}), "", "")

	for i := 0; i < 3; i++ {
		w := hit(r, "10.0.0.1")
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
	}
	w := hit(r, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusOK, hit(r, "10.0.0.2").Code, "other clients unaffected")
}

func TestMiddleware_LimitsByUserAcrossIPs(t *testing.T) {
	r := newRouter(New(Config{RequestsPerMinute: 2}), "usr_1", auth.RoleUser)

	assert.Equal(t, http.StatusOK, hit(r, "10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, hit(r, "10.0.0.2").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "10.0.0.3").Code)
}

func TestMiddleware_AdminsGetHigherLimit(t *testing.T) {
	r := newRouter(New(Config{RequestsPerMinute: 1, AdminMultiplier: 3}), "usr_admin", auth.RoleAdmin)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, hit(r, "10.0.0.1").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "10.0.0.1").Code)
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{})
	assert.Equal(t, DefaultConfig().RequestsPerMinute, l.cfg.RequestsPerMinute)
	assert.Equal(t, int64(1), l.cfg.AdminMultiplier)
}
