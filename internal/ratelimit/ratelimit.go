// Package ratelimit provides rate limiting middleware for the LootVault API.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/lootvault/lootvault/internal/auth"
	"github.com/lootvault/lootvault/internal/logging"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per client per minute
	RequestsPerMinute int64
	// AdminMultiplier raises the limit for admins working a dispute queue
	AdminMultiplier int64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		AdminMultiplier:   5,
	}
}

// Limiter rate limits by authenticated user, falling back to client IP.
type Limiter struct {
	cfg   Config
	users *limiter.Limiter
	admin *limiter.Limiter
}

// New creates a new rate limiter backed by an in-process store.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.AdminMultiplier <= 0 {
		cfg.AdminMultiplier = 1
	}
	store := memory.NewStore()
	return &Limiter{
		cfg:   cfg,
		users: limiter.New(store, limiter.Rate{Period: time.Minute, Limit: cfg.RequestsPerMinute}),
		admin: limiter.New(store, limiter.Rate{Period: time.Minute, Limit: cfg.RequestsPerMinute * cfg.AdminMultiplier}),
	}
}

// key identifies the caller. Must run after auth.Middleware to see users.
func key(c *gin.Context) (string, bool) {
	if id := auth.UserID(c); id != "" {
		return "user:" + id, auth.IsAdmin(c)
	}
	return "ip:" + c.ClientIP(), false
}

// Middleware returns a Gin middleware enforcing the limit.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		k, isAdmin := key(c)
		lim := l.users
		if isAdmin {
			lim = l.admin
		}

		res, err := lim.Get(c.Request.Context(), k)
		if err != nil {
			// Fail open: a broken limiter must not take the API down.
			logging.L(c.Request.Context()).Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.Reset, 10))

		if res.Reached {
			retryAfter := max(res.Reset-time.Now().Unix(), 1)
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
