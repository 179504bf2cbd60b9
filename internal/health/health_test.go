package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRegistry_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistry_OneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", Ping("postgres", func(context.Context) error { return nil }))
	r.Register("redis", Ping("redis", func(context.Context) error { return errors.New("connection refused") }))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Healthy)
	assert.False(t, statuses[1].Healthy)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestPing_HasDeadline(t *testing.T) {
	check := Ping("amqp", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	})
	assert.True(t, check(context.Background()).Healthy)
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("x", func(context.Context) Status { return Status{Name: "x", Healthy: true} })
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
	_, statuses := r.CheckAll(context.Background())
	assert.Len(t, statuses, 20)
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	var down bool
	r.Register("postgres", Ping("postgres", func(context.Context) error {
		if down {
			return errors.New("down")
		}
		return nil
	}))

	router := gin.New()
	router.GET("/health", r.Handler("1.0.0"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	down = true
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}
