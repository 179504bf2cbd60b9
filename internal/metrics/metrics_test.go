package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{202, "2xx"},
		{301, "3xx"},
		{409, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	// Gauges always appear with a default 0 value.
	for _, name := range []string{
		"lootvault_settlements_pending",
		"lootvault_active_websocket_clients",
	} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}

	OrderTransitionsTotal.WithLabelValues("paid", "delivered").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), "lootvault_order_transitions_total") {
		t.Error("Expected lootvault_order_transitions_total after incrementing")
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/test", "2xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/test", "2xx"))
	if after != before+1 {
		t.Errorf("Expected request counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestWebhookDeliveriesCounter(t *testing.T) {
	WebhookDeliveriesTotal.Reset()
	WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	WebhookDeliveriesTotal.WithLabelValues("ok").Inc()

	m := &dto.Metric{}
	counter, err := WebhookDeliveriesTotal.GetMetricWithLabelValues("ok")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 2.0 {
		t.Errorf("expected counter value 2, got %f", m.Counter.GetValue())
	}
}

func TestHTTPDurationHistogramObserves(t *testing.T) {
	HTTPRequestDuration.Reset()
	HTTPRequestDuration.WithLabelValues("GET", "/v1/orders/:id").Observe(0.02)

	m := &dto.Metric{}
	obs, err := HTTPRequestDuration.GetMetricWithLabelValues("GET", "/v1/orders/:id")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	if err := obs.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if m.Histogram.GetSampleCount() != 1 {
		t.Errorf("expected 1 sample, got %d", m.Histogram.GetSampleCount())
	}
}
