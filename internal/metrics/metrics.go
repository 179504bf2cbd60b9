// Package metrics provides Prometheus instrumentation for the marketplace
// escrow engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric exported by this service.
const Namespace = "lootvault"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrderTransitionsTotal counts committed order transitions.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "order_transitions_total",
			Help:      "Total committed order status transitions.",
		},
		[]string{"from", "to"},
	)

	// ConcurrencyLostTotal counts transitions that lost a compare-and-swap race.
	ConcurrencyLostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "order_cas_lost_total",
			Help:      "Transitions that lost the status compare-and-swap, by attempted target status.",
		},
		[]string{"to"},
	)

	// SettlementsTotal counts terminal settlements by kind.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "settlements_total",
			Help:      "Terminal settlements by kind (release, refund, split, cancel).",
		},
		[]string{"kind"},
	)

	// RefundFailuresTotal counts processor refund attempts that failed.
	RefundFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "refund_failures_total",
		Help:      "Processor refund calls that failed after retries.",
	})

	// PendingSettlements tracks orders whose refund has not completed.
	PendingSettlements = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "settlements_pending",
		Help:      "Orders in a terminal state with an outstanding processor refund.",
	})

	// SweepRunsTotal counts auto-completion sweeps.
	SweepRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "sweep_runs_total",
		Help:      "Total delivery-window sweeps executed.",
	})

	// AutoCompletedTotal counts orders completed by the sweep.
	AutoCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "orders_auto_completed_total",
		Help:      "Orders completed automatically after the protection window.",
	})

	// OutOfStockTotal counts auto-delivery attempts with an empty code pool.
	OutOfStockTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "auto_delivery_out_of_stock_total",
		Help:      "Auto-delivery attempts that found too few codes.",
	})

	// DisputesOpenedTotal counts disputes opened by buyers.
	DisputesOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "disputes_opened_total",
		Help:      "Total disputes opened.",
	})

	// VerdictsTotal counts dispute verdicts by outcome.
	VerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "dispute_verdicts_total",
			Help:      "Dispute verdicts by outcome.",
		},
		[]string{"verdict"},
	)

	// OrderLifetime observes time from payment to terminal settlement.
	OrderLifetime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "order_lifetime_seconds",
		Help:      "Time from payment to completion in seconds.",
		Buckets:   []float64{60, 600, 3600, 6 * 3600, 24 * 3600, 48 * 3600, 72 * 3600, 7 * 24 * 3600},
	})

	// NotificationsTotal counts notification deliveries by sink and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by sink and result.",
		},
		[]string{"sink", "result"},
	)

	// PaymentMismatchesTotal counts captured payments whose amount or
	// currency did not match the order.
	PaymentMismatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "payment_mismatches_total",
			Help:      "Payment webhooks ignored because amount or currency differed from the order.",
		},
		[]string{"reason"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

// WebhookDeliveriesTotal counts outbound webhook deliveries by result
// (ok, failed, blocked, disabled).
var WebhookDeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Outbound webhook deliveries by result.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrderTransitionsTotal,
		ConcurrencyLostTotal,
		SettlementsTotal,
		RefundFailuresTotal,
		PendingSettlements,
		SweepRunsTotal,
		AutoCompletedTotal,
		OutOfStockTotal,
		DisputesOpenedTotal,
		VerdictsTotal,
		OrderLifetime,
		NotificationsTotal,
		PaymentMismatchesTotal,
		ActiveWebSocketClients,
		WebhookDeliveriesTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // route pattern keeps label cardinality bounded
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
