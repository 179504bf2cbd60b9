package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileHoldDiff = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lootvault",
		Subsystem: "reconciliation",
		Name:      "hold_diff",
		Help:      "Ledger pending total minus held order amounts in the last run.",
	})

	reconcileStuckSettlements = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lootvault",
		Subsystem: "reconciliation",
		Name:      "stuck_settlements",
		Help:      "Number of refunds pending beyond the threshold in the last run.",
	})

	reconcileSettlementMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lootvault",
		Subsystem: "reconciliation",
		Name:      "settlement_mismatches",
		Help:      "Number of completed orders whose settlement does not add up in the last run.",
	})

	reconcileHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lootvault",
		Subsystem: "reconciliation",
		Name:      "healthy",
		Help:      "1 if the last reconciliation run found no discrepancies.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lootvault",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lootvault",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileHoldDiff,
		reconcileStuckSettlements,
		reconcileSettlementMismatches,
		reconcileHealthy,
		reconcileDuration,
		reconcileErrors,
	)
}
