package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// MutationsTotal counts applied balance mutations by entry type.
	MutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lootvault",
			Name:      "ledger_mutations_total",
			Help:      "Total applied ledger mutations by entry type.",
		},
		[]string{"type"},
	)

	// MutationAmount sums mutation amounts by entry type.
	MutationAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lootvault",
			Name:      "ledger_mutation_amount_total",
			Help:      "Sum of applied ledger mutation amounts by entry type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(MutationsTotal, MutationAmount)
}

// ObserveCommitted records mutations whose transaction has committed.
func ObserveCommitted(muts ...Mutation) {
	for _, m := range muts {
		observeMutation(m)
	}
}

func observeMutation(m Mutation) {
	MutationsTotal.WithLabelValues(string(m.Type)).Inc()
	MutationAmount.WithLabelValues(string(m.Type)).Add(m.Amount.InexactFloat64())
}
