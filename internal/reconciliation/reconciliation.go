// Package reconciliation cross-checks the ledger against escrow state.
//
// Three invariants are verified on every run:
//   - the sum of seller pending balances equals the amount of all orders
//     whose hold is outstanding
//   - no refund has been stuck in Settlement=pending beyond a threshold
//   - every completed order has a settlement record whose payout, fee and
//     refund add up to the order amount
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultStuckAfter is how long a refund may stay pending before it is
// reported as stuck.
const DefaultStuckAfter = time.Hour

// maxMismatches caps the order ids listed in a report.
const maxMismatches = 100

// PendingSummer returns the total of all escrow holds in the ledger.
type PendingSummer interface {
	SumPending(ctx context.Context) (decimal.Decimal, error)
}

// OrderTotals exposes the escrow-side figures.
type OrderTotals interface {
	SumHeld(ctx context.Context) (decimal.Decimal, error)
	CountStuckSettlements(ctx context.Context, before time.Time) (int, error)
	SettlementMismatches(ctx context.Context, limit int) ([]string, error)
}

// Report is the outcome of one reconciliation run.
type Report struct {
	LedgerPending        decimal.Decimal `json:"ledgerPending"`
	HeldOrders           decimal.Decimal `json:"heldOrders"`
	HoldDiff             decimal.Decimal `json:"holdDiff"`
	HoldsMatch           bool            `json:"holdsMatch"`
	StuckSettlements     int             `json:"stuckSettlements"`
	SettlementMismatches []string        `json:"settlementMismatches"`
	Errors               []string        `json:"errors,omitempty"`
	Healthy              bool            `json:"healthy"`
	StartedAt            time.Time       `json:"startedAt"`
	Duration             string          `json:"duration"`
}

// Runner performs the reconciliation checks.
type Runner struct {
	ledger     PendingSummer
	orders     OrderTotals
	stuckAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a reconciliation runner.
func NewRunner(ledger PendingSummer, orders OrderTotals, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		ledger:     ledger,
		orders:     orders,
		stuckAfter: DefaultStuckAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// WithStuckAfter sets how old a pending settlement must be to count as stuck.
func (r *Runner) WithStuckAfter(d time.Duration) *Runner {
	if d > 0 {
		r.stuckAfter = d
	}
	return r
}

// WithClock overrides the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll executes every check. A failing check is recorded in the report
// and the remaining checks still run; the returned error is non-nil only
// when at least one check could not be evaluated.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	rep := &Report{StartedAt: start, SettlementMismatches: []string{}}

	if err := r.checkHolds(ctx, rep); err != nil {
		rep.Errors = append(rep.Errors, err.Error())
	}
	if err := r.checkStuck(ctx, rep, start); err != nil {
		rep.Errors = append(rep.Errors, err.Error())
	}
	if err := r.checkSettlements(ctx, rep); err != nil {
		rep.Errors = append(rep.Errors, err.Error())
	}

	rep.Healthy = len(rep.Errors) == 0 && rep.HoldsMatch &&
		rep.StuckSettlements == 0 && len(rep.SettlementMismatches) == 0
	elapsed := time.Since(start)
	rep.Duration = elapsed.String()
	r.record(rep, elapsed)

	if !rep.Healthy {
		r.logger.Warn("reconciliation found discrepancies",
			"holdDiff", rep.HoldDiff.StringFixed(2),
			"stuckSettlements", rep.StuckSettlements,
			"settlementMismatches", len(rep.SettlementMismatches),
			"errors", len(rep.Errors))
	}

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()

	if len(rep.Errors) > 0 {
		return rep, fmt.Errorf("reconciliation: %d checks failed", len(rep.Errors))
	}
	return rep, nil
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func (r *Runner) checkHolds(ctx context.Context, rep *Report) error {
	pending, err := r.ledger.SumPending(ctx)
	if err != nil {
		return fmt.Errorf("sum ledger holds: %w", err)
	}
	held, err := r.orders.SumHeld(ctx)
	if err != nil {
		return fmt.Errorf("sum held orders: %w", err)
	}
	rep.LedgerPending = pending
	rep.HeldOrders = held
	rep.HoldDiff = pending.Sub(held)
	rep.HoldsMatch = rep.HoldDiff.IsZero()
	return nil
}

func (r *Runner) checkStuck(ctx context.Context, rep *Report, now time.Time) error {
	n, err := r.orders.CountStuckSettlements(ctx, now.Add(-r.stuckAfter))
	if err != nil {
		return fmt.Errorf("count stuck settlements: %w", err)
	}
	rep.StuckSettlements = n
	return nil
}

func (r *Runner) checkSettlements(ctx context.Context, rep *Report) error {
	ids, err := r.orders.SettlementMismatches(ctx, maxMismatches)
	if err != nil {
		return fmt.Errorf("check settlements: %w", err)
	}
	if ids != nil {
		rep.SettlementMismatches = ids
	}
	return nil
}

func (r *Runner) record(rep *Report, elapsed time.Duration) {
	reconcileDuration.Observe(elapsed.Seconds())
	reconcileErrors.Add(float64(len(rep.Errors)))
	reconcileHoldDiff.Set(rep.HoldDiff.InexactFloat64())
	reconcileStuckSettlements.Set(float64(rep.StuckSettlements))
	reconcileSettlementMismatches.Set(float64(len(rep.SettlementMismatches)))
	if rep.Healthy {
		reconcileHealthy.Set(1)
	} else {
		reconcileHealthy.Set(0)
	}
}
