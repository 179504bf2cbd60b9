package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lootvault/lootvault/internal/commission"
	"github.com/lootvault/lootvault/internal/escrow"
	"github.com/lootvault/lootvault/internal/ledger"
	"github.com/lootvault/lootvault/internal/money"
	"github.com/lootvault/lootvault/internal/payments"
	"github.com/lootvault/lootvault/internal/retry"
)

type mockSummer struct {
	pending decimal.Decimal
	err     error
}

func (m *mockSummer) SumPending(_ context.Context) (decimal.Decimal, error) {
	return m.pending, m.err
}

type mockOrders struct {
	held       decimal.Decimal
	stuck      int
	stuckSince time.Time
	mismatches []string
}

func (m *mockOrders) SumHeld(_ context.Context) (decimal.Decimal, error) { return m.held, nil }

func (m *mockOrders) CountStuckSettlements(_ context.Context, before time.Time) (int, error) {
	m.stuckSince = before
	return m.stuck, nil
}

func (m *mockOrders) SettlementMismatches(_ context.Context, _ int) ([]string, error) {
	return m.mismatches, nil
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRunAll_Healthy(t *testing.T) {
	orders := &mockOrders{held: money.MustParse("125.50")}
	r := NewRunner(&mockSummer{pending: money.MustParse("125.50")}, orders, slog.Default()).
		WithClock(func() time.Time { return epoch })

	rep, err := r.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Healthy)
	assert.True(t, rep.HoldsMatch)
	assert.Empty(t, rep.SettlementMismatches)
	assert.Equal(t, epoch.Add(-DefaultStuckAfter), orders.stuckSince)
	assert.Equal(t, 1.0, testutil.ToFloat64(reconcileHealthy))
	assert.Same(t, rep, r.Last())
}

func TestRunAll_Discrepancies(t *testing.T) {
	orders := &mockOrders{held: money.MustParse("100.00"), stuck: 2, mismatches: []string{"ord_1"}}
	r := NewRunner(&mockSummer{pending: money.MustParse("105.00")}, orders, slog.Default()).
		WithStuckAfter(30 * time.Minute).
		WithClock(func() time.Time { return epoch })

	rep, err := r.RunAll(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Healthy)
	assert.False(t, rep.HoldsMatch)
	assert.Equal(t, "5.00", rep.HoldDiff.StringFixed(2))
	assert.Equal(t, 2, rep.StuckSettlements)
	assert.Equal(t, []string{"ord_1"}, rep.SettlementMismatches)
	assert.Equal(t, epoch.Add(-30*time.Minute), orders.stuckSince)

	assert.Equal(t, 5.0, testutil.ToFloat64(reconcileHoldDiff))
	assert.Equal(t, 2.0, testutil.ToFloat64(reconcileStuckSettlements))
	assert.Equal(t, 1.0, testutil.ToFloat64(reconcileSettlementMismatches))
	assert.Equal(t, 0.0, testutil.ToFloat64(reconcileHealthy))
}

func TestRunAll_CheckErrorStillRunsOthers(t *testing.T) {
	errs := testutil.ToFloat64(reconcileErrors)
	orders := &mockOrders{stuck: 1}
	r := NewRunner(&mockSummer{err: errors.New("db down")}, orders, slog.Default())

	rep, err := r.RunAll(context.Background())
	require.Error(t, err)
	require.NotNil(t, rep)
	assert.False(t, rep.Healthy)
	assert.Len(t, rep.Errors, 1)
	assert.Equal(t, 1, rep.StuckSettlements)
	assert.Equal(t, errs+1, testutil.ToFloat64(reconcileErrors))
}

// TestRunAll_AgainstEscrowStore drives real orders through the memory
// stores and expects the books to balance at every step.
func TestRunAll_AgainstEscrowStore(t *testing.T) {
	ctx := context.Background()
	balances := ledger.NewMemoryStore()
	store := escrow.NewMemoryStore(balances, ledger.NewMemoryAuditLogger())
	ranks := commission.NewStaticRanks()
	ranks.Set("usr_seller", commission.RankStar)
	processor := payments.NewMemoryProcessor()
	svc := escrow.NewService(store, ranks, processor).
		WithRetryPolicy(retry.Policy{MaxAttempts: 1})
	r := NewRunner(balances, store, slog.Default())

	place := func(price string) *escrow.Order {
		o, err := svc.Create(ctx, escrow.CreateRequest{
			BuyerID:  "usr_buyer",
			SellerID: "usr_seller",
			Listing:  escrow.Listing{ListingID: "lst_1", Title: "Rare mount", UnitPrice: money.MustParse(price)},
			Quantity: 1,
		})
		require.NoError(t, err)
		_, err = svc.ConfirmPayment(ctx, o.ID, "pi_"+o.ID)
		require.NoError(t, err)
		return o
	}

	a := place("100.00")
	b := place("33.33")

	rep, err := r.RunAll(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Healthy)
	assert.Equal(t, "133.33", rep.HeldOrders.StringFixed(2))

	_, err = svc.MarkDelivered(ctx, a.ID, "usr_seller", "MOUNT-CODE")
	require.NoError(t, err)
	_, err = svc.ConfirmReceipt(ctx, a.ID, "usr_buyer")
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, b.ID, escrow.Actor{ID: "usr_seller", Role: escrow.ActorSeller}, "out of stock")
	require.NoError(t, err)

	rep, err = r.RunAll(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Healthy, "report: %+v", rep)
	assert.True(t, rep.HeldOrders.IsZero())
}

func TestHandler_GetReport(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRunner(&mockSummer{pending: decimal.Zero}, &mockOrders{}, slog.Default())
	router := gin.New()
	NewHandler(r, slog.Default()).RegisterAdminRoutes(router.Group("/v1"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Report Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Report.Healthy)
	assert.NotNil(t, r.Last(), "first GET runs the checks")
}

func TestTimer_StartStop(t *testing.T) {
	r := NewRunner(&mockSummer{}, &mockOrders{}, slog.Default())
	timer := NewTimer(r, time.Hour, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool { return timer.Running() && r.Last() != nil }, time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}
