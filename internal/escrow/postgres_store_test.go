//go:build integration

package escrow

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lootvault/lootvault/internal/commission"
	"github.com/lootvault/lootvault/internal/ledger"
	"github.com/lootvault/lootvault/internal/money"
	"github.com/lootvault/lootvault/internal/payments"
	"github.com/lootvault/lootvault/internal/retry"
	"github.com/lootvault/lootvault/internal/testutil"
)

func setupPostgres(t *testing.T) (*Service, *sql.DB, *testClock) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	clock := &testClock{now: time.Now().UTC().Truncate(time.Microsecond)}
	svc := NewService(NewPostgresStore(db), commission.NewPostgresRanks(db), payments.NewMemoryProcessor()).
		WithClock(clock.Now).
		WithRetryPolicy(retry.Policy{MaxAttempts: 1})
	return svc, db, clock
}

func pgOrder(t *testing.T, svc *Service, price string, autoDelivery bool) *Order {
	t.Helper()
	o, err := svc.Create(context.Background(), CreateRequest{
		BuyerID:      buyer,
		SellerID:     seller,
		Listing:      Listing{ListingID: "lst_pg", Title: "Skin", UnitPrice: money.MustParse(price)},
		Quantity:     1,
		AutoDelivery: autoDelivery,
	})
	require.NoError(t, err)
	return o
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	svc, db, _ := setupPostgres(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `INSERT INTO seller_ranks (seller_id, rank) VALUES ($1, 'star')`, seller)
	require.NoError(t, err)

	o := pgOrder(t, svc, "100.00", false)
	_, err = svc.ConfirmPayment(ctx, o.ID, "pi_pg")
	require.NoError(t, err)
	o, err = svc.MarkDelivered(ctx, o.ID, seller, "CODE")
	require.NoError(t, err)
	require.NotNil(t, o.AutoCompleteAt)

	o, err = svc.ConfirmReceipt(ctx, o.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Status)

	balances := ledger.NewPostgresStore(db)
	sb, err := balances.GetBalance(ctx, seller)
	require.NoError(t, err)
	assertMoney(t, "95.50", sb.Available)
	assertMoney(t, "0.00", sb.Pending)

	pb, err := balances.GetBalance(ctx, ledger.PlatformAccount)
	require.NoError(t, err)
	assertMoney(t, "4.50", pb.Available)

	st, err := svc.GetSettlement(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, SettlementRelease, st.Kind)
	assertMoney(t, "100.00", st.Payout.Add(st.Fee))

	payload, err := svc.DeliveryPayload(ctx, o.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, "CODE", payload)
}

func TestPostgresStore_CompareAndSwapLosesOnStaleStatus(t *testing.T) {
	svc, db, _ := setupPostgres(t)
	ctx := context.Background()
	store := NewPostgresStore(db)

	o := pgOrder(t, svc, "10.00", false)
	err := store.Atomic(ctx, func(tx Tx) error {
		cur, err := tx.Get(ctx, o.ID)
		if err != nil {
			return err
		}
		cur.Status = StatusPaid
		return tx.CompareAndSwap(ctx, cur, StatusDelivered)
	})
	assert.ErrorIs(t, err, ErrConcurrencyLost)

	got, err := store.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestPostgresStore_SweepAndConcurrentConfirm(t *testing.T) {
	svc, db, clock := setupPostgres(t)
	ctx := context.Background()

	o := pgOrder(t, svc, "20.00", false)
	_, err := svc.ConfirmPayment(ctx, o.ID, "pi")
	require.NoError(t, err)
	_, err = svc.MarkDelivered(ctx, o.ID, seller, "X")
	require.NoError(t, err)

	clock.Set(clock.Now().Add(DefaultProtectionWindow + time.Second))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = svc.SweepExpiredDeliveries(ctx)
	}()
	go func() {
		defer wg.Done()
		_, _ = svc.ConfirmReceipt(ctx, o.ID, buyer)
	}()
	wg.Wait()

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	var settlements int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM settlements WHERE order_id = $1`, o.ID).Scan(&settlements))
	assert.Equal(t, 1, settlements)

	var entries int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE order_id = $1 AND user_id = $2 AND type = $3`,
		o.ID, seller, string(ledger.EntryPayout)).Scan(&entries))
	assert.Equal(t, 1, entries, "seller paid once")
}

func TestPostgresStore_LastCodeRace(t *testing.T) {
	svc, _, _ := setupPostgres(t)
	ctx := context.Background()

	a := pgOrder(t, svc, "5.00", true)
	b := pgOrder(t, svc, "5.00", true)
	for _, o := range []*Order{a, b} {
		// No stock yet: auto-delivery fails and the order stays paid.
		_, err := svc.ConfirmPayment(ctx, o.ID, "pi_"+o.ID)
		require.NoError(t, err)
	}
	_, err := svc.AddCodes(ctx, "lst_pg", seller, []string{"ONLY-ONE"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, o := range []*Order{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.AutoDeliver(ctx, o.ID)
		}()
	}
	wg.Wait()

	var delivered, outOfStock int
	for _, err := range errs {
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrOutOfStock):
			outOfStock++
		}
	}
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, outOfStock)

	stock, err := svc.Stock(ctx, "lst_pg")
	require.NoError(t, err)
	assert.Zero(t, stock)
}

func TestPostgresStore_DisputeUnique(t *testing.T) {
	svc, _, _ := setupPostgres(t)
	ctx := context.Background()

	o := pgOrder(t, svc, "30.00", false)
	_, err := svc.ConfirmPayment(ctx, o.ID, "pi")
	require.NoError(t, err)
	_, err = svc.MarkDelivered(ctx, o.ID, seller, "X")
	require.NoError(t, err)

	_, d, err := svc.OpenDispute(ctx, o.ID, buyer, "wrong item")
	require.NoError(t, err)

	_, _, err = svc.OpenDispute(ctx, o.ID, buyer, "again")
	assert.ErrorIs(t, err, ErrDisputeExists)

	refund := money.MustParse("10.00")
	got, err := svc.ResolveDispute(ctx, o.ID, admin, VerdictRequest{
		Verdict:      ResolutionSplit,
		Reason:       "partial",
		RefundAmount: &refund,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	resolved, err := svc.store.GetDispute(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, resolved.ID)
	assert.Equal(t, DisputeResolved, resolved.Status)
	require.NotNil(t, resolved.RefundAmount)
	assertMoney(t, "10.00", *resolved.RefundAmount)
}

func TestPostgresStore_ReconciliationQueries(t *testing.T) {
	svc, db, clock := setupPostgres(t)
	ctx := context.Background()
	store := NewPostgresStore(db)

	held := pgOrder(t, svc, "40.00", false)
	_, err := svc.ConfirmPayment(ctx, held.ID, "pi_held")
	require.NoError(t, err)

	done := pgOrder(t, svc, "19.99", false)
	_, err = svc.ConfirmPayment(ctx, done.ID, "pi_done")
	require.NoError(t, err)
	_, err = svc.MarkDelivered(ctx, done.ID, seller, "CODE")
	require.NoError(t, err)
	_, err = svc.ConfirmReceipt(ctx, done.ID, buyer)
	require.NoError(t, err)

	sum, err := store.SumHeld(ctx)
	require.NoError(t, err)
	assertMoney(t, "40.00", sum)

	pending, err := ledger.NewPostgresStore(db).SumPending(ctx)
	require.NoError(t, err)
	assertMoney(t, "40.00", pending)

	ids, err := store.SettlementMismatches(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = db.ExecContext(ctx, `UPDATE settlements SET fee = fee + 0.01 WHERE order_id = $1`, done.ID)
	require.NoError(t, err)
	ids, err = store.SettlementMismatches(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{done.ID}, ids)

	n, err := store.CountStuckSettlements(ctx, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPostgresStore_MutationMetricsAfterCommit(t *testing.T) {
	_, db, _ := setupPostgres(t)
	store := NewPostgresStore(db)
	ctx := context.Background()
	holds := func() float64 {
		return promtest.ToFloat64(ledger.MutationsTotal.WithLabelValues(string(ledger.EntryHold)))
	}
	before := holds()

	errAbort := errors.New("abort")
	err := store.Atomic(ctx, func(tx Tx) error {
		if err := tx.ApplyMutation(ctx, ledger.Hold(seller, "ord_rolled_back", money.MustParse("5.00"))); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	assert.Equal(t, before, holds(), "rolled back mutations are not counted")

	err = store.Atomic(ctx, func(tx Tx) error {
		return tx.ApplyMutation(ctx, ledger.Hold(seller, "ord_committed", money.MustParse("5.00")))
	})
	require.NoError(t, err)
	assert.Equal(t, before+1, holds())
}
