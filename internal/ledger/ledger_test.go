package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lootvault/lootvault/internal/money"
)

func TestMemoryStore_HoldThenRelease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	amount := money.MustParse("100.00")

	_, err := store.Apply(ctx, Hold("seller", "ord-1", amount))
	require.NoError(t, err)

	bal, _ := store.GetBalance(ctx, "seller")
	assert.Equal(t, "100.00", money.Format(bal.Pending))
	assert.True(t, bal.Available.IsZero())

	entries, err := store.Apply(ctx,
		Release("seller", "ord-1", amount, money.MustParse("95.50")),
		Commission("ord-1", money.MustParse("4.50")),
	)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	bal, _ = store.GetBalance(ctx, "seller")
	assert.True(t, bal.Pending.IsZero())
	assert.Equal(t, "95.50", money.Format(bal.Available))
	assert.Equal(t, "95.50", money.Format(bal.TotalEarned))

	platform, _ := store.GetBalance(ctx, PlatformAccount)
	assert.Equal(t, "4.50", money.Format(platform.Available))
}

func TestMemoryStore_ApplyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Apply(ctx,
		Commission("ord-1", money.MustParse("1.00")),
		ReverseHold("seller", "ord-1", money.MustParse("10.00")), // no hold exists
	)
	assert.ErrorIs(t, err, ErrNegativeBalance)

	platform, _ := store.GetBalance(ctx, PlatformAccount)
	assert.True(t, platform.Available.IsZero(), "first mutation must not be applied")

	history, _ := store.GetHistory(ctx, PlatformAccount, 10)
	assert.Empty(t, history)
}

func TestMemoryStore_InvalidMutation(t *testing.T) {
	_, err := NewMemoryStore().Apply(context.Background(), Mutation{Type: EntryHold})
	assert.ErrorIs(t, err, ErrInvalidMutation)
}

func TestMemoryStore_HistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, _ = store.Apply(ctx, Hold("s", "a", money.MustParse("1.00")))
	_, _ = store.Apply(ctx, Hold("s", "b", money.MustParse("2.00")))
	_, _ = store.Apply(ctx, Hold("s", "c", money.MustParse("3.00")))

	history, err := store.GetHistory(ctx, "s", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "c", history[0].OrderID)
	assert.Equal(t, "b", history[1].OrderID)

	total, _ := store.SumPending(ctx)
	assert.Equal(t, "6.00", money.Format(total))
}

func TestMemoryStore_AuditsEveryMutation(t *testing.T) {
	audit := NewMemoryAuditLogger()
	store := NewMemoryStore().WithAudit(audit)
	ctx := WithActor(context.Background(), ActorAdmin, "adm-1")

	_, err := store.Apply(ctx, Hold("seller", "ord-9", money.MustParse("12.34")))
	require.NoError(t, err)

	entries, err := audit.QueryAudit(context.Background(), AuditQuery{Subject: "seller"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "ledger.hold", e.Operation)
	assert.Equal(t, ActorAdmin, e.ActorType)
	assert.Equal(t, "adm-1", e.ActorID)
	assert.Equal(t, "ord-9", e.Reference)
	assert.Contains(t, e.BeforeState, `"pending":"0.00"`)
	assert.Contains(t, e.AfterState, `"pending":"12.34"`)
}

func TestMemoryAuditLogger_Filters(t *testing.T) {
	ctx := context.Background()
	audit := NewMemoryAuditLogger()
	_ = audit.LogAudit(ctx, &AuditEntry{Subject: "ord-1", Operation: "order.verdict"})
	_ = audit.LogAudit(ctx, &AuditEntry{Subject: "ord-1", Operation: "order.transition"})
	_ = audit.LogAudit(ctx, &AuditEntry{Subject: "ord-2", Operation: "order.verdict"})

	all, _ := audit.QueryAudit(ctx, AuditQuery{})
	assert.Len(t, all, 3)

	verdicts, _ := audit.QueryAudit(ctx, AuditQuery{Operation: "order.verdict"})
	assert.Len(t, verdicts, 2)
	assert.Equal(t, "ord-2", verdicts[0].Subject)

	one, _ := audit.QueryAudit(ctx, AuditQuery{Subject: "ord-1", Operation: "order.verdict"})
	assert.Len(t, one, 1)
}

func TestNewAuditEntry_DefaultsToSystemActor(t *testing.T) {
	e := NewAuditEntry(context.Background(), "ord-1", "order.transition", nil, map[string]string{"status": "paid"})
	assert.Equal(t, ActorSystem, e.ActorType)
	assert.Equal(t, "{}", e.BeforeState)
	assert.JSONEq(t, `{"status":"paid"}`, e.AfterState)
}

func TestApply_CountsMutations(t *testing.T) {
	before := testutil.ToFloat64(MutationsTotal.WithLabelValues(string(EntryCommission)))
	_, err := NewMemoryStore().Apply(context.Background(), Commission("ord-m", money.MustParse("2.00")))
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(MutationsTotal.WithLabelValues(string(EntryCommission))))
}

type failingAudit struct{ *MemoryAuditLogger }

func (failingAudit) LogAudit(context.Context, *AuditEntry) error {
	return errors.New("audit store down")
}

func TestMemoryStore_AuditFailureLeavesBalances(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithAudit(failingAudit{NewMemoryAuditLogger()})
	before := testutil.ToFloat64(MutationsTotal.WithLabelValues(string(EntryHold)))

	_, err := store.Apply(ctx, Hold("seller", "ord-1", money.MustParse("10.00")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit ledger.hold")

	bal, _ := store.GetBalance(ctx, "seller")
	assert.True(t, bal.Pending.IsZero())
	history, _ := store.GetHistory(ctx, "seller", 10)
	assert.Empty(t, history)
	assert.Equal(t, before, testutil.ToFloat64(MutationsTotal.WithLabelValues(string(EntryHold))))
}

func TestMemoryStore_CheckDoesNotApply(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Check(ctx, Hold("seller", "ord-1", money.MustParse("10.00"))))
	bal, _ := store.GetBalance(ctx, "seller")
	assert.True(t, bal.Pending.IsZero())

	err := store.Check(ctx, ReverseHold("seller", "ord-1", money.MustParse("10.00")))
	assert.ErrorIs(t, err, ErrNegativeBalance)
}

func TestObserveCommitted(t *testing.T) {
	before := testutil.ToFloat64(MutationsTotal.WithLabelValues(string(EntryRefund)))
	ObserveCommitted(Refund("buyer", "ord-1", money.MustParse("3.00")), Refund("buyer", "ord-2", money.MustParse("4.00")))
	assert.Equal(t, before+2, testutil.ToFloat64(MutationsTotal.WithLabelValues(string(EntryRefund))))
}
