package receipts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBuyer  = "usr_buyer"
	testSeller = "usr_seller"
	testSecret = "test-hmac-secret-for-receipts"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestService() (*Service, *MemoryStore, *testClock) {
	store := NewMemoryStore()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewService(store, NewSigner(testSecret)).WithClock(clock.Now), store, clock
}

func payout(orderID string) IssueRequest {
	return IssueRequest{
		Kind:      KindPayout,
		OrderID:   orderID,
		Payer:     testBuyer,
		Payee:     testSeller,
		Amount:    "95.50",
		Fee:       "4.50",
		Reference: "pi_" + orderID,
	}
}

func TestIssue_SignsAndStores(t *testing.T) {
	svc, store, clock := newTestService()
	ctx := context.Background()

	r, err := svc.Issue(ctx, payout("ord_1"))
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Contains(t, r.ID, "rcpt_")
	assert.Len(t, r.Signature, 64)
	assert.Len(t, r.PayloadHash, 64)
	assert.Equal(t, clock.now, r.IssuedAt)
	assert.Equal(t, clock.now.Add(DefaultValidity), r.ExpiresAt)

	stored, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Signature, stored.Signature)
	assert.Equal(t, "4.50", stored.Fee)
}

func TestIssue_RequiresOrderPartiesAndAmount(t *testing.T) {
	svc, _, _ := newTestService()

	req := payout("ord_1")
	req.Payee = ""
	_, err := svc.Issue(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestIssue_DisabledWithoutSecret(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, NewSigner(""))

	r, err := svc.Issue(context.Background(), payout("ord_1"))
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.False(t, svc.Enabled())

	list, _ := store.ListByOrder(context.Background(), "ord_1")
	assert.Empty(t, list)

	var nilSvc *Service
	r, err = nilSvc.Issue(context.Background(), payout("ord_1"))
	assert.NoError(t, err)
	assert.Nil(t, r)
}

func TestVerify(t *testing.T) {
	svc, _, clock := newTestService()
	ctx := context.Background()
	r, err := svc.Issue(ctx, payout("ord_1"))
	require.NoError(t, err)

	resp, err := svc.Verify(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.False(t, resp.Expired)

	clock.now = r.ExpiresAt.Add(time.Second)
	resp, err = svc.Verify(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.True(t, resp.Expired)

	resp, err = svc.Verify(ctx, "rcpt_missing")
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, ErrNotFound.Error(), resp.Error)
}

func TestVerify_DetectsTampering(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	r, err := svc.Issue(ctx, payout("ord_1"))
	require.NoError(t, err)

	// Rewrite the stored amount behind the service's back.
	store.mu.Lock()
	store.receipts[r.ID].Amount = "995.50"
	store.mu.Unlock()

	resp, err := svc.Verify(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, "signature verification failed", resp.Error)
}

func TestVerify_SigningDisabled(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	resp, err := svc.Verify(context.Background(), "rcpt_1")
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, ErrSigningDisabled.Error(), resp.Error)
}

func TestListByUser_BothSidesNewestFirst(t *testing.T) {
	svc, _, clock := newTestService()
	ctx := context.Background()

	first, err := svc.Issue(ctx, payout("ord_1"))
	require.NoError(t, err)
	clock.now = clock.now.Add(time.Minute)
	second, err := svc.Issue(ctx, IssueRequest{
		Kind: KindRefund, OrderID: "ord_2", Payer: testSeller, Payee: testBuyer, Amount: "20.00", Reference: "re_1",
	})
	require.NoError(t, err)
	_, err = svc.Issue(ctx, IssueRequest{
		Kind: KindPayout, OrderID: "ord_3", Payer: "usr_other", Payee: "usr_third", Amount: "1.00",
	})
	require.NoError(t, err)

	list, err := svc.ListByUser(ctx, testBuyer, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	list, err = svc.ListByUser(ctx, testSeller, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	byOrder, err := svc.ListByOrder(ctx, "ord_2")
	require.NoError(t, err)
	require.Len(t, byOrder, 1)
	assert.Equal(t, KindRefund, byOrder[0].Kind)
}

func TestSigner(t *testing.T) {
	s := NewSigner(testSecret)
	p := payload{Amount: "1.00", Kind: "payout", OrderID: "ord_1"}

	sig, err := s.Sign(p)
	require.NoError(t, err)
	assert.True(t, s.Verify(p, sig))
	assert.False(t, NewSigner("other-secret").Verify(p, sig))

	p.Amount = "1.01"
	assert.False(t, s.Verify(p, sig))

	var disabled *Signer
	_, err = disabled.Sign(p)
	assert.ErrorIs(t, err, ErrSigningDisabled)
	assert.False(t, disabled.Verify(p, sig))
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), "rcpt_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
