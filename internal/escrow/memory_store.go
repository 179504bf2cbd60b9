package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lootvault/lootvault/internal/ledger"
	"github.com/lootvault/lootvault/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// A unit of work holds the write lock from start to commit, so every
// compare-and-swap inside it sees the latest committed state.
type MemoryStore struct {
	orders      map[string]*Order
	disputes    map[string]*DisputeCase // by order id
	settlements map[string]*Settlement  // by order id
	pools       map[string]*codePool    // by listing id
	balances    *ledger.MemoryStore
	audit       ledger.AuditLogger
	mu          sync.RWMutex
}

type codePool struct {
	sellerID string
	free     []string
	claimed  map[string][]string // order id -> codes
}

// NewMemoryStore creates an in-memory escrow store. Balance mutations are
// applied to balances when a unit of work commits. balances audits its own
// mutations; give it the same logger with ledger.MemoryStore.WithAudit.
func NewMemoryStore(balances *ledger.MemoryStore, audit ledger.AuditLogger) *MemoryStore {
	if balances == nil {
		balances = ledger.NewMemoryStore()
		if audit != nil {
			balances.WithAudit(audit)
		}
	}
	return &MemoryStore{
		orders:      make(map[string]*Order),
		disputes:    make(map[string]*DisputeCase),
		settlements: make(map[string]*Settlement),
		pools:       make(map[string]*codePool),
		balances:    balances,
		audit:       audit,
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.clone(), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, after *pagination.Cursor, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if !o.IsParty(userID) {
			continue
		}
		if after != nil && !o.CreatedAt.Before(after.CreatedAt) &&
			!(o.CreatedAt.Equal(after.CreatedAt) && o.ID < after.ID) {
			continue
		}
		result = append(result, o.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListDeliveryExpired(_ context.Context, now time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.DeliveryExpired(now) {
			result = append(result, o.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AutoCompleteAt.Before(*result[j].AutoCompleteAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListSettlementPending(_ context.Context, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Settlement == SettlementPending {
			result = append(result, o.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListDisputes(_ context.Context, status DisputeStatus, limit int) ([]*DisputeCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*DisputeCase
	for _, d := range m.disputes {
		if status == "" || d.Status == status {
			result = append(result, d.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenedAt.Before(result[j].OpenedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetDispute(_ context.Context, orderID string) (*DisputeCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[orderID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) GetSettlement(_ context.Context, orderID string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.settlements[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *s
	return &cp, nil
}

// SumHeld returns the total amount of orders whose hold is outstanding.
func (m *MemoryStore) SumHeld(_ context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, o := range m.orders {
		if o.Status.Held() {
			total = total.Add(o.Amount)
		}
	}
	return total, nil
}

// CountStuckSettlements counts pending settlements last touched before t.
func (m *MemoryStore) CountStuckSettlements(_ context.Context, before time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, o := range m.orders {
		if o.Settlement == SettlementPending && o.UpdatedAt.Before(before) {
			n++
		}
	}
	return n, nil
}

// SettlementMismatches returns completed orders whose settlement record is
// missing or does not add up to the order amount.
func (m *MemoryStore) SettlementMismatches(_ context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, o := range m.orders {
		if o.Status != StatusCompleted {
			continue
		}
		s, ok := m.settlements[id]
		if !ok || !s.Balanced(o.Amount) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemoryStore) AddCodes(_ context.Context, listingID, sellerID string, codes []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[listingID]
	if !ok {
		pool = &codePool{sellerID: sellerID, claimed: make(map[string][]string)}
		m.pools[listingID] = pool
	}
	if pool.sellerID != sellerID {
		return 0, ErrUnauthorized
	}
	pool.free = append(pool.free, codes...)
	return len(pool.free), nil
}

func (m *MemoryStore) Stock(_ context.Context, listingID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if pool, ok := m.pools[listingID]; ok {
		return len(pool.free), nil
	}
	return 0, nil
}

// Atomic stages every write of fn and commits them together, balance
// mutations first. A rejected mutation or a failed audit write discards the
// whole unit of work.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		store:       m,
		orders:      make(map[string]*Order),
		disputes:    make(map[string]*DisputeCase),
		settlements: make(map[string]*Settlement),
		consumed:    make(map[string]int),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.balances.Check(ctx, tx.mutations...); err != nil {
		return err
	}
	if m.audit != nil {
		for _, e := range tx.audits {
			if err := m.audit.LogAudit(ctx, e); err != nil {
				return fmt.Errorf("audit %s: %w", e.Operation, err)
			}
		}
	}
	if _, err := m.balances.Apply(ctx, tx.mutations...); err != nil {
		return err
	}

	for id, o := range tx.orders {
		m.orders[id] = o
	}
	for id, d := range tx.disputes {
		m.disputes[id] = d
	}
	for id, s := range tx.settlements {
		m.settlements[id] = s
	}
	for listingID, n := range tx.consumed {
		pool := m.pools[listingID]
		pool.free = pool.free[n:]
	}
	for _, c := range tx.claims {
		m.pools[c.listingID].claimed[c.orderID] = c.codes
	}
	return nil
}

type codeClaim struct {
	listingID string
	orderID   string
	codes     []string
}

type memoryTx struct {
	store       *MemoryStore
	orders      map[string]*Order
	disputes    map[string]*DisputeCase
	settlements map[string]*Settlement
	consumed    map[string]int
	claims      []codeClaim
	mutations   []ledger.Mutation
	audits      []*ledger.AuditEntry
}

func (t *memoryTx) current(id string) (*Order, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	o, ok := t.store.orders[id]
	return o, ok
}

func (t *memoryTx) Get(_ context.Context, id string) (*Order, error) {
	o, ok := t.current(id)
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.clone(), nil
}

func (t *memoryTx) Insert(_ context.Context, o *Order) error {
	if _, exists := t.current(o.ID); exists {
		return ErrInvalidRequest
	}
	o.Version = 1
	t.orders[o.ID] = o.clone()
	return nil
}

func (t *memoryTx) CompareAndSwap(_ context.Context, o *Order, from Status) error {
	cur, ok := t.current(o.ID)
	if !ok {
		return ErrOrderNotFound
	}
	if cur.Status != from {
		return ErrConcurrencyLost
	}
	t.write(o, cur)
	return nil
}

func (t *memoryTx) CompareAndSwapSettlement(_ context.Context, o *Order, from SettlementState) error {
	cur, ok := t.current(o.ID)
	if !ok {
		return ErrOrderNotFound
	}
	if cur.Status != o.Status || cur.Settlement != from {
		return ErrConcurrencyLost
	}
	t.write(o, cur)
	return nil
}

func (t *memoryTx) write(o, cur *Order) {
	o.Version = cur.Version + 1
	o.UpdatedAt = time.Now()
	t.orders[o.ID] = o.clone()
}

func (t *memoryTx) currentDispute(orderID string) (*DisputeCase, bool) {
	if d, ok := t.disputes[orderID]; ok {
		return d, true
	}
	d, ok := t.store.disputes[orderID]
	return d, ok
}

func (t *memoryTx) GetDispute(_ context.Context, orderID string) (*DisputeCase, error) {
	d, ok := t.currentDispute(orderID)
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.clone(), nil
}

func (t *memoryTx) InsertDispute(_ context.Context, d *DisputeCase) error {
	if _, exists := t.currentDispute(d.OrderID); exists {
		return ErrDisputeExists
	}
	t.disputes[d.OrderID] = d.clone()
	return nil
}

func (t *memoryTx) CompareAndSwapDispute(_ context.Context, d *DisputeCase, from DisputeStatus) error {
	cur, ok := t.currentDispute(d.OrderID)
	if !ok {
		return ErrDisputeNotFound
	}
	if cur.Status != from || (cur.AdminID != "" && cur.AdminID != d.AdminID) {
		return ErrConcurrencyLost
	}
	t.disputes[d.OrderID] = d.clone()
	return nil
}

func (t *memoryTx) ClaimCodes(_ context.Context, listingID, sellerID, orderID string, n int) ([]string, error) {
	pool, ok := t.store.pools[listingID]
	if !ok || pool.sellerID != sellerID {
		return nil, ErrOutOfStock
	}
	start := t.consumed[listingID]
	if len(pool.free)-start < n {
		return nil, ErrOutOfStock
	}
	codes := append([]string(nil), pool.free[start:start+n]...)
	t.consumed[listingID] = start + n
	t.claims = append(t.claims, codeClaim{listingID: listingID, orderID: orderID, codes: codes})
	return codes, nil
}

func (t *memoryTx) ApplyMutation(_ context.Context, m ledger.Mutation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	t.mutations = append(t.mutations, m)
	return nil
}

func (t *memoryTx) InsertSettlement(_ context.Context, s *Settlement) error {
	if _, ok := t.settlements[s.OrderID]; ok {
		return ErrAlreadySettled
	}
	if _, ok := t.store.settlements[s.OrderID]; ok {
		return ErrAlreadySettled
	}
	cp := *s
	t.settlements[s.OrderID] = &cp
	return nil
}

func (t *memoryTx) CompleteRefund(_ context.Context, orderID, refundID string, amount decimal.Decimal, at time.Time) error {
	s, ok := t.settlements[orderID]
	if !ok {
		committed, exists := t.store.settlements[orderID]
		if !exists {
			return ErrOrderNotFound
		}
		cp := *committed
		s = &cp
	}
	if s.RefundID != "" {
		return ErrAlreadySettled
	}
	s.RefundID = refundID
	s.Refund = amount
	s.RefundedAt = &at
	t.settlements[orderID] = s
	return nil
}

func (t *memoryTx) LogAudit(_ context.Context, e *ledger.AuditEntry) error {
	t.audits = append(t.audits, e)
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memoryTx)(nil)
)
