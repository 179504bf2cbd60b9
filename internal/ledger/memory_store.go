package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lootvault/lootvault/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	audit    AuditLogger
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make([]*Entry, 0),
	}
}

// WithAudit records an audit entry for every applied mutation.
func (m *MemoryStore) WithAudit(a AuditLogger) *MemoryStore {
	m.audit = a
	return m
}

func (m *MemoryStore) GetBalance(_ context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	return zeroBalance(userID), nil
}

func (m *MemoryStore) GetHistory(_ context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*Entry{}
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if e := m.entries[i]; e.UserID == userID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) SumPending(_ context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, b := range m.balances {
		total = total.Add(b.Pending)
	}
	return total, nil
}

// Apply applies the mutations all-or-nothing. If any mutation is invalid,
// would drive a balance negative or cannot be audited, nothing changes.
func (m *MemoryStore) Apply(ctx context.Context, muts ...Mutation) ([]*Entry, error) {
	if len(muts) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.stage(ctx, muts)
	if err != nil {
		return nil, err
	}
	if m.audit != nil {
		for _, a := range st.audits {
			if err := m.audit.LogAudit(ctx, a); err != nil {
				return nil, fmt.Errorf("audit %s: %w", a.Operation, err)
			}
		}
	}

	for userID, bal := range st.balances {
		b := bal
		m.balances[userID] = &b
	}
	m.entries = append(m.entries, st.entries...)
	ObserveCommitted(muts...)
	return st.entries, nil
}

// Check reports whether Apply would accept muts right now without changing
// anything.
func (m *MemoryStore) Check(ctx context.Context, muts ...Mutation) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, err := m.stage(ctx, muts)
	return err
}

type staged struct {
	balances map[string]Balance
	entries  []*Entry
	audits   []*AuditEntry
}

// stage computes the balances after muts. Callers hold m.mu.
func (m *MemoryStore) stage(ctx context.Context, muts []Mutation) (*staged, error) {
	now := time.Now()
	st := &staged{
		balances: make(map[string]Balance),
		entries:  make([]*Entry, 0, len(muts)),
		audits:   make([]*AuditEntry, 0, len(muts)),
	}
	for _, mut := range muts {
		if err := mut.Validate(); err != nil {
			return nil, err
		}
		before, ok := st.balances[mut.UserID]
		if !ok {
			if b, exists := m.balances[mut.UserID]; exists {
				before = *b
			} else {
				before = *zeroBalance(mut.UserID)
			}
		}
		after, err := mut.apply(before, now)
		if err != nil {
			return nil, err
		}
		st.balances[mut.UserID] = after
		st.entries = append(st.entries, &Entry{
			ID:          idgen.New(),
			UserID:      mut.UserID,
			Type:        mut.Type,
			Amount:      mut.Amount,
			OrderID:     mut.OrderID,
			Description: mut.Description,
			CreatedAt:   now,
		})
		st.audits = append(st.audits, mutationAudit(ctx, mut, before, after))
	}
	return st, nil
}

// Accounts returns all user ids with a balance row, sorted.
func (m *MemoryStore) Accounts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.balances))
	for id := range m.balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var _ Store = (*MemoryStore)(nil)
