package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory subscription store for development and tests.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sub), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			result = append(result, clone(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) MarkSuccess(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.LastSuccess = &at
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	return nil
}

func (m *MemoryStore) MarkFailure(_ context.Context, id, reason string, maxFailures int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return false, ErrNotFound
	}
	sub.LastError = reason
	sub.ConsecutiveFailures++
	if maxFailures > 0 && sub.ConsecutiveFailures >= maxFailures {
		sub.Active = false
	}
	return sub.Active, nil
}

func clone(sub *Subscription) *Subscription {
	cp := *sub
	cp.Events = append(cp.Events[:0:0], sub.Events...)
	if sub.LastSuccess != nil {
		t := *sub.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
