package conversation

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory conversation store for demo/development mode.
type MemoryStore struct {
	conversations map[string]*Conversation
	messages      map[string][]*Message
	mu            sync.RWMutex
}

// NewMemoryStore creates a new in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
	}
}

func (m *MemoryStore) Ensure(_ context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[c.OrderID]; ok {
		return nil
	}
	m.conversations[c.OrderID] = clone(c)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, orderID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (m *MemoryStore) MarkDisputed(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[orderID]
	if !ok {
		return ErrNotFound
	}
	c.Disputed = true
	return nil
}

func (m *MemoryStore) Append(_ context.Context, msg *Message, join *Participant) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[msg.OrderID]
	if !ok {
		return false, ErrNotFound
	}
	joined := false
	if join != nil {
		if _, member := c.Member(join.UserID); !member {
			c.Participants = append(c.Participants, *join)
			joined = true
		}
	}
	cp := *msg
	m.messages[msg.OrderID] = append(m.messages[msg.OrderID], &cp)
	return joined, nil
}

// Messages returns the newest limit messages, oldest first.
func (m *MemoryStore) Messages(_ context.Context, orderID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[orderID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	result := make([]*Message, 0, len(all))
	for _, msg := range all {
		cp := *msg
		result = append(result, &cp)
	}
	return result, nil
}

func clone(c *Conversation) *Conversation {
	cp := *c
	cp.Participants = append([]Participant(nil), c.Participants...)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
