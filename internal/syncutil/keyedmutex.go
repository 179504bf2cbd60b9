// Package syncutil provides synchronization helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

const defaultShards = 256

// KeyedMutex serializes work per key (an order id, say) over a fixed pool
// of channel-backed locks, so memory stays bounded however many keys are
// seen. Keys that hash to the same shard wait on each other.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with n shards (256 if n <= 0).
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = defaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock blocks until the key's shard is free or ctx is done. On success the
// caller must call the returned unlock exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shards[m.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the key's shard only if it is free right now.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	ch := m.shards[m.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

func (m *KeyedMutex) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
