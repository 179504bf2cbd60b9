package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex(0)
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "ord_1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestKeyedMutex_ContextCancelledWhileWaiting(t *testing.T) {
	m := NewKeyedMutex(1)
	unlock, err := m.Lock(context.Background(), "ord_1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "ord_2") // single shard, so this waits
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_TryLock(t *testing.T) {
	m := NewKeyedMutex(1)

	unlock, ok := m.TryLock("ord_1")
	require.True(t, ok)
	_, ok = m.TryLock("ord_1")
	assert.False(t, ok)

	unlock()
	unlock, ok = m.TryLock("ord_1")
	require.True(t, ok)
	unlock()
}
