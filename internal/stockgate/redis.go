package stockgate

import (
	"context"
	"fmt"

	"github.com/mediocregopher/radix/v3"
)

const stockKeyFormat = "lootvault:stock:%s"

// RedisGate shares the stock counters between API instances. Acquire is a
// DECRBY with an INCRBY rollback when the counter goes negative.
type RedisGate struct {
	client radix.Client
}

// NewRedisGate wraps an existing radix client (pool or single conn).
func NewRedisGate(client radix.Client) *RedisGate {
	return &RedisGate{client: client}
}

// Dial opens a connection pool to addr.
func Dial(addr string) (*RedisGate, error) {
	pool, err := radix.NewPool("tcp", addr, 10)
	if err != nil {
		return nil, fmt.Errorf("redis pool: %w", err)
	}
	return NewRedisGate(pool), nil
}

func stockKey(listingID string) string {
	return fmt.Sprintf(stockKeyFormat, listingID)
}

func (g *RedisGate) Acquire(_ context.Context, listingID string, n int) (Admission, error) {
	key := stockKey(listingID)

	var exists int
	if err := g.client.Do(radix.Cmd(&exists, "EXISTS", key)); err != nil {
		return Untracked, err
	}
	if exists == 0 {
		return Untracked, nil
	}

	var left int
	if err := g.client.Do(radix.FlatCmd(&left, "DECRBY", key, n)); err != nil {
		return Untracked, err
	}
	if left < 0 {
		if err := g.client.Do(radix.FlatCmd(nil, "INCRBY", key, n)); err != nil {
			return Denied, fmt.Errorf("rollback %s: %w", key, err)
		}
		return Denied, nil
	}
	return Granted, nil
}

func (g *RedisGate) Release(_ context.Context, listingID string, n int) error {
	return g.client.Do(radix.FlatCmd(nil, "INCRBY", stockKey(listingID), n))
}

func (g *RedisGate) Set(_ context.Context, listingID string, stock int) error {
	return g.client.Do(radix.FlatCmd(nil, "SET", stockKey(listingID), stock))
}

// Ping checks that Redis answers, for the health registry.
func (g *RedisGate) Ping(_ context.Context) error {
	return g.client.Do(radix.Cmd(nil, "PING"))
}

// Close releases the underlying connections.
func (g *RedisGate) Close() error {
	return g.client.Close()
}

var _ Gate = (*RedisGate)(nil)
