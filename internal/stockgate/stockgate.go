// Package stockgate is an admission gate for auto-delivery code pools. It
// keeps a counter per listing and turns buyers away before they reach the
// database when a hot listing is sold out.
//
// The gate is advisory. The database claim stays the source of truth: a
// Granted admission can still end in out-of-stock, and callers Release the
// admission whenever the claim does not go through.
package stockgate

import (
	"context"
	"sync"
)

// Admission is the gate's answer for one claim attempt.
type Admission int

const (
	// Untracked means the gate has no counter for the listing; the caller
	// proceeds to the store and should Set the counter afterwards.
	Untracked Admission = iota
	Granted
	Denied
)

func (a Admission) String() string {
	switch a {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "untracked"
	}
}

// Gate counts remaining stock per listing.
type Gate interface {
	Acquire(ctx context.Context, listingID string, n int) (Admission, error)
	Release(ctx context.Context, listingID string, n int) error
	Set(ctx context.Context, listingID string, stock int) error
}

// MemoryGate is a process-local Gate for demo/development mode.
type MemoryGate struct {
	mu    sync.Mutex
	stock map[string]int
}

// NewMemoryGate creates an empty gate; every listing starts untracked.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{stock: make(map[string]int)}
}

func (g *MemoryGate) Acquire(_ context.Context, listingID string, n int) (Admission, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	left, ok := g.stock[listingID]
	if !ok {
		return Untracked, nil
	}
	if left < n {
		return Denied, nil
	}
	g.stock[listingID] = left - n
	return Granted, nil
}

func (g *MemoryGate) Release(_ context.Context, listingID string, n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.stock[listingID]; ok {
		g.stock[listingID] += n
	}
	return nil
}

func (g *MemoryGate) Set(_ context.Context, listingID string, stock int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stock[listingID] = stock
	return nil
}

var _ Gate = (*MemoryGate)(nil)
