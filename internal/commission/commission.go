// Package commission maps a seller's rank to the platform's cut of a sale.
//
// The resolver is a pure table lookup. Callers must pass the rank read at
// settlement time, never the rank the seller had when the order was placed.
package commission

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/lootvault/lootvault/internal/money"
)

// Rank is a seller classification computed by the surrounding system from
// rolling seller metrics.
type Rank string

const (
	RankNova      Rank = "nova"
	RankStar      Rank = "star"
	RankGalaxy    Rank = "galaxy"
	RankSupernova Rank = "supernova"
)

// DefaultRank applies to sellers with no rank on record.
const DefaultRank = RankNova

// rates are percentages.
var rates = map[Rank]decimal.Decimal{
	RankNova:      decimal.RequireFromString("5.00"),
	RankStar:      decimal.RequireFromString("4.50"),
	RankGalaxy:    decimal.RequireFromString("4.00"),
	RankSupernova: decimal.RequireFromString("3.50"),
}

var hundred = decimal.NewFromInt(100)

// ParseRank normalizes a stored rank string. Unknown values map to DefaultRank.
func ParseRank(s string) Rank {
	r := Rank(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := rates[r]; ok {
		return r
	}
	return DefaultRank
}

// Valid reports whether r is a known rank.
func (r Rank) Valid() bool {
	_, ok := rates[r]
	return ok
}

// Rate returns the commission percentage for a rank (4.50 means 4.5%).
func Rate(r Rank) decimal.Decimal {
	if rate, ok := rates[r]; ok {
		return rate
	}
	return rates[DefaultRank]
}

// Split divides a settled amount into the seller payout and the platform fee.
// The fee is rounded half away from zero to cents and the payout is the
// remainder, so payout + fee == amount always holds.
func Split(amount decimal.Decimal, r Rank) (payout, fee decimal.Decimal) {
	fee = money.Round(amount.Mul(Rate(r)).Div(hundred))
	payout = amount.Sub(fee)
	return payout, fee
}

// RankSource supplies the current rank of a seller.
type RankSource interface {
	CurrentRank(ctx context.Context, sellerID string) (Rank, error)
}

// StaticRanks is an in-memory RankSource for development and tests.
type StaticRanks struct {
	mu    sync.RWMutex
	ranks map[string]Rank
}

// NewStaticRanks creates an empty in-memory rank table.
func NewStaticRanks() *StaticRanks {
	return &StaticRanks{ranks: make(map[string]Rank)}
}

// Set records the rank of a seller.
func (s *StaticRanks) Set(sellerID string, r Rank) {
	s.mu.Lock()
	s.ranks[sellerID] = r
	s.mu.Unlock()
}

func (s *StaticRanks) CurrentRank(_ context.Context, sellerID string) (Rank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.ranks[sellerID]; ok {
		return r, nil
	}
	return DefaultRank, nil
}
