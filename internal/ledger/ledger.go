// Package ledger tracks marketplace balances.
//
// Balances only change through Mutations produced by the escrow settlement
// engine and applied inside the same unit of work as the order transition
// that caused them:
//  1. Order paid: seller pending += amount (escrow hold)
//  2. Order completed: hold released, seller available += payout, platform += fee
//  3. Order refunded or cancelled: hold reversed, buyer refund recorded once
//     the processor confirms it
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// PlatformAccount accumulates commission.
const PlatformAccount = "platform"

var (
	ErrNegativeBalance = errors.New("balance would become negative")
	ErrInvalidMutation = errors.New("invalid ledger mutation")
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryHold         EntryType = "hold"          // seller pending += amount
	EntryHoldReversed EntryType = "hold_reversed" // seller pending -= amount, funds go back to buyer
	EntryPayout       EntryType = "payout"        // hold released to seller available
	EntryCommission   EntryType = "commission"    // platform fee
	EntryRefund       EntryType = "refund"        // buyer refunded by the processor
)

// Entry represents a ledger entry.
type Entry struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Type        EntryType       `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	OrderID     string          `json:"orderId,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Balance represents a user's balance.
type Balance struct {
	UserID        string          `json:"userId"`
	Available     decimal.Decimal `json:"available"`
	Pending       decimal.Decimal `json:"pending"` // escrow holds awaiting settlement
	TotalEarned   decimal.Decimal `json:"totalEarned"`
	TotalRefunded decimal.Decimal `json:"totalRefunded"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func zeroBalance(userID string) *Balance {
	return &Balance{UserID: userID, UpdatedAt: time.Now()}
}

// Mutation is a set of signed deltas against one user's balance plus the
// entry describing it. Amount is the absolute value recorded on the entry.
type Mutation struct {
	UserID      string
	Type        EntryType
	Amount      decimal.Decimal
	OrderID     string
	Description string

	Available decimal.Decimal
	Pending   decimal.Decimal
	Earned    decimal.Decimal
	Refunded  decimal.Decimal
}

// Validate checks the mutation is well formed.
func (m Mutation) Validate() error {
	if m.UserID == "" || m.Type == "" {
		return ErrInvalidMutation
	}
	if m.Amount.IsNegative() {
		return ErrInvalidMutation
	}
	return nil
}

// apply returns the balance after the mutation, or ErrNegativeBalance.
func (m Mutation) apply(before Balance, now time.Time) (Balance, error) {
	after := before
	after.Available = before.Available.Add(m.Available)
	after.Pending = before.Pending.Add(m.Pending)
	after.TotalEarned = before.TotalEarned.Add(m.Earned)
	after.TotalRefunded = before.TotalRefunded.Add(m.Refunded)
	after.UpdatedAt = now
	if after.Available.IsNegative() || after.Pending.IsNegative() {
		return before, ErrNegativeBalance
	}
	return after, nil
}

// Hold places an escrow hold on the seller's pending balance.
func Hold(sellerID, orderID string, amount decimal.Decimal) Mutation {
	return Mutation{
		UserID: sellerID, Type: EntryHold, Amount: amount, OrderID: orderID,
		Description: "escrow hold", Pending: amount,
	}
}

// Release clears the hold and credits the seller payout.
func Release(sellerID, orderID string, held, payout decimal.Decimal) Mutation {
	return Mutation{
		UserID: sellerID, Type: EntryPayout, Amount: payout, OrderID: orderID,
		Description: "escrow released", Pending: held.Neg(), Available: payout, Earned: payout,
	}
}

// Commission credits the platform fee.
func Commission(orderID string, fee decimal.Decimal) Mutation {
	return Mutation{
		UserID: PlatformAccount, Type: EntryCommission, Amount: fee, OrderID: orderID,
		Description: "commission", Available: fee, Earned: fee,
	}
}

// ReverseHold clears (part of) the hold without paying the seller.
func ReverseHold(sellerID, orderID string, amount decimal.Decimal) Mutation {
	return Mutation{
		UserID: sellerID, Type: EntryHoldReversed, Amount: amount, OrderID: orderID,
		Description: "escrow reversed", Pending: amount.Neg(),
	}
}

// Refund records money returned to the buyer by the payment processor.
func Refund(buyerID, orderID string, amount decimal.Decimal) Mutation {
	return Mutation{
		UserID: buyerID, Type: EntryRefund, Amount: amount, OrderID: orderID,
		Description: "refund", Refunded: amount,
	}
}

// Store persists ledger data. Writes happen only through the escrow unit of
// work (MemoryStore.Apply or ApplyTx); Store is the read side.
type Store interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error)
	SumPending(ctx context.Context) (decimal.Decimal, error)
}

// Service exposes balances, history and the audit trail.
type Service struct {
	store Store
	audit AuditLogger
}

// NewService creates a new ledger service.
func NewService(store Store, audit AuditLogger) *Service {
	return &Service{store: store, audit: audit}
}

// GetBalance returns a user's current balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return s.store.GetBalance(ctx, userID)
}

// GetHistory returns ledger entries for a user, newest first.
func (s *Service) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.GetHistory(ctx, userID, limit)
}

// SumPending returns the total of all escrow holds.
func (s *Service) SumPending(ctx context.Context) (decimal.Decimal, error) {
	return s.store.SumPending(ctx)
}

// QueryAudit searches the audit trail.
func (s *Service) QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error) {
	if s.audit == nil {
		return []*AuditEntry{}, nil
	}
	return s.audit.QueryAudit(ctx, q)
}
