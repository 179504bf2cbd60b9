package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lootvault/lootvault/internal/ledger"
	"github.com/lootvault/lootvault/internal/pagination"
)

// Store persists orders, dispute cases, settlement records and the
// auto-delivery code pools. All writes go through Atomic.
type Store interface {
	Get(ctx context.Context, id string) (*Order, error)
	// ListByUser returns the user's orders newest first, starting strictly
	// after the cursor position when one is given.
	ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Order, error)
	// ListDeliveryExpired returns delivered orders whose AutoCompleteAt is
	// strictly before now, oldest deadline first.
	ListDeliveryExpired(ctx context.Context, now time.Time, limit int) ([]*Order, error)
	ListSettlementPending(ctx context.Context, limit int) ([]*Order, error)
	ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*DisputeCase, error)
	GetDispute(ctx context.Context, orderID string) (*DisputeCase, error)
	GetSettlement(ctx context.Context, orderID string) (*Settlement, error)

	// AddCodes appends codes to a listing's pool and returns the number of
	// unclaimed codes. The first seller to stock a listing owns it; other
	// sellers get ErrUnauthorized.
	AddCodes(ctx context.Context, listingID, sellerID string, codes []string) (int, error)
	Stock(ctx context.Context, listingID string) (int, error)

	// Atomic runs fn as one unit of work. Nothing fn wrote is visible to
	// anyone if it returns an error.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write side of a unit of work.
type Tx interface {
	Get(ctx context.Context, id string) (*Order, error)
	Insert(ctx context.Context, o *Order) error
	// CompareAndSwap writes o only if the stored status still equals from.
	// It returns ErrConcurrencyLost otherwise.
	CompareAndSwap(ctx context.Context, o *Order, from Status) error
	// CompareAndSwapSettlement writes o only if the stored status equals
	// o.Status and the stored settlement state equals from.
	CompareAndSwapSettlement(ctx context.Context, o *Order, from SettlementState) error

	GetDispute(ctx context.Context, orderID string) (*DisputeCase, error)
	InsertDispute(ctx context.Context, d *DisputeCase) error
	CompareAndSwapDispute(ctx context.Context, d *DisputeCase, from DisputeStatus) error

	// ClaimCodes assigns n unclaimed codes of the seller's listing to the
	// order. Fewer than n available claims nothing and returns ErrOutOfStock.
	ClaimCodes(ctx context.Context, listingID, sellerID, orderID string, n int) ([]string, error)

	ApplyMutation(ctx context.Context, m ledger.Mutation) error
	// InsertSettlement returns ErrAlreadySettled if the order already has one.
	InsertSettlement(ctx context.Context, s *Settlement) error
	// CompleteRefund stamps the processor refund on the settlement record.
	CompleteRefund(ctx context.Context, orderID, refundID string, amount decimal.Decimal, at time.Time) error
	LogAudit(ctx context.Context, e *ledger.AuditEntry) error
}
