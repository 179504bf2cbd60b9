// Package escrow implements the order lifecycle of the marketplace: buyer
// funds are held from payment until delivery is confirmed, released or
// reversed under the buyer protection window, escalated into admin
// mediation when disputed, and settled with a rank-based commission.
//
// Flow:
//  1. Buyer places an order (pending) and pays (paid, seller pending += amount)
//  2. Seller delivers manually or the listing's code pool auto-delivers
//  3. Buyer confirms, or the sweep completes the order once the window passes
//  4. Within the window the buyer may open a dispute; an admin issues a verdict
//
// Every transition is a compare-and-swap on the order's status inside one
// unit of work that also writes the balance mutations and audit entries.
package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/lootvault/lootvault/internal/commission"
)

// DefaultProtectionWindow is how long a buyer may dispute after delivery.
const DefaultProtectionWindow = 48 * time.Hour

// Status represents the lifecycle state of an order.
type Status string

const (
	StatusPending       Status = "pending"
	StatusPaid          Status = "paid"
	StatusDelivered     Status = "delivered"
	StatusDisputeRaised Status = "dispute_raised"
	StatusCompleted     Status = "completed"
	StatusRefunded      Status = "refunded"
	StatusCancelled     Status = "cancelled"
)

// IsTerminal reports whether no further status transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRefunded || s == StatusCancelled
}

// Held reports whether the seller's escrow hold is still outstanding.
func (s Status) Held() bool {
	return s == StatusPaid || s == StatusDelivered || s == StatusDisputeRaised
}

// Resolution records how a dispute ended.
type Resolution string

const (
	ResolutionNone        Resolution = ""
	ResolutionBuyerFavor  Resolution = "buyer_favor"
	ResolutionSellerFavor Resolution = "seller_favor"
	ResolutionSplit       Resolution = "split"
)

// SettlementState tracks money movement after the order reaches a terminal
// status. Pending means a processor refund is still outstanding.
type SettlementState string

const (
	SettlementNone    SettlementState = "none"
	SettlementPending SettlementState = "pending"
	SettlementSettled SettlementState = "settled"
)

// Listing is the snapshot of the catalog listing taken at purchase time.
type Listing struct {
	ListingID string          `json:"listingId"`
	Title     string          `json:"title"`
	Game      string          `json:"game,omitempty"`
	Category  string          `json:"category,omitempty"`
	ImageURL  string          `json:"imageUrl,omitempty"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Order is a purchase held in escrow.
type Order struct {
	ID           string          `json:"id"`
	BuyerID      string          `json:"buyerId"`
	SellerID     string          `json:"sellerId"`
	Listing      Listing         `json:"listing"`
	Quantity     int             `json:"quantity"`
	Amount       decimal.Decimal `json:"amount"`
	Status       Status          `json:"status"`
	AutoDelivery bool            `json:"autoDelivery"`
	PaymentRef   string          `json:"paymentRef,omitempty"`

	CreatedAt       time.Time  `json:"createdAt"`
	PaidAt          *time.Time `json:"paidAt,omitempty"`
	DeliveredAt     *time.Time `json:"deliveredAt,omitempty"`
	AutoCompleteAt  *time.Time `json:"autoCompleteAt,omitempty"` // DeliveredAt + window, never moved
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	DisputeRaisedAt *time.Time `json:"disputeRaisedAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	RefundedAt      *time.Time `json:"refundedAt,omitempty"` // processor refund confirmed

	DisputeReason string           `json:"disputeReason,omitempty"`
	Resolution    Resolution       `json:"resolution,omitempty"`
	SplitRefund   *decimal.Decimal `json:"splitRefund,omitempty"`
	CancelReason  string           `json:"cancelReason,omitempty"`

	// DeliveryPayload holds codes or credentials. Only the buyer can fetch
	// it, through a dedicated endpoint.
	DeliveryPayload string `json:"-"`

	Settlement         SettlementState `json:"settlement"`
	SettlementAttempts int             `json:"settlementAttempts,omitempty"`
	SettlementError    string          `json:"settlementError,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
	Version   int64     `json:"version"`
}

func (o *Order) clone() *Order {
	cp := *o
	cp.PaidAt = cloneTime(o.PaidAt)
	cp.DeliveredAt = cloneTime(o.DeliveredAt)
	cp.AutoCompleteAt = cloneTime(o.AutoCompleteAt)
	cp.CompletedAt = cloneTime(o.CompletedAt)
	cp.DisputeRaisedAt = cloneTime(o.DisputeRaisedAt)
	cp.CancelledAt = cloneTime(o.CancelledAt)
	cp.RefundedAt = cloneTime(o.RefundedAt)
	if o.SplitRefund != nil {
		v := *o.SplitRefund
		cp.SplitRefund = &v
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// IsParty reports whether userID is the buyer or the seller.
func (o *Order) IsParty(userID string) bool {
	return userID != "" && (userID == o.BuyerID || userID == o.SellerID)
}

// WithinProtectionWindow reports whether a dispute may still be opened at
// now. The deadline itself is inside the window: at exactly
// DeliveredAt+48h0s the buyer can still dispute.
func (o *Order) WithinProtectionWindow(now time.Time) bool {
	return o.AutoCompleteAt != nil && !now.After(*o.AutoCompleteAt)
}

// DeliveryExpired reports whether the sweep may auto-complete the order.
// True only strictly after the deadline, so it never overlaps with
// WithinProtectionWindow.
func (o *Order) DeliveryExpired(now time.Time) bool {
	return o.Status == StatusDelivered && o.AutoCompleteAt != nil && now.After(*o.AutoCompleteAt)
}

// RefundDue is the amount owed back to the buyer once the order is terminal.
func (o *Order) RefundDue() decimal.Decimal {
	switch {
	case o.Status == StatusRefunded:
		return o.Amount
	case o.Status == StatusCancelled && o.PaidAt != nil:
		return o.Amount
	case o.Status == StatusCancelled && o.PaymentRef != "":
		return o.Amount // payment arrived after cancellation
	case o.Resolution == ResolutionSplit && o.SplitRefund != nil:
		return *o.SplitRefund
	default:
		return decimal.Zero
	}
}

// DisputeStatus is the sub-state of a dispute case.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// DisputeCase is the mediation record attached to a disputed order. There
// is at most one per order.
type DisputeCase struct {
	ID            string           `json:"id"`
	OrderID       string           `json:"orderId"`
	OpenedBy      string           `json:"openedBy"`
	Reason        string           `json:"reason"`
	OpenedAt      time.Time        `json:"openedAt"`
	AdminID       string           `json:"adminId,omitempty"` // first admin to post in the conversation
	Status        DisputeStatus    `json:"status"`
	Verdict       Resolution       `json:"verdict,omitempty"`
	VerdictReason string           `json:"verdictReason,omitempty"`
	RefundAmount  *decimal.Decimal `json:"refundAmount,omitempty"`
	ResolvedBy    string           `json:"resolvedBy,omitempty"`
	ResolvedAt    *time.Time       `json:"resolvedAt,omitempty"`
}

func (d *DisputeCase) clone() *DisputeCase {
	cp := *d
	cp.ResolvedAt = cloneTime(d.ResolvedAt)
	if d.RefundAmount != nil {
		v := *d.RefundAmount
		cp.RefundAmount = &v
	}
	return &cp
}

// SettlementKind describes the terminal money movement of an order.
type SettlementKind string

const (
	SettlementRelease SettlementKind = "release" // seller paid, platform fee taken
	SettlementRefund  SettlementKind = "refund"  // full refund to buyer
	SettlementSplit   SettlementKind = "split"   // partial refund, remainder released
	SettlementCancel  SettlementKind = "cancel"  // pre-delivery abort
)

// Settlement is the single terminal settlement record of an order.
type Settlement struct {
	OrderID        string          `json:"orderId"`
	Kind           SettlementKind  `json:"kind"`
	SellerRank     commission.Rank `json:"sellerRank,omitempty"`
	CommissionRate decimal.Decimal `json:"commissionRate"`
	Payout         decimal.Decimal `json:"payout"`
	Fee            decimal.Decimal `json:"fee"`
	Refund         decimal.Decimal `json:"refund"`
	RefundID       string          `json:"refundId,omitempty"`
	RefundedAt     *time.Time      `json:"refundedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Balanced reports whether payout, fee and refund account for the whole
// order amount.
func (s *Settlement) Balanced(amount decimal.Decimal) bool {
	return s.Payout.Add(s.Fee).Add(s.Refund).Equal(amount)
}

// CreateRequest contains the parameters for placing an order.
type CreateRequest struct {
	BuyerID      string  `json:"buyerId"`
	SellerID     string  `json:"sellerId" binding:"required"`
	Listing      Listing `json:"listing" binding:"required"`
	Quantity     int     `json:"quantity"`
	AutoDelivery bool    `json:"autoDelivery"`
}

// VerdictRequest is an admin decision on an open dispute. RefundAmount is
// required for split verdicts and must lie strictly between zero and the
// order amount.
type VerdictRequest struct {
	Verdict      Resolution       `json:"verdict" binding:"required"`
	Reason       string           `json:"reason" binding:"required"`
	RefundAmount *decimal.Decimal `json:"refundAmount,omitempty"`
}

// ActorRole identifies who triggered a cancellation.
type ActorRole string

const (
	ActorBuyer  ActorRole = "buyer"
	ActorSeller ActorRole = "seller"
	ActorAdmin  ActorRole = "admin"
	ActorSystem ActorRole = "system"
)

// Actor is the caller of an operation that several parties may perform.
type Actor struct {
	ID   string
	Role ActorRole
}

// SweepResult summarizes one auto-completion sweep.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// RetryResult summarizes one pass over pending settlements.
type RetryResult struct {
	Attempted int `json:"attempted"`
	Settled   int `json:"settled"`
	Failed    int `json:"failed"`
}
