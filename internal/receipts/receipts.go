// Package receipts issues signed proofs of settled money movements.
//
// Every escrow payout to a seller and every processor refund to a buyer
// produces a receipt. The signature is HMAC-SHA256 over the canonical JSON
// of the receipt's money fields, so either party can later hand a receipt
// id to support and have it checked against tampering.
package receipts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("receipts: not found")
	ErrSigningDisabled = errors.New("receipts: signing disabled (no HMAC secret configured)")
	ErrInvalidRequest  = errors.New("receipts: order, parties and amount are required")
)

// Kind identifies which settlement produced the receipt.
type Kind string

const (
	KindPayout Kind = "payout" // escrow released to the seller
	KindRefund Kind = "refund" // processor refund to the buyer
)

// Receipt is a signed proof that a settlement happened.
type Receipt struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	OrderID     string    `json:"orderId"`
	Payer       string    `json:"payer"`
	Payee       string    `json:"payee"`
	Amount      string    `json:"amount"`
	Fee         string    `json:"fee,omitempty"`       // commission withheld from a payout
	Reference   string    `json:"reference,omitempty"` // payment intent or processor refund id
	PayloadHash string    `json:"payloadHash"`
	Signature   string    `json:"signature"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Involves reports whether userID paid or received the money.
func (r *Receipt) Involves(userID string) bool {
	return r.Payer == userID || r.Payee == userID
}

// IssueRequest is the input for creating a receipt.
type IssueRequest struct {
	Kind      Kind
	OrderID   string
	Payer     string
	Payee     string
	Amount    string
	Fee       string
	Reference string
}

// VerifyRequest is the input for verifying a receipt signature.
type VerifyRequest struct {
	ReceiptID string `json:"receiptId" binding:"required"`
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receiptId"`
	Expired   bool   `json:"expired,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Store persists receipts.
type Store interface {
	Create(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	// ListByUser returns receipts where userID is payer or payee, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Receipt, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Receipt, error)
}

// payload is what gets signed. Field order is fixed by the struct, which
// keeps the JSON canonical.
type payload struct {
	Amount    string `json:"amount"`
	Fee       string `json:"fee"`
	IssuedAt  int64  `json:"issuedAt"`
	Kind      string `json:"kind"`
	OrderID   string `json:"orderId"`
	Payee     string `json:"payee"`
	Payer     string `json:"payer"`
	Reference string `json:"reference"`
}

func payloadOf(r *Receipt) payload {
	return payload{
		Amount:    r.Amount,
		Fee:       r.Fee,
		IssuedAt:  r.IssuedAt.Unix(),
		Kind:      string(r.Kind),
		OrderID:   r.OrderID,
		Payee:     r.Payee,
		Payer:     r.Payer,
		Reference: r.Reference,
	}
}
