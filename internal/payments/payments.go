// Package payments talks to the card payment processor: outbound refunds
// with idempotency keys, and inbound payment confirmations via signed
// webhooks.
package payments

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lootvault/lootvault/internal/idgen"
)

var (
	// ErrDeclined is a refund the processor rejected for good; retrying
	// with the same parameters cannot succeed.
	ErrDeclined = errors.New("payments: refund declined")
	// ErrUnavailable is a transient processor failure.
	ErrUnavailable = errors.New("payments: processor unavailable")
	// ErrMissingReference means the order has no processor payment to refund.
	ErrMissingReference = errors.New("payments: missing payment reference")
)

// RefundRequest describes money to return to the buyer. IdempotencyKey is
// the order id so that any number of retries produce at most one refund.
type RefundRequest struct {
	OrderID        string
	PaymentRef     string
	Amount         decimal.Decimal
	IdempotencyKey string
}

// Refund is the processor's record of a completed refund.
type Refund struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Processor issues refunds against captured payments.
type Processor interface {
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
}

// MemoryProcessor is an in-process Processor for development and tests.
// Refunds are keyed by idempotency key like a real processor would.
type MemoryProcessor struct {
	mu       sync.Mutex
	refunds  map[string]*Refund
	failures []error
	calls    int
}

// NewMemoryProcessor creates a processor that always succeeds unless told
// otherwise with FailNext.
func NewMemoryProcessor() *MemoryProcessor {
	return &MemoryProcessor{refunds: make(map[string]*Refund)}
}

// FailNext queues errors returned by the next calls, in order.
func (m *MemoryProcessor) FailNext(errs ...error) {
	m.mu.Lock()
	m.failures = append(m.failures, errs...)
	m.mu.Unlock()
}

func (m *MemoryProcessor) Refund(_ context.Context, req RefundRequest) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return nil, err
	}
	if r, ok := m.refunds[req.IdempotencyKey]; ok {
		cp := *r
		return &cp, nil
	}
	r := &Refund{
		ID:        idgen.WithPrefix("re_"),
		OrderID:   req.OrderID,
		Amount:    req.Amount,
		CreatedAt: time.Now(),
	}
	m.refunds[req.IdempotencyKey] = r
	cp := *r
	return &cp, nil
}

// Refunds returns the number of distinct refunds issued.
func (m *MemoryProcessor) Refunds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refunds)
}

// Calls returns the number of Refund calls, including failed ones.
func (m *MemoryProcessor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var _ Processor = (*MemoryProcessor)(nil)
