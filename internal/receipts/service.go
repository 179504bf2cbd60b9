package receipts

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lootvault/lootvault/internal/idgen"
)

// DefaultValidity is how long a receipt signature is honoured.
const DefaultValidity = 365 * 24 * time.Hour

// Service implements receipt business logic.
type Service struct {
	store    Store
	signer   *Signer
	validity time.Duration
	now      func() time.Time
}

// NewService creates a new receipt service.
// If signer is nil, Issue is a no-op (signing disabled).
func NewService(store Store, signer *Signer) *Service {
	return &Service{
		store:    store,
		signer:   signer,
		validity: DefaultValidity,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithValidity overrides how long signatures stay valid.
func (s *Service) WithValidity(d time.Duration) *Service {
	if d > 0 {
		s.validity = d
	}
	return s
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Enabled reports whether receipts are being signed.
func (s *Service) Enabled() bool {
	return s != nil && s.signer != nil
}

// Issue signs and persists a receipt. It returns (nil, nil) when signing
// is disabled.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Receipt, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if req.OrderID == "" || req.Payer == "" || req.Payee == "" || req.Amount == "" {
		return nil, ErrInvalidRequest
	}

	now := s.now().Truncate(time.Second)
	r := &Receipt{
		ID:        idgen.WithPrefix("rcpt_"),
		Kind:      req.Kind,
		OrderID:   req.OrderID,
		Payer:     req.Payer,
		Payee:     req.Payee,
		Amount:    req.Amount,
		Fee:       req.Fee,
		Reference: req.Reference,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.validity),
		CreatedAt: now,
	}

	p := payloadOf(r)
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("receipts: failed to marshal payload: %w", err)
	}
	r.PayloadHash = fmt.Sprintf("%x", sha256.Sum256(data))
	if r.Signature, err = s.signer.Sign(p); err != nil {
		return nil, fmt.Errorf("receipts: failed to sign: %w", err)
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("receipts: store: %w", err)
	}
	return r, nil
}

// Get returns a receipt by ID.
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns receipts where the user paid or was paid.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Receipt, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListByOrder returns every receipt issued for an order.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]*Receipt, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// Verify checks whether a receipt's signature is valid.
func (s *Service) Verify(ctx context.Context, receiptID string) (*VerifyResponse, error) {
	resp := &VerifyResponse{ReceiptID: receiptID}
	if !s.Enabled() {
		resp.Error = ErrSigningDisabled.Error()
		return resp, nil
	}

	r, err := s.store.Get(ctx, receiptID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			resp.Error = ErrNotFound.Error()
			return resp, nil
		}
		return nil, err
	}

	resp.Valid = s.signer.Verify(payloadOf(r), r.Signature)
	if !resp.Valid {
		resp.Error = "signature verification failed"
		return resp, nil
	}
	resp.Expired = s.now().After(r.ExpiresAt)
	return resp, nil
}
