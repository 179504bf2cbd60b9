package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lootvault/lootvault/internal/metrics"
	"github.com/lootvault/lootvault/internal/notify"
	"github.com/lootvault/lootvault/internal/stockgate"
	"github.com/lootvault/lootvault/internal/traces"
)

// MarkDelivered is the seller handing over the goods manually. The
// protection window starts now and its deadline never moves afterwards;
// delivering twice is rejected.
func (s *Service) MarkDelivered(ctx context.Context, orderID, sellerID, payload string) (*Order, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, fmt.Errorf("%w: delivery payload is required", ErrInvalidRequest)
	}
	ctx = actor(ctx, ActorSeller, sellerID)
	ctx, span := s.span(ctx, "mark_delivered", orderID)
	c, err := s.transact(ctx, StatusDelivered, func(tx Tx) (*change, error) {
		o, err := tx.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if o.SellerID != sellerID {
			return nil, ErrUnauthorized
		}
		if o.Status != StatusPaid {
			return nil, fmt.Errorf("%w: cannot deliver a %s order", ErrInvalidTransition, o.Status)
		}
		return s.deliver(ctx, tx, o, payload)
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	s.delivered(ctx, c.order)
	return c.order, nil
}

// AutoDeliver claims codes from the listing's pool for a paid
// auto-delivery order. With too few codes the order stays paid and
// ErrOutOfStock is returned; the call can be repeated after restocking.
func (s *Service) AutoDeliver(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.AutoDelivery {
		return nil, fmt.Errorf("%w: order is delivered manually", ErrInvalidRequest)
	}
	switch o.Status {
	case StatusPaid:
	case StatusPending, StatusCancelled:
		return nil, fmt.Errorf("%w: cannot deliver a %s order", ErrInvalidTransition, o.Status)
	default:
		return o, nil
	}

	ctx, span := s.span(ctx, "auto_deliver", orderID)
	admission := s.admit(ctx, o)
	if admission == stockgate.Denied {
		metrics.OutOfStockTotal.Inc()
		traces.End(span, ErrOutOfStock)
		return nil, ErrOutOfStock
	}

	c, err := s.transact(ctx, StatusDelivered, func(tx Tx) (*change, error) {
		cur, err := tx.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if cur.Status != StatusPaid {
			if cur.DeliveredAt != nil {
				return unchanged(cur)
			}
			return nil, fmt.Errorf("%w: cannot deliver a %s order", ErrInvalidTransition, cur.Status)
		}
		codes, err := tx.ClaimCodes(ctx, cur.Listing.ListingID, cur.SellerID, cur.ID, cur.Quantity)
		if err != nil {
			return nil, err
		}
		return s.deliver(ctx, tx, cur, strings.Join(codes, "\n"))
	})
	traces.End(span, err)

	if err != nil || !c.changed {
		if admission == stockgate.Granted {
			s.releaseAdmission(ctx, o)
		}
	}
	if admission == stockgate.Untracked || errors.Is(err, ErrOutOfStock) {
		s.syncGate(ctx, o.Listing.ListingID)
	}
	if err != nil {
		if errors.Is(err, ErrOutOfStock) {
			metrics.OutOfStockTotal.Inc()
		}
		return nil, err
	}
	if c.changed {
		s.delivered(ctx, c.order)
	}
	return c.order, nil
}

func (s *Service) deliver(ctx context.Context, tx Tx, o *Order, payload string) (*change, error) {
	before := o.clone()
	now := s.now()
	deadline := now.Add(s.window)
	o.Status = StatusDelivered
	o.DeliveredAt = &now
	o.AutoCompleteAt = &deadline
	o.DeliveryPayload = payload
	if err := tx.CompareAndSwap(ctx, o, StatusPaid); err != nil {
		return nil, err
	}
	if err := s.audit(ctx, tx, "order.delivered", before, o); err != nil {
		return nil, err
	}
	return &change{order: o, from: StatusPaid, changed: true}, nil
}

func (s *Service) delivered(ctx context.Context, o *Order) {
	s.notify(ctx, notify.EventOrderDelivered, o, o.BuyerID,
		"confirm receipt or open a dispute before "+o.AutoCompleteAt.UTC().Format(time.RFC3339))
}

// admit asks the gate for stock. Gate errors count as untracked: the store
// claim decides anyway.
func (s *Service) admit(ctx context.Context, o *Order) stockgate.Admission {
	if s.gate == nil {
		return stockgate.Untracked
	}
	a, err := s.gate.Acquire(ctx, o.Listing.ListingID, o.Quantity)
	if err != nil {
		s.logger.Warn("stock gate unavailable", "listingId", o.Listing.ListingID, "error", err)
		return stockgate.Untracked
	}
	return a
}

func (s *Service) releaseAdmission(ctx context.Context, o *Order) {
	if err := s.gate.Release(ctx, o.Listing.ListingID, o.Quantity); err != nil {
		s.logger.Warn("stock gate release failed", "listingId", o.Listing.ListingID, "error", err)
	}
}

// syncGate copies the store's count of unclaimed codes into the gate.
func (s *Service) syncGate(ctx context.Context, listingID string) {
	if s.gate == nil {
		return
	}
	stock, err := s.store.Stock(ctx, listingID)
	if err != nil {
		s.logger.Warn("failed to read stock", "listingId", listingID, "error", err)
		return
	}
	if err := s.gate.Set(ctx, listingID, stock); err != nil {
		s.logger.Warn("stock gate sync failed", "listingId", listingID, "error", err)
	}
}

// AddCodes provisions delivery codes for a listing and returns the new
// stock. A listing's pool belongs to the first seller who stocked it.
func (s *Service) AddCodes(ctx context.Context, listingID, sellerID string, codes []string) (int, error) {
	clean := make([]string, 0, len(codes))
	for _, c := range codes {
		if c = strings.TrimSpace(c); c != "" {
			clean = append(clean, c)
		}
	}
	if listingID == "" || len(clean) == 0 {
		return 0, fmt.Errorf("%w: listing and at least one code are required", ErrInvalidRequest)
	}
	stock, err := s.store.AddCodes(ctx, listingID, sellerID, clean)
	if err != nil {
		return 0, err
	}
	if s.gate != nil {
		if err := s.gate.Set(ctx, listingID, stock); err != nil {
			s.logger.Warn("stock gate sync failed", "listingId", listingID, "error", err)
		}
	}
	return stock, nil
}

// Stock returns the number of unclaimed codes of a listing.
func (s *Service) Stock(ctx context.Context, listingID string) (int, error) {
	return s.store.Stock(ctx, listingID)
}
