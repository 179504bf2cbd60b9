package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lootvault/lootvault/internal/commission"
	"github.com/lootvault/lootvault/internal/idgen"
	"github.com/lootvault/lootvault/internal/ledger"
	"github.com/lootvault/lootvault/internal/metrics"
	"github.com/lootvault/lootvault/internal/money"
	"github.com/lootvault/lootvault/internal/notify"
	"github.com/lootvault/lootvault/internal/traces"
)

// OpenDispute freezes a delivered order for admin mediation. Allowed while
// now <= AutoCompleteAt; no funds move.
func (s *Service) OpenDispute(ctx context.Context, orderID, buyerID, reason string) (*Order, *DisputeCase, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, nil, fmt.Errorf("%w: dispute reason is required", ErrInvalidRequest)
	}
	ctx = actor(ctx, ActorBuyer, buyerID)
	ctx, span := s.span(ctx, "open_dispute", orderID)
	c, err := s.transact(ctx, StatusDisputeRaised, func(tx Tx) (*change, error) {
		o, err := tx.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if o.BuyerID != buyerID {
			return nil, ErrUnauthorized
		}
		if _, err := tx.GetDispute(ctx, orderID); err == nil {
			return nil, ErrDisputeExists
		} else if !errors.Is(err, ErrDisputeNotFound) {
			return nil, err
		}

		now := s.now()
		switch {
		case o.Status == StatusDelivered && o.WithinProtectionWindow(now):
		case o.Status == StatusDelivered, o.Status == StatusCompleted && !o.WithinProtectionWindow(now):
			return nil, ErrDisputeWindowClosed
		default:
			return nil, fmt.Errorf("%w: cannot dispute a %s order", ErrInvalidTransition, o.Status)
		}

		before := o.clone()
		o.Status = StatusDisputeRaised
		o.DisputeRaisedAt = &now
		o.DisputeReason = reason
		if err := tx.CompareAndSwap(ctx, o, StatusDelivered); err != nil {
			return nil, err
		}
		d := &DisputeCase{
			ID:       idgen.WithPrefix("dsp_"),
			OrderID:  o.ID,
			OpenedBy: buyerID,
			Reason:   reason,
			OpenedAt: now,
			Status:   DisputeOpen,
		}
		if err := tx.InsertDispute(ctx, d); err != nil {
			return nil, err
		}
		if err := s.audit(ctx, tx, "dispute.opened", before, o); err != nil {
			return nil, err
		}
		return &change{order: o, from: StatusDelivered, changed: true, dispute: d}, nil
	})
	traces.End(span, err)
	if err != nil {
		return nil, nil, err
	}

	o := c.order
	metrics.DisputesOpenedTotal.Inc()
	s.notify(ctx, notify.EventDisputeOpened, o, o.SellerID, reason)
	s.notify(ctx, notify.EventDisputeOpened, o, notify.RecipientAdmins, reason)
	if s.observer != nil {
		s.observer.DisputeOpened(ctx, o, reason)
	}
	return o, c.dispute, nil
}

// ResolveDispute applies an admin verdict. buyer_favor refunds the buyer in
// full, seller_favor completes the order normally, split refunds
// RefundAmount and settles the rest for the seller with commission. A case
// takes exactly one verdict.
func (s *Service) ResolveDispute(ctx context.Context, orderID, adminID string, req VerdictRequest) (*Order, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidVerdict)
	}
	switch req.Verdict {
	case ResolutionBuyerFavor, ResolutionSellerFavor, ResolutionSplit:
	default:
		return nil, fmt.Errorf("%w: unknown verdict %q", ErrInvalidVerdict, req.Verdict)
	}

	snapshot, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if req.Verdict == ResolutionSplit {
		if err := validateSplit(req, snapshot); err != nil {
			return nil, err
		}
	}
	var rank commission.Rank
	if req.Verdict != ResolutionBuyerFavor {
		if rank, err = s.currentRank(ctx, snapshot.SellerID); err != nil {
			return nil, err
		}
	}

	ctx = actor(ctx, ActorAdmin, adminID)
	ctx, span := s.span(ctx, "resolve_dispute", orderID)
	span.SetAttributes(traces.Actor(adminID))
	c, err := s.transact(ctx, terminalStatus(req.Verdict), func(tx Tx) (*change, error) {
		o, err := tx.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		d, err := tx.GetDispute(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if d.Status == DisputeResolved {
			return nil, ErrDisputeResolved
		}
		if o.Status != StatusDisputeRaised {
			return nil, fmt.Errorf("%w: order is %s", ErrInvalidTransition, o.Status)
		}

		before := o.clone()
		now := s.now()
		o.Resolution = req.Verdict
		c := &change{order: o, from: StatusDisputeRaised, changed: true}
		switch req.Verdict {
		case ResolutionBuyerFavor:
			o.Status = StatusRefunded
			o.Settlement = SettlementPending
			c.settled, c.refund = SettlementRefund, true
		case ResolutionSellerFavor:
			o.Status = StatusCompleted
			o.CompletedAt = &now
			o.Settlement = SettlementSettled
		case ResolutionSplit:
			refund := money.Round(*req.RefundAmount)
			o.Status = StatusCompleted
			o.CompletedAt = &now
			o.SplitRefund = &refund
			o.Settlement = SettlementPending
			c.refund = true
		}
		if err := tx.CompareAndSwap(ctx, o, StatusDisputeRaised); err != nil {
			return nil, err
		}

		if req.Verdict == ResolutionBuyerFavor {
			if err := tx.ApplyMutation(ctx, ledger.ReverseHold(o.SellerID, o.ID, o.Amount)); err != nil {
				return nil, fmt.Errorf("reverse hold: %w", err)
			}
			if err := tx.InsertSettlement(ctx, &Settlement{
				OrderID: o.ID, Kind: SettlementRefund, Refund: o.Amount, CreatedAt: now,
			}); err != nil {
				return nil, err
			}
		} else {
			if c.payout, err = s.settle(ctx, tx, o, rank); err != nil {
				return nil, err
			}
			c.settled = c.payout.Kind
		}

		d.Status = DisputeResolved
		d.Verdict = req.Verdict
		d.VerdictReason = req.Reason
		d.RefundAmount = o.SplitRefund
		d.ResolvedBy = adminID
		d.ResolvedAt = &now
		if err := tx.CompareAndSwapDispute(ctx, d, DisputeOpen); err != nil {
			return nil, err
		}
		c.dispute = d

		entry := ledger.NewAuditEntry(ctx, o.ID, "dispute.verdict", before, o)
		entry.Reason = string(req.Verdict) + ": " + req.Reason
		entry.Reference = d.ID
		refund := o.RefundDue()
		entry.Amount = &refund
		if err := tx.LogAudit(ctx, entry); err != nil {
			return nil, err
		}
		return c, nil
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}

	o := c.order
	metrics.VerdictsTotal.WithLabelValues(string(req.Verdict)).Inc()
	s.notify(ctx, notify.EventDisputeResolved, o, o.BuyerID, req.Reason)
	s.notify(ctx, notify.EventDisputeResolved, o, o.SellerID, req.Reason)
	if s.observer != nil {
		s.observer.DisputeResolved(ctx, o, c.dispute)
	}
	if c.refund {
		return s.settleRefund(ctx, o.ID)
	}
	return o, nil
}

func terminalStatus(v Resolution) Status {
	if v == ResolutionBuyerFavor {
		return StatusRefunded
	}
	return StatusCompleted
}

func validateSplit(req VerdictRequest, o *Order) error {
	if req.RefundAmount == nil {
		return fmt.Errorf("%w: split verdict requires refundAmount", ErrInvalidAmount)
	}
	r := *req.RefundAmount
	if !money.Round(r).Equal(r) {
		return fmt.Errorf("%w: refundAmount has more than 2 decimals", ErrInvalidAmount)
	}
	if !r.IsPositive() || !r.LessThan(o.Amount) {
		return fmt.Errorf("%w: refundAmount must be between 0 and %s exclusive", ErrInvalidAmount, money.Format(o.Amount))
	}
	return nil
}

// GetDispute returns the dispute case of an order to its parties and admins.
func (s *Service) GetDispute(ctx context.Context, orderID, userID string, isAdmin bool) (*DisputeCase, error) {
	if _, err := s.GetForUser(ctx, orderID, userID, isAdmin); err != nil {
		return nil, err
	}
	return s.store.GetDispute(ctx, orderID)
}

// ListDisputes is the admin queue, oldest first. An empty status lists all.
func (s *Service) ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*DisputeCase, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListDisputes(ctx, status, limit)
}

// AssignMediator records the first admin to join a dispute conversation.
// Later admins, resolved cases and orders without a case are ignored.
func (s *Service) AssignMediator(ctx context.Context, orderID, adminID string) error {
	err := s.store.Atomic(ctx, func(tx Tx) error {
		d, err := tx.GetDispute(ctx, orderID)
		if err != nil {
			return err
		}
		if d.Status != DisputeOpen || d.AdminID != "" {
			return nil
		}
		d.AdminID = adminID
		return tx.CompareAndSwapDispute(ctx, d, DisputeOpen)
	})
	if errors.Is(err, ErrDisputeNotFound) || errors.Is(err, ErrConcurrencyLost) {
		return nil
	}
	return err
}
