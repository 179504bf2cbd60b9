package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/lootvault/lootvault/internal/commission"
	"github.com/lootvault/lootvault/internal/ledger"
	"github.com/lootvault/lootvault/internal/metrics"
	"github.com/lootvault/lootvault/internal/money"
	"github.com/lootvault/lootvault/internal/notify"
	"github.com/lootvault/lootvault/internal/payments"
	"github.com/lootvault/lootvault/internal/receipts"
	"github.com/lootvault/lootvault/internal/retry"
	"github.com/lootvault/lootvault/internal/traces"
)

const processorBreakerKey = "processor"

// settle writes the money movement of a completed order inside the
// transition's unit of work. For a split verdict the buyer's share of the
// hold is reversed first and only the remainder is released with
// commission.
func (s *Service) settle(ctx context.Context, tx Tx, o *Order, rank commission.Rank) (*Settlement, error) {
	kind := SettlementRelease
	held := o.Amount
	refund := decimal.Zero
	if o.Resolution == ResolutionSplit && o.SplitRefund != nil {
		kind = SettlementSplit
		refund = *o.SplitRefund
		held = o.Amount.Sub(refund)
		if err := tx.ApplyMutation(ctx, ledger.ReverseHold(o.SellerID, o.ID, refund)); err != nil {
			return nil, fmt.Errorf("reverse buyer share: %w", err)
		}
	}

	payout, fee := commission.Split(held, rank)
	if err := tx.ApplyMutation(ctx, ledger.Release(o.SellerID, o.ID, held, payout)); err != nil {
		return nil, fmt.Errorf("release hold: %w", err)
	}
	if fee.IsPositive() {
		if err := tx.ApplyMutation(ctx, ledger.Commission(o.ID, fee)); err != nil {
			return nil, fmt.Errorf("commission: %w", err)
		}
	}

	rec := &Settlement{
		OrderID:        o.ID,
		Kind:           kind,
		SellerRank:     rank,
		CommissionRate: commission.Rate(rank),
		Payout:         payout,
		Fee:            fee,
		Refund:         refund,
		CreatedAt:      s.now(),
	}
	if err := tx.InsertSettlement(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// settleRefund pays back what a terminal order owes the buyer. The
// processor call happens outside any unit of work with the order id as
// idempotency key, so concurrent or repeated calls refund at most once.
// When the processor fails the order stays Settlement=pending and the
// returned error wraps ErrSettlementPending.
func (s *Service) settleRefund(ctx context.Context, orderID string) (*Order, error) {
	unlock, err := s.refunds.Lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Settlement != SettlementPending {
		return o, nil
	}

	amount := o.RefundDue()
	ctx, span := traces.StartSpan(ctx, "escrow.refund", traces.OrderID(o.ID), traces.Amount(amount.StringFixed(2)))
	var refund *payments.Refund
	err = s.breaker.Execute(processorBreakerKey, func() error {
		return retry.Do(ctx, s.policy, func(ctx context.Context) error {
			var err error
			refund, err = s.processor.Refund(ctx, payments.RefundRequest{
				OrderID:        o.ID,
				PaymentRef:     o.PaymentRef,
				Amount:         amount,
				IdempotencyKey: o.ID,
			})
			return err
		})
	}, func(err error) bool {
		return !errors.Is(err, payments.ErrDeclined) && !errors.Is(err, payments.ErrMissingReference)
	})
	traces.End(span, err)
	if err != nil {
		return s.refundFailed(ctx, o, err)
	}

	c, err := s.transact(ctx, o.Status, func(tx Tx) (*change, error) {
		cur, err := tx.Get(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		if cur.Settlement != SettlementPending {
			return unchanged(cur)
		}
		before := cur.clone()
		now := s.now()
		cur.Settlement = SettlementSettled
		cur.RefundedAt = &now
		cur.SettlementAttempts++
		cur.SettlementError = ""
		if err := tx.CompareAndSwapSettlement(ctx, cur, SettlementPending); err != nil {
			return nil, err
		}
		if err := tx.ApplyMutation(ctx, ledger.Refund(cur.BuyerID, cur.ID, amount)); err != nil {
			return nil, fmt.Errorf("record refund: %w", err)
		}
		if err := tx.CompleteRefund(ctx, cur.ID, refund.ID, amount, now); err != nil {
			return nil, err
		}
		if err := s.audit(ctx, tx, "settlement.refunded", before, cur); err != nil {
			return nil, err
		}
		return &change{order: cur, from: cur.Status, changed: true}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("record refund %s: %w", refund.ID, err)
	}
	if c.changed {
		s.refundSettled(ctx, c.order, refund.ID)
	}
	return c.order, nil
}

func (s *Service) refundSettled(ctx context.Context, o *Order, refundID string) {
	event := notify.EventOrderRefunded
	if o.Status == StatusCancelled {
		event = notify.EventOrderCancelled
	}
	amount := money.Format(o.RefundDue())
	s.notify(ctx, event, o, o.BuyerID, "refund issued for "+amount)
	s.issueReceipt(ctx, receipts.IssueRequest{
		Kind:      receipts.KindRefund,
		OrderID:   o.ID,
		Payer:     o.SellerID,
		Payee:     o.BuyerID,
		Amount:    amount,
		Reference: refundID,
	})
	s.logger.Info("refund settled", "orderId", o.ID, "amount", amount)
}

// issueReceipt signs proof of committed money movement. The money has
// already moved, so a failure is only logged.
func (s *Service) issueReceipt(ctx context.Context, req receipts.IssueRequest) {
	if s.receipts == nil {
		return
	}
	if _, err := s.receipts.Issue(ctx, req); err != nil {
		s.logger.Error("failed to issue receipt", "orderId", req.OrderID, "kind", req.Kind, "error", err)
	}
}

func (s *Service) refundFailed(ctx context.Context, o *Order, cause error) (*Order, error) {
	metrics.RefundFailuresTotal.Inc()
	s.logger.Warn("refund failed, settlement stays pending",
		"orderId", o.ID, "attempt", o.SettlementAttempts+1, "error", cause)

	c, err := s.transact(ctx, o.Status, func(tx Tx) (*change, error) {
		cur, err := tx.Get(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		if cur.Settlement != SettlementPending {
			return unchanged(cur)
		}
		cur.SettlementAttempts++
		cur.SettlementError = cause.Error()
		if err := tx.CompareAndSwapSettlement(ctx, cur, SettlementPending); err != nil {
			return nil, err
		}
		return &change{order: cur, from: cur.Status}, nil
	})
	if err != nil {
		s.logger.Error("failed to record refund attempt", "orderId", o.ID, "error", err)
		return o, fmt.Errorf("%w: %v", ErrSettlementPending, cause)
	}
	if c.order.Settlement == SettlementSettled {
		// Someone else's retry got through meanwhile.
		return c.order, nil
	}
	s.notify(ctx, notify.EventSettlementPending, c.order, notify.RecipientAdmins, cause.Error())
	return c.order, fmt.Errorf("%w: %v", ErrSettlementPending, cause)
}

// RetryPendingSettlements retries outstanding refunds with the same
// idempotency keys. Called by the sweeper.
func (s *Service) RetryPendingSettlements(ctx context.Context) (RetryResult, error) {
	var res RetryResult
	pending, err := s.store.ListSettlementPending(ctx, sweepBatchSize)
	if err != nil {
		return res, fmt.Errorf("list pending settlements: %w", err)
	}
	for _, o := range pending {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++
		if _, err := s.settleRefund(ctx, o.ID); err != nil {
			res.Failed++
			continue
		}
		res.Settled++
	}
	metrics.PendingSettlements.Set(float64(len(pending) - res.Settled))
	return res, nil
}

// RetrySettlement retries one pending refund on admin request.
func (s *Service) RetrySettlement(ctx context.Context, orderID, adminID string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Settlement != SettlementPending {
		return nil, ErrAlreadySettled
	}
	return s.settleRefund(actor(ctx, ActorAdmin, adminID), orderID)
}

// ListPendingSettlements is the admin retry queue.
func (s *Service) ListPendingSettlements(ctx context.Context, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListSettlementPending(ctx, limit)
}

// GetSettlement returns the settlement record of a terminal order.
func (s *Service) GetSettlement(ctx context.Context, orderID string) (*Settlement, error) {
	return s.store.GetSettlement(ctx, orderID)
}
