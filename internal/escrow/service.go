package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"github.com/lootvault/lootvault/internal/circuitbreaker"
	"github.com/lootvault/lootvault/internal/commission"
	"github.com/lootvault/lootvault/internal/idgen"
	"github.com/lootvault/lootvault/internal/ledger"
	"github.com/lootvault/lootvault/internal/metrics"
	"github.com/lootvault/lootvault/internal/money"
	"github.com/lootvault/lootvault/internal/notify"
	"github.com/lootvault/lootvault/internal/pagination"
	"github.com/lootvault/lootvault/internal/payments"
	"github.com/lootvault/lootvault/internal/receipts"
	"github.com/lootvault/lootvault/internal/retry"
	"github.com/lootvault/lootvault/internal/stockgate"
	"github.com/lootvault/lootvault/internal/syncutil"
	"github.com/lootvault/lootvault/internal/traces"
)

// maxSwapAttempts bounds how often a transition re-reads the order after
// losing a compare-and-swap.
const maxSwapAttempts = 3

// EventPublisher pushes order changes to connected clients.
type EventPublisher interface {
	OrderChanged(o *Order)
	DisputeChanged(o *Order, d *DisputeCase)
}

// DisputeObserver is told about dispute lifecycle changes so the order
// conversation can be flagged and annotated.
type DisputeObserver interface {
	DisputeOpened(ctx context.Context, o *Order, reason string)
	DisputeResolved(ctx context.Context, o *Order, d *DisputeCase)
}

// ReceiptIssuer signs proof of a payout or refund after it has committed.
type ReceiptIssuer interface {
	Issue(ctx context.Context, req receipts.IssueRequest) (*receipts.Receipt, error)
}

// Service implements escrow business logic.
type Service struct {
	store     Store
	ranks     commission.RankSource
	processor payments.Processor
	notifier  notify.Notifier
	events    EventPublisher
	observer  DisputeObserver
	receipts  ReceiptIssuer
	gate      stockgate.Gate
	breaker   *circuitbreaker.Breaker
	policy    retry.Policy
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time

	// refunds serializes processor calls per order within this process.
	refunds *syncutil.KeyedMutex
}

// NewService creates a new escrow service.
func NewService(store Store, ranks commission.RankSource, processor payments.Processor) *Service {
	return &Service{
		store:     store,
		ranks:     ranks,
		processor: processor,
		breaker:   circuitbreaker.New(5, 30*time.Second),
		policy:    retry.DefaultPolicy,
		window:    DefaultProtectionWindow,
		logger:    slog.Default(),
		now:       time.Now,
		refunds:   syncutil.NewKeyedMutex(0),
	}
}

// WithNotifier sets the notification fan-out.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithEvents sets the realtime publisher.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithDisputeObserver sets the conversation hook for disputes.
func (s *Service) WithDisputeObserver(o DisputeObserver) *Service {
	s.observer = o
	return s
}

// WithReceipts issues signed receipts for payouts and refunds.
func (s *Service) WithReceipts(r ReceiptIssuer) *Service {
	s.receipts = r
	return s
}

// WithStockGate puts an admission gate in front of code claims.
func (s *Service) WithStockGate(g stockgate.Gate) *Service {
	s.gate = g
	return s
}

// WithBreaker replaces the processor circuit breaker.
func (s *Service) WithBreaker(b *circuitbreaker.Breaker) *Service {
	s.breaker = b
	return s
}

// WithRetryPolicy sets the backoff used for processor refunds.
func (s *Service) WithRetryPolicy(p retry.Policy) *Service {
	s.policy = p
	return s
}

// WithProtectionWindow overrides the 48h buyer protection window.
func (s *Service) WithProtectionWindow(d time.Duration) *Service {
	if d > 0 {
		s.window = d
	}
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock replaces time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// change is the result of one unit of work.
type change struct {
	order   *Order
	from    Status
	changed bool
	dispute *DisputeCase
	settled SettlementKind // settlement record written in this unit of work
	payout  *Settlement    // set when the seller was paid in this unit of work
	refund  bool           // processor refund owed after commit
}

func unchanged(o *Order) (*change, error) {
	return &change{order: o, from: o.Status}, nil
}

// transact runs fn in a unit of work and re-runs it when a concurrent
// writer won the compare-and-swap. fn re-reads the order every time, so a
// loser either finds the end state it wanted (no-op) or an invalid one.
func (s *Service) transact(ctx context.Context, to Status, fn func(tx Tx) (*change, error)) (*change, error) {
	for attempt := 1; ; attempt++ {
		var c *change
		err := s.store.Atomic(ctx, func(tx Tx) error {
			var err error
			c, err = fn(tx)
			return err
		})
		if err == nil {
			if c.changed {
				s.committed(ctx, c)
			}
			return c, nil
		}
		if !errors.Is(err, ErrConcurrencyLost) {
			return nil, err
		}
		metrics.ConcurrencyLostTotal.WithLabelValues(string(to)).Inc()
		if attempt >= maxSwapAttempts {
			return nil, fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}
	}
}

// committed runs the side effects of a committed transition. None of them
// can fail the transition.
func (s *Service) committed(ctx context.Context, c *change) {
	o := c.order
	if c.from != o.Status {
		metrics.OrderTransitionsTotal.WithLabelValues(string(c.from), string(o.Status)).Inc()
		if o.Status.IsTerminal() {
			metrics.OrderLifetime.Observe(s.now().Sub(o.CreatedAt).Seconds())
		}
	}
	if c.settled != "" {
		metrics.SettlementsTotal.WithLabelValues(string(c.settled)).Inc()
	}
	if c.payout != nil && c.payout.Payout.IsPositive() {
		s.issueReceipt(ctx, receipts.IssueRequest{
			Kind:      receipts.KindPayout,
			OrderID:   o.ID,
			Payer:     o.BuyerID,
			Payee:     o.SellerID,
			Amount:    money.Format(c.payout.Payout),
			Fee:       money.Format(c.payout.Fee),
			Reference: o.PaymentRef,
		})
	}
	if s.events != nil {
		if c.dispute != nil {
			s.events.DisputeChanged(o, c.dispute)
		} else {
			s.events.OrderChanged(o)
		}
	}
	s.logger.Info("order transition",
		"orderId", o.ID, "from", c.from, "to", o.Status, "settlement", o.Settlement)
}

func (s *Service) notify(ctx context.Context, event notify.Event, o *Order, recipient, message string) {
	if s.notifier == nil || recipient == "" {
		return
	}
	s.notifier.Notify(ctx, notify.Notification{
		Event:     event,
		OrderID:   o.ID,
		Recipient: recipient,
		Title:     o.Listing.Title,
		Amount:    money.Format(o.Amount),
		Message:   message,
	})
}

func (s *Service) audit(ctx context.Context, tx Tx, operation string, before, after *Order) error {
	var b any
	if before != nil {
		b = before
	}
	e := ledger.NewAuditEntry(ctx, after.ID, operation, b, after)
	amount := after.Amount
	e.Amount = &amount
	return tx.LogAudit(ctx, e)
}

// actor attaches the caller to ctx for audit entries unless the handler
// already did.
func actor(ctx context.Context, role ActorRole, id string) context.Context {
	return ledger.WithActor(ctx, string(role), id)
}

func (s *Service) span(ctx context.Context, name, orderID string) (context.Context, trace.Span) {
	return traces.StartSpan(ctx, "escrow."+name, traces.OrderID(orderID))
}

// Create places a pending order with a snapshot of the listing.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.BuyerID == "" || req.SellerID == "" || strings.TrimSpace(req.Listing.ListingID) == "" {
		return nil, fmt.Errorf("%w: buyer, seller and listing are required", ErrInvalidRequest)
	}
	if req.BuyerID == req.SellerID {
		return nil, fmt.Errorf("%w: cannot buy your own listing", ErrInvalidRequest)
	}
	if req.Quantity < 0 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", ErrInvalidRequest)
	}
	if !money.Positive(req.Listing.UnitPrice) || !money.Round(req.Listing.UnitPrice).Equal(req.Listing.UnitPrice) {
		return nil, fmt.Errorf("%w: unit price must be positive with at most 2 decimals", ErrInvalidAmount)
	}

	now := s.now()
	o := &Order{
		ID:           idgen.WithPrefix("ord_"),
		BuyerID:      req.BuyerID,
		SellerID:     req.SellerID,
		Listing:      req.Listing,
		Quantity:     req.Quantity,
		Amount:       money.Round(req.Listing.UnitPrice.Mul(decimal.NewFromInt(int64(req.Quantity)))),
		Status:       StatusPending,
		AutoDelivery: req.AutoDelivery,
		Settlement:   SettlementNone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ctx = actor(ctx, ActorBuyer, req.BuyerID)
	err := s.store.Atomic(ctx, func(tx Tx) error {
		if err := tx.Insert(ctx, o); err != nil {
			return err
		}
		return s.audit(ctx, tx, "order.created", nil, o)
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if s.events != nil {
		s.events.OrderChanged(o)
	}
	return o, nil
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// GetForUser returns the order if userID is a party to it or an admin.
func (s *Service) GetForUser(ctx context.Context, id, userID string, isAdmin bool) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isAdmin && !o.IsParty(userID) {
		return nil, ErrUnauthorized
	}
	return o, nil
}

// ListByUser returns a page of orders where the user is buyer or seller,
// newest first, plus the cursor for the next page ("" on the last page).
func (s *Service) ListByUser(ctx context.Context, userID, cursor string, limit int) ([]*Order, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	orders, err := s.store.ListByUser(ctx, userID, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	return page, next, nil
}

// DeliveryPayload returns the delivered codes or credentials to the buyer.
func (s *Service) DeliveryPayload(ctx context.Context, orderID, buyerID string) (string, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	if o.BuyerID != buyerID {
		return "", ErrUnauthorized
	}
	if o.DeliveredAt == nil {
		return "", fmt.Errorf("%w: order not delivered yet", ErrInvalidTransition)
	}
	return o.DeliveryPayload, nil
}

// ConfirmPayment records the processor's payment confirmation and places
// the escrow hold. Replays are no-ops. Auto-delivery orders are delivered
// right after the payment commits.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, paymentRef string) (*Order, error) {
	if strings.TrimSpace(paymentRef) == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidRequest)
	}
	ctx, span := s.span(ctx, "confirm_payment", orderID)
	c, err := s.confirmPayment(ctx, orderID, paymentRef)
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	o := c.order

	if c.refund {
		// Paid after cancellation: the money goes straight back.
		s.logger.Warn("payment arrived for cancelled order, refunding", "orderId", o.ID, "paymentRef", paymentRef)
		settled, err := s.settleRefund(ctx, o.ID)
		switch {
		case err == nil:
			o = settled
		case errors.Is(err, ErrSettlementPending):
			// Queued for the retry sweep; refundFailed has logged it.
			if settled != nil {
				o = settled
			}
		default:
			s.logger.Error("refund of late payment failed",
				"orderId", o.ID, "paymentRef", paymentRef, "error", err)
		}
		return o, nil
	}
	if !c.changed {
		return o, nil
	}

	s.notify(ctx, notify.EventOrderPaid, o, o.SellerID, "")
	s.notify(ctx, notify.EventOrderPaid, o, o.BuyerID, "")

	if o.AutoDelivery {
		delivered, err := s.AutoDeliver(ctx, o.ID)
		switch {
		case err == nil:
			return delivered, nil
		case errors.Is(err, ErrOutOfStock):
			s.notify(ctx, notify.EventOutOfStock, o, o.SellerID, "restock the listing to deliver this order")
		default:
			s.logger.Error("auto-delivery failed", "orderId", o.ID, "error", err)
		}
	}
	return o, nil
}

func (s *Service) confirmPayment(ctx context.Context, orderID, paymentRef string) (*change, error) {
	return s.transact(ctx, StatusPaid, func(tx Tx) (*change, error) {
		o, err := tx.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		before := o.clone()
		now := s.now()

		switch o.Status {
		case StatusPending:
			o.Status = StatusPaid
			o.PaymentRef = paymentRef
			o.PaidAt = &now
			o.Settlement = SettlementNone
			if err := tx.CompareAndSwap(ctx, o, StatusPending); err != nil {
				return nil, err
			}
			if err := tx.ApplyMutation(ctx, ledger.Hold(o.SellerID, o.ID, o.Amount)); err != nil {
				return nil, fmt.Errorf("escrow hold: %w", err)
			}
			if err := s.audit(ctx, tx, "order.paid", before, o); err != nil {
				return nil, err
			}
			return &change{order: o, from: StatusPending, changed: true}, nil

		case StatusCancelled:
			if o.PaymentRef != "" || o.PaidAt != nil {
				return unchanged(o)
			}
			o.PaymentRef = paymentRef
			o.Settlement = SettlementPending
			if err := tx.CompareAndSwapSettlement(ctx, o, before.Settlement); err != nil {
				return nil, err
			}
			if err := s.audit(ctx, tx, "order.late_payment", before, o); err != nil {
				return nil, err
			}
			return &change{order: o, from: StatusCancelled, changed: true, refund: true}, nil

		default:
			return unchanged(o)
		}
	})
}

// ConfirmReceipt is the buyer accepting the delivery, completing the order
// ahead of the window. Losing to the sweep is not an error.
func (s *Service) ConfirmReceipt(ctx context.Context, orderID, buyerID string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrUnauthorized
	}
	switch o.Status {
	case StatusCompleted:
		return o, nil
	case StatusDelivered:
	default:
		return nil, fmt.Errorf("%w: cannot confirm a %s order", ErrInvalidTransition, o.Status)
	}

	ctx = actor(ctx, ActorBuyer, buyerID)
	ctx, span := s.span(ctx, "confirm_receipt", orderID)
	c, err := s.complete(ctx, o, func(cur *Order) (bool, error) {
		switch cur.Status {
		case StatusDelivered:
			return true, nil
		case StatusCompleted:
			return false, nil
		default:
			return false, fmt.Errorf("%w: cannot confirm a %s order", ErrInvalidTransition, cur.Status)
		}
	}, "order.completed")
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	if c.changed {
		s.notify(ctx, notify.EventOrderCompleted, c.order, c.order.SellerID, "")
	}
	return c.order, nil
}

// complete moves a delivered order to completed and releases the hold with
// commission at the seller's current rank. ready decides, on the freshly
// read order, whether to proceed (true), no-op (false, nil) or fail.
func (s *Service) complete(ctx context.Context, snapshot *Order, ready func(cur *Order) (bool, error), operation string) (*change, error) {
	rank, err := s.currentRank(ctx, snapshot.SellerID)
	if err != nil {
		return nil, err
	}
	return s.transact(ctx, StatusCompleted, func(tx Tx) (*change, error) {
		o, err := tx.Get(ctx, snapshot.ID)
		if err != nil {
			return nil, err
		}
		proceed, err := ready(o)
		if err != nil {
			return nil, err
		}
		if !proceed {
			return unchanged(o)
		}
		before := o.clone()
		now := s.now()
		o.Status = StatusCompleted
		o.CompletedAt = &now
		o.Settlement = SettlementSettled
		if err := tx.CompareAndSwap(ctx, o, StatusDelivered); err != nil {
			return nil, err
		}
		rec, err := s.settle(ctx, tx, o, rank)
		if err != nil {
			return nil, err
		}
		if err := s.audit(ctx, tx, operation, before, o); err != nil {
			return nil, err
		}
		return &change{order: o, from: StatusDelivered, changed: true, settled: rec.Kind, payout: rec}, nil
	})
}

func (s *Service) currentRank(ctx context.Context, sellerID string) (commission.Rank, error) {
	rank, err := s.ranks.CurrentRank(ctx, sellerID)
	if err != nil {
		return "", fmt.Errorf("read seller rank: %w", err)
	}
	return rank, nil
}

// Cancel aborts an order before delivery. Sellers and admins (and the
// system) may cancel pending or paid orders; buyers only unpaid ones.
// Cancelling a paid order refunds the buyer in full.
func (s *Service) Cancel(ctx context.Context, orderID string, by Actor, reason string) (*Order, error) {
	ctx = actor(ctx, by.Role, by.ID)
	ctx, span := s.span(ctx, "cancel", orderID)
	c, err := s.transact(ctx, StatusCancelled, func(tx Tx) (*change, error) {
		o, err := tx.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if err := authorizeCancel(o, by); err != nil {
			return nil, err
		}
		if o.Status == StatusCancelled {
			return unchanged(o)
		}
		if o.DeliveredAt != nil || (o.Status != StatusPending && o.Status != StatusPaid) {
			return nil, fmt.Errorf("%w: cannot cancel a %s order", ErrInvalidTransition, o.Status)
		}

		before := o.clone()
		from := o.Status
		now := s.now()
		o.Status = StatusCancelled
		o.CancelledAt = &now
		o.CancelReason = reason

		st := &Settlement{OrderID: o.ID, Kind: SettlementCancel, CreatedAt: now}
		owed := from == StatusPaid
		if owed {
			o.Settlement = SettlementPending
			st.Refund = o.Amount
		} else {
			o.Settlement = SettlementSettled
		}
		if err := tx.CompareAndSwap(ctx, o, from); err != nil {
			return nil, err
		}
		if owed {
			if err := tx.ApplyMutation(ctx, ledger.ReverseHold(o.SellerID, o.ID, o.Amount)); err != nil {
				return nil, fmt.Errorf("reverse hold: %w", err)
			}
		}
		if err := tx.InsertSettlement(ctx, st); err != nil {
			return nil, err
		}
		if err := s.audit(ctx, tx, "order.cancelled", before, o); err != nil {
			return nil, err
		}
		return &change{order: o, from: from, changed: true, settled: SettlementCancel, refund: owed}, nil
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}

	o := c.order
	if c.changed {
		s.notify(ctx, notify.EventOrderCancelled, o, o.BuyerID, reason)
		s.notify(ctx, notify.EventOrderCancelled, o, o.SellerID, reason)
	}
	if c.refund {
		return s.settleRefund(ctx, o.ID)
	}
	return o, nil
}

func authorizeCancel(o *Order, by Actor) error {
	switch by.Role {
	case ActorAdmin, ActorSystem:
		return nil
	case ActorSeller:
		if by.ID == o.SellerID {
			return nil
		}
	case ActorBuyer:
		if by.ID != o.BuyerID {
			return ErrUnauthorized
		}
		if o.Status == StatusPending || o.Status == StatusCancelled {
			return nil
		}
		return fmt.Errorf("%w: buyers can only cancel unpaid orders", ErrInvalidTransition)
	}
	return ErrUnauthorized
}
