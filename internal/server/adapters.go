package server

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/lootvault/lootvault/internal/conversation"
	"github.com/lootvault/lootvault/internal/escrow"
	"github.com/lootvault/lootvault/internal/payments"
	"github.com/lootvault/lootvault/internal/realtime"
)

// hubEvents fans order, dispute and message changes out to websocket
// clients. Only the order's parties (and admins) are in the audience.
type hubEvents struct {
	hub *realtime.Hub
}

func (e *hubEvents) OrderChanged(o *escrow.Order) {
	e.hub.Publish(realtime.EventOrderUpdated, o.ID, []string{o.BuyerID, o.SellerID}, map[string]any{
		"order": o,
	})
}

func (e *hubEvents) DisputeChanged(o *escrow.Order, d *escrow.DisputeCase) {
	e.hub.Publish(realtime.EventDisputeUpdated, o.ID, []string{o.BuyerID, o.SellerID}, map[string]any{
		"order":   o,
		"dispute": d,
	})
}

func (e *hubEvents) MessagePosted(c *conversation.Conversation, m *conversation.Message) {
	audience := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		audience = append(audience, p.UserID)
	}
	e.hub.Publish(realtime.EventMessagePosted, c.OrderID, audience, map[string]any{
		"message": m,
	})
}

var (
	_ escrow.EventPublisher       = (*hubEvents)(nil)
	_ conversation.MessageEmitter = (*hubEvents)(nil)
)

// paymentConfirmer lets the processor webhook move orders to paid.
type paymentConfirmer struct {
	orders *escrow.Service
}

func (p *paymentConfirmer) ConfirmPayment(ctx context.Context, orderID, paymentRef string) error {
	_, err := p.orders.ConfirmPayment(ctx, orderID, paymentRef)
	if errors.Is(err, escrow.ErrOrderNotFound) {
		return payments.ErrUnknownOrder
	}
	return err
}

func (p *paymentConfirmer) OrderAmount(ctx context.Context, orderID string) (decimal.Decimal, error) {
	o, err := p.orders.Get(ctx, orderID)
	if errors.Is(err, escrow.ErrOrderNotFound) {
		return decimal.Zero, payments.ErrUnknownOrder
	}
	if err != nil {
		return decimal.Zero, err
	}
	return o.Amount, nil
}
