package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/lootvault/lootvault/internal/retry"
	"github.com/lootvault/lootvault/internal/traces"
)

// StripeProcessor refunds Stripe PaymentIntents.
type StripeProcessor struct {
	sc *client.API
}

// NewStripeProcessor creates a processor using the given secret key.
func NewStripeProcessor(secretKey string) *StripeProcessor {
	return &StripeProcessor{sc: client.New(secretKey, nil)}
}

// NewStripeProcessorWithBackends is used by tests to point the client at a
// fake Stripe API.
func NewStripeProcessorWithBackends(secretKey string, backends *stripe.Backends) *StripeProcessor {
	return &StripeProcessor{sc: client.New(secretKey, backends)}
}

// Refund creates a refund for the PaymentIntent in req.PaymentRef. Errors the
// processor will keep returning are marked permanent for internal/retry.
func (p *StripeProcessor) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	if req.PaymentRef == "" {
		return nil, retry.Permanent(ErrMissingReference)
	}

	ctx, span := traces.StartSpan(ctx, "payments.stripe.Refund",
		traces.OrderID(req.OrderID), traces.Amount(req.Amount.StringFixed(2)))
	var err error
	defer func() { traces.End(span, err) }()

	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(req.PaymentRef),
		Amount:        stripe.Int64(req.Amount.Shift(2).IntPart()),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.SetIdempotencyKey("refund-" + req.IdempotencyKey)
	params.AddMetadata("order_id", req.OrderID)

	r, err := p.sc.Refunds.New(params)
	if err != nil {
		err = classify(err)
		return nil, err
	}
	if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
		err = retry.Permanent(fmt.Errorf("%w: status %s", ErrDeclined, r.Status))
		return nil, err
	}
	return &Refund{
		ID:        r.ID,
		OrderID:   req.OrderID,
		Amount:    req.Amount,
		CreatedAt: timeFromUnix(r.Created),
	}, nil
}

// classify maps Stripe errors onto ErrDeclined (permanent) or ErrUnavailable.
// 409 (idempotency conflict while a request is in flight) and 429 are retried.
func classify(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusConflict, se.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrUnavailable, se.Msg)
		case se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500:
			return retry.Permanent(fmt.Errorf("%w: %s", ErrDeclined, se.Msg))
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func timeFromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}

var _ Processor = (*StripeProcessor)(nil)
