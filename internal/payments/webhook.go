package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/lootvault/lootvault/internal/metrics"
)

// maxWebhookBody bounds the webhook payload we are willing to read.
const maxWebhookBody = 64 << 10

const eventPaymentSucceeded = "payment_intent.succeeded"

// DefaultCurrency is the settlement currency when none is configured.
const DefaultCurrency = "usd"

// Confirmer records a captured payment against an order. Implementations
// must treat repeated confirmations as no-ops.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, orderID, paymentRef string) error
	// OrderAmount returns what the buyer owes, or ErrUnknownOrder.
	OrderAmount(ctx context.Context, orderID string) (decimal.Decimal, error)
}

// ErrUnknownOrder is returned by Confirmer when the order does not exist.
// The webhook acknowledges such events so the processor stops retrying.
var ErrUnknownOrder = errors.New("payments: unknown order")

// WebhookHandler receives processor events.
type WebhookHandler struct {
	confirmer Confirmer
	secret    string
	currency  string
	logger    *slog.Logger
}

// NewWebhookHandler creates a webhook handler verifying signatures with secret.
func NewWebhookHandler(confirmer Confirmer, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{confirmer: confirmer, secret: secret, currency: DefaultCurrency, logger: logger}
}

// WithCurrency sets the only currency payments are accepted in.
func (h *WebhookHandler) WithCurrency(currency string) *WebhookHandler {
	if currency != "" {
		h.currency = currency
	}
	return h
}

// RegisterRoutes sets up the unauthenticated webhook route. Authenticity
// comes from the Stripe-Signature header.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payments", h.Receive)
}

// Receive handles POST /v1/webhooks/payments
func (h *WebhookHandler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Failed to read body"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("rejected payment webhook", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
		return
	}

	if string(event.Type) != eventPaymentSucceeded {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": "Malformed payment intent"})
		return
	}
	orderID := pi.Metadata["order_id"]
	if orderID == "" {
		h.logger.Warn("payment intent without order_id", "paymentIntent", pi.ID)
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	ok, err := h.matchesOrder(c, orderID, &pi)
	if err != nil {
		if errors.Is(err, ErrUnknownOrder) {
			h.logger.Warn("payment for unknown order", "orderId", orderID, "paymentIntent", pi.ID)
			c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
			return
		}
		h.logger.Error("order lookup failed", "orderId", orderID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "confirm_failed", "message": "Payment confirmation failed"})
		return
	}
	if !ok {
		return
	}

	if err := h.confirmer.ConfirmPayment(c.Request.Context(), orderID, pi.ID); err != nil {
		if errors.Is(err, ErrUnknownOrder) {
			h.logger.Warn("payment for unknown order", "orderId", orderID, "paymentIntent", pi.ID)
			c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
			return
		}
		// Non-2xx makes the processor redeliver the event later.
		h.logger.Error("payment confirmation failed", "orderId", orderID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "confirm_failed", "message": "Payment confirmation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// matchesOrder checks the captured amount and currency against the order.
// A mismatch is acknowledged so the processor stops redelivering, and the
// order stays pending for an operator to look at.
func (h *WebhookHandler) matchesOrder(c *gin.Context, orderID string, pi *stripe.PaymentIntent) (bool, error) {
	want, err := h.confirmer.OrderAmount(c.Request.Context(), orderID)
	if err != nil {
		return false, err
	}

	got := decimal.New(pi.AmountReceived, -2)
	reason := ""
	switch {
	case !strings.EqualFold(string(pi.Currency), h.currency):
		reason = "currency"
	case !got.Equal(want):
		reason = "amount"
	}
	if reason == "" {
		return true, nil
	}

	metrics.PaymentMismatchesTotal.WithLabelValues(reason).Inc()
	h.logger.Warn("payment does not match order",
		"orderId", orderID,
		"paymentIntent", pi.ID,
		"reason", reason,
		"expected", want.StringFixed(2),
		"received", got.StringFixed(2),
		"currency", string(pi.Currency),
	)
	c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true, "reason": reason + "_mismatch"})
	return false, nil
}
