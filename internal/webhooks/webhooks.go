// Package webhooks delivers order notifications to HTTPS endpoints that
// buyers and sellers register for their own account.
//
// Every request is signed: the X-LootVault-Signature header carries
// "sha256=" + hex(HMAC-SHA256(secret, timestamp + "." + body)), where
// timestamp is the X-LootVault-Timestamp header. Receivers should reject
// stale timestamps to prevent replay.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/lootvault/lootvault/internal/idgen"
	"github.com/lootvault/lootvault/internal/metrics"
	"github.com/lootvault/lootvault/internal/notify"
	"github.com/lootvault/lootvault/internal/retry"
	"github.com/lootvault/lootvault/internal/security"
)

const (
	HeaderSignature = "X-LootVault-Signature"
	HeaderEvent     = "X-LootVault-Event"
	HeaderTimestamp = "X-LootVault-Timestamp"
	HeaderDelivery  = "X-LootVault-Delivery"

	// EventTest is sent by the test endpoint only. It cannot be subscribed to.
	EventTest notify.Event = "webhook.test"

	// MaxPerUser caps subscriptions per account.
	MaxPerUser = 10

	// DefaultMaxFailures disables a subscription after this many
	// consecutive failed deliveries.
	DefaultMaxFailures = 10
)

var (
	ErrNotFound     = errors.New("webhook not found")
	ErrUnknownEvent = errors.New("unknown webhook event")
	ErrNoEvents     = errors.New("at least one event is required")
	ErrLimitReached = errors.New("webhook limit reached")
)

// Subscribable lists the events a user can subscribe to. Admin queue
// notifications are not exposed.
var Subscribable = map[notify.Event]bool{
	notify.EventOrderPaid:         true,
	notify.EventOrderDelivered:    true,
	notify.EventOrderCompleted:    true,
	notify.EventOrderRefunded:     true,
	notify.EventOrderCancelled:    true,
	notify.EventOutOfStock:        true,
	notify.EventDisputeOpened:     true,
	notify.EventDisputeResolved:   true,
	notify.EventSettlementPending: true,
	notify.EventNewMessage:        true,
}

// Payload is the JSON body of every delivery.
type Payload struct {
	ID        string              `json:"id"`
	Type      notify.Event        `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Data      notify.Notification `json:"data"`
}

// Subscription is one registered endpoint.
type Subscription struct {
	ID                  string         `json:"id"`
	UserID              string         `json:"userId"`
	URL                 string         `json:"url"`
	Secret              string         `json:"-"`
	Events              []notify.Event `json:"events"`
	Active              bool           `json:"active"`
	CreatedAt           time.Time      `json:"createdAt"`
	LastSuccess         *time.Time     `json:"lastSuccess,omitempty"`
	LastError           string         `json:"lastError,omitempty"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
}

// Wants reports whether the subscription should receive event.
func (s *Subscription) Wants(event notify.Event) bool {
	if !s.Active {
		return false
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Store persists subscriptions. MarkFailure increments the failure counter
// atomically and deactivates the subscription once it reaches maxFailures;
// it reports whether the subscription is still active.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
	MarkSuccess(ctx context.Context, id string, at time.Time) error
	MarkFailure(ctx context.Context, id, reason string, maxFailures int) (bool, error)
}

// ParseEvents validates and de-duplicates requested event names.
func ParseEvents(names []string) ([]notify.Event, error) {
	if len(names) == 0 {
		return nil, ErrNoEvents
	}
	seen := make(map[notify.Event]bool, len(names))
	out := make([]notify.Event, 0, len(names))
	for _, n := range names {
		e := notify.Event(n)
		if !Subscribable[e] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, n)
		}
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out, nil
}

// Sign computes the signature header value for a delivery.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}

// Dispatcher is a notify.Sink that posts notifications to the recipient's
// subscribed endpoints.
type Dispatcher struct {
	store       Store
	client      *http.Client
	policy      retry.Policy
	maxFailures int
	checkURL    func(ctx context.Context, rawURL string) error
	logger      *slog.Logger
	now         func() time.Time
}

// NewDispatcher creates a dispatcher with a 10s HTTP timeout.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		client:      &http.Client{Timeout: 10 * time.Second},
		policy:      retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 4 * time.Second},
		maxFailures: DefaultMaxFailures,
		checkURL:    security.ValidateEndpointURL,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClient replaces the HTTP client.
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithRetryPolicy overrides per-delivery retries.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// WithMaxFailures overrides the deactivation threshold.
func (d *Dispatcher) WithMaxFailures(n int) *Dispatcher {
	d.maxFailures = n
	return d
}

// WithURLCheck replaces the endpoint safety check. Tests use it to reach
// httptest servers on loopback.
func (d *Dispatcher) WithURLCheck(fn func(ctx context.Context, rawURL string) error) *Dispatcher {
	d.checkURL = fn
	return d
}

func (d *Dispatcher) Name() string { return "webhook" }

// Deliver posts n to every active subscription of n.Recipient that wants
// n.Event. Failures are recorded per subscription and joined.
func (d *Dispatcher) Deliver(ctx context.Context, n notify.Notification) error {
	if n.Recipient == "" || n.Recipient == notify.RecipientAdmins {
		return nil
	}
	subs, err := d.store.ListByUser(ctx, n.Recipient)
	if err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}

	var errs []error
	for _, sub := range subs {
		if !sub.Wants(n.Event) {
			continue
		}
		if err := d.send(ctx, sub, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sub.ID, err))
		}
	}
	return errors.Join(errs...)
}

// SendTest posts a webhook.test event to sub regardless of its event list.
func (d *Dispatcher) SendTest(ctx context.Context, sub *Subscription) error {
	return d.send(ctx, sub, notify.Notification{
		ID:        idgen.WithPrefix("ntf_"),
		Event:     EventTest,
		Recipient: sub.UserID,
		Message:   "Test delivery",
		CreatedAt: d.now(),
	})
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, n notify.Notification) error {
	// Resolved again on every delivery: DNS may have changed since registration.
	if err := d.checkURL(ctx, sub.URL); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("blocked").Inc()
		d.recordFailure(ctx, sub, err.Error())
		return err
	}

	body, err := json.Marshal(Payload{ID: n.ID, Type: n.Event, Timestamp: n.CreatedAt, Data: n})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	ts := strconv.FormatInt(n.CreatedAt.Unix(), 10)
	signature := Sign(sub.Secret, ts, body)

	err = retry.Do(ctx, d.policy, func(ctx context.Context) error {
		return d.post(ctx, sub.URL, n, ts, signature, body)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.recordFailure(ctx, sub, err.Error())
		return err
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	if err := d.store.MarkSuccess(ctx, sub.ID, d.now()); err != nil {
		d.logger.Warn("failed to record webhook success", "webhookId", sub.ID, "error", err)
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, url string, n notify.Notification, ts, signature string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "LootVault-Webhooks/1.0")
	req.Header.Set(HeaderEvent, string(n.Event))
	req.Header.Set(HeaderDelivery, n.ID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("endpoint returned %d", resp.StatusCode))
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, reason string) {
	if len(reason) > 500 {
		reason = reason[:500]
	}
	active, err := d.store.MarkFailure(ctx, sub.ID, reason, d.maxFailures)
	if err != nil {
		d.logger.Warn("failed to record webhook failure", "webhookId", sub.ID, "error", err)
		return
	}
	if !active && sub.Active {
		metrics.WebhookDeliveriesTotal.WithLabelValues("disabled").Inc()
		d.logger.Warn("webhook disabled after repeated failures",
			"webhookId", sub.ID, "userId", sub.UserID, "maxFailures", d.maxFailures)
	}
}

var _ notify.Sink = (*Dispatcher)(nil)
