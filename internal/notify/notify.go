// Package notify delivers order lifecycle notifications to buyers, sellers
// and admins. Delivery is asynchronous and best effort: a failed or slow
// sink never blocks or rolls back the order transition that triggered it.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lootvault/lootvault/internal/idgen"
	"github.com/lootvault/lootvault/internal/metrics"
)

// Event identifies what happened to an order.
type Event string

const (
	EventOrderPaid         Event = "order.paid"
	EventOrderDelivered    Event = "order.delivered"
	EventOrderCompleted    Event = "order.completed"
	EventOrderRefunded     Event = "order.refunded"
	EventOrderCancelled    Event = "order.cancelled"
	EventOutOfStock        Event = "order.out_of_stock"
	EventDisputeOpened     Event = "dispute.opened"
	EventDisputeResolved   Event = "dispute.resolved"
	EventSettlementPending Event = "settlement.pending"
	EventNewMessage        Event = "conversation.message"
)

// Notification is a single message for a single recipient.
type Notification struct {
	ID        string    `json:"id"`
	Event     Event     `json:"event"`
	OrderID   string    `json:"orderId"`
	Recipient string    `json:"recipient"` // user id, or "admins"
	Title     string    `json:"title,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RecipientAdmins addresses the admin dispute queue instead of a user.
const RecipientAdmins = "admins"

// Notifier accepts notifications. Notify must not block on delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Sink delivers a notification somewhere (queue, email, log).
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Dispatcher fans notifications out to sinks in background goroutines.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Each delivery gets its own timeout.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, timeout: 10 * time.Second, logger: logger}
}

// WithTimeout overrides the per-delivery timeout.
func (d *Dispatcher) WithTimeout(t time.Duration) *Dispatcher {
	d.timeout = t
	return d
}

// Notify schedules delivery to every sink and returns immediately.
func (d *Dispatcher) Notify(_ context.Context, n Notification) {
	if d == nil {
		return
	}
	if n.ID == "" {
		n.ID = idgen.WithPrefix("ntf_")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	for _, s := range d.sinks {
		d.wg.Add(1)
		go d.deliver(s, n)
	}
}

func (d *Dispatcher) deliver(s Sink, n Notification) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationsTotal.WithLabelValues(s.Name(), "panic").Inc()
			d.logger.Error("panic in notification sink", "sink", s.Name(), "panic", fmt.Sprint(r))
		}
	}()

	// Detached from the request context: the request may finish first.
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := s.Deliver(ctx, n); err != nil {
		metrics.NotificationsTotal.WithLabelValues(s.Name(), "error").Inc()
		d.logger.Warn("notification delivery failed",
			"sink", s.Name(), "event", n.Event, "orderId", n.OrderID, "recipient", n.Recipient, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(s.Name(), "ok").Inc()
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Drain waits for in-flight deliveries until ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	if d == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notifications still in flight: %w", ctx.Err())
	}
}

// LogSink writes notifications to the structured log. Used when no broker
// is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink { return &LogSink{logger: logger} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, n Notification) error {
	s.logger.Info("notification", "event", n.Event, "orderId", n.OrderID, "recipient", n.Recipient, "message", n.Message)
	return nil
}

// MemorySink keeps delivered notifications for tests.
type MemorySink struct {
	mu   sync.Mutex
	sent []Notification
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Deliver(_ context.Context, n Notification) error {
	s.mu.Lock()
	s.sent = append(s.sent, n)
	s.mu.Unlock()
	return nil
}

// Sent returns a copy of everything delivered so far.
func (s *MemorySink) Sent() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.sent...)
}

// Events returns the delivered events for recipient, in order.
func (s *MemorySink) Events(recipient string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, n := range s.sent {
		if n.Recipient == recipient {
			out = append(out, n.Event)
		}
	}
	return out
}

var (
	_ Notifier = (*Dispatcher)(nil)
	_ Sink     = (*LogSink)(nil)
	_ Sink     = (*MemorySink)(nil)
)
