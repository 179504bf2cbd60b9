package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueName is the durable queue carrying notifications to cmd/notifier.
const QueueName = "order_notifications"

// AMQPPublisher publishes notifications to RabbitMQ.
type AMQPPublisher struct {
	conn  *amqp.Connection
	mu    sync.Mutex
	ch    *amqp.Channel
	queue string
}

// NewAMQPPublisher opens a channel on conn and declares the queue.
func NewAMQPPublisher(conn *amqp.Connection) (*AMQPPublisher, error) {
	p := &AMQPPublisher{conn: conn, queue: QueueName}
	if err := p.reopen(); err != nil {
		return nil, err
	}
	return p, nil
}

// caller holds p.mu or is the constructor
func (p *AMQPPublisher) reopen() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	p.ch = ch
	return nil
}

func (p *AMQPPublisher) Name() string { return "amqp" }

// Deliver publishes n as a persistent JSON message.
func (p *AMQPPublisher) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		if err := p.reopen(); err != nil {
			return err
		}
	}
	return p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID,
		Body:         body,
	})
}

// Close closes the channel (not the connection).
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	return p.ch.Close()
}

// Consumer reads notifications from the queue and hands them to a Sink.
// Malformed messages are dropped; failed deliveries are requeued once.
type Consumer struct {
	conn   *amqp.Connection
	sink   Sink
	logger *slog.Logger
}

// NewConsumer creates a queue consumer delivering to sink.
func NewConsumer(conn *amqp.Connection, sink Sink, logger *slog.Logger) *Consumer {
	return &Consumer{conn: conn, sink: sink, logger: logger}
}

// Run consumes until ctx is done or the channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("notification consumer started", "queue", QueueName, "sink", c.sink.Name())
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

// acker is the subset of amqp.Delivery the consumer needs.
type acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	c.process(ctx, d.Body, d.Redelivered, d)
}

func (c *Consumer) process(ctx context.Context, body []byte, redelivered bool, ack acker) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		c.logger.Warn("dropping malformed notification", "error", err)
		_ = ack.Nack(false, false)
		return
	}
	if err := c.sink.Deliver(ctx, n); err != nil {
		c.logger.Warn("notification sink failed",
			"sink", c.sink.Name(), "event", n.Event, "orderId", n.OrderID, "redelivered", redelivered, "error", err)
		_ = ack.Nack(false, !redelivered)
		return
	}
	if err := ack.Ack(false); err != nil {
		c.logger.Warn("failed to ack notification", "id", n.ID, "error", err)
	}
}

var _ Sink = (*AMQPPublisher)(nil)
