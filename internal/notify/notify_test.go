package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingSink struct{ err error }

func (f failingSink) Name() string                                 { return "failing" }
func (f failingSink) Deliver(context.Context, Notification) error { return f.err }

type panickingSink struct{}

func (panickingSink) Name() string                                 { return "panicking" }
func (panickingSink) Deliver(context.Context, Notification) error { panic("boom") }

func TestDispatcher_DeliversToAllSinksDespiteFailures(t *testing.T) {
	mem := NewMemorySink()
	d := NewDispatcher(discardLogger(), failingSink{err: errors.New("down")}, panickingSink{}, mem)

	d.Notify(context.Background(), Notification{Event: EventOrderPaid, OrderID: "ord-1", Recipient: "seller-1"})
	d.Notify(context.Background(), Notification{Event: EventOrderDelivered, OrderID: "ord-1", Recipient: "buyer-1"})
	d.Wait()

	sent := mem.Sent()
	require.Len(t, sent, 2)
	for _, n := range sent {
		assert.NotEmpty(t, n.ID)
		assert.False(t, n.CreatedAt.IsZero())
	}
	assert.Equal(t, []Event{EventOrderPaid}, mem.Events("seller-1"))
}

func TestDispatcher_NilIsNoop(t *testing.T) {
	var d *Dispatcher
	d.Notify(context.Background(), Notification{Event: EventOrderPaid})
	assert.NoError(t, d.Drain(context.Background()))
}

type blockingSink struct{ release chan struct{} }

func (b blockingSink) Name() string { return "blocking" }
func (b blockingSink) Deliver(ctx context.Context, _ Notification) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDispatcher_Drain(t *testing.T) {
	sink := blockingSink{release: make(chan struct{})}
	d := NewDispatcher(discardLogger(), sink)
	d.Notify(context.Background(), Notification{Event: EventOrderPaid, OrderID: "ord-1", Recipient: "seller-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(sink.release)
	assert.NoError(t, d.Drain(context.Background()))
}

// --- consumer ---

type fakeAck struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAck) Ack(bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = true
	return nil
}

func (f *fakeAck) Nack(_ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked, f.requeue = true, requeue
	return nil
}

func TestConsumer_Process(t *testing.T) {
	body, _ := json.Marshal(Notification{ID: "n1", Event: EventDisputeOpened, OrderID: "ord-1", Recipient: RecipientAdmins})

	t.Run("acks on success", func(t *testing.T) {
		mem := NewMemorySink()
		c := NewConsumer(nil, mem, discardLogger())
		ack := &fakeAck{}
		c.process(context.Background(), body, false, ack)
		assert.True(t, ack.acked)
		assert.Len(t, mem.Sent(), 1)
	})

	t.Run("requeues first failure only", func(t *testing.T) {
		c := NewConsumer(nil, failingSink{err: errors.New("smtp down")}, discardLogger())
		first := &fakeAck{}
		c.process(context.Background(), body, false, first)
		assert.True(t, first.nacked)
		assert.True(t, first.requeue)

		second := &fakeAck{}
		c.process(context.Background(), body, true, second)
		assert.True(t, second.nacked)
		assert.False(t, second.requeue)
	})

	t.Run("drops malformed", func(t *testing.T) {
		c := NewConsumer(nil, NewMemorySink(), discardLogger())
		ack := &fakeAck{}
		c.process(context.Background(), []byte("{nope"), false, ack)
		assert.True(t, ack.nacked)
		assert.False(t, ack.requeue)
	})
}

// --- email ---

type fakeMailer struct {
	sent []*resend.SendEmailRequest
	err  error
}

func (f *fakeMailer) Send(p *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, p)
	return &resend.SendEmailResponse{Id: "em_1"}, nil
}

func TestEmailSender_ResolvesRecipient(t *testing.T) {
	m := &fakeMailer{}
	s := &EmailSender{
		emails:    m,
		from:      "orders@lootvault.test",
		directory: NewStaticDirectory(map[string]string{"buyer-1": "buyer@example.com"}),
		admins:    []string{"mods@lootvault.test"},
	}

	err := s.Deliver(context.Background(), Notification{Event: EventOrderDelivered, OrderID: "ord-7", Recipient: "buyer-1"})
	require.NoError(t, err)
	require.Len(t, m.sent, 1)
	assert.Equal(t, []string{"buyer@example.com"}, m.sent[0].To)
	assert.Equal(t, "Your order ord-7 has been delivered", m.sent[0].Subject)
	assert.Equal(t, "order_delivered", m.sent[0].Tags[0].Value)

	err = s.Deliver(context.Background(), Notification{Event: EventDisputeOpened, OrderID: "ord-7", Recipient: RecipientAdmins})
	require.NoError(t, err)
	assert.Equal(t, []string{"mods@lootvault.test"}, m.sent[1].To)

	err = s.Deliver(context.Background(), Notification{Event: EventOrderPaid, OrderID: "ord-7", Recipient: "stranger"})
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestRender_EscapesMessage(t *testing.T) {
	_, body := render(Notification{Event: EventNewMessage, OrderID: "ord-1", Message: "<script>x</script>"})
	assert.NotContains(t, body, "<script>")
	assert.Contains(t, body, "&lt;script&gt;")
}
