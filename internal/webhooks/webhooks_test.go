package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lootvault/lootvault/internal/notify"
	"github.com/lootvault/lootvault/internal/retry"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// newTestDispatcher skips the endpoint check so deliveries reach httptest
// servers on loopback.
func newTestDispatcher(store Store) *Dispatcher {
	return NewDispatcher(store, quiet).
		WithURLCheck(func(context.Context, string) error { return nil }).
		WithRetryPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
}

func seed(t *testing.T, store Store, id, userID, url string, events ...notify.Event) *Subscription {
	t.Helper()
	sub := &Subscription{
		ID:        id,
		UserID:    userID,
		URL:       url,
		Secret:    "whsec_" + id,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Create(context.Background(), sub))
	return sub
}

type received struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  [][]byte
}

func (r *received) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.headers = append(r.headers, req.Header.Clone())
		r.bodies = append(r.bodies, body)
		r.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seed(t, store, "wh_1", "usr_seller", "https://example.com/a", notify.EventOrderPaid)
	seed(t, store, "wh_2", "usr_other", "https://example.com/b", notify.EventOrderPaid)

	got, err := store.Get(ctx, "wh_1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", got.URL)

	got.Events[0] = notify.EventOrderRefunded
	again, _ := store.Get(ctx, "wh_1")
	assert.Equal(t, notify.EventOrderPaid, again.Events[0], "Get returns a copy")

	subs, err := store.ListByUser(ctx, "usr_seller")
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	require.NoError(t, store.Delete(ctx, "wh_1"))
	_, err = store.Get(ctx, "wh_1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_1"), ErrNotFound)
}

func TestMemoryStore_MarkFailureDisablesAtThreshold(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seed(t, store, "wh_1", "usr_seller", "https://example.com/a", notify.EventOrderPaid)

	active, err := store.MarkFailure(ctx, "wh_1", "boom", 2)
	require.NoError(t, err)
	assert.True(t, active)

	active, err = store.MarkFailure(ctx, "wh_1", "boom", 2)
	require.NoError(t, err)
	assert.False(t, active)

	sub, _ := store.Get(ctx, "wh_1")
	assert.Equal(t, 2, sub.ConsecutiveFailures)
	assert.Equal(t, "boom", sub.LastError)

	require.NoError(t, store.MarkSuccess(ctx, "wh_1", time.Now()))
	sub, _ = store.Get(ctx, "wh_1")
	assert.Zero(t, sub.ConsecutiveFailures)
	assert.Empty(t, sub.LastError)
	assert.NotNil(t, sub.LastSuccess)
	assert.False(t, sub.Active, "success does not reactivate")
}

// ---------------------------------------------------------------------------
// Signing and events
// ---------------------------------------------------------------------------

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"id":"ntf_1"}`)
	sig := Sign("secret", "1700000000", body)

	assert.Contains(t, sig, "sha256=")
	assert.True(t, Verify("secret", "1700000000", body, sig))
	assert.False(t, Verify("other", "1700000000", body, sig))
	assert.False(t, Verify("secret", "1700000001", body, sig), "timestamp is covered")
	assert.False(t, Verify("secret", "1700000000", []byte(`{"id":"ntf_2"}`), sig))
}

func TestParseEvents(t *testing.T) {
	events, err := ParseEvents([]string{"order.paid", "order.paid", "dispute.opened"})
	require.NoError(t, err)
	assert.Equal(t, []notify.Event{notify.EventOrderPaid, notify.EventDisputeOpened}, events)

	_, err = ParseEvents(nil)
	assert.ErrorIs(t, err, ErrNoEvents)

	_, err = ParseEvents([]string{"order.exploded"})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = ParseEvents([]string{string(EventTest)})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

func TestDispatcher_DeliversSignedPayloadToSubscribers(t *testing.T) {
	var rec received
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	store := NewMemoryStore()
	seed(t, store, "wh_paid", "usr_seller", srv.URL, notify.EventOrderPaid)
	seed(t, store, "wh_other_event", "usr_seller", srv.URL, notify.EventOrderRefunded)
	seed(t, store, "wh_other_user", "usr_buyer", srv.URL, notify.EventOrderPaid)

	d := newTestDispatcher(store)
	n := notify.Notification{
		ID:        "ntf_1",
		Event:     notify.EventOrderPaid,
		OrderID:   "ord_1",
		Recipient: "usr_seller",
		Amount:    "25.00",
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, d.Deliver(context.Background(), n))

	require.Equal(t, 1, rec.count())
	h := rec.headers[0]
	assert.Equal(t, "order.paid", h.Get(HeaderEvent))
	assert.Equal(t, "ntf_1", h.Get(HeaderDelivery))
	assert.Equal(t, "1700000000", h.Get(HeaderTimestamp))
	assert.True(t, Verify("whsec_wh_paid", h.Get(HeaderTimestamp), rec.bodies[0], h.Get(HeaderSignature)))

	var p Payload
	require.NoError(t, json.Unmarshal(rec.bodies[0], &p))
	assert.Equal(t, notify.EventOrderPaid, p.Type)
	assert.Equal(t, "ord_1", p.Data.OrderID)

	sub, _ := store.Get(context.Background(), "wh_paid")
	assert.NotNil(t, sub.LastSuccess)
}

func TestDispatcher_IgnoresAdminQueue(t *testing.T) {
	var rec received
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	store := NewMemoryStore()
	seed(t, store, "wh_1", notify.RecipientAdmins, srv.URL, notify.EventDisputeOpened)

	err := newTestDispatcher(store).Deliver(context.Background(), notify.Notification{
		Event: notify.EventDisputeOpened, Recipient: notify.RecipientAdmins,
	})
	require.NoError(t, err)
	assert.Zero(t, rec.count())
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	seed(t, store, "wh_1", "usr_buyer", srv.URL, notify.EventOrderDelivered)

	err := newTestDispatcher(store).Deliver(context.Background(), notify.Notification{
		ID: "ntf_1", Event: notify.EventOrderDelivered, Recipient: "usr_buyer", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestDispatcher_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	seed(t, store, "wh_1", "usr_buyer", srv.URL, notify.EventOrderDelivered)

	err := newTestDispatcher(store).Deliver(context.Background(), notify.Notification{
		ID: "ntf_1", Event: notify.EventOrderDelivered, Recipient: "usr_buyer", CreatedAt: time.Now(),
	})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())

	sub, _ := store.Get(context.Background(), "wh_1")
	assert.Equal(t, 1, sub.ConsecutiveFailures)
	assert.Contains(t, sub.LastError, "410")
}

func TestDispatcher_DisablesAfterRepeatedFailures(t *testing.T) {
	var rec received
	srv := httptest.NewServer(rec.handler(http.StatusBadRequest))
	defer srv.Close()

	store := NewMemoryStore()
	seed(t, store, "wh_1", "usr_buyer", srv.URL, notify.EventOrderRefunded)
	d := newTestDispatcher(store).WithMaxFailures(2)

	n := notify.Notification{ID: "ntf_1", Event: notify.EventOrderRefunded, Recipient: "usr_buyer", CreatedAt: time.Now()}
	for i := 0; i < 3; i++ {
		_ = d.Deliver(context.Background(), n)
	}

	assert.Equal(t, 2, rec.count(), "disabled subscription receives nothing")
	sub, _ := store.Get(context.Background(), "wh_1")
	assert.False(t, sub.Active)
}

func TestDispatcher_BlockedURLCountsAsFailure(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "wh_1", "usr_buyer", "https://127.0.0.1/hook", notify.EventOrderPaid)

	// default check rejects loopback
	d := NewDispatcher(store, quiet)
	err := d.Deliver(context.Background(), notify.Notification{Event: notify.EventOrderPaid, Recipient: "usr_buyer"})
	require.Error(t, err)

	sub, _ := store.Get(context.Background(), "wh_1")
	assert.Equal(t, 1, sub.ConsecutiveFailures)
}

func TestDispatcher_WorksAsNotifySink(t *testing.T) {
	var rec received
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	store := NewMemoryStore()
	seed(t, store, "wh_1", "usr_seller", srv.URL, notify.EventOrderCompleted)

	nd := notify.NewDispatcher(quiet, newTestDispatcher(store))
	nd.Notify(context.Background(), notify.Notification{Event: notify.EventOrderCompleted, Recipient: "usr_seller", OrderID: "ord_1"})
	nd.Wait()

	require.Equal(t, 1, rec.count())
	var p Payload
	require.NoError(t, json.Unmarshal(rec.bodies[0], &p))
	assert.NotEmpty(t, p.ID, "notification id is assigned upstream")
}
