// Package conversation provides the per-order chat between buyer, seller
// and mediating admins.
//
// Buyer and seller are participants from the start. Admins can read any
// conversation silently (spectating), which is never recorded anywhere
// the parties can see. An admin becomes a participant when their first
// message is stored; from then on every message they send carries the
// admin marker, and the dispute case is assigned to the first admin who
// joins.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lootvault/lootvault/internal/escrow"
	"github.com/lootvault/lootvault/internal/idgen"
	"github.com/lootvault/lootvault/internal/notify"
)

var (
	ErrNotFound       = errors.New("conversation not found")
	ErrForbidden      = errors.New("not a participant in this conversation")
	ErrMessageEmpty   = errors.New("message cannot be empty")
	ErrMessageTooLong = errors.New("message exceeds 2000 characters")
	ErrInvalidKind    = errors.New("invalid message kind")
)

const maxMessageLength = 2000

// Role of a message sender.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Kind categorizes messages
type Kind string

const (
	KindText           Kind = "text"
	KindEvidence       Kind = "evidence"        // screenshots, trade logs
	KindDeliveryNotice Kind = "delivery_notice" // seller explains how the item was handed over
	KindSystem         Kind = "system"
)

// Participant is a member of a conversation.
type Participant struct {
	UserID   string    `json:"userId"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Conversation is the thread attached to one order.
type Conversation struct {
	OrderID      string        `json:"orderId"`
	BuyerID      string        `json:"buyerId"`
	SellerID     string        `json:"sellerId"`
	Disputed     bool          `json:"disputed"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Member reports whether userID is in the participant set.
func (c *Conversation) Member(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// Message is one entry in a conversation.
type Message struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"orderId"`
	SenderID   string    `json:"senderId"`
	SenderRole Role      `json:"senderRole"`
	Kind       Kind      `json:"kind"`
	Body       string    `json:"body"`
	Admin      bool      `json:"admin"` // persisted, never derived at read time
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists conversations.
type Store interface {
	// Ensure creates the conversation with buyer and seller as
	// participants. It is a no-op when the conversation exists.
	Ensure(ctx context.Context, c *Conversation) error
	Get(ctx context.Context, orderID string) (*Conversation, error)
	MarkDisputed(ctx context.Context, orderID string) error
	// Append stores m. When join is set the participant is added in the
	// same write; joined reports whether they were new.
	Append(ctx context.Context, m *Message, join *Participant) (joined bool, err error)
	Messages(ctx context.Context, orderID string, limit int) ([]*Message, error)
}

// Orders resolves the parties of an order.
type Orders interface {
	Get(ctx context.Context, id string) (*escrow.Order, error)
}

// Mediators is told when an admin joins a conversation.
type Mediators interface {
	AssignMediator(ctx context.Context, orderID, adminID string) error
}

// MessageEmitter broadcasts stored messages to connected participants.
type MessageEmitter interface {
	MessagePosted(c *Conversation, m *Message)
}

// Service provides conversation operations
type Service struct {
	store     Store
	orders    Orders
	mediators Mediators
	events    MessageEmitter
	notifier  notify.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new conversation service
func NewService(store Store, orders Orders) *Service {
	return &Service{
		store:  store,
		orders: orders,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithMediators sets the hook notified when an admin joins.
func (s *Service) WithMediators(m Mediators) *Service {
	s.mediators = m
	return s
}

// WithEvents adds a realtime emitter.
func (s *Service) WithEvents(e MessageEmitter) *Service {
	s.events = e
	return s
}

// WithNotifier tells the other participants about new messages.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// open returns the conversation for an order, creating it on first use.
func (s *Service) open(ctx context.Context, orderID string) (*Conversation, error) {
	c, err := s.store.Get(ctx, orderID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, escrow.ErrOrderNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.ensure(ctx, o)
}

func (s *Service) ensure(ctx context.Context, o *escrow.Order) (*Conversation, error) {
	now := s.now()
	c := &Conversation{
		OrderID:  o.ID,
		BuyerID:  o.BuyerID,
		SellerID: o.SellerID,
		Participants: []Participant{
			{UserID: o.BuyerID, Role: RoleBuyer, JoinedAt: now},
			{UserID: o.SellerID, Role: RoleSeller, JoinedAt: now},
		},
		CreatedAt: now,
	}
	if err := s.store.Ensure(ctx, c); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, o.ID)
}

// Spectate returns the thread to an admin without joining it. Nothing is
// written, so the parties cannot tell the admin looked.
func (s *Service) Spectate(ctx context.Context, orderID, adminID string, limit int) (*Conversation, []*Message, error) {
	c, err := s.store.Get(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		o, oerr := s.orders.Get(ctx, orderID)
		if oerr != nil {
			if errors.Is(oerr, escrow.ErrOrderNotFound) {
				return nil, nil, ErrNotFound
			}
			return nil, nil, oerr
		}
		// Not started yet: describe it without creating it.
		return &Conversation{
			OrderID:  o.ID,
			BuyerID:  o.BuyerID,
			SellerID: o.SellerID,
			Participants: []Participant{
				{UserID: o.BuyerID, Role: RoleBuyer},
				{UserID: o.SellerID, Role: RoleSeller},
			},
		}, []*Message{}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.store.Messages(ctx, orderID, limit)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Debug("conversation spectated", "orderId", orderID, "adminId", adminID)
	return c, msgs, nil
}

// Messages returns the thread to a participant.
func (s *Service) Messages(ctx context.Context, orderID, viewerID string, limit int) (*Conversation, []*Message, error) {
	c, err := s.open(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := c.Member(viewerID); !ok {
		return nil, nil, ErrForbidden
	}
	msgs, err := s.store.Messages(ctx, orderID, limit)
	if err != nil {
		return nil, nil, err
	}
	return c, msgs, nil
}

// Post stores a message from a buyer, seller or admin. Buyer and seller
// must be the order's parties. An admin's first message adds them to the
// participant set and assigns them as mediator of an open dispute.
func (s *Service) Post(ctx context.Context, orderID, senderID string, role Role, body string, kind Kind) (*Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrMessageEmpty
	}
	if len(body) > maxMessageLength {
		return nil, ErrMessageTooLong
	}
	if kind == "" {
		kind = KindText
	}
	if err := validKind(role, kind); err != nil {
		return nil, err
	}

	c, err := s.open(ctx, orderID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var join *Participant
	switch role {
	case RoleBuyer, RoleSeller:
		p, ok := c.Member(senderID)
		if !ok || p.Role != role {
			return nil, ErrForbidden
		}
	case RoleAdmin:
		if _, ok := c.Member(senderID); !ok {
			join = &Participant{UserID: senderID, Role: RoleAdmin, JoinedAt: now}
		}
	default:
		return nil, ErrForbidden
	}

	m := &Message{
		ID:         idgen.WithPrefix("msg_"),
		OrderID:    orderID,
		SenderID:   senderID,
		SenderRole: role,
		Kind:       kind,
		Body:       body,
		Admin:      role == RoleAdmin,
		CreatedAt:  now,
	}
	joined, err := s.store.Append(ctx, m, join)
	if err != nil {
		return nil, err
	}
	if joined {
		c.Participants = append(c.Participants, *join)
		s.logger.Info("admin joined conversation", "orderId", orderID, "adminId", senderID)
		if s.mediators != nil {
			if err := s.mediators.AssignMediator(ctx, orderID, senderID); err != nil {
				s.logger.Warn("assign mediator failed", "orderId", orderID, "adminId", senderID, "error", err)
			}
		}
	}
	if s.events != nil {
		s.events.MessagePosted(c, m)
	}
	s.notifyParticipants(ctx, c, m)
	return m, nil
}

// notifyParticipants sends EventNewMessage to everyone in the thread except
// the sender.
func (s *Service) notifyParticipants(ctx context.Context, c *Conversation, m *Message) {
	if s.notifier == nil {
		return
	}
	for _, p := range c.Participants {
		if p.UserID == m.SenderID {
			continue
		}
		s.notifier.Notify(ctx, notify.Notification{
			Event:     notify.EventNewMessage,
			OrderID:   c.OrderID,
			Recipient: p.UserID,
			Message:   preview(m.Body),
		})
	}
}

const previewLength = 140

func preview(body string) string {
	r := []rune(body)
	if len(r) <= previewLength {
		return body
	}
	return string(r[:previewLength]) + "..."
}

// PostAsParty posts as whichever party userID is on the order.
func (s *Service) PostAsParty(ctx context.Context, orderID, userID, body string, kind Kind) (*Message, error) {
	c, err := s.open(ctx, orderID)
	if err != nil {
		return nil, err
	}
	p, ok := c.Member(userID)
	if !ok || p.Role == RoleAdmin {
		return nil, ErrForbidden
	}
	return s.Post(ctx, orderID, userID, p.Role, body, kind)
}

func validKind(role Role, kind Kind) error {
	switch kind {
	case KindText, KindEvidence:
		return nil
	case KindDeliveryNotice:
		if role == RoleSeller {
			return nil
		}
	}
	return fmt.Errorf("%w: %s cannot post %s messages", ErrInvalidKind, role, kind)
}

// system posts a message authored by the platform.
func (s *Service) system(ctx context.Context, c *Conversation, body string) {
	m := &Message{
		ID:         idgen.WithPrefix("msg_"),
		OrderID:    c.OrderID,
		SenderID:   string(RoleSystem),
		SenderRole: RoleSystem,
		Kind:       KindSystem,
		Body:       body,
		CreatedAt:  s.now(),
	}
	if _, err := s.store.Append(ctx, m, nil); err != nil {
		s.logger.Error("system message failed", "orderId", c.OrderID, "error", err)
		return
	}
	if s.events != nil {
		s.events.MessagePosted(c, m)
	}
}

// DisputeOpened flags the conversation and posts the buyer's reason.
func (s *Service) DisputeOpened(ctx context.Context, o *escrow.Order, reason string) {
	c, err := s.ensure(ctx, o)
	if err != nil {
		s.logger.Error("open dispute conversation failed", "orderId", o.ID, "error", err)
		return
	}
	if err := s.store.MarkDisputed(ctx, o.ID); err != nil {
		s.logger.Error("mark conversation disputed failed", "orderId", o.ID, "error", err)
		return
	}
	c.Disputed = true
	s.system(ctx, c, "Dispute opened by the buyer: "+reason)
}

// DisputeResolved posts the verdict into the thread.
func (s *Service) DisputeResolved(ctx context.Context, o *escrow.Order, d *escrow.DisputeCase) {
	c, err := s.ensure(ctx, o)
	if err != nil {
		s.logger.Error("resolve dispute conversation failed", "orderId", o.ID, "error", err)
		return
	}
	s.system(ctx, c, fmt.Sprintf("Dispute resolved (%s): %s", d.Verdict, d.VerdictReason))
}

var _ escrow.DisputeObserver = (*Service)(nil)
