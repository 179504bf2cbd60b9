package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sync"

	"github.com/resend/resend-go/v2"
)

// ErrNoAddress means the directory has no email for the recipient.
var ErrNoAddress = errors.New("notify: no email address for recipient")

// Directory resolves user ids to email addresses. The identity service owns
// addresses; this system never stores them with orders.
type Directory interface {
	Email(ctx context.Context, userID string) (string, error)
}

// StaticDirectory is a fixed map, used in development and tests.
type StaticDirectory struct {
	mu     sync.RWMutex
	emails map[string]string
}

func NewStaticDirectory(emails map[string]string) *StaticDirectory {
	cp := make(map[string]string, len(emails))
	for k, v := range emails {
		cp[k] = v
	}
	return &StaticDirectory{emails: cp}
}

func (d *StaticDirectory) Email(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if e, ok := d.emails[userID]; ok {
		return e, nil
	}
	return "", ErrNoAddress
}

// mailer is the part of the Resend client we use.
type mailer interface {
	Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// EmailSender delivers notifications as email through Resend.
type EmailSender struct {
	emails    mailer
	from      string
	directory Directory
	admins    []string
}

// NewEmailSender creates a Resend-backed sink. admins receive notifications
// addressed to RecipientAdmins.
func NewEmailSender(apiKey, from string, directory Directory, admins []string) *EmailSender {
	return &EmailSender{
		emails:    resend.NewClient(apiKey).Emails,
		from:      from,
		directory: directory,
		admins:    admins,
	}
}

func (s *EmailSender) Name() string { return "email" }

func (s *EmailSender) Deliver(ctx context.Context, n Notification) error {
	to, err := s.recipients(ctx, n.Recipient)
	if err != nil {
		return err
	}
	subject, body := render(n)
	_, err = s.emails.Send(&resend.SendEmailRequest{
		From:    s.from,
		To:      to,
		Subject: subject,
		Html:    body,
		Tags:    []resend.Tag{{Name: "event", Value: sanitizeTag(string(n.Event))}},
	})
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (s *EmailSender) recipients(ctx context.Context, recipient string) ([]string, error) {
	if recipient == RecipientAdmins {
		if len(s.admins) == 0 {
			return nil, ErrNoAddress
		}
		return s.admins, nil
	}
	addr, err := s.directory.Email(ctx, recipient)
	if err != nil {
		return nil, err
	}
	return []string{addr}, nil
}

var subjects = map[Event]string{
	EventOrderPaid:         "Payment received for order %s",
	EventOrderDelivered:    "Your order %s has been delivered",
	EventOrderCompleted:    "Order %s is complete",
	EventOrderRefunded:     "Order %s has been refunded",
	EventOrderCancelled:    "Order %s was cancelled",
	EventOutOfStock:        "Order %s is waiting for stock",
	EventDisputeOpened:     "A dispute was opened on order %s",
	EventDisputeResolved:   "The dispute on order %s has been resolved",
	EventSettlementPending: "Refund for order %s is being processed",
	EventNewMessage:        "New message on order %s",
}

func render(n Notification) (subject, body string) {
	format, ok := subjects[n.Event]
	if !ok {
		format = "Update on order %s"
	}
	subject = fmt.Sprintf(format, n.OrderID)

	body = "<p>" + html.EscapeString(subject) + "</p>"
	if n.Message != "" {
		body += "<p>" + html.EscapeString(n.Message) + "</p>"
	}
	if n.Amount != "" {
		body += "<p>Amount: $" + html.EscapeString(n.Amount) + "</p>"
	}
	return subject, body
}

// Resend tag values allow ASCII letters, numbers, underscores and dashes.
func sanitizeTag(s string) string {
	out := []byte(s)
	for i, c := range out {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-') {
			out[i] = '_'
		}
	}
	return string(out)
}

var (
	_ Sink      = (*EmailSender)(nil)
	_ Directory = (*StaticDirectory)(nil)
)
