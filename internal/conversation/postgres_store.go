package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists conversations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed conversation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Ensure(ctx context.Context, c *Conversation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (order_id, buyer_id, seller_id, disputed, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO NOTHING`,
		c.OrderID, c.BuyerID, c.SellerID, c.Disputed, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	for _, part := range c.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (order_id, user_id, role, joined_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (order_id, user_id) DO NOTHING`,
			c.OrderID, part.UserID, string(part.Role), part.JoinedAt); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, orderID string) (*Conversation, error) {
	c := &Conversation{}
	err := p.db.QueryRowContext(ctx, `
		SELECT order_id, buyer_id, seller_id, disputed, created_at
		FROM conversations WHERE order_id = $1`, orderID).Scan(
		&c.OrderID, &c.BuyerID, &c.SellerID, &c.Disputed, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, role, joined_at
		FROM conversation_participants
		WHERE order_id = $1
		ORDER BY joined_at, user_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			part Participant
			role string
		)
		if err := rows.Scan(&part.UserID, &role, &part.JoinedAt); err != nil {
			return nil, err
		}
		part.Role = Role(role)
		c.Participants = append(c.Participants, part)
	}
	return c, rows.Err()
}

func (p *PostgresStore) MarkDisputed(ctx context.Context, orderID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE conversations SET disputed = TRUE WHERE order_id = $1`, orderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Append adds the participant and the message in one transaction, so an
// admin is never a participant without the message that made them one.
func (p *PostgresStore) Append(ctx context.Context, m *Message, join *Participant) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	joined := false
	if join != nil {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (order_id, user_id, role, joined_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (order_id, user_id) DO NOTHING`,
			m.OrderID, join.UserID, string(join.Role), join.JoinedAt)
		if err != nil {
			return false, fmt.Errorf("join conversation: %w", err)
		}
		n, _ := res.RowsAffected()
		joined = n == 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, order_id, sender_id, sender_role, kind, body, admin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.OrderID, m.SenderID, string(m.SenderRole), string(m.Kind), m.Body, m.Admin, m.CreatedAt); err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return joined, tx.Commit()
}

// Messages returns the newest limit messages, oldest first.
func (p *PostgresStore) Messages(ctx context.Context, orderID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, sender_id, sender_role, kind, body, admin, created_at
		FROM (
			SELECT * FROM messages WHERE order_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at, id`, orderID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*Message{}
	for rows.Next() {
		var (
			m          Message
			role, kind string
		)
		if err := rows.Scan(&m.ID, &m.OrderID, &m.SenderID, &role, &kind, &m.Body, &m.Admin, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SenderRole = Role(role)
		m.Kind = Kind(kind)
		result = append(result, &m)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
