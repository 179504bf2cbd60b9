package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/lootvault/lootvault/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBalance(ctx context.Context, q queryRower, userID string, forUpdate bool) (*Balance, error) {
	query := `SELECT user_id, available, pending, total_earned, total_refunded, updated_at
		FROM balances WHERE user_id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	bal := &Balance{}
	err := q.QueryRowContext(ctx, query, userID).Scan(
		&bal.UserID, &bal.Available, &bal.Pending, &bal.TotalEarned, &bal.TotalRefunded, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return zeroBalance(userID), nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// GetBalance retrieves a user's balance.
func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return getBalance(ctx, p.db, userID, false)
}

// GetHistory returns recent ledger entries for a user.
func (p *PostgresStore) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, COALESCE(order_id, ''), COALESCE(description, ''), created_at
		FROM ledger_entries WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := []*Entry{}
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.OrderID, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumPending returns the total of all escrow holds.
func (p *PostgresStore) SumPending(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(pending), 0) FROM balances`).Scan(&total)
	return total, err
}

// ApplyTx applies a mutation inside the caller's transaction: the balance
// row is locked, updated, and a ledger entry plus an audit row are written.
// The CHECK constraints on the balances table back up the negative-balance
// guard. The caller reports the mutation with ObserveCommitted once the
// transaction commits.
func ApplyTx(ctx context.Context, tx *sql.Tx, m Mutation) (*Entry, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING
	`, m.UserID); err != nil {
		return nil, fmt.Errorf("ensure balance row: %w", err)
	}

	before, err := getBalance(ctx, tx, m.UserID, true)
	if err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}

	var after Balance
	err = tx.QueryRowContext(ctx, `
		UPDATE balances SET
			available      = available + $2,
			pending        = pending + $3,
			total_earned   = total_earned + $4,
			total_refunded = total_refunded + $5,
			updated_at     = NOW()
		WHERE user_id = $1
		RETURNING user_id, available, pending, total_earned, total_refunded, updated_at
	`, m.UserID, m.Available, m.Pending, m.Earned, m.Refunded).Scan(
		&after.UserID, &after.Available, &after.Pending, &after.TotalEarned, &after.TotalRefunded, &after.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" { // check_violation
			return nil, ErrNegativeBalance
		}
		return nil, fmt.Errorf("update balance: %w", err)
	}

	entry := &Entry{
		ID:          idgen.New(),
		UserID:      m.UserID,
		Type:        m.Type,
		Amount:      m.Amount,
		OrderID:     m.OrderID,
		Description: m.Description,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, order_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at
	`, entry.ID, entry.UserID, string(entry.Type), entry.Amount, entry.OrderID, entry.Description).Scan(&entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("record entry: %w", err)
	}

	if err := LogAuditTx(ctx, tx, mutationAudit(ctx, m, *before, after)); err != nil {
		return nil, err
	}
	return entry, nil
}

var _ Store = (*PostgresStore)(nil)
