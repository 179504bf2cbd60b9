package receipts

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists receipts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const receiptColumns = `id, kind, order_id, payer, payee, amount::TEXT, fee::TEXT, reference,
	payload_hash, signature, issued_at, expires_at, created_at`

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO receipts (
			id, kind, order_id, payer, payee, amount, fee, reference,
			payload_hash, signature, issued_at, expires_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC(20,2), $7::NUMERIC(20,2), $8,
			$9, $10, $11, $12, $13
		)`,
		r.ID, string(r.Kind), r.OrderID, r.Payer, r.Payee, r.Amount, nullString(r.Fee), nullString(r.Reference),
		r.PayloadHash, r.Signature, r.IssuedAt, r.ExpiresAt, r.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = $1`, id)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+receiptColumns+`
		FROM receipts
		WHERE payer = $1 OR payee = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanReceipts(rows)
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+receiptColumns+`
		FROM receipts
		WHERE order_id = $1
		ORDER BY created_at DESC, id DESC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanReceipts(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(sc scanner) (*Receipt, error) {
	r := &Receipt{}
	var (
		kind           string
		fee, reference sql.NullString
	)
	err := sc.Scan(
		&r.ID, &kind, &r.OrderID, &r.Payer, &r.Payee, &r.Amount, &fee, &reference,
		&r.PayloadHash, &r.Signature, &r.IssuedAt, &r.ExpiresAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Kind = Kind(kind)
	r.Fee = fee.String
	r.Reference = reference.String
	return r, nil
}

func scanReceipts(rows *sql.Rows) ([]*Receipt, error) {
	var result []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
