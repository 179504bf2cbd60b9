package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/lootvault/lootvault/internal/commission"
	"github.com/lootvault/lootvault/internal/ledger"
	"github.com/lootvault/lootvault/internal/pagination"
)

// PostgresStore persists escrow data in PostgreSQL. Units of work run at
// READ COMMITTED; exclusion comes from the conditional UPDATEs, never from
// explicit locks on the orders table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, buyer_id, seller_id, listing_id, listing_title, listing_game,
		       listing_category, listing_image_url, unit_price, quantity, amount,
		       status, auto_delivery, payment_ref, created_at, paid_at, delivered_at,
		       auto_complete_at, completed_at, dispute_raised_at, cancelled_at, refunded_at,
		       dispute_reason, resolution, split_refund, cancel_reason, delivery_payload,
		       settlement, settlement_attempts, settlement_error, updated_at, version`

const disputeColumns = `id, order_id, opened_by, reason, opened_at, admin_id, status,
		       verdict, verdict_reason, refund_amount, resolved_by, resolved_at`

const settlementColumns = `order_id, kind, seller_rank, commission_rate, payout, fee,
		       refund, refund_id, refunded_at, created_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getOrder(ctx context.Context, q queryer, id string) (*Order, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func getDispute(ctx context.Context, q queryer, orderID string) (*DisputeCase, error) {
	row := q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1`, orderID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	return getOrder(ctx, p.db, id)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []any{userID, limit}
	if after != nil {
		query += ` AND (created_at, id) < ($3::timestamptz, $4::text)`
		args = append(args, after.CreatedAt, after.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

// ListDeliveryExpired is served by the (status, auto_complete_at) index.
func (p *PostgresStore) ListDeliveryExpired(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'delivered'
		  AND auto_complete_at < $1
		ORDER BY auto_complete_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) ListSettlementPending(ctx context.Context, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE settlement = 'pending'
		ORDER BY updated_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*DisputeCase, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE ($1 = '' OR status = $1)
		ORDER BY opened_at
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*DisputeCase
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetDispute(ctx context.Context, orderID string) (*DisputeCase, error) {
	return getDispute(ctx, p.db, orderID)
}

func (p *PostgresStore) GetSettlement(ctx context.Context, orderID string) (*Settlement, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE order_id = $1`, orderID)
	s, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return s, err
}

func (p *PostgresStore) AddCodes(ctx context.Context, listingID, sellerID string, codes []string) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO listing_pools (listing_id, seller_id) VALUES ($1, $2)
		ON CONFLICT (listing_id) DO NOTHING`, listingID, sellerID); err != nil {
		return 0, fmt.Errorf("ensure pool: %w", err)
	}
	var owner string
	if err := tx.QueryRowContext(ctx,
		`SELECT seller_id FROM listing_pools WHERE listing_id = $1`, listingID).Scan(&owner); err != nil {
		return 0, err
	}
	if owner != sellerID {
		return 0, ErrUnauthorized
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO listing_codes (listing_id, seller_id, code)
		SELECT $1, $2, unnest($3::TEXT[])`, listingID, sellerID, pq.Array(codes)); err != nil {
		return 0, fmt.Errorf("insert codes: %w", err)
	}
	var stock int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM listing_codes WHERE listing_id = $1 AND order_id IS NULL`,
		listingID).Scan(&stock); err != nil {
		return 0, err
	}
	return stock, tx.Commit()
}

func (p *PostgresStore) Stock(ctx context.Context, listingID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM listing_codes WHERE listing_id = $1 AND order_id IS NULL`,
		listingID).Scan(&n)
	return n, err
}

// SumHeld returns the total amount of orders whose hold is outstanding.
func (p *PostgresStore) SumHeld(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM orders
		WHERE status IN ('paid', 'delivered', 'dispute_raised')`).Scan(&total)
	return total, err
}

// CountStuckSettlements counts pending settlements last touched before t.
func (p *PostgresStore) CountStuckSettlements(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE settlement = 'pending' AND updated_at < $1`, before).Scan(&n)
	return n, err
}

// SettlementMismatches returns completed orders whose settlement record is
// missing or does not add up to the order amount.
func (p *PostgresStore) SettlementMismatches(ctx context.Context, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT o.id
		FROM orders o
		LEFT JOIN settlements s ON s.order_id = o.id
		WHERE o.status = 'completed'
		  AND (s.order_id IS NULL OR s.payout + s.fee + s.refund <> o.amount)
		ORDER BY o.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ptx := &postgresTx{tx: tx}
	if err := fn(ptx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	ledger.ObserveCommitted(ptx.applied...)
	return nil
}

type postgresTx struct {
	tx      *sql.Tx
	applied []ledger.Mutation
}

func (t *postgresTx) Get(ctx context.Context, id string) (*Order, error) {
	return getOrder(ctx, t.tx, id)
}

func (t *postgresTx) Insert(ctx context.Context, o *Order) error {
	o.Version = 1
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_id, seller_id, listing_id, listing_title, listing_game,
			listing_category, listing_image_url, unit_price, quantity, amount,
			status, auto_delivery, settlement, created_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17
		)`,
		o.ID, o.BuyerID, o.SellerID, o.Listing.ListingID, o.Listing.Title, nullString(o.Listing.Game),
		nullString(o.Listing.Category), nullString(o.Listing.ImageURL), o.Listing.UnitPrice, o.Quantity, o.Amount,
		string(o.Status), o.AutoDelivery, string(o.Settlement), o.CreatedAt, o.UpdatedAt, o.Version,
	)
	return err
}

const updateOrder = `
		UPDATE orders SET
			status = $2, payment_ref = $3, paid_at = $4, delivered_at = $5,
			auto_complete_at = $6, completed_at = $7, dispute_raised_at = $8,
			cancelled_at = $9, refunded_at = $10, dispute_reason = $11, resolution = $12,
			split_refund = $13, cancel_reason = $14, delivery_payload = $15,
			settlement = $16, settlement_attempts = $17, settlement_error = $18,
			updated_at = NOW(), version = version + 1
		WHERE id = $1`

func orderArgs(o *Order) []any {
	var split decimal.NullDecimal
	if o.SplitRefund != nil {
		split = decimal.NewNullDecimal(*o.SplitRefund)
	}
	return []any{
		o.ID, string(o.Status), nullString(o.PaymentRef), nullTime(o.PaidAt), nullTime(o.DeliveredAt),
		nullTime(o.AutoCompleteAt), nullTime(o.CompletedAt), nullTime(o.DisputeRaisedAt),
		nullTime(o.CancelledAt), nullTime(o.RefundedAt), nullString(o.DisputeReason), nullString(string(o.Resolution)),
		split, nullString(o.CancelReason), nullString(o.DeliveryPayload),
		string(o.Settlement), o.SettlementAttempts, nullString(o.SettlementError),
	}
}

func (t *postgresTx) CompareAndSwap(ctx context.Context, o *Order, from Status) error {
	args := append(orderArgs(o), string(from))
	return t.swap(ctx, o, updateOrder+` AND status = $19 RETURNING updated_at, version`, args)
}

func (t *postgresTx) CompareAndSwapSettlement(ctx context.Context, o *Order, from SettlementState) error {
	args := append(orderArgs(o), string(from))
	return t.swap(ctx, o, updateOrder+` AND status = $2 AND settlement = $19 RETURNING updated_at, version`, args)
}

func (t *postgresTx) swap(ctx context.Context, o *Order, query string, args []any) error {
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(&o.UpdatedAt, &o.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConcurrencyLost
	}
	return err
}

func (t *postgresTx) GetDispute(ctx context.Context, orderID string) (*DisputeCase, error) {
	return getDispute(ctx, t.tx, orderID)
}

func (t *postgresTx) InsertDispute(ctx context.Context, d *DisputeCase) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO disputes (id, order_id, opened_by, reason, opened_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.OrderID, d.OpenedBy, d.Reason, d.OpenedAt, string(d.Status))
	if isUniqueViolation(err) {
		return ErrDisputeExists
	}
	return err
}

func (t *postgresTx) CompareAndSwapDispute(ctx context.Context, d *DisputeCase, from DisputeStatus) error {
	var refund decimal.NullDecimal
	if d.RefundAmount != nil {
		refund = decimal.NewNullDecimal(*d.RefundAmount)
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE disputes SET
			admin_id = $3, status = $4, verdict = $5, verdict_reason = $6,
			refund_amount = $7, resolved_by = $8, resolved_at = $9
		WHERE order_id = $1 AND status = $2
		  AND (admin_id IS NULL OR admin_id = $3)`,
		d.OrderID, string(from), nullString(d.AdminID), string(d.Status), nullString(string(d.Verdict)),
		nullString(d.VerdictReason), refund, nullString(d.ResolvedBy), nullTime(d.ResolvedAt))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConcurrencyLost
	}
	return nil
}

// ClaimCodes skips rows locked by concurrent claims instead of waiting on
// them, so two buyers racing for the last code cannot both get it.
func (t *postgresTx) ClaimCodes(ctx context.Context, listingID, sellerID, orderID string, n int) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		WITH picked AS (
			SELECT id FROM listing_codes
			WHERE listing_id = $1 AND seller_id = $2 AND order_id IS NULL
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE listing_codes c
		SET order_id = $4, claimed_at = NOW()
		FROM picked
		WHERE c.id = picked.id
		RETURNING c.code`, listingID, sellerID, n, orderID)
	if err != nil {
		return nil, fmt.Errorf("claim codes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(codes) < n {
		return nil, ErrOutOfStock
	}
	return codes, nil
}

func (t *postgresTx) ApplyMutation(ctx context.Context, m ledger.Mutation) error {
	if _, err := ledger.ApplyTx(ctx, t.tx, m); err != nil {
		return err
	}
	t.applied = append(t.applied, m)
	return nil
}

func (t *postgresTx) InsertSettlement(ctx context.Context, s *Settlement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO settlements (order_id, kind, seller_rank, commission_rate, payout, fee, refund, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.OrderID, string(s.Kind), nullString(string(s.SellerRank)), s.CommissionRate,
		s.Payout, s.Fee, s.Refund, s.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadySettled
	}
	return err
}

func (t *postgresTx) CompleteRefund(ctx context.Context, orderID, refundID string, amount decimal.Decimal, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE settlements SET refund_id = $2, refund = $3, refunded_at = $4
		WHERE order_id = $1 AND refund_id IS NULL`, orderID, refundID, amount, at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadySettled
	}
	return nil
}

func (t *postgresTx) LogAudit(ctx context.Context, e *ledger.AuditEntry) error {
	return ledger.LogAuditTx(ctx, t.tx, e)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		game, category, imageURL sql.NullString
		status, settlement       string
		paymentRef               sql.NullString
		paidAt, deliveredAt      sql.NullTime
		autoCompleteAt           sql.NullTime
		completedAt              sql.NullTime
		disputeRaisedAt          sql.NullTime
		cancelledAt, refundedAt  sql.NullTime
		disputeReason            sql.NullString
		resolution               sql.NullString
		splitRefund              decimal.NullDecimal
		cancelReason             sql.NullString
		payload                  sql.NullString
		settlementError          sql.NullString
	)

	err := s.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &o.Listing.ListingID, &o.Listing.Title, &game,
		&category, &imageURL, &o.Listing.UnitPrice, &o.Quantity, &o.Amount,
		&status, &o.AutoDelivery, &paymentRef, &o.CreatedAt, &paidAt, &deliveredAt,
		&autoCompleteAt, &completedAt, &disputeRaisedAt, &cancelledAt, &refundedAt,
		&disputeReason, &resolution, &splitRefund, &cancelReason, &payload,
		&settlement, &o.SettlementAttempts, &settlementError, &o.UpdatedAt, &o.Version,
	)
	if err != nil {
		return nil, err
	}

	o.Listing.Game = game.String
	o.Listing.Category = category.String
	o.Listing.ImageURL = imageURL.String
	o.Status = Status(status)
	o.Settlement = SettlementState(settlement)
	o.PaymentRef = paymentRef.String
	o.PaidAt = timePtr(paidAt)
	o.DeliveredAt = timePtr(deliveredAt)
	o.AutoCompleteAt = timePtr(autoCompleteAt)
	o.CompletedAt = timePtr(completedAt)
	o.DisputeRaisedAt = timePtr(disputeRaisedAt)
	o.CancelledAt = timePtr(cancelledAt)
	o.RefundedAt = timePtr(refundedAt)
	o.DisputeReason = disputeReason.String
	o.Resolution = Resolution(resolution.String)
	if splitRefund.Valid {
		v := splitRefund.Decimal
		o.SplitRefund = &v
	}
	o.CancelReason = cancelReason.String
	o.DeliveryPayload = payload.String
	o.SettlementError = settlementError.String
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanDispute(s scanner) (*DisputeCase, error) {
	d := &DisputeCase{}
	var (
		adminID, verdict, verdictReason, resolvedBy sql.NullString
		status                                      string
		refund                                      decimal.NullDecimal
		resolvedAt                                  sql.NullTime
	)
	err := s.Scan(&d.ID, &d.OrderID, &d.OpenedBy, &d.Reason, &d.OpenedAt, &adminID, &status,
		&verdict, &verdictReason, &refund, &resolvedBy, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.AdminID = adminID.String
	d.Status = DisputeStatus(status)
	d.Verdict = Resolution(verdict.String)
	d.VerdictReason = verdictReason.String
	if refund.Valid {
		v := refund.Decimal
		d.RefundAmount = &v
	}
	d.ResolvedBy = resolvedBy.String
	d.ResolvedAt = timePtr(resolvedAt)
	return d, nil
}

func scanSettlement(s scanner) (*Settlement, error) {
	st := &Settlement{}
	var (
		kind           string
		rank, refundID sql.NullString
		refundedAt     sql.NullTime
	)
	err := s.Scan(&st.OrderID, &kind, &rank, &st.CommissionRate, &st.Payout, &st.Fee,
		&st.Refund, &refundID, &refundedAt, &st.CreatedAt)
	if err != nil {
		return nil, err
	}
	st.Kind = SettlementKind(kind)
	st.SellerRank = commission.Rank(rank.String)
	st.RefundID = refundID.String
	st.RefundedAt = timePtr(refundedAt)
	return st, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*postgresTx)(nil)
)
