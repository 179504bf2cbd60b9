package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type contextKey string

const (
	ctxActorType contextKey = "audit_actor_type"
	ctxActorID   contextKey = "audit_actor_id"
	ctxIPAddress contextKey = "audit_ip"
	ctxRequestID contextKey = "audit_request_id"
)

// Actor types recorded on audit entries.
const (
	ActorSystem = "system"
	ActorBuyer  = "buyer"
	ActorSeller = "seller"
	ActorAdmin  = "admin"
)

// WithActor attaches actor info to the context for audit logging.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	return ctx
}

// WithAuditIP attaches the client IP for audit logging.
func WithAuditIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxIPAddress, ip)
}

// WithAuditRequestID attaches a request ID for audit correlation.
func WithAuditRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

func actorFromCtx(ctx context.Context) (actorType, actorID, ip, requestID string) {
	if v, ok := ctx.Value(ctxActorType).(string); ok {
		actorType = v
	} else {
		actorType = ActorSystem
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	if v, ok := ctx.Value(ctxIPAddress).(string); ok {
		ip = v
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		requestID = v
	}
	return
}

// AuditEntry is a single append-only audit record. Subject is an order id
// for lifecycle and verdict entries and a user id for balance entries.
type AuditEntry struct {
	ID          int64            `json:"id"`
	Subject     string           `json:"subject"`
	ActorType   string           `json:"actorType"`
	ActorID     string           `json:"actorId,omitempty"`
	Operation   string           `json:"operation"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Reference   string           `json:"reference,omitempty"`
	BeforeState string           `json:"beforeState,omitempty"`
	AfterState  string           `json:"afterState,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	RequestID   string           `json:"requestId,omitempty"`
	IPAddress   string           `json:"ipAddress,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// NewAuditEntry builds an entry with the actor taken from ctx. before and
// after are marshalled to JSON snapshots.
func NewAuditEntry(ctx context.Context, subject, operation string, before, after any) *AuditEntry {
	actorType, actorID, ip, requestID := actorFromCtx(ctx)
	return &AuditEntry{
		Subject:     subject,
		ActorType:   actorType,
		ActorID:     actorID,
		Operation:   operation,
		BeforeState: Snapshot(before),
		AfterState:  Snapshot(after),
		RequestID:   requestID,
		IPAddress:   ip,
		CreatedAt:   time.Now(),
	}
}

// Snapshot returns v as a JSON string, "{}" for nil.
func Snapshot(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func balanceSnapshot(bal Balance) string {
	return Snapshot(map[string]string{
		"available":     bal.Available.StringFixed(2),
		"pending":       bal.Pending.StringFixed(2),
		"totalEarned":   bal.TotalEarned.StringFixed(2),
		"totalRefunded": bal.TotalRefunded.StringFixed(2),
	})
}

// mutationAudit describes a balance mutation for the audit log.
func mutationAudit(ctx context.Context, m Mutation, before, after Balance) *AuditEntry {
	actorType, actorID, ip, requestID := actorFromCtx(ctx)
	amount := m.Amount
	return &AuditEntry{
		Subject:     m.UserID,
		ActorType:   actorType,
		ActorID:     actorID,
		Operation:   "ledger." + string(m.Type),
		Amount:      &amount,
		Reference:   m.OrderID,
		BeforeState: balanceSnapshot(before),
		AfterState:  balanceSnapshot(after),
		Reason:      m.Description,
		RequestID:   requestID,
		IPAddress:   ip,
		CreatedAt:   time.Now(),
	}
}

// AuditQuery filters the audit trail. Zero values mean "any".
type AuditQuery struct {
	Subject   string
	Operation string
	From      time.Time
	To        time.Time
	Limit     int
}

// AuditLogger persists audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry *AuditEntry) error
	QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error)
}

// --- PostgresAuditLogger ---

// PostgresAuditLogger writes audit entries to PostgreSQL.
type PostgresAuditLogger struct {
	db *sql.DB
}

// NewPostgresAuditLogger creates an audit logger backed by PostgreSQL.
func NewPostgresAuditLogger(db *sql.DB) *PostgresAuditLogger {
	return &PostgresAuditLogger{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const insertAudit = `
	INSERT INTO audit_log (subject, actor_type, actor_id, operation, amount, reference,
		before_state, after_state, reason, request_id, ip_address, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB, $8::JSONB, $9, $10, $11, NOW())`

func writeAudit(ctx context.Context, ex execer, e *AuditEntry) error {
	var amount any
	if e.Amount != nil {
		amount = *e.Amount
	}
	_, err := ex.ExecContext(ctx, insertAudit,
		e.Subject, e.ActorType, e.ActorID, e.Operation, amount, e.Reference,
		e.BeforeState, e.AfterState, e.Reason, e.RequestID, e.IPAddress)
	return err
}

func (l *PostgresAuditLogger) LogAudit(ctx context.Context, entry *AuditEntry) error {
	return writeAudit(ctx, l.db, entry)
}

// LogAuditTx writes an audit entry inside an existing transaction.
func LogAuditTx(ctx context.Context, tx *sql.Tx, entry *AuditEntry) error {
	if err := writeAudit(ctx, tx, entry); err != nil {
		return fmt.Errorf("audit %s: %w", entry.Operation, err)
	}
	return nil
}

func (l *PostgresAuditLogger) QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.Subject != "" {
		add("subject = $%d", q.Subject)
	}
	if q.Operation != "" {
		add("operation = $%d", q.Operation)
	}
	if !q.From.IsZero() {
		add("created_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("created_at <= $%d", q.To)
	}

	query := `SELECT id, subject, actor_type, COALESCE(actor_id, ''), operation, amount,
		COALESCE(reference, ''), COALESCE(before_state::TEXT, '{}'), COALESCE(after_state::TEXT, '{}'),
		COALESCE(reason, ''), COALESCE(request_id, ''), COALESCE(ip_address, ''), created_at
		FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var amount decimal.NullDecimal
		if err := rows.Scan(&e.ID, &e.Subject, &e.ActorType, &e.ActorID, &e.Operation, &amount,
			&e.Reference, &e.BeforeState, &e.AfterState, &e.Reason, &e.RequestID, &e.IPAddress,
			&e.CreatedAt); err != nil {
			return nil, err
		}
		if amount.Valid {
			e.Amount = &amount.Decimal
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- MemoryAuditLogger ---

// MemoryAuditLogger stores audit entries in memory for demo/testing.
type MemoryAuditLogger struct {
	entries []*AuditEntry
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryAuditLogger creates an in-memory audit logger.
func NewMemoryAuditLogger() *MemoryAuditLogger {
	return &MemoryAuditLogger{}
}

func (l *MemoryAuditLogger) LogAudit(_ context.Context, entry *AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *entry
	cp.ID = l.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	l.entries = append(l.entries, &cp)
	return nil
}

func (l *MemoryAuditLogger) QueryAudit(_ context.Context, q AuditQuery) ([]*AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}

	result := []*AuditEntry{}
	// Iterate in reverse for descending order
	for i := len(l.entries) - 1; i >= 0 && len(result) < q.Limit; i-- {
		e := l.entries[i]
		if q.Subject != "" && e.Subject != q.Subject {
			continue
		}
		if q.Operation != "" && e.Operation != q.Operation {
			continue
		}
		if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.CreatedAt.After(q.To) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

var (
	_ AuditLogger = (*PostgresAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
