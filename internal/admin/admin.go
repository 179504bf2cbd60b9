// Package admin provides the operator console endpoints: a one-call
// overview of the escrow backlog and a manual trigger for the background
// sweeps.
package admin

import (
	"context"
	"time"

	"github.com/lootvault/lootvault/internal/escrow"
	"github.com/lootvault/lootvault/internal/reconciliation"
)

// Overview summarizes what needs operator attention.
type Overview struct {
	OpenDisputes       int                    `json:"openDisputes"`
	OldestDispute      *time.Time             `json:"oldestDisputeAt,omitempty"`
	PendingSettlements int                    `json:"pendingSettlements"`
	Reconciliation     *reconciliation.Report `json:"reconciliation,omitempty"`
	Realtime           map[string]interface{} `json:"realtime,omitempty"`
	GeneratedAt        time.Time              `json:"generatedAt"`
}

// SweepReport is the result of a manually triggered sweep.
type SweepReport struct {
	Sweep    escrow.SweepResult `json:"sweep"`
	Retry    escrow.RetryResult `json:"retry"`
	Duration string             `json:"duration"`
}

// OrderService is the slice of the escrow service the console needs.
type OrderService interface {
	ListDisputes(ctx context.Context, status escrow.DisputeStatus, limit int) ([]*escrow.DisputeCase, error)
	ListPendingSettlements(ctx context.Context, limit int) ([]*escrow.Order, error)
	SweepExpiredDeliveries(ctx context.Context) (escrow.SweepResult, error)
	RetryPendingSettlements(ctx context.Context) (escrow.RetryResult, error)
}

// ReconciliationSource exposes the most recent reconciliation run.
type ReconciliationSource interface {
	Last() *reconciliation.Report
}

// RealtimeStats reports websocket hub state.
type RealtimeStats interface {
	Stats() map[string]interface{}
}
