package escrow

import "errors"

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidTransition   = errors.New("invalid order status transition")
	ErrOutOfStock          = errors.New("listing has no codes left for auto-delivery")
	ErrDisputeWindowClosed = errors.New("buyer protection window has closed")
	ErrSettlementPending   = errors.New("settlement pending: refund not yet confirmed by the processor")
	ErrConcurrencyLost     = errors.New("order was modified concurrently")
	ErrUnauthorized        = errors.New("not authorized for this order")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrDisputeNotFound     = errors.New("dispute not found")
	ErrDisputeResolved     = errors.New("dispute already resolved")
	ErrDisputeExists       = errors.New("order already has a dispute")
	ErrInvalidVerdict      = errors.New("invalid verdict")
	ErrAlreadySettled      = errors.New("order already settled")
)
