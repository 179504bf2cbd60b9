package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lootvault/lootvault/internal/metrics"
	"github.com/lootvault/lootvault/internal/notify"
)

const (
	sweepBatchSize   = 100
	sweepConcurrency = 8
)

// SweepExpiredDeliveries completes every delivered order whose protection
// window has passed without a dispute. Candidates go through the same
// compare-and-swap as buyer confirmation, so any number of sweepers may run
// at once.
func (s *Service) SweepExpiredDeliveries(ctx context.Context) (SweepResult, error) {
	var (
		res SweepResult
		mu  sync.Mutex
	)
	metrics.SweepRunsTotal.Inc()
	now := s.now()

	for {
		batch, err := s.store.ListDeliveryExpired(ctx, now, sweepBatchSize)
		if err != nil {
			return res, fmt.Errorf("list expired deliveries: %w", err)
		}
		res.Scanned += len(batch)

		progress := 0
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(sweepConcurrency)
		for _, o := range batch {
			g.Go(func() error {
				c, err := s.autoComplete(gctx, o, now)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					res.Failed++
					s.logger.Warn("auto-complete failed", "orderId", o.ID, "error", err)
				case c.changed:
					res.Completed++
					progress++
				default:
					res.Skipped++
					progress++
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(batch) < sweepBatchSize || progress == 0 || ctx.Err() != nil {
			break
		}
	}
	return res, nil
}

func (s *Service) autoComplete(ctx context.Context, o *Order, now time.Time) (*change, error) {
	ctx = actor(ctx, ActorSystem, "sweeper")
	c, err := s.complete(ctx, o, func(cur *Order) (bool, error) {
		return cur.DeliveryExpired(now), nil
	}, "order.auto_completed")
	if err != nil {
		return nil, err
	}
	if c.changed {
		metrics.AutoCompletedTotal.Inc()
		s.notify(ctx, notify.EventOrderCompleted, c.order, c.order.BuyerID, "protection window ended")
		s.notify(ctx, notify.EventOrderCompleted, c.order, c.order.SellerID, "")
	}
	return c, nil
}

// Sweeper periodically auto-completes expired deliveries and retries
// pending refunds.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper running every interval (1m if zero).
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (w *Sweeper) Running() bool {
	return w.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (w *Sweeper) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRun(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (w *Sweeper) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Sweeper) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	w.run(ctx)
}

func (w *Sweeper) run(ctx context.Context) {
	res, err := w.service.SweepExpiredDeliveries(ctx)
	if err != nil {
		w.logger.Warn("sweep failed", "error", err)
	} else if res.Scanned > 0 {
		w.logger.Info("sweep finished",
			"scanned", res.Scanned, "completed", res.Completed, "skipped", res.Skipped, "failed", res.Failed)
	}

	retried, err := w.service.RetryPendingSettlements(ctx)
	if err != nil {
		w.logger.Warn("settlement retry failed", "error", err)
	} else if retried.Attempted > 0 {
		w.logger.Info("pending settlements retried",
			"attempted", retried.Attempted, "settled", retried.Settled, "failed", retried.Failed)
	}
}
