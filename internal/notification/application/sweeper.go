package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmehra2102/payment-reconciliation/internal/notification/domain"
	"github.com/dmehra2102/payment-reconciliation/pkg/metrics"
)

// Sweeper returns events stuck in processing (crashed worker) to the queue.
type Sweeper struct {
	log        *slog.Logger
	queue      Queue
	stuckAfter time.Duration
	interval   time.Duration
}

func NewSweeper(log *slog.Logger, queue Queue, stuckAfter, interval time.Duration) *Sweeper {
	return &Sweeper{log: log, queue: queue, stuckAfter: stuckAfter, interval: interval}
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("sweep failed", "err", err)
			}
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.queue.ReclaimStuck(ctx, s.stuckAfter)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.NotificationsReclaimedTotal.Add(float64(n))
		s.log.Warn("reclaimed stuck notifications", "count", n, "stuck_after", s.stuckAfter)
	}
	return n, nil
}

// Requeue moves a failed event back to queued with a fresh retry budget.
// Requeueing an event that is already queued is a no-op.
func Requeue(ctx context.Context, log *slog.Logger, queue Queue, id int64) (domain.Event, error) {
	e, err := queue.Requeue(ctx, id)
	if err != nil {
		return domain.Event{}, err
	}
	log.Info("notification requeued", "event_id", id, "status", e.Status)
	return e, nil
}
