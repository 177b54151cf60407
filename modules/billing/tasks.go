package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/logger"
	"github.com/dmitrymomot/billingsync/pkg/queue"
)

// SweepTaskName is the periodic task that runs the stale-subscription sweep.
const SweepTaskName = "billing.sweep"

// CheckoutFallbackTask reconciles a checkout session whose webhook may never arrive.
type CheckoutFallbackTask struct {
	SessionID string `json:"session_id"`
}

type CheckoutReconciler interface {
	ReconcileCheckout(ctx context.Context, sessionID string) (billing.Outcome, error)
}

type Sweeper interface {
	StaleFilter() billing.SyncFilter
	Sync(ctx context.Context, filter billing.SyncFilter) (billing.SyncReport, error)
}

// FallbackQueue schedules checkout fallbacks on the task queue, one per session.
type FallbackQueue struct {
	enqueuer   *queue.Enqueuer
	maxRetries int
}

var _ billing.FallbackScheduler = (*FallbackQueue)(nil)

// NewFallbackQueue panics if enqueuer is nil.
func NewFallbackQueue(enqueuer *queue.Enqueuer) *FallbackQueue {
	if enqueuer == nil {
		panic("billing module: enqueuer is required")
	}
	return &FallbackQueue{enqueuer: enqueuer, maxRetries: 5}
}

func (q *FallbackQueue) ScheduleCheckoutFallback(ctx context.Context, sessionID string, after time.Duration) error {
	err := q.enqueuer.Enqueue(ctx, CheckoutFallbackTask{SessionID: sessionID},
		queue.WithDelay(after),
		queue.WithKey("checkout-fallback:"+sessionID),
		queue.WithMaxRetries(q.maxRetries),
	)
	if errors.Is(err, queue.ErrDuplicateTask) {
		return nil
	}
	return err
}

// TaskHandlers returns the queue handlers for the checkout fallback and the sweep.
func TaskHandlers(checkout CheckoutReconciler, sweeper Sweeper, log *slog.Logger) []queue.Handler {
	if log == nil {
		log = slog.Default()
	}
	return []queue.Handler{
		queue.NewTaskHandler(func(ctx context.Context, t CheckoutFallbackTask) error {
			outcome, err := checkout.ReconcileCheckout(ctx, t.SessionID)
			if err != nil {
				if billing.IsTransient(err) {
					return err
				}
				log.WarnContext(ctx, "checkout fallback gave up",
					logger.SessionID(t.SessionID), logger.Error(err))
				return nil
			}
			log.DebugContext(ctx, "checkout fallback finished",
				logger.SessionID(t.SessionID), logger.Outcome(string(outcome)))
			return nil
		}),
		queue.NewPeriodicTaskHandler(SweepTaskName, func(ctx context.Context) error {
			_, err := sweeper.Sync(ctx, sweeper.StaleFilter())
			return err
		}),
	}
}
