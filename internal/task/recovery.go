package task

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/conjure-api/internal/domain"
)

// Recover requeues unfinished tasks left by a previous run:
//   - pending tasks are requeued as they are;
//   - processing tasks that never got an external id have their held
//     reservation refunded and go back to pending;
//   - processing tasks with an external id resume polling;
//   - failed tasks with a retry scheduled get their retry timer back.
func (s *Scheduler) Recover(ctx context.Context) error {
	pendingTasks, err := s.store.ListByStatus(ctx, domain.TaskStatusPending, 0)
	if err != nil {
		return fmt.Errorf("failed to get pending tasks: %w", err)
	}

	processingTasks, err := s.store.ListByStatus(ctx, domain.TaskStatusProcessing, 0)
	if err != nil {
		return fmt.Errorf("failed to get processing tasks: %w", err)
	}

	retryTasks, err := s.store.ListRetryScheduled(ctx)
	if err != nil {
		return fmt.Errorf("failed to get retry-scheduled tasks: %w", err)
	}

	s.logger.Info("recovering unfinished tasks",
		"pending_count", len(pendingTasks),
		"processing_count", len(processingTasks),
		"retry_count", len(retryTasks))

	for _, t := range pendingTasks {
		if err := s.queue.enqueueWait(ctx, item{taskID: t.ID}); err != nil {
			return fmt.Errorf("failed to requeue pending task %s: %w", t.ID, err)
		}
	}

	for _, t := range processingTasks {
		if t.Settling {
			// A settlement was interrupted; the ledger primitives are
			// idempotent so it is safe to let it run again.
			cleared, err := s.store.Update(ctx, t.ID, domain.TaskStatusProcessing, func(t *domain.Task) error {
				t.Settling = false
				return nil
			})
			if err != nil {
				s.logger.Error("failed to clear interrupted settlement", "task_id", t.ID, "error", err)
				continue
			}
			t = cleared
		}

		if t.ExternalTaskID != "" {
			if err := s.queue.enqueueWait(ctx, item{taskID: t.ID, resume: true}); err != nil {
				return fmt.Errorf("failed to requeue processing task %s: %w", t.ID, err)
			}
			continue
		}

		reservation := t.Reservation
		if reservation.Held() {
			if err := s.ledger.Refund(ctx, t.OwnerID, reservation.Ref, "interrupted by restart"); err != nil {
				s.logger.Error("failed to refund interrupted task", "task_id", t.ID, "error", err)
				continue
			}
			reservation.State = domain.ReservationRefunded
		}

		_, err := s.store.Update(ctx, t.ID, domain.TaskStatusProcessing, func(t *domain.Task) error {
			t.Reservation = reservation
			return t.Requeue(s.now())
		})
		if err != nil {
			s.logger.Error("failed to reset processing task status", "task_id", t.ID, "error", err)
			continue
		}
		if err := s.queue.enqueueWait(ctx, item{taskID: t.ID}); err != nil {
			return fmt.Errorf("failed to requeue reset task %s: %w", t.ID, err)
		}
	}

	for _, t := range retryTasks {
		delay := time.Duration(0)
		if t.NextAttemptAt != nil {
			delay = t.NextAttemptAt.Sub(s.now())
		}
		if delay < 0 {
			delay = 0
		}
		s.scheduleRetry(t.ID, delay)
	}

	return nil
}

// staleTaskMonitor periodically fails and refunds processing tasks that
// have seen no activity for longer than the reconcile deadline, so that a
// reservation whose callback never arrives is still settled. It also drops
// expired parked notices.
func (s *Scheduler) staleTaskMonitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-ticker.C:
			s.checkStaleTasks(context.Background())
		}
	}
}

// checkStaleTasks runs one pass of the stale-task monitor and returns the
// number of tasks it failed.
func (s *Scheduler) checkStaleTasks(ctx context.Context) int {
	if n := s.reconciler.sweepParked(); n > 0 {
		s.logger.Info("dropped expired parked notices", "count", n)
	}

	processing, err := s.store.ListByStatus(ctx, domain.TaskStatusProcessing, 0)
	if err != nil {
		s.logger.Error("failed to check for stale tasks", "error", err)
		return 0
	}

	cutoff := s.now().Add(-s.config.ReconcileDeadline)
	failed := 0
	for _, t := range processing {
		if t.UpdatedAt.After(cutoff) {
			continue
		}
		logger := s.logger.With("task_id", t.ID, "external_task_id", t.ExternalTaskID)
		if t.Settling {
			reclaimed, err := s.reconciler.reclaim(ctx, t.ID, cutoff)
			if err != nil {
				logger.Error("failed to reclaim stuck settlement", "error", err)
				continue
			}
			if reclaimed {
				logger.Warn("reclaimed settlement stuck past reconcile deadline")
				failed++
			}
			continue
		}
		applied, err := s.reconciler.settle(ctx, t.ID, domain.TaskStatusProcessing, outcome{
			err:        ErrReconcileDeadline,
			noRetry:    true,
			externalID: t.ExternalTaskID,
		})
		if err != nil {
			logger.Error("failed to fail stale task", "error", err)
			continue
		}
		if applied {
			logger.Warn("failed stale task past reconcile deadline")
			failed++
		}
	}
	return failed
}
