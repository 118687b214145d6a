package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/phrazzld/conjure-api/internal/domain"
)

// QueueStats is a snapshot of scheduler activity.
type QueueStats struct {
	Pending           int           `json:"pending"`
	Processing        int           `json:"processing"`
	CompletedCount    int           `json:"completed_count"`
	FailedCount       int           `json:"failed_count"`
	RetryScheduled    int           `json:"retry_scheduled"`
	Queued            int           `json:"queued"`
	AvgWaitTime       time.Duration `json:"avg_wait_time"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
}

// timings keeps running averages of queue wait and processing time.
type timings struct {
	mu        sync.Mutex
	waitTotal time.Duration
	waitCount int64
	procTotal time.Duration
	procCount int64
}

func (t *timings) observeWait(d time.Duration) {
	if d < 0 {
		return
	}
	t.mu.Lock()
	t.waitTotal += d
	t.waitCount++
	t.mu.Unlock()
}

func (t *timings) observeProcessing(d time.Duration) {
	if d < 0 {
		return
	}
	t.mu.Lock()
	t.procTotal += d
	t.procCount++
	t.mu.Unlock()
}

func (t *timings) averages() (wait, proc time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.waitCount > 0 {
		wait = t.waitTotal / time.Duration(t.waitCount)
	}
	if t.procCount > 0 {
		proc = t.procTotal / time.Duration(t.procCount)
	}
	return wait, proc
}

// QueueStats returns current counts from the store and timing averages
// observed by this process. FailedCount holds terminal failures only; failed
// tasks waiting for a retry are reported as RetryScheduled.
func (s *Scheduler) QueueStats(ctx context.Context) (QueueStats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to count tasks: %w", err)
	}
	retrying, err := s.store.ListRetryScheduled(ctx)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to count retry-scheduled tasks: %w", err)
	}
	failed := counts[domain.TaskStatusFailed] - len(retrying)
	if failed < 0 {
		failed = 0
	}

	wait, proc := s.timings.averages()
	return QueueStats{
		Pending:           counts[domain.TaskStatusPending],
		Processing:        counts[domain.TaskStatusProcessing],
		CompletedCount:    counts[domain.TaskStatusCompleted],
		FailedCount:       failed,
		RetryScheduled:    len(retrying),
		Queued:            s.queue.Len(),
		AvgWaitTime:       wait,
		AvgProcessingTime: proc,
	}, nil
}
