package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
)

// Common errors returned by the Queue
var (
	ErrQueueClosed = errors.New("task queue is closed")
	ErrQueueFull   = errors.New("task queue is full")
)

// item is one unit of work for a worker. Resume items carry a task that is
// already processing at the provider and only needs to be polled.
type item struct {
	taskID uuid.UUID
	resume bool
}

// Queue is a bounded FIFO of task ids drained by the scheduler's workers.
// The underlying channel is never closed so late senders cannot panic;
// Close only stops new submissions and wakes blocked senders.
type Queue struct {
	items  chan item
	done   chan struct{}
	closed atomic.Bool
	logger *slog.Logger
}

// NewQueue creates a queue holding at most size items.
func NewQueue(size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		items:  make(chan item, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Enqueue adds a task without blocking.
// Returns an error if the queue is full or closed
func (q *Queue) Enqueue(taskID uuid.UUID) error {
	return q.offer(item{taskID: taskID})
}

func (q *Queue) offer(it item) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	select {
	case q.items <- it:
		q.logger.Debug("task enqueued",
			"task_id", it.taskID,
			"resume", it.resume,
			"queue_len", len(q.items),
			"queue_cap", cap(q.items))
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.items))
	}
}

// enqueueWait blocks until the item is accepted, ctx is done or the queue
// is closed.
func (q *Queue) enqueueWait(ctx context.Context, it item) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.items <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// Close stops further submissions.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
		q.logger.Info("task queue closed")
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) channel() <-chan item {
	return q.items
}
