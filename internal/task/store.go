package task

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/domain"
)

var (
	// ErrTaskNotFound is returned when a task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrStaleStatus is returned by Store.Update when the task is no longer
	// in the expected status.
	ErrStaleStatus = errors.New("task status changed concurrently")

	// ErrDuplicateExternalID is returned when an external id is already
	// recorded on another task of the same provider.
	ErrDuplicateExternalID = errors.New("external task id already recorded")
)

// Store persists tasks. Every mutation goes through Update, which is a
// compare-and-set on the task status: the mutation function only runs when
// the stored status equals expected, and it runs atomically with respect to
// every other Update of the same task.
type Store interface {
	// Create persists a new task.
	Create(ctx context.Context, t *domain.Task) error

	// Get returns a copy of the task.
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// GetByExternalID looks a task up by the provider's task id.
	GetByExternalID(ctx context.Context, provider, externalID string) (*domain.Task, error)

	// Update applies fn to the task if its status equals expected and
	// returns the stored result. It returns ErrStaleStatus when the status
	// differs and any error returned by fn unchanged; in both cases nothing
	// is written.
	Update(
		ctx context.Context,
		id uuid.UUID,
		expected domain.TaskStatus,
		fn func(t *domain.Task) error,
	) (*domain.Task, error)

	// ListByStatus returns tasks in status, oldest first. A non-positive
	// limit returns all of them.
	ListByStatus(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.Task, error)

	// ListRetryScheduled returns failed tasks that have a retry scheduled.
	ListRetryScheduled(ctx context.Context) ([]*domain.Task, error)

	// ListByOwner returns the owner's tasks, newest first.
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Task, error)

	// CountByStatus returns the number of tasks in each status.
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)
}
