package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/platform/logger"
	"github.com/phrazzld/conjure-api/internal/store"
	"github.com/phrazzld/conjure-api/internal/task"
)

const externalIDConstraint = "tasks_provider_external_id_key"

const taskColumns = `id, owner_id, kind, provider, model, prompt, auxiliary_ref, status, progress,
	external_task_id, result, error, attempts, cost, reservation_ref, reservation_amount,
	reservation_state, settling, next_attempt_at, created_at, started_at, completed_at, updated_at`

// TaskStore implements task.Store on PostgreSQL. Update locks the row with
// SELECT ... FOR UPDATE so the status check and the write happen in one
// transaction.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a TaskStore.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

var _ task.Store = (*TaskStore)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func timeArg(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t            domain.Task
		kind, status string
		resState     string
		externalID   sql.NullString
		result       []byte
		nextAttempt  sql.NullTime
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.OwnerID, &kind, &t.Provider, &t.Model, &t.Prompt, &t.AuxiliaryRef, &status, &t.Progress,
		&externalID, &result, &t.Error, &t.Attempts, &t.Cost, &t.Reservation.Ref, &t.Reservation.Amount,
		&resState, &t.Settling, &nextAttempt, &t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = domain.TaskKind(kind)
	t.Status = domain.TaskStatus(status)
	t.Reservation.State = domain.ReservationState(resState)
	t.ExternalTaskID = externalID.String
	t.NextAttemptAt = nullTime(nextAttempt)
	t.StartedAt = nullTime(startedAt)
	t.CompletedAt = nullTime(completedAt)
	if len(result) > 0 {
		t.Result = &domain.Result{}
		if err := json.Unmarshal(result, t.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result of task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func taskArgs(t *domain.Task) ([]any, error) {
	result, err := encodeResult(t.Result)
	if err != nil {
		return nil, err
	}
	return []any{
		t.ID, t.OwnerID, string(t.Kind), t.Provider, t.Model, t.Prompt, t.AuxiliaryRef, string(t.Status), t.Progress,
		externalIDArg(t.ExternalTaskID), result, t.Error, t.Attempts, t.Cost, t.Reservation.Ref, t.Reservation.Amount,
		string(t.Reservation.State), t.Settling, timeArg(t.NextAttemptAt), t.CreatedAt.UTC(),
		timeArg(t.StartedAt), timeArg(t.CompletedAt), t.UpdatedAt.UTC(),
	}, nil
}

// mutableArgs returns the id followed by the columns Update may change.
func mutableArgs(t *domain.Task) ([]any, error) {
	result, err := encodeResult(t.Result)
	if err != nil {
		return nil, err
	}
	return []any{
		t.ID, string(t.Status), t.Progress, externalIDArg(t.ExternalTaskID), result, t.Error,
		t.Attempts, t.Cost, t.Reservation.Ref, t.Reservation.Amount,
		string(t.Reservation.State), t.Settling, timeArg(t.NextAttemptAt),
		timeArg(t.StartedAt), timeArg(t.CompletedAt), t.UpdatedAt.UTC(),
	}, nil
}

func encodeResult(r *domain.Result) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return b, nil
}

func externalIDArg(id string) sql.NullString {
	return sql.NullString{String: id, Valid: id != ""}
}

// Create implements task.Store.
func (s *TaskStore) Create(ctx context.Context, t *domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}

	query := `INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if IsUniqueViolation(err, externalIDConstraint) {
			return task.ErrDuplicateExternalID
		}
		logger.FromContext(ctx).ErrorContext(ctx, "failed to insert task",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to create task: %w", MapError(err))
	}
	return nil
}

// Get implements task.Store.
func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return s.one(row)
}

// GetByExternalID implements task.Store.
func (s *TaskStore) GetByExternalID(ctx context.Context, provider, externalID string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE provider = $1 AND external_task_id = $2`,
		provider, externalID)
	return s.one(row)
}

func (s *TaskStore) one(row rowScanner) (*domain.Task, error) {
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", MapError(err))
	}
	return t, nil
}

// Update implements task.Store.
func (s *TaskStore) Update(
	ctx context.Context,
	id uuid.UUID,
	expected domain.TaskStatus,
	fn func(t *domain.Task) error,
) (*domain.Task, error) {
	var updated *domain.Task

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
		current, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return task.ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock task: %w", MapError(err))
		}
		if current.Status != expected {
			return task.ErrStaleStatus
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}

		args, err := mutableArgs(next)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET
			status = $2, progress = $3, external_task_id = $4, result = $5, error = $6,
			attempts = $7, cost = $8, reservation_ref = $9, reservation_amount = $10,
			reservation_state = $11, settling = $12, next_attempt_at = $13,
			started_at = $14, completed_at = $15, updated_at = $16
			WHERE id = $1`, args...)
		if err != nil {
			if IsUniqueViolation(err, externalIDConstraint) {
				return task.ErrDuplicateExternalID
			}
			return fmt.Errorf("failed to update task: %w", MapError(err))
		}

		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListByStatus implements task.Store.
func (s *TaskStore) ListByStatus(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1 ORDER BY created_at ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.list(ctx, query, args...)
}

// ListRetryScheduled implements task.Store.
func (s *TaskStore) ListRetryScheduled(ctx context.Context) ([]*domain.Task, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = 'failed' AND next_attempt_at IS NOT NULL
		ORDER BY next_attempt_at ASC`)
}

// ListByOwner implements task.Store.
func (s *TaskStore) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE owner_id = $1 ORDER BY created_at DESC`
	args := []any{ownerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.list(ctx, query, args...)
}

func (s *TaskStore) list(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", MapError(err))
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", MapError(err))
	}
	return out, nil
}

// CountByStatus implements task.Store.
func (s *TaskStore) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.TaskStatus]int, 4)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[domain.TaskStatus(strings.TrimSpace(status))] = n
	}
	return counts, rows.Err()
}
