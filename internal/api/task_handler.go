package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/api/shared"
	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/platform/logger"
	"github.com/phrazzld/conjure-api/internal/task"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// TaskService is the part of the scheduler the task endpoints use.
type TaskService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*domain.Task, error)
	Get(ctx context.Context, ownerID, taskID uuid.UUID) (*domain.Task, error)
	List(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Task, error)
	Cancel(ctx context.Context, ownerID, taskID uuid.UUID) (*domain.Task, error)
}

// LedgerReader exposes an owner's balance and history.
type LedgerReader interface {
	Balance(ctx context.Context, ownerID uuid.UUID) (int64, error)
	Entries(ctx context.Context, ownerID uuid.UUID, limit int) ([]domain.LedgerEntry, error)
}

// TaskHandler serves the task and balance endpoints.
type TaskHandler struct {
	tasks  TaskService
	ledger LedgerReader
	logger *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(tasks TaskService, ledger LedgerReader, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{
		tasks:  tasks,
		ledger: ledger,
		logger: logger.With(slog.String("component", "task_handler")),
	}
}

// SubmitTask handles POST /api/tasks. The task is accepted as pending and
// processed asynchronously.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	ownerID, ok := requireOwner(w, r, log)
	if !ok {
		return
	}

	var req SubmitTaskRequest
	if !decodeAndValidate(w, r, &req, log) {
		return
	}

	t, err := h.tasks.Submit(r.Context(), task.SubmitRequest{
		OwnerID:      ownerID,
		Kind:         domain.TaskKind(req.Kind),
		Provider:     req.Provider,
		Model:        req.Model,
		Prompt:       req.Prompt,
		AuxiliaryRef: req.AuxiliaryRef,
	})
	if err != nil {
		HandleAPIError(w, r, err, "Failed to submit task")
		return
	}

	log.Debug("task accepted", slog.String("task_id", t.ID.String()))
	shared.RespondWithJSON(w, r, http.StatusAccepted, taskToResponse(t))
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	ownerID, taskID, ok := handleOwnerIDAndPathUUID(w, r, "id", log)
	if !ok {
		return
	}

	t, err := h.tasks.Get(r.Context(), ownerID, taskID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// ListTasks handles GET /api/tasks.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	ownerID, ok := requireOwner(w, r, log)
	if !ok {
		return
	}
	limit, err := queryLimit(r, "limit")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	tasks, err := h.tasks.List(r.Context(), ownerID, limit)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}

	resp := TaskListResponse{Tasks: make([]TaskResponse, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, taskToResponse(t))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// CancelTask handles POST /api/tasks/{id}/cancel. Cancelling refunds any
// held reservation; cancelling a finished task is a conflict.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	ownerID, taskID, ok := handleOwnerIDAndPathUUID(w, r, "id", log)
	if !ok {
		return
	}

	t, err := h.tasks.Cancel(r.Context(), ownerID, taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskTerminal) {
			log.Debug("cancel on finished task", slog.String("task_id", taskID.String()))
		}
		HandleAPIError(w, r, err, "Failed to cancel task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// GetBalance handles GET /api/balance. The optional entries query parameter
// includes that many recent ledger entries.
func (h *TaskHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	ownerID, ok := requireOwner(w, r, log)
	if !ok {
		return
	}

	balance, err := h.ledger.Balance(r.Context(), ownerID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to read balance")
		return
	}
	resp := BalanceResponse{OwnerID: ownerID, Balance: balance}

	if r.URL.Query().Get("entries") != "" {
		limit, err := queryLimit(r, "entries")
		if err != nil {
			HandleAPIError(w, r, err, "")
			return
		}
		resp.Entries, err = h.ledger.Entries(r.Context(), ownerID, limit)
		if err != nil {
			HandleAPIError(w, r, err, "Failed to read ledger entries")
			return
		}
	}

	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

func queryLimit(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, domain.NewValidationError(name, "must be a positive integer", domain.ErrValidation)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
