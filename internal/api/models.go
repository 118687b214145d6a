package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/domain"
)

// SubmitTaskRequest is the payload of POST /api/tasks.
type SubmitTaskRequest struct {
	Kind         string `json:"kind"          validate:"required,oneof=image video chat"`
	Provider     string `json:"provider"      validate:"required,max=64"`
	Model        string `json:"model"         validate:"required,max=128"`
	Prompt       string `json:"prompt"        validate:"required,max=4000"`
	AuxiliaryRef string `json:"auxiliary_ref" validate:"omitempty,max=2048"`
}

// TaskResponse is the public view of a task.
type TaskResponse struct {
	ID            uuid.UUID      `json:"id"`
	Kind          string         `json:"kind"`
	Provider      string         `json:"provider"`
	Model         string         `json:"model"`
	Prompt        string         `json:"prompt"`
	AuxiliaryRef  string         `json:"auxiliary_ref,omitempty"`
	Status        string         `json:"status"`
	Progress      int            `json:"progress"`
	Result        *domain.Result `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	Attempts      int            `json:"attempts"`
	Cost          int64          `json:"cost"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// TaskListResponse is returned by GET /api/tasks.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// BalanceResponse is returned by GET /api/balance.
type BalanceResponse struct {
	OwnerID uuid.UUID            `json:"owner_id"`
	Balance int64                `json:"balance"`
	Entries []domain.LedgerEntry `json:"entries,omitempty"`
}

// ActionRequest is the payload of POST /api/actions. Either Action or Text
// must be set.
type ActionRequest struct {
	Action       string `json:"action"        validate:"omitempty,max=64"`
	Text         string `json:"text"          validate:"max=4000"`
	TaskID       string `json:"task_id"       validate:"omitempty,uuid"`
	AuxiliaryRef string `json:"auxiliary_ref" validate:"omitempty,max=2048"`
}

// CallbackResponse acknowledges a provider callback.
type CallbackResponse struct {
	Status string `json:"status"`
}

func taskToResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		Kind:          string(t.Kind),
		Provider:      t.Provider,
		Model:         t.Model,
		Prompt:        t.Prompt,
		AuxiliaryRef:  t.AuxiliaryRef,
		Status:        string(t.Status),
		Progress:      t.Progress,
		Result:        t.Result,
		Error:         t.Error,
		Attempts:      t.Attempts,
		Cost:          t.Cost,
		NextAttemptAt: t.NextAttemptAt,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
	}
}
