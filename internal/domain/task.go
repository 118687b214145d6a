package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskKind identifies what a task generates.
type TaskKind string

// Supported task kinds
const (
	KindImage TaskKind = "image"
	KindVideo TaskKind = "video"
	KindChat  TaskKind = "chat"
)

// TaskStatus represents the processing state of a task
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// ReservationState tracks the ledger reservation made for the current attempt.
type ReservationState string

// Reservation states. A reservation moves from held to exactly one of
// committed or refunded.
const (
	ReservationNone      ReservationState = ""
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationRefunded  ReservationState = "refunded"
)

// MaxPromptLength bounds the prompt accepted at submission.
const MaxPromptLength = 4000

// Reservation is the ledger charge belonging to one dispatch attempt.
type Reservation struct {
	Ref    string           `json:"ref,omitempty"`
	Amount int64            `json:"amount,omitempty"`
	State  ReservationState `json:"state,omitempty"`
}

// Held reports whether the reservation still awaits commit or refund.
func (r Reservation) Held() bool {
	return r.State == ReservationHeld
}

// Result is the outcome of a successful generation.
type Result struct {
	Text     string            `json:"text,omitempty"`
	URLs     []string          `json:"urls,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Empty reports whether the result carries no content at all.
func (r *Result) Empty() bool {
	return r == nil || (r.Text == "" && len(r.URLs) == 0)
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := &Result{Text: r.Text}
	if r.URLs != nil {
		c.URLs = append([]string(nil), r.URLs...)
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Task is a single generation request owned by a user. It is created in
// pending status and mutated only by the scheduler and the reconciler.
type Task struct {
	ID             uuid.UUID   `json:"id"`
	OwnerID        uuid.UUID   `json:"owner_id"`
	Kind           TaskKind    `json:"kind"`
	Provider       string      `json:"provider"`
	Model          string      `json:"model"`
	Prompt         string      `json:"prompt"`
	AuxiliaryRef   string      `json:"auxiliary_ref,omitempty"`
	Status         TaskStatus  `json:"status"`
	Progress       int         `json:"progress"`
	ExternalTaskID string      `json:"external_task_id,omitempty"`
	Result         *Result     `json:"result,omitempty"`
	Error          string      `json:"error,omitempty"`
	Attempts       int         `json:"attempts"`
	Cost           int64       `json:"cost"`
	Reservation    Reservation `json:"reservation"`
	// Settling is set while a result or failure is being applied so that a
	// concurrent completion notice for the same task becomes a no-op.
	Settling bool `json:"-"`
	// NextAttemptAt is set on a failed task that has a retry scheduled.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewTask creates a pending task after validating its fields.
func NewTask(
	ownerID uuid.UUID,
	kind TaskKind,
	provider, model, prompt, auxiliaryRef string,
) (*Task, error) {
	now := time.Now().UTC()
	t := &Task{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		Kind:         kind,
		Provider:     strings.ToLower(strings.TrimSpace(provider)),
		Model:        strings.TrimSpace(model),
		Prompt:       strings.TrimSpace(prompt),
		AuxiliaryRef: strings.TrimSpace(auxiliaryRef),
		Status:       TaskStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the submission fields of a task.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return NewValidationError("id", "cannot be empty", ErrInvalidID)
	}
	if t.OwnerID == uuid.Nil {
		return NewValidationError("owner_id", "cannot be empty", ErrInvalidID)
	}
	if !t.Kind.Valid() {
		return NewValidationError("kind", "must be one of image, video, chat", ErrInvalidKind)
	}
	if t.Provider == "" {
		return NewValidationError("provider", "cannot be empty", ErrEmptyContent)
	}
	if t.Model == "" {
		return NewValidationError("model", "cannot be empty", ErrEmptyContent)
	}
	if t.Prompt == "" {
		return NewValidationError("prompt", "cannot be empty", ErrEmptyContent)
	}
	if len(t.Prompt) > MaxPromptLength {
		return NewValidationError("prompt", "is too long", ErrValidation)
	}
	if !t.Status.Valid() {
		return NewValidationError("status", "is not a valid status", ErrInvalidTaskStatus)
	}
	return nil
}

// IsTerminal reports whether the task will not transition again on its own.
// A failed task with a retry scheduled is not terminal.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskStatusCompleted:
		return true
	case TaskStatusFailed:
		return t.NextAttemptAt == nil
	default:
		return false
	}
}

// RetryScheduled reports whether the task is waiting to re-enter pending.
func (t *Task) RetryScheduled() bool {
	return t.Status == TaskStatusFailed && t.NextAttemptAt != nil
}

// TransitionTo moves the task to status after checking the lifecycle rules:
// pending→processing→{completed|failed}, pending→failed (cancellation) and
// failed→pending only while a retry is scheduled.
func (t *Task) TransitionTo(status TaskStatus, now time.Time) error {
	if !CanTransition(t, status) {
		return ErrInvalidTransition
	}

	switch status {
	case TaskStatusPending:
		t.NextAttemptAt = nil
		t.Progress = 0
		t.Error = ""
	case TaskStatusProcessing:
		if t.StartedAt == nil {
			started := now
			t.StartedAt = &started
		}
	case TaskStatusCompleted:
		completed := now
		t.CompletedAt = &completed
		t.Progress = 100
		t.NextAttemptAt = nil
	case TaskStatusFailed:
		completed := now
		t.CompletedAt = &completed
	}

	t.Status = status
	t.UpdatedAt = now
	return nil
}

// Requeue returns a processing task that never reached the provider back to
// pending. It is used when recovering work interrupted by a restart; the
// interrupted attempt is given back so a restart does not use up a retry.
func (t *Task) Requeue(now time.Time) error {
	if t.Status != TaskStatusProcessing || t.ExternalTaskID != "" || t.Settling {
		return ErrInvalidTransition
	}
	if t.Attempts > 0 {
		t.Attempts--
	}
	t.Status = TaskStatusPending
	t.Progress = 0
	t.UpdatedAt = now
	return nil
}

// CanTransition reports whether t may move to the given status.
func CanTransition(t *Task, to TaskStatus) bool {
	switch t.Status {
	case TaskStatusPending:
		return to == TaskStatusProcessing || to == TaskStatusFailed
	case TaskStatusProcessing:
		return to == TaskStatusCompleted || to == TaskStatusFailed
	case TaskStatusFailed:
		return to == TaskStatusPending && t.NextAttemptAt != nil
	default:
		return false
	}
}

// Clone returns a deep copy of the task so that stores never share mutable
// state with callers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Result = t.Result.Clone()
	c.NextAttemptAt = cloneTime(t.NextAttemptAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

// Valid reports whether k is a supported kind.
func (k TaskKind) Valid() bool {
	switch k {
	case KindImage, KindVideo, KindChat:
		return true
	default:
		return false
	}
}

// ParseKind converts a raw string into a TaskKind.
func ParseKind(raw string) (TaskKind, error) {
	k := TaskKind(strings.ToLower(strings.TrimSpace(raw)))
	if !k.Valid() {
		return "", NewValidationError("kind", "must be one of image, video, chat", ErrInvalidKind)
	}
	return k, nil
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
