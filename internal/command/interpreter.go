package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/ledger"
	"github.com/phrazzld/conjure-api/internal/session"
	"github.com/phrazzld/conjure-api/internal/task"
)

// Session keys
const (
	keyTaskID = "task_id"
	keyAux    = "auxiliary_ref"
)

// ErrNoTask is returned by status and cancel when the owner has no task to act on.
var ErrNoTask = errors.New("no task to act on")

// TaskService is the part of the scheduler the interpreter uses.
type TaskService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*domain.Task, error)
	Get(ctx context.Context, ownerID, taskID uuid.UUID) (*domain.Task, error)
	List(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Task, error)
	Cancel(ctx context.Context, ownerID, taskID uuid.UUID) (*domain.Task, error)
}

// BalanceReader returns an owner's token balance.
type BalanceReader interface {
	Balance(ctx context.Context, ownerID uuid.UUID) (int64, error)
}

// Target is the provider and model used for one kind of generation.
type Target struct {
	Provider string
	Model    string
}

// Input is one inbound action or free-text message.
type Input struct {
	OwnerID uuid.UUID
	// Action may be empty, in which case Text is interpreted against the
	// owner's session.
	Action       ActionID
	Text         string
	TaskID       uuid.UUID
	AuxiliaryRef string
}

// Reply is what the interpreter tells the user.
type Reply struct {
	Action  ActionID     `json:"action,omitempty"`
	Text    string       `json:"text"`
	Task    *domain.Task `json:"task,omitempty"`
	Balance *int64       `json:"balance,omitempty"`
	// AwaitingInput is set when the next free-text message completes the action.
	AwaitingInput bool `json:"awaiting_input,omitempty"`
	// Actions lists the choices offered when the intent is unknown.
	Actions []ActionID `json:"actions,omitempty"`
}

// Interpreter dispatches actions to their handlers.
type Interpreter struct {
	tasks    TaskService
	balances BalanceReader
	sessions session.Store
	targets  map[domain.TaskKind]Target
	logger   *slog.Logger
	now      func() time.Time
	handlers map[ActionID]handler
}

type handler func(ctx context.Context, in Input) (*Reply, error)

// NewInterpreter creates an Interpreter. targets maps each generation kind
// to the provider and model used for it.
func NewInterpreter(
	tasks TaskService,
	balances BalanceReader,
	sessions session.Store,
	targets map[domain.TaskKind]Target,
	logger *slog.Logger,
) (*Interpreter, error) {
	if tasks == nil {
		return nil, fmt.Errorf("tasks cannot be nil")
	}
	if balances == nil {
		return nil, fmt.Errorf("balances cannot be nil")
	}
	if sessions == nil {
		return nil, fmt.Errorf("sessions cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	i := &Interpreter{
		tasks:    tasks,
		balances: balances,
		sessions: sessions,
		targets:  targets,
		logger:   logger.With("component", "command"),
		now:      time.Now,
	}
	i.handlers = map[ActionID]handler{
		ActionGenerateImage: i.generate,
		ActionGenerateVideo: i.generate,
		ActionChat:          i.generate,
		ActionBalance:       i.balance,
		ActionStatus:        i.status,
		ActionCancel:        i.cancel,
		ActionReset:         i.reset,
	}
	return i, nil
}

// Handle runs one input and returns the reply for the user. Errors that the
// user can act on (validation, balance, unknown task) are returned as errors
// so the transport can map them.
func (i *Interpreter) Handle(ctx context.Context, in Input) (*Reply, error) {
	if in.OwnerID == uuid.Nil {
		return nil, domain.NewValidationError("owner_id", "cannot be empty", domain.ErrInvalidID)
	}

	if in.Action == "" {
		return i.interpret(ctx, in)
	}

	h, ok := i.handlers[in.Action]
	if !ok {
		return nil, domain.NewValidationError("action", "is not a supported action", domain.ErrValidation)
	}
	reply, err := h(ctx, in)
	if err != nil {
		return nil, err
	}
	reply.Action = in.Action
	return reply, nil
}

// interpret resolves free text through the session.
func (i *Interpreter) interpret(ctx context.Context, in Input) (*Reply, error) {
	s, err := i.sessions.Get(ctx, in.OwnerID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			// Lost state degrades to asking again.
			i.logger.WarnContext(ctx, "failed to load session",
				slog.String("owner_id", in.OwnerID.String()),
				slog.String("error", err.Error()))
		}
		return restate(), nil
	}

	action := ActionID(s.CurrentAction)
	if _, ok := action.Kind(); !ok || s.ActionData[keyTaskID] != "" {
		return restate(), nil
	}

	in.Action = action
	if in.AuxiliaryRef == "" {
		in.AuxiliaryRef = s.ActionData[keyAux]
	}
	reply, err := i.generate(ctx, in)
	if err != nil {
		return nil, err
	}
	reply.Action = action
	return reply, nil
}

func restate() *Reply {
	return &Reply{
		Text:    "I'm not sure what you'd like to do. Please choose an action.",
		Actions: Actions(),
	}
}

func (i *Interpreter) generate(ctx context.Context, in Input) (*Reply, error) {
	kind, _ := in.Action.Kind()
	if in.Text == "" {
		data := map[string]string{}
		if in.AuxiliaryRef != "" {
			data[keyAux] = in.AuxiliaryRef
		}
		if err := i.setSession(ctx, in.OwnerID, in.Action, data); err != nil {
			return nil, err
		}
		return &Reply{Text: promptFor(kind), AwaitingInput: true}, nil
	}

	target, ok := i.targets[kind]
	if !ok {
		return nil, domain.NewValidationError("action", fmt.Sprintf("%s generation is not configured", kind),
			domain.ErrValidation)
	}

	t, err := i.tasks.Submit(ctx, task.SubmitRequest{
		OwnerID:      in.OwnerID,
		Kind:         kind,
		Provider:     target.Provider,
		Model:        target.Model,
		Prompt:       in.Text,
		AuxiliaryRef: in.AuxiliaryRef,
	})
	if err != nil {
		return nil, err
	}

	if err := i.setSession(ctx, in.OwnerID, in.Action, map[string]string{keyTaskID: t.ID.String()}); err != nil {
		return nil, err
	}
	return &Reply{Text: "Working on it. You'll get the result as soon as it's ready.", Task: t}, nil
}

func promptFor(kind domain.TaskKind) string {
	switch kind {
	case domain.KindImage:
		return "Describe the image you want."
	case domain.KindVideo:
		return "Describe the video you want."
	default:
		return "What would you like to ask?"
	}
}

func (i *Interpreter) balance(ctx context.Context, in Input) (*Reply, error) {
	b, err := i.balances.Balance(ctx, in.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return &Reply{Text: fmt.Sprintf("You have %d tokens.", b), Balance: &b}, nil
}

func (i *Interpreter) status(ctx context.Context, in Input) (*Reply, error) {
	t, err := i.resolveTask(ctx, in)
	if err != nil {
		return nil, err
	}
	return &Reply{Text: statusText(t), Task: t}, nil
}

func (i *Interpreter) cancel(ctx context.Context, in Input) (*Reply, error) {
	t, err := i.resolveTask(ctx, in)
	if err != nil {
		return nil, err
	}
	cancelled, err := i.tasks.Cancel(ctx, in.OwnerID, t.ID)
	if err != nil {
		return nil, err
	}
	if err := i.sessions.Clear(ctx, in.OwnerID); err != nil {
		i.logger.WarnContext(ctx, "failed to clear session", slog.String("error", err.Error()))
	}
	return &Reply{Text: "Cancelled. Any reserved tokens were returned.", Task: cancelled}, nil
}

func (i *Interpreter) reset(ctx context.Context, in Input) (*Reply, error) {
	if err := i.sessions.Clear(ctx, in.OwnerID); err != nil {
		return nil, fmt.Errorf("failed to clear session: %w", err)
	}
	return &Reply{Text: "Starting over. What would you like to do?", Actions: Actions()}, nil
}

// resolveTask picks the explicit task id, then the session's task, then the
// owner's newest task.
func (i *Interpreter) resolveTask(ctx context.Context, in Input) (*domain.Task, error) {
	id := in.TaskID
	if id == uuid.Nil {
		if s, err := i.sessions.Get(ctx, in.OwnerID); err == nil {
			if parsed, perr := uuid.Parse(s.ActionData[keyTaskID]); perr == nil {
				id = parsed
			}
		}
	}
	if id != uuid.Nil {
		return i.tasks.Get(ctx, in.OwnerID, id)
	}

	recent, err := i.tasks.List(ctx, in.OwnerID, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	if len(recent) == 0 {
		return nil, ErrNoTask
	}
	return recent[0], nil
}

func statusText(t *domain.Task) string {
	switch {
	case t.Status == domain.TaskStatusPending:
		return "Your request is waiting in the queue."
	case t.Status == domain.TaskStatusProcessing:
		return fmt.Sprintf("Generating... %d%%", t.Progress)
	case t.Status == domain.TaskStatusCompleted:
		return "Done."
	case t.RetryScheduled():
		return "The last attempt failed, a retry is scheduled."
	default:
		return "The request failed."
	}
}

func (i *Interpreter) setSession(ctx context.Context, owner uuid.UUID, action ActionID, data map[string]string) error {
	err := i.sessions.Set(ctx, &domain.Session{
		OwnerID:        owner,
		CurrentAction:  string(action),
		ActionData:     data,
		LastActivityAt: i.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// TaskTerminal clears the owner's session when it refers to t. It is meant
// to be installed as the scheduler's terminal hook.
func (i *Interpreter) TaskTerminal(ctx context.Context, t *domain.Task) {
	s, err := i.sessions.Get(ctx, t.OwnerID)
	if err != nil {
		return
	}
	if s.ActionData[keyTaskID] != t.ID.String() {
		return
	}
	if err := i.sessions.Clear(ctx, t.OwnerID); err != nil {
		i.logger.WarnContext(ctx, "failed to clear session after task finished",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()))
	}
}

var _ BalanceReader = (*ledger.Ledger)(nil)
var _ TaskService = (*task.Scheduler)(nil)
