package generation

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/domain"
)

// Request is what the scheduler hands to an adapter for one attempt.
type Request struct {
	TaskID       uuid.UUID
	OwnerID      uuid.UUID
	Kind         domain.TaskKind
	Model        string
	Prompt       string
	AuxiliaryRef string
	Attempt      int
}

// StartResult is either an immediate result or an external task id to be
// reconciled later. Exactly one of the two is set.
type StartResult struct {
	Immediate      *domain.Result
	ExternalTaskID string
}

// State is the provider-side status of an external task.
type State string

// Provider-side task states
const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether s is a final provider state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// PollResult is one observation of an external task.
type PollResult struct {
	State    State
	Progress int
	Result   *domain.Result
	// Err classifies a failed state, wrapping one of the package errors.
	Err error
}

// Adapter performs generation calls against one provider.
type Adapter interface {
	// Name is the provider identifier tasks are submitted with.
	Name() string

	// Start begins generation. It returns an immediate result or an external
	// task id. Returned errors wrap one of the package errors.
	Start(ctx context.Context, req Request) (StartResult, error)

	// Poll observes the external task. A non-nil error means the observation
	// itself failed, not the task.
	Poll(ctx context.Context, externalTaskID string) (PollResult, error)
}

// Notice is a completion report delivered by a provider callback or
// produced by polling. It is applied by the reconciler.
type Notice struct {
	Provider       string
	ExternalTaskID string
	State          State
	Progress       int
	Result         *domain.Result
	Err            error
}

// NoticeFromPoll converts a poll observation into a Notice.
func NoticeFromPoll(provider, externalTaskID string, pr PollResult) Notice {
	return Notice{
		Provider:       provider,
		ExternalTaskID: externalTaskID,
		State:          pr.State,
		Progress:       pr.Progress,
		Result:         pr.Result,
		Err:            pr.Err,
	}
}

// CallbackDecoder is implemented by adapters whose provider can push
// completion callbacks in its own payload format.
type CallbackDecoder interface {
	DecodeCallback(body []byte) (Notice, error)
}
