package command

import (
	"strings"

	"github.com/phrazzld/conjure-api/internal/domain"
)

// ActionID identifies an inbound action. The values are part of the public
// API and must stay stable.
type ActionID string

// Supported actions
const (
	ActionGenerateImage ActionID = "generate.image"
	ActionGenerateVideo ActionID = "generate.video"
	ActionChat          ActionID = "chat"
	ActionBalance       ActionID = "balance"
	ActionStatus        ActionID = "status"
	ActionCancel        ActionID = "cancel"
	ActionReset         ActionID = "reset"
)

var actions = []ActionID{
	ActionGenerateImage,
	ActionGenerateVideo,
	ActionChat,
	ActionBalance,
	ActionStatus,
	ActionCancel,
	ActionReset,
}

// Actions returns every supported action in display order.
func Actions() []ActionID {
	return append([]ActionID(nil), actions...)
}

// ParseAction converts a raw action id. The empty string is allowed and
// means free text to be interpreted against the session.
func ParseAction(raw string) (ActionID, error) {
	id := ActionID(strings.ToLower(strings.TrimSpace(raw)))
	if id == "" || id.Valid() {
		return id, nil
	}
	return "", domain.NewValidationError("action", "is not a supported action", domain.ErrValidation)
}

// Valid reports whether a is a supported action.
func (a ActionID) Valid() bool {
	for _, known := range actions {
		if a == known {
			return true
		}
	}
	return false
}

// Kind returns the task kind a generation action produces.
func (a ActionID) Kind() (domain.TaskKind, bool) {
	switch a {
	case ActionGenerateImage:
		return domain.KindImage, true
	case ActionGenerateVideo:
		return domain.KindVideo, true
	case ActionChat:
		return domain.KindChat, true
	default:
		return "", false
	}
}
