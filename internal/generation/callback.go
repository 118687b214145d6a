package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/phrazzld/conjure-api/internal/domain"
)

// GenericCallback is the provider-neutral callback payload.
type GenericCallback struct {
	ExternalTaskID string   `json:"external_task_id"`
	Status         string   `json:"status"`
	Progress       int      `json:"progress"`
	Text           string   `json:"text,omitempty"`
	URLs           []string `json:"urls,omitempty"`
	Error          string   `json:"error,omitempty"`
	Retryable      bool     `json:"retryable,omitempty"`
}

// GenericDecoder decodes GenericCallback payloads.
type GenericDecoder struct {
	Provider string
}

// DecodeCallback implements CallbackDecoder.
func (d GenericDecoder) DecodeCallback(body []byte) (Notice, error) {
	var cb GenericCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return Notice{}, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if cb.ExternalTaskID == "" {
		return Notice{}, fmt.Errorf("%w: missing external_task_id", ErrInvalidCallback)
	}

	n := Notice{
		Provider:       d.Provider,
		ExternalTaskID: cb.ExternalTaskID,
		Progress:       cb.Progress,
	}

	switch strings.ToLower(cb.Status) {
	case "succeeded", "success", "completed":
		n.State = StateSucceeded
		n.Progress = 100
		n.Result = &domain.Result{Text: cb.Text, URLs: cb.URLs}
	case "failed", "error", "cancelled":
		n.State = StateFailed
		sentinel := ErrGenerationFailed
		if cb.Retryable {
			sentinel = ErrTransientFailure
		}
		msg := cb.Error
		if msg == "" {
			msg = "provider reported failure"
		}
		n.Err = fmt.Errorf("%w: %s", sentinel, msg)
	case "running", "queued", "processing", "pending":
		n.State = StateRunning
	default:
		return Notice{}, fmt.Errorf("%w: unknown status %q", ErrInvalidCallback, cb.Status)
	}

	return n, nil
}
