package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/api/shared"
	"github.com/phrazzld/conjure-api/internal/command"
	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/platform/logger"
)

// Interpreter runs inbound actions and free-text messages.
type Interpreter interface {
	Handle(ctx context.Context, in command.Input) (*command.Reply, error)
}

// ActionHandler serves POST /api/actions.
type ActionHandler struct {
	interpreter Interpreter
	logger      *slog.Logger
}

// NewActionHandler creates an ActionHandler.
func NewActionHandler(interpreter Interpreter, logger *slog.Logger) *ActionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionHandler{
		interpreter: interpreter,
		logger:      logger.With(slog.String("component", "action_handler")),
	}
}

// HandleAction handles POST /api/actions.
func (h *ActionHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	ownerID, ok := requireOwner(w, r, log)
	if !ok {
		return
	}

	var req ActionRequest
	if !decodeAndValidate(w, r, &req, log) {
		return
	}
	if req.Action == "" && strings.TrimSpace(req.Text) == "" {
		HandleAPIError(w, r, domain.NewValidationError("action", "or text is required", domain.ErrValidation), "")
		return
	}

	in := command.Input{
		OwnerID:      ownerID,
		Text:         req.Text,
		AuxiliaryRef: req.AuxiliaryRef,
	}
	if req.Action != "" {
		action, err := command.ParseAction(req.Action)
		if err != nil {
			HandleAPIError(w, r, err, "")
			return
		}
		in.Action = action
	}
	if req.TaskID != "" {
		id, err := uuid.Parse(req.TaskID)
		if err != nil {
			HandleAPIError(w, r, domain.NewValidationError("task_id", "has invalid format", domain.ErrInvalidID), "")
			return
		}
		in.TaskID = id
	}

	reply, err := h.interpreter.Handle(r.Context(), in)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to handle action")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, reply)
}
