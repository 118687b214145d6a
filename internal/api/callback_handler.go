package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/conjure-api/internal/api/shared"
	"github.com/phrazzld/conjure-api/internal/generation"
	"github.com/phrazzld/conjure-api/internal/platform/logger"
	"github.com/phrazzld/conjure-api/internal/redact"
	"github.com/phrazzld/conjure-api/internal/task"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Callback acknowledgement statuses besides the reconciler outcomes.
const (
	CallbackRejected = "rejected"
	CallbackError    = "error"
)

// NoticeApplier applies a decoded provider notice to its task.
type NoticeApplier interface {
	Apply(ctx context.Context, n generation.Notice) (task.ApplyOutcome, error)
}

// DecoderSource returns the callback decoder for a provider.
type DecoderSource interface {
	Decoder(provider string) generation.CallbackDecoder
}

// CallbackHandler receives provider completion callbacks. Every callback
// that passed authentication is acknowledged with 200 so providers do not
// redeliver; failures are logged and left to polling and the stale-task
// monitor.
type CallbackHandler struct {
	decoders DecoderSource
	applier  NoticeApplier
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewCallbackHandler creates a CallbackHandler.
func NewCallbackHandler(decoders DecoderSource, applier NoticeApplier, logger *slog.Logger) *CallbackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackHandler{
		decoders: decoders,
		applier:  applier,
		logger:   logger.With(slog.String("component", "callback_handler")),
		tracer:   otel.Tracer("github.com/phrazzld/conjure-api/internal/api"),
	}
}

// HandleCallback handles POST /callbacks/{provider}.
func (h *CallbackHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	ctx, span := h.tracer.Start(r.Context(), "callback.receive",
		trace.WithAttributes(attribute.String("provider", provider)))
	defer span.End()

	log := logger.FromContextOrDefault(ctx, h.logger).With(slog.String("provider", provider))

	body, err := io.ReadAll(io.LimitReader(r.Body, shared.MaxRequestBodySize))
	if err != nil {
		log.Warn("failed to read callback body", slog.String("error", redact.Error(err)))
		span.SetStatus(codes.Error, "read failed")
		h.ack(w, r, CallbackRejected)
		return
	}

	notice, err := h.decoders.Decoder(provider).DecodeCallback(body)
	if err != nil {
		log.Warn("rejected callback payload", slog.String("error", redact.Error(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		h.ack(w, r, CallbackRejected)
		return
	}
	if notice.Provider == "" {
		notice.Provider = provider
	}
	span.SetAttributes(
		attribute.String("external_task_id", notice.ExternalTaskID),
		attribute.String("state", string(notice.State)))

	outcome, err := h.applier.Apply(ctx, notice)
	if err != nil {
		log.Error("failed to apply callback",
			slog.String("external_task_id", notice.ExternalTaskID),
			slog.String("error", redact.Error(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		h.ack(w, r, CallbackError)
		return
	}

	log.Info("callback applied",
		slog.String("external_task_id", notice.ExternalTaskID),
		slog.String("state", string(notice.State)),
		slog.String("outcome", string(outcome)))
	h.ack(w, r, string(outcome))
}

func (h *CallbackHandler) ack(w http.ResponseWriter, r *http.Request, status string) {
	shared.RespondWithJSON(w, r, http.StatusOK, CallbackResponse{Status: status})
}
