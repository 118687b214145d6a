package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/cache"
	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/generation"
	"github.com/phrazzld/conjure-api/internal/ledger"
	"github.com/phrazzld/conjure-api/internal/notify"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrCancelled is recorded on tasks cancelled by their owner.
	ErrCancelled = errors.New("task cancelled by owner")

	// ErrDispatchPanic is recorded when a dispatch panics.
	ErrDispatchPanic = errors.New("task dispatch panicked")

	// ErrReconcileDeadline is recorded when no completion arrives in time.
	ErrReconcileDeadline = errors.New("no completion received before the reconcile deadline")

	// ErrTaskTerminal is returned when an operation needs a live task.
	ErrTaskTerminal = errors.New("task already finished")

	errAlreadySettling    = errors.New("task is already being settled")
	errExternalIDMismatch = errors.New("notice belongs to another attempt")
	errNoProgress         = errors.New("progress unchanged")
)

// ApplyOutcome describes what Reconciler.Apply did with a notice.
type ApplyOutcome string

// Apply outcomes
const (
	OutcomeApplied  ApplyOutcome = "applied"
	OutcomeIgnored  ApplyOutcome = "ignored"
	OutcomeParked   ApplyOutcome = "parked"
	OutcomeProgress ApplyOutcome = "progress"
)

// ResultMirror copies result artifacts somewhere durable before caching.
type ResultMirror interface {
	Mirror(ctx context.Context, t *domain.Task, result *domain.Result) (*domain.Result, error)
}

type outcome struct {
	result     *domain.Result
	err        error
	fromCache  bool
	noRetry    bool
	externalID string
}

type parkedNotice struct {
	notice    generation.Notice
	expiresAt time.Time
}

// Reconciler is the single path that applies a result or a failure to a
// task, whether it comes from the dispatcher, a poll, a provider callback,
// a cancellation or the stale-task monitor. Application is guarded by a
// compare-and-set claim on the task so it happens at most once per attempt.
type Reconciler struct {
	store    Store
	cache    *cache.Cache
	ledger   *ledger.Ledger
	notifier notify.Notifier
	mirror   ResultMirror
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	maxAttempts int
	backoff     BackoffPolicy
	parkTTL     time.Duration

	mu     sync.Mutex
	parked map[string]parkedNotice

	onRetry    func(id uuid.UUID, delay time.Duration)
	onTerminal func(ctx context.Context, t *domain.Task)
}

// Apply reconciles a completion notice with the task that owns its
// external id. Notices for unknown tasks are parked briefly, since a
// callback can arrive before the dispatcher has recorded the id. Notices
// for terminal tasks are ignored.
func (r *Reconciler) Apply(ctx context.Context, n generation.Notice) (ApplyOutcome, error) {
	ctx, span := r.tracer.Start(ctx, "task.reconcile", trace.WithAttributes(
		attribute.String("provider", n.Provider),
		attribute.String("external_task_id", n.ExternalTaskID),
		attribute.String("state", string(n.State)),
	))
	defer span.End()

	t, err := r.store.GetByExternalID(ctx, n.Provider, n.ExternalTaskID)
	if errors.Is(err, ErrTaskNotFound) {
		if !n.State.Terminal() {
			return OutcomeIgnored, nil
		}
		return r.park(ctx, n)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task lookup failed")
		return "", fmt.Errorf("failed to look up task by external id: %w", err)
	}

	out, err := r.applyTo(ctx, t, n)
	span.SetAttributes(attribute.String("outcome", string(out)))
	return out, err
}

func (r *Reconciler) applyTo(ctx context.Context, t *domain.Task, n generation.Notice) (ApplyOutcome, error) {
	if t.Status != domain.TaskStatusProcessing || t.Settling || t.ExternalTaskID != n.ExternalTaskID {
		r.logger.DebugContext(ctx, "ignoring notice for settled task",
			slog.String("task_id", t.ID.String()),
			slog.String("status", string(t.Status)),
			slog.String("external_task_id", n.ExternalTaskID))
		return OutcomeIgnored, nil
	}

	out := outcome{externalID: n.ExternalTaskID}
	switch n.State {
	case generation.StateRunning:
		return r.progress(ctx, t, n)
	case generation.StateSucceeded:
		out.result = n.Result
		if n.Result.Empty() {
			out.err = fmt.Errorf("%w: provider reported success without content", generation.ErrInvalidResponse)
		}
	default:
		out.err = n.Err
		if out.err == nil {
			out.err = generation.ErrGenerationFailed
		}
	}

	applied, err := r.settle(ctx, t.ID, domain.TaskStatusProcessing, out)
	if err != nil {
		return "", err
	}
	if !applied {
		return OutcomeIgnored, nil
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) progress(ctx context.Context, t *domain.Task, n generation.Notice) (ApplyOutcome, error) {
	p := n.Progress
	if p > 99 {
		p = 99
	}
	updated, err := r.store.Update(ctx, t.ID, domain.TaskStatusProcessing, func(t *domain.Task) error {
		if t.Settling || t.ExternalTaskID != n.ExternalTaskID {
			return errAlreadySettling
		}
		if p <= t.Progress {
			return errNoProgress
		}
		t.Progress = p
		t.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoProgress) || errors.Is(err, errAlreadySettling) || errors.Is(err, ErrStaleStatus) {
			return OutcomeIgnored, nil
		}
		return "", fmt.Errorf("failed to record progress: %w", err)
	}

	r.notify(ctx, updated.OwnerID, notify.Message{
		Type:     notify.TypeProgress,
		TaskID:   updated.ID,
		Text:     fmt.Sprintf("Generating... %d%%", updated.Progress),
		Progress: updated.Progress,
	})
	return OutcomeProgress, nil
}

// settle claims the task and applies out to it. It returns false when the
// task was not in the expected status or another settle already owns it.
// The order is fixed: claim, ledger, cache, notify, mark terminal.
func (r *Reconciler) settle(
	ctx context.Context,
	id uuid.UUID,
	expected domain.TaskStatus,
	out outcome,
) (applied bool, err error) {
	ctx, span := r.tracer.Start(ctx, "task.settle", trace.WithAttributes(
		attribute.String("task.id", id.String()),
		attribute.Bool("success", out.err == nil),
	))
	defer span.End()

	t, err := r.store.Update(ctx, id, expected, func(t *domain.Task) error {
		if t.Settling {
			return errAlreadySettling
		}
		if out.externalID != "" && t.ExternalTaskID != out.externalID {
			return errExternalIDMismatch
		}
		t.Settling = true
		t.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleStatus) || errors.Is(err, errAlreadySettling) ||
			errors.Is(err, errExternalIDMismatch) || errors.Is(err, ErrTaskNotFound) {
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return false, fmt.Errorf("failed to claim task for settlement: %w", err)
	}

	logger := r.logger.With(
		slog.String("task_id", t.ID.String()),
		slog.String("owner_id", t.OwnerID.String()),
		slog.Int("attempt", t.Attempts),
	)

	// The claim is held from here on; a panic must not leave it behind.
	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorContext(ctx, "settlement panicked, finalizing task",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			span.SetStatus(codes.Error, "settlement panicked")
			applied = true
			err = r.finalize(ctx, logger, t, expected, out, fmt.Errorf("%w: %v", ErrDispatchPanic, rec))
		}
	}()

	if out.err == nil {
		return true, r.settleSuccess(ctx, logger, t, expected, out)
	}
	span.RecordError(out.err)
	return true, r.settleFailure(ctx, logger, t, expected, out)
}

func (r *Reconciler) settleSuccess(
	ctx context.Context,
	logger *slog.Logger,
	t *domain.Task,
	expected domain.TaskStatus,
	out outcome,
) error {
	result := out.result
	if !out.fromCache && r.mirror != nil {
		mirrored, err := r.mirror.Mirror(ctx, t, result)
		if err != nil {
			logger.WarnContext(ctx, "failed to mirror result artifacts, keeping provider urls",
				slog.String("error", err.Error()))
		} else if mirrored != nil {
			result = mirrored
		}
	}

	reservation := t.Reservation
	if reservation.Held() {
		if err := r.ledger.Commit(ctx, t.OwnerID, reservation.Ref); err != nil {
			logger.ErrorContext(ctx, "failed to commit reservation", slog.String("error", err.Error()))
		} else {
			reservation.State = domain.ReservationCommitted
		}
	}

	if !out.fromCache {
		r.cache.Set(ctx, cache.TaskFingerprint(t), result, t.Kind)
	}

	r.notify(ctx, t.OwnerID, notify.Message{
		Type:        notify.TypeResult,
		TaskID:      t.ID,
		Text:        resultText(t, result),
		Progress:    100,
		Attachments: result.URLs,
	})

	final, err := r.store.Update(ctx, t.ID, expected, func(t *domain.Task) error {
		t.Settling = false
		t.Reservation = reservation
		t.Result = result.Clone()
		t.Error = ""
		return t.TransitionTo(domain.TaskStatusCompleted, r.now())
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to mark task completed", slog.String("error", err.Error()))
		return fmt.Errorf("failed to mark task completed: %w", err)
	}

	logger.InfoContext(ctx, "task completed", slog.Bool("from_cache", out.fromCache))
	r.finish(ctx, final)
	return nil
}

func (r *Reconciler) settleFailure(
	ctx context.Context,
	logger *slog.Logger,
	t *domain.Task,
	expected domain.TaskStatus,
	out outcome,
) error {
	reservation := t.Reservation
	if reservation.Held() {
		if err := r.ledger.Refund(ctx, t.OwnerID, reservation.Ref, out.err.Error()); err != nil {
			logger.ErrorContext(ctx, "failed to refund reservation", slog.String("error", err.Error()))
		} else {
			reservation.State = domain.ReservationRefunded
		}
	}

	retry := !out.noRetry && generation.IsTransient(out.err) && t.Attempts < r.maxAttempts
	var delay time.Duration
	if retry {
		delay = r.backoff.Delay(t.Attempts)
		r.notify(ctx, t.OwnerID, notify.Message{
			Type:   notify.TypeInfo,
			TaskID: t.ID,
			Text:   fmt.Sprintf("Generation failed, retrying in %s.", delay.Round(time.Second)),
		})
	} else {
		r.notify(ctx, t.OwnerID, notify.Message{
			Type:   notify.TypeError,
			TaskID: t.ID,
			Text:   failureText(out.err),
		})
	}

	final, err := r.store.Update(ctx, t.ID, expected, func(t *domain.Task) error {
		t.Settling = false
		t.Reservation = reservation
		t.Error = out.err.Error()
		if retry {
			next := r.now().Add(delay)
			t.NextAttemptAt = &next
		}
		return t.TransitionTo(domain.TaskStatusFailed, r.now())
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to mark task failed", slog.String("error", err.Error()))
		return fmt.Errorf("failed to mark task failed: %w", err)
	}

	if retry {
		logger.WarnContext(ctx, "task attempt failed, retry scheduled",
			slog.String("error", out.err.Error()),
			slog.Duration("delay", delay))
		if r.onRetry != nil {
			r.onRetry(final.ID, delay)
		}
		return nil
	}

	logger.WarnContext(ctx, "task failed", slog.String("error", out.err.Error()))
	r.finish(ctx, final)
	return nil
}

// finalize moves a claimed task to its terminal state without the side
// effects of a normal settlement (no mirror, cache write or notification).
// A successful outcome still completes the task and commits its reservation;
// anything else fails it with cause and refunds. Both ledger calls are
// idempotent, so repeating one already made by the interrupted settlement
// is harmless. A task that already left expected is left alone.
func (r *Reconciler) finalize(
	ctx context.Context,
	logger *slog.Logger,
	t *domain.Task,
	expected domain.TaskStatus,
	out outcome,
	cause error,
) error {
	success := out.err == nil && !out.result.Empty()

	reservation := t.Reservation
	if reservation.Held() {
		var err error
		if success {
			err = r.ledger.Commit(ctx, t.OwnerID, reservation.Ref)
		} else {
			err = r.ledger.Refund(ctx, t.OwnerID, reservation.Ref, cause.Error())
		}
		if err != nil {
			logger.ErrorContext(ctx, "failed to settle reservation", slog.String("error", err.Error()))
		}
		// The interrupted settlement may already have moved it either way.
		if res, err := r.ledger.Reservation(ctx, t.OwnerID, reservation.Ref); err == nil && res != nil {
			reservation.State = res.State
		}
	}

	final, err := r.store.Update(ctx, t.ID, expected, func(t *domain.Task) error {
		t.Settling = false
		t.Reservation = reservation
		t.NextAttemptAt = nil
		if success {
			t.Result = out.result.Clone()
			t.Error = ""
			return t.TransitionTo(domain.TaskStatusCompleted, r.now())
		}
		t.Error = cause.Error()
		return t.TransitionTo(domain.TaskStatusFailed, r.now())
	})
	if err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil
		}
		logger.ErrorContext(ctx, "failed to finalize task", slog.String("error", err.Error()))
		return fmt.Errorf("failed to finalize task: %w", err)
	}

	logger.WarnContext(ctx, "task finalized after interrupted settlement",
		slog.String("status", string(final.Status)),
		slog.String("cause", cause.Error()))
	r.finish(ctx, final)
	return nil
}

// reclaim finalizes a task whose settlement claim was taken before cutoff
// and never released, for example because the last store write failed.
// It reports whether the task was reclaimed.
func (r *Reconciler) reclaim(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error) {
	t, err := r.store.Update(ctx, id, domain.TaskStatusProcessing, func(t *domain.Task) error {
		if !t.Settling || t.UpdatedAt.After(cutoff) {
			return errAlreadySettling
		}
		t.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleStatus) || errors.Is(err, errAlreadySettling) || errors.Is(err, ErrTaskNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to reclaim task: %w", err)
	}

	logger := r.logger.With(
		slog.String("task_id", t.ID.String()),
		slog.String("owner_id", t.OwnerID.String()),
	)
	return true, r.finalize(ctx, logger, t, domain.TaskStatusProcessing, outcome{err: ErrReconcileDeadline}, ErrReconcileDeadline)
}

func (r *Reconciler) finish(ctx context.Context, t *domain.Task) {
	if r.onTerminal != nil {
		r.onTerminal(ctx, t)
	}
}

func (r *Reconciler) notify(ctx context.Context, ownerID uuid.UUID, msg notify.Message) {
	if err := r.notifier.Notify(ctx, ownerID, msg); err != nil {
		r.logger.WarnContext(ctx, "notification failed",
			slog.String("owner_id", ownerID.String()),
			slog.String("error", err.Error()))
	}
}

func (r *Reconciler) park(ctx context.Context, n generation.Notice) (ApplyOutcome, error) {
	key := extKey(n.Provider, n.ExternalTaskID)

	r.mu.Lock()
	r.parked[key] = parkedNotice{notice: n, expiresAt: r.now().Add(r.parkTTL)}
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "parked notice for unknown external task",
		slog.String("provider", n.Provider),
		slog.String("external_task_id", n.ExternalTaskID))

	// The dispatcher may have recorded the id after our lookup but before
	// the notice was parked, in which case nobody else will claim it.
	t, err := r.store.GetByExternalID(ctx, n.Provider, n.ExternalTaskID)
	if err != nil {
		return OutcomeParked, nil
	}
	pn, ok := r.take(key)
	if !ok {
		return OutcomeParked, nil
	}
	return r.applyTo(ctx, t, pn.notice)
}

// claimParked applies a notice that arrived before t's external id was
// recorded. It reports whether one was found.
func (r *Reconciler) claimParked(ctx context.Context, t *domain.Task) bool {
	pn, ok := r.take(extKey(t.Provider, t.ExternalTaskID))
	if !ok {
		return false
	}
	out, err := r.applyTo(ctx, t, pn.notice)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to apply parked notice",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()))
		return false
	}
	return out == OutcomeApplied
}

func (r *Reconciler) take(key string) (parkedNotice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pn, ok := r.parked[key]
	if !ok {
		return parkedNotice{}, false
	}
	delete(r.parked, key)
	if r.now().After(pn.expiresAt) {
		return parkedNotice{}, false
	}
	return pn, true
}

// sweepParked drops expired parked notices and returns how many it dropped.
func (r *Reconciler) sweepParked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for key, pn := range r.parked {
		if now.After(pn.expiresAt) {
			delete(r.parked, key)
			removed++
		}
	}
	return removed
}

// ParkedLen returns the number of parked notices.
func (r *Reconciler) ParkedLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parked)
}

func resultText(t *domain.Task, result *domain.Result) string {
	if result.Text != "" {
		return result.Text
	}
	switch t.Kind {
	case domain.KindVideo:
		return "Your video is ready."
	case domain.KindImage:
		return "Your image is ready."
	default:
		return "Done."
	}
}

func failureText(err error) string {
	switch {
	case errors.Is(err, ErrCancelled):
		return "Task cancelled. Any reserved tokens were refunded."
	case errors.Is(err, generation.ErrContentBlocked):
		return "The provider refused this prompt. Your tokens were refunded."
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "Not enough tokens to run this task."
	case errors.Is(err, generation.ErrPollTimeout), errors.Is(err, ErrReconcileDeadline):
		return "The provider did not deliver a result in time. Your tokens were refunded."
	default:
		return "Generation failed. Your tokens were refunded."
	}
}
