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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/phrazzld/conjure-api/internal/task"

// Config holds configuration for the scheduler
type Config struct {
	// Concurrency is the number of workers, and so the maximum number of
	// tasks being dispatched or polled at once.
	Concurrency int

	// QueueSize bounds the number of tasks waiting for a worker.
	QueueSize int

	// MaxAttempts is the total number of attempts a task gets, including
	// the first one.
	MaxAttempts int

	// DispatchTimeout bounds a single Adapter.Start call.
	DispatchTimeout time.Duration

	// PollInterval is the delay between two polls of an external task.
	PollInterval time.Duration

	// PollTimeout bounds how long a worker polls one external task.
	PollTimeout time.Duration

	// RefundOnPollTimeout fails and refunds a task when polling times out
	// instead of leaving it for a later callback.
	RefundOnPollTimeout bool

	// ReconcileDeadline is how long a processing task may stay idle before
	// the stale-task monitor fails and refunds it.
	ReconcileDeadline time.Duration

	// StaleCheckInterval defines how often the stale-task monitor runs.
	StaleCheckInterval time.Duration

	// ParkTTL is how long a callback for an unknown external id is kept.
	ParkTTL time.Duration

	Backoff BackoffPolicy
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		Concurrency:        3,
		QueueSize:          1024,
		MaxAttempts:        3,
		DispatchTimeout:    2 * time.Minute,
		PollInterval:       5 * time.Second,
		PollTimeout:        10 * time.Minute,
		ReconcileDeadline:  24 * time.Hour,
		StaleCheckInterval: 5 * time.Minute,
		ParkTTL:            10 * time.Minute,
		Backoff:            DefaultBackoffPolicy(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.ReconcileDeadline <= 0 {
		c.ReconcileDeadline = d.ReconcileDeadline
	}
	if c.StaleCheckInterval <= 0 {
		c.StaleCheckInterval = d.StaleCheckInterval
	}
	if c.ParkTTL <= 0 {
		c.ParkTTL = d.ParkTTL
	}
	return c
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Store    Store
	Cache    *cache.Cache
	Ledger   *ledger.Ledger
	Adapters *generation.Registry
	Notifier notify.Notifier
	Pricing  ledger.Pricing
	// Mirror is optional.
	Mirror ResultMirror
	Logger *slog.Logger
}

// SubmitRequest is an owner's request for a generation.
type SubmitRequest struct {
	OwnerID      uuid.UUID
	Kind         domain.TaskKind
	Provider     string
	Model        string
	Prompt       string
	AuxiliaryRef string
}

// Scheduler owns the task queue and the worker pool that drains it.
type Scheduler struct {
	store      Store
	queue      *Queue
	cache      *cache.Cache
	ledger     *ledger.Ledger
	adapters   *generation.Registry
	pricing    ledger.Pricing
	reconciler *Reconciler
	config     Config
	logger     *slog.Logger
	tracer     trace.Tracer
	timings    timings
	now        func() time.Time

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	hookMu       sync.RWMutex
	terminalHook func(ctx context.Context, t *domain.Task)
}

// NewScheduler creates a Scheduler. Call Start to begin processing.
func NewScheduler(deps Deps, config Config) (*Scheduler, error) {
	if deps.Store == nil || deps.Cache == nil || deps.Ledger == nil || deps.Adapters == nil {
		return nil, errors.New("scheduler requires a store, cache, ledger and adapter registry")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(deps.Logger)
	}
	config = config.withDefaults()
	logger := deps.Logger.With("component", "scheduler")
	tracer := otel.Tracer(tracerName)

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		store:      deps.Store,
		queue:      NewQueue(config.QueueSize, logger),
		cache:      deps.Cache,
		ledger:     deps.Ledger,
		adapters:   deps.Adapters,
		pricing:    deps.Pricing,
		config:     config,
		logger:     logger,
		tracer:     tracer,
		now:        func() time.Time { return time.Now().UTC() },
		ctx:        ctx,
		cancelFunc: cancel,
	}

	s.reconciler = &Reconciler{
		store:       deps.Store,
		cache:       deps.Cache,
		ledger:      deps.Ledger,
		notifier:    notify.NewSafe(deps.Notifier, deps.Logger),
		mirror:      deps.Mirror,
		logger:      deps.Logger.With("component", "reconciler"),
		tracer:      tracer,
		now:         func() time.Time { return s.now() },
		maxAttempts: config.MaxAttempts,
		backoff:     config.Backoff,
		parkTTL:     config.ParkTTL,
		parked:      make(map[string]parkedNotice),
		onRetry:     s.scheduleRetry,
		onTerminal:  s.taskTerminal,
	}

	return s, nil
}

// Reconciler returns the reconciler used for provider callbacks.
func (s *Scheduler) Reconciler() *Reconciler {
	return s.reconciler
}

// SetTerminalHook registers a function called once for every task that
// reaches a terminal state.
func (s *Scheduler) SetTerminalHook(hook func(ctx context.Context, t *domain.Task)) {
	s.hookMu.Lock()
	s.terminalHook = hook
	s.hookMu.Unlock()
}

func (s *Scheduler) taskTerminal(ctx context.Context, t *domain.Task) {
	if t.StartedAt != nil && t.CompletedAt != nil {
		s.timings.observeProcessing(t.CompletedAt.Sub(*t.StartedAt))
	}
	s.hookMu.RLock()
	hook := s.terminalHook
	s.hookMu.RUnlock()
	if hook != nil {
		hook(ctx, t)
	}
}

// Submit validates and prices a request, checks the owner can afford it,
// then persists it as pending and queues it. It returns without waiting for
// dispatch. Requests whose result is already cached skip the balance check
// because they will not be charged.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*domain.Task, error) {
	t, err := domain.NewTask(req.OwnerID, req.Kind, req.Provider, req.Model, req.Prompt, req.AuxiliaryRef)
	if err != nil {
		return nil, err
	}
	if !s.adapters.Has(t.Provider) {
		return nil, domain.NewValidationError("provider", "is not supported", domain.ErrValidation)
	}

	t.Cost = s.pricing.Cost(t.Kind, t.Provider, t.Model)
	if t.Cost > 0 && !s.cache.Contains(ctx, cache.TaskFingerprint(t)) {
		if err := s.ledger.CanAfford(ctx, t.OwnerID, t.Cost); err != nil {
			return nil, err
		}
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	if err := s.queue.Enqueue(t.ID); err != nil {
		if _, uerr := s.store.Update(ctx, t.ID, domain.TaskStatusPending, func(t *domain.Task) error {
			t.Error = err.Error()
			return t.TransitionTo(domain.TaskStatusFailed, s.now())
		}); uerr != nil {
			s.logger.ErrorContext(ctx, "failed to mark unqueued task failed",
				"task_id", t.ID,
				"error", uerr)
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "task submitted",
		"task_id", t.ID,
		"owner_id", t.OwnerID,
		"kind", t.Kind,
		"provider", t.Provider,
		"cost", t.Cost)
	return t, nil
}

// Get returns the owner's task.
func (s *Scheduler) Get(ctx context.Context, ownerID, taskID uuid.UUID) (*domain.Task, error) {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != ownerID {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// List returns the owner's most recent tasks.
func (s *Scheduler) List(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Task, error) {
	return s.store.ListByOwner(ctx, ownerID, limit)
}

// Cancel marks the owner's task failed and refunds any held reservation.
// An in-flight provider call is not aborted; its late result is ignored.
func (s *Scheduler) Cancel(ctx context.Context, ownerID, taskID uuid.UUID) (*domain.Task, error) {
	for i := 0; i < 3; i++ {
		t, err := s.Get(ctx, ownerID, taskID)
		if err != nil {
			return nil, err
		}
		if t.IsTerminal() {
			return t, ErrTaskTerminal
		}

		if t.RetryScheduled() {
			cancelled, err := s.store.Update(ctx, taskID, domain.TaskStatusFailed, func(t *domain.Task) error {
				if t.NextAttemptAt == nil {
					return ErrTaskTerminal
				}
				t.NextAttemptAt = nil
				t.Error = ErrCancelled.Error()
				t.UpdatedAt = s.now()
				return nil
			})
			if err != nil {
				if errors.Is(err, ErrStaleStatus) || errors.Is(err, ErrTaskTerminal) {
					continue
				}
				return nil, err
			}
			s.reconciler.notify(ctx, ownerID, notify.Message{
				Type:   notify.TypeError,
				TaskID: taskID,
				Text:   failureText(ErrCancelled),
			})
			s.taskTerminal(ctx, cancelled)
			return cancelled, nil
		}

		applied, err := s.reconciler.settle(ctx, taskID, t.Status, outcome{err: ErrCancelled, noRetry: true})
		if err != nil {
			return nil, err
		}
		if applied {
			return s.store.Get(ctx, taskID)
		}
	}

	t, err := s.Get(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	return t, ErrTaskTerminal
}

// Start recovers unfinished tasks and starts the workers and the stale-task
// monitor.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if s.started || s.stopped {
		s.lifecycleMu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	for i := 0; i < s.config.Concurrency; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.wg.Add(1)
	go s.staleTaskMonitor()
	s.lifecycleMu.Unlock()

	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	s.logger.Info("scheduler started",
		"concurrency", s.config.Concurrency,
		"max_attempts", s.config.MaxAttempts)
	return nil
}

// Stop stops accepting work and waits for in-flight dispatches to finish.
// Tasks being polled stay processing and are resumed by the next Start.
func (s *Scheduler) Stop() {
	s.lifecycleMu.Lock()
	if s.stopped {
		s.lifecycleMu.Unlock()
		return
	}
	s.stopped = true
	s.cancelFunc()
	s.lifecycleMu.Unlock()

	s.queue.Close()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// worker processes tasks from the queue
func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("starting worker", "worker_id", id)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug("stopping worker", "worker_id", id)
			return

		case it := <-s.queue.channel():
			s.process(it, id)
		}
	}
}

// process runs one queue item. The worker's slot is held until the task is
// settled or polling stops, and a panic anywhere below is converted into a
// task failure.
func (s *Scheduler) process(it item, workerID int) {
	ctx := context.Background()
	logger := s.logger.With(
		"task_id", it.taskID,
		"worker_id", workerID,
	)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("task dispatch panicked",
				"panic", rec,
				"stack", string(debug.Stack()))
			err := fmt.Errorf("%w: %v", ErrDispatchPanic, rec)
			if _, serr := s.reconciler.settle(ctx, it.taskID, domain.TaskStatusProcessing,
				outcome{err: err, noRetry: true}); serr != nil {
				logger.Error("failed to record panic as task failure", "error", serr)
			}
		}
	}()

	if it.resume {
		s.resume(ctx, it.taskID, logger)
		return
	}
	s.dispatch(ctx, it.taskID, logger)
}

func (s *Scheduler) dispatch(ctx context.Context, id uuid.UUID, logger *slog.Logger) {
	var waitingSince time.Time
	t, err := s.store.Update(ctx, id, domain.TaskStatusPending, func(t *domain.Task) error {
		waitingSince = t.UpdatedAt
		if err := t.TransitionTo(domain.TaskStatusProcessing, s.now()); err != nil {
			return err
		}
		t.Attempts++
		t.Reservation = domain.Reservation{}
		t.ExternalTaskID = ""
		t.Progress = 0
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleStatus) || errors.Is(err, ErrTaskNotFound) {
			logger.Debug("skipping task that is no longer pending")
			return
		}
		logger.Error("failed to admit task", "error", err)
		return
	}
	s.timings.observeWait(s.now().Sub(waitingSince))

	ctx, span := s.tracer.Start(ctx, "task.dispatch", trace.WithAttributes(
		attribute.String("task.id", t.ID.String()),
		attribute.String("task.kind", string(t.Kind)),
		attribute.String("provider", t.Provider),
		attribute.Int("attempt", t.Attempts),
	))
	defer span.End()

	logger = logger.With("attempt", t.Attempts, "provider", t.Provider)
	logger.Info("dispatching task")

	if result, ok := s.cache.Get(ctx, cache.TaskFingerprint(t)); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		logger.Info("cache hit, completing without provider call")
		s.settle(ctx, t.ID, outcome{result: result, fromCache: true}, logger)
		return
	}

	adapter, err := s.adapters.Get(t.Provider)
	if err != nil {
		s.settle(ctx, t.ID, outcome{err: err, noRetry: true}, logger)
		return
	}

	owner := t.OwnerID
	if t.Cost > 0 {
		ref := ledger.NextReservationRef(t.ID, t.Attempts, t.Reservation.Ref)
		if _, err := s.ledger.Reserve(ctx, owner, t.Cost, ref); err != nil {
			if !errors.Is(err, ledger.ErrInsufficientBalance) {
				if rerr := s.ledger.Refund(ctx, owner, ref, "reservation error"); rerr != nil {
					logger.Error("failed to refund after reservation error", "error", rerr)
				}
			}
			s.settle(ctx, t.ID, outcome{err: err, noRetry: true}, logger)
			return
		}

		t, err = s.store.Update(ctx, id, domain.TaskStatusProcessing, func(t *domain.Task) error {
			if t.Settling {
				return errAlreadySettling
			}
			t.Reservation = domain.Reservation{Ref: ref, Amount: t.Cost, State: domain.ReservationHeld}
			t.UpdatedAt = s.now()
			return nil
		})
		if err != nil {
			// Cancelled while the reservation was being taken.
			logger.Info("task settled during reservation, refunding", "error", err)
			if rerr := s.ledger.Refund(ctx, owner, ref, "task settled before dispatch"); rerr != nil {
				logger.Error("failed to refund orphaned reservation", "error", rerr)
			}
			return
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, s.config.DispatchTimeout)
	started, err := adapter.Start(startCtx, generation.Request{
		TaskID:       t.ID,
		OwnerID:      t.OwnerID,
		Kind:         t.Kind,
		Model:        t.Model,
		Prompt:       t.Prompt,
		AuxiliaryRef: t.AuxiliaryRef,
		Attempt:      t.Attempts,
	})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !generation.IsTransient(err) {
			err = fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
		}
		s.settle(ctx, t.ID, outcome{err: err}, logger)
		return
	}

	if started.Immediate != nil {
		if started.Immediate.Empty() {
			s.settle(ctx, t.ID, outcome{
				err: fmt.Errorf("%w: empty result", generation.ErrInvalidResponse),
			}, logger)
			return
		}
		s.settle(ctx, t.ID, outcome{result: started.Immediate}, logger)
		return
	}
	if started.ExternalTaskID == "" {
		s.settle(ctx, t.ID, outcome{
			err: fmt.Errorf("%w: neither result nor external task id", generation.ErrInvalidResponse),
		}, logger)
		return
	}

	t, err = s.store.Update(ctx, id, domain.TaskStatusProcessing, func(t *domain.Task) error {
		if t.Settling {
			return errAlreadySettling
		}
		t.ExternalTaskID = started.ExternalTaskID
		t.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		logger.Info("task settled before external id was recorded",
			"owner_id", owner,
			"external_task_id", started.ExternalTaskID,
			"error", err)
		return
	}
	logger.Info("task accepted by provider", "external_task_id", t.ExternalTaskID)

	if s.reconciler.claimParked(ctx, t) {
		return
	}
	s.poll(ctx, t, adapter, logger)
}

func (s *Scheduler) settle(ctx context.Context, id uuid.UUID, out outcome, logger *slog.Logger) {
	if _, err := s.reconciler.settle(ctx, id, domain.TaskStatusProcessing, out); err != nil {
		logger.Error("failed to settle task", "error", err)
	}
}

// resume continues polling a task recovered after a restart.
func (s *Scheduler) resume(ctx context.Context, id uuid.UUID, logger *slog.Logger) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		logger.Error("failed to load task to resume", "error", err)
		return
	}
	if t.Status != domain.TaskStatusProcessing || t.ExternalTaskID == "" || t.Settling {
		return
	}
	adapter, err := s.adapters.Get(t.Provider)
	if err != nil {
		s.settle(ctx, t.ID, outcome{err: err, noRetry: true, externalID: t.ExternalTaskID}, logger)
		return
	}
	logger.Info("resuming poll of external task", "external_task_id", t.ExternalTaskID)
	if s.reconciler.claimParked(ctx, t) {
		return
	}
	s.poll(ctx, t, adapter, logger)
}

// poll checks the external task every PollInterval until it is settled,
// the poll deadline passes or the scheduler stops.
func (s *Scheduler) poll(ctx context.Context, t *domain.Task, adapter generation.Adapter, logger *slog.Logger) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.config.PollTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("scheduler stopping, leaving task for recovery")
			return
		case <-deadline.C:
			s.pollTimedOut(ctx, t, logger)
			return
		case <-ticker.C:
		}

		current, err := s.store.Get(ctx, t.ID)
		if err != nil {
			logger.Warn("failed to reload task during poll", "error", err)
			current = t
		}
		if current.Status != domain.TaskStatusProcessing || current.ExternalTaskID != t.ExternalTaskID {
			logger.Debug("task settled by another channel, stopping poll")
			return
		}

		pollCtx, cancel := context.WithTimeout(ctx, s.config.PollInterval*4)
		pr, err := adapter.Poll(pollCtx, t.ExternalTaskID)
		cancel()
		if err != nil {
			logger.Warn("poll failed", "external_task_id", t.ExternalTaskID, "error", err)
			continue
		}

		notice := generation.NoticeFromPoll(t.Provider, t.ExternalTaskID, pr)
		if _, err := s.reconciler.applyTo(ctx, current, notice); err != nil {
			logger.Error("failed to apply poll result", "error", err)
		}
		if pr.State.Terminal() {
			return
		}
	}
}

func (s *Scheduler) pollTimedOut(ctx context.Context, t *domain.Task, logger *slog.Logger) {
	if s.config.RefundOnPollTimeout {
		logger.Warn("poll timed out, failing task", "external_task_id", t.ExternalTaskID)
		s.settle(ctx, t.ID, outcome{
			err:        generation.ErrPollTimeout,
			noRetry:    true,
			externalID: t.ExternalTaskID,
		}, logger)
		return
	}

	logger.Warn("poll timed out, awaiting provider callback", "external_task_id", t.ExternalTaskID)
	s.reconciler.notify(ctx, t.OwnerID, notify.Message{
		Type:   notify.TypeInfo,
		TaskID: t.ID,
		Text:   "Still working on it. The result will be delivered as soon as the provider reports back.",
	})
}

// scheduleRetry re-enters the task into pending after delay.
func (s *Scheduler) scheduleRetry(id uuid.UUID, delay time.Duration) {
	s.lifecycleMu.Lock()
	if s.stopped {
		s.lifecycleMu.Unlock()
		return
	}
	s.wg.Add(1)
	s.lifecycleMu.Unlock()

	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}
		s.requeue(id)
	}()
}

func (s *Scheduler) requeue(id uuid.UUID) {
	_, err := s.store.Update(s.ctx, id, domain.TaskStatusFailed, func(t *domain.Task) error {
		return t.TransitionTo(domain.TaskStatusPending, s.now())
	})
	if err != nil {
		s.logger.Debug("retry no longer applicable", "task_id", id, "error", err)
		return
	}
	if err := s.queue.enqueueWait(s.ctx, item{taskID: id}); err != nil {
		s.logger.Warn("failed to requeue task for retry, it will be recovered on restart",
			"task_id", id,
			"error", err)
	}
}
