package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/cache"
	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/generation"
	"github.com/phrazzld/conjure-api/internal/ledger"
	"github.com/phrazzld/conjure-api/internal/mocks"
	"github.com/phrazzld/conjure-api/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// externalAdapter returns an adapter whose tasks stay running at the
// provider until a notice is applied by the test.
func externalAdapter(ext string) *mocks.MockAdapter {
	return &mocks.MockAdapter{
		ProviderName: "ark",
		StartFn: func(context.Context, generation.Request) (generation.StartResult, error) {
			return generation.StartResult{ExternalTaskID: ext}, nil
		},
	}
}

func TestReconciler_ApplyIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig(), testGrant, externalAdapter("cgt-idem"))
	h.start(t)

	task := h.submit(t, "ark", "idempotent")
	h.waitFor(t, task.ID, func(t *domain.Task) bool { return t.ExternalTaskID != "" })

	notice := successNotice("ark", "cgt-idem")
	first, err := h.sched.Reconciler().Apply(context.Background(), notice)
	require.NoError(t, err)
	afterFirst, _ := h.store.Get(context.Background(), task.ID)
	entriesAfterFirst := h.entriesByReason(t)

	second, err := h.sched.Reconciler().Apply(context.Background(), notice)
	require.NoError(t, err)
	afterSecond, _ := h.store.Get(context.Background(), task.ID)

	assert.Equal(t, OutcomeApplied, first)
	assert.Equal(t, OutcomeIgnored, second)
	assert.Equal(t, afterFirst, afterSecond, "a repeated notice leaves the task unchanged")
	assert.Equal(t, entriesAfterFirst, h.entriesByReason(t), "one ledger effect")
	assert.Equal(t, 1, h.entriesByReason(t)[domain.ReasonCommit])
	assert.Equal(t, 1, h.notifier.CountFor(task.ID, notify.TypeResult), "one notification")
	assert.Equal(t, 1, h.cache.Stats(context.Background()).Size, "one cache write")
	h.assertAllSettled(t)
}

func TestReconciler_PollCallbackRace(t *testing.T) {
	t.Parallel()
	for i := 0; i < 20; i++ {
		release := make(chan struct{})
		adapter := &mocks.MockAdapter{
			ProviderName: "ark",
			StartFn: func(context.Context, generation.Request) (generation.StartResult, error) {
				return generation.StartResult{ExternalTaskID: "cgt-race"}, nil
			},
			PollFn: func(ctx context.Context, ext string) (generation.PollResult, error) {
				select {
				case <-release:
				case <-ctx.Done():
					return generation.PollResult{}, ctx.Err()
				}
				return generation.PollResult{
					State:  generation.StateSucceeded,
					Result: &domain.Result{URLs: []string{"https://cdn/race.mp4"}},
				}, nil
			},
		}
		h := newHarness(t, fastConfig(), testGrant, adapter)
		h.start(t)

		task := h.submit(t, "ark", "race")
		h.waitFor(t, task.ID, func(t *domain.Task) bool { return t.ExternalTaskID != "" })
		require.Eventually(t, func() bool { return adapter.PollCount() > 0 }, time.Second, time.Millisecond)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.sched.Reconciler().Apply(context.Background(), successNotice("ark", "cgt-race"))
		}()
		close(release)
		wg.Wait()

		done := h.waitTerminal(t, task.ID)
		assert.Equal(t, domain.TaskStatusCompleted, done.Status)
		assert.Equal(t, 1, h.entriesByReason(t)[domain.ReasonCommit], "ledger committed exactly once")
		assert.Equal(t, 1, h.notifier.CountFor(task.ID, notify.TypeResult), "result applied exactly once")
		h.assertAllSettled(t)
	}
}

func TestReconciler_EarlyCallbackIsParkedThenApplied(t *testing.T) {
	t.Parallel()
	var h *harness
	adapter := &mocks.MockAdapter{
		ProviderName: "ark",
		StartFn: func(ctx context.Context, _ generation.Request) (generation.StartResult, error) {
			// The provider pushes its callback before Start has even returned.
			out, err := h.sched.Reconciler().Apply(ctx, successNotice("ark", "cgt-early"))
			if err != nil || out != OutcomeParked {
				panic("expected notice to be parked")
			}
			return generation.StartResult{ExternalTaskID: "cgt-early"}, nil
		},
	}
	h = newHarness(t, fastConfig(), testGrant, adapter)
	h.start(t)

	task := h.submit(t, "ark", "early")
	done := h.waitTerminal(t, task.ID)

	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.Equal(t, []string{"https://cdn.example/cgt-early.mp4"}, done.Result.URLs)
	assert.Zero(t, adapter.PollCount(), "parked notice settles the task without polling")
	assert.Zero(t, h.sched.Reconciler().ParkedLen())
	h.assertAllSettled(t)
}

func TestReconciler_UnknownNoticeIsAcknowledged(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig(), testGrant, externalAdapter("x"))

	out, err := h.sched.Reconciler().Apply(context.Background(), successNotice("ark", "nobody"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeParked, out)

	out, err = h.sched.Reconciler().Apply(context.Background(), generation.Notice{
		Provider: "ark", ExternalTaskID: "nobody-running", State: generation.StateRunning,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)

	h.sched.reconciler.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Equal(t, 1, h.sched.reconciler.sweepParked())
	assert.Zero(t, h.sched.Reconciler().ParkedLen())
}

func TestReconciler_EmptySuccessIsFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig(), testGrant, externalAdapter("cgt-empty"))
	h.start(t)

	task := h.submit(t, "ark", "empty")
	h.waitFor(t, task.ID, func(t *domain.Task) bool { return t.ExternalTaskID != "" })

	out, err := h.sched.Reconciler().Apply(context.Background(), generation.Notice{
		Provider: "ark", ExternalTaskID: "cgt-empty", State: generation.StateSucceeded,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	done := h.waitTerminal(t, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, done.Status)
	assert.Equal(t, testGrant, h.balance(t))
	assert.Zero(t, h.cache.Stats(context.Background()).Size, "failures are never cached")
}

func TestScheduler_PollTimeoutLeavesTaskForCallback(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.PollTimeout = 20 * time.Millisecond
	adapter := externalAdapter("cgt-slow")
	h := newHarness(t, cfg, testGrant, adapter)
	h.start(t)

	task := h.submit(t, "ark", "slow")
	require.Eventually(t, func() bool {
		return h.notifier.CountFor(task.ID, notify.TypeInfo) == 1
	}, time.Second, time.Millisecond)

	pending, _ := h.store.Get(context.Background(), task.ID)
	assert.Equal(t, domain.TaskStatusProcessing, pending.Status)
	assert.True(t, pending.Reservation.Held())

	out, err := h.sched.Reconciler().Apply(context.Background(), successNotice("ark", "cgt-slow"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	done := h.waitTerminal(t, task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.Equal(t, testGrant-imageCost, h.balance(t))
	h.assertAllSettled(t)
}

func TestScheduler_PollTimeoutWithRefund(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.RefundOnPollTimeout = true
	h := newHarness(t, cfg, testGrant, externalAdapter("cgt-refund"))
	h.start(t)

	task := h.submit(t, "ark", "slow")
	done := h.waitTerminal(t, task.ID)

	assert.Equal(t, domain.TaskStatusFailed, done.Status)
	assert.Equal(t, 1, done.Attempts, "poll timeouts are not retried")
	assert.Equal(t, testGrant, h.balance(t))

	out, err := h.sched.Reconciler().Apply(context.Background(), successNotice("ark", "cgt-refund"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out, "late callback after refund is a no-op")
	assert.Equal(t, testGrant, h.balance(t))
	h.assertAllSettled(t)
}

func TestScheduler_StaleTaskMonitorSettlesReservation(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.PollTimeout = 10 * time.Millisecond
	cfg.ReconcileDeadline = time.Hour
	h := newHarness(t, cfg, testGrant, externalAdapter("cgt-stale"))
	h.start(t)

	task := h.submit(t, "ark", "never called back")
	require.Eventually(t, func() bool {
		return h.notifier.CountFor(task.ID, notify.TypeInfo) == 1
	}, time.Second, time.Millisecond)

	assert.Zero(t, h.sched.checkStaleTasks(context.Background()), "not stale yet")

	h.sched.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	assert.Equal(t, 1, h.sched.checkStaleTasks(context.Background()))

	done, _ := h.store.Get(context.Background(), task.ID)
	assert.Equal(t, domain.TaskStatusFailed, done.Status)
	assert.Contains(t, done.Error, "reconcile deadline")
	assert.Equal(t, testGrant, h.balance(t))
	h.assertAllSettled(t)
}

func TestScheduler_RecoverUnfinishedTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	adapter := &mocks.MockAdapter{
		ProviderName: "ark",
		StartFn: func(context.Context, generation.Request) (generation.StartResult, error) {
			return generation.StartResult{Immediate: &domain.Result{URLs: []string{"https://cdn/r.png"}}}, nil
		},
		PollFn: func(context.Context, string) (generation.PollResult, error) {
			return generation.PollResult{
				State:  generation.StateSucceeded,
				Result: &domain.Result{URLs: []string{"https://cdn/resumed.mp4"}},
			}, nil
		},
	}
	h := newHarness(t, fastConfig(), testGrant, adapter)
	now := time.Now().UTC()

	newTask := func(prompt string) *domain.Task {
		task, err := domain.NewTask(h.owner, domain.KindImage, "ark", "model-x", prompt, "")
		require.NoError(t, err)
		task.Cost = imageCost
		return task
	}

	pending := newTask("was pending")
	require.NoError(t, h.store.Create(ctx, pending))

	// Interrupted before the provider accepted it: reservation held, no external id.
	interrupted := newTask("was dispatching")
	require.NoError(t, interrupted.TransitionTo(domain.TaskStatusProcessing, now))
	interrupted.Attempts = 1
	ref := ledger.ReservationRef(interrupted.ID, 1)
	_, err := h.ledger.Reserve(ctx, h.owner, imageCost, ref)
	require.NoError(t, err)
	interrupted.Reservation = domain.Reservation{Ref: ref, Amount: imageCost, State: domain.ReservationHeld}
	require.NoError(t, h.store.Create(ctx, interrupted))

	// Accepted by the provider before the restart.
	polling := newTask("was polling")
	require.NoError(t, polling.TransitionTo(domain.TaskStatusProcessing, now))
	polling.Attempts = 1
	pref := ledger.ReservationRef(polling.ID, 1)
	_, err = h.ledger.Reserve(ctx, h.owner, imageCost, pref)
	require.NoError(t, err)
	polling.Reservation = domain.Reservation{Ref: pref, Amount: imageCost, State: domain.ReservationHeld}
	polling.ExternalTaskID = "cgt-resume"
	require.NoError(t, h.store.Create(ctx, polling))

	h.start(t)

	for _, id := range []uuid.UUID{pending.ID, interrupted.ID, polling.ID} {
		done := h.waitTerminal(t, id)
		assert.Equal(t, domain.TaskStatusCompleted, done.Status, "task %s", id)
	}

	again, _ := h.store.Get(ctx, interrupted.ID)
	assert.Equal(t, 1, again.Attempts, "a restart does not use up a retry")
	res, err := h.ledger.Reservation(ctx, h.owner, ref)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationRefunded, res.State, "interrupted attempt is refunded")
	assert.Equal(t, ref+"~2", again.Reservation.Ref, "the re-run attempt takes a fresh reservation")
	assert.Equal(t, domain.ReservationCommitted, again.Reservation.State)

	resumed, _ := h.store.Get(ctx, polling.ID)
	assert.Equal(t, []string{"https://cdn/resumed.mp4"}, resumed.Result.URLs)

	assert.Equal(t, testGrant-3*imageCost, h.balance(t))
	assert.Equal(t, 2, adapter.StartCount(), "the resumed task is not started again")
	h.assertAllSettled(t)
}

func TestScheduler_RecoverRescheduledRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	adapter := mocks.NewMockAdapterWithResult("ark", &domain.Result{Text: "second time lucky"})
	h := newHarness(t, fastConfig(), testGrant, adapter)

	task, err := domain.NewTask(h.owner, domain.KindChat, "ark", "model-x", "retry after restart", "")
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, task.TransitionTo(domain.TaskStatusProcessing, now))
	task.Attempts = 1
	next := now.Add(5 * time.Millisecond)
	task.NextAttemptAt = &next
	require.NoError(t, task.TransitionTo(domain.TaskStatusFailed, now))
	require.NoError(t, h.store.Create(ctx, task))

	h.start(t)

	done := h.waitTerminal(t, task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.Equal(t, 2, done.Attempts)
	assert.Equal(t, "second time lucky", done.Result.Text)
}

func TestCacheEntryWrittenOnlyOnSuccess(t *testing.T) {
	t.Parallel()
	adapter := mocks.NewMockAdapterWithError("ark", generation.ErrInvalidRequest)
	h := newHarness(t, fastConfig(), testGrant, adapter)
	h.start(t)

	task := h.submit(t, "ark", "bad request")
	done := h.waitTerminal(t, task.ID)

	assert.Equal(t, domain.TaskStatusFailed, done.Status)
	assert.False(t, h.cache.Contains(context.Background(), cache.TaskFingerprint(done)))
}

type panickingMirror struct{}

func (panickingMirror) Mirror(context.Context, *domain.Task, *domain.Result) (*domain.Result, error) {
	panic("bucket client exploded")
}

func TestScheduler_PanickingNotifierDoesNotStrandTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig(), testGrant,
		mocks.NewMockAdapterWithResult("ark", &domain.Result{URLs: []string{"https://x/a.png"}}))
	h.notifier.NotifyFn = func(_ context.Context, _ uuid.UUID, msg notify.Message) error {
		if msg.Type == notify.TypeResult {
			panic("notifier exploded")
		}
		return nil
	}
	h.start(t)

	task := h.submit(t, "ark", "panicking notifier")
	done := h.waitTerminal(t, task.ID)

	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.False(t, done.Settling)
	assert.Equal(t, testGrant-imageCost, h.balance(t))
	h.assertAllSettled(t)
}

func TestReconciler_PanicDuringSettlementFinalizesTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig(), testGrant,
		mocks.NewMockAdapterWithResult("ark", &domain.Result{URLs: []string{"https://x/a.png"}}))
	h.sched.reconciler.mirror = panickingMirror{}
	h.start(t)

	task := h.submit(t, "ark", "panicking mirror")
	done := h.waitTerminal(t, task.ID)

	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.False(t, done.Settling)
	require.NotNil(t, done.Result)
	assert.Equal(t, []string{"https://x/a.png"}, done.Result.URLs)
	assert.Equal(t, domain.ReservationCommitted, done.Reservation.State)
	assert.Equal(t, testGrant-imageCost, h.balance(t))
	h.assertAllSettled(t)
}

func TestScheduler_StaleMonitorReclaimsStuckSettlement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := fastConfig()
	cfg.ReconcileDeadline = time.Hour
	h := newHarness(t, cfg, testGrant, externalAdapter("cgt-stuck"))

	stuck, err := domain.NewTask(h.owner, domain.KindImage, "ark", "model-x", "stuck settlement", "")
	require.NoError(t, err)
	ref := ledger.ReservationRef(stuck.ID, 1)
	_, err = h.ledger.Reserve(ctx, h.owner, imageCost, ref)
	require.NoError(t, err)
	stuck.Status = domain.TaskStatusProcessing
	stuck.Attempts = 1
	stuck.ExternalTaskID = "cgt-stuck"
	stuck.Settling = true
	stuck.Reservation = domain.Reservation{Ref: ref, Amount: imageCost, State: domain.ReservationHeld}
	require.NoError(t, h.store.Create(ctx, stuck))

	assert.Zero(t, h.sched.checkStaleTasks(ctx), "claim is still fresh")

	h.sched.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	assert.Equal(t, 1, h.sched.checkStaleTasks(ctx))

	done, err := h.store.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, done.Status)
	assert.False(t, done.Settling)
	assert.True(t, done.IsTerminal())
	assert.Equal(t, testGrant, h.balance(t))
	h.assertAllSettled(t)
}
