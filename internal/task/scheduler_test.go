package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
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

func TestScheduler_SubmitValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig(), testGrant, mocks.NewMockAdapterWithResult("ark", nil))

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"empty prompt", SubmitRequest{OwnerID: h.owner, Kind: domain.KindImage, Provider: "ark", Model: "m"}},
		{"bad kind", SubmitRequest{OwnerID: h.owner, Kind: "audio", Provider: "ark", Model: "m", Prompt: "p"}},
		{"unknown provider", SubmitRequest{OwnerID: h.owner, Kind: domain.KindImage, Provider: "x", Model: "m", Prompt: "p"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.sched.Submit(context.Background(), tc.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	counts, _ := h.store.CountByStatus(context.Background())
	assert.Empty(t, counts, "rejected submissions are never stored")
}

func TestScheduler_InsufficientBalance(t *testing.T) {
	t.Parallel()
	adapter := mocks.NewMockAdapterWithResult("ark", &domain.Result{URLs: []string{"u"}})
	h := newHarness(t, fastConfig(), 3, adapter)

	_, err := h.sched.Submit(context.Background(), SubmitRequest{
		OwnerID: h.owner, Kind: domain.KindImage, Provider: "ark", Model: "m", Prompt: "P",
	})

	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, int64(3), h.balance(t))
	assert.Zero(t, h.sched.queue.Len())
	assert.Zero(t, adapter.StartCount())
	counts, _ := h.store.CountByStatus(context.Background())
	assert.Empty(t, counts)
}

func TestScheduler_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	adapter := mocks.NewMockAdapterWithResult("ark", &domain.Result{URLs: []string{"https://cdn/img.png"}})
	h := newHarness(t, fastConfig(), testGrant, adapter)
	h.start(t)

	task := h.submit(t, "ark", "a red fox")
	done := h.waitTerminal(t, task.ID)

	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, []string{"https://cdn/img.png"}, done.Result.URLs)
	assert.Equal(t, domain.ReservationCommitted, done.Reservation.State)
	assert.Equal(t, ledger.ReservationRef(task.ID, 1), done.Reservation.Ref)
	assert.Equal(t, testGrant-imageCost, h.balance(t))
	assert.Equal(t, 1, h.notifier.CountFor(task.ID, notify.TypeResult))
	assert.True(t, h.cache.Contains(context.Background(), cache.TaskFingerprint(done)))
	h.assertAllSettled(t)
}

func TestScheduler_CacheHitSkipsLedgerAndProvider(t *testing.T) {
	t.Parallel()
	adapter := mocks.NewMockAdapterWithResult("ark", &domain.Result{URLs: []string{"https://cdn/p.png"}})
	h := newHarness(t, fastConfig(), testGrant, adapter)
	h.start(t)

	first := h.submit(t, "ark", "P")
	h.waitTerminal(t, first.ID)
	reservesBefore := h.entriesByReason(t)[domain.ReasonReserve]
	balanceBefore := h.balance(t)

	second := h.submit(t, "ark", "  P ")
	done := h.waitTerminal(t, second.ID)

	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.Equal(t, []string{"https://cdn/p.png"}, done.Result.URLs)
	assert.Equal(t, 1, adapter.StartCount(), "no new provider call")
	assert.Equal(t, reservesBefore, h.entriesByReason(t)[domain.ReasonReserve], "no new reservation")
	assert.Equal(t, balanceBefore, h.balance(t))
	assert.Equal(t, domain.ReservationNone, done.Reservation.State)
}

func TestScheduler_SourceArtifactIsPartOfCacheKey(t *testing.T) {
	t.Parallel()
	adapter := &mocks.MockAdapter{
		ProviderName: "ark",
		StartFn: func(_ context.Context, req generation.Request) (generation.StartResult, error) {
			return generation.StartResult{Immediate: &domain.Result{
				URLs: []string{"https://x/from-" + req.AuxiliaryRef + ".mp4"},
			}}, nil
		},
	}
	h := newHarness(t, fastConfig(), testGrant, adapter)
	h.start(t)

	submit := func(ref string) *domain.Task {
		task, err := h.sched.Submit(context.Background(), SubmitRequest{
			OwnerID:      h.owner,
			Kind:         domain.KindVideo,
			Provider:     "ark",
			Model:        "seedance",
			Prompt:       "make it move",
			AuxiliaryRef: ref,
		})
		require.NoError(t, err)
		return h.waitTerminal(t, task.ID)
	}

	a := submit("photoA.png")
	b := submit("photoB.png")
	again := submit("photoA.png")

	assert.Equal(t, []string{"https://x/from-photoA.png.mp4"}, a.Result.URLs)
	assert.Equal(t, []string{"https://x/from-photoB.png.mp4"}, b.Result.URLs)
	assert.Equal(t, a.Result.URLs, again.Result.URLs, "same source is served from cache")
	assert.Equal(t, 2, adapter.StartCount())
}

func TestScheduler_CachedResultBypassesBalanceCheck(t *testing.T) {
	t.Parallel()
	adapter := mocks.NewMockAdapterWithResult("ark", &domain.Result{URLs: []string{"u"}})
	h := newHarness(t, fastConfig(), 0, adapter)
	h.start(t)

	h.cache.Set(context.Background(),
		cache.Fingerprint(domain.KindImage, "ark", "model-x", "cached prompt"),
		&domain.Result{URLs: []string{"https://cdn/cached.png"}}, domain.KindImage)

	task := h.submit(t, "ark", "cached prompt")
	done := h.waitTerminal(t, task.ID)

	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.Zero(t, adapter.StartCount())
}

func TestScheduler_RetryBoundWithFullRefund(t *testing.T) {
	t.Parallel()
	adapter := mocks.NewMockAdapterWithError("ark",
		fmt.Errorf("%w: upstream 503", generation.ErrTransientFailure))
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	h := newHarness(t, cfg, testGrant, adapter)
	h.start(t)

	task := h.submit(t, "ark", "always fails")
	done := h.waitTerminal(t, task.ID)

	assert.Equal(t, domain.TaskStatusFailed, done.Status)
	assert.Equal(t, 3, done.Attempts)
	assert.Nil(t, done.NextAttemptAt, "no further retry scheduled")
	assert.Equal(t, domain.ReservationRefunded, done.Reservation.State)
	assert.Equal(t, 3, adapter.StartCount(), "first attempt plus maxAttempts-1 retries")
	assert.Equal(t, testGrant, h.balance(t))
	assert.Equal(t, 3, h.entriesByReason(t)[domain.ReasonRefund])
	assert.Equal(t, 1, h.notifier.CountFor(task.ID, notify.TypeError))
	assert.Equal(t, 2, h.notifier.CountFor(task.ID, notify.TypeInfo))
	h.assertAllSettled(t)

	// Give a stray retry timer a chance to fire; nothing may change.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, adapter.StartCount())
}

func TestScheduler_TerminalProviderErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	adapter := mocks.NewMockAdapterWithError("ark", generation.ErrContentBlocked)
	h := newHarness(t, fastConfig(), testGrant, adapter)
	h.start(t)

	task := h.submit(t, "ark", "blocked")
	done := h.waitTerminal(t, task.ID)

	assert.Equal(t, domain.TaskStatusFailed, done.Status)
	assert.Equal(t, 1, adapter.StartCount())
	assert.Equal(t, testGrant, h.balance(t))
	assert.Contains(t, done.Error, "safety")
	h.assertAllSettled(t)
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	t.Parallel()
	const capC, n = 2, 8
	adapter := &mocks.MockAdapter{
		ProviderName: "ark",
		StartFn: func(ctx context.Context, req generation.Request) (generation.StartResult, error) {
			time.Sleep(15 * time.Millisecond)
			return generation.StartResult{Immediate: &domain.Result{Text: req.Prompt}}, nil
		},
	}
	cfg := fastConfig()
	cfg.Concurrency = capC
	h := newHarness(t, cfg, 1000, adapter)

	var maxProcessing atomic.Int32
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			counts, _ := h.store.CountByStatus(context.Background())
			p := int32(counts[domain.TaskStatusProcessing])
			if p > maxProcessing.Load() {
				maxProcessing.Store(p)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, h.submit(t, "ark", fmt.Sprintf("prompt %d", i)).ID)
	}
	h.start(t)
	for _, id := range ids {
		h.waitTerminal(t, id)
	}
	close(stop)
	wg.Wait()

	assert.LessOrEqual(t, adapter.MaxInFlight(), capC)
	assert.LessOrEqual(t, int(maxProcessing.Load()), capC)
	assert.Equal(t, n, adapter.StartCount())
}

func TestScheduler_PollingPath(t *testing.T) {
	t.Parallel()
	var polls atomic.Int32
	adapter := &mocks.MockAdapter{
		ProviderName: "ark",
		StartFn: func(context.Context, generation.Request) (generation.StartResult, error) {
			return generation.StartResult{ExternalTaskID: "cgt-poll"}, nil
		},
		PollFn: func(context.Context, string) (generation.PollResult, error) {
			switch polls.Add(1) {
			case 1:
				return generation.PollResult{}, errors.New("network blip")
			case 2:
				return generation.PollResult{State: generation.StateRunning, Progress: 50}, nil
			default:
				return generation.PollResult{
					State:  generation.StateSucceeded,
					Result: &domain.Result{URLs: []string{"https://cdn/v.mp4"}},
				}, nil
			}
		},
	}
	h := newHarness(t, fastConfig(), testGrant, adapter)
	h.start(t)

	task := h.submit(t, "ark", "waves")
	done := h.waitTerminal(t, task.ID)

	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.Equal(t, "cgt-poll", done.ExternalTaskID)
	assert.Equal(t, 1, h.notifier.CountFor(task.ID, notify.TypeProgress))
	assert.Equal(t, 1, h.notifier.CountFor(task.ID, notify.TypeResult))
	h.assertAllSettled(t)
}

func TestScheduler_AsyncFailureIsRetried(t *testing.T) {
	t.Parallel()
	var starts atomic.Int32
	adapter := &mocks.MockAdapter{
		ProviderName: "ark",
		StartFn: func(context.Context, generation.Request) (generation.StartResult, error) {
			return generation.StartResult{ExternalTaskID: fmt.Sprintf("cgt-%d", starts.Add(1))}, nil
		},
		PollFn: func(_ context.Context, ext string) (generation.PollResult, error) {
			if ext == "cgt-1" {
				return generation.PollResult{
					State: generation.StateFailed,
					Err:   fmt.Errorf("%w: provider overloaded", generation.ErrTransientFailure),
				}, nil
			}
			return generation.PollResult{
				State:  generation.StateSucceeded,
				Result: &domain.Result{URLs: []string{"https://cdn/ok.mp4"}},
			}, nil
		},
	}
	h := newHarness(t, fastConfig(), testGrant, adapter)
	h.start(t)

	task := h.submit(t, "ark", "retry me")
	done := h.waitTerminal(t, task.ID)

	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.Equal(t, 2, done.Attempts)
	assert.Equal(t, "cgt-2", done.ExternalTaskID)
	assert.Equal(t, testGrant-imageCost, h.balance(t))
	h.assertAllSettled(t)
}

func TestScheduler_PanicIsConvertedToFailure(t *testing.T) {
	t.Parallel()
	adapter := &mocks.MockAdapter{
		ProviderName: "ark",
		StartFn: func(_ context.Context, req generation.Request) (generation.StartResult, error) {
			if req.Prompt == "boom" {
				panic("adapter exploded")
			}
			return generation.StartResult{Immediate: &domain.Result{Text: "ok"}}, nil
		},
	}
	cfg := fastConfig()
	cfg.Concurrency = 1
	h := newHarness(t, cfg, testGrant, adapter)
	h.start(t)

	bad := h.submit(t, "ark", "boom")
	good := h.submit(t, "ark", "fine")

	failed := h.waitTerminal(t, bad.ID)
	assert.Equal(t, domain.TaskStatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "panicked")

	ok := h.waitTerminal(t, good.ID)
	assert.Equal(t, domain.TaskStatusCompleted, ok.Status, "the single worker survives a panic")
	assert.Equal(t, testGrant-imageCost, h.balance(t))
	h.assertAllSettled(t)
}

func TestScheduler_CancelPending(t *testing.T) {
	t.Parallel()
	adapter := mocks.NewMockAdapterWithResult("ark", &domain.Result{Text: "x"})
	h := newHarness(t, fastConfig(), testGrant, adapter)

	task := h.submit(t, "ark", "never runs")
	cancelled, err := h.sched.Cancel(context.Background(), h.owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, cancelled.Status)
	assert.True(t, cancelled.IsTerminal())

	h.start(t)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, adapter.StartCount(), "a cancelled task is skipped by the workers")

	_, err = h.sched.Cancel(context.Background(), h.owner, task.ID)
	assert.ErrorIs(t, err, ErrTaskTerminal)

	_, err = h.sched.Cancel(context.Background(), uuid.New(), task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound, "other owners cannot see the task")
}

func TestScheduler_CancelProcessingRefundsAndIgnoresLateResult(t *testing.T) {
	t.Parallel()
	adapter := &mocks.MockAdapter{
		ProviderName: "ark",
		StartFn: func(context.Context, generation.Request) (generation.StartResult, error) {
			return generation.StartResult{ExternalTaskID: "cgt-cancel"}, nil
		},
	}
	h := newHarness(t, fastConfig(), testGrant, adapter)
	h.start(t)

	task := h.submit(t, "ark", "long video")
	h.waitFor(t, task.ID, func(t *domain.Task) bool { return t.ExternalTaskID != "" })

	cancelled, err := h.sched.Cancel(context.Background(), h.owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, cancelled.Status)
	assert.Equal(t, domain.ReservationRefunded, cancelled.Reservation.State)
	assert.Equal(t, testGrant, h.balance(t))

	out, err := h.sched.Reconciler().Apply(context.Background(), successNotice("ark", "cgt-cancel"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)

	final, _ := h.store.Get(context.Background(), task.ID)
	assert.Equal(t, domain.TaskStatusFailed, final.Status)
	assert.Equal(t, testGrant, h.balance(t))
	h.assertAllSettled(t)
}

func TestScheduler_TerminalHookCalledOnce(t *testing.T) {
	t.Parallel()
	adapter := mocks.NewMockAdapterWithResult("ark", &domain.Result{Text: "x"})
	h := newHarness(t, fastConfig(), testGrant, adapter)

	var mu sync.Mutex
	seen := map[uuid.UUID]int{}
	h.sched.SetTerminalHook(func(_ context.Context, task *domain.Task) {
		mu.Lock()
		seen[task.ID]++
		mu.Unlock()
	})
	h.start(t)

	task := h.submit(t, "ark", "hook")
	h.waitTerminal(t, task.ID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[task.ID] == 1
	}, time.Second, time.Millisecond)
}

func TestScheduler_QueueStats(t *testing.T) {
	t.Parallel()
	adapter := mocks.NewMockAdapterWithResult("ark", &domain.Result{Text: "x"})
	h := newHarness(t, fastConfig(), testGrant, adapter)

	pending := h.submit(t, "ark", "one")
	stats, err := h.sched.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Queued)

	h.start(t)
	h.waitTerminal(t, pending.ID)

	stats, err = h.sched.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 1, stats.CompletedCount)
	assert.GreaterOrEqual(t, stats.AvgWaitTime, time.Duration(0))
}

func TestScheduler_QueueStatsSeparatesScheduledRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, fastConfig(), testGrant, mocks.NewMockAdapterWithResult("ark", &domain.Result{Text: "x"}))
	now := time.Now().UTC()

	failed := func(prompt string, next *time.Time) {
		task, err := domain.NewTask(h.owner, domain.KindChat, "ark", "m", prompt, "")
		require.NoError(t, err)
		require.NoError(t, task.TransitionTo(domain.TaskStatusFailed, now))
		task.NextAttemptAt = next
		require.NoError(t, h.store.Create(ctx, task))
	}
	later := now.Add(time.Hour)
	failed("gave up", nil)
	failed("will retry", &later)

	stats, err := h.sched.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FailedCount, "only terminal failures")
	assert.Equal(t, 1, stats.RetryScheduled)
}

func TestScheduler_QueueFullMarksTaskFailed(t *testing.T) {
	t.Parallel()
	adapter := mocks.NewMockAdapterWithResult("ark", &domain.Result{Text: "x"})
	cfg := fastConfig()
	cfg.QueueSize = 1
	h := newHarness(t, cfg, testGrant, adapter)

	h.submit(t, "ark", "fits")
	_, err := h.sched.Submit(context.Background(), SubmitRequest{
		OwnerID: h.owner, Kind: domain.KindImage, Provider: "ark", Model: "m", Prompt: "overflow",
	})
	assert.ErrorIs(t, err, ErrQueueFull)

	failed, _ := h.store.ListByStatus(context.Background(), domain.TaskStatusFailed, 0)
	require.Len(t, failed, 1)
	assert.Equal(t, "overflow", failed[0].Prompt)
	assert.Equal(t, testGrant, h.balance(t))
}
