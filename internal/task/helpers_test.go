package task

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/cache"
	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/generation"
	"github.com/phrazzld/conjure-api/internal/ledger"
	"github.com/phrazzld/conjure-api/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGrant = int64(100)
	imageCost = int64(8)
)

type harness struct {
	sched    *Scheduler
	store    *MemoryStore
	ledger   *ledger.Ledger
	cache    *cache.Cache
	notifier *mocks.MockNotifier
	owner    uuid.UUID
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Concurrency = 2
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollTimeout = 2 * time.Second
	cfg.StaleCheckInterval = time.Hour
	cfg.Backoff = BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond}
	return cfg
}

func newHarness(t *testing.T, cfg Config, grant int64, adapters ...generation.Adapter) *harness {
	t.Helper()
	logger := testLogger()
	store := NewMemoryStore()
	l := ledger.New(ledger.NewMemoryStore(), grant, logger)
	c := cache.New(cache.NewMemoryBackend(), cache.DefaultTTLs, logger)
	n := &mocks.MockNotifier{}

	sched, err := NewScheduler(Deps{
		Store:    store,
		Cache:    c,
		Ledger:   l,
		Adapters: generation.NewRegistry(adapters...),
		Notifier: n,
		Pricing:  ledger.Pricing{Image: imageCost, Video: 20, Chat: 1},
		Logger:   logger,
	}, cfg)
	require.NoError(t, err)

	return &harness{
		sched:    sched,
		store:    store,
		ledger:   l,
		cache:    c,
		notifier: n,
		owner:    uuid.New(),
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sched.Start(context.Background()))
	t.Cleanup(h.sched.Stop)
}

func (h *harness) submit(t *testing.T, provider, prompt string) *domain.Task {
	t.Helper()
	task, err := h.sched.Submit(context.Background(), SubmitRequest{
		OwnerID:  h.owner,
		Kind:     domain.KindImage,
		Provider: provider,
		Model:    "model-x",
		Prompt:   prompt,
	})
	require.NoError(t, err)
	return task
}

func (h *harness) waitTerminal(t *testing.T, id uuid.UUID) *domain.Task {
	t.Helper()
	var got *domain.Task
	require.Eventually(t, func() bool {
		task, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = task
		return task.IsTerminal()
	}, 3*time.Second, 2*time.Millisecond, "task never reached a terminal state")
	return got
}

func (h *harness) waitFor(t *testing.T, id uuid.UUID, cond func(*domain.Task) bool) *domain.Task {
	t.Helper()
	var got *domain.Task
	require.Eventually(t, func() bool {
		task, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = task
		return cond(task)
	}, 3*time.Second, 2*time.Millisecond)
	return got
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), h.owner)
	require.NoError(t, err)
	return b
}

// entriesByReason counts the owner's ledger entries per reason.
func (h *harness) entriesByReason(t *testing.T) map[domain.EntryReason]int {
	t.Helper()
	entries, err := h.ledger.Entries(context.Background(), h.owner, 0)
	require.NoError(t, err)
	counts := make(map[domain.EntryReason]int)
	for _, e := range entries {
		counts[e.Reason]++
	}
	return counts
}

// assertAllSettled checks that every reservation was settled exactly once.
func (h *harness) assertAllSettled(t *testing.T) {
	t.Helper()
	held, err := h.ledger.HeldReservations(context.Background(), h.owner)
	require.NoError(t, err)
	assert.Empty(t, held, "no reservation may stay held")

	counts := h.entriesByReason(t)
	assert.Equal(t, counts[domain.ReasonReserve], counts[domain.ReasonCommit]+counts[domain.ReasonRefund],
		"every reservation is committed or refunded exactly once")
}

func successNotice(provider, externalID string) generation.Notice {
	return generation.Notice{
		Provider:       provider,
		ExternalTaskID: externalID,
		State:          generation.StateSucceeded,
		Progress:       100,
		Result:         &domain.Result{URLs: []string{"https://cdn.example/" + externalID + ".mp4"}},
	}
}
