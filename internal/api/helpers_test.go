package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/api/shared"
	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/task"
	"github.com/stretchr/testify/require"
)

// serve routes a single request through a chi router so URL parameters
// resolve the way they do in the server. A nil owner leaves the request
// unauthenticated.
func serve(
	t *testing.T,
	method, pattern, target, body string,
	owner uuid.UUID,
	h http.HandlerFunc,
) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.MethodFunc(method, pattern, h)

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if owner != uuid.Nil {
		req = req.WithContext(shared.WithOwnerID(req.Context(), owner))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type fakeTasks struct {
	mu        sync.Mutex
	tasks     map[uuid.UUID]*domain.Task
	submitErr error
	cancelErr error
	lastReq   task.SubmitRequest
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: make(map[uuid.UUID]*domain.Task)}
}

func (f *fakeTasks) add(owner uuid.UUID, status domain.TaskStatus) *domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &domain.Task{
		ID:        uuid.New(),
		OwnerID:   owner,
		Kind:      domain.KindImage,
		Provider:  "ark",
		Model:     "seedream",
		Prompt:    "a red fox",
		Status:    status,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	f.tasks[t.ID] = t
	return t
}

func (f *fakeTasks) Submit(_ context.Context, req task.SubmitRequest) (*domain.Task, error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	t, err := domain.NewTask(req.OwnerID, req.Kind, req.Provider, req.Model, req.Prompt, req.AuxiliaryRef)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.tasks[t.ID] = t
	f.mu.Unlock()
	return t, nil
}

func (f *fakeTasks) Get(_ context.Context, owner, id uuid.UUID) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.OwnerID != owner {
		return nil, task.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (f *fakeTasks) List(_ context.Context, owner uuid.UUID, limit int) ([]*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Task
	for _, t := range f.tasks {
		if t.OwnerID == owner && len(out) < limit {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (f *fakeTasks) Cancel(ctx context.Context, owner, id uuid.UUID) (*domain.Task, error) {
	t, err := f.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if f.cancelErr != nil {
		return t, f.cancelErr
	}
	if t.IsTerminal() {
		return t, task.ErrTaskTerminal
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.tasks[id]
	stored.Status = domain.TaskStatusFailed
	stored.Error = task.ErrCancelled.Error()
	return stored.Clone(), nil
}

type fakeLedger struct {
	balance int64
	entries []domain.LedgerEntry
	err     error
}

func (f *fakeLedger) Balance(context.Context, uuid.UUID) (int64, error) {
	return f.balance, f.err
}

func (f *fakeLedger) Entries(_ context.Context, _ uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	if len(f.entries) > limit {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}
