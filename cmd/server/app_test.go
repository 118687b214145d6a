package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/api"
	apiMiddleware "github.com/phrazzld/conjure-api/internal/api/middleware"
	"github.com/phrazzld/conjure-api/internal/config"
	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/generation"
	"github.com/phrazzld/conjure-api/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCallbackToken = "test-callback-token-123"

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, LogLevel: "debug", ShutdownTimeout: time.Second},
		Auth: config.AuthConfig{
			JWTSecret:            "test-secret-that-is-long-enough-for-testing",
			TokenLifetimeMinutes: 60,
			CallbackToken:        testCallbackToken,
		},
		Queue: config.QueueConfig{
			Concurrency:        2,
			Size:               16,
			MaxAttempts:        2,
			DispatchTimeout:    time.Second,
			PollInterval:       20 * time.Millisecond,
			PollTimeout:        5 * time.Second,
			ReconcileDeadline:  time.Hour,
			StaleCheckInterval: time.Minute,
			ParkTTL:            time.Minute,
			BackoffBase:        10 * time.Millisecond,
			BackoffMax:         50 * time.Millisecond,
		},
		Cache: config.CacheConfig{
			ImageTTL:      time.Hour,
			VideoTTL:      time.Hour,
			ChatTTL:       time.Hour,
			SweepInterval: time.Minute,
		},
		Session: config.SessionConfig{TTL: time.Minute},
		Ledger:  config.LedgerConfig{InitialGrant: 100},
		Pricing: config.PricingConfig{Image: 8, Video: 20, Chat: 1},
		Tracing: config.TracingConfig{Exporter: "none"},
	}
}

type testServer struct {
	app   *application
	srv   *httptest.Server
	token string
	owner uuid.UUID
}

func newTestServer(t *testing.T, adapters ...generation.Adapter) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	app, err := newApplication(ctx, testConfig(), logger)
	require.NoError(t, err)
	for _, a := range adapters {
		app.adapters.Register(a)
	}
	require.NoError(t, app.start(ctx))

	srv := httptest.NewServer(app.setupRouter())
	t.Cleanup(func() {
		srv.Close()
		app.cleanup()
	})

	owner := uuid.New()
	token, err := app.jwtService.GenerateToken(ctx, owner, 0)
	require.NoError(t, err)
	return &testServer{app: app, srv: srv, token: token, owner: owner}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *testServer) authed(t *testing.T, method, path string, body interface{}) *http.Response {
	return s.do(t, method, path, body, map[string]string{"Authorization": "Bearer " + s.token})
}

func readJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *testServer) waitForStatus(t *testing.T, id uuid.UUID, status domain.TaskStatus) api.TaskResponse {
	t.Helper()
	var last api.TaskResponse
	require.Eventually(t, func() bool {
		resp := s.authed(t, http.MethodGet, "/api/tasks/"+id.String(), nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		last = readJSON[api.TaskResponse](t, resp)
		return last.Status == string(status)
	}, 5*time.Second, 20*time.Millisecond)
	return last
}

func (s *testServer) balance(t *testing.T) int64 {
	t.Helper()
	resp := s.authed(t, http.MethodGet, "/api/balance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return readJSON[api.BalanceResponse](t, resp).Balance
}

func TestServer_PublicRoutes(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/balance", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/callbacks/mock", map[string]string{"external_task_id": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_ImmediateResultAndCacheHit(t *testing.T) {
	t.Parallel()
	adapter := mocks.NewMockAdapterWithResult("mock", &domain.Result{URLs: []string{"https://cdn.example/fox.png"}})
	s := newTestServer(t, adapter)

	assert.Equal(t, int64(100), s.balance(t))

	req := api.SubmitTaskRequest{Kind: "image", Provider: "mock", Model: "m1", Prompt: "a red fox"}
	resp := s.authed(t, http.MethodPost, "/api/tasks", req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	first := readJSON[api.TaskResponse](t, resp)
	assert.Equal(t, "pending", first.Status)

	done := s.waitForStatus(t, first.ID, domain.TaskStatusCompleted)
	require.NotNil(t, done.Result)
	assert.Equal(t, []string{"https://cdn.example/fox.png"}, done.Result.URLs)
	assert.Equal(t, int64(92), s.balance(t))

	resp = s.authed(t, http.MethodPost, "/api/tasks", req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	second := readJSON[api.TaskResponse](t, resp)
	s.waitForStatus(t, second.ID, domain.TaskStatusCompleted)

	assert.Equal(t, int64(92), s.balance(t), "a cached result is not charged")
	assert.Equal(t, 1, adapter.StartCount())

	resp = s.authed(t, http.MethodGet, "/api/stats/cache", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = s.authed(t, http.MethodGet, "/api/stats/queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := readJSON[api.QueueStatsResponse](t, resp)
	assert.Equal(t, 2, stats.CompletedCount)
}

func TestServer_CallbackCompletesExternalTask(t *testing.T) {
	t.Parallel()
	adapter := &mocks.MockAdapter{
		ProviderName: "mock",
		StartFn: func(context.Context, generation.Request) (generation.StartResult, error) {
			return generation.StartResult{ExternalTaskID: "ext-42"}, nil
		},
	}
	s := newTestServer(t, adapter)

	resp := s.authed(t, http.MethodPost, "/api/tasks",
		api.SubmitTaskRequest{Kind: "video", Provider: "mock", Model: "v1", Prompt: "waves at night"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := readJSON[api.TaskResponse](t, resp)

	require.Eventually(t, func() bool { return adapter.StartCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	callback := generation.GenericCallback{
		ExternalTaskID: "ext-42",
		Status:         "succeeded",
		URLs:           []string{"https://cdn.example/waves.mp4"},
	}
	headers := map[string]string{apiMiddleware.CallbackTokenHeader: testCallbackToken}
	resp = s.do(t, http.MethodPost, "/callbacks/mock", callback, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	done := s.waitForStatus(t, submitted.ID, domain.TaskStatusCompleted)
	require.NotNil(t, done.Result)
	assert.Equal(t, []string{"https://cdn.example/waves.mp4"}, done.Result.URLs)
	assert.Equal(t, int64(80), s.balance(t))

	// A redelivered callback is acknowledged and changes nothing.
	resp = s.do(t, http.MethodPost, "/callbacks/mock", callback, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(80), s.balance(t))
}

func TestServer_CancelRefunds(t *testing.T) {
	t.Parallel()
	adapter := &mocks.MockAdapter{
		ProviderName: "mock",
		StartFn: func(context.Context, generation.Request) (generation.StartResult, error) {
			return generation.StartResult{ExternalTaskID: uuid.NewString()}, nil
		},
	}
	s := newTestServer(t, adapter)

	resp := s.authed(t, http.MethodPost, "/api/tasks",
		api.SubmitTaskRequest{Kind: "image", Provider: "mock", Model: "m", Prompt: "a slow painting"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := readJSON[api.TaskResponse](t, resp)
	s.waitForStatus(t, submitted.ID, domain.TaskStatusProcessing)

	resp = s.authed(t, http.MethodPost, "/api/tasks/"+submitted.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "failed", readJSON[api.TaskResponse](t, resp).Status)
	// The reservation may still be in flight when cancel lands; it is refunded either way.
	require.Eventually(t, func() bool { return s.balance(t) == 100 }, 5*time.Second, 20*time.Millisecond)

	resp = s.authed(t, http.MethodPost, "/api/tasks/"+submitted.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_InsufficientBalance(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, mocks.NewMockAdapterWithResult("mock", &domain.Result{Text: "hi"}))

	// 100 tokens cover five videos at 20 each.
	for i := 0; i < 5; i++ {
		resp := s.authed(t, http.MethodPost, "/api/tasks",
			api.SubmitTaskRequest{Kind: "video", Provider: "mock", Model: "v", Prompt: uuid.NewString()})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		s.waitForStatus(t, readJSON[api.TaskResponse](t, resp).ID, domain.TaskStatusCompleted)
	}

	resp := s.authed(t, http.MethodPost, "/api/tasks",
		api.SubmitTaskRequest{Kind: "video", Provider: "mock", Model: "v", Prompt: "one more"})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, int64(0), s.balance(t))
}

func TestHandleMigrations_RequiresDatabaseURL(t *testing.T) {
	t.Parallel()
	err := handleMigrations(context.Background(), testConfig(), "up", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONJURE_DATABASE_URL")
}

func TestTargets(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	assert.Empty(t, targets(cfg))

	cfg.Ark = config.ArkConfig{APIKey: "k", ImageModel: "img", VideoModel: "vid"}
	cfg.Gemini = config.GeminiConfig{APIKey: "g", Model: "chat"}
	got := targets(cfg)
	assert.Equal(t, "img", got[domain.KindImage].Model)
	assert.Equal(t, "vid", got[domain.KindVideo].Model)
	assert.Equal(t, "gemini", got[domain.KindChat].Provider)
}
