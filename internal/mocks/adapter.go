package mocks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/generation"
)

// MockAdapter implements generation.Adapter for testing
type MockAdapter struct {
	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// StartFn allows test cases to mock the Start behavior
	StartFn func(ctx context.Context, req generation.Request) (generation.StartResult, error)

	// PollFn allows test cases to mock the Poll behavior
	PollFn func(ctx context.Context, externalTaskID string) (generation.PollResult, error)

	// DecodeCallbackFn, when set, is used by DecodeCallback
	DecodeCallbackFn func(body []byte) (generation.Notice, error)

	// Default response values
	Result *domain.Result
	Err    error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	// Call tracking for verification
	StartCalls struct {
		mu       sync.Mutex
		Count    int
		Requests []generation.Request
	}

	PollCalls struct {
		mu          sync.Mutex
		Count       int
		ExternalIDs []string
	}
}

// Name implements generation.Adapter
func (m *MockAdapter) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// Start implements generation.Adapter
func (m *MockAdapter) Start(ctx context.Context, req generation.Request) (generation.StartResult, error) {
	m.StartCalls.mu.Lock()
	m.StartCalls.Count++
	m.StartCalls.Requests = append(m.StartCalls.Requests, req)
	m.StartCalls.mu.Unlock()

	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		peak := m.maxInFlight.Load()
		if n <= peak || m.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	if m.StartFn != nil {
		return m.StartFn(ctx, req)
	}
	if m.Err != nil {
		return generation.StartResult{}, m.Err
	}
	return generation.StartResult{Immediate: m.Result}, nil
}

// Poll implements generation.Adapter
func (m *MockAdapter) Poll(ctx context.Context, externalTaskID string) (generation.PollResult, error) {
	m.PollCalls.mu.Lock()
	m.PollCalls.Count++
	m.PollCalls.ExternalIDs = append(m.PollCalls.ExternalIDs, externalTaskID)
	m.PollCalls.mu.Unlock()

	if m.PollFn != nil {
		return m.PollFn(ctx, externalTaskID)
	}
	return generation.PollResult{State: generation.StateRunning}, nil
}

// StartCount returns how many times Start was called
func (m *MockAdapter) StartCount() int {
	m.StartCalls.mu.Lock()
	defer m.StartCalls.mu.Unlock()
	return m.StartCalls.Count
}

// PollCount returns how many times Poll was called
func (m *MockAdapter) PollCount() int {
	m.PollCalls.mu.Lock()
	defer m.PollCalls.mu.Unlock()
	return m.PollCalls.Count
}

// MaxInFlight returns the highest number of concurrent Start calls observed
func (m *MockAdapter) MaxInFlight() int {
	return int(m.maxInFlight.Load())
}

// NewMockAdapterWithResult creates a MockAdapter that resolves immediately with result
func NewMockAdapterWithResult(name string, result *domain.Result) *MockAdapter {
	return &MockAdapter{ProviderName: name, Result: result}
}

// NewMockAdapterWithError creates a MockAdapter whose Start always fails with err
func NewMockAdapterWithError(name string, err error) *MockAdapter {
	return &MockAdapter{ProviderName: name, Err: err}
}

// DecodeCallback implements generation.CallbackDecoder
func (m *MockAdapter) DecodeCallback(body []byte) (generation.Notice, error) {
	if m.DecodeCallbackFn != nil {
		return m.DecodeCallbackFn(body)
	}
	return generation.GenericDecoder{Provider: m.Name()}.DecodeCallback(body)
}
