// Package mocks provides centralized mock implementations for testing.
//
// Each mock exposes function fields that override its behavior and records
// its calls so tests can assert on them:
//
//	adapter := &mocks.MockAdapter{
//	    ProviderName: "ark",
//	    StartFn: func(ctx context.Context, req generation.Request) (generation.StartResult, error) {
//	        return generation.StartResult{ExternalTaskID: "cgt-1"}, nil
//	    },
//	}
//
// When adding a new mock to this package, name the file after the interface
// being mocked and give the mock a function field per method.
package mocks
