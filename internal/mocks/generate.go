// Package mocks provides mock implementations for testing the inferbatch engine.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for the core ports.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	backend := mocks.NewMockInferenceBackend(ctrl)
//	backend.EXPECT().LoadModel(gomock.Any(), "m1").Return(nil)
package mocks

// Generate mock for InferenceBackend interface from internal/core package.
// This creates MockInferenceBackend with methods: LoadModel, UnloadModel, Execute
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=inference_backend_mock.go github.com/target/inferbatch/internal/core InferenceBackend

// Generate mock for SlotLock interface from internal/core package.
// This creates MockSlotLock with methods: Acquire, Refresh, Release
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=slot_lock_mock.go github.com/target/inferbatch/internal/core SlotLock
