// Package mocks provides mock implementations for testing the orchestrator.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for the core ports.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	store := mocks.NewMockJobRecordStore(ctrl)
//	store.EXPECT().Get(gomock.Any(), "job-1").Return(rec, nil)
package mocks

// Generate mock for JobRecordStore interface from internal/core package.
// This creates MockJobRecordStore with methods for all JobRecordStore interface methods:
// Get, PutIfAbsent, UpdateIfStatusEquals, ListByStatus
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_record_store_mock.go github.com/lifebook/orchestrator/internal/core JobRecordStore

// Generate mock for RunLogSink interface from internal/core package.
// This creates MockRunLogSink with methods for all RunLogSink interface methods:
// Append
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=run_log_sink_mock.go github.com/lifebook/orchestrator/internal/core RunLogSink

// Generate mock for MessagePublisher interface from internal/core package.
// This creates MockMessagePublisher with methods for all MessagePublisher interface methods:
// Publish
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=message_publisher_mock.go github.com/lifebook/orchestrator/internal/core MessagePublisher
