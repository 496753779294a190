// Package logging provides a minimal logging interface and adapters for
// TaskMesh.
//
// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) that the scheduler, executor and step loop use for
// observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//   - TaskMeshLogger with execution/run scoped context and domain helpers
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	sched := scheduler.New(store, eventBus, exec, scheduler.WithLogger(logger))
//
// The design intentionally keeps the interface minimal to avoid vendor
// lock-in while supporting structured logging where available.
package logging
