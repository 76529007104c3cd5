// Package logging provides a minimal logging interface and adapters for agentloop.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine, tools and model adapters use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - RunLogger with component/run scoping and domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	eng := engine.New(func(o *engine.Options) { o.Logger = logger })
//
// The interface is intentionally small; any structured logger can be plugged in.
package logging
