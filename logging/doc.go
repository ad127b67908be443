// Package logging provides a minimal logging interface and adapters for the
// coordination runtime.
//
// The Logger interface defines the leveled methods (Debug, Info, Warn, Error)
// every component accepts through its functional options. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - StructuredLogger with session, unit and agent scoping plus domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	coord, err := coordinator.New(func(o *coordinator.Options) { o.Logger = logger })
//
// Arguments after the message are slog style key/value pairs.
package logging
