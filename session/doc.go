// Package session houses implementations of core.Storage. The interface
// itself lives in core so higher level packages never depend on a concrete
// backend.
//
// InMemoryStore is the default and suits tests and single-process runs. The
// sqlite subpackage provides a durable store; additional backends belong in
// their own subpackages so only the wiring layer chooses between them.
package session
