// Package provider holds provider-agnostic helpers around core.Provider:
// a scripted Mock for tests and examples, a Registry that resolves provider
// names from configuration, and a Summarizer that condenses overflowed
// history with a constrained model call.
//
// Vendor adapters live in the openai and anthropic subpackages so callers
// only link the SDKs they use.
package provider
