// Package core provides the shared domain model of the coordination runtime.
// It defines:
//
//   - Messages and Sessions (append-only, sequence ordered history plus state)
//   - ContextWindows (the budgeted, per-turn view sent to a provider)
//   - AgentDescriptors (immutable authority boundaries: capabilities, mode, budget)
//   - Permission requests and decisions
//   - Events (the single tagged stream emitted by the coordinator)
//   - The error taxonomy shared by every layer
//   - Narrow collaborator interfaces: Provider, Tool, Storage and Summarizer
//
// The package carries no scheduling, pruning or policy logic. Those live in the
// importance, window, permission, delegation and coordinator packages, which all
// depend on core and never on each other's concrete types where an interface
// suffices.
package core
