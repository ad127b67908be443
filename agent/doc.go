// Package agent runs agent turns and keeps the descriptor registry. The
// package focuses on three concerns:
//
//  1. Descriptor registry (Registry) with delegation cycle detection and
//     reference validation against providers, tools and skills
//  2. Instruction rendering (RenderInstruction) of system prompts with
//     skills and session state
//  3. The turn executor (Executor) driving the model/tool loop
//
// Execution model:
//   - A turn builds its context window, calls the provider through the
//     recovery ladder and appends the reply to the transcript
//   - Tool calls are checked against the capability set, then the
//     permission engine, before the tool executes
//   - delegate_to_agent calls are routed to the delegation package, which
//     runs the callee on its own window and transcript
//
// The executor holds no per-session state; everything a turn needs arrives
// in the core.TurnRequest.
package agent
