// Package permission decides whether an agent may perform a sensitive
// action.
//
// Resolution order, most specific first:
//
//  0. capability gate: read-mode actors never write
//  1. runtime overrides of the session
//  2. session memory (answers remembered for the session)
//  3. session policy
//  4. project policy
//  5. global policy, then the configured default
//
// An Ask outcome suspends the caller until a human answers through
// Engine.Answer, the caller's context ends, the session ends or the ask
// deadline passes.
package permission
