package core

import (
	"fmt"
	"time"
)

// ActionKind classifies a sensitive action subject to permission checks.
type ActionKind string

const (
	ActionToolInvoke       ActionKind = "tool_invoke"
	ActionFileWrite        ActionKind = "file_write"
	ActionFileRead         ActionKind = "file_read"
	ActionNetworkCall      ActionKind = "network_call"
	ActionSubAgentDelegate ActionKind = "sub_agent_delegate"
)

// Action is the outcome of a permission evaluation.
type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
	Ask   Action = "ask"
)

// Scope names the level a decision was resolved from.
type Scope string

const (
	ScopeGlobal          Scope = "global"
	ScopeProject         Scope = "project"
	ScopeSession         Scope = "session"
	ScopeRuntimeOverride Scope = "runtime_override"
	// ScopeCapability marks decisions made by the agent capability gate
	// before any policy table is consulted.
	ScopeCapability Scope = "capability"
	// ScopeDefault marks decisions taken from the fallback action when no
	// policy rule matched.
	ScopeDefault Scope = "default"
)

// Answer is a human response to a permission ask.
type Answer string

const (
	AnswerAllowOnce      Answer = "allow_once"
	AnswerAllowInSession Answer = "allow_in_session"
	AnswerDeny           Answer = "deny"
)

// Valid reports whether a is a known answer.
func (a Answer) Valid() bool {
	switch a {
	case AnswerAllowOnce, AnswerAllowInSession, AnswerDeny:
		return true
	}
	return false
}

// PermissionRequest asks whether an actor may perform an action on a target.
type PermissionRequest struct {
	Actor     string         `json:"actor"`
	ActorMode PermissionMode `json:"actor_mode"`
	Kind      ActionKind     `json:"action_kind"`
	Target    string         `json:"target"`
	Mutating  bool           `json:"mutating,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	SessionID string         `json:"session_id"`
	UnitID    string         `json:"unit_id,omitempty"`
}

// Key returns the session memory key for the request.
func (r PermissionRequest) Key() PermissionKey {
	return PermissionKey{Actor: r.Actor, Kind: r.Kind, Target: r.Target}
}

// IsWrite reports whether the request mutates state from the capability
// gate's point of view.
func (r PermissionRequest) IsWrite() bool {
	switch r.Kind {
	case ActionFileWrite:
		return true
	case ActionToolInvoke:
		return r.Mutating
	}
	return false
}

// PermissionKey identifies a cached session decision.
type PermissionKey struct {
	Actor  string     `json:"actor"`
	Kind   ActionKind `json:"action_kind"`
	Target string     `json:"target"`
}

// String renders the key as actor/kind/target.
func (k PermissionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Actor, k.Kind, k.Target)
}

// PermissionDecision is the resolved outcome of a request.
type PermissionDecision struct {
	Action       Action            `json:"action"`
	ResolvedFrom Scope             `json:"resolved_from"`
	Remembered   bool              `json:"remembered"`
	Asked        bool              `json:"asked,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Request      PermissionRequest `json:"request"`
	DecidedAt    time.Time         `json:"decided_at"`
}

// Allowed reports whether the decision permits the action.
func (d PermissionDecision) Allowed() bool { return d.Action == Allow }

// PermissionAsk is a suspended request awaiting a human answer.
type PermissionAsk struct {
	ID      string            `json:"id"`
	Request PermissionRequest `json:"request"`
}
