package core

import "sort"

// PermissionMode is the write authority an agent carries into every request.
type PermissionMode string

const (
	// ModeRead forbids file writes and mutating tool calls.
	ModeRead PermissionMode = "read"
	// ModeReadWrite leaves write decisions to the permission policy.
	ModeReadWrite PermissionMode = "read_write"
	// ModeInherit takes the mode of the calling agent (or the runtime default).
	ModeInherit PermissionMode = "inherit"
)

// Resolve returns the effective mode given the mode of the caller.
func (m PermissionMode) Resolve(parent PermissionMode) PermissionMode {
	switch m {
	case ModeRead, ModeReadWrite:
		return m
	}
	if parent == ModeRead || parent == ModeReadWrite {
		return parent
	}
	return ModeReadWrite
}

// Valid reports whether m is a known mode. The empty mode counts as Inherit.
func (m PermissionMode) Valid() bool {
	switch m {
	case ModeRead, ModeReadWrite, ModeInherit, "":
		return true
	}
	return false
}

// Set is an explicit finite set of identifiers.
type Set map[string]struct{}

// NewSet builds a set from the given identifiers.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is a member.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CapabilitySet bounds what an agent may dispatch to. It is checked before any
// dynamic dispatch; nothing outside these sets is reachable.
type CapabilitySet struct {
	Tools     Set
	Skills    Set
	SubAgents Set
}

// AllowsTool reports whether the tool id is in the set.
func (c CapabilitySet) AllowsTool(name string) bool { return c.Tools.Has(name) }

// AllowsSubAgent reports whether the agent id may be delegated to.
func (c CapabilitySet) AllowsSubAgent(name string) bool { return c.SubAgents.Has(name) }

// AgentDescriptor identifies an agent and its authority boundary. Descriptors
// are immutable after load and referenced by Name, never by pointer graphs.
type AgentDescriptor struct {
	Name                string
	Description         string
	SystemPrompt        string
	Provider            string
	FallbackProviders   []string
	Model               string
	SmallModel          string
	Capabilities        CapabilitySet
	PermissionMode      PermissionMode
	ContextWindowBudget int
	MaxSteps            int
	Stream              bool
}

// ProviderChain returns the primary provider followed by the fallbacks.
func (d AgentDescriptor) ProviderChain() []string {
	out := make([]string, 0, 1+len(d.FallbackProviders))
	if d.Provider != "" {
		out = append(out, d.Provider)
	}
	return append(out, d.FallbackProviders...)
}
