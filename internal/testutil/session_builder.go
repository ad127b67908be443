package testutil

import (
	"github.com/hupe1980/agentcoord/core"
)

// SessionBuilder helps construct sessions with fluent chaining for tests.
// Example:
//
//	sess := NewSessionBuilder("sess-1").State("k", "v").Messages(h...).Build()
type SessionBuilder struct {
	id      string
	project string
	agent   string
	state   map[string]any
	msgs    []core.Message
}

// NewSessionBuilder creates a new builder for a session with the given id.
func NewSessionBuilder(id string) *SessionBuilder {
	return &SessionBuilder{id: id, state: map[string]any{}}
}

// State sets or overwrites a state key/value pair (chainable).
func (b *SessionBuilder) State(key string, val any) *SessionBuilder {
	b.state[key] = val
	return b
}

// Project sets the project id (chainable).
func (b *SessionBuilder) Project(id string) *SessionBuilder { b.project = id; return b }

// Agent sets the agent binding (chainable).
func (b *SessionBuilder) Agent(name string) *SessionBuilder { b.agent = name; return b }

// Messages appends messages to the history (chainable). They are sequenced
// on Build.
func (b *SessionBuilder) Messages(msgs ...core.Message) *SessionBuilder {
	b.msgs = append(b.msgs, msgs...)
	return b
}

// Build returns a *core.Session with pre-populated state and history.
func (b *SessionBuilder) Build() *core.Session {
	s := core.NewSession(b.id)
	s.ProjectID = b.project
	s.AgentBinding = b.agent

	for k, v := range b.state {
		s.State[k] = v
	}
	for _, m := range b.msgs {
		s.Append(m)
	}

	return s
}
