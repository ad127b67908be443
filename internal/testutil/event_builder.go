package testutil

import (
	"errors"

	"github.com/hupe1980/agentcoord/core"
)

// EventBuilder provides a fluent helper for constructing events in tests.
// Example:
//
//	ev := NewEventBuilder(core.EventProgress).Session("s1").Unit("u1").State(core.UnitRunning).Build()
//
// Chain only the parts you need; session and unit default to "s1" and "u1".
type EventBuilder struct {
	ev core.Event
}

// NewEventBuilder creates a builder for an event of kind.
func NewEventBuilder(kind core.EventKind) *EventBuilder {
	return &EventBuilder{ev: core.NewEvent(kind, "s1", "u1")}
}

// ID overrides the generated event id (chainable).
func (b *EventBuilder) ID(id string) *EventBuilder { b.ev.ID = id; return b }

// Session sets the session id (chainable).
func (b *EventBuilder) Session(id string) *EventBuilder { b.ev.SessionID = id; return b }

// Unit sets the unit id (chainable).
func (b *EventBuilder) Unit(id string) *EventBuilder { b.ev.UnitID = id; return b }

// Parent sets the parent unit id (chainable).
func (b *EventBuilder) Parent(id string) *EventBuilder { b.ev.ParentUnitID = id; return b }

// Agent sets the agent (chainable).
func (b *EventBuilder) Agent(name string) *EventBuilder { b.ev.Agent = name; return b }

// State sets the progress state (chainable).
func (b *EventBuilder) State(s core.UnitState) *EventBuilder { b.ev.State = s; return b }

// Text sets the text payload (chainable).
func (b *EventBuilder) Text(t string) *EventBuilder { b.ev.Text = t; return b }

// Tool sets the tool and call id of a tool output event (chainable).
func (b *EventBuilder) Tool(name, callID string) *EventBuilder {
	b.ev.Tool = name
	b.ev.ToolCallID = callID
	return b
}

// Ask attaches a permission ask (chainable).
func (b *EventBuilder) Ask(id string, req core.PermissionRequest) *EventBuilder {
	b.ev.Ask = &core.PermissionAsk{ID: id, Request: req}
	return b
}

// Error attaches the user-visible description of a classified error
// (chainable).
func (b *EventBuilder) Error(kind core.ErrorKind, summary string, fatal bool) *EventBuilder {
	info := core.Describe(core.NewError(kind, "", summary, errors.New(summary)))
	b.ev.Error = &info
	b.ev.Fatal = fatal
	return b
}

// Message attaches a history message (chainable).
func (b *EventBuilder) Message(m core.Message) *EventBuilder {
	c := m.Clone()
	b.ev.Message = &c
	return b
}

// Build returns the event.
func (b *EventBuilder) Build() core.Event { return b.ev }
