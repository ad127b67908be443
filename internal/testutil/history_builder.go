package testutil

import (
	"context"

	"github.com/hupe1980/agentcoord/core"
)

// HistoryBuilder provides a fluent helper for constructing sequenced
// message histories in tests.
// Example:
//
//	h := NewHistory().System("be brief").User("hi").Assistant("hello").Build()
//
// Messages get consecutive sequence numbers starting at 1, as storage would
// assign them.
type HistoryBuilder struct {
	agent string
	msgs  []core.Message
}

// NewHistory creates an empty builder.
func NewHistory() *HistoryBuilder { return &HistoryBuilder{} }

// Agent sets the origin agent of assistant and tool messages added after it
// (chainable).
func (b *HistoryBuilder) Agent(name string) *HistoryBuilder { b.agent = name; return b }

// System appends a system message (chainable).
func (b *HistoryBuilder) System(text string) *HistoryBuilder {
	return b.Add(core.NewMessage(core.RoleSystem, text))
}

// User appends a user message (chainable).
func (b *HistoryBuilder) User(text string) *HistoryBuilder {
	return b.Add(core.NewMessage(core.RoleUser, text))
}

// Assistant appends an assistant message (chainable).
func (b *HistoryBuilder) Assistant(text string) *HistoryBuilder {
	m := core.NewMessage(core.RoleAssistant, text)
	m.OriginAgent = b.agent
	return b.Add(m)
}

// ToolCall appends an assistant message requesting one tool call
// (chainable).
func (b *HistoryBuilder) ToolCall(id, name, args string) *HistoryBuilder {
	m := core.NewMessage(core.RoleAssistant, "")
	m.OriginAgent = b.agent
	m.ToolCalls = []core.ToolCall{{ID: id, Name: name, Arguments: args}}
	return b.Add(m)
}

// ToolResult appends the result of a tool call (chainable).
func (b *HistoryBuilder) ToolResult(id, output string) *HistoryBuilder {
	m := core.NewMessage(core.RoleTool, output)
	m.OriginAgent = b.agent
	m.ToolCallID = id
	return b.Add(m)
}

// Pinned appends a pinned user message (chainable).
func (b *HistoryBuilder) Pinned(text string) *HistoryBuilder {
	m := core.NewMessage(core.RoleUser, text)
	m.Pinned = true
	return b.Add(m)
}

// Meta sets a metadata key on the last message (chainable).
func (b *HistoryBuilder) Meta(key, value string) *HistoryBuilder {
	if n := len(b.msgs); n > 0 {
		b.msgs[n-1] = b.msgs[n-1].WithMeta(key, value)
	}
	return b
}

// Add appends arbitrary messages (chainable).
func (b *HistoryBuilder) Add(msgs ...core.Message) *HistoryBuilder {
	b.msgs = append(b.msgs, msgs...)
	return b
}

// Build returns the sequenced messages.
func (b *HistoryBuilder) Build() []core.Message { return Sequence(b.msgs...) }

// Sequence assigns consecutive sequence numbers starting at 1 and returns
// copies of msgs.
func Sequence(msgs ...core.Message) []core.Message {
	s := core.NewSession("testutil")
	out := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, s.Append(m))
	}
	return out
}

// Seed appends msgs to the stored history of sessionID and returns them as
// stored.
func Seed(ctx context.Context, st core.Storage, sessionID string, msgs ...core.Message) ([]core.Message, error) {
	out := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		stored, err := st.AppendMessage(ctx, sessionID, m)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}
