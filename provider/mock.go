package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentcoord/core"
)

// Step is one scripted reply of a Mock. Exactly one of Func, Err or Response
// is used, in that order of precedence.
type Step struct {
	Response core.Response
	Err      error
	// Delay is waited (honouring ctx) before replying.
	Delay time.Duration
	Func  func(ctx context.Context, window core.ContextWindow, opts core.GenerateOptions) (core.Response, error)
}

// Text returns a step answering with plain text.
func Text(text string) Step { return Step{Response: core.Response{Text: text, FinishReason: "stop"}} }

// Fail returns a step failing with err.
func Fail(err error) Step { return Step{Err: err} }

// CallTools returns a step requesting the given tool calls.
func CallTools(calls ...core.ToolCall) Step {
	return Step{Response: core.Response{ToolCalls: calls, FinishReason: "tool_calls"}}
}

// Call is a recorded invocation of a Mock.
type Call struct {
	Window core.ContextWindow
	Opts   core.GenerateOptions
	Stream bool
}

// Mock is a scripted in-memory core.Provider for tests and examples. Steps
// are consumed in order; once the script is exhausted it echoes the last
// user message.
type Mock struct {
	name string

	mu     sync.Mutex
	script []Step
	calls  []Call
}

// NewMock creates a Mock with the given script.
func NewMock(name string, script ...Step) *Mock {
	return &Mock{name: name, script: script}
}

// Name implements core.Provider.
func (m *Mock) Name() string { return m.name }

// Push appends steps to the script.
func (m *Mock) Push(steps ...Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, steps...)
}

// Calls returns the recorded invocations.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns the number of invocations so far.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *Mock) next(window core.ContextWindow, opts core.GenerateOptions, stream bool) (Step, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Window: window, Opts: opts, Stream: stream})
	if len(m.script) == 0 {
		return Step{}, false
	}
	s := m.script[0]
	m.script = m.script[1:]
	return s, true
}

// Generate implements core.Provider.
func (m *Mock) Generate(ctx context.Context, window core.ContextWindow, opts core.GenerateOptions) (core.Response, error) {
	step, ok := m.next(window, opts, false)
	return m.reply(ctx, step, ok, window, opts)
}

// StreamGenerate implements core.Provider by replaying the reply rune by rune.
func (m *Mock) StreamGenerate(ctx context.Context, window core.ContextWindow, opts core.GenerateOptions) (<-chan core.StreamChunk, error) {
	step, ok := m.next(window, opts, true)
	out := make(chan core.StreamChunk, 16)

	go func() {
		defer close(out)

		resp, err := m.reply(ctx, step, ok, window, opts)
		if err != nil {
			out <- core.StreamChunk{Err: err}
			return
		}
		for _, r := range resp.Text {
			select {
			case <-ctx.Done():
				out <- core.StreamChunk{Err: ctx.Err()}
				return
			case out <- core.StreamChunk{Delta: string(r)}:
			}
		}
		out <- core.StreamChunk{Final: &resp}
	}()

	return out, nil
}

func (m *Mock) reply(ctx context.Context, step Step, scripted bool, window core.ContextWindow, opts core.GenerateOptions) (core.Response, error) {
	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return core.Response{}, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return core.Response{}, err
	}

	var (
		resp core.Response
		err  error
	)
	switch {
	case !scripted:
		resp = core.Response{Text: fmt.Sprintf("Mock response to: %s", lastUserText(window)), FinishReason: "stop"}
	case step.Func != nil:
		resp, err = step.Func(ctx, window, opts)
	case step.Err != nil:
		err = step.Err
	default:
		resp = step.Response
	}
	if err != nil {
		return core.Response{}, err
	}

	if resp.Model == "" {
		resp.Model = opts.Model
	}
	if resp.Usage.Total() == 0 {
		resp.Usage = core.TokenUsage{PromptTokens: window.EstimatedTokens, CompletionTokens: (len(resp.Text) + 3) / 4}
	}
	return resp, nil
}

func lastUserText(w core.ContextWindow) string {
	for i := len(w.Messages) - 1; i >= 0; i-- {
		if w.Messages[i].Role == core.RoleUser {
			return w.Messages[i].Content
		}
	}
	return ""
}
