package core

import "context"

// ToolDefinition declaratively exposes a callable tool to a model.
// Parameters is a minimal JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// GenerateOptions tune a single provider call.
type GenerateOptions struct {
	Model     string
	Tools     []ToolDefinition
	MaxTokens int
}

// TokenUsage captures token accounting for one or more provider calls.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u TokenUsage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Add returns the element-wise sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{PromptTokens: u.PromptTokens + o.PromptTokens, CompletionTokens: u.CompletionTokens + o.CompletionTokens}
}

// Response is the final result of a provider call.
type Response struct {
	Text         string     `json:"text"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        TokenUsage `json:"usage"`
	Model        string     `json:"model,omitempty"`
}

// StreamChunk is one element of a streaming generation. Exactly one chunk
// carries Final (on success) or Err (on failure); the channel is closed after it.
type StreamChunk struct {
	Delta string
	Final *Response
	Err   error
}

// Provider is the model collaborator. Implementations must honour ctx
// cancellation mid-call and mid-stream, and should return *ProviderError so
// failures can be classified.
type Provider interface {
	Name() string
	Generate(ctx context.Context, window ContextWindow, opts GenerateOptions) (Response, error)
	StreamGenerate(ctx context.Context, window ContextWindow, opts GenerateOptions) (<-chan StreamChunk, error)
}

// Summarizer condenses a run of messages. It is used only by the context
// manager's overflow path.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (string, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, messages []Message) (string, error)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}
