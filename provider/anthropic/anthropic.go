// Package anthropic adapts the Anthropic Messages API to core.Provider.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/provider"
)

// Options configure the Anthropic provider.
type Options struct {
	// Name is the registry name. Defaults to "anthropic".
	Name string
	// Model is used when a call does not name one.
	Model       string
	Temperature float64
	MaxTokens   int64
	APIKey      string
	// ClientOptions are passed to the SDK client, e.g. option.WithBaseURL.
	ClientOptions []option.RequestOption
}

// Provider wraps the Anthropic Messages API.
type Provider struct {
	client *anthropic.Client
	opts   Options
}

var _ core.Provider = (*Provider)(nil)

// New creates a provider. SDK retries are disabled; the recovery ladder
// retries.
func New(optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(append(clientOpts, opts.ClientOptions...)...)

	return &Provider{client: &client, opts: opts}
}

// NewFromClient creates a provider from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Name:        "anthropic",
		Model:       string(anthropic.ModelClaude3_5Sonnet20241022),
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// Name implements core.Provider.
func (p *Provider) Name() string { return p.opts.Name }

// Generate implements core.Provider.
func (p *Provider) Generate(ctx context.Context, window core.ContextWindow, opts core.GenerateOptions) (core.Response, error) {
	params, err := p.buildParams(window, opts)
	if err != nil {
		return core.Response{}, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return core.Response{}, p.wrap(err)
	}
	return p.response(msg)
}

// StreamGenerate implements core.Provider. Text deltas are forwarded as they
// arrive and the accumulated message is converted once the stream ends.
func (p *Provider) StreamGenerate(ctx context.Context, window core.ContextWindow, opts core.GenerateOptions) (<-chan core.StreamChunk, error) {
	params, err := p.buildParams(window, opts)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	out := make(chan core.StreamChunk, 32)

	go func() {
		defer close(out)
		defer stream.Close()

		var msg anthropic.Message
		for stream.Next() {
			event := stream.Current()
			if err := msg.Accumulate(event); err != nil {
				send(ctx, out, core.StreamChunk{Err: provider.WrapError(p.Name(), 0, "", err)})
				return
			}
			if event.Type != "content_block_delta" {
				continue
			}
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				if !send(ctx, out, core.StreamChunk{Delta: delta.Text}) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, out, core.StreamChunk{Err: p.wrap(err)})
			return
		}

		resp, err := p.response(&msg)
		if err != nil {
			send(ctx, out, core.StreamChunk{Err: err})
			return
		}
		send(ctx, out, core.StreamChunk{Final: &resp})
	}()

	return out, nil
}

func send(ctx context.Context, out chan<- core.StreamChunk, c core.StreamChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

type errorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) wrap(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var payload errorPayload
		if raw := apiErr.RawJSON(); raw != "" {
			_ = json.Unmarshal([]byte(raw), &payload)
		}
		return provider.WrapError(p.Name(), apiErr.StatusCode, payload.Error.Type, err)
	}
	return provider.WrapError(p.Name(), 0, "", err)
}

// response converts a complete message.
func (p *Provider) response(msg *anthropic.Message) (core.Response, error) {
	if msg.StopReason == "refusal" {
		return core.Response{}, provider.Refusal(p.Name(), string(msg.StopReason))
	}

	var (
		text strings.Builder
		out  core.Response
	)
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			args := "{}"
			if len(tu.Input) > 0 {
				args = string(tu.Input)
			}
			out.ToolCalls = append(out.ToolCalls, core.ToolCall{ID: tu.ID, Name: tu.Name, Arguments: args})
		}
	}

	out.Text = text.String()
	out.Model = string(msg.Model)
	out.FinishReason = "stop"
	if msg.StopReason != "" {
		out.FinishReason = string(msg.StopReason)
	}
	out.Usage = core.TokenUsage{PromptTokens: int(msg.Usage.InputTokens), CompletionTokens: int(msg.Usage.OutputTokens)}
	return out, nil
}

func (p *Provider) buildParams(window core.ContextWindow, opts core.GenerateOptions) (anthropic.MessageNewParams, error) {
	model := opts.Model
	if model == "" {
		model = p.opts.Model
	}
	maxTokens := p.opts.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	messages, system, err := buildMessages(window.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	if window.SystemPrompt != "" {
		system = append([]anthropic.TextBlockParam{{Text: window.SystemPrompt}}, system...)
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(p.opts.Temperature),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(opts.Tools) > 0 {
		params.Tools = buildTools(opts.Tools)
	}
	return params, nil
}

// buildMessages converts window messages. Tool results become tool_result
// blocks of a user message, consecutive messages of one role are merged,
// and leading system messages join the system prompt while later ones are
// passed as user text.
func buildMessages(msgs []core.Message) ([]anthropic.MessageParam, []anthropic.TextBlockParam, error) {
	var (
		messages []anthropic.MessageParam
		system   []anthropic.TextBlockParam
	)

	add := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			return
		}
		if role == anthropic.MessageParamRoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			return
		}
		messages = append(messages, anthropic.NewUserMessage(blocks...))
	}

	for _, m := range provider.PairToolMessages(msgs) {
		switch m.Role {
		case core.RoleSystem:
			if len(messages) == 0 {
				system = append(system, anthropic.TextBlockParam{Text: m.Content})
				continue
			}
			add(anthropic.MessageParamRoleUser, anthropic.NewTextBlock("[system] "+m.Content))
		case core.RoleUser:
			if m.Content != "" {
				add(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(m.Content))
			}
		case core.RoleTool:
			add(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, provider.IsToolError(m)))
		case core.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input := map[string]any{}
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
						return nil, nil, core.NewError(core.KindConfiguration, "anthropic.messages", "invalid tool call arguments in history", fmt.Errorf("call %s: %w", tc.ID, err))
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			add(anthropic.MessageParamRoleAssistant, blocks...)
		}
	}
	return messages, system, nil
}

func buildTools(defs []core.ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, len(defs))
	for i, def := range defs {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := def.Parameters["properties"]; ok {
			schema.Properties = props
		}
		switch req := def.Parameters["required"].(type) {
		case []string:
			schema.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}

		tools[i] = anthropic.ToolUnionParamOfTool(schema, def.Name)
		if def.Description != "" {
			tools[i].OfTool.Description = anthropic.String(def.Description)
		}
	}
	return tools
}
