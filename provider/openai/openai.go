// Package openai adapts the OpenAI Chat Completions API (including streaming
// and tool calling) to core.Provider. Vendor errors are classified into
// core.ProviderError so the recovery ladder can pick retry or fallback.
package openai

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/provider"
)

// aggCall aggregates partial tool call deltas of a stream.
type aggCall struct{ id, name, args string }

// Options configure the OpenAI provider.
type Options struct {
	// Name is the registry name. Defaults to "openai".
	Name string
	// Model is used when a call does not name one.
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	// ClientOptions are passed to the SDK client, e.g. option.WithBaseURL.
	ClientOptions []option.RequestOption
}

// Provider wraps the OpenAI Chat Completions API.
type Provider struct {
	client *openai.Client
	opts   Options
}

var _ core.Provider = (*Provider)(nil)

// New creates a provider with a client configured from the environment and
// opts.ClientOptions. SDK retries are disabled; the recovery ladder retries.
func New(optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	client := openai.NewClient(append([]option.RequestOption{option.WithMaxRetries(0)}, opts.ClientOptions...)...)
	return &Provider{client: &client, opts: opts}
}

// NewFromClient creates a provider from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Name:                "openai",
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
}

// Name implements core.Provider.
func (p *Provider) Name() string { return p.opts.Name }

// Generate implements core.Provider.
func (p *Provider) Generate(ctx context.Context, window core.ContextWindow, opts core.GenerateOptions) (core.Response, error) {
	params := p.buildParams(window, opts)
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return core.Response{}, p.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return core.Response{}, provider.WrapError(p.Name(), 0, "", errors.New("no choices returned"))
	}

	ch0 := resp.Choices[0]
	if ch0.FinishReason == "content_filter" || ch0.Message.Refusal != "" {
		return core.Response{}, provider.Refusal(p.Name(), ch0.FinishReason)
	}
	out := core.Response{
		Text:         ch0.Message.Content,
		FinishReason: ch0.FinishReason,
		Model:        resp.Model,
		Usage: core.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}
	for _, tc := range ch0.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, core.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return out, nil
}

// StreamGenerate implements core.Provider. Text deltas are forwarded as they
// arrive; tool calls are assembled and delivered with the final chunk.
func (p *Provider) StreamGenerate(ctx context.Context, window core.ContextWindow, opts core.GenerateOptions) (<-chan core.StreamChunk, error) {
	params := p.buildParams(window, opts)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	out := make(chan core.StreamChunk, 32)

	go func() {
		defer close(out)
		defer stream.Close()

		var (
			text  strings.Builder
			final core.Response
		)
		toolAgg := map[int64]*aggCall{}
		var order []int64

		for stream.Next() {
			ck := stream.Current()
			if ck.Model != "" {
				final.Model = ck.Model
			}
			if ck.Usage.TotalTokens > 0 {
				final.Usage = core.TokenUsage{PromptTokens: int(ck.Usage.PromptTokens), CompletionTokens: int(ck.Usage.CompletionTokens)}
			}
			for _, ch := range ck.Choices {
				if ch.Delta.Content != "" {
					text.WriteString(ch.Delta.Content)
					if !send(ctx, out, core.StreamChunk{Delta: ch.Delta.Content}) {
						return
					}
				}
				for _, tc := range ch.Delta.ToolCalls {
					ac, ok := toolAgg[tc.Index]
					if !ok {
						ac = &aggCall{}
						toolAgg[tc.Index] = ac
						order = append(order, tc.Index)
					}
					if tc.ID != "" {
						ac.id = tc.ID
					}
					if tc.Function.Name != "" {
						ac.name = tc.Function.Name
					}
					ac.args += tc.Function.Arguments
				}
				if ch.FinishReason != "" {
					final.FinishReason = ch.FinishReason
				}
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, out, core.StreamChunk{Err: p.wrap(err)})
			return
		}
		if final.FinishReason == "content_filter" {
			send(ctx, out, core.StreamChunk{Err: provider.Refusal(p.Name(), final.FinishReason)})
			return
		}

		final.Text = text.String()
		for _, idx := range order {
			ac := toolAgg[idx]
			final.ToolCalls = append(final.ToolCalls, core.ToolCall{ID: ac.id, Name: ac.name, Arguments: ac.args})
		}
		send(ctx, out, core.StreamChunk{Final: &final})
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

func (p *Provider) wrap(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return provider.WrapError(p.Name(), apiErr.StatusCode, apiErr.Code, err)
	}
	return provider.WrapError(p.Name(), 0, "", err)
}

// buildParams assembles the request, including tool definitions.
func (p *Provider) buildParams(window core.ContextWindow, opts core.GenerateOptions) openai.ChatCompletionNewParams {
	model := opts.Model
	if model == "" {
		model = p.opts.Model
	}
	maxTokens := p.opts.MaxCompletionTokens
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(window),
		Model:               model,
		Temperature:         openai.Float(p.opts.Temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
	if len(opts.Tools) == 0 {
		return params
	}
	tools := make([]openai.ChatCompletionToolParam, len(opts.Tools))
	for i, def := range opts.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  def.Parameters,
			},
		}
	}
	params.Tools = tools
	return params
}

// buildMessages converts the window into chat messages. The system prompt
// leads; tool results follow the assistant message that requested them.
func buildMessages(window core.ContextWindow) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if window.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(window.SystemPrompt))
	}

	for _, m := range provider.PairToolMessages(window.Messages) {
		switch m.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case core.RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case core.RoleTool:
			messages = append(messages, openai.ToolMessage(m.Content, m.ToolCallID))
		case core.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(m.Content))
				continue
			}
			asst := &openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls(m.ToolCalls)}
			if m.Content != "" {
				asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Content)}
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: asst})
		}
	}
	return messages
}

func toolCalls(calls []core.ToolCall) []openai.ChatCompletionMessageToolCallParam {
	out := make([]openai.ChatCompletionMessageToolCallParam, 0, len(calls))
	for _, tc := range calls {
		args := tc.Arguments
		if args == "" {
			args = "{}"
		}
		out = append(out, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: args,
			},
		})
	}
	return out
}
