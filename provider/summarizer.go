package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agentcoord/core"
)

// DefaultSummaryPrompt instructs the model to keep what later turns depend on.
const DefaultSummaryPrompt = `You condense earlier parts of a conversation between a user and one or more agents.
Keep every decision, constraint, open question, error and file or identifier that was mentioned.
Drop greetings and acknowledgements. Answer with the summary only, as short bullet points.`

// SummarizerOptions configure a Summarizer.
type SummarizerOptions struct {
	Model     string
	Prompt    string
	MaxTokens int
}

// Summarizer implements core.Summarizer with a single constrained provider call.
type Summarizer struct {
	provider core.Provider
	opts     SummarizerOptions
}

// NewSummarizer creates a Summarizer backed by p.
func NewSummarizer(p core.Provider, optFns ...func(o *SummarizerOptions)) *Summarizer {
	opts := SummarizerOptions{
		Prompt:    DefaultSummaryPrompt,
		MaxTokens: 512,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Summarizer{provider: p, opts: opts}
}

// Summarize implements core.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, messages []core.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, m := range messages {
		who := string(m.Role)
		if m.OriginAgent != "" {
			who += " (" + m.OriginAgent + ")"
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", m.Seq, who, strings.TrimSpace(m.Content))
	}

	transcript := core.NewMessage(core.RoleUser, b.String())
	resp, err := s.provider.Generate(ctx, core.ContextWindow{
		SystemPrompt: s.opts.Prompt,
		Messages:     []core.Message{transcript},
		Budget:       s.opts.MaxTokens,
	}, core.GenerateOptions{Model: s.opts.Model, MaxTokens: s.opts.MaxTokens})
	if err != nil {
		return "", fmt.Errorf("summarize %d messages: %w", len(messages), err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", errors.New("summarizer returned no text")
	}
	return text, nil
}
