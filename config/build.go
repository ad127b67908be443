package config

import (
	"context"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/hupe1980/agentcoord/agent"
	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/provider"
	"github.com/hupe1980/agentcoord/provider/anthropic"
	"github.com/hupe1980/agentcoord/provider/openai"
	"github.com/hupe1980/agentcoord/session"
	"github.com/hupe1980/agentcoord/session/sqlite"
	"github.com/hupe1980/agentcoord/tool"
	"github.com/hupe1980/agentcoord/workspace"
)

// ProviderRegistry builds every configured provider.
func (f *File) ProviderRegistry() (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, p := range f.Providers {
		cp, err := newProvider(p)
		if err != nil {
			return nil, err
		}
		reg.Register(cp)
	}
	return reg, nil
}

func newProvider(p Provider) (core.Provider, error) {
	switch p.Type {
	case ProviderMock:
		steps := make([]provider.Step, 0, len(p.Responses))
		for _, text := range p.Responses {
			steps = append(steps, provider.Text(text))
		}
		return provider.NewMock(p.Name, steps...), nil
	case ProviderOpenAI:
		return openai.New(func(o *openai.Options) {
			o.Name = p.Name
			if p.Model != "" {
				o.Model = p.Model
			}
			if p.Temperature != nil {
				o.Temperature = *p.Temperature
			}
			if p.MaxTokens > 0 {
				o.MaxCompletionTokens = p.MaxTokens
			}
			if p.APIKey != "" {
				o.ClientOptions = append(o.ClientOptions, openaiopt.WithAPIKey(p.APIKey))
			}
			if p.BaseURL != "" {
				o.ClientOptions = append(o.ClientOptions, openaiopt.WithBaseURL(p.BaseURL))
			}
		}), nil
	case ProviderAnthropic:
		return anthropic.New(func(o *anthropic.Options) {
			o.Name = p.Name
			o.APIKey = p.APIKey
			if p.Model != "" {
				o.Model = p.Model
			}
			if p.Temperature != nil {
				o.Temperature = *p.Temperature
			}
			if p.MaxTokens > 0 {
				o.MaxTokens = p.MaxTokens
			}
			if p.BaseURL != "" {
				o.ClientOptions = append(o.ClientOptions, anthropicopt.WithBaseURL(p.BaseURL))
			}
		}), nil
	}
	return nil, core.Errorf(core.KindConfiguration, "config.provider", "provider %q: unknown type %q", p.Name, p.Type)
}

// SummarizerFor returns the configured summarizer, or nil when none is
// configured.
func (f *File) SummarizerFor(reg *provider.Registry) (core.Summarizer, error) {
	if f.Summarizer.Provider == "" {
		return nil, nil
	}
	p, err := reg.Get(f.Summarizer.Provider)
	if err != nil {
		return nil, err
	}
	return provider.NewSummarizer(p, func(o *provider.SummarizerOptions) {
		o.Model = f.Summarizer.Model
		if f.Summarizer.MaxTokens > 0 {
			o.MaxTokens = f.Summarizer.MaxTokens
		}
		if f.Summarizer.Prompt != "" {
			o.Prompt = f.Summarizer.Prompt
		}
	}), nil
}

// AgentRegistry builds the agent registry. Reference checks against
// providers, tools and skills happen when a coordinator is created.
func (f *File) AgentRegistry() (*agent.Registry, error) {
	descs := make([]core.AgentDescriptor, 0, len(f.Agents))
	for _, a := range f.Agents {
		descs = append(descs, a.Descriptor())
	}
	return agent.NewRegistry(descs...)
}

// SkillSet returns the configured skills.
func (f *File) SkillSet() agent.Skills {
	skills := make(agent.Skills, len(f.Skills))
	for id, text := range f.Skills {
		skills[id] = text
	}
	return skills
}

// WorkspaceStore returns the workspace store, or nil when disabled.
func (f *File) WorkspaceStore() *workspace.Store {
	if f.Workspace.Disabled {
		return nil
	}
	return workspace.New(func(o *workspace.Options) {
		if f.Workspace.PreviewChars > 0 {
			o.PreviewChars = f.Workspace.PreviewChars
		}
		o.MaxEntries = f.Workspace.MaxEntries
	})
}

// ToolRegistry registers the built-in tools: the session state tools and,
// with a workspace, the note tools. extra tools are added after them and
// the configured fallbacks are applied last.
func (f *File) ToolRegistry(ws *workspace.Store, extra ...core.Tool) (*tool.Registry, error) {
	tools := []core.Tool{tool.NewGetStateTool(), tool.NewSetStateTool()}
	if ws != nil {
		tools = append(tools, workspace.Tools(ws)...)
	}
	reg, err := tool.NewRegistry(append(tools, extra...)...)
	if err != nil {
		return nil, err
	}
	for name, fallback := range f.ToolFallbacks {
		if err := reg.SetFallback(name, fallback); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// OpenStore opens the configured session store. The returned close
// function releases it and is never nil.
func (f *File) OpenStore(ctx context.Context) (core.Storage, func() error, error) {
	if f.Storage.Driver != StorageSQLite {
		return session.NewInMemoryStore(), func() error { return nil }, nil
	}
	st, err := sqlite.New(ctx, func(o *sqlite.Options) {
		o.Path = f.Storage.Path
		if f.Storage.BusyTimeout > 0 {
			o.BusyTimeout = f.Storage.BusyTimeout
		}
	})
	if err != nil {
		return nil, nil, core.NewError(core.KindConfiguration, "config.storage", "failed to open sqlite store", err)
	}
	return st, st.Close, nil
}
