// Package agentcoord provides a high-level façade over the coordinator and
// its collaborators (storage, summaries, permissions, workspace and logging).
// Most applications interact with this package by:
//  1. Creating a Runtime via New() with agents and providers, or via
//     FromConfig() from a YAML file
//  2. Running turns or workflows synchronously (RunTurn, RunWorkflow), or
//     submitting them through Coordinator() and waiting on the handle
//  3. Answering permission asks from the OnEvent callback
//
// Unset collaborators default to in-memory implementations suitable for
// local development and tests.
package agentcoord

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/agentcoord/agent"
	"github.com/hupe1980/agentcoord/config"
	"github.com/hupe1980/agentcoord/coordinator"
	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/delegation"
	"github.com/hupe1980/agentcoord/logging"
	"github.com/hupe1980/agentcoord/provider"
	"github.com/hupe1980/agentcoord/session"
	"github.com/hupe1980/agentcoord/telemetry"
	"github.com/hupe1980/agentcoord/tool"
	"github.com/hupe1980/agentcoord/workspace"
)

// Options configures a Runtime.
type Options struct {
	Config coordinator.Config

	Agents    []core.AgentDescriptor
	Providers []core.Provider
	// Tools are registered next to the built-in state and note tools.
	Tools  []core.Tool
	Skills agent.Skills
	Policy coordinator.PolicyOptions

	// Store defaults to an in-memory store.
	Store core.Storage
	// Workspace defaults to an in-memory workspace store.
	Workspace  *workspace.Store
	Summarizer core.Summarizer

	// OnEvent receives every coordinator event in emission order. It runs
	// on a single goroutine and must not block for long; answering a
	// permission ask from it is fine. Nil discards events.
	OnEvent func(r *Runtime, ev core.Event)

	// Logger defaults to a NoOp logger.
	Logger  logging.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Runtime owns a coordinator and drains its event stream.
type Runtime struct {
	opts    Options
	coord   *coordinator.Coordinator
	drained chan struct{}
	closers []func() error
	once    sync.Once
	err     error
}

// New creates a Runtime. Agents and Providers are required.
func New(optFns ...func(o *Options)) (*Runtime, error) {
	opts := Options{
		Config: coordinator.DefaultConfig(),
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Store == nil {
		opts.Store = session.NewInMemoryStore()
	}
	if opts.Workspace == nil {
		opts.Workspace = workspace.New()
	}
	builtin := append([]core.Tool{tool.NewGetStateTool(), tool.NewSetStateTool()}, workspace.Tools(opts.Workspace)...)
	tools, err := tool.NewRegistry(append(builtin, opts.Tools...)...)
	if err != nil {
		return nil, err
	}
	return newRuntime(opts, tools)
}

// FromConfig builds a Runtime from a loaded configuration file. optFns run
// after the file is applied, so callers can add tools or an event handler.
func FromConfig(ctx context.Context, f *config.File, optFns ...func(o *Options)) (*Runtime, error) {
	providers, err := f.ProviderRegistry()
	if err != nil {
		return nil, err
	}
	summarizer, err := f.SummarizerFor(providers)
	if err != nil {
		return nil, err
	}

	opts := Options{
		Config:     f.Coordinator,
		Skills:     f.SkillSet(),
		Policy:     f.PolicyOptions(),
		Workspace:  f.WorkspaceStore(),
		Summarizer: summarizer,
		Logger:     logging.NoOpLogger{},
	}
	for _, a := range f.Agents {
		opts.Agents = append(opts.Agents, a.Descriptor())
	}
	for _, name := range providers.Names() {
		p, _ := providers.Get(name)
		opts.Providers = append(opts.Providers, p)
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	tools, err := f.ToolRegistry(opts.Workspace, opts.Tools...)
	if err != nil {
		return nil, err
	}

	var closers []func() error
	if opts.Store == nil {
		st, closeFn, err := f.OpenStore(ctx)
		if err != nil {
			return nil, err
		}
		opts.Store = st
		closers = append(closers, closeFn)
	}

	r, err := newRuntime(opts, tools)
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}
	r.closers = closers
	return r, nil
}

func newRuntime(opts Options, tools *tool.Registry) (*Runtime, error) {
	agents, err := agent.NewRegistry(opts.Agents...)
	if err != nil {
		return nil, err
	}

	var ws delegation.WorkspaceSource
	if opts.Workspace != nil {
		ws = opts.Workspace
	}

	coord, err := coordinator.New(func(o *coordinator.Options) {
		o.Config = opts.Config
		o.Agents = agents
		o.Providers = provider.NewRegistry(opts.Providers...)
		o.Tools = tools
		o.Skills = opts.Skills
		o.Store = opts.Store
		o.Policy = opts.Policy
		o.Summarizer = opts.Summarizer
		o.Workspace = ws
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.Tracer = opts.Tracer
	})
	if err != nil {
		return nil, err
	}

	r := &Runtime{opts: opts, coord: coord, drained: make(chan struct{})}
	go r.drain()
	return r, nil
}

func (r *Runtime) drain() {
	defer close(r.drained)
	for ev := range r.coord.Events() {
		if r.opts.OnEvent != nil {
			r.opts.OnEvent(r, ev)
		}
	}
}

// Coordinator exposes the underlying coordinator. Its event stream is
// already consumed by the Runtime; use Options.OnEvent instead.
func (r *Runtime) Coordinator() *coordinator.Coordinator { return r.coord }

// Workspace returns the workspace store, or nil when disabled.
func (r *Runtime) Workspace() *workspace.Store { return r.opts.Workspace }

// RunTurn runs one agent turn and waits for it. A failed or cancelled turn
// returns its result together with the unit error.
func (r *Runtime) RunTurn(ctx context.Context, sessionID, agentName, input string, optFns ...func(o *coordinator.SubmitOptions)) (coordinator.UnitResult, error) {
	h, err := r.coord.SubmitTurn(ctx, sessionID, agentName, input, optFns...)
	if err != nil {
		return coordinator.UnitResult{}, err
	}
	return r.wait(ctx, h)
}

// RunWorkflow runs wf and waits for it.
func (r *Runtime) RunWorkflow(ctx context.Context, sessionID string, wf coordinator.Workflow, optFns ...func(o *coordinator.SubmitOptions)) (coordinator.UnitResult, error) {
	h, err := r.coord.SubmitWorkflow(ctx, sessionID, wf, optFns...)
	if err != nil {
		return coordinator.UnitResult{}, err
	}
	return r.wait(ctx, h)
}

// wait cancels the unit when ctx ends first.
func (r *Runtime) wait(ctx context.Context, h coordinator.Handle) (coordinator.UnitResult, error) {
	res, err := r.coord.Wait(ctx, h)
	if err != nil {
		_ = r.coord.Cancel(h)
		return coordinator.UnitResult{Handle: h}, err
	}
	return res, res.Err
}

// AnswerPermissionAsk resolves an open permission ask.
func (r *Runtime) AnswerPermissionAsk(ctx context.Context, askID string, answer core.Answer) error {
	return r.coord.AnswerPermissionAsk(ctx, askID, answer)
}

// Close shuts the coordinator down, waits for the event handler to finish
// and releases a store opened from configuration. A store passed in Options
// stays open. Close is idempotent.
func (r *Runtime) Close() error {
	r.once.Do(func() {
		errs := []error{r.coord.Close()}
		<-r.drained
		for _, c := range r.closers {
			errs = append(errs, c())
		}
		r.err = errors.Join(errs...)
	})
	return r.err
}
