package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/delegation"
	"github.com/hupe1980/agentcoord/internal/recovery"
	"github.com/hupe1980/agentcoord/logging"
	"github.com/hupe1980/agentcoord/permission"
	"github.com/hupe1980/agentcoord/provider"
	"github.com/hupe1980/agentcoord/telemetry"
	"github.com/hupe1980/agentcoord/tool"
	"github.com/hupe1980/agentcoord/transcript"
	"github.com/hupe1980/agentcoord/window"
)

// ExecutorOptions configure an Executor.
type ExecutorOptions struct {
	Registry    *Registry
	Providers   *provider.Registry
	Tools       *tool.Registry
	Skills      Skills
	Windows     *window.Manager
	Permissions *permission.Engine
	Ladder      *recovery.Ladder
	// Workspace backs the IncludeWorkspaceSummary delegation filter.
	Workspace delegation.WorkspaceSource
	// Events receives the events of turns that bring no sink of their own.
	Events core.EventSink
	// MaxParallelTools bounds concurrent tool calls of one model reply.
	MaxParallelTools int
	// MaxTokens caps the completion of each model call. Zero leaves it to
	// the provider.
	MaxTokens int
	Logger    logging.Logger
	Metrics   *telemetry.Metrics
	Tracer    *telemetry.Tracer
}

// Executor runs normal agent turns: render the prompt, build the window,
// call the model through the recovery ladder and dispatch the tool calls it
// asks for until the model answers without any. It is safe for concurrent
// use and also serves as the runner of delegated callees.
type Executor struct {
	opts      ExecutorOptions
	delegator *delegation.Delegator
}

var _ core.TurnRunner = (*Executor)(nil)

// NewExecutor creates an Executor. Registry and Providers are required.
func NewExecutor(optFns ...func(o *ExecutorOptions)) (*Executor, error) {
	opts := ExecutorOptions{
		MaxParallelTools: 4,
		Events:           core.Discard,
		Logger:           logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Registry == nil || opts.Providers == nil {
		return nil, core.Errorf(core.KindConfiguration, "agent.executor", "agent registry and provider registry are required")
	}
	if opts.Tools == nil {
		opts.Tools, _ = tool.NewRegistry()
	}
	if opts.Windows == nil {
		opts.Windows = window.New(func(o *window.Options) {
			o.Logger = opts.Logger
			o.Metrics = opts.Metrics
		})
	}
	if opts.Permissions == nil {
		opts.Permissions = permission.New(func(o *permission.Options) {
			o.Events = opts.Events
			o.Logger = opts.Logger
			o.Metrics = opts.Metrics
		})
	}
	if opts.Ladder == nil {
		opts.Ladder = recovery.New(func(o *recovery.Options) {
			o.Logger = opts.Logger
			o.Metrics = opts.Metrics
			o.Tracer = opts.Tracer
		})
	}
	if opts.Events == nil {
		opts.Events = core.Discard
	}
	if opts.MaxParallelTools < 1 {
		opts.MaxParallelTools = 1
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	e := &Executor{opts: opts}
	e.delegator = delegation.New(func(o *delegation.Options) {
		o.Agents = opts.Registry
		o.Permissions = opts.Permissions
		o.Runner = e
		o.Workspace = opts.Workspace
		o.Summaries = opts.Windows.Cache()
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.Tracer = opts.Tracer
	})

	return e, nil
}

// Registry returns the agent registry.
func (e *Executor) Registry() *Registry { return e.opts.Registry }

// Delegator returns the delegator that routes delegate_to_agent calls.
func (e *Executor) Delegator() *delegation.Delegator { return e.delegator }

// turn is the per-RunTurn state shared by the model loop and tool calls.
type turn struct {
	req       core.TurnRequest
	desc      core.AgentDescriptor
	mode      core.PermissionMode
	events    core.EventSink
	meter     *core.UsageMeter
	providers []core.Provider
	tools     []core.ToolDefinition
	budget    int
	task      string
	logger    logging.Logger
}

func (t *turn) event(kind core.EventKind) core.Event {
	ev := core.NewEvent(kind, t.req.SessionID, t.req.UnitID)
	ev.ParentUnitID = t.req.ParentUnitID
	ev.Agent = t.desc.Name
	return ev
}

// RunTurn implements core.TurnRunner.
func (e *Executor) RunTurn(ctx context.Context, req core.TurnRequest) (core.TurnResult, error) {
	const op = "agent.run_turn"

	desc, err := e.opts.Registry.Get(req.Agent)
	if err != nil {
		return core.TurnResult{}, err
	}
	if req.Transcript == nil {
		return core.TurnResult{}, core.Errorf(core.KindConfiguration, op, "turn for %s has no transcript", desc.Name)
	}
	providers, err := e.opts.Providers.Chain(desc.ProviderChain())
	if err != nil {
		return core.TurnResult{}, err
	}

	t := &turn{
		req:       req,
		desc:      desc,
		mode:      desc.PermissionMode.Resolve(req.ParentMode),
		events:    req.Events,
		meter:     core.NewUsageMeter(desc.MaxSteps),
		providers: providers,
		tools:     e.definitions(desc),
		budget:    desc.ContextWindowBudget,
		task:      req.Task,
		logger:    e.scopedLogger(req, desc),
	}
	if t.events == nil {
		t.events = e.opts.Events
	}
	if req.Budget > 0 {
		t.budget = req.Budget
	}
	if t.task == "" {
		t.task = req.Input
	}

	if req.Input != "" {
		if _, err := req.Transcript.Append(ctx, core.NewMessage(core.RoleUser, req.Input)); err != nil {
			return core.TurnResult{}, err
		}
	}

	t.logger.Debug("agent.turn.start", "mode", string(t.mode), "budget", t.budget, "tools", len(t.tools))

	result := core.TurnResult{Agent: desc.Name}
	for {
		if err := t.meter.BeginCall(); err != nil {
			return e.finish(t, result), err
		}

		reply, degraded, err := e.step(ctx, t)
		if err != nil {
			return e.finish(t, result), err
		}
		result.Degraded = result.Degraded || degraded

		if len(reply.ToolCalls) == 0 {
			result.Output = reply.Content
			result = e.finish(t, result)
			t.logger.Debug("agent.turn.done", "steps", result.Steps, "tokens", result.Usage.Total())
			return result, nil
		}

		if err := e.runTools(ctx, t, reply.ToolCalls); err != nil {
			return e.finish(t, result), err
		}
	}
}

func (e *Executor) finish(t *turn, result core.TurnResult) core.TurnResult {
	result.Usage = t.meter.Usage()
	result.Steps = t.meter.Calls()
	return result
}

func (e *Executor) scopedLogger(req core.TurnRequest, desc core.AgentDescriptor) logging.Logger {
	if sl, ok := e.opts.Logger.(*logging.StructuredLogger); ok {
		return sl.WithSession(req.SessionID).WithUnit(req.UnitID).WithAgent(desc.Name)
	}
	return e.opts.Logger
}

// step performs one model call and appends the reply.
func (e *Executor) step(ctx context.Context, t *turn) (core.Message, bool, error) {
	state, err := transcript.StateSnapshot(ctx, t.req.Transcript)
	if err != nil {
		return core.Message{}, false, err
	}
	prompt, err := RenderInstruction(t.desc, e.opts.Skills, state)
	if err != nil {
		return core.Message{}, false, err
	}

	start := time.Now()
	out, err := e.opts.Ladder.Generate(ctx, recovery.Call{
		Providers:  t.providers,
		Model:      t.desc.Model,
		SmallModel: t.desc.SmallModel,
		Stream:     t.desc.Stream,
		Budget:     t.budget,
		Tools:      t.tools,
		MaxTokens:  e.opts.MaxTokens,
		Window: func(ctx context.Context, budget int) (core.ContextWindow, error) {
			history, err := t.req.Transcript.Messages(ctx)
			if err != nil {
				return core.ContextWindow{}, err
			}
			return e.opts.Windows.Build(ctx, window.Input{
				SessionID:    t.req.Transcript.SessionID(),
				SystemPrompt: prompt,
				History:      history,
				Budget:       budget,
				Task:         t.task,
			})
		},
		OnChunk: func(delta string) {
			ev := t.event(core.EventModelChunk)
			ev.Text = delta
			t.events.Emit(ev)
		},
	})
	if sl, ok := t.logger.(*logging.StructuredLogger); ok {
		sl.LogProviderCall(out.Provider, out.Response.Model, out.Response.Usage.Total(), time.Since(start), err)
	}
	if err != nil {
		return core.Message{}, false, err
	}
	t.meter.Record(out.Response.Usage)

	reply := core.NewMessage(core.RoleAssistant, out.Response.Text)
	reply.OriginAgent = t.desc.Name
	reply.ToolCalls = out.Response.ToolCalls
	stored, err := t.req.Transcript.Append(ctx, reply)
	if err != nil {
		return core.Message{}, false, err
	}
	return stored, out.Degraded, nil
}

// definitions lists the tools exposed to desc: its capability tools known to
// the registry, plus the delegation tool when it has sub-agents.
func (e *Executor) definitions(desc core.AgentDescriptor) []core.ToolDefinition {
	var defs []core.ToolDefinition
	for _, name := range desc.Capabilities.Tools.Sorted() {
		if t, ok := e.opts.Tools.Get(name); ok {
			defs = append(defs, core.Definition(t))
		}
	}
	if len(desc.Capabilities.SubAgents) > 0 {
		defs = append(defs, core.Definition(tool.NewDelegateTool(desc.Capabilities.SubAgents.Sorted()...)))
	}
	return defs
}

func parseArguments(tc core.ToolCall) (map[string]any, error) {
	args := map[string]any{}
	if tc.Arguments == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
		return nil, core.NewError(core.KindConfiguration, "tool."+tc.Name, "tool arguments are not a JSON object", fmt.Errorf("failed to unmarshal args: %w", err))
	}
	return args, nil
}
