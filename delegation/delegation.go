// Package delegation implements the sub-agent delegation protocol: a caller
// hands a task to a callee together with an explicitly filtered slice of its
// context, the callee runs a normal agent turn against a scratch transcript,
// and only the task and the final answer are folded back into the caller's
// transcript.
package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/logging"
	"github.com/hupe1980/agentcoord/memory"
	"github.com/hupe1980/agentcoord/telemetry"
	"github.com/hupe1980/agentcoord/transcript"
)

// AgentLookup resolves agent descriptors by name.
type AgentLookup interface {
	Get(name string) (core.AgentDescriptor, error)
}

// PermissionEvaluator resolves permission requests.
type PermissionEvaluator interface {
	Evaluate(ctx context.Context, req core.PermissionRequest) (core.PermissionDecision, error)
}

// WorkspaceSource provides the workspace summary shared on request.
type WorkspaceSource interface {
	Summary(ctx context.Context, sessionID string) (string, error)
}

// Options configure a Delegator.
type Options struct {
	Agents      AgentLookup
	Permissions PermissionEvaluator
	Runner      core.TurnRunner
	Workspace   WorkspaceSource
	// Summaries provides the caller's running summary.
	Summaries *memory.SummaryCache
	// MaxParallel bounds DelegateAll.
	MaxParallel int
	Logger      logging.Logger
	Metrics     *telemetry.Metrics
	Tracer      *telemetry.Tracer
}

// Delegator runs delegations. It is safe for concurrent use.
type Delegator struct {
	opts Options
}

// New creates a Delegator. Agents, Permissions and Runner are required.
func New(optFns ...func(o *Options)) *Delegator {
	opts := Options{
		MaxParallel: 4,
		Logger:      logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}

	return &Delegator{opts: opts}
}

// Request is one delegation.
type Request struct {
	Caller core.AgentDescriptor
	// CallerMode is the caller's effective permission mode. The callee
	// inherits it when its own mode is Inherit.
	CallerMode core.PermissionMode
	// Transcript is the caller's transcript. The seed is read from it and
	// the task and result are appended to it.
	Transcript       core.Transcript
	SessionID        string
	UnitID           string
	ProjectID        string
	Callee           string
	Task             string
	Filter           core.ContextFilter
	MaxContextTokens int
	// ToolCallID is set when the delegation answers a model tool call. The
	// result is then appended as the tool message for that call.
	ToolCallID string
	Events     core.EventSink
}

// Result is a successful delegation.
type Result struct {
	Output     string
	TokensUsed core.TokenUsage
	Call       core.SubAgentCall
	// Appended are the messages folded into the caller transcript.
	Appended []core.Message
}

// Delegate runs req. Lookup, capability and permission failures are
// returned before any context is assembled, so a rejected delegation costs
// no tokens and leaves the caller transcript untouched.
func (d *Delegator) Delegate(ctx context.Context, req Request) (Result, error) {
	call := core.SubAgentCall{
		Caller:           req.Caller.Name,
		Callee:           req.Callee,
		Task:             req.Task,
		Filter:           req.Filter,
		MaxContextTokens: req.MaxContextTokens,
		Status:           core.CallPending,
	}

	callee, err := d.authorize(ctx, req)
	if err != nil {
		call.Fail(err)
		d.opts.Metrics.RecordDelegation(req.Callee, string(core.KindOf(err)))
		return Result{Call: call}, err
	}

	ctx, span := d.opts.Tracer.TraceDelegation(ctx, req.Caller.Name, callee.Name)
	start := time.Now()
	res, err := d.run(ctx, req, callee, call)
	telemetry.End(span, err)

	outcome := "ok"
	if err != nil {
		outcome = string(core.KindOf(err))
	}
	d.opts.Metrics.RecordDelegation(callee.Name, outcome)
	if sl, ok := d.opts.Logger.(*logging.StructuredLogger); ok {
		sl.LogDelegation(req.Caller.Name, callee.Name, res.TokensUsed.Total(), time.Since(start), err)
	} else {
		d.opts.Logger.Debug("delegation.done", "caller", req.Caller.Name, "callee", callee.Name, "outcome", outcome)
	}
	return res, err
}

func (d *Delegator) authorize(ctx context.Context, req Request) (core.AgentDescriptor, error) {
	const op = "delegation.delegate"

	callee, err := d.opts.Agents.Get(req.Callee)
	if err != nil {
		return core.AgentDescriptor{}, &core.DelegationError{Caller: req.Caller.Name, Callee: req.Callee, Err: core.Wrap(core.ErrAgentNotFound, op, err)}
	}

	if !req.Caller.Capabilities.AllowsSubAgent(callee.Name) {
		return core.AgentDescriptor{}, &core.DelegationError{
			Caller: req.Caller.Name,
			Callee: callee.Name,
			Err:    core.Wrap(core.ErrCapabilityDenied, op, fmt.Errorf("%s may not delegate to %s", req.Caller.Name, callee.Name)),
		}
	}

	decision, err := d.opts.Permissions.Evaluate(ctx, core.PermissionRequest{
		Actor:     req.Caller.Name,
		ActorMode: req.CallerMode,
		Kind:      core.ActionSubAgentDelegate,
		Target:    callee.Name,
		ProjectID: req.ProjectID,
		SessionID: req.SessionID,
		UnitID:    req.UnitID,
	})
	if err != nil {
		return core.AgentDescriptor{}, &core.DelegationError{Caller: req.Caller.Name, Callee: callee.Name, Err: err}
	}
	if !decision.Allowed() {
		return core.AgentDescriptor{}, &core.DelegationError{
			Caller: req.Caller.Name,
			Callee: callee.Name,
			Err:    core.Wrap(core.ErrPermissionDenied, op, fmt.Errorf("resolved from %s: %s", decision.ResolvedFrom, decision.Reason)),
		}
	}

	return callee, nil
}

func (d *Delegator) run(ctx context.Context, req Request, callee core.AgentDescriptor, call core.SubAgentCall) (Result, error) {
	var state core.StateAccessor
	if req.Transcript != nil {
		state = req.Transcript.State()
	}
	// The scratch transcript keys its own summaries so the callee's window
	// never lands in the caller's running summary.
	scratchID := req.SessionID + "/delegation/" + core.NewID()
	scratch := transcript.NewScratch(scratchID, state)
	if d.opts.Summaries != nil {
		defer d.opts.Summaries.Drop(scratchID)
	}

	seed, err := d.Seed(ctx, req)
	if err != nil {
		call.Fail(err)
		return Result{Call: call}, &core.DelegationError{Caller: req.Caller.Name, Callee: callee.Name, Err: err}
	}
	for _, m := range seed {
		if _, err := scratch.Append(ctx, m); err != nil {
			call.Fail(err)
			return Result{Call: call}, &core.DelegationError{Caller: req.Caller.Name, Callee: callee.Name, Err: err}
		}
	}

	task := core.NewMessage(core.RoleUser, req.Task)
	task.OriginAgent = callee.Name
	task = task.WithMeta(core.MetaDelegation, core.DelegationTask)

	out, err := d.opts.Runner.RunTurn(ctx, core.TurnRequest{
		SessionID:    req.SessionID,
		UnitID:       req.UnitID,
		ParentUnitID: req.UnitID,
		ProjectID:    req.ProjectID,
		Agent:        callee.Name,
		Input:        req.Task,
		Transcript:   scratch,
		ParentMode:   req.CallerMode,
		Budget:       Budget(req.MaxContextTokens, callee.ContextWindowBudget),
		Events:       req.Events,
	})
	if err != nil {
		call.Fail(err)
		return Result{Call: call}, &core.DelegationError{Caller: req.Caller.Name, Callee: callee.Name, Err: err}
	}
	call.Succeed(out.Output, out.Usage)

	var result core.Message
	if req.ToolCallID != "" {
		result = core.NewMessage(core.RoleTool, out.Output)
		result.ToolCallID = req.ToolCallID
	} else {
		result = core.NewMessage(core.RoleAssistant, out.Output)
	}
	result.OriginAgent = callee.Name
	result = result.WithMeta(core.MetaDelegation, core.DelegationResult)

	res := Result{Output: out.Output, TokensUsed: out.Usage, Call: call}
	if req.Transcript == nil {
		return res, nil
	}
	for _, m := range []core.Message{task, result} {
		stored, err := req.Transcript.Append(ctx, m)
		if err != nil {
			return res, &core.DelegationError{Caller: req.Caller.Name, Callee: callee.Name, Err: err}
		}
		res.Appended = append(res.Appended, stored)
	}
	return res, nil
}

// Budget is the callee's context budget: the smaller of the requested
// maximum and the callee's own budget. A non-positive request means the
// callee's budget.
func Budget(requested, callee int) int {
	if requested <= 0 || requested > callee {
		return callee
	}
	return requested
}

// Seed assembles the callee's starting context from req.Filter. Shared
// state, workspace and summary context comes first as system messages,
// followed by the selected caller messages in sequence order.
func (d *Delegator) Seed(ctx context.Context, req Request) ([]core.Message, error) {
	f := req.Filter
	var seed []core.Message

	if f.IncludeRunningSummary && d.opts.Summaries != nil {
		if entry, ok := d.opts.Summaries.Latest(req.SessionID); ok {
			m := core.NewMessage(core.RoleSystem, "Conversation summary so far:\n"+entry.Text)
			seed = append(seed, m.WithMeta(core.MetaSeedSource, "running_summary"))
		}
	}

	if f.IncludeWorkspaceSummary && d.opts.Workspace != nil {
		text, err := d.opts.Workspace.Summary(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load workspace summary: %w", err)
		}
		if strings.TrimSpace(text) != "" {
			m := core.NewMessage(core.RoleSystem, "Workspace summary:\n"+text)
			seed = append(seed, m.WithMeta(core.MetaSeedSource, "workspace"))
		}
	}

	if len(f.ContextKeys) > 0 && req.Transcript != nil && req.Transcript.State() != nil {
		state := req.Transcript.State()
		for _, key := range f.ContextKeys {
			v, ok := state.Get(key)
			if !ok {
				continue
			}
			m := core.NewMessage(core.RoleSystem, fmt.Sprintf("Context %s: %s", key, render(v)))
			seed = append(seed, m.WithMeta(core.MetaContextKey, key))
		}
	}

	if (f.LastN > 0 || len(f.MessageIDs) > 0) && req.Transcript != nil {
		history, err := req.Transcript.Messages(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read caller history: %w", err)
		}
		seed = append(seed, selectMessages(history, f)...)
	}

	return seed, nil
}

// selectMessages returns the union of the last N messages and the
// explicitly named ones, in sequence order.
func selectMessages(history []core.Message, f core.ContextFilter) []core.Message {
	chosen := make(map[int]bool)
	if f.LastN > 0 {
		from := len(history) - f.LastN
		if from < 0 {
			from = 0
		}
		for i := from; i < len(history); i++ {
			chosen[i] = true
		}
	}
	if len(f.MessageIDs) > 0 {
		ids := core.NewSet(f.MessageIDs...)
		for i, m := range history {
			if ids.Has(m.ID) {
				chosen[i] = true
			}
		}
	}

	idx := make([]int, 0, len(chosen))
	for i := range chosen {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]core.Message, 0, len(idx))
	for _, i := range idx {
		m := history[i].Clone()
		m.Seq = 0
		out = append(out, m.WithMeta(core.MetaSeedSource, "caller"))
	}
	return out
}

func render(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// DelegateAll runs reqs concurrently, bounded by MaxParallel. Each
// delegation writes into its own buffer; the buffers are folded into their
// caller transcripts in request order once all delegations finished, so the
// resulting history does not depend on completion order. Results and errors
// are index aligned with reqs.
func (d *Delegator) DelegateAll(ctx context.Context, reqs []Request) ([]Result, []error) {
	results := make([]Result, len(reqs))
	errs := make([]error, len(reqs))
	buffers := make([]*transcript.Buffer, len(reqs))

	sem := make(chan struct{}, d.opts.MaxParallel)
	var wg sync.WaitGroup

	for i := range reqs {
		r := reqs[i]
		if r.Transcript != nil {
			buffers[i] = transcript.NewBuffer(r.Transcript)
			r.Transcript = buffers[i]
		}

		wg.Add(1)
		go func(i int, r Request) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				errs[i] = context.Cause(ctx)
				return
			}
			results[i], errs[i] = d.Delegate(ctx, r)
		}(i, r)
	}
	wg.Wait()

	for i, buf := range buffers {
		if buf == nil || errs[i] != nil {
			continue
		}
		appended, err := buf.Flush(ctx)
		results[i].Appended = appended
		if err != nil {
			errs[i] = &core.DelegationError{Caller: reqs[i].Caller.Name, Callee: reqs[i].Callee, Err: err}
		}
	}
	return results, errs
}
