package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/delegation"
	"github.com/hupe1980/agentcoord/logging"
	"github.com/hupe1980/agentcoord/tool"
	"github.com/hupe1980/agentcoord/transcript"
)

// runTools executes the tool calls of one model reply with bounded
// parallelism. Every call writes into its own buffer and the buffers are
// folded into the transcript in call order, so the history does not depend
// on completion order. Only cancellation aborts the batch; any other failure
// becomes the error result of its call.
func (e *Executor) runTools(ctx context.Context, t *turn, calls []core.ToolCall) error {
	n := len(calls)
	buffers := make([]*transcript.Buffer, n)
	errs := make([]error, n)

	maxPar := e.opts.MaxParallelTools
	if maxPar > n {
		maxPar = n
	}
	sem := make(chan struct{}, maxPar)
	var wg sync.WaitGroup

	batchStart := time.Now()
	for i := range calls {
		buffers[i] = transcript.NewBuffer(t.req.Transcript)

		wg.Add(1)
		go func(idx int, tc core.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				errs[idx] = context.Cause(ctx)
				return
			}
			errs[idx] = e.callTool(ctx, t, tc, buffers[idx])
		}(i, calls[i])
	}
	wg.Wait()

	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	for i, err := range errs {
		if err != nil {
			return err
		}
		if _, err := buffers[i].Flush(ctx); err != nil {
			return err
		}
	}

	t.logger.Debug("agent.tools.batch.complete", "count", n, "parallelism", maxPar, "duration_ms", time.Since(batchStart).Milliseconds())
	return nil
}

// callTool runs one tool call and appends its result message to tr. The
// returned error is non-nil only when the unit must stop.
func (e *Executor) callTool(ctx context.Context, t *turn, tc core.ToolCall, tr core.Transcript) error {
	start := time.Now()
	output, err := e.dispatch(ctx, t, tc, tr)
	if sl, ok := t.logger.(*logging.StructuredLogger); ok {
		sl.LogToolCall(tc.Name, time.Since(start), err)
	}

	if err != nil {
		if ctx.Err() != nil || core.KindOf(err) == core.KindCancelled {
			return err
		}

		info := core.Describe(err)
		t.logger.Info("agent.tool.failed", "tool", tc.Name, "tool_call_id", tc.ID, "kind", string(info.Kind))
		ev := t.event(core.EventError)
		ev.Error = &info
		ev.Tool = tc.Name
		ev.ToolCallID = tc.ID
		t.events.Emit(ev)

		msg := core.NewMessage(core.RoleTool, fmt.Sprintf("error (%s): %s", info.Kind, info.Summary))
		msg.ToolCallID = tc.ID
		msg.OriginAgent = t.desc.Name
		msg = msg.WithMeta(core.MetaFailureKind, string(info.Kind))
		_, err = tr.Append(ctx, msg)
		return err
	}

	if output == nil {
		return nil
	}
	msg := core.NewMessage(core.RoleTool, *output)
	msg.ToolCallID = tc.ID
	msg.OriginAgent = t.desc.Name
	_, err = tr.Append(ctx, msg)
	return err
}

// dispatch routes tc. A nil output with a nil error means the result was
// already appended to tr, which is what delegations do.
func (e *Executor) dispatch(ctx context.Context, t *turn, tc core.ToolCall, tr core.Transcript) (*string, error) {
	const op = "agent.tool_call"

	args, err := parseArguments(tc)
	if err != nil {
		return nil, err
	}

	if tc.Name == tool.DelegateToolName && len(t.desc.Capabilities.SubAgents) > 0 {
		return nil, e.delegate(ctx, t, tc, args, tr)
	}

	if !t.desc.Capabilities.AllowsTool(tc.Name) {
		return nil, core.Wrap(core.ErrCapabilityDenied, op, fmt.Errorf("%s may not call tool %s", t.desc.Name, tc.Name))
	}
	impl, ok := e.opts.Tools.Get(tc.Name)
	if !ok {
		return nil, core.Errorf(core.KindConfiguration, op, "unknown tool %q", tc.Name)
	}

	decision, err := e.opts.Permissions.Evaluate(ctx, core.PermissionRequest{
		Actor:     t.desc.Name,
		ActorMode: t.mode,
		Kind:      impl.Action(),
		Target:    core.PermissionTarget(impl, args),
		Mutating:  impl.Mutating(),
		ProjectID: t.req.ProjectID,
		SessionID: t.req.SessionID,
		UnitID:    t.req.UnitID,
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed() {
		sentinel := core.ErrPermissionDenied
		if decision.ResolvedFrom == core.ScopeCapability {
			sentinel = core.ErrCapabilityDenied
		}
		return nil, core.Wrap(sentinel, op, fmt.Errorf("resolved from %s: %s", decision.ResolvedFrom, decision.Reason))
	}

	ec := core.ExecutionContext{
		SessionID:      t.req.SessionID,
		UnitID:         t.req.UnitID,
		Agent:          t.desc.Name,
		ToolCallID:     tc.ID,
		PermissionMode: t.mode,
		State:          tr.State(),
		Output: func(chunk string) {
			ev := t.event(core.EventToolOutput)
			ev.Tool = tc.Name
			ev.ToolCallID = tc.ID
			ev.Text = chunk
			t.events.Emit(ev)
		},
	}
	out, err := e.opts.Ladder.Execute(ctx, e.opts.Tools.Chain(tc.Name), args, ec)
	if err != nil {
		return nil, err
	}

	ev := t.event(core.EventToolOutput)
	ev.Tool = out.Tool
	ev.ToolCallID = tc.ID
	ev.Text = out.Result.Output
	t.events.Emit(ev)

	return &out.Result.Output, nil
}

func (e *Executor) delegate(ctx context.Context, t *turn, tc core.ToolCall, args map[string]any, tr core.Transcript) error {
	da, err := tool.ParseDelegateArgs(args)
	if err != nil {
		return err
	}

	res, err := e.delegator.Delegate(ctx, delegation.Request{
		Caller:     t.desc,
		CallerMode: t.mode,
		Transcript: tr,
		SessionID:  t.req.SessionID,
		UnitID:     t.req.UnitID,
		ProjectID:  t.req.ProjectID,
		Callee:     da.Agent,
		Task:       da.Task,
		Filter: core.ContextFilter{
			LastN:                   da.LastN,
			ContextKeys:             da.ContextKeys,
			MessageIDs:              da.MessageIDs,
			IncludeWorkspaceSummary: da.IncludeWorkspaceSummary,
			IncludeRunningSummary:   da.IncludeRunningSummary,
		},
		MaxContextTokens: da.MaxContextTokens,
		ToolCallID:       tc.ID,
		Events:           t.events,
	})
	t.meter.Record(res.TokensUsed)
	return err
}
