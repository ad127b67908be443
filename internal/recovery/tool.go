package recovery

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/internal/backoff"
	"github.com/hupe1980/agentcoord/telemetry"
)

// ToolOutcome is a successful tool execution.
type ToolOutcome struct {
	Result   core.ToolResult
	Tool     string
	Attempts int
	// FellBack is true when a fallback tool produced the result.
	FellBack bool
}

// Execute runs the first tool of chain with retry, then each fallback in
// order. Panics inside a tool are recovered and reported as Internal errors.
func (l *Ladder) Execute(ctx context.Context, chain []core.Tool, args map[string]any, ec core.ExecutionContext) (ToolOutcome, error) {
	if len(chain) == 0 {
		return ToolOutcome{}, core.Errorf(core.KindConfiguration, "recovery.execute", "no tool to execute")
	}

	var (
		out     ToolOutcome
		lastErr error
	)
	for i, t := range chain {
		if i > 0 {
			out.FellBack = true
			l.opts.Logger.Info("recovery.tool_fallback", "from", chain[i-1].Name(), "to", t.Name(), "cause", lastErr.Error())
		}

		res, attempts, err := backoff.Retry(ctx, l.opts.Retry, func(ctx context.Context, _ int) (core.ToolResult, error) {
			return l.runTool(ctx, t, args, ec)
		}, func(o *backoff.RetryOptions) {
			o.Retryable = func(err error) bool { return ctx.Err() == nil && core.IsTransient(err) }
		})
		out.Attempts += attempts

		if err == nil {
			out.Result = res
			out.Tool = t.Name()
			return out, nil
		}
		if ctx.Err() != nil {
			return out, context.Cause(ctx)
		}
		lastErr = err
		if !core.IsFallbackEligible(err) {
			return out, err
		}
	}

	return out, lastErr
}

func (l *Ladder) runTool(ctx context.Context, t core.Tool, args map[string]any, ec core.ExecutionContext) (res core.ToolResult, err error) {
	if l.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.ToolTimeout)
		defer cancel()
	}

	ctx, span := l.opts.Tracer.TraceToolCall(ctx, t.Name(), ec.Agent)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = core.NewError(core.KindInternal, "tool."+t.Name(), "tool crashed", fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
		err = timeoutAsTransient(ctx, err)
		telemetry.End(span, err)
		outcome := "ok"
		if err != nil {
			outcome = string(core.KindOf(err))
		}
		l.opts.Metrics.RecordToolCall(t.Name(), outcome)
		l.opts.Logger.Debug("recovery.tool_call", "tool", t.Name(), "duration", time.Since(start), "outcome", outcome)
	}()

	return t.Execute(ctx, args, ec)
}
