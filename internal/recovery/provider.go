// Package recovery implements the failure ladder applied to every provider
// and tool call: retry transient errors with backoff, fall back through the
// configured alternatives, degrade, and only then fail.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/internal/backoff"
	"github.com/hupe1980/agentcoord/logging"
	"github.com/hupe1980/agentcoord/telemetry"
)

// Degradation configures the last rung before a provider call fails.
type Degradation struct {
	Enabled bool
	// BudgetFactor shrinks the context budget, e.g. 0.5 halves it.
	BudgetFactor float64
}

// Options configure a Ladder.
type Options struct {
	Retry           backoff.Policy
	ProviderTimeout time.Duration
	ToolTimeout     time.Duration
	Degradation     Degradation
	Logger          logging.Logger
	Metrics         *telemetry.Metrics
	Tracer          *telemetry.Tracer
}

// Ladder applies retry, fallback and degradation. It is stateless apart from
// its configuration and safe for concurrent use.
type Ladder struct {
	opts Options
}

// New creates a Ladder.
func New(optFns ...func(o *Options)) *Ladder {
	opts := Options{
		Retry:           backoff.DefaultPolicy(),
		ProviderTimeout: 2 * time.Minute,
		ToolTimeout:     time.Minute,
		Degradation:     Degradation{Enabled: true, BudgetFactor: 0.5},
		Logger:          logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Ladder{opts: opts}
}

// WindowBuilder builds the context window for a given token budget.
type WindowBuilder func(ctx context.Context, budget int) (core.ContextWindow, error)

// Call describes one logical model call.
type Call struct {
	// Providers is the chain: the agent's provider first, then its fallbacks.
	Providers []core.Provider
	// Model applies to the first provider. Fallbacks use their default model.
	Model string
	// SmallModel replaces Model when degraded.
	SmallModel string
	Stream     bool
	Budget     int
	Window     WindowBuilder
	Tools      []core.ToolDefinition
	MaxTokens  int
	// OnChunk receives streamed deltas. A retried stream may re-deliver text.
	OnChunk func(delta string)
}

// Outcome is a successful model call.
type Outcome struct {
	Response  core.Response
	Provider  string
	Window    core.ContextWindow
	Attempts  int
	Fallbacks int
	Degraded  bool
}

// Generate runs call through the ladder.
func (l *Ladder) Generate(ctx context.Context, call Call) (Outcome, error) {
	if len(call.Providers) == 0 {
		return Outcome{}, core.Errorf(core.KindConfiguration, "recovery.generate", "no provider configured")
	}

	window, err := call.Window(ctx, call.Budget)
	if err != nil {
		return Outcome{}, err
	}

	out, err := l.chain(ctx, call, window, call.Model, call.Stream)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil || !core.IsFallbackEligible(err) || !l.opts.Degradation.Enabled {
		return out, err
	}

	budget := int(float64(call.Budget) * l.opts.Degradation.BudgetFactor)
	if budget < 1 {
		return out, err
	}
	degraded, werr := call.Window(ctx, budget)
	if werr != nil {
		l.opts.Logger.Warn("recovery.degrade.window_failed", "budget", budget, "error", werr.Error())
		return out, err
	}

	model := call.Model
	if call.SmallModel != "" {
		model = call.SmallModel
	}
	l.opts.Metrics.RecordDegradation()
	l.opts.Logger.Warn("recovery.degrade", "budget", budget, "model", model, "cause", err.Error())

	prev := out
	out, err = l.chain(ctx, call, degraded, model, false)
	out.Degraded = true
	out.Attempts += prev.Attempts
	out.Fallbacks += prev.Fallbacks
	if err != nil {
		return out, fmt.Errorf("degraded call failed: %w", err)
	}
	return out, nil
}

// chain tries each provider in order, retrying transient failures on each.
func (l *Ladder) chain(ctx context.Context, call Call, window core.ContextWindow, model string, stream bool) (Outcome, error) {
	out := Outcome{Window: window}
	var lastErr error

	for i, p := range call.Providers {
		if i > 0 {
			out.Fallbacks++
			l.opts.Metrics.RecordFallback(call.Providers[i-1].Name(), p.Name())
			l.opts.Logger.Info("recovery.fallback", "from", call.Providers[i-1].Name(), "to", p.Name(), "cause", lastErr.Error())
			// Model names are provider specific.
			model = ""
		}

		opts := core.GenerateOptions{Model: model, Tools: call.Tools, MaxTokens: call.MaxTokens}
		resp, attempts, err := backoff.Retry(ctx, l.opts.Retry, func(ctx context.Context, attempt int) (core.Response, error) {
			return l.attempt(ctx, p, window, opts, stream, attempt, call.OnChunk)
		}, func(o *backoff.RetryOptions) {
			o.Retryable = func(err error) bool { return ctx.Err() == nil && core.IsTransient(err) }
			o.OnRetry = func(attempt int, err error, delay time.Duration) {
				l.opts.Metrics.RecordRetry(p.Name())
				l.opts.Logger.Debug("recovery.retry", "provider", p.Name(), "attempt", attempt, "delay", delay, "error", err.Error())
			}
		})
		out.Attempts += attempts

		if err == nil {
			out.Response = resp
			out.Provider = p.Name()
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

// attempt performs a single provider call under the per-attempt timeout.
func (l *Ladder) attempt(ctx context.Context, p core.Provider, window core.ContextWindow, opts core.GenerateOptions, stream bool, attempt int, onChunk func(string)) (resp core.Response, err error) {
	if l.opts.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.ProviderTimeout)
		defer cancel()
	}

	ctx, span := l.opts.Tracer.TraceProviderCall(ctx, p.Name(), opts.Model, attempt)
	start := time.Now()
	defer func() {
		telemetry.End(span, err)
		outcome := "ok"
		if err != nil {
			outcome = string(core.KindOf(err))
		}
		l.opts.Metrics.RecordProviderCall(p.Name(), outcome)
		l.opts.Logger.Debug("recovery.provider_call", "provider", p.Name(), "model", opts.Model, "attempt", attempt, "duration", time.Since(start), "outcome", outcome)
	}()

	if !stream {
		resp, err = p.Generate(ctx, window, opts)
		return resp, timeoutAsTransient(ctx, err)
	}

	ch, err := p.StreamGenerate(ctx, window, opts)
	if err != nil {
		return core.Response{}, timeoutAsTransient(ctx, err)
	}

	var text strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return core.Response{}, timeoutAsTransient(ctx, chunk.Err)
		}
		if chunk.Delta != "" {
			text.WriteString(chunk.Delta)
			if onChunk != nil {
				onChunk(chunk.Delta)
			}
		}
		if chunk.Final != nil {
			resp = *chunk.Final
			if resp.Text == "" {
				resp.Text = text.String()
			}
			return resp, nil
		}
	}

	if cerr := ctx.Err(); cerr != nil {
		return core.Response{}, timeoutAsTransient(ctx, cerr)
	}
	return core.Response{}, &core.ProviderError{Provider: p.Name(), Class: core.ClassTransientNetwork, Err: errors.New("stream ended without a final response")}
}

// timeoutAsTransient classifies an expired per-attempt deadline as Transient
// even when the provider reported it in its own error type.
func timeoutAsTransient(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.NewError(core.KindTransient, "provider.call", "provider call timed out", err)
	}
	return err
}
