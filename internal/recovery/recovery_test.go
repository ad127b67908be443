package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/internal/backoff"
	"github.com/hupe1980/agentcoord/provider"
	"github.com/hupe1980/agentcoord/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastLadder(optFns ...func(o *Options)) *Ladder {
	return New(append([]func(o *Options){func(o *Options) {
		o.Retry = backoff.Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
	}}, optFns...)...)
}

type budgets struct {
	mu   sync.Mutex
	seen []int
}

func (b *budgets) builder() WindowBuilder {
	return func(_ context.Context, budget int) (core.ContextWindow, error) {
		b.mu.Lock()
		b.seen = append(b.seen, budget)
		b.mu.Unlock()
		return core.ContextWindow{
			Budget:   budget,
			Messages: []core.Message{core.NewMessage(core.RoleUser, "hello")},
		}, nil
	}
}

func providerErr(name string, class core.ProviderErrorClass) error {
	return &core.ProviderError{Provider: name, Class: class, Err: errors.New(string(class))}
}

func TestGenerate_RetriesTransientOnSameProvider(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	primary := provider.NewMock("a", provider.Fail(providerErr("a", core.ClassRateLimited)), provider.Text("ok"))
	b := &budgets{}

	out, err := fastLadder(func(o *Options) { o.Metrics = metrics }).Generate(context.Background(), Call{
		Providers: []core.Provider{primary},
		Model:     "big",
		Budget:    100,
		Window:    b.builder(),
	})
	require.NoError(t, err)

	assert.Equal(t, "ok", out.Response.Text)
	assert.Equal(t, "a", out.Provider)
	assert.Equal(t, 2, out.Attempts)
	assert.Zero(t, out.Fallbacks)
	assert.False(t, out.Degraded)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProviderRetries.WithLabelValues("a")))
}

func TestGenerate_RefusalSkipsRetryAndFallsBack(t *testing.T) {
	primary := provider.NewMock("a", provider.Fail(providerErr("a", core.ClassContentPolicy)))
	fallback := provider.NewMock("b", provider.Text("from b"))
	b := &budgets{}

	out, err := fastLadder().Generate(context.Background(), Call{
		Providers: []core.Provider{primary, fallback},
		Model:     "big",
		Budget:    100,
		Window:    b.builder(),
	})
	require.NoError(t, err)

	assert.Equal(t, "b", out.Provider)
	assert.Equal(t, 1, out.Fallbacks)
	assert.Equal(t, 1, primary.CallCount())
	assert.Equal(t, "big", primary.Calls()[0].Opts.Model)
	assert.Empty(t, fallback.Calls()[0].Opts.Model)
}

func TestGenerate_DegradesAfterChainExhausted(t *testing.T) {
	primary := provider.NewMock("a",
		provider.Fail(providerErr("a", core.ClassAuthentication)),
		provider.Text("small answer"),
	)
	b := &budgets{}

	out, err := fastLadder().Generate(context.Background(), Call{
		Providers:  []core.Provider{primary},
		Model:      "big",
		SmallModel: "small",
		Stream:     true,
		Budget:     100,
		Window:     b.builder(),
	})
	require.NoError(t, err)

	assert.True(t, out.Degraded)
	assert.Equal(t, "small answer", out.Response.Text)
	assert.Equal(t, []int{100, 50}, b.seen)
	assert.Equal(t, 50, out.Window.Budget)

	calls := primary.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].Stream)
	assert.False(t, calls[1].Stream, "degraded calls do not stream")
	assert.Equal(t, "small", calls[1].Opts.Model)
}

func TestGenerate_FailsWithLastKindWhenEverythingFails(t *testing.T) {
	failing := make([]provider.Step, 10)
	for i := range failing {
		failing[i] = provider.Fail(providerErr("a", core.ClassTransientNetwork))
	}
	primary := provider.NewMock("a", failing...)

	_, err := fastLadder().Generate(context.Background(), Call{
		Providers: []core.Provider{primary},
		Budget:    100,
		Window:    (&budgets{}).builder(),
	})
	require.Error(t, err)
	assert.Equal(t, core.KindTransient, core.KindOf(err))
	// Three attempts, then three more after degradation.
	assert.Equal(t, 6, primary.CallCount())
}

func TestGenerate_NonFallbackErrorStopsImmediately(t *testing.T) {
	denied := core.Wrap(core.ErrPermissionDenied, "test", nil)
	primary := provider.NewMock("a", provider.Fail(denied))
	fallback := provider.NewMock("b")

	_, err := fastLadder().Generate(context.Background(), Call{
		Providers: []core.Provider{primary, fallback},
		Budget:    100,
		Window:    (&budgets{}).builder(),
	})
	assert.ErrorIs(t, err, core.ErrPermissionDenied)
	assert.Zero(t, fallback.CallCount())
}

func TestGenerate_AttemptTimeoutIsTransient(t *testing.T) {
	primary := provider.NewMock("a",
		provider.Step{Delay: time.Second, Response: core.Response{Text: "slow"}},
		provider.Text("fast"),
	)

	out, err := fastLadder(func(o *Options) { o.ProviderTimeout = 20 * time.Millisecond }).Generate(context.Background(), Call{
		Providers: []core.Provider{primary},
		Budget:    100,
		Window:    (&budgets{}).builder(),
	})
	require.NoError(t, err)
	assert.Equal(t, "fast", out.Response.Text)
	assert.Equal(t, 2, out.Attempts)
}

func TestGenerate_CancellationIsNotDegraded(t *testing.T) {
	primary := provider.NewMock("a", provider.Step{Delay: time.Second})
	b := &budgets{}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := fastLadder().Generate(ctx, Call{
		Providers: []core.Provider{primary},
		Budget:    100,
		Window:    b.builder(),
	})
	assert.Equal(t, core.KindCancelled, core.KindOf(err))
	assert.Equal(t, []int{100}, b.seen)
}

func TestGenerate_StreamsChunks(t *testing.T) {
	primary := provider.NewMock("a", provider.Text("hey"))
	var chunks []string

	out, err := fastLadder().Generate(context.Background(), Call{
		Providers: []core.Provider{primary},
		Stream:    true,
		Budget:    100,
		Window:    (&budgets{}).builder(),
		OnChunk:   func(d string) { chunks = append(chunks, d) },
	})
	require.NoError(t, err)
	assert.Equal(t, "hey", out.Response.Text)
	assert.Equal(t, []string{"h", "e", "y"}, chunks)
}

func TestGenerate_WindowErrorIsReturned(t *testing.T) {
	_, err := fastLadder().Generate(context.Background(), Call{
		Providers: []core.Provider{provider.NewMock("a")},
		Budget:    10,
		Window: func(context.Context, int) (core.ContextWindow, error) {
			return core.ContextWindow{}, core.Wrap(core.ErrBudgetExceeded, "test", nil)
		},
	})
	assert.ErrorIs(t, err, core.ErrBudgetExceeded)
}

type stubTool struct {
	name  string
	calls int
	run   func(calls int) (core.ToolResult, error)
}

func (s *stubTool) Name() string               { return s.name }
func (s *stubTool) Description() string        { return s.name }
func (s *stubTool) Parameters() map[string]any { return nil }
func (s *stubTool) Action() core.ActionKind    { return core.ActionToolInvoke }
func (s *stubTool) Mutating() bool             { return false }
func (s *stubTool) Execute(context.Context, map[string]any, core.ExecutionContext) (core.ToolResult, error) {
	s.calls++
	return s.run(s.calls)
}

func TestExecute_RetriesTransientTool(t *testing.T) {
	tool := &stubTool{name: "fetch", run: func(n int) (core.ToolResult, error) {
		if n == 1 {
			return core.ToolResult{}, core.Errorf(core.KindTransient, "fetch", "timeout")
		}
		return core.ToolResult{Output: "done"}, nil
	}}

	out, err := fastLadder().Execute(context.Background(), []core.Tool{tool}, nil, core.ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, "done", out.Result.Output)
	assert.Equal(t, 2, out.Attempts)
	assert.False(t, out.FellBack)
}

func TestExecute_FallsBackAfterCrash(t *testing.T) {
	crashing := &stubTool{name: "primary", run: func(int) (core.ToolResult, error) { panic("kaboom") }}
	backup := &stubTool{name: "backup", run: func(int) (core.ToolResult, error) { return core.ToolResult{Output: "backup"}, nil }}

	out, err := fastLadder().Execute(context.Background(), []core.Tool{crashing, backup}, nil, core.ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, "backup", out.Tool)
	assert.True(t, out.FellBack)
	assert.Equal(t, 1, crashing.calls, "internal errors are not retried")
}

func TestExecute_PermissionErrorIsFinal(t *testing.T) {
	tool := &stubTool{name: "write", run: func(int) (core.ToolResult, error) {
		return core.ToolResult{}, core.Wrap(core.ErrCapabilityDenied, "write", nil)
	}}
	backup := &stubTool{name: "backup", run: func(int) (core.ToolResult, error) { return core.ToolResult{}, nil }}

	_, err := fastLadder().Execute(context.Background(), []core.Tool{tool, backup}, nil, core.ExecutionContext{})
	assert.ErrorIs(t, err, core.ErrCapabilityDenied)
	assert.Zero(t, backup.calls)
}
