package permission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/agentcoord/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []core.Event
	asks   chan core.PermissionAsk
}

func newEventLog() *eventLog { return &eventLog{asks: make(chan core.PermissionAsk, 16)} }

func (l *eventLog) Emit(ev core.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	if ev.Kind == core.EventPermissionAsk {
		l.asks <- *ev.Ask
	}
}

func (l *eventLog) resolved() []core.PermissionDecision {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []core.PermissionDecision
	for _, ev := range l.events {
		if ev.Kind == core.EventPermissionResolved {
			out = append(out, *ev.Decision)
		}
	}
	return out
}

type recorder struct {
	mu        sync.Mutex
	decisions []core.PermissionDecision
}

func (r *recorder) PersistPermissionDecision(_ context.Context, d core.PermissionDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
	return nil
}

func writeReq() core.PermissionRequest {
	return core.PermissionRequest{
		Actor:     "coder",
		ActorMode: core.ModeReadWrite,
		Kind:      core.ActionFileWrite,
		Target:    "/repo/main.go",
		SessionID: "s1",
		UnitID:    "u1",
	}
}

func TestEvaluate_ReadModeWriteDeniedByCapability(t *testing.T) {
	log := newEventLog()
	e := New(func(o *Options) {
		o.Events = log
		o.Global = Policy{{Kind: core.ActionFileWrite, Action: core.Allow}}
	})
	e.AddOverride("s1", Rule{Action: core.Allow})

	req := writeReq()
	req.ActorMode = core.ModeRead

	d, err := e.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, core.Deny, d.Action)
	assert.Equal(t, core.ScopeCapability, d.ResolvedFrom)
	assert.Empty(t, e.Pending(""))

	resolved := log.resolved()
	require.Len(t, resolved, 1)
	assert.Equal(t, core.ScopeCapability, resolved[0].ResolvedFrom)
}

func TestEvaluate_ReadModeMayRunNonMutatingTools(t *testing.T) {
	e := New(func(o *Options) { o.Default = core.Allow })
	d, err := e.Evaluate(context.Background(), core.PermissionRequest{
		Actor: "reader", ActorMode: core.ModeRead, Kind: core.ActionToolInvoke, Target: "grep", SessionID: "s1",
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestEvaluate_Precedence(t *testing.T) {
	e := New(func(o *Options) {
		o.Global = Policy{{Kind: core.ActionFileWrite, Action: core.Deny}}
		o.Projects = map[string]Policy{"p1": {{Kind: core.ActionFileWrite, Target: "/repo/**", Action: core.Allow}}}
	})

	req := writeReq()
	d, err := e.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, core.Deny, d.Action)
	assert.Equal(t, core.ScopeGlobal, d.ResolvedFrom)

	req.ProjectID = "p1"
	d, _ = e.Evaluate(context.Background(), req)
	assert.Equal(t, core.Allow, d.Action)
	assert.Equal(t, core.ScopeProject, d.ResolvedFrom)

	e.SetSessionPolicy("s1", Policy{{Kind: core.ActionFileWrite, Actor: "cod*", Action: core.Deny}})
	d, _ = e.Evaluate(context.Background(), req)
	assert.Equal(t, core.Deny, d.Action)
	assert.Equal(t, core.ScopeSession, d.ResolvedFrom)

	e.AddOverride("s1", Rule{Kind: "*", Action: core.Allow})
	d, _ = e.Evaluate(context.Background(), req)
	assert.Equal(t, core.Allow, d.Action)
	assert.Equal(t, core.ScopeRuntimeOverride, d.ResolvedFrom)

	e.ClearOverrides("s1")
	d, _ = e.Evaluate(context.Background(), req)
	assert.Equal(t, core.ScopeSession, d.ResolvedFrom)
}

func TestEvaluate_PolicyDenyIsNotRemembered(t *testing.T) {
	e := New(func(o *Options) { o.Global = Policy{{Kind: core.ActionNetworkCall, Action: core.Deny}} })
	req := core.PermissionRequest{Actor: "a", ActorMode: core.ModeReadWrite, Kind: core.ActionNetworkCall, Target: "example.com", SessionID: "s1"}

	for i := 0; i < 2; i++ {
		d, err := e.Evaluate(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, core.Deny, d.Action)
		assert.False(t, d.Remembered)
	}
	assert.Empty(t, e.Remembered("s1"))
}

// answerNext answers the next emitted ask from a separate goroutine. The
// returned channel yields the outcome for the test goroutine to assert.
func answerNext(e *Engine, log *eventLog, answer core.Answer) <-chan error {
	done := make(chan error, 1)
	go func() {
		select {
		case ask := <-log.asks:
			done <- e.Answer(context.Background(), ask.ID, answer)
		case <-time.After(2 * time.Second):
			done <- errors.New("no permission ask emitted")
		}
	}()
	return done
}

func TestEvaluate_AllowInSessionIsRememberedAndPersisted(t *testing.T) {
	log := newEventLog()
	rec := &recorder{}
	e := New(func(o *Options) { o.Events = log; o.Recorder = rec })

	answered := answerNext(e, log, core.AnswerAllowInSession)

	d, err := e.Evaluate(context.Background(), writeReq())
	require.NoError(t, err)
	require.NoError(t, <-answered)
	assert.True(t, d.Allowed())
	assert.True(t, d.Asked)
	assert.False(t, d.Remembered)
	assert.Equal(t, core.ScopeDefault, d.ResolvedFrom)

	d, err = e.Evaluate(context.Background(), writeReq())
	require.NoError(t, err)
	assert.True(t, d.Allowed())
	assert.True(t, d.Remembered)
	assert.False(t, d.Asked)

	require.Len(t, rec.decisions, 1)
	assert.Len(t, e.Remembered("s1"), 1)

	resolved := log.resolved()
	require.Len(t, resolved, 2)
	assert.True(t, resolved[1].Remembered)

	// Different target asks again.
	other := writeReq()
	other.Target = "/repo/other.go"
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Evaluate(ctx, other)
	assert.Error(t, err)
}

func TestEvaluate_AllowOnceIsNotRemembered(t *testing.T) {
	log := newEventLog()
	e := New(func(o *Options) { o.Events = log })

	answered := answerNext(e, log, core.AnswerAllowOnce)
	d, err := e.Evaluate(context.Background(), writeReq())
	require.NoError(t, err)
	require.NoError(t, <-answered)
	assert.True(t, d.Allowed())
	assert.Empty(t, e.Remembered("s1"))

	answered = answerNext(e, log, core.AnswerDeny)
	d, err = e.Evaluate(context.Background(), writeReq())
	require.NoError(t, err)
	require.NoError(t, <-answered)
	assert.False(t, d.Allowed())
	assert.True(t, d.Asked)

	d, err = e.Evaluate(context.Background(), writeReq())
	require.NoError(t, err)
	assert.False(t, d.Allowed())
	assert.True(t, d.Remembered, "a human deny is remembered")
}

func TestEvaluate_CancelIsImplicitDenyAndNotCached(t *testing.T) {
	log := newEventLog()
	e := New(func(o *Options) { o.Events = log })
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-log.asks
		cancel()
	}()

	d, err := e.Evaluate(ctx, writeReq())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, core.Deny, d.Action)
	assert.Empty(t, e.Remembered("s1"))
	assert.Empty(t, e.Pending("s1"))
}

func TestEvaluate_AskTimeoutIsTransient(t *testing.T) {
	e := New(func(o *Options) { o.AskTimeout = 10 * time.Millisecond })

	d, err := e.Evaluate(context.Background(), writeReq())
	require.Error(t, err)
	assert.Equal(t, core.KindTransient, core.KindOf(err))
	assert.Equal(t, core.Deny, d.Action)
	assert.Empty(t, e.Pending(""))
}

func TestEvaluate_ConcurrentAsksCoalesce(t *testing.T) {
	log := newEventLog()
	e := New(func(o *Options) { o.Events = log })

	var wg sync.WaitGroup
	results := make([]core.PermissionDecision, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := e.Evaluate(context.Background(), writeReq())
			assert.NoError(t, err)
			results[i] = d
		}(i)
	}

	ask := <-log.asks
	// Let the other callers join the pending ask.
	require.Eventually(t, func() bool { return len(e.Pending("s1")) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Answer(context.Background(), ask.ID, core.AnswerAllowInSession))
	wg.Wait()

	asked := 0
	for _, d := range results {
		assert.True(t, d.Allowed())
		if d.Asked {
			asked++
		}
	}
	assert.Equal(t, 1, asked)
	assert.Empty(t, log.asks, "only one ask is emitted")
}

func TestEndSession_DeniesPendingAndForgets(t *testing.T) {
	log := newEventLog()
	e := New(func(o *Options) { o.Events = log })
	e.Preload("s1", []core.PermissionDecision{{Action: core.Allow, Request: core.PermissionRequest{Actor: "x", Kind: core.ActionFileRead, Target: "a"}}})
	require.Len(t, e.Remembered("s1"), 1)

	go func() {
		<-log.asks
		e.EndSession("s1")
	}()

	d, err := e.Evaluate(context.Background(), writeReq())
	require.NoError(t, err)
	assert.Equal(t, core.Deny, d.Action)
	assert.Empty(t, e.Remembered("s1"))
}

func TestAnswer_AfterEndSessionDoesNotReviveSession(t *testing.T) {
	log := newEventLog()
	e := New(func(o *Options) { o.Events = log })

	evaluated := make(chan core.PermissionDecision, 1)
	go func() {
		d, _ := e.Evaluate(context.Background(), writeReq())
		evaluated <- d
	}()

	var ask core.PermissionAsk
	select {
	case ask = <-log.asks:
	case <-time.After(2 * time.Second):
		t.Fatal("no permission ask emitted")
	}
	e.EndSession("s1")
	assert.Equal(t, core.Deny, (<-evaluated).Action)

	err := e.Answer(context.Background(), ask.ID, core.AnswerAllowInSession)
	assert.ErrorIs(t, err, core.ErrUnknownAsk)
	assert.Empty(t, e.Remembered("s1"))

	e.mu.RLock()
	_, ok := e.sessions["s1"]
	e.mu.RUnlock()
	assert.False(t, ok, "ended session has no shard")
}

func TestAnswer_Errors(t *testing.T) {
	e := New()
	err := e.Answer(context.Background(), "nope", core.AnswerAllowOnce)
	assert.ErrorIs(t, err, core.ErrUnknownAsk)

	err = e.Answer(context.Background(), "nope", core.Answer("maybe"))
	assert.Equal(t, core.KindConfiguration, core.KindOf(err))
	assert.False(t, errors.Is(err, core.ErrUnknownAsk))
}
