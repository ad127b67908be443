package delegation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/memory"
	"github.com/hupe1980/agentcoord/permission"
	"github.com/hupe1980/agentcoord/session"
	"github.com/hupe1980/agentcoord/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type agents map[string]core.AgentDescriptor

func (a agents) Get(name string) (core.AgentDescriptor, error) {
	d, ok := a[name]
	if !ok {
		return core.AgentDescriptor{}, core.Errorf(core.KindNotFound, "test", "unknown agent %s", name)
	}
	return d, nil
}

// fakeRunner records what the callee saw and answers with a fixed output.
type fakeRunner struct {
	mu     sync.Mutex
	seen   map[string][]core.Message
	reqs   []core.TurnRequest
	output func(req core.TurnRequest) (string, error)
	delay  time.Duration
}

func (f *fakeRunner) RunTurn(ctx context.Context, req core.TurnRequest) (core.TurnResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if req.Input != "" {
		if _, err := req.Transcript.Append(ctx, core.NewMessage(core.RoleUser, req.Input)); err != nil {
			return core.TurnResult{}, err
		}
	}
	msgs, _ := req.Transcript.Messages(ctx)

	f.mu.Lock()
	if f.seen == nil {
		f.seen = map[string][]core.Message{}
	}
	f.seen[req.Agent] = msgs
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	out := "done by " + req.Agent
	if f.output != nil {
		var err error
		if out, err = f.output(req); err != nil {
			return core.TurnResult{}, err
		}
	}
	// Intermediate chatter stays in the scratch transcript.
	_, _ = req.Transcript.Append(ctx, core.NewMessage(core.RoleAssistant, "thinking..."))
	return core.TurnResult{Agent: req.Agent, Output: out, Usage: core.TokenUsage{PromptTokens: 10, CompletionTokens: 5}}, nil
}

type workspace string

func (w workspace) Summary(context.Context, string) (string, error) { return string(w), nil }

var (
	coder = core.AgentDescriptor{
		Name:                "coder",
		ContextWindowBudget: 4000,
		PermissionMode:      core.ModeReadWrite,
		Capabilities:        core.CapabilitySet{SubAgents: core.NewSet("researcher", "writer")},
	}
	researcher = core.AgentDescriptor{Name: "researcher", ContextWindowBudget: 1000, PermissionMode: core.ModeInherit}
	writer     = core.AgentDescriptor{Name: "writer", ContextWindowBudget: 2000}
	stranger   = core.AgentDescriptor{Name: "stranger", ContextWindowBudget: 2000}
)

type fixture struct {
	store     *session.InMemoryStore
	caller    *transcript.Session
	runner    *fakeRunner
	engine    *permission.Engine
	delegator *Delegator
	summaries *memory.SummaryCache
}

func newFixture(t *testing.T, policy permission.Policy) *fixture {
	t.Helper()
	f := &fixture{
		store:     session.NewInMemoryStore(),
		runner:    &fakeRunner{},
		summaries: memory.NewSummaryCache(),
	}
	f.caller = transcript.NewSession(f.store, "s1")
	f.engine = permission.New(func(o *permission.Options) {
		o.Global = policy
		o.Default = core.Allow
	})
	f.delegator = New(func(o *Options) {
		o.Agents = agents{"coder": coder, "researcher": researcher, "writer": writer, "stranger": stranger}
		o.Permissions = f.engine
		o.Runner = f.runner
		o.Workspace = workspace("repo has 3 services")
		o.Summaries = f.summaries
	})
	return f
}

func (f *fixture) history(t *testing.T) []core.Message {
	t.Helper()
	msgs, err := f.caller.Messages(context.Background())
	require.NoError(t, err)
	return msgs
}

func (f *fixture) say(t *testing.T, role core.Role, content string) core.Message {
	t.Helper()
	m, err := f.caller.Append(context.Background(), core.NewMessage(role, content))
	require.NoError(t, err)
	return m
}

func TestDelegate_FoldsOnlyTaskAndResult(t *testing.T) {
	f := newFixture(t, nil)
	f.say(t, core.RoleUser, "please research rate limits")
	f.say(t, core.RoleAssistant, "on it")

	res, err := f.delegator.Delegate(context.Background(), Request{
		Caller:     coder,
		CallerMode: core.ModeReadWrite,
		Transcript: f.caller,
		SessionID:  "s1",
		UnitID:     "u1",
		Callee:     "researcher",
		Task:       "find the API rate limits",
	})
	require.NoError(t, err)

	assert.Equal(t, "done by researcher", res.Output)
	assert.Equal(t, 15, res.TokensUsed.Total())
	assert.Equal(t, core.CallSucceeded, res.Call.Status)

	history := f.history(t)
	require.Len(t, history, 4)
	task, result := history[2], history[3]
	assert.Equal(t, core.RoleUser, task.Role)
	assert.Equal(t, "find the API rate limits", task.Content)
	assert.Equal(t, "researcher", task.OriginAgent)
	assert.Equal(t, core.DelegationTask, task.Meta(core.MetaDelegation))
	assert.Equal(t, core.RoleAssistant, result.Role)
	assert.Equal(t, "researcher", result.OriginAgent)
	assert.Equal(t, core.DelegationResult, result.Meta(core.MetaDelegation))
	assert.Len(t, res.Appended, 2)

	// With an empty filter the callee sees only its task.
	seen := f.runner.seen["researcher"]
	require.Len(t, seen, 1)
	assert.Equal(t, "find the API rate limits", seen[0].Content)

	req := f.runner.reqs[0]
	assert.Equal(t, core.ModeReadWrite, req.ParentMode)
	assert.Equal(t, 1000, req.Budget)
}

func TestDelegate_ToolCallResultIsToolMessage(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.delegator.Delegate(context.Background(), Request{
		Caller:     coder,
		Transcript: f.caller,
		SessionID:  "s1",
		Callee:     "writer",
		Task:       "draft release notes",
		ToolCallID: "call-7",
	})
	require.NoError(t, err)

	history := f.history(t)
	require.Len(t, history, 2)
	assert.Equal(t, core.RoleTool, history[1].Role)
	assert.Equal(t, "call-7", history[1].ToolCallID)
}

func TestDelegate_CalleeSummariesStayOutOfCallerCache(t *testing.T) {
	f := newFixture(t, nil)
	f.summaries.Put("s1", memory.SummaryEntry{Covered: core.SeqRange{From: 1, To: 1}, Text: "caller summary"})

	var scratchKey string
	f.runner.output = func(req core.TurnRequest) (string, error) {
		// Mirrors the window manager caching an overflow summary for the
		// transcript the callee runs on.
		scratchKey = req.Transcript.SessionID()
		f.summaries.Put(scratchKey, memory.SummaryEntry{Covered: core.SeqRange{From: 1, To: 3}, Text: "callee scratch notes"})
		return "answer", nil
	}

	_, err := f.delegator.Delegate(context.Background(), Request{
		Caller: coder, Transcript: f.caller, SessionID: "s1", Callee: "writer", Task: "draft",
	})
	require.NoError(t, err)

	assert.NotEqual(t, "s1", scratchKey)
	assert.Contains(t, scratchKey, "s1/delegation/")

	latest, ok := f.summaries.Latest("s1")
	require.True(t, ok)
	assert.Equal(t, "caller summary", latest.Text)
	assert.Equal(t, 1, f.summaries.Len("s1"))
	assert.Zero(t, f.summaries.Len(scratchKey), "scratch summaries dropped after the delegation")
}

func TestDelegate_SeedFollowsFilter(t *testing.T) {
	f := newFixture(t, nil)
	first := f.say(t, core.RoleUser, "we use PostgreSQL")
	f.say(t, core.RoleAssistant, "noted")
	f.say(t, core.RoleUser, "unrelated chatter")
	last := f.say(t, core.RoleUser, "now ask the researcher")
	require.NoError(t, f.caller.State().Set(context.Background(), "lang", "go"))
	f.summaries.Put("s1", memory.SummaryEntry{Covered: core.SeqRange{From: 1, To: 2}, Text: "user picked PostgreSQL"})

	_, err := f.delegator.Delegate(context.Background(), Request{
		Caller:     coder,
		Transcript: f.caller,
		SessionID:  "s1",
		Callee:     "researcher",
		Task:       "compare drivers",
		Filter: core.ContextFilter{
			LastN:                   1,
			MessageIDs:              []string{first.ID},
			ContextKeys:             []string{"lang", "missing"},
			IncludeWorkspaceSummary: true,
			IncludeRunningSummary:   true,
		},
	})
	require.NoError(t, err)

	seen := f.runner.seen["researcher"]
	var contents []string
	for _, m := range seen {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{
		"Conversation summary so far:\nuser picked PostgreSQL",
		"Workspace summary:\nrepo has 3 services",
		"Context lang: go",
		first.Content,
		last.Content,
		"compare drivers",
	}, contents)
	assert.NotContains(t, contents, "unrelated chatter")
}

func TestDelegate_BudgetIsMinimum(t *testing.T) {
	assert.Equal(t, 500, Budget(500, 1000))
	assert.Equal(t, 1000, Budget(5000, 1000))
	assert.Equal(t, 1000, Budget(0, 1000))
	assert.Equal(t, 1000, Budget(-1, 1000))
}

func TestDelegate_RejectionsHappenBeforeContextWork(t *testing.T) {
	tests := []struct {
		name   string
		callee string
		policy permission.Policy
		kind   core.ErrorKind
		is     error
	}{
		{name: "unknown agent", callee: "ghost", is: core.ErrAgentNotFound, kind: core.KindNotFound},
		{name: "not an allowed sub-agent", callee: "stranger", is: core.ErrCapabilityDenied, kind: core.KindCapabilityDenied},
		{
			name:   "policy deny",
			callee: "writer",
			policy: permission.Policy{{Kind: core.ActionSubAgentDelegate, Target: "writer", Action: core.Deny}},
			is:     core.ErrPermissionDenied,
			kind:   core.KindPermissionDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.policy)
			f.say(t, core.RoleUser, "hello")

			res, err := f.delegator.Delegate(context.Background(), Request{
				Caller:     coder,
				Transcript: f.caller,
				SessionID:  "s1",
				Callee:     tt.callee,
				Task:       "anything",
				Filter:     core.ContextFilter{LastN: 5},
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.is)
			assert.Equal(t, tt.kind, core.KindOf(err))

			var de *core.DelegationError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, "coder", de.Caller)

			assert.Equal(t, core.CallFailed, res.Call.Status)
			assert.Zero(t, res.TokensUsed)
			assert.Empty(t, f.runner.reqs, "callee never ran")
			assert.Len(t, f.history(t), 1, "caller transcript untouched")
		})
	}
}

func TestDelegate_CalleeErrorKeepsKind(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.output = func(core.TurnRequest) (string, error) {
		return "", core.Errorf(core.KindProviderUnavailable, "test", "all providers down")
	}

	_, err := f.delegator.Delegate(context.Background(), Request{
		Caller: coder, Transcript: f.caller, SessionID: "s1", Callee: "writer", Task: "t",
	})
	require.Error(t, err)
	assert.Equal(t, core.KindProviderUnavailable, core.KindOf(err))

	info := core.Describe(err)
	assert.Equal(t, "writer", info.Callee)
	assert.Contains(t, info.Summary, "sub-agent writer")
	assert.Empty(t, f.history(t))
}

func TestDelegateAll_FoldsInRequestOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.output = func(req core.TurnRequest) (string, error) {
		if req.Agent == "researcher" {
			// Finish last despite being first in the request list.
			time.Sleep(30 * time.Millisecond)
		}
		return req.Agent + " answer", nil
	}

	results, errs := f.delegator.DelegateAll(context.Background(), []Request{
		{Caller: coder, Transcript: f.caller, SessionID: "s1", Callee: "researcher", Task: "r"},
		{Caller: coder, Transcript: f.caller, SessionID: "s1", Callee: "writer", Task: "w"},
		{Caller: coder, Transcript: f.caller, SessionID: "s1", Callee: "ghost", Task: "g"},
	})
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.ErrorIs(t, errs[2], core.ErrAgentNotFound)
	assert.Equal(t, "researcher answer", results[0].Output)

	history := f.history(t)
	require.Len(t, history, 4)
	assert.Equal(t, []string{"r", "researcher answer", "w", "writer answer"}, []string{
		history[0].Content, history[1].Content, history[2].Content, history[3].Content,
	})
	assert.Equal(t, int64(4), results[1].Appended[1].Seq)
}

func TestDelegateAll_Cancelled(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, errs := f.delegator.DelegateAll(ctx, []Request{
		{Caller: coder, Transcript: f.caller, SessionID: "s1", Callee: "writer", Task: "w"},
	})
	require.Error(t, errs[0])
	assert.True(t, errors.Is(errs[0], context.Canceled) || core.KindOf(errs[0]) == core.KindCancelled)
	assert.Empty(t, f.history(t))
}
