package permission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/logging"
	"github.com/hupe1980/agentcoord/telemetry"
)

// DecisionRecorder persists decisions the engine caches in session memory.
// core.Storage satisfies it.
type DecisionRecorder interface {
	PersistPermissionDecision(ctx context.Context, d core.PermissionDecision) error
}

// Options configure an Engine.
type Options struct {
	// Global is consulted last among the policy tables.
	Global Policy
	// Projects holds per-project policies keyed by project id.
	Projects map[string]Policy
	// Default applies when no rule matched. Defaults to core.Ask.
	Default core.Action
	// AskTimeout bounds how long an ask waits for an answer. Zero waits
	// until the caller's context ends.
	AskTimeout time.Duration
	// Events receives PermissionAsk and PermissionResolved events.
	Events   core.EventSink
	Recorder DecisionRecorder
	Logger   logging.Logger
	Metrics  *telemetry.Metrics
}

// Engine resolves permission requests. It is safe for concurrent use.
type Engine struct {
	global   Policy
	projects map[string]Policy
	def      core.Action
	timeout  time.Duration
	events   core.EventSink
	recorder DecisionRecorder
	logger   logging.Logger
	metrics  *telemetry.Metrics

	mu       sync.RWMutex
	sessions map[string]*sessionShard

	asksMu   sync.Mutex
	asks     map[string]*pendingAsk
	inflight map[askKey]*pendingAsk
}

type sessionShard struct {
	mu        sync.RWMutex
	memory    map[core.PermissionKey]core.PermissionDecision
	policy    Policy
	overrides Policy
}

type askKey struct {
	sessionID string
	key       core.PermissionKey
}

type askOutcome int

const (
	askAnswered askOutcome = iota + 1
	askAbandoned
	askEnded
)

type pendingAsk struct {
	ask     core.PermissionAsk
	key     askKey
	scope   core.Scope
	done    chan struct{}
	outcome askOutcome
	result  core.PermissionDecision
}

// New creates an Engine. Policies are validated by the config loader; New
// trusts its input.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Default: core.Ask,
		Events:  core.Discard,
		Logger:  logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Events == nil {
		opts.Events = core.Discard
	}

	return &Engine{
		global:   opts.Global,
		projects: opts.Projects,
		def:      opts.Default,
		timeout:  opts.AskTimeout,
		events:   opts.Events,
		recorder: opts.Recorder,
		logger:   logging.OrNoOp(opts.Logger),
		metrics:  opts.Metrics,
		sessions: make(map[string]*sessionShard),
		asks:     make(map[string]*pendingAsk),
		inflight: make(map[askKey]*pendingAsk),
	}
}

func (e *Engine) shard(sessionID string, create bool) *sessionShard {
	e.mu.RLock()
	s, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if ok || !create {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok = e.sessions[sessionID]; ok {
		return s
	}
	s = &sessionShard{memory: make(map[core.PermissionKey]core.PermissionDecision)}
	e.sessions[sessionID] = s
	return s
}

// SetSessionPolicy replaces the session-scoped policy.
func (e *Engine) SetSessionPolicy(sessionID string, p Policy) {
	s := e.shard(sessionID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = append(Policy(nil), p...)
}

// AddOverride prepends a runtime override rule for the session. Later
// overrides take precedence over earlier ones.
func (e *Engine) AddOverride(sessionID string, r Rule) {
	s := e.shard(sessionID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = append(Policy{r}, s.overrides...)
}

// ClearOverrides removes all runtime overrides of the session.
func (e *Engine) ClearOverrides(sessionID string) {
	if s := e.shard(sessionID, false); s != nil {
		s.mu.Lock()
		s.overrides = nil
		s.mu.Unlock()
	}
}

// Preload seeds session memory with previously persisted decisions.
func (e *Engine) Preload(sessionID string, decisions []core.PermissionDecision) {
	s := e.shard(sessionID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range decisions {
		s.memory[d.Request.Key()] = d
	}
}

// Remembered returns the cached decisions of a session ordered by key.
func (e *Engine) Remembered(sessionID string) []core.PermissionDecision {
	s := e.shard(sessionID, false)
	if s == nil {
		return nil
	}
	s.mu.RLock()
	out := make([]core.PermissionDecision, 0, len(s.memory))
	for _, d := range s.memory {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Request.Key().String() < out[j].Request.Key().String() })
	return out
}

// Pending returns the open asks, optionally limited to one session.
func (e *Engine) Pending(sessionID string) []core.PermissionAsk {
	e.asksMu.Lock()
	defer e.asksMu.Unlock()
	out := make([]core.PermissionAsk, 0, len(e.asks))
	for _, p := range e.asks {
		if sessionID == "" || p.key.sessionID == sessionID {
			out = append(out, p.ask)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Evaluate resolves req. Policy and capability denials are returned as a
// Deny decision with a nil error. An error is returned only when an ask could
// not complete: the caller's context ended (the decision is an implicit Deny)
// or the ask deadline expired (Transient).
func (e *Engine) Evaluate(ctx context.Context, req core.PermissionRequest) (core.PermissionDecision, error) {
	if req.ActorMode == core.ModeRead && req.IsWrite() {
		d := e.decide(req, core.Deny, core.ScopeCapability, "actor is in read mode")
		e.resolved(d)
		return d, nil
	}

	for {
		d := e.resolve(req)
		if d.Action != core.Ask {
			e.resolved(d)
			return d, nil
		}

		d, retry, err := e.ask(ctx, req, d.ResolvedFrom)
		if retry {
			continue
		}
		e.resolved(d)
		return d, err
	}
}

// resolve walks the tables from most to least specific.
func (e *Engine) resolve(req core.PermissionRequest) core.PermissionDecision {
	if s := e.shard(req.SessionID, false); s != nil {
		s.mu.RLock()
		overrides, policy := s.overrides, s.policy
		remembered, ok := s.memory[req.Key()]
		s.mu.RUnlock()

		if r, hit := overrides.Evaluate(req); hit {
			return e.decide(req, r.Action, core.ScopeRuntimeOverride, "runtime override")
		}
		if ok {
			d := remembered
			d.Remembered = true
			d.Asked = false
			d.Request = req
			d.DecidedAt = time.Now().UTC()
			return d
		}
		if r, hit := policy.Evaluate(req); hit {
			return e.decide(req, r.Action, core.ScopeSession, "session policy")
		}
	}

	if r, hit := e.projects[req.ProjectID].Evaluate(req); hit && req.ProjectID != "" {
		return e.decide(req, r.Action, core.ScopeProject, "project policy")
	}
	if r, hit := e.global.Evaluate(req); hit {
		return e.decide(req, r.Action, core.ScopeGlobal, "global policy")
	}
	return e.decide(req, e.def, core.ScopeDefault, "no rule matched")
}

func (e *Engine) decide(req core.PermissionRequest, a core.Action, scope core.Scope, reason string) core.PermissionDecision {
	return core.PermissionDecision{
		Action:       a,
		ResolvedFrom: scope,
		Reason:       reason,
		Request:      req,
		DecidedAt:    time.Now().UTC(),
	}
}

// ask suspends until the request is answered. Identical concurrent asks share
// one pending ask; waiters that did not open it re-evaluate afterwards
// (retry=true) so a cached answer satisfies them too.
func (e *Engine) ask(ctx context.Context, req core.PermissionRequest, scope core.Scope) (core.PermissionDecision, bool, error) {
	key := askKey{sessionID: req.SessionID, key: req.Key()}

	e.asksMu.Lock()
	if p, ok := e.inflight[key]; ok {
		e.asksMu.Unlock()
		select {
		case <-p.done:
			if p.outcome == askEnded {
				return e.implicitDeny(req, scope, "session ended"), false, nil
			}
			return core.PermissionDecision{}, true, nil
		case <-ctx.Done():
			return e.implicitDeny(req, scope, "cancelled"), false, context.Cause(ctx)
		}
	}

	p := &pendingAsk{
		ask:   core.PermissionAsk{ID: core.NewID(), Request: req},
		key:   key,
		scope: scope,
		done:  make(chan struct{}),
	}
	e.asks[p.ask.ID] = p
	e.inflight[key] = p
	e.asksMu.Unlock()

	ev := core.NewEvent(core.EventPermissionAsk, req.SessionID, req.UnitID)
	ev.Agent = req.Actor
	ask := p.ask
	ev.Ask = &ask
	e.events.Emit(ev)
	e.logger.Info("permission.ask", "ask_id", p.ask.ID, "actor", req.Actor, "kind", req.Kind, "target", req.Target, "session_id", req.SessionID)

	var timeout <-chan time.Time
	if e.timeout > 0 {
		t := time.NewTimer(e.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		if e.abandon(p) {
			return e.implicitDeny(req, scope, "cancelled"), false, context.Cause(ctx)
		}
		<-p.done
	case <-timeout:
		if e.abandon(p) {
			err := core.NewError(core.KindTransient, "permission.ask", "permission ask timed out", context.DeadlineExceeded)
			return e.implicitDeny(req, scope, "ask timed out"), false, err
		}
		<-p.done
	}

	if p.outcome == askEnded {
		return e.implicitDeny(req, scope, "session ended"), false, nil
	}
	return p.result, false, nil
}

func (e *Engine) implicitDeny(req core.PermissionRequest, scope core.Scope, reason string) core.PermissionDecision {
	return e.decide(req, core.Deny, scope, reason)
}

// abandon withdraws p unless it was already answered. Waiters are released
// and will re-evaluate.
func (e *Engine) abandon(p *pendingAsk) bool {
	e.asksMu.Lock()
	defer e.asksMu.Unlock()
	if e.asks[p.ask.ID] != p {
		return false
	}
	delete(e.asks, p.ask.ID)
	delete(e.inflight, p.key)
	p.outcome = askAbandoned
	close(p.done)
	return true
}

// Answer resolves a pending ask. AllowInSession and Deny are remembered for
// the rest of the session and persisted; AllowOnce is not.
func (e *Engine) Answer(ctx context.Context, askID string, answer core.Answer) error {
	if !answer.Valid() {
		return core.Errorf(core.KindConfiguration, "permission.answer", "invalid answer %q", answer)
	}

	e.asksMu.Lock()
	p, ok := e.asks[askID]
	if !ok {
		e.asksMu.Unlock()
		return core.Wrap(core.ErrUnknownAsk, "permission.answer", nil)
	}
	delete(e.asks, askID)
	delete(e.inflight, p.key)

	req := p.ask.Request
	action := core.Allow
	if answer == core.AnswerDeny {
		action = core.Deny
	}
	d := e.decide(req, action, p.scope, "answered "+string(answer))
	d.Asked = true

	// The answer is remembered under asksMu; EndSession takes it before
	// dropping the shard, so a late answer cannot revive an ended session.
	if answer != core.AnswerAllowOnce {
		s := e.shard(req.SessionID, true)
		s.mu.Lock()
		s.memory[req.Key()] = d
		s.mu.Unlock()
	}
	e.asksMu.Unlock()

	if answer != core.AnswerAllowOnce {
		if e.recorder != nil {
			if err := e.recorder.PersistPermissionDecision(ctx, d); err != nil {
				e.logger.Warn("permission.persist_failed", "session_id", req.SessionID, "key", req.Key().String(), "error", err.Error())
			}
		}
	}

	p.result = d
	p.outcome = askAnswered
	close(p.done)
	return nil
}

// EndSession drops the session's memory, policy and overrides and resolves
// its pending asks as implicit Deny.
func (e *Engine) EndSession(sessionID string) {
	e.asksMu.Lock()
	defer e.asksMu.Unlock()

	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()

	for id, p := range e.asks {
		if p.key.sessionID != sessionID {
			continue
		}
		delete(e.asks, id)
		delete(e.inflight, p.key)
		p.outcome = askEnded
		close(p.done)
	}
}

func (e *Engine) resolved(d core.PermissionDecision) {
	ev := core.NewEvent(core.EventPermissionResolved, d.Request.SessionID, d.Request.UnitID)
	ev.Agent = d.Request.Actor
	dc := d
	ev.Decision = &dc
	e.events.Emit(ev)

	e.metrics.RecordPermission(string(d.Action), string(d.ResolvedFrom))
	if sl, ok := e.logger.(*logging.StructuredLogger); ok {
		sl.LogPermission(d.Request.Actor, string(d.Request.Kind), d.Request.Target, string(d.Action), string(d.ResolvedFrom), d.Remembered)
		return
	}
	e.logger.Debug("permission.resolved",
		"actor", d.Request.Actor,
		"kind", d.Request.Kind,
		"target", d.Request.Target,
		"action", d.Action,
		"resolved_from", d.ResolvedFrom,
		"remembered", d.Remembered,
		"asked", d.Asked,
	)
}
