package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentcoord/agent"
	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/delegation"
	"github.com/hupe1980/agentcoord/internal/recovery"
	"github.com/hupe1980/agentcoord/logging"
	"github.com/hupe1980/agentcoord/permission"
	"github.com/hupe1980/agentcoord/provider"
	"github.com/hupe1980/agentcoord/session"
	"github.com/hupe1980/agentcoord/telemetry"
	"github.com/hupe1980/agentcoord/tool"
	"github.com/hupe1980/agentcoord/transcript"
	"github.com/hupe1980/agentcoord/window"
)

// PolicyOptions configure the permission engine owned by the Coordinator.
type PolicyOptions struct {
	Global   permission.Policy
	Projects map[string]permission.Policy
	// Default applies when no rule matched. Empty means core.Ask.
	Default core.Action
}

// Options configure a Coordinator.
type Options struct {
	Config    Config
	Agents    *agent.Registry
	Providers *provider.Registry
	Tools     *tool.Registry
	Skills    agent.Skills
	// Store persists history, state and remembered permission decisions.
	// Defaults to an in-memory store.
	Store  core.Storage
	Policy PolicyOptions
	// Summarizer condenses overflowed history. Nil uses extractive summaries.
	Summarizer core.Summarizer
	Workspace  delegation.WorkspaceSource
	Logger     logging.Logger
	Metrics    *telemetry.Metrics
	Tracer     *telemetry.Tracer
}

// SubmitOptions tune one submission.
type SubmitOptions struct {
	// ProjectID selects the project permission policy.
	ProjectID string
}

// SessionSnapshot is a read-only view of a session.
type SessionSnapshot struct {
	Session     *core.Session
	PendingAsks []core.PermissionAsk
	Remembered  []core.PermissionDecision
	Units       []UnitStatus
}

// decisionLoader is implemented by stores that can list persisted
// permission decisions.
type decisionLoader interface {
	PermissionDecisions(ctx context.Context, sessionID string) ([]core.PermissionDecision, error)
}

type sessionSlot struct {
	slot    chan struct{}
	lock    sync.Mutex
	preload sync.Once
}

// Coordinator schedules units of work over agent sessions. Units of one
// session are serialized by a session slot, units overall are bounded by a
// global slot pool, and every unit reports through one shared event stream.
// It is safe for concurrent use.
type Coordinator struct {
	opts    Options
	events  *bus
	exec    *agent.Executor
	perms   *permission.Engine
	windows *window.Manager
	global  chan struct{}
	logger  logging.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	units    map[string]*unit
	order    []string
	sessions map[string]*sessionSlot
	waiting  int
	closed   bool
}

// New validates the configuration and creates a Coordinator. Agents and
// Providers are required.
func New(optFns ...func(o *Options)) (*Coordinator, error) {
	const op = "coordinator.new"

	opts := Options{
		Config: DefaultConfig(),
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	opts.Logger = logging.OrNoOp(opts.Logger)
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Agents == nil || opts.Providers == nil {
		return nil, core.Errorf(core.KindConfiguration, op, "agents and providers are required")
	}
	if opts.Tools == nil {
		opts.Tools, _ = tool.NewRegistry()
	}
	if opts.Store == nil {
		opts.Store = session.NewInMemoryStore()
	}
	if err := opts.Agents.Validate(agent.References{Providers: opts.Providers, Tools: opts.Tools, Skills: opts.Skills}); err != nil {
		return nil, err
	}
	if err := validatePolicy(opts.Policy); err != nil {
		return nil, err
	}

	c := &Coordinator{
		opts:     opts,
		events:   newBus(opts.Config.EventBufferSize),
		global:   make(chan struct{}, opts.Config.MaxConcurrentUnits),
		logger:   opts.Logger,
		units:    make(map[string]*unit),
		sessions: make(map[string]*sessionSlot),
	}
	if sl, ok := opts.Logger.(*logging.StructuredLogger); ok {
		c.logger = sl.WithComponent("coordinator")
	}
	c.base, c.stop = context.WithCancel(context.Background())

	c.windows = window.New(func(o *window.Options) {
		o.Summarizer = opts.Summarizer
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
	})
	c.perms = permission.New(func(o *permission.Options) {
		o.Global = opts.Policy.Global
		o.Projects = opts.Policy.Projects
		if opts.Policy.Default != "" {
			o.Default = opts.Policy.Default
		}
		o.AskTimeout = opts.Config.AskTimeout
		o.Events = c.events
		o.Recorder = opts.Store
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
	})
	ladder := recovery.New(func(o *recovery.Options) {
		opts.Config.ladderOptions(o)
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.Tracer = opts.Tracer
	})

	exec, err := agent.NewExecutor(func(o *agent.ExecutorOptions) {
		o.Registry = opts.Agents
		o.Providers = opts.Providers
		o.Tools = opts.Tools
		o.Skills = opts.Skills
		o.Windows = c.windows
		o.Permissions = c.perms
		o.Ladder = ladder
		o.Workspace = opts.Workspace
		o.Events = c.events
		o.MaxParallelTools = opts.Config.MaxParallelTools
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.Tracer = opts.Tracer
	})
	if err != nil {
		return nil, err
	}
	c.exec = exec

	return c, nil
}

func validatePolicy(p PolicyOptions) error {
	const op = "coordinator.policy"

	switch p.Default {
	case "", core.Allow, core.Deny, core.Ask:
	default:
		return core.Errorf(core.KindConfiguration, op, "invalid default action %q", p.Default)
	}
	if err := p.Global.Validate(); err != nil {
		return core.NewError(core.KindConfiguration, op, "invalid global policy", err)
	}
	for id, pp := range p.Projects {
		if err := pp.Validate(); err != nil {
			return core.NewError(core.KindConfiguration, op, "invalid project policy", fmt.Errorf("project %s: %w", id, err))
		}
	}
	return nil
}

// Events returns the shared event stream. It is closed by Close.
func (c *Coordinator) Events() <-chan core.Event { return c.events.ch }

// Agents returns the agent registry.
func (c *Coordinator) Agents() *agent.Registry { return c.opts.Agents }

// Permissions returns the permission engine, for session policies and
// runtime overrides.
func (c *Coordinator) Permissions() *permission.Engine { return c.perms }

// SubmitTurn admits one agent turn. Unknown agents fail immediately with
// core.ErrAgentNotFound and a full queue with core.ErrQueueFull. ctx bounds
// the wait for slots; once the unit runs only Cancel stops it.
func (c *Coordinator) SubmitTurn(ctx context.Context, sessionID, agentName, input string, optFns ...func(o *SubmitOptions)) (Handle, error) {
	if _, err := c.opts.Agents.Get(agentName); err != nil {
		return Handle{}, err
	}
	return c.submit(ctx, sessionID, KindTurn, agentName, optFns, func(ctx context.Context, u *unit) (UnitResult, error) {
		res, err := c.runTurn(ctx, u, agentName, input)
		return UnitResult{Output: res.Output, Usage: res.Usage, Degraded: res.Degraded}, err
	})
}

// SubmitWorkflow validates and admits a workflow.
func (c *Coordinator) SubmitWorkflow(ctx context.Context, sessionID string, wf Workflow, optFns ...func(o *SubmitOptions)) (Handle, error) {
	if err := wf.Validate(c.opts.Agents); err != nil {
		return Handle{}, err
	}
	name := wf.Name
	if name == "" {
		name = "workflow"
	}
	return c.submit(ctx, sessionID, KindWorkflow, name, optFns, func(ctx context.Context, u *unit) (UnitResult, error) {
		f := newFlow(wf.Input)
		err := c.runSteps(ctx, u, wf.Steps, f)
		data := f.data()
		f.mu.Lock()
		res := UnitResult{Output: data.Last, Outputs: data.Outputs, Usage: f.usage, Degraded: f.degraded}
		f.mu.Unlock()
		return res, err
	})
}

func (c *Coordinator) submit(ctx context.Context, sessionID string, kind UnitKind, name string, optFns []func(o *SubmitOptions), run func(ctx context.Context, u *unit) (UnitResult, error)) (Handle, error) {
	const op = "coordinator.submit"

	if strings.TrimSpace(sessionID) == "" {
		return Handle{}, core.Errorf(core.KindConfiguration, op, "session id is required")
	}
	var so SubmitOptions
	for _, fn := range optFns {
		fn(&so)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Handle{}, core.Wrap(core.ErrClosed, op, nil)
	}
	if c.waiting >= c.opts.Config.QueueSize {
		c.mu.Unlock()
		return Handle{}, core.Wrap(core.ErrQueueFull, op, fmt.Errorf("%d units waiting", c.opts.Config.QueueSize))
	}
	c.waiting++
	u := newUnit(c.base, Handle{UnitID: uuid.NewString(), SessionID: sessionID}, "", kind, name, so.ProjectID)
	c.units[u.handle.UnitID] = u
	c.order = append(c.order, u.handle.UnitID)
	c.wg.Add(1)
	c.mu.Unlock()

	c.opts.Metrics.QueueAdd(1)
	go c.runUnit(ctx, u, run)
	return u.handle, nil
}

func (c *Coordinator) session(sessionID string) *sessionSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss, ok := c.sessions[sessionID]
	if !ok {
		ss = &sessionSlot{slot: make(chan struct{}, 1)}
		c.sessions[sessionID] = ss
	}
	return ss
}

func (c *Coordinator) dequeue() {
	c.mu.Lock()
	c.waiting--
	c.mu.Unlock()
	c.opts.Metrics.QueueAdd(-1)
}

// acquire waits for a slot of sem. The wait ends early when the unit is
// cancelled or the submitting context ends.
func acquire(caller context.Context, u *unit, sem chan struct{}) error {
	select {
	case <-u.ctx.Done():
		return context.Cause(u.ctx)
	default:
	}
	select {
	case sem <- struct{}{}:
		return nil
	case <-u.ctx.Done():
		return context.Cause(u.ctx)
	case <-caller.Done():
		return context.Cause(caller)
	}
}

func (c *Coordinator) runUnit(caller context.Context, u *unit, run func(ctx context.Context, u *unit) (UnitResult, error)) {
	defer c.wg.Done()

	start := time.Now()
	c.progress(u, core.UnitQueued, "")

	ss := c.session(u.handle.SessionID)
	ss.preload.Do(func() { c.preload(caller, u.handle.SessionID) })

	// The unit counts against the queue and stays Queued until it holds
	// both its session slot and a global concurrency slot.
	if err := acquire(caller, u, ss.slot); err != nil {
		c.dequeue()
		c.complete(u, UnitResult{}, err, start)
		return
	}
	if !u.hold(func() { <-ss.slot }) {
		c.dequeue()
		return
	}
	err := acquire(caller, u, c.global)
	c.dequeue()
	if err != nil {
		u.releaseSlots()
		c.complete(u, UnitResult{}, err, start)
		return
	}
	if !u.hold(func() { <-c.global; c.opts.Metrics.RunningAdd(-1) }) {
		u.releaseSlots()
		return
	}
	c.opts.Metrics.RunningAdd(1)
	if err := c.setState(u, core.UnitScheduled, ""); err != nil {
		u.releaseSlots()
		return
	}
	if err := c.setState(u, core.UnitRunning, ""); err != nil {
		u.releaseSlots()
		return
	}

	ctx := u.ctx
	if c.opts.Config.UnitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Config.UnitTimeout)
		defer cancel()
	}
	ctx, span := c.opts.Tracer.TraceUnit(ctx, string(u.kind), u.handle.SessionID, u.handle.UnitID)
	res, err := run(ctx, u)
	telemetry.End(span, err)

	u.releaseSlots()
	c.complete(u, res, err, start)
}

func (c *Coordinator) preload(ctx context.Context, sessionID string) {
	loader, ok := c.opts.Store.(decisionLoader)
	if !ok {
		return
	}
	decisions, err := loader.PermissionDecisions(context.WithoutCancel(ctx), sessionID)
	if err != nil {
		c.logger.Warn("coordinator.preload_failed", "session_id", sessionID, "error", err.Error())
		return
	}
	if len(decisions) > 0 {
		c.perms.Preload(sessionID, decisions)
	}
}

// setState validates and applies a transition and reports it.
func (c *Coordinator) setState(u *unit, next core.UnitState, text string) error {
	prev, err := u.transition(next)
	if err != nil {
		return err
	}
	if sl, ok := c.logger.(*logging.StructuredLogger); ok {
		sl.WithSession(u.handle.SessionID).LogUnitTransition(u.handle.UnitID, string(prev), string(next))
	} else {
		c.logger.Debug("coordinator.unit.transition", "unit", u.handle.UnitID, "from", string(prev), "to", string(next))
	}
	c.progress(u, next, text)
	return nil
}

func (c *Coordinator) progress(u *unit, state core.UnitState, text string) {
	ev := core.NewProgressEvent(u.handle.SessionID, u.handle.UnitID, state, text)
	ev.ParentUnitID = u.parentID
	c.events.Emit(ev)
}

// complete moves u to its terminal state. Units already cancelled keep
// that state; Cancel has reported them.
func (c *Coordinator) complete(u *unit, res UnitResult, err error, start time.Time) {
	switch {
	case err == nil:
		if c.setState(u, core.UnitCompleted, "") != nil {
			return
		}
	case core.KindOf(err) == core.KindCancelled:
		if c.setState(u, core.UnitCancelled, "") != nil {
			return
		}
		res.Err = err
	default:
		if c.setState(u, core.UnitFailed, core.Describe(err).Summary) != nil {
			return
		}
		res.Err = err
		c.fail(u, err)
	}

	if u.finish(res) {
		c.opts.Metrics.RecordUnit(string(u.kind), string(u.current()), time.Since(start))
	}
}

// fail reports a failed unit: an Error event for every unit, and a system
// message in history for top-level units.
func (c *Coordinator) fail(u *unit, err error) {
	ev := core.NewErrorEvent(u.handle.SessionID, u.handle.UnitID, err, true)
	ev.ParentUnitID = u.parentID
	c.events.Emit(ev)

	c.logger.Warn("coordinator.unit.failed", "unit", u.handle.UnitID, "session_id", u.handle.SessionID, "kind", string(core.KindOf(err)), "error", err.Error())
	if u.parentID != "" {
		return
	}

	info := core.Describe(err)
	msg := core.NewMessage(core.RoleSystem, fmt.Sprintf("%s %q failed (%s): %s", u.kind, u.name, info.Kind, info.Summary))
	msg = msg.WithMeta(core.MetaFailureKind, string(info.Kind))
	tr := transcript.NewSession(c.opts.Store, u.handle.SessionID, func(o *transcript.Options) {
		o.UnitID = u.handle.UnitID
		o.Lock = &c.session(u.handle.SessionID).lock
		o.Events = c.events
	})
	if _, aerr := tr.Append(context.WithoutCancel(u.ctx), msg); aerr != nil {
		c.logger.Error("coordinator.failure_record_failed", "unit", u.handle.UnitID, "error", aerr.Error())
	}
}

func (c *Coordinator) transcriptFor(u *unit) *transcript.Session {
	ss := c.session(u.handle.SessionID)
	return u.useTranscript(func() *transcript.Session {
		return transcript.NewSession(c.opts.Store, u.handle.SessionID, func(o *transcript.Options) {
			o.UnitID = u.handle.UnitID
			o.Lock = &ss.lock
			o.Events = c.events
		})
	})
}

func (c *Coordinator) runTurn(ctx context.Context, u *unit, agentName, input string) (core.TurnResult, error) {
	return c.exec.RunTurn(ctx, core.TurnRequest{
		SessionID:    u.handle.SessionID,
		UnitID:       u.handle.UnitID,
		ParentUnitID: u.parentID,
		ProjectID:    u.projectID,
		Agent:        agentName,
		Input:        input,
		Transcript:   c.transcriptFor(u),
		ParentMode:   c.opts.Config.DefaultPermissionMode,
		Events:       c.events,
	})
}

func (c *Coordinator) newChild(ctx context.Context, parent *unit, name string) *unit {
	cu := newUnit(ctx, Handle{UnitID: uuid.NewString(), SessionID: parent.handle.SessionID}, parent.handle.UnitID, KindStep, name, parent.projectID)

	c.mu.Lock()
	c.units[cu.handle.UnitID] = cu
	c.order = append(c.order, cu.handle.UnitID)
	c.mu.Unlock()

	parent.addChild(cu)
	return cu
}

// runChild drives a child unit through its lifecycle. Children take no
// session slot; sem bounds the siblings of one parallel step.
func (c *Coordinator) runChild(cu *unit, sem chan struct{}, run func(ctx context.Context) (string, error)) error {
	start := time.Now()
	c.progress(cu, core.UnitQueued, "")

	if err := acquire(context.Background(), cu, sem); err != nil {
		c.complete(cu, UnitResult{}, err, start)
		return err
	}
	if !cu.hold(func() { <-sem }) || c.setState(cu, core.UnitScheduled, "") != nil || c.setState(cu, core.UnitRunning, "") != nil {
		cu.releaseSlots()
		return core.Wrap(core.ErrCancelled, "coordinator.child", nil)
	}

	out, err := run(cu.ctx)
	cu.releaseSlots()
	c.complete(cu, UnitResult{Output: out}, err, start)
	return err
}

// AnswerPermissionAsk resolves a pending ask.
func (c *Coordinator) AnswerPermissionAsk(ctx context.Context, askID string, answer core.Answer) error {
	return c.perms.Answer(ctx, askID, answer)
}

// Cancel cancels a unit and all of its children. Held slots are released at
// once and the unit transcript is sealed, so work still unwinding cannot
// append to history. Cancelling a terminal unit is a no-op.
func (c *Coordinator) Cancel(h Handle) error {
	u, err := c.lookup(h)
	if err != nil {
		return err
	}
	c.cancelUnit(u, core.NewError(core.KindCancelled, "coordinator.cancel", "the unit was cancelled", context.Canceled))
	return nil
}

func (c *Coordinator) cancelUnit(u *unit, cause error) {
	if _, err := u.transition(core.UnitCancelled); err != nil {
		return
	}
	u.seal()
	u.cancel(cause)
	for _, child := range u.childList() {
		c.cancelUnit(child, cause)
	}
	u.releaseSlots()

	c.progress(u, core.UnitCancelled, "")
	if u.finish(UnitResult{Err: cause}) {
		c.opts.Metrics.RecordUnit(string(u.kind), string(core.UnitCancelled), time.Since(u.created))
	}
}

func (c *Coordinator) lookup(h Handle) (*unit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.units[h.UnitID]
	if !ok {
		return nil, core.Wrap(core.ErrUnknownUnit, "coordinator.lookup", fmt.Errorf("%s", h.UnitID))
	}
	return u, nil
}

// Wait blocks until the unit is terminal or ctx ends. Failures are reported
// in UnitResult.Err; the returned error covers unknown units and ctx.
func (c *Coordinator) Wait(ctx context.Context, h Handle) (UnitResult, error) {
	u, err := c.lookup(h)
	if err != nil {
		return UnitResult{}, err
	}
	select {
	case <-u.done:
		u.mu.Lock()
		defer u.mu.Unlock()
		return u.result, nil
	case <-ctx.Done():
		return UnitResult{}, context.Cause(ctx)
	}
}

// Status returns the current view of a unit. It takes no slot.
func (c *Coordinator) Status(h Handle) (UnitStatus, error) {
	u, err := c.lookup(h)
	if err != nil {
		return UnitStatus{}, err
	}
	return u.status(), nil
}

// Snapshot returns the stored session with its open asks, remembered
// decisions and units. It takes no slot.
func (c *Coordinator) Snapshot(ctx context.Context, sessionID string) (SessionSnapshot, error) {
	sess, err := c.opts.Store.LoadSession(ctx, sessionID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	snap := SessionSnapshot{
		Session:     sess,
		PendingAsks: c.perms.Pending(sessionID),
		Remembered:  c.perms.Remembered(sessionID),
	}
	for _, u := range c.sessionUnits(sessionID) {
		snap.Units = append(snap.Units, u.status())
	}
	return snap, nil
}

func (c *Coordinator) sessionUnits(sessionID string) []*unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*unit
	for _, id := range c.order {
		if u := c.units[id]; u.handle.SessionID == sessionID {
			out = append(out, u)
		}
	}
	return out
}

// EndSession cancels the session's remaining units and drops its permission
// memory, pending asks, summaries, workspace entries and unit records. Stored
// history is kept.
func (c *Coordinator) EndSession(sessionID string) {
	units := c.sessionUnits(sessionID)
	for _, u := range units {
		c.cancelUnit(u, core.NewError(core.KindCancelled, "coordinator.end_session", "the session ended", context.Canceled))
	}
	c.perms.EndSession(sessionID)
	c.windows.Cache().Drop(sessionID)
	if ws, ok := c.opts.Workspace.(interface{ Drop(sessionID string) }); ok {
		ws.Drop(sessionID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
	keep := c.order[:0]
	for _, id := range c.order {
		if c.units[id].handle.SessionID == sessionID {
			delete(c.units, id)
			continue
		}
		keep = append(keep, id)
	}
	c.order = keep
}

// Close cancels every unit, waits for their goroutines and closes the event
// stream. Events that do not fit the buffer while closing are dropped.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var units []*unit
	for _, id := range c.order {
		if u := c.units[id]; u.parentID == "" {
			units = append(units, u)
		}
	}
	c.mu.Unlock()

	for _, u := range units {
		c.cancelUnit(u, core.Wrap(core.ErrClosed, "coordinator.close", nil))
	}
	c.stop()
	c.events.release()
	c.wg.Wait()
	c.events.close()
	return nil
}
