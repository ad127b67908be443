package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/transcript"
)

// Handle identifies a submitted unit of work.
type Handle struct {
	UnitID    string `json:"unit_id"`
	SessionID string `json:"session_id"`
}

// UnitKind distinguishes what a unit runs.
type UnitKind string

const (
	KindTurn     UnitKind = "turn"
	KindWorkflow UnitKind = "workflow"
	// KindStep is a child unit running one branch of a parallel step.
	KindStep UnitKind = "step"
)

// UnitResult is the terminal outcome of a unit.
type UnitResult struct {
	Handle Handle
	State  core.UnitState
	// Output is the final answer of a turn, or the output of the last step
	// of a workflow.
	Output string
	// Outputs holds every named workflow step output.
	Outputs  map[string]string
	Usage    core.TokenUsage
	Degraded bool
	// Err is set for Failed and Cancelled units.
	Err error
}

// UnitStatus is a point-in-time view of a unit.
type UnitStatus struct {
	Handle       Handle          `json:"handle"`
	ParentUnitID string          `json:"parent_unit_id,omitempty"`
	Kind         UnitKind        `json:"kind"`
	Name         string          `json:"name"`
	State        core.UnitState  `json:"state"`
	Error        *core.ErrorInfo `json:"error,omitempty"`
	Children     []string        `json:"children,omitempty"`
	Created      time.Time       `json:"created"`
	Updated      time.Time       `json:"updated"`
}

var transitions = map[core.UnitState][]core.UnitState{
	core.UnitQueued:    {core.UnitScheduled, core.UnitCancelled, core.UnitFailed},
	core.UnitScheduled: {core.UnitRunning, core.UnitCancelled, core.UnitFailed},
	core.UnitRunning:   {core.UnitCompleted, core.UnitFailed, core.UnitCancelled},
}

// CanTransition reports whether from -> to is a legal unit transition.
// Queued and Scheduled units may fail when their slot wait expires.
func CanTransition(from, to core.UnitState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type unit struct {
	handle    Handle
	parentID  string
	kind      UnitKind
	name      string
	projectID string
	created   time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu         sync.Mutex
	state      core.UnitState
	updated    time.Time
	result     UnitResult
	children   []*unit
	transcript *transcript.Session
	sealed     bool
	releases   []func()
}

func newUnit(parent context.Context, h Handle, parentID string, kind UnitKind, name, projectID string) *unit {
	ctx, cancel := context.WithCancelCause(parent)
	now := time.Now().UTC()
	return &unit{
		handle:    h,
		parentID:  parentID,
		kind:      kind,
		name:      name,
		projectID: projectID,
		created:   now,
		updated:   now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     core.UnitQueued,
	}
}

// transition moves u to next and reports the previous state. Illegal
// transitions, including any move out of a terminal state, are rejected.
func (u *unit) transition(next core.UnitState) (core.UnitState, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	prev := u.state
	if !CanTransition(prev, next) {
		return prev, core.Errorf(core.KindInternal, "coordinator.transition", "illegal unit transition %s -> %s", prev, next)
	}
	u.state = next
	u.updated = time.Now().UTC()
	return prev, nil
}

// finish records the terminal result and closes done. It runs once; later
// calls are ignored.
func (u *unit) finish(res UnitResult) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	select {
	case <-u.done:
		return false
	default:
	}
	res.Handle = u.handle
	res.State = u.state
	u.result = res
	close(u.done)
	return true
}

func (u *unit) current() core.UnitState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *unit) addChild(c *unit) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.children = append(u.children, c)
}

func (u *unit) childList() []*unit {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]*unit(nil), u.children...)
}

// hold registers the release of an acquired slot. A unit that already
// reached a terminal state gets the slot released at once and hold reports
// false.
func (u *unit) hold(release func()) bool {
	u.mu.Lock()
	if u.state.Terminal() {
		u.mu.Unlock()
		release()
		return false
	}
	u.releases = append(u.releases, release)
	u.mu.Unlock()
	return true
}

// releaseSlots frees every held slot in reverse acquisition order. It is
// safe to call repeatedly; Cancel and the unit goroutine may race on it.
func (u *unit) releaseSlots() {
	u.mu.Lock()
	rs := u.releases
	u.releases = nil
	u.mu.Unlock()

	for i := len(rs) - 1; i >= 0; i-- {
		rs[i]()
	}
}

// useTranscript returns the unit transcript, creating it with mk on first
// use. Transcripts of sealed units are sealed on creation.
func (u *unit) useTranscript(mk func() *transcript.Session) *transcript.Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.transcript == nil {
		u.transcript = mk()
		if u.sealed {
			u.transcript.Seal()
		}
	}
	return u.transcript
}

func (u *unit) seal() {
	u.mu.Lock()
	u.sealed = true
	tr := u.transcript
	u.mu.Unlock()
	if tr != nil {
		tr.Seal()
	}
}

func (u *unit) status() UnitStatus {
	u.mu.Lock()
	defer u.mu.Unlock()

	st := UnitStatus{
		Handle:       u.handle,
		ParentUnitID: u.parentID,
		Kind:         u.kind,
		Name:         u.name,
		State:        u.state,
		Created:      u.created,
		Updated:      u.updated,
	}
	for _, c := range u.children {
		st.Children = append(st.Children, c.handle.UnitID)
	}
	if u.result.Err != nil && u.state == core.UnitFailed {
		info := core.Describe(u.result.Err)
		st.Error = &info
	}
	return st
}
