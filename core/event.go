package core

import "time"

// EventKind tags the variant carried by an Event.
type EventKind string

const (
	EventProgress           EventKind = "progress"
	EventModelChunk         EventKind = "model_chunk"
	EventToolOutput         EventKind = "tool_output"
	EventPermissionAsk      EventKind = "permission_ask"
	EventPermissionResolved EventKind = "permission_resolved"
	EventError              EventKind = "error"
	EventSessionUpdated     EventKind = "session_updated"
)

// UnitState is the lifecycle state of a unit of work.
type UnitState string

const (
	UnitQueued    UnitState = "queued"
	UnitScheduled UnitState = "scheduled"
	UnitRunning   UnitState = "running"
	UnitCompleted UnitState = "completed"
	UnitFailed    UnitState = "failed"
	UnitCancelled UnitState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s UnitState) Terminal() bool {
	return s == UnitCompleted || s == UnitFailed || s == UnitCancelled
}

// Event is a single element of the coordinator's outward stream. After
// emission it should be treated as immutable. SessionID and UnitID are always
// set so consumers can demultiplex interleaved units.
//
// Exactly the fields relevant to Kind are populated:
//   - Progress: State and optionally Text
//   - ModelChunk: Text
//   - ToolOutput: Tool, ToolCallID and Text
//   - PermissionAsk: Ask
//   - PermissionResolved: Decision
//   - Error: Error (and Fatal for unit-terminal failures)
//   - SessionUpdated: Message
type Event struct {
	ID           string              `json:"id"`
	Kind         EventKind           `json:"kind"`
	SessionID    string              `json:"session_id"`
	UnitID       string              `json:"unit_id"`
	ParentUnitID string              `json:"parent_unit_id,omitempty"`
	Agent        string              `json:"agent,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
	State        UnitState           `json:"state,omitempty"`
	Text         string              `json:"text,omitempty"`
	Tool         string              `json:"tool,omitempty"`
	ToolCallID   string              `json:"tool_call_id,omitempty"`
	Ask          *PermissionAsk      `json:"ask,omitempty"`
	Decision     *PermissionDecision `json:"decision,omitempty"`
	Error        *ErrorInfo          `json:"error,omitempty"`
	Fatal        bool                `json:"fatal,omitempty"`
	Message      *Message            `json:"message,omitempty"`
}

// NewEvent creates a bare event of the given kind bound to a session and unit.
func NewEvent(kind EventKind, sessionID, unitID string) Event {
	return Event{
		ID:        NewID(),
		Kind:      kind,
		SessionID: sessionID,
		UnitID:    unitID,
		Timestamp: time.Now().UTC(),
	}
}

// NewProgressEvent reports a unit state transition.
func NewProgressEvent(sessionID, unitID string, state UnitState, text string) Event {
	e := NewEvent(EventProgress, sessionID, unitID)
	e.State = state
	e.Text = text
	return e
}

// NewErrorEvent reports a failure using its user-visible description.
func NewErrorEvent(sessionID, unitID string, err error, fatal bool) Event {
	e := NewEvent(EventError, sessionID, unitID)
	info := Describe(err)
	e.Error = &info
	e.Fatal = fatal
	return e
}

// NewSessionUpdatedEvent reports a message appended to session history.
func NewSessionUpdatedEvent(sessionID, unitID string, msg Message) Event {
	e := NewEvent(EventSessionUpdated, sessionID, unitID)
	m := msg.Clone()
	e.Message = &m
	e.Agent = msg.OriginAgent
	return e
}

// EventSink receives events. Emit must be safe for concurrent use.
type EventSink interface {
	Emit(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event)

// Emit implements EventSink.
func (f EventSinkFunc) Emit(ev Event) { f(ev) }

// Discard drops every event.
var Discard EventSink = EventSinkFunc(func(Event) {})
