package core

import "context"

// Transcript is the message log an agent turn reads from and appends to.
// Session transcripts are storage backed; scratch transcripts live only for
// the duration of a delegation.
type Transcript interface {
	// SessionID keys the transcript's cached summaries. Scratch transcripts
	// carry a key of their own.
	SessionID() string
	// Messages returns the full history in sequence order.
	Messages(ctx context.Context) ([]Message, error)
	// Append stores msg and returns it with its assigned sequence number.
	Append(ctx context.Context, msg Message) (Message, error)
	// State gives access to the session's key/value state.
	State() StateAccessor
}

// TurnRequest describes one normal agent turn.
type TurnRequest struct {
	SessionID    string
	UnitID       string
	ParentUnitID string
	ProjectID    string
	Agent        string
	// Input is appended as a user message before the first model call.
	// Empty means the transcript already ends with the prompt.
	Input string
	// Task drives the relevance pass of the window. Defaults to Input.
	Task       string
	Transcript Transcript
	// ParentMode is the effective permission mode of the caller, used when
	// the agent's own mode is Inherit.
	ParentMode PermissionMode
	// Budget overrides the agent's context budget when positive.
	Budget int
	// Events receives the turn's events. Nil falls back to the runner's sink.
	Events EventSink
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	Agent  string
	Output string
	Usage  TokenUsage
	Steps  int
	// Degraded is true when any model call of the turn needed degradation.
	Degraded bool
}

// TurnRunner runs normal agent turns.
type TurnRunner interface {
	RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error)
}
