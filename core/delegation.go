package core

// ContextFilter selects what a callee sees of its caller. Every selector is
// opt-in; the zero filter shares nothing but the task.
type ContextFilter struct {
	// LastN shares the caller's most recent N messages.
	LastN int `json:"last_n,omitempty"`
	// ContextKeys shares named session state values.
	ContextKeys []string `json:"context_keys,omitempty"`
	// MessageIDs shares explicitly chosen messages.
	MessageIDs              []string `json:"message_ids,omitempty"`
	IncludeWorkspaceSummary bool     `json:"include_workspace_summary,omitempty"`
	IncludeRunningSummary   bool     `json:"include_running_summary,omitempty"`
}

// CallStatus is the lifecycle of a SubAgentCall.
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallSucceeded CallStatus = "succeeded"
	CallFailed    CallStatus = "failed"
)

// SubAgentCall records one delegation. It is created per call and discarded
// after its messages are folded into the caller transcript.
type SubAgentCall struct {
	Caller           string        `json:"caller"`
	Callee           string        `json:"callee"`
	Task             string        `json:"task_text"`
	Filter           ContextFilter `json:"context_filter"`
	MaxContextTokens int           `json:"max_context_tokens,omitempty"`
	Status           CallStatus    `json:"status"`
	Output           string        `json:"output,omitempty"`
	TokensUsed       TokenUsage    `json:"tokens_used"`
	Err              error         `json:"-"`
}

// Succeed marks the call succeeded.
func (c *SubAgentCall) Succeed(output string, usage TokenUsage) {
	c.Status, c.Output, c.TokensUsed = CallSucceeded, output, usage
}

// Fail marks the call failed.
func (c *SubAgentCall) Fail(err error) {
	c.Status, c.Err = CallFailed, err
}
