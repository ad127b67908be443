package core

import "context"

// StateAccessor gives tools scoped access to the acting session's state.
type StateAccessor interface {
	Get(key string) (any, bool)
	Set(ctx context.Context, key string, value any) error
}

// ExecutionContext is handed to every tool call. Tools may apply their own
// guardrails using PermissionMode in addition to the permission engine gate.
type ExecutionContext struct {
	SessionID      string
	UnitID         string
	Agent          string
	ToolCallID     string
	PermissionMode PermissionMode
	State          StateAccessor
	// Output streams intermediate output. It is never nil.
	Output func(chunk string)
}

// ToolResult is the outcome of a tool call. Output is what the model sees.
type ToolResult struct {
	Output string `json:"output"`
	Data   any    `json:"data,omitempty"`
}

// Tool is the tool collaborator.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	// Action is the permission kind checked before execution.
	Action() ActionKind
	// Mutating reports whether calls change external state.
	Mutating() bool
	Execute(ctx context.Context, args map[string]any, ec ExecutionContext) (ToolResult, error)
}

// TargetResolver is implemented by tools whose permission target depends on
// the arguments (for example a file path). Tools without it are checked
// against their own name.
type TargetResolver interface {
	Target(args map[string]any) string
}

// PermissionTarget returns the permission target for a call to t.
func PermissionTarget(t Tool, args map[string]any) string {
	if tr, ok := t.(TargetResolver); ok {
		if target := tr.Target(args); target != "" {
			return target
		}
	}
	return t.Name()
}

// Definition returns the model-facing definition of t.
func Definition(t Tool) ToolDefinition {
	return ToolDefinition{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()}
}
