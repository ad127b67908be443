package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentcoord/core"
)

// Names of the session state tools.
const (
	GetStateToolName = "get_state"
	SetStateToolName = "set_state"
)

// StateTool reads or writes a key of the acting session's state. get_state is
// non-mutating; set_state is mutating so Read-mode agents are gated.
type StateTool struct {
	write bool
}

// NewGetStateTool returns the get_state tool.
func NewGetStateTool() *StateTool { return &StateTool{} }

// NewSetStateTool returns the set_state tool.
func NewSetStateTool() *StateTool { return &StateTool{write: true} }

// Name implements core.Tool.
func (t *StateTool) Name() string {
	if t.write {
		return SetStateToolName
	}
	return GetStateToolName
}

// Description implements core.Tool.
func (t *StateTool) Description() string {
	if t.write {
		return "Store a value under a key in the session state so other agents can read it."
	}
	return "Read a value from the session state by key."
}

// Parameters implements core.Tool.
func (t *StateTool) Parameters() map[string]any {
	props := map[string]any{
		"key": map[string]any{
			"type":        "string",
			"description": "State key",
		},
	}
	required := []string{"key"}
	if t.write {
		props["value"] = map[string]any{"description": "Value to store (any JSON type)"}
		required = append(required, "value")
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Action implements core.Tool.
func (t *StateTool) Action() core.ActionKind { return core.ActionToolInvoke }

// Mutating implements core.Tool.
func (t *StateTool) Mutating() bool { return t.write }

// Target implements core.TargetResolver. State keys are permission targets
// of the form "state:<key>".
func (t *StateTool) Target(args map[string]any) string {
	if key, _ := args["key"].(string); key != "" {
		return "state:" + key
	}
	return ""
}

// Execute implements core.Tool.
func (t *StateTool) Execute(ctx context.Context, args map[string]any, ec core.ExecutionContext) (core.ToolResult, error) {
	key, _ := args["key"].(string)
	if key == "" {
		return core.ToolResult{}, NewToolError(t.Name(), "key parameter is required", CodeValidation)
	}
	if ec.State == nil {
		return core.ToolResult{}, &ToolError{
			Tool:    t.Name(),
			Message: "no session state available",
			Code:    CodeExecution,
			Err:     core.Errorf(core.KindConfiguration, "tool."+t.Name(), "no session state available"),
		}
	}

	if !t.write {
		value, exists := ec.State.Get(key)
		return Result(map[string]any{
			"key":    key,
			"exists": exists,
			"value":  value,
		})
	}

	value, ok := args["value"]
	if !ok {
		return core.ToolResult{}, NewToolError(t.Name(), "value parameter is required", CodeValidation)
	}
	if err := ec.State.Set(ctx, key, value); err != nil {
		return core.ToolResult{}, &ToolError{
			Tool:    t.Name(),
			Message: fmt.Sprintf("failed to set state: %v", err),
			Code:    CodeExecution,
			Err:     err,
		}
	}
	return Result(map[string]any{
		"key":     key,
		"success": true,
	})
}
