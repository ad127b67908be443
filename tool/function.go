package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/internal/util"
)

// Func is the implementation behind a FunctionTool. Arguments are already
// validated against the declared schema.
type Func func(ctx context.Context, ec core.ExecutionContext, args map[string]any) (any, error)

// FunctionOptions tune how a FunctionTool is gated by the permission engine.
type FunctionOptions struct {
	// Action is the permission kind. Defaults to core.ActionToolInvoke.
	Action core.ActionKind
	// Mutating marks the tool as a write for the capability gate.
	Mutating bool
	// TargetArg names the argument used as permission target (for example
	// "path"). Empty means the tool name.
	TargetArg string
}

// FunctionTool exposes a plain Go function as a tool.
//
// Error semantics:
//
//	*ToolError returned by fn   -> forwarded unchanged
//	validation failure          -> *ToolError{Code: CodeValidation}
//	other error                 -> *ToolError{Code: CodeExecution} wrapping the cause
//
// A FunctionTool has no mutable state after construction and is safe for
// concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          Func
	opts        FunctionOptions
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	sum := tool.NewFunctionTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(_ context.Context, _ core.ExecutionContext, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionTool(name, description string, parameters map[string]any, fn Func, optFns ...func(o *FunctionOptions)) *FunctionTool {
	opts := FunctionOptions{
		Action: core.ActionToolInvoke,
	}

	for _, f := range optFns {
		f(&opts)
	}

	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
		opts:        opts,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct, see
// util.CreateSchema.
func NewFunctionToolFromStruct(name, description string, structType any, fn Func, optFns ...func(o *FunctionOptions)) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn, optFns...)
}

// Name implements core.Tool.
func (t *FunctionTool) Name() string { return t.name }

// Description implements core.Tool.
func (t *FunctionTool) Description() string { return t.description }

// Parameters implements core.Tool.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Action implements core.Tool.
func (t *FunctionTool) Action() core.ActionKind { return t.opts.Action }

// Mutating implements core.Tool.
func (t *FunctionTool) Mutating() bool { return t.opts.Mutating }

// Target implements core.TargetResolver.
func (t *FunctionTool) Target(args map[string]any) string {
	if t.opts.TargetArg == "" {
		return ""
	}
	s, _ := args[t.opts.TargetArg].(string)
	return s
}

// Execute implements core.Tool.
func (t *FunctionTool) Execute(ctx context.Context, args map[string]any, ec core.ExecutionContext) (core.ToolResult, error) {
	if err := util.ValidateParameters(args, t.parameters); err != nil {
		return core.ToolResult{}, &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidation,
			Details: err,
			Err:     core.NewError(core.KindConfiguration, "tool."+t.name, "invalid tool arguments", err),
		}
	}

	result, err := t.fn(ctx, ec, args)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return core.ToolResult{}, toolErr
		}
		return core.ToolResult{}, &ToolError{
			Tool:    t.name,
			Message: err.Error(),
			Code:    CodeExecution,
			Err:     err,
		}
	}

	return Result(result)
}

// Result converts a function return value into a core.ToolResult. Strings are
// used verbatim, everything else is rendered as JSON.
func Result(v any) (core.ToolResult, error) {
	switch r := v.(type) {
	case core.ToolResult:
		return r, nil
	case string:
		return core.ToolResult{Output: r, Data: r}, nil
	case nil:
		return core.ToolResult{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return core.ToolResult{}, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return core.ToolResult{Output: string(b), Data: v}, nil
}
