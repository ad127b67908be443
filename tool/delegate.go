package tool

import (
	"context"
	"strings"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/internal/util"
)

// DelegateToolName is the reserved tool the agent executor routes to the
// sub-agent delegation protocol instead of executing it.
const DelegateToolName = "delegate_to_agent"

// DelegateArgs are the model-supplied arguments of a delegation.
type DelegateArgs struct {
	Agent                   string   `json:"agent" description:"Name of the sub-agent to delegate to"`
	Task                    string   `json:"task" description:"Self-contained task for the sub-agent"`
	LastN                   int      `json:"last_n,omitempty" description:"Number of recent conversation messages to share"`
	ContextKeys             []string `json:"context_keys,omitempty" description:"Session state keys to share"`
	MessageIDs              []string `json:"message_ids,omitempty" description:"Explicit message ids to share"`
	IncludeWorkspaceSummary bool     `json:"include_workspace_summary,omitempty" description:"Share the workspace summary"`
	IncludeRunningSummary   bool     `json:"include_running_summary,omitempty" description:"Share the running conversation summary"`
	MaxContextTokens        int      `json:"max_context_tokens,omitempty" description:"Upper bound for the sub-agent context"`
}

// DelegateTool describes delegate_to_agent to models. Execute is never the
// intended path; the executor intercepts calls by name.
type DelegateTool struct {
	subAgents []string
}

// NewDelegateTool returns the delegation tool advertising subAgents.
func NewDelegateTool(subAgents ...string) *DelegateTool {
	return &DelegateTool{subAgents: subAgents}
}

// Name implements core.Tool.
func (t *DelegateTool) Name() string { return DelegateToolName }

// Description implements core.Tool.
func (t *DelegateTool) Description() string {
	d := "Delegate a self-contained task to a specialised sub-agent and receive its final answer. " +
		"Only the context you select is shared."
	if len(t.subAgents) > 0 {
		d += " Available agents: " + strings.Join(t.subAgents, ", ") + "."
	}
	return d
}

// Parameters implements core.Tool.
func (t *DelegateTool) Parameters() map[string]any { return util.CreateSchema(DelegateArgs{}) }

// Action implements core.Tool.
func (t *DelegateTool) Action() core.ActionKind { return core.ActionSubAgentDelegate }

// Mutating implements core.Tool.
func (t *DelegateTool) Mutating() bool { return false }

// Target implements core.TargetResolver.
func (t *DelegateTool) Target(args map[string]any) string {
	s, _ := args["agent"].(string)
	return s
}

// Execute implements core.Tool.
func (t *DelegateTool) Execute(context.Context, map[string]any, core.ExecutionContext) (core.ToolResult, error) {
	return core.ToolResult{}, core.Errorf(core.KindInternal, "tool."+DelegateToolName, "delegation must be dispatched by the agent executor")
}

// ParseDelegateArgs validates and decodes delegate_to_agent arguments.
func ParseDelegateArgs(args map[string]any) (DelegateArgs, error) {
	if err := util.ValidateParameters(args, util.CreateSchema(DelegateArgs{})); err != nil {
		return DelegateArgs{}, &ToolError{
			Tool:    DelegateToolName,
			Message: err.Error(),
			Code:    CodeValidation,
			Details: err,
			Err:     core.NewError(core.KindConfiguration, "tool."+DelegateToolName, "invalid delegation arguments", err),
		}
	}

	out := DelegateArgs{
		Agent:                   str(args["agent"]),
		Task:                    str(args["task"]),
		LastN:                   integer(args["last_n"]),
		ContextKeys:             strs(args["context_keys"]),
		MessageIDs:              strs(args["message_ids"]),
		IncludeWorkspaceSummary: boolean(args["include_workspace_summary"]),
		IncludeRunningSummary:   boolean(args["include_running_summary"]),
		MaxContextTokens:        integer(args["max_context_tokens"]),
	}
	if out.Agent == "" || strings.TrimSpace(out.Task) == "" {
		return DelegateArgs{}, NewToolError(DelegateToolName, "agent and task must be non-empty", CodeValidation)
	}
	return out, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

func integer(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

func strs(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
