package workspace

import (
	"context"
	"errors"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/tool"
)

// Names of the workspace tools.
const (
	ReadNoteToolName  = "read_note"
	WriteNoteToolName = "write_note"
)

// NoteTool reads or writes a workspace entry of the acting session. Reads are
// checked as file_read and writes as file_write against "workspace:<name>".
type NoteTool struct {
	store *Store
	write bool
}

var (
	_ core.Tool           = (*NoteTool)(nil)
	_ core.TargetResolver = (*NoteTool)(nil)
)

// NewReadNoteTool returns the read_note tool over s.
func NewReadNoteTool(s *Store) *NoteTool { return &NoteTool{store: s} }

// NewWriteNoteTool returns the write_note tool over s.
func NewWriteNoteTool(s *Store) *NoteTool { return &NoteTool{store: s, write: true} }

// Tools returns both note tools over s.
func Tools(s *Store) []core.Tool {
	return []core.Tool{NewReadNoteTool(s), NewWriteNoteTool(s)}
}

// Name implements core.Tool.
func (t *NoteTool) Name() string {
	if t.write {
		return WriteNoteToolName
	}
	return ReadNoteToolName
}

// Description implements core.Tool.
func (t *NoteTool) Description() string {
	if t.write {
		return "Save a named note to the shared session workspace, replacing any note of the same name."
	}
	return "Read a named note from the shared session workspace."
}

// Parameters implements core.Tool.
func (t *NoteTool) Parameters() map[string]any {
	props := map[string]any{
		"name": map[string]any{"type": "string", "description": "Note name"},
	}
	required := []string{"name"}
	if t.write {
		props["content"] = map[string]any{"type": "string", "description": "Note content"}
		required = append(required, "content")
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

// Action implements core.Tool.
func (t *NoteTool) Action() core.ActionKind {
	if t.write {
		return core.ActionFileWrite
	}
	return core.ActionFileRead
}

// Mutating implements core.Tool.
func (t *NoteTool) Mutating() bool { return t.write }

// Target implements core.TargetResolver.
func (t *NoteTool) Target(args map[string]any) string {
	if name, _ := args["name"].(string); name != "" {
		return "workspace:" + name
	}
	return ""
}

// Execute implements core.Tool.
func (t *NoteTool) Execute(_ context.Context, args map[string]any, ec core.ExecutionContext) (core.ToolResult, error) {
	name, _ := args["name"].(string)
	if name == "" {
		return core.ToolResult{}, tool.NewToolError(t.Name(), "name parameter is required", tool.CodeValidation)
	}

	if !t.write {
		e, err := t.store.Get(ec.SessionID, name)
		if errors.Is(err, ErrNotFound) {
			return tool.Result(map[string]any{"name": name, "exists": false})
		}
		if err != nil {
			return core.ToolResult{}, &tool.ToolError{Tool: t.Name(), Message: err.Error(), Code: tool.CodeExecution, Err: err}
		}
		return tool.Result(map[string]any{"name": name, "exists": true, "content": string(e.Data), "author": e.Author})
	}

	content, ok := args["content"].(string)
	if !ok {
		return core.ToolResult{}, tool.NewToolError(t.Name(), "content parameter is required", tool.CodeValidation)
	}
	if err := t.store.Save(ec.SessionID, name, ec.Agent, []byte(content)); err != nil {
		return core.ToolResult{}, &tool.ToolError{Tool: t.Name(), Message: err.Error(), Code: tool.CodeExecution, Err: err}
	}
	return tool.Result(map[string]any{"name": name, "success": true})
}
