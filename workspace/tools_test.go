package workspace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/tool"
)

func TestNoteTools(t *testing.T) {
	s := New()
	read, write := NewReadNoteTool(s), NewWriteNoteTool(s)
	ec := core.ExecutionContext{SessionID: "s1", Agent: "writer", Output: func(string) {}}

	assert.Equal(t, core.ActionFileRead, read.Action())
	assert.Equal(t, core.ActionFileWrite, write.Action())
	assert.False(t, read.Mutating())
	assert.True(t, write.Mutating())
	assert.Equal(t, "workspace:plan", core.PermissionTarget(write, map[string]any{"name": "plan"}))
	assert.Equal(t, ReadNoteToolName, core.PermissionTarget(read, map[string]any{}))

	res, err := read.Execute(context.Background(), map[string]any{"name": "plan"}, ec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"plan","exists":false}`, res.Output)

	_, err = write.Execute(context.Background(), map[string]any{"name": "plan", "content": "ship it"}, ec)
	require.NoError(t, err)

	res, err = read.Execute(context.Background(), map[string]any{"name": "plan"}, ec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"plan","exists":true,"content":"ship it","author":"writer"}`, res.Output)

	_, err = write.Execute(context.Background(), map[string]any{"name": "plan"}, ec)
	var te *tool.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, tool.CodeValidation, te.Code)
}
