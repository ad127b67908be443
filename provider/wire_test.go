package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcoord/core"
)

func TestPairToolMessages(t *testing.T) {
	in := []core.Message{
		core.NewMessage(core.RoleUser, "hi"),
		{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{{ID: "a", Name: "x"}, {ID: "gone", Name: "y"}}},
		{Role: core.RoleTool, ToolCallID: "a", Content: "ok"},
		{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{{ID: "lost", Name: "z"}}},
		{Role: core.RoleTool, ToolCallID: "orphan", Content: "late"},
	}

	out := PairToolMessages(in)
	require.Len(t, out, 4)

	assert.Equal(t, []core.ToolCall{{ID: "a", Name: "x"}}, out[1].ToolCalls)
	assert.Equal(t, core.RoleTool, out[2].Role)
	assert.Equal(t, core.RoleUser, out[3].Role)
	assert.Empty(t, out[3].ToolCallID)
	assert.Contains(t, out[3].Content, "late")

	// The input is untouched.
	assert.Len(t, in[1].ToolCalls, 2)
	assert.Equal(t, core.RoleTool, in[4].Role)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		code   string
		want   core.ProviderErrorClass
	}{
		{http.StatusTooManyRequests, "", core.ClassRateLimited},
		{http.StatusBadRequest, "rate_limit_exceeded", core.ClassRateLimited},
		{http.StatusBadRequest, "content_policy_violation", core.ClassContentPolicy},
		{http.StatusUnauthorized, "", core.ClassAuthentication},
		{http.StatusForbidden, "permission_error", core.ClassAuthentication},
		{http.StatusBadGateway, "", core.ClassTransientNetwork},
		{529, "overloaded_error", core.ClassTransientNetwork},
		{http.StatusBadRequest, "invalid_request_error", core.ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d %s", tt.status, tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyStatus(tt.status, tt.code))
		})
	}
}

func TestWrapError(t *testing.T) {
	assert.NoError(t, WrapError("p", 0, "", nil))
	assert.Equal(t, core.KindCancelled, core.KindOf(WrapError("p", 500, "", context.Canceled)))
	assert.Equal(t, core.KindTransient, core.KindOf(WrapError("p", 0, "", io.ErrUnexpectedEOF)))
	assert.Equal(t, core.KindProviderUnavailable, core.KindOf(WrapError("p", 0, "", errors.New("weird"))))

	err := WrapError("p", http.StatusTooManyRequests, "", errors.New("slow down"))
	var pe *core.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "p", pe.Provider)
	assert.True(t, core.IsTransient(err))
	assert.Same(t, err, WrapError("q", 0, "", err))

	assert.Equal(t, core.KindProviderRefusal, core.KindOf(Refusal("p", "content_filter")))
}
