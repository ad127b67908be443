package importance

import (
	"testing"

	"github.com/hupe1980/agentcoord/core"
	"github.com/stretchr/testify/assert"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		msg  core.Message
		want core.Tier
	}{
		{"system role", core.NewMessage(core.RoleSystem, "hi"), core.TierCritical},
		{"decision", core.NewMessage(core.RoleUser, "we decided to use PostgreSQL"), core.TierCritical},
		{"constraint", core.NewMessage(core.RoleUser, "The API must never return raw stack traces to clients"), core.TierCritical},
		{"error", core.NewMessage(core.RoleTool, "build failed with exit status 2 in package api"), core.TierHigh},
		{"warning", core.NewMessage(core.RoleAssistant, "Warning: the migration will lock the users table"), core.TierHigh},
		{"filler", core.NewMessage(core.RoleUser, "ok thanks"), core.TierLow},
		{"filler punctuation", core.NewMessage(core.RoleUser, "Sounds good!"), core.TierLow},
		{"short", core.NewMessage(core.RoleUser, "fine by me"), core.TierLow},
		{"ordinary", core.NewMessage(core.RoleUser, "Can you refactor the handler into smaller functions?"), core.TierMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Score(tt.msg))
		})
	}
}

func TestScore_PinnedOverridesContent(t *testing.T) {
	msg := core.NewMessage(core.RoleUser, "ok")
	msg.Pinned = true
	assert.Equal(t, core.TierCritical, Score(msg))
}

func TestNew_CustomMarkers(t *testing.T) {
	s := New(func(o *Options) {
		o.DecisionMarkers = []string{`\bship it\b`}
		o.AlertMarkers = nil
		o.ShortThreshold = 0
		o.Filler = []string{"meh"}
	})

	assert.Equal(t, core.TierCritical, s.Score(core.NewMessage(core.RoleUser, "Ship it on Friday")))
	assert.Equal(t, core.TierMedium, s.Score(core.NewMessage(core.RoleUser, "the build failed")))
	assert.Equal(t, core.TierLow, s.Score(core.NewMessage(core.RoleUser, "Meh")))
	assert.Equal(t, core.TierMedium, s.Score(core.NewMessage(core.RoleUser, "short")))
}
