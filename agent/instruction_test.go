package agent

import (
	"testing"

	"github.com/hupe1980/agentcoord/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderInstruction_Static(t *testing.T) {
	out, err := RenderInstruction(core.AgentDescriptor{Name: "a", SystemPrompt: "  static instruction "}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "static instruction", out)
}

func TestRenderInstruction_TemplateAndSkills(t *testing.T) {
	desc := core.AgentDescriptor{
		Name:         "coder",
		SystemPrompt: "You are {{.Agent}}. Language: {{.State.lang}}.{{.State.absent}}",
		Capabilities: core.CapabilitySet{Skills: core.NewSet("testing", "git", "unknown")},
	}
	skills := Skills{"git": "Commit small changes.", "testing": "Write table tests.", "other": "unused"}

	out, err := RenderInstruction(desc, skills, map[string]any{"lang": "go"})
	require.NoError(t, err)
	assert.Equal(t, "You are coder. Language: go.\n\n## Skill: git\nCommit small changes.\n\n## Skill: testing\nWrite table tests.", out)
}

func TestRenderInstruction_InvalidTemplate(t *testing.T) {
	_, err := RenderInstruction(core.AgentDescriptor{Name: "a", SystemPrompt: "{{ .Agent"}, nil, nil)
	assert.Equal(t, core.KindConfiguration, core.KindOf(err))
}

func TestSkills_Has(t *testing.T) {
	s := Skills{"git": "x"}
	assert.True(t, s.Has("git"))
	assert.False(t, s.Has("go"))
}
