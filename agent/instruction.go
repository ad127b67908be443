package agent

import (
	"strings"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/internal/util"
)

// Skills maps skill ids to instruction snippets. An agent's skill set selects
// which snippets are appended to its system prompt.
type Skills map[string]string

// Has reports whether id is a known skill.
func (s Skills) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// InstructionData is the template data a system prompt is rendered with.
//
//	You are {{.Agent}}. The project language is {{.State.lang}}.
type InstructionData struct {
	Agent string
	State map[string]any
}

// RenderInstruction renders the system prompt of desc against the session
// state and appends the agent's skills in id order.
func RenderInstruction(desc core.AgentDescriptor, skills Skills, state map[string]any) (string, error) {
	prompt, err := util.RenderTemplate(desc.Name, desc.SystemPrompt, InstructionData{Agent: desc.Name, State: state})
	if err != nil {
		return "", core.NewError(core.KindConfiguration, "agent.instruction", "invalid system prompt template", err)
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(prompt))
	for _, id := range desc.Capabilities.Skills.Sorted() {
		text, ok := skills[id]
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## Skill: ")
		b.WriteString(id)
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(text))
	}
	return b.String(), nil
}
