package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/permission"
	"github.com/hupe1980/agentcoord/session/sqlite"
	"github.com/hupe1980/agentcoord/workspace"
)

const sample = `
coordinator:
  max_concurrent_units: 2
  queue_size: 10
  unit_timeout: 90s
logging:
  level: debug
  format: json
providers:
  - name: main
    type: mock
    responses: ["hello"]
  - name: backup
    type: openai
    model: gpt-4o-mini
    api_key: ${AGENTCOORD_TEST_KEY}
  - name: claude
    type: anthropic
    temperature: 0.2
summarizer:
  provider: main
  max_tokens: 256
skills:
  git: Commit small changes.
tool_fallbacks:
  write_note: set_state
agents:
  - name: writer
    provider: main
    fallback_providers: [backup]
    system_prompt: You write.
    tools: [get_state, write_note]
    skills: [git]
    sub_agents: [critic]
    context_window_budget: 4000
  - name: critic
    provider: claude
    permission_mode: read
    context_window_budget: 2000
permissions:
  default: deny
  global:
    - action_kind: file_write
      target: workspace:*
      action: allow
  projects:
    p1:
      - actor: critic
        action: ask
workflows:
  - name: review
    input: draft
    steps:
      - name: draft
        kind: turn
        agent: writer
        input: "{{.Input}}"
`

func TestParse(t *testing.T) {
	t.Setenv("AGENTCOORD_TEST_KEY", "sk-test")

	f, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, 2, f.Coordinator.MaxConcurrentUnits)
	assert.Equal(t, 10, f.Coordinator.QueueSize)
	assert.Equal(t, 90*time.Second, f.Coordinator.UnitTimeout)
	// Unset limits keep their defaults.
	assert.Equal(t, 256, f.Coordinator.EventBufferSize)

	assert.Equal(t, "sk-test", f.Providers[1].APIKey)
	require.NotNil(t, f.Providers[2].Temperature)
	assert.InDelta(t, 0.2, *f.Providers[2].Temperature, 1e-9)

	assert.Equal(t, core.Deny, f.Permissions.Default)
	assert.Equal(t, permission.Policy{{Kind: core.ActionFileWrite, Target: "workspace:*", Action: core.Allow}}, f.Permissions.Global)
	assert.Equal(t, core.Ask, f.Permissions.Projects["p1"][0].Action)

	wf, err := f.Workflow("review")
	require.NoError(t, err)
	assert.Equal(t, "draft", wf.Input)
	_, err = f.Workflow("nope")
	assert.Equal(t, core.KindNotFound, core.KindOf(err))

	desc := f.Agents[0].Descriptor()
	assert.Equal(t, []string{"main", "backup"}, desc.ProviderChain())
	assert.True(t, desc.Capabilities.AllowsTool("write_note"))
	assert.True(t, desc.Capabilities.AllowsSubAgent("critic"))
}

func TestParse_Defaults(t *testing.T) {
	f, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, core.Ask, f.Permissions.Default)
	assert.Equal(t, StorageMemory, f.Storage.Driver)
	assert.Equal(t, 8, f.Coordinator.MaxConcurrentUnits)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "agentz: []"},
		{"bad yaml", "providers: ["},
		{"two documents", "logging: {level: info}\n---\nlogging: {level: debug}"},
		{"coordinator limit", "coordinator: {queue_size: 0}"},
		{"log format", "logging: {format: xml}"},
		{"provider without name", "providers: [{type: mock}]"},
		{"duplicate provider", "providers: [{name: a, type: mock}, {name: a, type: mock}]"},
		{"provider type", "providers: [{name: a, type: gemini}]"},
		{"responses on real provider", "providers: [{name: a, type: openai, responses: [x]}]"},
		{"summarizer provider", "summarizer: {provider: nope}"},
		{"empty skill", "skills: {git: ' '}"},
		{"storage driver", "storage: {driver: postgres}"},
		{"sqlite without path", "storage: {driver: sqlite}"},
		{"workflow without name", "workflows: [{steps: []}]"},
		{"duplicate workflow", "workflows: [{name: a}, {name: a}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Equal(t, core.KindConfiguration, core.KindOf(err))
		})
	}
}

func TestLoad(t *testing.T) {
	_, err := Load("")
	assert.Equal(t, core.KindConfiguration, core.KindOf(err))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, core.KindConfiguration, core.KindOf(err))

	path := filepath.Join(t.TempDir(), "agentcoord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers: [{name: m, type: mock}]"), 0o600))
	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Providers, 1)
}

func TestBuild(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)

	providers, err := f.ProviderRegistry()
	require.NoError(t, err)
	assert.Equal(t, []string{"backup", "claude", "main"}, providers.Names())

	p, err := providers.Get("main")
	require.NoError(t, err)
	resp, err := p.Generate(context.Background(), core.ContextWindow{}, core.GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)

	sum, err := f.SummarizerFor(providers)
	require.NoError(t, err)
	assert.NotNil(t, sum)

	agents, err := f.AgentRegistry()
	require.NoError(t, err)
	assert.Equal(t, []string{"critic", "writer"}, agents.Names())

	ws := f.WorkspaceStore()
	require.NotNil(t, ws)
	tools, err := f.ToolRegistry(ws)
	require.NoError(t, err)
	assert.True(t, tools.Has(workspace.WriteNoteToolName))
	chain := tools.Chain(workspace.WriteNoteToolName)
	require.Len(t, chain, 2)
	assert.Equal(t, "set_state", chain[1].Name())

	skills := f.SkillSet()
	assert.Equal(t, "Commit small changes.", skills["git"])

	po := f.PolicyOptions()
	assert.Equal(t, core.Deny, po.Default)
}

func TestBuild_NoWorkspace(t *testing.T) {
	f, err := Parse([]byte("workspace: {disabled: true}"))
	require.NoError(t, err)
	assert.Nil(t, f.WorkspaceStore())

	tools, err := f.ToolRegistry(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"get_state", "set_state"}, tools.Names())

	sum, err := f.SummarizerFor(nil)
	require.NoError(t, err)
	assert.Nil(t, sum)
}

func TestOpenStore(t *testing.T) {
	f := Default()
	st, closeFn, err := f.OpenStore(context.Background())
	require.NoError(t, err)
	require.NoError(t, closeFn())
	assert.NotNil(t, st)

	f.Storage = Storage{Driver: StorageSQLite, Path: filepath.Join(t.TempDir(), "sessions.db")}
	st, closeFn, err = f.OpenStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })
	assert.IsType(t, &sqlite.Store{}, st)

	_, err = st.AppendMessage(context.Background(), "s1", core.NewMessage(core.RoleUser, "hi"))
	require.NoError(t, err)
}

func TestLogger(t *testing.T) {
	f := Default()
	f.Logging.Format = "json"
	var buf bytes.Buffer
	f.Logger(&buf).Info("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}
