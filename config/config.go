package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentcoord/coordinator"
	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/logging"
	"github.com/hupe1980/agentcoord/permission"
)

// Provider types understood by ProviderRegistry.
const (
	ProviderMock      = "mock"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Storage drivers understood by OpenStore.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// File is the root of a configuration file.
type File struct {
	Coordinator coordinator.Config `yaml:"coordinator"`
	Logging     Logging            `yaml:"logging"`
	Providers   []Provider         `yaml:"providers"`
	Summarizer  Summarizer         `yaml:"summarizer"`
	Agents      []Agent            `yaml:"agents"`
	Skills      map[string]string  `yaml:"skills"`
	// ToolFallbacks name the tool tried once a tool's retries are
	// exhausted, keyed by the primary tool.
	ToolFallbacks map[string]string      `yaml:"tool_fallbacks"`
	Permissions   Permissions            `yaml:"permissions"`
	Storage       Storage                `yaml:"storage"`
	Workspace     Workspace              `yaml:"workspace"`
	Workflows     []coordinator.Workflow `yaml:"workflows"`
}

// Logging selects the structured logger.
type Logging struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Provider describes one model provider.
type Provider struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Model       string   `yaml:"model"`
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int64    `yaml:"max_tokens"`
	// Responses script a mock provider. Once exhausted it echoes the last
	// user message.
	Responses []string `yaml:"responses"`
}

// Summarizer selects the provider used to fold evicted history.
type Summarizer struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	Prompt    string `yaml:"prompt"`
}

// Agent describes one agent.
type Agent struct {
	Name                string              `yaml:"name"`
	Description         string              `yaml:"description"`
	SystemPrompt        string              `yaml:"system_prompt"`
	Provider            string              `yaml:"provider"`
	FallbackProviders   []string            `yaml:"fallback_providers"`
	Model               string              `yaml:"model"`
	SmallModel          string              `yaml:"small_model"`
	Tools               []string            `yaml:"tools"`
	Skills              []string            `yaml:"skills"`
	SubAgents           []string            `yaml:"sub_agents"`
	PermissionMode      core.PermissionMode `yaml:"permission_mode"`
	ContextWindowBudget int                 `yaml:"context_window_budget"`
	MaxSteps            int                 `yaml:"max_steps"`
	Stream              bool                `yaml:"stream"`
}

// Descriptor converts a to an agent descriptor.
func (a Agent) Descriptor() core.AgentDescriptor {
	return core.AgentDescriptor{
		Name:              a.Name,
		Description:       a.Description,
		SystemPrompt:      a.SystemPrompt,
		Provider:          a.Provider,
		FallbackProviders: a.FallbackProviders,
		Model:             a.Model,
		SmallModel:        a.SmallModel,
		Capabilities: core.CapabilitySet{
			Tools:     core.NewSet(a.Tools...),
			Skills:    core.NewSet(a.Skills...),
			SubAgents: core.NewSet(a.SubAgents...),
		},
		PermissionMode:      a.PermissionMode,
		ContextWindowBudget: a.ContextWindowBudget,
		MaxSteps:            a.MaxSteps,
		Stream:              a.Stream,
	}
}

// Permissions holds the configured policies.
type Permissions struct {
	// Default applies when no rule matches. Defaults to ask.
	Default  core.Action                  `yaml:"default"`
	Global   permission.Policy            `yaml:"global"`
	Projects map[string]permission.Policy `yaml:"projects"`
}

// Storage selects the session store.
type Storage struct {
	// Driver is memory or sqlite.
	Driver string `yaml:"driver"`
	// Path is the SQLite database file.
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// Workspace configures the shared workspace store and its note tools.
type Workspace struct {
	Disabled     bool `yaml:"disabled"`
	PreviewChars int  `yaml:"preview_chars"`
	MaxEntries   int  `yaml:"max_entries"`
}

// Default returns a file with default limits and no agents.
func Default() *File {
	return &File{
		Coordinator: coordinator.DefaultConfig(),
		Logging:     Logging{Level: "info", Format: "text"},
		Permissions: Permissions{Default: core.Ask},
		Storage:     Storage{Driver: StorageMemory, BusyTimeout: 5 * time.Second},
	}
}

// Load reads, expands and parses the file at path.
func Load(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, core.Errorf(core.KindConfiguration, "config.load", "config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewError(core.KindConfiguration, "config.load", "failed to read config file", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data and decodes a single YAML
// document on top of Default. The result is validated.
func Parse(data []byte) (*File, error) {
	const op = "config.parse"

	f := Default()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, core.NewError(core.KindConfiguration, op, "failed to parse config", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, core.Errorf(core.KindConfiguration, op, "expected a single YAML document")
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks what can be checked without building collaborators.
// Agent references are resolved by the agent registry.
func (f *File) Validate() error {
	const op = "config.validate"

	if err := f.Coordinator.Validate(); err != nil {
		return err
	}

	switch strings.ToLower(f.Logging.Format) {
	case "", "json", "text":
	default:
		return core.Errorf(core.KindConfiguration, op, "unknown log format %q", f.Logging.Format)
	}

	providers := make(map[string]struct{}, len(f.Providers))
	for i, p := range f.Providers {
		if strings.TrimSpace(p.Name) == "" {
			return core.Errorf(core.KindConfiguration, op, "provider at index %d has no name", i)
		}
		if _, dup := providers[p.Name]; dup {
			return core.Errorf(core.KindConfiguration, op, "duplicate provider %q", p.Name)
		}
		providers[p.Name] = struct{}{}
		switch p.Type {
		case ProviderMock, ProviderOpenAI, ProviderAnthropic:
		default:
			return core.Errorf(core.KindConfiguration, op, "provider %q: unknown type %q", p.Name, p.Type)
		}
		if len(p.Responses) > 0 && p.Type != ProviderMock {
			return core.Errorf(core.KindConfiguration, op, "provider %q: responses are only valid for mock providers", p.Name)
		}
	}

	if s := f.Summarizer.Provider; s != "" {
		if _, ok := providers[s]; !ok {
			return core.Errorf(core.KindConfiguration, op, "summarizer: unknown provider %q", s)
		}
	}

	for id, text := range f.Skills {
		if strings.TrimSpace(text) == "" {
			return core.Errorf(core.KindConfiguration, op, "skill %q is empty", id)
		}
	}

	switch f.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if strings.TrimSpace(f.Storage.Path) == "" {
			return core.Errorf(core.KindConfiguration, op, "storage: sqlite requires a path")
		}
	default:
		return core.Errorf(core.KindConfiguration, op, "storage: unknown driver %q", f.Storage.Driver)
	}

	workflows := make(map[string]struct{}, len(f.Workflows))
	for i, wf := range f.Workflows {
		if strings.TrimSpace(wf.Name) == "" {
			return core.Errorf(core.KindConfiguration, op, "workflow at index %d has no name", i)
		}
		if _, dup := workflows[wf.Name]; dup {
			return core.Errorf(core.KindConfiguration, op, "duplicate workflow %q", wf.Name)
		}
		workflows[wf.Name] = struct{}{}
	}

	return nil
}

// Workflow returns the workflow called name.
func (f *File) Workflow(name string) (coordinator.Workflow, error) {
	for _, wf := range f.Workflows {
		if wf.Name == name {
			return wf, nil
		}
	}
	return coordinator.Workflow{}, core.Errorf(core.KindNotFound, "config.workflow", "unknown workflow %q", name)
}

// PolicyOptions returns the permission policies for a coordinator.
func (f *File) PolicyOptions() coordinator.PolicyOptions {
	return coordinator.PolicyOptions{
		Global:   f.Permissions.Global,
		Projects: f.Permissions.Projects,
		Default:  f.Permissions.Default,
	}
}

// Logger builds the configured structured logger writing to w.
func (f *File) Logger(w io.Writer) *logging.StructuredLogger {
	cfg := logging.DefaultLoggerConfig()
	cfg.Level = logging.ParseLevel(f.Logging.Level)
	if f.Logging.Format != "" {
		cfg.Format = strings.ToLower(f.Logging.Format)
	}
	cfg.AddSource = f.Logging.AddSource
	if w != nil {
		cfg.Output = w
	}
	return logging.NewLogger(cfg)
}

func (f *File) String() string {
	return fmt.Sprintf("config(%d providers, %d agents, %d workflows, storage=%s)", len(f.Providers), len(f.Agents), len(f.Workflows), f.Storage.Driver)
}
