package coordinator

import (
	"time"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/internal/backoff"
	"github.com/hupe1980/agentcoord/internal/recovery"
)

// Config holds the operational limits of a Coordinator. It is validated at
// construction and immutable afterwards.
type Config struct {
	// MaxConcurrentUnits bounds the top-level units running at once across
	// all sessions.
	MaxConcurrentUnits int `yaml:"max_concurrent_units"`
	// QueueSize bounds the units waiting for a session slot. Submissions
	// beyond it fail with core.ErrQueueFull.
	QueueSize int `yaml:"queue_size"`
	// EventBufferSize is the capacity of the shared event channel.
	EventBufferSize int `yaml:"event_buffer_size"`
	// MaxParallelChildren bounds the children of one parallel workflow step
	// running at once.
	MaxParallelChildren int `yaml:"max_parallel_children"`
	// MaxParallelTools bounds the tool calls of one model reply running at
	// once.
	MaxParallelTools int `yaml:"max_parallel_tools"`
	// DefaultPermissionMode is what agents with mode inherit resolve to at
	// the top level.
	DefaultPermissionMode core.PermissionMode `yaml:"default_permission_mode"`
	// UnitTimeout bounds the running phase of a top-level unit. Zero means
	// no limit.
	UnitTimeout time.Duration `yaml:"unit_timeout"`

	// RetryAttempts bounds calls per provider or tool, including the first.
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInitial  time.Duration `yaml:"retry_initial"`
	RetryMax      time.Duration `yaml:"retry_max"`

	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	// AskTimeout bounds how long a permission ask waits for an answer.
	AskTimeout time.Duration `yaml:"ask_timeout"`

	// DisableDegradation skips the degraded retry after a provider chain
	// is exhausted.
	DisableDegradation bool `yaml:"disable_degradation"`
	// DegradeBudgetFactor shrinks the context budget of degraded calls.
	DegradeBudgetFactor float64 `yaml:"degrade_budget_factor"`
}

// DefaultConfig returns conservative limits suitable for a single process.
func DefaultConfig() Config {
	p := backoff.DefaultPolicy()
	return Config{
		MaxConcurrentUnits:    8,
		QueueSize:             64,
		EventBufferSize:       256,
		MaxParallelChildren:   4,
		MaxParallelTools:      4,
		DefaultPermissionMode: core.ModeReadWrite,
		RetryAttempts:         p.MaxAttempts,
		RetryInitial:          p.Initial,
		RetryMax:              p.Max,
		ProviderTimeout:       2 * time.Minute,
		ToolTimeout:           time.Minute,
		AskTimeout:            10 * time.Minute,
		DegradeBudgetFactor:   0.5,
	}
}

// Validate reports the first invalid limit as a configuration error.
func (c Config) Validate() error {
	const op = "coordinator.config"

	switch {
	case c.MaxConcurrentUnits < 1:
		return core.Errorf(core.KindConfiguration, op, "max concurrent units must be positive, got %d", c.MaxConcurrentUnits)
	case c.QueueSize < 1:
		return core.Errorf(core.KindConfiguration, op, "queue size must be positive, got %d", c.QueueSize)
	case c.EventBufferSize < 1:
		return core.Errorf(core.KindConfiguration, op, "event buffer size must be positive, got %d", c.EventBufferSize)
	case c.MaxParallelChildren < 1:
		return core.Errorf(core.KindConfiguration, op, "max parallel children must be positive, got %d", c.MaxParallelChildren)
	case c.MaxParallelTools < 1:
		return core.Errorf(core.KindConfiguration, op, "max parallel tools must be positive, got %d", c.MaxParallelTools)
	case c.DefaultPermissionMode != core.ModeRead && c.DefaultPermissionMode != core.ModeReadWrite:
		return core.Errorf(core.KindConfiguration, op, "default permission mode must be read or read_write, got %q", c.DefaultPermissionMode)
	case c.UnitTimeout < 0 || c.ProviderTimeout < 0 || c.ToolTimeout < 0 || c.AskTimeout < 0:
		return core.Errorf(core.KindConfiguration, op, "timeouts must not be negative")
	case !c.DisableDegradation && (c.DegradeBudgetFactor <= 0 || c.DegradeBudgetFactor >= 1):
		return core.Errorf(core.KindConfiguration, op, "degrade budget factor must be within (0, 1), got %g", c.DegradeBudgetFactor)
	}
	if err := c.retryPolicy().Validate(); err != nil {
		return core.NewError(core.KindConfiguration, op, "invalid retry policy", err)
	}
	return nil
}

func (c Config) retryPolicy() backoff.Policy {
	p := backoff.DefaultPolicy()
	p.MaxAttempts = c.RetryAttempts
	p.Initial = c.RetryInitial
	p.Max = c.RetryMax
	return p
}

func (c Config) ladderOptions(o *recovery.Options) {
	o.Retry = c.retryPolicy()
	o.ProviderTimeout = c.ProviderTimeout
	o.ToolTimeout = c.ToolTimeout
	o.Degradation = recovery.Degradation{
		Enabled:      !c.DisableDegradation,
		BudgetFactor: c.DegradeBudgetFactor,
	}
}
