// Package tool provides reference core.Tool implementations and the tool
// registry agents resolve their capability sets against.
//
// Tools validate their arguments against a minimal JSON schema before running
// and report failures as *ToolError so the agent loop can hand a uniform error
// result back to the model.
package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/internal/util"
)

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Error codes attached to ToolError.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
	// Err is the underlying cause. It keeps the error kind visible to
	// core.KindOf through Unwrap.
	Err error `json:"-"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// Registry holds the tools an agent capability set may reference, plus an
// optional fallback per tool.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]core.Tool
	fallbacks map[string]string
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...core.Tool) (*Registry, error) {
	r := &Registry{
		tools:     make(map[string]core.Tool),
		fallbacks: make(map[string]string),
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. Duplicate names are a configuration error.
func (r *Registry) Register(t core.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t == nil || t.Name() == "" {
		return core.Errorf(core.KindConfiguration, "tool.register", "tool without a name")
	}
	if _, exists := r.tools[t.Name()]; exists {
		return core.Errorf(core.KindConfiguration, "tool.register", "duplicate tool %q", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// SetFallback makes fallback run when name fails after retries. Both tools
// must be registered.
func (r *Registry) SetFallback(name, fallback string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range []string{name, fallback} {
		if _, ok := r.tools[n]; !ok {
			return core.Errorf(core.KindConfiguration, "tool.fallback", "unknown tool %q", n)
		}
	}
	if name == fallback {
		return core.Errorf(core.KindConfiguration, "tool.fallback", "tool %q cannot fall back to itself", name)
	}
	r.fallbacks[name] = fallback
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (core.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Chain returns the named tool followed by its fallbacks. A fallback that
// was already visited ends the chain.
func (r *Registry) Chain(name string) []core.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		out  []core.Tool
		seen = map[string]bool{}
	)
	for n := name; n != "" && !seen[n]; n = r.fallbacks[n] {
		t, ok := r.tools[n]
		if !ok {
			break
		}
		seen[n] = true
		out = append(out, t)
	}
	return out
}

// Names returns the registered tool names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
