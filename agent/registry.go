package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/agentcoord/core"
)

// Lookup reports whether a named collaborator exists.
type Lookup interface {
	Has(name string) bool
}

// References are the collaborators agent descriptors may name.
type References struct {
	Providers Lookup
	Tools     Lookup
	Skills    Lookup
}

// Registry is an arena of agent descriptors referenced by name. It is
// immutable after construction and safe for concurrent use.
type Registry struct {
	agents map[string]core.AgentDescriptor
	names  []string
}

// NewRegistry validates descs and builds a registry. Duplicate or empty
// names, non-positive budgets, invalid permission modes, unknown sub-agents
// and cycles in the sub-agent graph are configuration errors.
func NewRegistry(descs ...core.AgentDescriptor) (*Registry, error) {
	const op = "agent.registry"

	r := &Registry{agents: make(map[string]core.AgentDescriptor, len(descs))}
	for _, d := range descs {
		if strings.TrimSpace(d.Name) == "" {
			return nil, core.Errorf(core.KindConfiguration, op, "agent without a name")
		}
		if _, dup := r.agents[d.Name]; dup {
			return nil, core.Errorf(core.KindConfiguration, op, "duplicate agent %q", d.Name)
		}
		if d.ContextWindowBudget <= 0 {
			return nil, core.Errorf(core.KindConfiguration, op, "agent %q: context window budget must be positive, got %d", d.Name, d.ContextWindowBudget)
		}
		if d.MaxSteps < 0 {
			return nil, core.Errorf(core.KindConfiguration, op, "agent %q: max steps must not be negative", d.Name)
		}
		if !d.PermissionMode.Valid() {
			return nil, core.Errorf(core.KindConfiguration, op, "agent %q: invalid permission mode %q", d.Name, d.PermissionMode)
		}
		if d.PermissionMode == "" {
			d.PermissionMode = core.ModeInherit
		}
		r.agents[d.Name] = freeze(d)
		r.names = append(r.names, d.Name)
	}
	sort.Strings(r.names)

	for _, name := range r.names {
		for _, sub := range r.agents[name].Capabilities.SubAgents.Sorted() {
			if _, ok := r.agents[sub]; !ok {
				return nil, core.Errorf(core.KindConfiguration, op, "agent %q: unknown sub-agent %q", name, sub)
			}
		}
	}

	if cycle := r.findCycle(); cycle != nil {
		return nil, core.Errorf(core.KindConfiguration, op, "sub-agent cycle: %s", strings.Join(cycle, " -> "))
	}

	return r, nil
}

// freeze copies the capability sets so later mutation of the caller's
// descriptor cannot widen an agent's authority.
func freeze(d core.AgentDescriptor) core.AgentDescriptor {
	d.Capabilities = core.CapabilitySet{
		Tools:     core.NewSet(d.Capabilities.Tools.Sorted()...),
		Skills:    core.NewSet(d.Capabilities.Skills.Sorted()...),
		SubAgents: core.NewSet(d.Capabilities.SubAgents.Sorted()...),
	}
	d.FallbackProviders = append([]string(nil), d.FallbackProviders...)
	return d
}

// findCycle returns one cycle of the sub-agent graph, or nil.
func (r *Registry) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(r.agents))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = grey
		stack = append(stack, name)
		for _, sub := range r.agents[name].Capabilities.SubAgents.Sorted() {
			switch color[sub] {
			case grey:
				for i, n := range stack {
					if n == sub {
						return append(append([]string(nil), stack[i:]...), sub)
					}
				}
			case white:
				if c := visit(sub); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for _, name := range r.names {
		if color[name] == white {
			if c := visit(name); c != nil {
				return c
			}
		}
	}
	return nil
}

// Validate checks every provider, tool and skill reference against refs. A
// nil lookup skips that kind of reference.
func (r *Registry) Validate(refs References) error {
	const op = "agent.validate"

	for _, name := range r.names {
		d := r.agents[name]
		if refs.Providers != nil {
			if len(d.ProviderChain()) == 0 {
				return core.Errorf(core.KindConfiguration, op, "agent %q has no provider", name)
			}
			for _, p := range d.ProviderChain() {
				if !refs.Providers.Has(p) {
					return core.Errorf(core.KindConfiguration, op, "agent %q: unknown provider %q", name, p)
				}
			}
		}
		if refs.Tools != nil {
			for _, t := range d.Capabilities.Tools.Sorted() {
				if !refs.Tools.Has(t) {
					return core.Errorf(core.KindConfiguration, op, "agent %q: unknown tool %q", name, t)
				}
			}
		}
		if refs.Skills != nil {
			for _, s := range d.Capabilities.Skills.Sorted() {
				if !refs.Skills.Has(s) {
					return core.Errorf(core.KindConfiguration, op, "agent %q: unknown skill %q", name, s)
				}
			}
		}
	}
	return nil
}

// Get returns the named descriptor or core.ErrAgentNotFound.
func (r *Registry) Get(name string) (core.AgentDescriptor, error) {
	d, ok := r.agents[name]
	if !ok {
		return core.AgentDescriptor{}, core.Wrap(core.ErrAgentNotFound, "agent.get", fmt.Errorf("%q", name))
	}
	return d, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.agents[name]
	return ok
}

// Names returns the agent names in lexical order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Descriptors returns all descriptors ordered by name.
func (r *Registry) Descriptors() []core.AgentDescriptor {
	out := make([]core.AgentDescriptor, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.agents[n])
	}
	return out
}
