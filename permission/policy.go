package permission

import (
	"fmt"
	"path"
	"strings"

	"github.com/hupe1980/agentcoord/core"
)

// Rule matches requests by action kind, actor and target. Empty fields and
// "*" match anything. Actor and Target are path.Match globs; a trailing "/**"
// matches the whole subtree below its prefix.
type Rule struct {
	Kind   core.ActionKind `yaml:"action_kind" json:"action_kind"`
	Actor  string          `yaml:"actor" json:"actor"`
	Target string          `yaml:"target" json:"target"`
	Action core.Action     `yaml:"action" json:"action"`
}

// Matches reports whether r applies to req.
func (r Rule) Matches(req core.PermissionRequest) bool {
	if r.Kind != "" && r.Kind != "*" && r.Kind != req.Kind {
		return false
	}
	return match(r.Actor, req.Actor) && match(r.Target, req.Target)
}

// Validate reports malformed rules.
func (r Rule) Validate() error {
	switch r.Action {
	case core.Allow, core.Deny, core.Ask:
	default:
		return fmt.Errorf("invalid action %q", r.Action)
	}
	switch r.Kind {
	case "", "*", core.ActionToolInvoke, core.ActionFileWrite, core.ActionFileRead, core.ActionNetworkCall, core.ActionSubAgentDelegate:
	default:
		return fmt.Errorf("invalid action kind %q", r.Kind)
	}
	for _, p := range []string{r.Actor, r.Target} {
		if _, err := path.Match(strings.TrimSuffix(p, "/**"), "x"); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}
	return nil
}

// Policy is an ordered rule list; the first matching rule wins.
type Policy []Rule

// Evaluate returns the first rule matching req.
func (p Policy) Evaluate(req core.PermissionRequest) (Rule, bool) {
	for _, r := range p {
		if r.Matches(req) {
			return r, true
		}
	}
	return Rule{}, false
}

// Validate checks every rule.
func (p Policy) Validate() error {
	for i, r := range p {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

func match(pattern, s string) bool {
	if pattern == "" || pattern == "*" || pattern == "**" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		if s == prefix || strings.HasPrefix(s, prefix+"/") {
			return true
		}
		pattern = prefix
	}
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}
