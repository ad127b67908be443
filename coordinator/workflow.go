package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/internal/util"
)

// StepKind selects how a workflow step runs.
type StepKind string

const (
	// StepTurn runs one agent turn with a rendered input.
	StepTurn StepKind = "turn"
	// StepParallel runs its children concurrently as child units.
	StepParallel StepKind = "parallel"
	// StepLoop repeats its children until the output carries StopMarker or
	// MaxIterations is reached.
	StepLoop StepKind = "loop"
)

// Step is one node of a workflow.
type Step struct {
	Name  string   `yaml:"name" json:"name"`
	Kind  StepKind `yaml:"kind" json:"kind"`
	Agent string   `yaml:"agent,omitempty" json:"agent,omitempty"`
	// Input is a text/template rendered with StepData before a turn runs.
	//
	//	Review this draft:\n{{.Outputs.draft}}
	Input         string `yaml:"input,omitempty" json:"input,omitempty"`
	Steps         []Step `yaml:"steps,omitempty" json:"steps,omitempty"`
	MaxIterations int    `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	StopMarker    string `yaml:"stop_marker,omitempty" json:"stop_marker,omitempty"`
}

// Workflow is an ordered list of steps run under one session slot.
type Workflow struct {
	Name string `yaml:"name" json:"name"`
	// Input is available to step templates as {{.Input}}.
	Input string `yaml:"input" json:"input"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// StepData is the template data of step inputs.
type StepData struct {
	// Input is the workflow input.
	Input string
	// Last is the output of the previous step.
	Last string
	// Outputs maps step names to their latest output.
	Outputs map[string]string
	// Iteration is the 1-based loop iteration, zero outside loops.
	Iteration int
}

// Turn returns a turn step.
func Turn(name, agent, input string) Step {
	return Step{Name: name, Kind: StepTurn, Agent: agent, Input: input}
}

// Parallel returns a parallel step.
func Parallel(name string, children ...Step) Step {
	return Step{Name: name, Kind: StepParallel, Steps: children}
}

// Loop returns a loop step.
func Loop(name string, maxIterations int, stopMarker string, children ...Step) Step {
	return Step{Name: name, Kind: StepLoop, Steps: children, MaxIterations: maxIterations, StopMarker: stopMarker}
}

// AgentLookup resolves agent names.
type AgentLookup interface {
	Has(name string) bool
}

// Validate checks the workflow against the known agents. Unknown agents
// wrap core.ErrAgentNotFound; every other defect is a configuration error.
func (w Workflow) Validate(agents AgentLookup) error {
	if len(w.Steps) == 0 {
		return core.Errorf(core.KindConfiguration, "coordinator.workflow", "workflow %q has no steps", w.Name)
	}
	for i, s := range w.Steps {
		if err := s.validate(agents, fmt.Sprintf("steps[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

func (s Step) validate(agents AgentLookup, path string) error {
	const op = "coordinator.workflow"

	switch s.Kind {
	case StepTurn:
		if s.Agent == "" {
			return core.Errorf(core.KindConfiguration, op, "%s: turn step without agent", path)
		}
		if !agents.Has(s.Agent) {
			return core.Wrap(core.ErrAgentNotFound, op, fmt.Errorf("%s: %q", path, s.Agent))
		}
		if len(s.Steps) > 0 {
			return core.Errorf(core.KindConfiguration, op, "%s: turn step cannot have children", path)
		}
		if _, err := util.RenderTemplate(s.Name, s.Input, StepData{}); err != nil {
			return core.NewError(core.KindConfiguration, op, "invalid step input template", fmt.Errorf("%s: %w", path, err))
		}
		return nil
	case StepParallel, StepLoop:
		if len(s.Steps) == 0 {
			return core.Errorf(core.KindConfiguration, op, "%s: %s step has no children", path, s.Kind)
		}
		if s.Kind == StepLoop && s.MaxIterations < 1 {
			return core.Errorf(core.KindConfiguration, op, "%s: loop step needs max_iterations >= 1", path)
		}
		for i, c := range s.Steps {
			if err := c.validate(agents, fmt.Sprintf("%s.steps[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	default:
		return core.Errorf(core.KindConfiguration, op, "%s: unknown step kind %q", path, s.Kind)
	}
}

// stepName returns the key a step output is stored under.
func stepName(s Step, idx int) string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Kind == StepTurn:
		return s.Agent
	default:
		return fmt.Sprintf("%s-%d", s.Kind, idx+1)
	}
}

// flow carries the mutable state of one workflow run. Parallel children
// record their outputs concurrently.
type flow struct {
	input string

	mu        sync.Mutex
	outputs   map[string]string
	last      string
	usage     core.TokenUsage
	degraded  bool
	iteration int
}

func newFlow(input string) *flow {
	return &flow{input: input, outputs: map[string]string{}}
}

func (f *flow) data() StepData {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.outputs))
	for k, v := range f.outputs {
		out[k] = v
	}
	return StepData{Input: f.input, Last: f.last, Outputs: out, Iteration: f.iteration}
}

func (f *flow) record(name, output string, res core.TurnResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[name] = output
	f.last = output
	f.usage = f.usage.Add(res.Usage)
	f.degraded = f.degraded || res.Degraded
}

func (f *flow) setLast(output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = output
}

func (f *flow) lastOutput() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *flow) setIteration(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iteration = i
}

// runSteps runs steps in order under u.
func (c *Coordinator) runSteps(ctx context.Context, u *unit, steps []Step, f *flow) error {
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		if err := c.runStep(ctx, u, s, i, f); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) runStep(ctx context.Context, u *unit, s Step, idx int, f *flow) error {
	name := stepName(s, idx)

	switch s.Kind {
	case StepTurn:
		input, err := util.RenderTemplate(name, s.Input, f.data())
		if err != nil {
			return core.NewError(core.KindConfiguration, "coordinator.workflow", "invalid step input template", err)
		}
		res, err := c.runTurn(ctx, u, s.Agent, input)
		if err != nil {
			return err
		}
		f.record(name, res.Output, res)
		return nil

	case StepParallel:
		if err := c.runParallel(ctx, u, name, s, f); err != nil {
			return err
		}
		f.record(name, f.lastOutput(), core.TurnResult{})
		return nil

	case StepLoop:
		defer f.setIteration(0)
		for i := 1; i <= s.MaxIterations; i++ {
			f.setIteration(i)
			if err := c.runSteps(ctx, u, s.Steps, f); err != nil {
				return err
			}
			if s.StopMarker != "" && strings.Contains(f.lastOutput(), s.StopMarker) {
				c.opts.Logger.Debug("coordinator.loop.stop", "unit", u.handle.UnitID, "step", name, "iteration", i)
				break
			}
		}
		f.record(name, f.lastOutput(), core.TurnResult{})
		return nil
	}
	return core.Errorf(core.KindConfiguration, "coordinator.workflow", "unknown step kind %q", s.Kind)
}

// runParallel runs the children of s as child units of u, bounded by
// MaxParallelChildren. The children share u's session slot; their appends
// are serialized by the session append lock. Last becomes the children's
// outputs joined in declaration order.
func (c *Coordinator) runParallel(ctx context.Context, u *unit, name string, s Step, f *flow) error {
	sem := make(chan struct{}, c.opts.Config.MaxParallelChildren)
	children := make([]*unit, len(s.Steps))
	errs := make([]error, len(s.Steps))

	var wg sync.WaitGroup
	for i, child := range s.Steps {
		childName := stepName(child, i)
		cu := c.newChild(ctx, u, childName)
		children[i] = cu

		wg.Add(1)
		go func(i int, child Step) {
			defer wg.Done()
			errs[i] = c.runChild(cu, sem, func(ctx context.Context) (string, error) {
				if err := c.runStep(ctx, cu, child, i, f); err != nil {
					return "", err
				}
				return f.data().Outputs[childName], nil
			})
		}(i, child)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	for i, err := range errs {
		switch {
		case err == nil:
		case core.KindOf(err) == core.KindCancelled:
			// A child cancelled on its own leaves an empty output.
			c.opts.Logger.Info("coordinator.parallel.child_cancelled", "unit", u.handle.UnitID, "step", name, "child", children[i].name)
		default:
			return fmt.Errorf("parallel step %s: child %s: %w", name, children[i].name, err)
		}
	}

	data := f.data()
	parts := make([]string, 0, len(s.Steps))
	for i, child := range s.Steps {
		name := stepName(child, i)
		parts = append(parts, fmt.Sprintf("%s: %s", name, data.Outputs[name]))
	}
	f.setLast(strings.Join(parts, "\n\n"))
	return nil
}
