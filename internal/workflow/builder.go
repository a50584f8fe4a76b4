package workflow

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/pipeflow/internal/module"
	"github.com/me/pipeflow/internal/port"
	"github.com/me/pipeflow/pkg/model"
)

// StepSpec declares a user step.
type StepSpec struct {
	ID         string
	Module     string
	Kind       model.StepKind
	Parameters model.Parameters
	Skip       bool
}

// Builder turns an ordered list of step declarations into a linked workflow.
type Builder struct {
	modules *module.Registry
	formats *model.FormatRegistry
	design  *Design
	logger  *slog.Logger
}

// NewBuilder creates a Builder. design may be nil.
func NewBuilder(modules *module.Registry, formats *model.FormatRegistry, design *Design, logger *slog.Logger) *Builder {
	if design == nil {
		design = &Design{}
	}
	return &Builder{
		modules: modules,
		formats: formats,
		design:  design,
		logger:  logger.With("component", "builder"),
	}
}

// Build creates the workflow of job jobID.
//
// The resulting step order is root, design, inserted generators, the user
// steps in declaration order, then terminal. Every input port is linked to
// the nearest preceding step producing its format, or to the design step when
// the format is sourced from the design. A format with no producer but with a
// generator triggers insertion of the generator and a full restart of
// resolution. Build is deterministic for identical inputs.
func (b *Builder) Build(jobID, name string, specs []StepSpec) (*Workflow, error) {
	if err := b.design.Validate(); err != nil {
		return nil, &model.BuildError{Kind: model.BuildErrInvalidStep, StepID: DesignStepID, Err: err}
	}

	user, err := b.userSteps(specs)
	if err != nil {
		return nil, err
	}

	root := newStep(RootStepID, model.StepKindRoot, "root", &noopModule{name: "root"}, nil, false)
	design := newStep(DesignStepID, model.StepKindDesign, "design", &designModule{design: b.design}, nil, false)
	terminal := newStep(TerminalStepID, model.StepKindTerminal, "terminal", &noopModule{name: "terminal"}, nil, false)
	for _, s := range []*Step{root, design, terminal} {
		if err := s.configure(b.formats); err != nil {
			return nil, &model.BuildError{Kind: model.BuildErrConfigure, StepID: s.id, Err: err}
		}
	}

	steps := append([]*Step{root, design}, user...)
	steps, generated, err := b.resolve(steps, design)
	if err != nil {
		return nil, err
	}
	steps = removeUnusedGenerators(steps, generated)
	steps = append(steps, terminal)

	for i, s := range steps {
		s.number = i
	}
	addDependencies(steps)
	if err := checkAcyclic(steps); err != nil {
		return nil, &model.BuildError{Kind: model.BuildErrInvalidStep, Err: err}
	}

	wf := newWorkflow(jobID, name, b.formats, b.design, b.logger)
	for _, s := range steps {
		if err := wf.register(s); err != nil {
			return nil, &model.BuildError{Kind: model.BuildErrDuplicateStep, StepID: s.id, Err: err}
		}
	}
	b.logger.Info("workflow built", "workflow_id", jobID, "steps", len(steps))
	return wf, nil
}

func (b *Builder) userSteps(specs []StepSpec) ([]*Step, error) {
	reserved := map[string]bool{RootStepID: true, DesignStepID: true, TerminalStepID: true}
	seen := make(map[string]bool, len(specs))
	steps := make([]*Step, 0, len(specs))

	for _, sp := range specs {
		switch {
		case sp.ID == "":
			return nil, &model.BuildError{Kind: model.BuildErrInvalidStep, Err: fmt.Errorf("step id is required")}
		case reserved[sp.ID]:
			return nil, &model.BuildError{Kind: model.BuildErrReservedID, StepID: sp.ID}
		case seen[sp.ID]:
			return nil, &model.BuildError{Kind: model.BuildErrDuplicateStep, StepID: sp.ID}
		}
		seen[sp.ID] = true

		kind := sp.Kind
		if kind == "" {
			kind = model.StepKindStandard
		}
		if !kind.IsProducer() {
			return nil, &model.BuildError{Kind: model.BuildErrInvalidStep, StepID: sp.ID,
				Err: fmt.Errorf("kind %s cannot be declared", kind)}
		}

		mod, err := b.modules.New(sp.Module)
		if err != nil {
			return nil, &model.BuildError{Kind: model.BuildErrUnknownModule, StepID: sp.ID, Err: err}
		}
		s := newStep(sp.ID, kind, sp.Module, mod, sp.Parameters, sp.Skip)
		if err := s.configure(b.formats); err != nil {
			return nil, &model.BuildError{Kind: model.BuildErrConfigure, StepID: sp.ID, Err: err}
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// unresolved identifies an input port for which no producer was found.
type unresolved struct {
	step *Step
	in   *port.InputPort
}

// resolve links every input port, inserting generators as needed. It also
// returns the set of inserted generator steps.
//
// Generators are inserted after root, design and the generators inserted
// before them, keeping insertion order. A generator needed by another
// inserted generator goes right before its consumer.
func (b *Builder) resolve(steps []*Step, design *Step) ([]*Step, map[*Step]bool, error) {
	generated := make(map[*Step]bool)
	inserted := make(map[string]bool)
	for {
		resetLinks(steps, design)
		missing, err := b.link(steps, design)
		if err != nil {
			return nil, nil, err
		}
		if missing == nil {
			return steps, generated, nil
		}

		f := missing.in.Format()
		if f.Generator == nil || inserted[f.Name] {
			return nil, nil, &model.BuildError{Kind: model.BuildErrUnresolvedInput, StepID: missing.step.id, Format: f.Name}
		}
		gen, err := b.generator(f, steps)
		if err != nil {
			return nil, nil, err
		}
		inserted[f.Name] = true

		pos := 2 + len(generated)
		if generated[missing.step] {
			pos = indexOf(steps, missing.step)
		}
		generated[gen] = true
		b.logger.Debug("generator inserted", "format", f.Name, "step_id", gen.id, "for_step", missing.step.id, "position", pos)

		next := make([]*Step, 0, len(steps)+1)
		next = append(next, steps[:pos]...)
		next = append(next, gen)
		next = append(next, steps[pos:]...)
		steps = next
	}
}

// link scans steps in reverse order and binds each unlinked input port to the
// nearest preceding producer of its format. It returns the first port that
// cannot be resolved.
func (b *Builder) link(steps []*Step, design *Step) (*unresolved, error) {
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		for _, in := range s.inputs.All() {
			if in.Link() != nil {
				continue
			}
			ok, err := b.linkInput(steps[:i], design, in)
			if err != nil {
				return nil, &model.BuildError{Kind: model.BuildErrInvalidStep, StepID: s.id, Format: in.Format().Name, Err: err}
			}
			if !ok {
				return &unresolved{step: s, in: in}, nil
			}
		}
	}
	return nil, nil
}

// linkInput links in to its nearest producer among preceding. It reports
// false when there is none.
func (b *Builder) linkInput(preceding []*Step, design *Step, in *port.InputPort) (bool, error) {
	f := in.Format()
	for j := len(preceding) - 1; j >= 0; j-- {
		cand := preceding[j]
		switch {
		case cand.kind.IsProducer():
			if out, ok := cand.outputs.ByFormat(f.Name); ok {
				return true, port.Link(out, in)
			}
		case cand == design && b.design.Provides(f):
			out, ok := design.outputs.Get(f.Name)
			if !ok {
				out = port.NewOutputPort(design.id, f.Name, f, true)
				if err := design.outputs.Add(out); err != nil {
					return false, err
				}
			}
			return true, port.Link(out, in)
		}
	}
	return false, nil
}

// generator instantiates the generator step of format f.
func (b *Builder) generator(f *model.Format, steps []*Step) (*Step, error) {
	id := f.Name + "_generator"
	for n := 2; containsID(steps, id); n++ {
		id = fmt.Sprintf("%s_generator%d", f.Name, n)
	}
	mod, err := b.modules.New(f.Generator.Module)
	if err != nil {
		return nil, &model.BuildError{Kind: model.BuildErrUnknownModule, StepID: id, Format: f.Name, Err: err}
	}
	s := newStep(id, model.StepKindGenerator, f.Generator.Module, mod, model.FromMap(f.Generator.Parameters), false)
	if err := s.configure(b.formats); err != nil {
		return nil, &model.BuildError{Kind: model.BuildErrConfigure, StepID: id, Format: f.Name, Err: err}
	}
	if _, ok := s.outputs.ByFormat(f.Name); !ok {
		return nil, &model.BuildError{Kind: model.BuildErrConfigure, StepID: id, Format: f.Name,
			Err: fmt.Errorf("generator module %q does not produce format %q", f.Generator.Module, f.Name)}
	}
	return s, nil
}

// resetLinks clears every link and drops the design ports so resolution can
// restart from scratch.
func resetLinks(steps []*Step, design *Step) {
	for _, s := range steps {
		for _, in := range s.inputs.All() {
			port.Unlink(in)
		}
	}
	design.outputs = port.NewEmptyOutputPorts()
}

// removeUnusedGenerators drops an inserted generator when an earlier
// generator already produces the same format and its own outputs feed
// nothing. Declared steps are always kept.
func removeUnusedGenerators(steps []*Step, generated map[*Step]bool) []*Step {
	produced := make(map[string]bool)
	out := steps[:0:0]
	for _, s := range steps {
		if s.kind == model.StepKindGenerator {
			if generated[s] && s.outputs.Len() > 0 {
				dup := true
				for _, o := range s.outputs.All() {
					if !produced[o.Format().Name] || len(o.Links()) > 0 {
						dup = false
					}
				}
				if dup {
					continue
				}
			}
			for _, o := range s.outputs.All() {
				produced[o.Format().Name] = true
			}
		}
		out = append(out, s)
	}
	return out
}

// addDependencies derives the requirement edges from the port links. A step
// without input ports depends on its predecessor; the terminal step depends
// on every other step.
func addDependencies(steps []*Step) {
	byPort := make(map[*port.OutputPort]*Step)
	for _, s := range steps {
		for _, o := range s.outputs.All() {
			byPort[o] = s
		}
	}
	for i, s := range steps {
		if i == 0 {
			continue
		}
		if s.kind == model.StepKindTerminal {
			for _, other := range steps[:i] {
				s.addDependency(other)
			}
			continue
		}
		if s.inputs.Len() == 0 {
			s.addDependency(steps[i-1])
			continue
		}
		for _, in := range s.inputs.All() {
			if p, ok := byPort[in.Link()]; ok {
				s.addDependency(p)
			}
		}
	}
}

// checkAcyclic runs Kahn's algorithm over the requirement edges.
func checkAcyclic(steps []*Step) error {
	inDegree := make(map[*Step]int, len(steps))
	for _, s := range steps {
		inDegree[s] = len(s.required)
	}
	var queue []*Step
	for _, s := range steps {
		if inDegree[s] == 0 {
			queue = append(queue, s)
		}
	}
	visited := 0
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		visited++
		for _, d := range s.inform {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if visited != len(steps) {
		var cycle []string
		for s, deg := range inDegree {
			if deg > 0 {
				cycle = append(cycle, s.id)
			}
		}
		sort.Strings(cycle)
		return fmt.Errorf("workflow contains a cycle involving steps: %v", cycle)
	}
	return nil
}

func indexOf(steps []*Step, s *Step) int {
	for i, cand := range steps {
		if cand == s {
			return i
		}
	}
	return -1
}

func containsID(steps []*Step, id string) bool {
	for _, s := range steps {
		if s.id == id {
			return true
		}
	}
	return false
}
