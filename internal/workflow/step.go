// Package workflow builds the step graph of a run and drives the lifecycle
// state of each step.
package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/me/pipeflow/internal/module"
	"github.com/me/pipeflow/internal/port"
	"github.com/me/pipeflow/pkg/model"
)

// Step is a node of the workflow graph.
//
// Lock order: a step may hold its own lock while reading the state of the
// steps it requires, never the reverse.
type Step struct {
	id      string
	number  int
	kind    model.StepKind
	skip    bool
	modName string
	module  module.Module
	params  model.Parameters
	inputs  *port.InputPorts
	outputs *port.OutputPorts

	workflow *Workflow

	mu       sync.RWMutex
	state    model.StepState
	required []*Step
	inform   []*Step
}

func newStep(id string, kind model.StepKind, modName string, mod module.Module, params model.Parameters, skip bool) *Step {
	return &Step{
		id:      id,
		kind:    kind,
		skip:    skip,
		modName: modName,
		module:  mod,
		params:  params,
		state:   model.StepStateCreated,
		inputs:  &port.InputPorts{},
		outputs: port.NewEmptyOutputPorts(),
	}
}

func (s *Step) ID() string                   { return s.id }
func (s *Step) Number() int                  { return s.number }
func (s *Step) Kind() model.StepKind         { return s.kind }
func (s *Step) Skip() bool                   { return s.skip }
func (s *Step) ModuleName() string           { return s.modName }
func (s *Step) Module() module.Module        { return s.module }
func (s *Step) Parameters() model.Parameters { return s.params }
func (s *Step) Inputs() *port.InputPorts     { return s.inputs }
func (s *Step) Outputs() *port.OutputPorts   { return s.outputs }
func (s *Step) Workflow() *Workflow          { return s.workflow }

func (s *Step) String() string {
	return fmt.Sprintf("%s(#%d %s)", s.id, s.number, s.kind)
}

// State returns the current lifecycle state.
func (s *Step) State() model.StepState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// RequiredSteps returns the steps that must be DONE before s can run,
// ordered by step number.
func (s *Step) RequiredSteps() []*Step {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedSteps(s.required)
}

// StepsToInform returns the steps that depend on s, ordered by step number.
func (s *Step) StepsToInform() []*Step {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedSteps(s.inform)
}

// addDependency records that s requires producer. Both sides are updated.
func (s *Step) addDependency(producer *Step) {
	if producer == s {
		return
	}
	for _, r := range s.required {
		if r == producer {
			return
		}
	}
	s.required = append(s.required, producer)
	producer.inform = append(producer.inform, s)
}

// configure calls the module configuration hook and creates the ports.
func (s *Step) configure(formats *model.FormatRegistry) error {
	if err := s.module.Configure(s.params); err != nil {
		return err
	}
	in, err := port.NewInputPorts(s.id, s.module.InputSpecs(), formats)
	if err != nil {
		return err
	}
	out, err := port.NewOutputPorts(s.id, s.module.OutputSpecs(), formats)
	if err != nil {
		return err
	}
	s.inputs = in
	s.outputs = out
	return s.SetState(model.StepStateConfigured)
}

// SetState moves s to state to. Invalid transitions return a
// *model.InvalidTransitionError and leave the state unchanged.
//
// Observers are notified after the owning workflow updated its state index.
// When s becomes DONE, every dependent step is re-examined for readiness
// before the DONE transition itself is published, so an observer never sees
// a finished producer whose dependents have not been promoted yet.
func (s *Step) SetState(to model.StepState) error {
	s.mu.Lock()
	from := s.state
	if !from.CanTransitionTo(to) {
		s.mu.Unlock()
		return &model.InvalidTransitionError{Entity: "step", ID: s.id, From: string(from), To: string(to)}
	}
	s.state = to
	inform := append([]*Step(nil), s.inform...)
	s.mu.Unlock()

	switch to {
	case model.StepStateWaiting:
		s.published(from, to)
		s.checkReady()
	case model.StepStateDone:
		for _, d := range sortedSteps(inform) {
			d.checkReady()
		}
		s.published(from, to)
	default:
		s.published(from, to)
	}
	return nil
}

// checkReady promotes a WAITING step whose required steps are all DONE.
func (s *Step) checkReady() {
	s.mu.Lock()
	if s.state != model.StepStateWaiting {
		s.mu.Unlock()
		return
	}
	for _, r := range s.required {
		if r.State() != model.StepStateDone {
			s.mu.Unlock()
			return
		}
	}
	s.state = model.StepStateReady
	s.mu.Unlock()
	s.published(model.StepStateWaiting, model.StepStateReady)
}

func (s *Step) published(from, to model.StepState) {
	if s.workflow != nil {
		s.workflow.stateChanged(s, from, to)
	}
}

func sortedSteps(steps []*Step) []*Step {
	out := append([]*Step(nil), steps...)
	sort.Slice(out, func(i, j int) bool { return out[i].number < out[j].number })
	return out
}
