package workflow

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/me/pipeflow/pkg/model"
)

// Reserved step ids.
const (
	RootStepID     = "root"
	DesignStepID   = "design"
	TerminalStepID = "terminal"
)

// StateEvent describes one step state transition.
type StateEvent struct {
	WorkflowID string          `json:"workflow_id"`
	StepID     string          `json:"step_id"`
	StepNumber int             `json:"step_number"`
	Kind       model.StepKind  `json:"kind"`
	From       model.StepState `json:"from"`
	To         model.StepState `json:"to"`
	Time       time.Time       `json:"time"`
}

// Observer receives step state transitions. Observers are called
// synchronously from the goroutine changing the state and must not block.
type Observer func(StateEvent)

// Workflow is the ordered set of steps of one run.
type Workflow struct {
	id      string
	name    string
	formats *model.FormatRegistry
	design  *Design
	logger  *slog.Logger

	steps []*Step
	byID  map[string]*Step

	mu        sync.RWMutex
	index     map[model.StepState]map[string]*Step
	observers map[int]Observer
	nextObs   int
}

func newWorkflow(id, name string, formats *model.FormatRegistry, design *Design, logger *slog.Logger) *Workflow {
	return &Workflow{
		id:        id,
		name:      name,
		formats:   formats,
		design:    design,
		logger:    logger.With("component", "workflow", "workflow_id", id),
		byID:      make(map[string]*Step),
		index:     make(map[model.StepState]map[string]*Step),
		observers: make(map[int]Observer),
	}
}

// ID returns the job id of the run.
func (w *Workflow) ID() string { return w.id }

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Formats returns the format catalog the workflow was built against.
func (w *Workflow) Formats() *model.FormatRegistry { return w.formats }

// Design returns the experimental design of the run, possibly empty.
func (w *Workflow) Design() *Design { return w.design }

// register adds s to the workflow. A step belongs to at most one workflow.
func (w *Workflow) register(s *Step) error {
	if s.workflow != nil && s.workflow != w {
		return fmt.Errorf("step %q already belongs to workflow %q", s.id, s.workflow.id)
	}
	if _, dup := w.byID[s.id]; dup {
		return fmt.Errorf("duplicate step id %q", s.id)
	}
	s.workflow = w
	w.steps = append(w.steps, s)
	w.byID[s.id] = s

	w.mu.Lock()
	w.indexLocked(s, "", s.State())
	w.mu.Unlock()
	return nil
}

// Steps returns every step ordered by step number.
func (w *Workflow) Steps() []*Step {
	return sortedSteps(w.steps)
}

// Step returns the step with the given id.
func (w *Workflow) Step(id string) (*Step, bool) {
	s, ok := w.byID[id]
	return s, ok
}

// Root returns the root step.
func (w *Workflow) Root() *Step { return w.byID[RootStepID] }

// DesignStep returns the design source step.
func (w *Workflow) DesignStep() *Step { return w.byID[DesignStepID] }

// Terminal returns the terminal step.
func (w *Workflow) Terminal() *Step { return w.byID[TerminalStepID] }

// StepsInState returns the steps currently in state, highest kind priority
// first, then lowest step number.
func (w *Workflow) StepsInState(state model.StepState) []*Step {
	w.mu.RLock()
	out := make([]*Step, 0, len(w.index[state]))
	for _, s := range w.index[state] {
		out = append(out, s)
	}
	w.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].kind.Priority(), out[j].kind.Priority()
		if pi != pj {
			return pi > pj
		}
		return out[i].number < out[j].number
	})
	return out
}

// CountInState returns the number of steps in state.
func (w *Workflow) CountInState(state model.StepState) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.index[state])
}

// StateCounts returns the number of steps per state.
func (w *Workflow) StateCounts() map[model.StepState]int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[model.StepState]int, len(w.index))
	for state, steps := range w.index {
		if len(steps) > 0 {
			out[state] = len(steps)
		}
	}
	return out
}

// Subscribe registers an observer and returns a function removing it.
func (w *Workflow) Subscribe(o Observer) func() {
	w.mu.Lock()
	id := w.nextObs
	w.nextObs++
	w.observers[id] = o
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.observers, id)
		w.mu.Unlock()
	}
}

// Start moves every configured step to WAITING. Steps without requirements,
// the root step in a built workflow, become READY immediately.
func (w *Workflow) Start() error {
	for _, s := range w.Steps() {
		if err := s.SetState(model.StepStateWaiting); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workflow) stateChanged(s *Step, from, to model.StepState) {
	w.mu.Lock()
	w.indexLocked(s, from, to)
	observers := make([]Observer, 0, len(w.observers))
	ids := make([]int, 0, len(w.observers))
	for id := range w.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		observers = append(observers, w.observers[id])
	}
	w.mu.Unlock()

	w.logger.Debug("step state changed", "step_id", s.id, "from", from, "to", to)

	ev := StateEvent{
		WorkflowID: w.id,
		StepID:     s.id,
		StepNumber: s.number,
		Kind:       s.kind,
		From:       from,
		To:         to,
		Time:       time.Now().UTC(),
	}
	for _, o := range observers {
		o(ev)
	}
}

func (w *Workflow) indexLocked(s *Step, from, to model.StepState) {
	if from != "" {
		delete(w.index[from], s.id)
	}
	if w.index[to] == nil {
		w.index[to] = make(map[string]*Step)
	}
	w.index[to][s.id] = s
}
