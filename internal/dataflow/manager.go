package dataflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/pipeflow/internal/data"
	"github.com/me/pipeflow/internal/task"
	"github.com/me/pipeflow/internal/workflow"
	"github.com/me/pipeflow/pkg/model"
)

// TaskRunner executes one task context of a step.
type TaskRunner interface {
	Run(ctx context.Context, step *workflow.Step, tc *task.Context) *task.Result
}

// ResultSink persists the immutable result of a finished step.
type ResultSink interface {
	StepFinished(ctx context.Context, step *workflow.Step, sr *task.StepResult) error
}

// Config controls a Manager.
type Config struct {
	// PollInterval bounds the delay between two join passes when no token
	// or task completion wakes the manager up.
	PollInterval time.Duration
	// OutputDir is where placeholder outputs are allocated.
	OutputDir string
	// Inline runs tasks on the manager goroutine instead of spawning one
	// goroutine per task.
	Inline bool
}

// DefaultConfig returns a Config with a 100ms poll interval.
func DefaultConfig() Config {
	return Config{PollInterval: 100 * time.Millisecond}
}

// Manager owns the token bookkeeping of one step. It joins received tokens
// into task contexts, dispatches them, folds task results into the step
// result, and finalizes the step once every input stream is closed.
type Manager struct {
	step   *workflow.Step
	router *Router
	runner TaskRunner
	sink   ResultSink
	cfg    Config
	jobID  string
	logger *slog.Logger

	mu         sync.Mutex
	seen       map[string]bool
	values     map[string][]*data.Element
	lists      map[string]*data.List
	received   map[string]int
	closed     map[string]bool
	empty      []string
	used       map[string]bool
	names      map[string]bool
	nextID     int
	inFlight   int
	dispatched bool
	failed     bool
	finished   bool
	result     *task.StepResult

	wg       sync.WaitGroup
	wake     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  bool
}

// NewManager creates the manager of step and registers it with router.
func NewManager(step *workflow.Step, router *Router, runner TaskRunner, sink ResultSink, cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	jobID := ""
	if wf := step.Workflow(); wf != nil {
		jobID = wf.ID()
	}
	m := &Manager{
		step:     step,
		router:   router,
		runner:   runner,
		sink:     sink,
		cfg:      cfg,
		jobID:    jobID,
		logger:   logger.With("component", "manager", "step_id", step.ID()),
		seen:     make(map[string]bool),
		values:   make(map[string][]*data.Element),
		lists:    make(map[string]*data.List),
		received: make(map[string]int),
		closed:   make(map[string]bool),
		used:     make(map[string]bool),
		names:    make(map[string]bool),
		result:   task.NewStepResult(jobID, step.ID(), step.ModuleName(), step.Module().Version()),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if err := router.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Step returns the managed step.
func (m *Manager) Step() *workflow.Step { return m.step }

// Result returns the step result. It is immutable once the step is finished.
func (m *Manager) Result() *task.StepResult { return m.result }

// PostToken delivers tok to the named input port.
//
// Duplicate deliveries of the same token to the same port are ignored. A
// token whose origin is not the producer linked to the port is rejected with
// model.ErrUnlinkedToken. An end-of-stream token on a port that received no
// data closes the port and returns model.ErrEmptyStream; the step then fails.
func (m *Manager) PostToken(portName string, tok *Token) error {
	in, ok := m.step.Inputs().Get(portName)
	if !ok {
		return fmt.Errorf("step %s: port %q: %w", m.step.ID(), portName, model.ErrUnknownPort)
	}
	if in.Link() != tok.Origin() {
		return fmt.Errorf("step %s: port %q: %s: %w", m.step.ID(), portName, tok, model.ErrUnlinkedToken)
	}

	defer m.signal()
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%s#%d", portName, tok.ID())
	if m.seen[key] {
		return nil
	}
	if m.closed[portName] {
		return fmt.Errorf("step %s: port %q: %s: %w", m.step.ID(), portName, tok, model.ErrPortClosed)
	}
	m.seen[key] = true

	if tok.IsEndOfStream() {
		m.closed[portName] = true
		noData := m.received[portName] == 0
		if !in.IsList() && len(m.values[portName]) == 0 {
			noData = true
		}
		if noData {
			m.empty = append(m.empty, portName)
			return fmt.Errorf("step %s: port %q: %w", m.step.ID(), portName, model.ErrEmptyStream)
		}
		return nil
	}

	m.received[portName]++
	d := tok.Data()
	if in.IsList() {
		l := m.lists[portName]
		if l == nil {
			name := portName
			if d.IsList() {
				name = d.Name()
			}
			l = data.NewList(name, in.Format())
			m.lists[portName] = l
		}
		l.Append(d.Elements()...)
		return nil
	}
	// List data on a single-value port contributes each member on its own.
	m.values[portName] = append(m.values[portName], d.Elements()...)
	return nil
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Start runs the join loop until the step is finished, ctx is cancelled, or
// Stop is called. The step must be WORKING.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	defer close(m.doneCh)

	m.logger.Info("step started", "inputs", m.step.Inputs().Len(), "outputs", m.step.Outputs().Len())

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if m.poll(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return
		case <-m.stopCh:
			m.mu.Lock()
			m.failed = true
			m.mu.Unlock()
			m.wg.Wait()
			return
		case <-ticker.C:
		case <-m.wake:
		}
	}
}

// Stop stops dispatching new tasks and waits for the tasks in flight.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.doneCh
	}
}

// poll runs one join pass. It returns true once the step is finished.
func (m *Manager) poll(ctx context.Context) bool {
	m.mu.Lock()
	if len(m.empty) > 0 && !m.failed {
		m.failed = true
		m.result.SetFailure(fmt.Sprintf("no data received on input port %q", m.empty[0]), model.ErrEmptyStream)
	}
	contexts := m.newContextsLocked()
	complete := m.failed || m.allClosedLocked()
	idle := m.inFlight == 0
	m.inFlight += len(contexts)
	m.mu.Unlock()

	if len(contexts) > 0 {
		m.dispatch(ctx, contexts)
		m.signal()
		return false
	}
	if !complete || !idle {
		return false
	}
	m.finish(ctx)
	return true
}

func (m *Manager) allClosedLocked() bool {
	for _, in := range m.step.Inputs().All() {
		if !m.closed[in.Name()] {
			return false
		}
	}
	return true
}

// newContextsLocked builds every combination of received values not used
// yet. List ports contribute their whole list once closed.
func (m *Manager) newContextsLocked() []*task.Context {
	if m.failed {
		return nil
	}
	ins := m.step.Inputs().All()
	if len(ins) == 0 {
		if m.dispatched {
			return nil
		}
		m.dispatched = true
		return []*task.Context{m.newContextLocked(nil)}
	}

	sizes := make([]int, len(ins))
	for i, in := range ins {
		if in.IsList() {
			if !m.closed[in.Name()] || m.lists[in.Name()] == nil {
				return nil
			}
			sizes[i] = 1
			continue
		}
		sizes[i] = len(m.values[in.Name()])
		if sizes[i] == 0 {
			return nil
		}
	}

	var out []*task.Context
	for _, combo := range crossProduct(sizes) {
		key := comboKey(combo)
		if m.used[key] {
			continue
		}
		m.used[key] = true
		inputs := make(map[string]data.Data, len(ins))
		for i, in := range ins {
			if in.IsList() {
				inputs[in.Name()] = m.lists[in.Name()]
			} else {
				inputs[in.Name()] = m.values[in.Name()][combo[i]]
			}
		}
		out = append(out, m.newContextLocked(inputs))
	}
	return out
}

func (m *Manager) newContextLocked(inputs map[string]data.Data) *task.Context {
	id := m.nextID
	m.nextID++
	tc := task.NewContext(m.step.ID(), id, inputs, m.allocateOutputsLocked(id, inputs))
	tc.JobID = m.jobID
	tc.OutputDir = m.cfg.OutputDir
	return tc
}

// allocateOutputsLocked creates one placeholder per output port. Names and
// metadata derive from the naming source input; a name already used by
// another task of the step gets the task id appended.
func (m *Manager) allocateOutputsLocked(id int, inputs map[string]data.Data) map[string]data.Data {
	ins := m.step.Inputs().All()
	src := namingSource(ins, inputs)
	name := m.step.ID()
	if src != nil {
		name = src.Name()
	}
	if m.names[name] {
		name = fmt.Sprintf("%s-%d", name, id)
	}
	m.names[name] = true

	outputs := make(map[string]data.Data, m.step.Outputs().Len())
	for _, op := range m.step.Outputs().All() {
		n := data.Naming{
			Dir:         m.cfg.OutputDir,
			StepID:      m.step.ID(),
			Port:        op.Name(),
			Format:      op.Format(),
			Compression: op.Compression(),
		}
		var d data.Data
		if op.IsList() {
			d = n.PlaceholderList(name)
		} else {
			count := 1
			if op.Format().IsMultiFile() {
				count = fileCount(ins, inputs, op.Format().Name)
			}
			d = n.Placeholder(name, count)
		}
		if src != nil {
			d.Metadata().CopyFrom(src.Metadata())
		}
		outputs[op.Name()] = d
	}
	return outputs
}

func (m *Manager) dispatch(ctx context.Context, contexts []*task.Context) {
	for _, tc := range contexts {
		m.logger.Debug("task dispatched", "task", tc.Name())
		if m.cfg.Inline {
			m.runTask(ctx, tc)
			continue
		}
		m.wg.Add(1)
		go func(tc *task.Context) {
			defer m.wg.Done()
			m.runTask(ctx, tc)
		}(tc)
	}
}

// runTask executes tc and emits its outputs on success. A failure stops the
// dispatch of further tasks of the step.
func (m *Manager) runTask(ctx context.Context, tc *task.Context) {
	r := m.runner.Run(ctx, m.step, tc)

	if r.Success() {
		for _, op := range m.step.Outputs().All() {
			d, ok := tc.Output(op.Name())
			if !ok {
				continue
			}
			if err := m.router.Emit(op, d); err != nil {
				m.logger.Warn("emit failed", "task", tc.Name(), "port", op.Name(), "error", err)
			}
		}
	} else {
		f, _ := r.Failure()
		m.logger.Error("task failed", "task", tc.Name(), "error", f.Error())
	}

	m.mu.Lock()
	m.result.AddResult(r)
	m.inFlight--
	if !r.Success() {
		m.failed = true
	}
	m.mu.Unlock()
	m.signal()
}

// finish freezes the step result, persists it, closes every output stream
// on success, and only then publishes the final state, so that consumers
// hold every token of the step before they can become READY.
func (m *Manager) finish(ctx context.Context) {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return
	}
	m.finished = true
	m.mu.Unlock()

	m.result.SetImmutable()
	success := m.result.IsSuccess()
	m.persist(ctx)

	if success {
		m.closeOutputs()
		m.setState(model.StepStateDone)
		m.logger.Info("step done", "tasks", m.result.TaskCount())
		return
	}
	f, failedTask, _ := m.result.FirstFailure()
	m.logger.Error("step failed", "task", failedTask, "failed_tasks", m.result.FailedCount(), "error", f.Error())
	m.setState(model.StepStateFail)
}

// Skip completes a skipped READY step without running it: outputs persisted
// by a previous run are replayed downstream, then every output stream is
// closed and the step becomes DONE.
func (m *Manager) Skip(ctx context.Context, outputs map[string][]data.Data) {
	m.mu.Lock()
	m.finished = true
	m.mu.Unlock()

	replayed := 0
	for _, op := range m.step.Outputs().All() {
		for _, d := range outputs[op.Name()] {
			if err := m.router.Emit(op, d); err != nil {
				m.logger.Warn("replay failed", "port", op.Name(), "error", err)
			}
			replayed++
		}
	}
	m.result.SetStepCounter("replayed_outputs", int64(replayed))
	m.result.SetImmutable()
	m.persist(ctx)
	m.closeOutputs()
	m.setState(model.StepStateDone)
	m.logger.Info("step skipped", "replayed_outputs", replayed)
}

func (m *Manager) closeOutputs() {
	for _, op := range m.step.Outputs().All() {
		if err := m.router.EmitEnd(op); err != nil {
			m.logger.Warn("end of stream delivery failed", "port", op.Name(), "error", err)
		}
	}
}

func (m *Manager) persist(ctx context.Context) {
	if m.sink == nil {
		return
	}
	if err := m.sink.StepFinished(ctx, m.step, m.result); err != nil {
		m.logger.Error("persist step result", "error", err)
	}
}

func (m *Manager) setState(to model.StepState) {
	if err := m.step.SetState(to); err != nil {
		m.logger.Error("set step state", "to", to, "error", err)
	}
}
