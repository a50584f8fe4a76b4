// Package engine drives a built workflow to completion: it starts the token
// manager of each READY step in priority order and aborts the run on the
// first step failure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/pipeflow/internal/data"
	"github.com/me/pipeflow/internal/dataflow"
	"github.com/me/pipeflow/internal/workflow"
	"github.com/me/pipeflow/pkg/model"
)

// ErrStalled is returned when steps are still WAITING but nothing is READY
// or WORKING.
var ErrStalled = errors.New("workflow stalled")

// OutputSource returns the outputs a previous run persisted for a step. It
// feeds the replay of skipped steps.
type OutputSource interface {
	StepOutputs(stepID string) (map[string][]data.Data, error)
}

// Config controls a Driver.
type Config struct {
	// PollInterval bounds the delay between two scheduling passes when no
	// state change wakes the driver up.
	PollInterval time.Duration
	// Dataflow configures the token managers.
	Dataflow dataflow.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PollInterval: time.Second, Dataflow: dataflow.DefaultConfig()}
}

// Driver executes one workflow.
type Driver struct {
	wf       *workflow.Workflow
	router   *dataflow.Router
	managers map[string]*dataflow.Manager
	checker  workflow.OutputChecker
	replay   OutputSource
	cfg      Config
	logger   *slog.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	started []*dataflow.Manager
}

// NewDriver creates the token manager of every step of wf. checker and
// replay may be nil.
func NewDriver(wf *workflow.Workflow, runner dataflow.TaskRunner, sink dataflow.ResultSink,
	checker workflow.OutputChecker, replay OutputSource, cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	d := &Driver{
		wf:       wf,
		router:   dataflow.NewRouter(logger),
		managers: make(map[string]*dataflow.Manager),
		checker:  checker,
		replay:   replay,
		cfg:      cfg,
		logger:   logger.With("component", "driver", "job_id", wf.ID()),
	}
	for _, s := range wf.Steps() {
		m, err := dataflow.NewManager(s, d.router, runner, sink, cfg.Dataflow, logger)
		if err != nil {
			return nil, fmt.Errorf("manager %s: %w", s.ID(), err)
		}
		d.managers[s.ID()] = m
	}
	return d, nil
}

// Workflow returns the driven workflow.
func (d *Driver) Workflow() *workflow.Workflow { return d.wf }

// Manager returns the token manager of a step.
func (d *Driver) Manager(stepID string) (*dataflow.Manager, bool) {
	m, ok := d.managers[stepID]
	return m, ok
}

// Execute runs the pre-flight checks, starts the workflow, and schedules
// READY steps until the terminal step is DONE. The first failed step aborts
// the run with a *model.StepFailedError.
func (d *Driver) Execute(ctx context.Context) error {
	if err := workflow.Preflight(d.wf, d.checker); err != nil {
		return err
	}

	wake := make(chan struct{}, 1)
	unsubscribe := d.wf.Subscribe(func(workflow.StateEvent) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	if err := d.wf.Start(); err != nil {
		return err
	}
	d.logger.Info("workflow started", "name", d.wf.Name(), "steps", len(d.wf.Steps()))
	start := time.Now()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := d.schedule(ctx)
		if err != nil {
			d.abort()
			d.logger.Error("workflow failed", "error", err, "duration", time.Since(start))
			return err
		}
		if done {
			d.wg.Wait()
			d.logger.Info("workflow completed", "duration", time.Since(start))
			return nil
		}

		select {
		case <-ctx.Done():
			d.abort()
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

// schedule runs one scheduling pass. It returns true once the terminal step
// is DONE.
func (d *Driver) schedule(ctx context.Context) (bool, error) {
	if failed := d.wf.StepsInState(model.StepStateFail); len(failed) > 0 {
		return false, d.failure(failed[0])
	}
	if d.wf.Terminal().State() == model.StepStateDone {
		return true, nil
	}

	for {
		ready := d.wf.StepsInState(model.StepStateReady)
		if len(ready) == 0 {
			break
		}
		if err := d.launch(ctx, ready[0]); err != nil {
			return false, err
		}
		if ready[0].State() == model.StepStateReady {
			return false, fmt.Errorf("step %s did not leave READY", ready[0].ID())
		}
	}

	if d.wf.CountInState(model.StepStateWorking) == 0 &&
		d.wf.CountInState(model.StepStateReady) == 0 &&
		d.wf.Terminal().State() != model.StepStateDone &&
		d.wf.CountInState(model.StepStateFail) == 0 {
		counts := d.wf.StateCounts()
		return false, fmt.Errorf("%w: %d step(s) waiting with nothing ready or working", ErrStalled, counts[model.StepStateWaiting])
	}
	return false, nil
}

// launch starts the pipeline of a READY step, or completes it at once when
// it is flagged skip.
func (d *Driver) launch(ctx context.Context, s *workflow.Step) error {
	m := d.managers[s.ID()]
	if s.Skip() {
		outputs := d.replayOutputs(s)
		m.Skip(ctx, outputs)
		return nil
	}
	if err := s.SetState(model.StepStateWorking); err != nil {
		return err
	}
	d.logger.Debug("step dispatched", "step_id", s.ID(), "kind", s.Kind(), "number", s.Number())

	d.mu.Lock()
	d.started = append(d.started, m)
	d.mu.Unlock()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		m.Start(ctx)
	}()
	return nil
}

func (d *Driver) replayOutputs(s *workflow.Step) map[string][]data.Data {
	if d.replay == nil {
		return nil
	}
	outputs, err := d.replay.StepOutputs(s.ID())
	if err != nil {
		d.logger.Warn("no outputs to replay for skipped step", "step_id", s.ID(), "error", err)
		return nil
	}
	return outputs
}

func (d *Driver) failure(s *workflow.Step) error {
	err := &model.StepFailedError{StepID: s.ID(), Message: "step failed"}
	if f, taskName, ok := d.managers[s.ID()].Result().FirstFailure(); ok {
		err.Message = f.Message
		err.Cause = f.Cause
		if taskName != "" {
			d.logger.Error("first failure", "step_id", s.ID(), "task", taskName, "error", f.Error())
		}
	}
	return err
}

// abort stops every started manager and waits for their tasks in flight.
func (d *Driver) abort() {
	d.mu.Lock()
	started := append([]*dataflow.Manager(nil), d.started...)
	d.mu.Unlock()
	for _, m := range started {
		m.Stop()
	}
	d.wg.Wait()
}
