// Package executor runs task contexts: it bounds concurrency, isolates the
// business logic in its own goroutine, converts panics into fault results,
// and persists task artifacts.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/me/pipeflow/internal/ctxlog"
	"github.com/me/pipeflow/internal/data"
	"github.com/me/pipeflow/internal/logging"
	"github.com/me/pipeflow/internal/module"
	"github.com/me/pipeflow/internal/task"
	"github.com/me/pipeflow/internal/workflow"
	"github.com/me/pipeflow/pkg/model"
)

// Store persists task artifacts. Implementations must be safe for
// concurrent use.
type Store interface {
	SaveContext(tc *task.Context) error
	SaveResult(r *task.Result) error
	SaveOutputs(tc *task.Context) error
	MarkDone(contextName string) error
	// Completed returns the persisted result and outputs of tc if a previous
	// run completed it successfully with the same inputs.
	Completed(tc *task.Context) (*task.Result, map[string]data.Data, bool)
}

// Config controls an Executor.
type Config struct {
	// MaxWorkers bounds concurrently running tasks. <= 0 means unlimited.
	// Ignored when Pool is set.
	MaxWorkers int
	// Pool is shared with observers of the running tasks. New creates one
	// from MaxWorkers when nil.
	Pool *Pool
	// LogDir receives one log file per task when non-empty.
	LogDir    string
	LogLevel  slog.Level
	LogFormat string
	// Resume reuses the artifacts of tasks completed by a previous run.
	Resume bool
}

// Executor runs task contexts on behalf of the step managers.
type Executor struct {
	cfg        Config
	pool       *Pool
	store      Store
	logger     *slog.Logger
	onProgress task.ProgressFunc
}

// New creates an Executor. store may be nil to disable persistence.
func New(cfg Config, store Store, logger *slog.Logger) *Executor {
	pool := cfg.Pool
	if pool == nil {
		pool = NewPool(cfg.MaxWorkers)
	}
	return &Executor{
		cfg:    cfg,
		pool:   pool,
		store:  store,
		logger: logger.With("component", "executor"),
	}
}

// OnProgress registers the callback receiving task progress updates.
func (e *Executor) OnProgress(fn task.ProgressFunc) {
	e.onProgress = fn
}

// Run executes tc with the module of step and returns its result.
func (e *Executor) Run(ctx context.Context, step *workflow.Step, tc *task.Context) *task.Result {
	if e.cfg.Resume && e.store != nil {
		if r, outputs, ok := e.store.Completed(tc); ok {
			for name, d := range outputs {
				tc.ReplaceOutput(name, d)
			}
			e.logger.Info("task reused from previous run", "task", tc.Name())
			return r
		}
	}

	status := task.NewStatus(tc, e.onProgress)
	if !e.pool.Acquire(ctx, tc.Name()) {
		return status.CreateFailure("task cancelled before start", ctx.Err())
	}
	defer e.pool.Release(tc.Name())

	taskLogger, closeLog, err := e.taskLogger(tc)
	if err != nil {
		return status.CreateFailure("open task log", err)
	}
	defer closeLog()
	ctx = ctxlog.WithLogger(ctx, taskLogger)

	if e.store != nil {
		e.check(tc, "save context", e.store.SaveContext(tc))
	}

	e.logger.Debug("task started", "task", tc.Name(), "module", step.ModuleName())
	r := e.execute(ctx, step.Module(), tc, status)

	if e.store != nil {
		e.check(tc, "save result", e.store.SaveResult(r))
		if r.Success() {
			e.check(tc, "save outputs", e.store.SaveOutputs(tc))
			e.check(tc, "mark done", e.store.MarkDone(tc.Name()))
		}
	}

	if f, failed := r.Failure(); failed {
		taskLogger.Error("task failed", "kind", f.Kind, "error", f.Error())
	} else {
		taskLogger.Info("task completed", "duration", r.Duration())
	}
	return r
}

// execute runs the module on its own goroutine and waits for its result.
func (e *Executor) execute(ctx context.Context, mod module.Module, tc *task.Context, status *task.Status) *task.Result {
	done := make(chan *task.Result, 1)
	go func() {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, model.ErrResultAlreadyCreated) {
				e.logger.Error("task created more than one result", "task", tc.Name(), "error", err)
				done <- status.ForceFault("task created more than one result", err)
				return
			}
			e.logger.Error("task panicked", "task", tc.Name(), "panic", rec)
			done <- status.ForceFault("uncaught fault in task", rec)
		}()

		r := mod.Execute(ctx, tc, status)
		if existing, ok := status.Result(); ok {
			r = existing
		} else if r == nil {
			r = status.CreateFailure(fmt.Sprintf("module %s returned no result", mod.Name()), nil)
		}
		done <- r
	}()
	return <-done
}

// taskLogger returns the logger handed to business logic. With a log
// directory it also writes to <LogDir>/<context name>.log.
func (e *Executor) taskLogger(tc *task.Context) (*slog.Logger, func(), error) {
	attrs := []any{"step_id", tc.StepID, "task", tc.Name()}
	if e.cfg.LogDir == "" {
		return e.logger.With(attrs...), func() {}, nil
	}
	tl, err := logging.OpenTaskLog(e.logger, e.cfg.LogDir, tc.Name(), e.cfg.LogLevel, e.cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return tl.Logger.With(attrs...), func() { tl.Close() }, nil
}

func (e *Executor) check(tc *task.Context, what string, err error) {
	if err != nil {
		e.logger.Warn("task artifact", "task", tc.Name(), "op", what, "error", err)
	}
}
