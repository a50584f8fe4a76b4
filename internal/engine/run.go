package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/me/pipeflow/internal/artifact"
	"github.com/me/pipeflow/internal/executor"
	"github.com/me/pipeflow/internal/store"
	"github.com/me/pipeflow/internal/workflow"
	"github.com/me/pipeflow/pkg/model"
)

// Layout names the directories of a run below its output directory.
type Layout struct {
	Tasks   string
	Reports string
	Logs    string
	Data    string
}

// NewLayout returns the layout rooted at outputDir.
func NewLayout(outputDir string) Layout {
	return Layout{
		Tasks:   filepath.Join(outputDir, "tasks"),
		Reports: filepath.Join(outputDir, "reports"),
		Logs:    filepath.Join(outputDir, "logs"),
		Data:    filepath.Join(outputDir, "data"),
	}
}

// RunOptions configures Run.
type RunOptions struct {
	OutputDir    string
	ReportFormat artifact.ReportFormat
	MaxWorkers   int
	Resume       bool
	TaskLogs     bool
	LogLevel     slog.Level
	LogFormat    string
	Driver       Config
	// Pool, when set, bounds the tasks instead of MaxWorkers and lets
	// callers observe them.
	Pool *executor.Pool
	// History records the run when non-nil.
	History store.Store
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// Run executes wf with the artifacts, executor, and recorder laid out below
// opts.OutputDir. The returned run record reflects the outcome even when
// the error is non-nil.
func Run(ctx context.Context, wf *workflow.Workflow, opts RunOptions, logger *slog.Logger) (*model.Run, error) {
	layout := NewLayout(opts.OutputDir)
	run := &model.Run{
		ID:        wf.ID(),
		Workflow:  wf.Name(),
		State:     model.RunStateRunning,
		OutputDir: opts.OutputDir,
		CreatedAt: time.Now().UTC(),
	}

	art, err := artifact.New(layout.Tasks, layout.Reports, opts.ReportFormat, wf.Formats(), logger)
	if err != nil {
		return run, err
	}

	execCfg := executor.Config{
		MaxWorkers: opts.MaxWorkers,
		Pool:       opts.Pool,
		LogLevel:   opts.LogLevel,
		LogFormat:  opts.LogFormat,
		Resume:     opts.Resume,
	}
	if opts.TaskLogs {
		execCfg.LogDir = layout.Logs
	}
	exec := executor.New(execCfg, art, logger)
	exec.OnProgress(func(name string, p float64) {
		logger.Debug("task progress", "task", name, "progress", p)
	})

	if opts.History != nil {
		if err := opts.History.CreateRun(ctx, run); err != nil {
			return run, fmt.Errorf("record run: %w", err)
		}
	}

	var checker workflow.OutputChecker = art
	if opts.Resume {
		checker = nil
	}
	cfg := opts.Driver
	cfg.Dataflow.OutputDir = layout.Data

	driver, err := NewDriver(wf, exec, NewRecorder(run.ID, art, opts.History, logger), checker, art, cfg, logger)
	if err == nil {
		err = driver.Execute(ctx)
	}
	finishRun(ctx, run, err, opts.History, logger)
	return run, err
}

func finishRun(ctx context.Context, run *model.Run, runErr error, history store.Store, logger *slog.Logger) {
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.State = model.RunStateSucceeded
	if runErr != nil {
		run.State = model.RunStateFailed
		run.Message = runErr.Error()
	}
	if history == nil {
		return
	}
	// The run context may be cancelled already; the final state is still recorded.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := history.UpdateRun(ctx, run); err != nil {
		logger.Error("record run outcome", "run_id", run.ID, "error", err)
	}
}
