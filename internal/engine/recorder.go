package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/me/pipeflow/internal/task"
	"github.com/me/pipeflow/internal/workflow"
)

// ReportWriter writes step result reports.
type ReportWriter interface {
	WriteReport(rep task.Report) error
}

// HistoryWriter records step reports in the run history.
type HistoryWriter interface {
	SaveStepReport(ctx context.Context, runID string, rep task.Report) error
}

// Recorder persists the immutable result of every finished step as a report
// file and a run history entry. Either destination may be nil.
type Recorder struct {
	runID   string
	reports ReportWriter
	history HistoryWriter
	logger  *slog.Logger
}

// NewRecorder creates a Recorder for the run runID.
func NewRecorder(runID string, reports ReportWriter, history HistoryWriter, logger *slog.Logger) *Recorder {
	return &Recorder{
		runID:   runID,
		reports: reports,
		history: history,
		logger:  logger.With("component", "recorder"),
	}
}

// StepFinished implements dataflow.ResultSink.
func (r *Recorder) StepFinished(ctx context.Context, step *workflow.Step, sr *task.StepResult) error {
	if !sr.IsImmutable() {
		return fmt.Errorf("step %s: result is still mutable", step.ID())
	}
	rep := sr.Report()

	var errs []error
	if r.reports != nil {
		if err := r.reports.WriteReport(rep); err != nil {
			errs = append(errs, fmt.Errorf("write report: %w", err))
		}
	}
	if r.history != nil {
		if err := r.history.SaveStepReport(ctx, r.runID, rep); err != nil {
			errs = append(errs, fmt.Errorf("save history: %w", err))
		}
	}
	r.logger.Debug("step recorded", "step_id", step.ID(), "success", rep.Success, "tasks", rep.TaskCount)
	return errors.Join(errs...)
}
