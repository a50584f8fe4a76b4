package store

import (
	"context"

	"github.com/me/pipeflow/internal/task"
	"github.com/me/pipeflow/pkg/model"
)

// Store defines the persistence layer for run history.
type Store interface {
	// Run CRUD
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
	UpdateRun(ctx context.Context, run *model.Run) error

	// Step results
	SaveStepReport(ctx context.Context, runID string, rep task.Report) error
	ListStepRecords(ctx context.Context, runID string) ([]model.StepRecord, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
