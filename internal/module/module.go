// Package module defines the contracts between the engine and step business
// logic: port declaration, configuration, and per-task execution.
package module

import (
	"context"

	"github.com/me/pipeflow/internal/port"
	"github.com/me/pipeflow/internal/task"
	"github.com/me/pipeflow/pkg/model"
)

// Module is the business logic behind a step.
//
// The graph builder calls Configure exactly once, then InputSpecs and
// OutputSpecs to create the step ports. Execute is invoked once per task
// context and must be safe to run in any order relative to sibling tasks of
// the same step. It must create its result through status.
type Module interface {
	Name() string
	Version() string
	Configure(params model.Parameters) error
	InputSpecs() []port.Spec
	OutputSpecs() []port.Spec
	Execute(ctx context.Context, tc *task.Context, status *task.Status) *task.Result
}

// Factory creates a fresh, unconfigured module instance.
type Factory func() Module
