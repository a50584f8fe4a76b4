package workflow

import (
	"fmt"
	"os"

	"github.com/me/pipeflow/internal/port"
	"github.com/me/pipeflow/pkg/model"
)

// OutputChecker reports artifacts of a previous run that would be
// overwritten by a step.
type OutputChecker interface {
	ExistingOutputs(stepID string) []string
}

// Preflight validates a built workflow before scheduling:
//   - every design file consumed by a non-optional input port must exist;
//   - no step about to run may overwrite outputs of a previous run, unless
//     checker is nil (resumption).
//
// All problems are collected into a single *model.PreflightError.
func Preflight(w *Workflow, checker OutputChecker) error {
	var problems []string

	if ds := w.DesignStep(); ds != nil {
		for _, out := range ds.Outputs().All() {
			if !requiredByConsumer(out.Links()) {
				continue
			}
			for _, e := range w.Design().Elements(out.Format()) {
				for _, f := range e.Files() {
					if _, err := os.Stat(f.Path); err != nil {
						problems = append(problems, fmt.Sprintf("sample %s: %s file %s does not exist", e.Name(), out.Format().Name, f.Path))
					}
				}
			}
		}
	}

	if checker != nil {
		for _, s := range w.Steps() {
			if !s.Kind().IsProducer() || s.Skip() {
				continue
			}
			for _, path := range checker.ExistingOutputs(s.ID()) {
				problems = append(problems, fmt.Sprintf("step %s: output %s already exists", s.ID(), path))
			}
		}
	}

	if len(problems) > 0 {
		return &model.PreflightError{Problems: problems}
	}
	return nil
}

func requiredByConsumer(links []*port.InputPort) bool {
	for _, in := range links {
		if !in.Optional() {
			return true
		}
	}
	return false
}
