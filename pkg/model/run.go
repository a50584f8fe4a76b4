package model

import "time"

// RunState represents the lifecycle state of a recorded Run.
type RunState string

const (
	RunStateRunning   RunState = "RUNNING"
	RunStateSucceeded RunState = "SUCCEEDED"
	RunStateFailed    RunState = "FAILED"
)

// String returns the string representation of the run state.
func (s RunState) String() string {
	return string(s)
}

// IsTerminal returns true if the run is finished.
func (s RunState) IsTerminal() bool {
	return s == RunStateSucceeded || s == RunStateFailed
}

// Run is one recorded execution of a workflow.
type Run struct {
	ID          string       `json:"id"`
	Workflow    string       `json:"workflow"`
	State       RunState     `json:"state"`
	Message     string       `json:"message,omitempty"`
	OutputDir   string       `json:"output_dir"`
	Steps       []StepRecord `json:"steps,omitempty"`
	StepSummary StepSummary  `json:"step_summary"` // Computed field, not stored
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at"`
}

// StepRecord is the stored outcome of one step of a run.
type StepRecord struct {
	RunID        string           `json:"run_id"`
	StepID       string           `json:"step_id"`
	Module       string           `json:"module"`
	Success      bool             `json:"success"`
	TaskCount    int              `json:"task_count"`
	FailedTasks  int              `json:"failed_tasks"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Counters     map[string]int64 `json:"counters,omitempty"`
	Tasks        []TaskRecord     `json:"tasks,omitempty"`
	StartTime    time.Time        `json:"start_time"`
	EndTime      time.Time        `json:"end_time"`
}

// TaskRecord is the stored outcome of one task.
type TaskRecord struct {
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// StepSummary provides an aggregate count of step outcomes within a Run.
type StepSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Tasks     int `json:"tasks"`
}

// ComputeStepSummary calculates the StepSummary from a slice of StepRecords.
func ComputeStepSummary(steps []StepRecord) StepSummary {
	s := StepSummary{Total: len(steps)}
	for _, st := range steps {
		if st.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		s.Tasks += st.TaskCount
	}
	return s
}
