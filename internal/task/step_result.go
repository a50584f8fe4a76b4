package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/me/pipeflow/pkg/model"
)

// StepResult aggregates the task results of one step. The first failure
// freezes the success flag and the error message; later failures are only
// counted. Once immutable, any mutation panics with model.ErrImmutableResult.
type StepResult struct {
	mu           sync.Mutex
	jobID        string
	stepID       string
	module       string
	version      string
	start        time.Time
	end          time.Time
	failure      *Failure
	failedTask   string
	failedCount  int
	taskCount    int
	tasks        map[string]*TaskReport
	counters     map[string]int64
	laterFailure []string
	immutable    bool
}

// NewStepResult creates an empty, successful, mutable step result.
func NewStepResult(jobID, stepID, module, version string) *StepResult {
	return &StepResult{
		jobID:    jobID,
		stepID:   stepID,
		module:   module,
		version:  version,
		tasks:    make(map[string]*TaskReport),
		counters: make(map[string]int64),
	}
}

// AddResult folds r into the step result.
func (sr *StepResult) AddResult(r *Result) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.checkMutable()

	if sr.start.IsZero() || r.Start().Before(sr.start) {
		sr.start = r.Start()
	}
	if r.End().After(sr.end) {
		sr.end = r.End()
	}
	sr.taskCount++

	counters := r.Counters()
	for k, v := range counters {
		sr.counters[k] += v
	}
	tr := &TaskReport{
		Name:        r.ContextName(),
		Success:     r.Success(),
		StartTime:   r.Start(),
		EndTime:     r.End(),
		DurationMS:  r.Duration().Milliseconds(),
		Counters:    counters,
		Message:     r.Message(),
		Description: r.Description(),
	}
	sr.tasks[r.ContextName()] = tr

	if f, failed := r.Failure(); failed {
		tr.Error = f.Error()
		sr.failedCount++
		if sr.failure == nil {
			sr.failure = f
			sr.failedTask = r.ContextName()
		} else {
			sr.laterFailure = append(sr.laterFailure, fmt.Sprintf("%s: %s", r.ContextName(), f.Error()))
		}
	}
}

// SetFailure records a step-level failure that is not tied to a task, such
// as an input stream that closed without data. It is ignored if a failure was
// already recorded.
func (sr *StepResult) SetFailure(msg string, cause error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.checkMutable()
	if sr.failure != nil {
		return
	}
	sr.failure = &Failure{Kind: ErrorKindFailure, Message: msg, Cause: cause}
	now := time.Now()
	if sr.start.IsZero() {
		sr.start = now
	}
	if sr.end.Before(now) {
		sr.end = now
	}
}

// SetStepCounter sets a step-level counter that does not come from a task.
func (sr *StepResult) SetStepCounter(name string, value int64) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.checkMutable()
	sr.counters[name] = value
}

// SetImmutable freezes the step result.
func (sr *StepResult) SetImmutable() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.immutable = true
}

// IsImmutable returns true once SetImmutable was called.
func (sr *StepResult) IsImmutable() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.immutable
}

// IsSuccess reflects the first task failure, if any.
func (sr *StepResult) IsSuccess() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.failure == nil
}

// FirstFailure returns the first failure and the name of its task.
func (sr *StepResult) FirstFailure() (*Failure, string, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.failure, sr.failedTask, sr.failure != nil
}

// FailedCount returns the number of failed tasks.
func (sr *StepResult) FailedCount() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.failedCount
}

// TaskCount returns the number of task results folded in.
func (sr *StepResult) TaskCount() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.taskCount
}

// Counters returns a copy of the step-level counters.
func (sr *StepResult) Counters() map[string]int64 {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return copyCounters(sr.counters)
}

// StepID returns the id of the step.
func (sr *StepResult) StepID() string { return sr.stepID }

// Report builds the structured step result document.
func (sr *StepResult) Report() Report {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	rep := Report{
		JobID:       sr.jobID,
		StepID:      sr.stepID,
		StepName:    sr.module,
		StepVersion: sr.version,
		StartTime:   sr.start,
		EndTime:     sr.end,
		DurationMS:  sr.end.Sub(sr.start).Milliseconds(),
		Success:     sr.failure == nil,
		TaskCount:   sr.taskCount,
		FailedTasks: sr.failedCount,
		FailedTask:  sr.failedTask,
		Counters:    copyCounters(sr.counters),
		LaterErrors: append([]string(nil), sr.laterFailure...),
		Immutable:   sr.immutable,
	}
	if sr.failure != nil {
		rep.ErrorKind = sr.failure.Kind
		rep.ErrorMessage = sr.failure.Message
		if sr.failure.Cause != nil {
			rep.ErrorCause = sr.failure.Cause.Error()
		}
	}
	for _, tr := range sr.tasks {
		rep.Tasks = append(rep.Tasks, *tr)
	}
	sort.Slice(rep.Tasks, func(i, j int) bool { return rep.Tasks[i].Name < rep.Tasks[j].Name })
	return rep
}

func (sr *StepResult) checkMutable() {
	if sr.immutable {
		panic(fmt.Errorf("step %s: %w", sr.stepID, model.ErrImmutableResult))
	}
}

// TaskReport is the per-task part of a step report.
type TaskReport struct {
	Name        string           `json:"name" yaml:"name"`
	Success     bool             `json:"success" yaml:"success"`
	StartTime   time.Time        `json:"start_time" yaml:"start_time"`
	EndTime     time.Time        `json:"end_time" yaml:"end_time"`
	DurationMS  int64            `json:"duration_ms" yaml:"duration_ms"`
	Counters    map[string]int64 `json:"counters,omitempty" yaml:"counters,omitempty"`
	Message     string           `json:"message,omitempty" yaml:"message,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Error       string           `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report is the structured step result document written once the step
// result is immutable.
type Report struct {
	JobID        string           `json:"job_id" yaml:"job_id"`
	StepID       string           `json:"step_id" yaml:"step_id"`
	StepName     string           `json:"step_name" yaml:"step_name"`
	StepVersion  string           `json:"step_version,omitempty" yaml:"step_version,omitempty"`
	StartTime    time.Time        `json:"start_time" yaml:"start_time"`
	EndTime      time.Time        `json:"end_time" yaml:"end_time"`
	DurationMS   int64            `json:"duration_ms" yaml:"duration_ms"`
	Success      bool             `json:"success" yaml:"success"`
	TaskCount    int              `json:"task_count" yaml:"task_count"`
	FailedTasks  int              `json:"failed_tasks" yaml:"failed_tasks"`
	FailedTask   string           `json:"failed_task,omitempty" yaml:"failed_task,omitempty"`
	ErrorKind    ErrorKind        `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	ErrorCause   string           `json:"error_cause,omitempty" yaml:"error_cause,omitempty"`
	LaterErrors  []string         `json:"later_errors,omitempty" yaml:"later_errors,omitempty"`
	Counters     map[string]int64 `json:"counters,omitempty" yaml:"counters,omitempty"`
	Tasks        []TaskReport     `json:"tasks" yaml:"tasks"`
	Immutable    bool             `json:"-" yaml:"-"`
}
