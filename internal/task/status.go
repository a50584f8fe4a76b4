package task

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/me/pipeflow/pkg/model"
)

// CounterSource is an external source of named counters, such as the counter
// group of a tool run by the business logic.
type CounterSource interface {
	Counters() map[string]int64
}

// ProgressFunc is called whenever a task reports progress.
type ProgressFunc func(contextName string, progress float64)

// Status is the mutable handle given to business logic while a task runs.
// Exactly one result must be created per task.
type Status struct {
	mu          sync.Mutex
	ctx         *Context
	start       time.Time
	message     string
	description string
	counters    map[string]int64
	progress    float64
	result      *Result
	onProgress  ProgressFunc
	now         func() time.Time
}

// NewStatus creates the status handle of tc. The start time is taken now.
func NewStatus(tc *Context, onProgress ProgressFunc) *Status {
	return newStatus(tc, onProgress, time.Now)
}

func newStatus(tc *Context, onProgress ProgressFunc, now func() time.Time) *Status {
	return &Status{
		ctx:        tc,
		start:      now(),
		counters:   make(map[string]int64),
		onProgress: onProgress,
		now:        now,
	}
}

// SetMessage sets the free-text message of the task.
func (s *Status) SetMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = msg
}

// SetDescription sets the human-readable description of the task.
func (s *Status) SetDescription(desc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.description = desc
}

// IncrementCounter adds delta to the named counter.
func (s *Status) IncrementCounter(name string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
}

// MergeCounters adds every counter of src to the task counters.
func (s *Status) MergeCounters(src CounterSource) {
	if src == nil {
		return
	}
	values := src.Counters()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.counters[k] += v
	}
}

// Counters returns a copy of the current counters.
func (s *Status) Counters() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounters(s.counters)
}

// SetProgress sets the fractional progress of the task.
func (s *Status) SetProgress(p float64) error {
	if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 || p > 1 {
		return fmt.Errorf("%s: %v: %w", s.ctx.Name(), p, model.ErrInvalidProgress)
	}
	s.mu.Lock()
	s.progress = p
	cb := s.onProgress
	s.mu.Unlock()
	if cb != nil {
		cb(s.ctx.Name(), p)
	}
	return nil
}

// Progress returns the last reported progress.
func (s *Status) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// CreateSuccess creates the successful result of the task.
func (s *Status) CreateSuccess() *Result {
	return s.create(Success{})
}

// CreateFailure creates a failed result with an explicit message and an
// optional underlying cause.
func (s *Status) CreateFailure(msg string, cause error) *Result {
	return s.create(&Failure{Kind: ErrorKindFailure, Message: msg, Cause: cause})
}

// ForceFault turns the task into a FAULT failure with msg, replacing a
// result created before the fault. The executor uses it when business logic
// faults after creating its result, including a second result creation.
func (s *Status) ForceFault(msg string, recovered any) *Result {
	cause, ok := recovered.(error)
	if !ok {
		cause = fmt.Errorf("%v", recovered)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = s.newResultLocked(&Failure{Kind: ErrorKindFault, Message: msg, Cause: cause})
	return s.result
}

// Result returns the created result, if any.
func (s *Status) Result() (*Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.result != nil
}

// create panics with model.ErrResultAlreadyCreated on a second call.
func (s *Status) create(outcome Outcome) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result != nil {
		panic(fmt.Errorf("%s: %w", s.ctx.Name(), model.ErrResultAlreadyCreated))
	}
	if _, ok := outcome.(Success); ok {
		s.progress = 1
	}
	s.result = s.newResultLocked(outcome)
	return s.result
}

func (s *Status) newResultLocked(outcome Outcome) *Result {
	return &Result{
		contextID:   s.ctx.ID,
		contextName: s.ctx.Name(),
		stepID:      s.ctx.StepID,
		start:       s.start,
		end:         s.now(),
		counters:    copyCounters(s.counters),
		message:     s.message,
		description: s.description,
		outcome:     outcome,
	}
}
