package task

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrorKind classifies a task failure.
type ErrorKind string

const (
	// ErrorKindFailure is an explicit failure reported by business logic.
	ErrorKindFailure ErrorKind = "FAILURE"
	// ErrorKindFault is an uncaught fault (panic) raised by business logic.
	ErrorKindFault ErrorKind = "FAULT"
)

// Outcome is either Success or *Failure.
type Outcome interface {
	isOutcome()
}

// Success is the outcome of a task that completed normally.
type Success struct{}

// Failure is the outcome of a failed task.
type Failure struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (Success) isOutcome()  {}
func (*Failure) isOutcome() {}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return f.Message + ": " + f.Cause.Error()
	}
	return f.Message
}

// Result is the immutable record of one task execution.
type Result struct {
	contextID   int
	contextName string
	stepID      string
	start       time.Time
	end         time.Time
	counters    map[string]int64
	message     string
	description string
	outcome     Outcome
}

func (r *Result) ContextID() int          { return r.contextID }
func (r *Result) ContextName() string     { return r.contextName }
func (r *Result) StepID() string          { return r.stepID }
func (r *Result) Start() time.Time        { return r.start }
func (r *Result) End() time.Time          { return r.end }
func (r *Result) Duration() time.Duration { return r.end.Sub(r.start) }
func (r *Result) Message() string         { return r.message }
func (r *Result) Description() string     { return r.description }
func (r *Result) Outcome() Outcome        { return r.outcome }

// Counters returns a copy of the task counters.
func (r *Result) Counters() map[string]int64 {
	return copyCounters(r.counters)
}

// Success returns true if the task succeeded.
func (r *Result) Success() bool {
	_, ok := r.outcome.(Success)
	return ok
}

// Failure returns the failure outcome, if any.
func (r *Result) Failure() (*Failure, bool) {
	f, ok := r.outcome.(*Failure)
	return f, ok
}

type resultJSON struct {
	ContextID   int              `json:"context_id"`
	ContextName string           `json:"context_name"`
	StepID      string           `json:"step_id"`
	Start       time.Time        `json:"start_time"`
	End         time.Time        `json:"end_time"`
	DurationMS  int64            `json:"duration_ms"`
	Success     bool             `json:"success"`
	Counters    map[string]int64 `json:"counters,omitempty"`
	Message     string           `json:"message,omitempty"`
	Description string           `json:"description,omitempty"`
	ErrorKind   ErrorKind        `json:"error_kind,omitempty"`
	Error       string           `json:"error,omitempty"`
	Cause       string           `json:"cause,omitempty"`
}

// MarshalJSON encodes the result for persisted task artifacts.
func (r *Result) MarshalJSON() ([]byte, error) {
	rj := resultJSON{
		ContextID:   r.contextID,
		ContextName: r.contextName,
		StepID:      r.stepID,
		Start:       r.start,
		End:         r.end,
		DurationMS:  r.Duration().Milliseconds(),
		Success:     r.Success(),
		Counters:    r.counters,
		Message:     r.message,
		Description: r.description,
	}
	if f, ok := r.Failure(); ok {
		rj.ErrorKind = f.Kind
		rj.Error = f.Message
		if f.Cause != nil {
			rj.Cause = f.Cause.Error()
		}
	}
	return json.Marshal(rj)
}

// UnmarshalJSON decodes a persisted result. The failure cause is restored as
// a plain error carrying the original message.
func (r *Result) UnmarshalJSON(b []byte) error {
	var rj resultJSON
	if err := json.Unmarshal(b, &rj); err != nil {
		return err
	}
	*r = Result{
		contextID:   rj.ContextID,
		contextName: rj.ContextName,
		stepID:      rj.StepID,
		start:       rj.Start,
		end:         rj.End,
		counters:    copyCounters(rj.Counters),
		message:     rj.Message,
		description: rj.Description,
		outcome:     Success{},
	}
	if !rj.Success {
		f := &Failure{Kind: rj.ErrorKind, Message: rj.Error}
		if rj.Cause != "" {
			f.Cause = errors.New(rj.Cause)
		}
		r.outcome = f
	}
	return nil
}

func copyCounters(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
