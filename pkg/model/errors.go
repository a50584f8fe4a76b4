package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the progress API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates a VALIDATION_ERROR APIError.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(msg string) *APIError {
	return &APIError{Code: ErrInternal, Message: msg}
}

// Sentinel errors shared across the engine.
var (
	// ErrImmutableResult is raised when an immutable step result is mutated.
	ErrImmutableResult = errors.New("step result is immutable")
	// ErrResultAlreadyCreated is raised when a task status creates a second result.
	ErrResultAlreadyCreated = errors.New("task result already created")
	// ErrInvalidProgress is returned for progress values outside [0,1], NaN or infinite.
	ErrInvalidProgress = errors.New("progress must be a finite value in [0,1]")
	// ErrDataNameFrozen is returned when renaming data whose files were already materialized.
	ErrDataNameFrozen = errors.New("data cannot be renamed after its files were materialized")
	// ErrUnlinkedToken is returned when a token's origin is not linked to the receiving port.
	ErrUnlinkedToken = errors.New("token origin is not linked to input port")
	// ErrEmptyStream is returned when an end-of-stream token closes a port that received no data.
	ErrEmptyStream = errors.New("end of stream received before any data")
	// ErrPortClosed is returned when data arrives on an already closed port.
	ErrPortClosed = errors.New("input port is closed")
	// ErrUnknownPort is returned when a token is posted to a port the step does not declare.
	ErrUnknownPort = errors.New("unknown input port")
)

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}

// BuildErrorKind classifies graph-build errors.
type BuildErrorKind string

const (
	BuildErrUnresolvedInput BuildErrorKind = "UNRESOLVED_INPUT"
	BuildErrDuplicateStep   BuildErrorKind = "DUPLICATE_STEP"
	BuildErrReservedID      BuildErrorKind = "RESERVED_ID"
	BuildErrUnknownModule   BuildErrorKind = "UNKNOWN_MODULE"
	BuildErrConfigure       BuildErrorKind = "CONFIGURE"
	BuildErrInvalidStep     BuildErrorKind = "INVALID_STEP"
)

// BuildError is a fatal error raised while building the workflow graph.
type BuildError struct {
	Kind   BuildErrorKind
	StepID string
	Format string
	Err    error
}

func (e *BuildError) Error() string {
	switch e.Kind {
	case BuildErrUnresolvedInput:
		return fmt.Sprintf("step %q: no producer found for input format %q", e.StepID, e.Format)
	case BuildErrDuplicateStep:
		return fmt.Sprintf("duplicate step id %q", e.StepID)
	case BuildErrReservedID:
		return fmt.Sprintf("step id %q is reserved", e.StepID)
	}
	if e.Err != nil {
		return fmt.Sprintf("step %q: %s: %v", e.StepID, strings.ToLower(string(e.Kind)), e.Err)
	}
	return fmt.Sprintf("step %q: %s", e.StepID, strings.ToLower(string(e.Kind)))
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// PreflightError collects every problem found before the scheduling loop starts.
type PreflightError struct {
	Problems []string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("pre-flight check failed: %s", strings.Join(e.Problems, "; "))
}

// StepFailedError is surfaced by the workflow driver when a step fails.
// Message and Cause come from the first failing task of the step.
type StepFailedError struct {
	StepID  string
	Message string
	Cause   error
}

func (e *StepFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("step %s failed: %s: %v", e.StepID, e.Message, e.Cause)
	}
	return fmt.Sprintf("step %s failed: %s", e.StepID, e.Message)
}

func (e *StepFailedError) Unwrap() error {
	return e.Cause
}
