package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeDefinitionNotFound         = "DEFINITION_NOT_FOUND"
	ErrCodeActionUnresolved           = "ACTION_UNRESOLVED"
	ErrCodeCommandFailure             = "COMMAND_FAILURE"
	ErrCodeExpressionUnresolvable     = "EXPRESSION_UNRESOLVABLE"
	ErrCodeSchedulingMisconfiguration = "SCHEDULING_MISCONFIGURATION"
	ErrCodeValidation                 = "VALIDATION_ERROR"
	ErrCodeCycleDetected              = "CYCLE_DETECTED"
	ErrCodeInvalidTransition          = "INVALID_TRANSITION"
	ErrCodeConflict                   = "CONFLICT"
	ErrCodeStore                      = "STORE_ERROR"
	ErrCodeCancelled                  = "CANCELLED"
	ErrCodeTimeout                    = "TIMEOUT_ERROR"
)

// Error is the structured error type for all pipewright operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	JobID   string         `json:"job_id,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	var loc []string
	if e.RunID != "" {
		loc = append(loc, "run "+e.RunID)
	}
	if e.JobID != "" {
		loc = append(loc, "job "+e.JobID)
	}
	if e.StepID != "" {
		loc = append(loc, "step "+e.StepID)
	}
	if len(loc) > 0 {
		return fmt.Sprintf("[%s] %s: %s", e.Code, strings.Join(loc, " "), e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRun attaches a run ID to the error.
func (e *Error) WithRun(runID string) *Error {
	e.RunID = runID
	return e
}

// WithJob attaches a job run ID to the error.
func (e *Error) WithJob(jobID string) *Error {
	e.JobID = jobID
	return e
}

// WithStep attaches a step ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// HasCode reports whether err, or any error it wraps, is an *Error with the given code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
