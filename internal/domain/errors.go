package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrExecutionFailure  = errors.New("execution failure")
	ErrValidation        = errors.New("validation error")
	ErrSchedulingFailure = errors.New("scheduling failure")
)

// TransitionError is returned when accept/dismiss/expire targets a non-pending suggestion.
type TransitionError struct {
	SuggestionID string
	From         Status
	To           Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid suggestion transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ExecutionError wraps a failed target-module write; the suggestion stays pending.
type ExecutionError struct {
	SuggestionID string
	Type         SuggestionType
	Err          error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s suggestion: %v", e.Type, e.Err)
}

// Unwrap exposes both the sentinel and the cause so errors.Is(err, ErrNotFound) still works.
func (e *ExecutionError) Unwrap() []error { return []error{ErrExecutionFailure, e.Err} }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// SchedulingError is logged by trigger points and never returned to their callers.
type SchedulingError struct {
	Handler string
	Err     error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("schedule %s: %v", e.Handler, e.Err)
}

func (e *SchedulingError) Unwrap() []error { return []error{ErrSchedulingFailure, e.Err} }
