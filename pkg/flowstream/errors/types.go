package errors

import (
	"fmt"
	"time"
)

// TimeoutError indicates an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// UnavailableError indicates a remote party (task, store, external system)
// could not be reached. It is always retryable.
type UnavailableError struct {
	Target string
	Err    error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s unavailable: %v", e.Target, e.Err)
	}
	return fmt.Sprintf("%s unavailable", e.Target)
}

// Unwrap returns the underlying error.
func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// HumanInterventionError indicates an operator must resolve the condition.
type HumanInterventionError struct {
	Question string
	Original error
}

// Error implements the error interface.
func (e *HumanInterventionError) Error() string {
	if e.Original != nil {
		return fmt.Sprintf("human intervention required: %s: %v", e.Question, e.Original)
	}
	return fmt.Sprintf("human intervention required: %s", e.Question)
}

// Unwrap returns the original error.
func (e *HumanInterventionError) Unwrap() error {
	return e.Original
}
