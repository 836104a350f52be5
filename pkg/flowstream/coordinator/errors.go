package coordinator

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
)

// Sentinel errors for the coordinator.
var (
	// ErrShutdown indicates the coordinator has stopped.
	ErrShutdown = errors.New("checkpoint coordinator shut down")

	// ErrTooManyConcurrent indicates the pending checkpoint limit is reached.
	ErrTooManyConcurrent = errors.New("too many concurrent checkpoints")

	// ErrMinPauseNotElapsed indicates the previous trigger was too recent.
	ErrMinPauseNotElapsed = errors.New("minimum pause between checkpoints not elapsed")

	// ErrTasksNotReady indicates not all tasks are running.
	ErrTasksNotReady = errors.New("not all tasks are running")

	// ErrTooManyFailures indicates the failure tolerance is exhausted.
	ErrTooManyFailures = errors.New("exceeded checkpoint failure tolerance")
)

// TriggerError reports a checkpoint that was never started.
type TriggerError struct {
	Reason checkpoint.FailureReason
	Err    error
}

// Error implements the error interface.
func (e *TriggerError) Error() string {
	return fmt.Sprintf("trigger checkpoint: %s: %v", e.Reason, e.Err)
}

// Unwrap returns the underlying error.
func (e *TriggerError) Unwrap() error {
	return e.Err
}
