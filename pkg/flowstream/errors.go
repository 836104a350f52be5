package flowstream

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph building and compilation.
var (
	// ErrNoSources indicates the graph has no source vertex.
	ErrNoSources = errors.New("job graph has no sources")

	// ErrVertexNotFound indicates an edge references a non-existent vertex.
	ErrVertexNotFound = errors.New("vertex not found")

	// ErrDuplicateEdge indicates the same edge was connected twice.
	ErrDuplicateEdge = errors.New("duplicate edge")

	// ErrSourceHasInput indicates an edge leads into a source.
	ErrSourceHasInput = errors.New("source cannot have inputs")

	// ErrSinkHasOutput indicates an edge leaves a sink.
	ErrSinkHasOutput = errors.New("sink cannot have outputs")

	// ErrNoInput indicates an operator or sink nothing feeds.
	ErrNoInput = errors.New("vertex has no inputs")

	// ErrCycle indicates the graph is not acyclic.
	ErrCycle = errors.New("job graph contains a cycle")
)

// Sentinel errors for execution.
var (
	// ErrTaskNotRunning indicates a message for a task that is not deployed.
	ErrTaskNotRunning = errors.New("task not running")

	// ErrUnknownTask indicates a message for a task the job does not have.
	ErrUnknownTask = errors.New("unknown task")
)

// TaskError wraps an error with task context.
type TaskError struct {
	// TaskID is the task that failed.
	TaskID string
	// Op is the operation that failed ("open", "poll", "process", "notify", ...).
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %s: %v", e.TaskID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// PanicError captures a panic raised by user code in a task.
type PanicError struct {
	// TaskID is the task that panicked.
	TaskID string
	// Value is the value passed to panic().
	Value any
	// Stack is the stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.TaskID, e.Value)
}

// JobError is returned by Job.Run when the job gives up.
type JobError struct {
	JobID    string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed after %d attempt(s): %v", e.JobID, e.Attempts, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *JobError) Unwrap() error {
	return e.Err
}
