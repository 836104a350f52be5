package flowstream

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/flowstream/pkg/flowstream/observability"
)

// Context is handed to sources and operators.
// It extends context.Context with the task's identity and logger.
type Context interface {
	context.Context

	// Logger returns the task logger, enriched with job, task and attempt.
	// Never returns nil.
	Logger() *slog.Logger

	// JobID returns the job the task belongs to.
	JobID() string

	// TaskID returns the vertex id of the task.
	TaskID() string

	// Attempt returns the execution attempt (1 = first run, +1 per restart).
	Attempt() int
}

type taskContext struct {
	context.Context

	logger  *slog.Logger
	jobID   string
	taskID  string
	attempt int
}

func (c *taskContext) Logger() *slog.Logger { return c.logger }
func (c *taskContext) JobID() string        { return c.jobID }
func (c *taskContext) TaskID() string       { return c.taskID }
func (c *taskContext) Attempt() int         { return c.attempt }

// ContextOption configures a Context.
type ContextOption func(*taskContext)

// WithContextLogger sets the base logger.
func WithContextLogger(logger *slog.Logger) ContextOption {
	return func(c *taskContext) { c.logger = logger }
}

// WithContextJobID sets the job id.
func WithContextJobID(id string) ContextOption {
	return func(c *taskContext) { c.jobID = id }
}

// WithContextTaskID sets the task id.
func WithContextTaskID(id string) ContextOption {
	return func(c *taskContext) { c.taskID = id }
}

// WithContextAttempt sets the attempt number.
func WithContextAttempt(n int) ContextOption {
	return func(c *taskContext) { c.attempt = n }
}

// NewContext creates a Context, e.g. to unit test an operator outside a job.
func NewContext(ctx context.Context, opts ...ContextOption) Context {
	c := &taskContext{
		Context: ctx,
		logger:  slog.Default(),
		attempt: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = observability.EnrichLogger(c.logger, c.jobID, c.taskID, c.attempt)
	return c
}
