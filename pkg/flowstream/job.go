package flowstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
	"github.com/randalmurphal/flowstream/pkg/flowstream/config"
	"github.com/randalmurphal/flowstream/pkg/flowstream/coordinator"
	fserrors "github.com/randalmurphal/flowstream/pkg/flowstream/errors"
	"github.com/randalmurphal/flowstream/pkg/flowstream/observability"
	"github.com/randalmurphal/flowstream/pkg/flowstream/state"
)

// JobOption configures a Job.
type JobOption func(*jobOptions)

type jobOptions struct {
	jobID         string
	checkpointing *coordinator.Config
	store         checkpoint.Store
	counter       checkpoint.IDCounter
	backend       state.Backend
	logger        *slog.Logger
	metrics       observability.MetricsRecorder
	spans         observability.SpanManager
	maxRestarts   int
	restartDelay  time.Duration
	mailbox       int
	maxBuffered   int
}

// WithJobID sets the job id. Default: a random UUID.
func WithJobID(id string) JobOption {
	return func(o *jobOptions) { o.jobID = id }
}

// WithCheckpointing sets the coordinator configuration. Its JobID is
// replaced by the job's id.
func WithCheckpointing(cfg coordinator.Config) JobOption {
	return func(o *jobOptions) { o.checkpointing = &cfg }
}

// WithStore sets the completed checkpoint store. Default: in memory.
func WithStore(s checkpoint.Store) JobOption {
	return func(o *jobOptions) { o.store = s }
}

// WithIDCounter sets the checkpoint id counter. Use a durable counter
// together with a durable store.
func WithIDCounter(c checkpoint.IDCounter) JobOption {
	return func(o *jobOptions) { o.counter = c }
}

// WithStateBackend sets where task snapshots are written. Default: in memory.
func WithStateBackend(b state.Backend) JobOption {
	return func(o *jobOptions) { o.backend = b }
}

// WithRestartStrategy sets how often and after which delay failed
// attempts are restarted. Zero restarts fail the job on the first task
// failure.
func WithRestartStrategy(maxRestarts int, delay time.Duration) JobOption {
	return func(o *jobOptions) {
		o.maxRestarts = maxRestarts
		o.restartDelay = delay
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) JobOption {
	return func(o *jobOptions) { o.logger = l }
}

// WithMetrics sets the metrics recorder for the coordinator, aligners and
// snapshots.
func WithMetrics(m observability.MetricsRecorder) JobOption {
	return func(o *jobOptions) { o.metrics = m }
}

// WithSpanManager enables checkpoint and snapshot tracing.
func WithSpanManager(s observability.SpanManager) JobOption {
	return func(o *jobOptions) { o.spans = s }
}

// WithMailboxSize sets the input buffer of every task. Default: 256.
func WithMailboxSize(n int) JobOption {
	return func(o *jobOptions) {
		if n > 0 {
			o.mailbox = n
		}
	}
}

// WithMaxBuffered bounds the elements a task holds back during one
// alignment. Zero means unbounded.
func WithMaxBuffered(n int) JobOption {
	return func(o *jobOptions) { o.maxBuffered = n }
}

// Job runs a JobGraph with checkpointing and restarts.
type Job[T any] struct {
	graph   *JobGraph[T]
	opts    jobOptions
	gateway *LocalGateway

	started atomic.Bool
	coord   atomic.Pointer[coordinator.Coordinator]
	attempt atomic.Int32
}

// NewJob creates a job for graph.
func NewJob[T any](graph *JobGraph[T], opts ...JobOption) (*Job[T], error) {
	if graph == nil {
		return nil, errors.New("job graph cannot be nil")
	}

	defaults := config.Defaults()
	o := jobOptions{
		jobID:        uuid.NewString(),
		logger:       slog.Default(),
		metrics:      observability.NoopMetrics{},
		spans:        observability.NoopSpanManager{},
		maxRestarts:  defaults.Restart.MaxRestarts,
		restartDelay: defaults.Restart.Delay,
		mailbox:      256,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.backend == nil {
		o.backend = state.NewMemoryBackend()
	}
	if o.store == nil {
		backend, logger := o.backend, o.logger
		o.store = checkpoint.NewMemoryStore(checkpoint.WithOnSubsumed(func(c *checkpoint.Completed) {
			state.DiscardCompleted(context.Background(), backend, logger, c)
		}))
	}
	if o.counter == nil {
		o.counter = checkpoint.NewMemoryIDCounter(0)
	}
	if o.checkpointing == nil {
		cfg := coordinator.DefaultConfig(o.jobID)
		o.checkpointing = &cfg
	}
	o.checkpointing.JobID = o.jobID
	if o.maxRestarts < 0 {
		return nil, fmt.Errorf("max restarts must not be negative, got %d", o.maxRestarts)
	}

	return &Job[T]{
		graph:   graph,
		opts:    o,
		gateway: NewLocalGateway(graph.Sources(), graph.Vertices()),
	}, nil
}

// ID returns the job id.
func (j *Job[T]) ID() string { return j.opts.jobID }

// Coordinator returns the checkpoint coordinator while the job runs, or nil.
func (j *Job[T]) Coordinator() *coordinator.Coordinator {
	return j.coord.Load()
}

// Attempt returns the current attempt number (0 before Run).
func (j *Job[T]) Attempt() int {
	return int(j.attempt.Load())
}

// TriggerSavepoint takes a savepoint of the running job and waits for it.
func (j *Job[T]) TriggerSavepoint(ctx context.Context) (*checkpoint.Completed, error) {
	coord := j.Coordinator()
	if coord == nil {
		return nil, fmt.Errorf("job %s is not running", j.opts.jobID)
	}
	return coord.TriggerSavepoint().Wait(ctx)
}

// Run executes the job until every source is exhausted and the final
// checkpoint is committed, the job fails permanently, or ctx ends.
// A job can be run once.
//
// Failed attempts are restarted from the latest completed checkpoint up to
// the configured number of restarts. Exceeding the checkpoint failure
// tolerance fails the job regardless of restarts.
func (j *Job[T]) Run(ctx context.Context) error {
	if !j.started.CompareAndSwap(false, true) {
		return fmt.Errorf("job %s already started", j.opts.jobID)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	logger := j.opts.logger.With(slog.String("job_id", j.opts.jobID))
	coord, err := coordinator.New(*j.opts.checkpointing, j.gateway, j.gateway, j.opts.store, j.opts.counter,
		coordinator.WithLogger(j.opts.logger),
		coordinator.WithMetrics(j.opts.metrics),
		coordinator.WithSpanManager(j.opts.spans),
		coordinator.WithDiscarder(j.opts.backend),
		coordinator.WithFailureHandler(func(err error) { cancel(err) }),
	)
	if err != nil {
		return err
	}
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start checkpoint coordinator: %w", err)
	}
	j.coord.Store(coord)
	defer func() {
		_ = coord.Stop()
		j.coord.Store(nil)
	}()

	logger.Info("job started", slog.Int("tasks", len(j.graph.order)))
	started := time.Now()

	for attempt := 1; ; attempt++ {
		j.attempt.Store(int32(attempt))
		err := j.runAttempt(ctx, coord, attempt)
		if err == nil {
			logger.Info("job finished",
				slog.Int("attempts", attempt),
				slog.Int64("duration_ms", time.Since(started).Milliseconds()),
			)
			return nil
		}

		if ctx.Err() != nil {
			return &JobError{JobID: j.opts.jobID, Attempts: attempt, Err: context.Cause(ctx)}
		}
		needsHuman := fserrors.NeedsHuman(err)
		if attempt > j.opts.maxRestarts {
			logger.Error("job failed",
				slog.Int("attempts", attempt),
				slog.Bool("needs_human", needsHuman),
				slog.String("error", err.Error()),
			)
			return &JobError{JobID: j.opts.jobID, Attempts: attempt, Err: err}
		}

		// A restart re-commits an exhausted transaction from the restored
		// state; needs_human flags that the external system kept refusing it.
		logger.Warn("restarting job",
			slog.Int("attempt", attempt),
			slog.Duration("delay", j.opts.restartDelay),
			slog.Bool("needs_human", needsHuman),
			slog.String("error", err.Error()),
		)
		if err := coord.AbortPending(ctx, checkpoint.ReasonJobRestart, err); err != nil {
			return &JobError{JobID: j.opts.jobID, Attempts: attempt, Err: err}
		}
		select {
		case <-ctx.Done():
			return &JobError{JobID: j.opts.jobID, Attempts: attempt, Err: context.Cause(ctx)}
		case <-time.After(j.opts.restartDelay):
		}
	}
}

// runAttempt deploys every task restored from the latest completed
// checkpoint and runs them until they finish or one fails.
func (j *Job[T]) runAttempt(ctx context.Context, coord *coordinator.Coordinator, attempt int) error {
	latest, _ := coord.LatestCompleted()
	restored := int64(0)
	if latest != nil {
		restored = latest.ID
	}
	j.opts.logger.Info("deploying tasks",
		slog.String("job_id", j.opts.jobID),
		slog.Int("attempt", attempt),
		slog.Int64("restore_checkpoint_id", restored),
	)

	tasks := j.buildTasks(coord, attempt, latest)
	boxes := make(map[string]mailbox, len(tasks))
	for id, t := range tasks {
		boxes[id] = t
	}
	j.gateway.attach(boxes)
	defer j.gateway.detach()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range j.graph.order {
		t := tasks[id]
		g.Go(func() error {
			err := t.run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				_ = coord.TaskFailed(t.id, err)
			}
			return err
		})
	}
	g.Go(func() error {
		return j.drive(gctx, coord, tasks)
	})
	return g.Wait()
}

func (j *Job[T]) buildTasks(acks Acknowledger, attempt int, latest *checkpoint.Completed) map[string]*task[T] {
	cfg := taskConfig{
		jobID:       j.opts.jobID,
		attempt:     attempt,
		mailbox:     j.opts.mailbox,
		maxBuffered: j.opts.maxBuffered,
		backend:     j.opts.backend,
		acks:        acks,
		logger:      j.opts.logger,
		metrics:     j.opts.metrics,
		spans:       j.opts.spans,
	}

	tasks := make(map[string]*task[T], len(j.graph.order))
	for _, id := range j.graph.order {
		restore := checkpoint.EmptyHandle()
		if latest != nil {
			restore = latest.Handle(id)
		}
		tasks[id] = newTask(id, j.graph.vertices[id], len(j.graph.inputs[id]), restore, cfg)
	}
	for _, id := range j.graph.order {
		for _, to := range j.graph.outputs[id] {
			down := tasks[to]
			tasks[id].outputs = append(tasks[id].outputs, outputEdge[T]{
				inbox:   down.inbox,
				channel: channelIndex(j.graph.inputs[to], id),
			})
		}
	}
	return tasks
}

func channelIndex(inputs []string, from string) int {
	for i, id := range inputs {
		if id == from {
			return i
		}
	}
	return -1
}

// drive marks the attempt running once every task is open and, for
// bounded inputs, takes the final checkpoint and shuts the tasks down.
func (j *Job[T]) drive(ctx context.Context, coord *coordinator.Coordinator, tasks map[string]*task[T]) error {
	for _, t := range tasks {
		select {
		case <-t.opened:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	j.gateway.setRunning(true)

	for _, id := range j.graph.sources {
		select {
		case <-tasks[id].sourceDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	final, err := j.finalCheckpoint(ctx, coord)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := t.notified.await(ctx, final); err != nil {
			return err
		}
	}
	// No checkpoint can be triggered once sources start to finish
	j.gateway.setRunning(false)
	for _, id := range j.graph.sources {
		if err := tasks[id].post(ctx, control{kind: ctlFinish}); err != nil {
			return err
		}
	}
	return nil
}

// finalCheckpoint completes a checkpoint taken after every source was
// exhausted, so transactional sinks commit everything.
func (j *Job[T]) finalCheckpoint(ctx context.Context, coord *coordinator.Coordinator) (int64, error) {
	cfg := fserrors.NewRetryConfig(
		fserrors.WithMaxAttempts(0),
		fserrors.WithInitialBackoff(10*time.Millisecond),
		fserrors.WithMaxBackoff(time.Second),
		fserrors.WithRetryableFunc(retryFinalCheckpoint),
	)
	res := fserrors.WithRetryContext(ctx, cfg, func(ctx context.Context) (int64, error) {
		c, err := coord.TriggerCheckpoint().Wait(ctx)
		if err != nil {
			return 0, err
		}
		return c.ID, nil
	})
	if res.Err != nil {
		return 0, fmt.Errorf("final checkpoint: %w", res.Err)
	}
	j.opts.logger.Info("final checkpoint completed",
		slog.String("job_id", j.opts.jobID),
		slog.Int64("checkpoint_id", res.Value),
		slog.Int("attempts", res.Attempts),
	)
	return res.Value, nil
}

func retryFinalCheckpoint(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, coordinator.ErrShutdown), errors.Is(err, coordinator.ErrTooManyFailures):
		return false
	default:
		return true
	}
}
