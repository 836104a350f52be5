// Package coordinator implements the checkpoint coordinator: the single
// authority of a job that triggers checkpoints, collects task
// acknowledgements, decides completion or abort, and notifies tasks.
//
// Every lifecycle decision runs on one event loop. RPC handlers, timers and
// the periodic scheduler only enqueue events, so acknowledgements arriving
// concurrently from many tasks are serialized without locking the RPC path.
// Notifications and state cleanup run on a separate worker in decision
// order.
//
// A completed checkpoint is persisted to the checkpoint.Store before any
// task is told about it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
	"github.com/randalmurphal/flowstream/pkg/flowstream/observability"
)

// Topology describes the tasks of the running job.
type Topology interface {
	// TriggerTasks are the sources that inject barriers.
	TriggerTasks() []string

	// AckTasks must all acknowledge a checkpoint for it to complete.
	AckTasks() []string

	// NotifyTasks receive completion and abort notifications.
	NotifyTasks() []string

	// AllRunning reports whether every task is deployed and running.
	AllRunning() bool
}

// Gateway delivers coordinator RPCs to tasks. Calls may be retried, so
// task-side handling must be idempotent.
type Gateway interface {
	TriggerCheckpoint(ctx context.Context, taskID string, msg checkpoint.TriggerCheckpoint) error
	NotifyCheckpointComplete(ctx context.Context, taskID string, msg checkpoint.NotifyCheckpointComplete) error
	NotifyCheckpointAborted(ctx context.Context, taskID string, msg checkpoint.NotifyCheckpointAborted) error
}

// Discarder deletes snapshot state that no checkpoint references anymore.
// state.Backend implements it.
type Discarder interface {
	Discard(ctx context.Context, h checkpoint.Handle) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSpanManager enables per-checkpoint tracing.
func WithSpanManager(s observability.SpanManager) Option {
	return func(c *Coordinator) { c.spans = s }
}

// WithDiscarder cleans up state of aborted checkpoints and of late
// acknowledgements.
func WithDiscarder(d Discarder) Option {
	return func(c *Coordinator) { c.discarder = d }
}

// WithFailureHandler is called once, from its own goroutine, when the
// coordinator gives up (failure tolerance exhausted).
func WithFailureHandler(fn func(error)) Option {
	return func(c *Coordinator) { c.onFailure = fn }
}

// WithClock overrides time.Now (for testing).
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

type eventKind int

const (
	evTrigger eventKind = iota + 1
	evAck
	evDecline
	evExpire
	evTaskFailed
	evAbortAll
)

type event struct {
	kind eventKind

	// evTrigger
	ckKind checkpoint.Kind
	future *Future

	ack     checkpoint.AcknowledgeCheckpoint
	decline checkpoint.DeclineCheckpoint

	// evExpire, evTaskFailed, evAbortAll
	id     int64
	taskID string
	reason checkpoint.FailureReason
	err    error

	// closed once the event is handled
	done chan struct{}
}

// Coordinator triggers and completes checkpoints for one job.
type Coordinator struct {
	cfg       Config
	topology  Topology
	gateway   Gateway
	store     checkpoint.Store
	counter   checkpoint.IDCounter
	discarder Discarder
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
	onFailure func(error)
	now       func() time.Time

	events  *queue[event]
	notices *queue[func(context.Context)]

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
	workers   sync.WaitGroup

	mu     sync.Mutex // guards latest, stats, fatal
	latest *checkpoint.Completed
	stats  Stats
	fatal  error

	// Owned by the event loop.
	pending     map[int64]*pendingCheckpoint
	lastTrigger time.Time
	lastAcked   map[string]int64
	retired     *retiredSet
	failures    int
}

// New creates a coordinator. store persists completed checkpoints and
// counter allocates ids; share the counter with nothing else.
func New(cfg Config, topology Topology, gateway Gateway, store checkpoint.Store, counter checkpoint.IDCounter, opts ...Option) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}
	if topology == nil || gateway == nil || store == nil || counter == nil {
		return nil, errors.New("coordinator needs a topology, gateway, store and id counter")
	}

	c := &Coordinator{
		cfg:       cfg,
		topology:  topology,
		gateway:   gateway,
		store:     store,
		counter:   counter,
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		now:       time.Now,
		events:    newQueue[event](),
		notices:   newQueue[func(context.Context)](),
		loopDone:  make(chan struct{}),
		pending:   make(map[int64]*pendingCheckpoint),
		lastAcked: make(map[string]int64),
		retired:   newRetiredSet(1024),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("job_id", cfg.JobID))
	return c, nil
}

// Start recovers the latest completed checkpoint from the store, makes
// sure new ids are above it, and starts the event loop, the notifier and
// (with a positive interval) the periodic scheduler.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.stopped {
		return ErrShutdown
	}
	if c.started {
		return errors.New("checkpoint coordinator already started")
	}

	latest, err := c.store.Latest(ctx)
	switch {
	case err == nil:
		if err := c.counter.Ensure(ctx, latest.ID); err != nil {
			return fmt.Errorf("advance checkpoint id counter: %w", err)
		}
		c.mu.Lock()
		c.latest = latest
		c.stats.LatestCompletedID = latest.ID
		c.mu.Unlock()
	case errors.Is(err, checkpoint.ErrNotFound):
	default:
		return fmt.Errorf("load latest checkpoint: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	go c.run(runCtx)
	c.workers.Add(1)
	go c.notify(runCtx)
	if c.cfg.Interval > 0 {
		c.workers.Add(1)
		go c.schedule(runCtx)
	}

	c.logger.Info("checkpoint coordinator started",
		slog.Duration("interval", c.cfg.Interval),
		slog.Int("max_concurrent", c.cfg.MaxConcurrent),
		slog.Bool("unaligned", c.cfg.Unaligned),
	)
	return nil
}

// Stop shuts the coordinator down. Pending checkpoints are aborted without
// notifying tasks; queued notifications are still delivered. Stop is
// idempotent.
func (c *Coordinator) Stop() error {
	c.lifecycle.Lock()
	if !c.started || c.stopped {
		c.stopped = true
		c.lifecycle.Unlock()
		c.events.Close()
		return nil
	}
	c.stopped = true
	c.lifecycle.Unlock()

	c.events.Close()
	<-c.loopDone
	c.notices.Close()
	c.workers.Wait()
	c.cancel()

	c.logger.Info("checkpoint coordinator stopped")
	return nil
}

// TriggerCheckpoint requests a periodic-style checkpoint now.
func (c *Coordinator) TriggerCheckpoint() *Future {
	return c.trigger(checkpoint.KindCheckpoint)
}

// TriggerSavepoint requests a savepoint. Savepoints share the checkpoint
// id space, are always aligned, ignore MinPause, and do not count toward
// the failure tolerance.
func (c *Coordinator) TriggerSavepoint() *Future {
	return c.trigger(checkpoint.KindSavepoint)
}

func (c *Coordinator) trigger(kind checkpoint.Kind) *Future {
	f := newFuture()
	if !c.events.Enqueue(event{kind: evTrigger, ckKind: kind, future: f}) {
		f.resolve(nil, &TriggerError{Reason: checkpoint.ReasonCoordinatorShutdown, Err: ErrShutdown})
	}
	return f
}

// AcknowledgeCheckpoint records a task's snapshot handle.
func (c *Coordinator) AcknowledgeCheckpoint(msg checkpoint.AcknowledgeCheckpoint) error {
	return c.submit(event{kind: evAck, ack: msg})
}

// DeclineCheckpoint aborts the checkpoint on behalf of a task.
func (c *Coordinator) DeclineCheckpoint(msg checkpoint.DeclineCheckpoint) error {
	return c.submit(event{kind: evDecline, decline: msg})
}

// TaskFailed aborts every pending checkpoint still waiting for taskID.
func (c *Coordinator) TaskFailed(taskID string, cause error) error {
	return c.submit(event{kind: evTaskFailed, taskID: taskID, err: cause})
}

// AbortPending aborts all pending checkpoints, e.g. before a job restart,
// and waits until they are aborted. Acknowledgements submitted before the
// call are handled first, so LatestCompleted is final when it returns.
func (c *Coordinator) AbortPending(ctx context.Context, reason checkpoint.FailureReason, cause error) error {
	done := make(chan struct{})
	if err := c.submit(event{kind: evAbortAll, reason: reason, err: cause, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) submit(ev event) error {
	if !c.events.Enqueue(ev) {
		return ErrShutdown
	}
	return nil
}

// LatestCompleted returns a copy of the newest completed checkpoint.
func (c *Coordinator) LatestCompleted() (*checkpoint.Completed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return nil, false
	}
	return c.latest.Clone(), true
}

// Stats returns a snapshot of checkpoint counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Err returns the fatal error once the failure tolerance is exhausted.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.loopDone)

	for {
		c.drain(ctx, false)

		select {
		case <-ctx.Done():
			c.events.Close()
			c.drain(ctx, true)
			c.shutdown(ctx)
			return
		case _, open := <-c.events.Wait():
			if !open {
				c.drain(ctx, true)
				c.shutdown(ctx)
				return
			}
		}
	}
}

// drain handles every queued event. While closing, triggers are rejected.
func (c *Coordinator) drain(ctx context.Context, closing bool) {
	for {
		ev, ok := c.events.TryDequeue()
		if !ok {
			return
		}
		if closing && ev.kind == evTrigger {
			ev.future.resolve(nil, &TriggerError{Reason: checkpoint.ReasonCoordinatorShutdown, Err: ErrShutdown})
			continue
		}
		c.handle(ctx, ev)
		if ev.done != nil {
			close(ev.done)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evTrigger:
		c.onTrigger(ctx, ev.ckKind, ev.future)
	case evAck:
		c.onAck(ctx, ev.ack)
	case evDecline:
		c.onDecline(ctx, ev.decline)
	case evExpire:
		c.onExpire(ctx, ev.id)
	case evTaskFailed:
		c.onTaskFailed(ctx, ev.taskID, ev.err)
	case evAbortAll:
		c.abortAll(ctx, ev.reason, ev.err, true)
	}
}

func (c *Coordinator) shutdown(ctx context.Context) {
	c.abortAll(ctx, checkpoint.ReasonCoordinatorShutdown, ErrShutdown, false)
}

func (c *Coordinator) schedule(ctx context.Context) {
	defer c.workers.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.loopDone:
			return
		case <-ticker.C:
			c.events.Enqueue(event{kind: evTrigger, ckKind: checkpoint.KindCheckpoint})
		}
	}
}
