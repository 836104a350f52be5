package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
	fserrors "github.com/randalmurphal/flowstream/pkg/flowstream/errors"
	"github.com/randalmurphal/flowstream/pkg/flowstream/observability"
)

func (c *Coordinator) onTrigger(ctx context.Context, kind checkpoint.Kind, f *Future) {
	reject := func(reason checkpoint.FailureReason, err error) {
		c.logger.Debug("checkpoint trigger rejected",
			slog.String("kind", string(kind)),
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()),
		)
		f.resolve(nil, &TriggerError{Reason: reason, Err: err})
	}

	if err := c.Err(); err != nil {
		reject(checkpoint.ReasonCoordinatorShutdown, err)
		return
	}
	if n := len(c.pending); n >= c.cfg.MaxConcurrent {
		reject(checkpoint.ReasonTooManyConcurrent, fmt.Errorf("%w: %d pending", ErrTooManyConcurrent, n))
		return
	}

	now := c.now()
	if kind == checkpoint.KindCheckpoint && c.cfg.MinPause > 0 && !c.lastTrigger.IsZero() {
		if since := now.Sub(c.lastTrigger); since < c.cfg.MinPause {
			reject(checkpoint.ReasonMinPause,
				fmt.Errorf("%w: %s since last trigger", ErrMinPauseNotElapsed, since))
			return
		}
	}

	triggers, acks := c.topology.TriggerTasks(), c.topology.AckTasks()
	if !c.topology.AllRunning() || len(triggers) == 0 || len(acks) == 0 {
		reject(checkpoint.ReasonTasksNotReady, ErrTasksNotReady)
		return
	}

	id, err := c.counter.Next(ctx)
	if err != nil {
		err = fmt.Errorf("allocate checkpoint id: %w", err)
		reject(checkpoint.ReasonTriggerFailed, err)
		c.countFailure(ctx, err)
		return
	}
	if f != nil {
		f.id.Store(id)
	}

	p := newPending(id, kind, now, acks, f)
	_, p.span = c.spans.StartCheckpointSpan(ctx, c.cfg.JobID, id, kind)
	p.timer = time.AfterFunc(c.cfg.Timeout, func() {
		c.events.Enqueue(event{kind: evExpire, id: id})
	})
	c.pending[id] = p
	c.lastTrigger = now

	c.mu.Lock()
	c.stats.Triggered++
	c.stats.InProgress = len(c.pending)
	c.mu.Unlock()

	c.metrics.RecordCheckpointTriggered(ctx, kind)
	observability.LogCheckpointTriggered(c.logger, id, kind, len(triggers))

	c.sendTriggers(ctx, checkpoint.TriggerCheckpoint{
		CheckpointID: id,
		Timestamp:    now,
		Kind:         kind,
		Unaligned:    c.cfg.Unaligned && kind == checkpoint.KindCheckpoint,
	}, triggers)
}

func (c *Coordinator) onAck(ctx context.Context, ack checkpoint.AcknowledgeCheckpoint) {
	p, ok := c.pending[ack.CheckpointID]
	if !ok {
		c.onLateAck(ack)
		return
	}

	task := ack.TaskID
	if !p.expects(task) {
		c.logger.Warn("acknowledgement from unexpected task",
			slog.Int64("checkpoint_id", ack.CheckpointID),
			slog.String("task_id", task),
		)
		return
	}
	if _, dup := p.acked[task]; dup {
		c.logger.Debug("duplicate acknowledgement",
			slog.Int64("checkpoint_id", ack.CheckpointID),
			slog.String("task_id", task),
		)
		return
	}

	if last, seen := c.lastAcked[task]; seen && last > ack.CheckpointID {
		c.discard([]checkpoint.Handle{ack.Handle})
		c.abort(ctx, p, checkpoint.ReasonOutOfOrder,
			fmt.Errorf("task %s acknowledged checkpoint %d after %d", task, ack.CheckpointID, last), true)
		return
	}
	if err := ack.Handle.Validate(); err != nil {
		c.abort(ctx, p, checkpoint.ReasonInvalidHandle, fmt.Errorf("task %s: %w", task, err), true)
		return
	}

	p.acked[task] = ack.Handle
	p.metrics[task] = ack.Metrics
	c.lastAcked[task] = ack.CheckpointID
	c.spans.AddSpanEvent(p.span, "acknowledged",
		attribute.String("task_id", task),
		attribute.Int64("size_bytes", ack.Handle.Size),
	)

	if p.fullyAcknowledged() {
		c.complete(ctx, p)
	}
}

// onLateAck handles an acknowledgement for a checkpoint that is no longer
// pending. State acknowledged to an aborted checkpoint is discarded.
func (c *Coordinator) onLateAck(ack checkpoint.AcknowledgeCheckpoint) {
	if c.retired.contains(ack.CheckpointID) {
		c.logger.Debug("discarding late acknowledgement",
			slog.Int64("checkpoint_id", ack.CheckpointID),
			slog.String("task_id", ack.TaskID),
		)
		c.discard([]checkpoint.Handle{ack.Handle})
		return
	}
	c.logger.Debug("acknowledgement for unknown checkpoint",
		slog.Int64("checkpoint_id", ack.CheckpointID),
		slog.String("task_id", ack.TaskID),
	)
}

func (c *Coordinator) onDecline(ctx context.Context, msg checkpoint.DeclineCheckpoint) {
	p, ok := c.pending[msg.CheckpointID]
	if !ok {
		return
	}
	reason := msg.Reason
	if reason == "" {
		reason = checkpoint.ReasonDeclined
	}
	c.abort(ctx, p, reason, fmt.Errorf("task %s declined: %s", msg.TaskID, msg.Message), true)
}

func (c *Coordinator) onExpire(ctx context.Context, id int64) {
	p, ok := c.pending[id]
	if !ok {
		return
	}
	c.abort(ctx, p, checkpoint.ReasonExpired,
		&fserrors.TimeoutError{Operation: fmt.Sprintf("checkpoint %d", id), Duration: c.cfg.Timeout}, true)
}

func (c *Coordinator) onTaskFailed(ctx context.Context, taskID string, cause error) {
	for _, id := range c.pendingIDs() {
		p, ok := c.pending[id]
		if !ok {
			continue
		}
		if _, acked := p.acked[taskID]; acked || !p.expects(taskID) {
			continue
		}
		c.abort(ctx, p, checkpoint.ReasonTaskFailure, fmt.Errorf("task %s failed: %w", taskID, cause), true)
	}
}

func (c *Coordinator) abortAll(ctx context.Context, reason checkpoint.FailureReason, cause error, notify bool) {
	for _, id := range c.pendingIDs() {
		// Aborting may fail the coordinator, which aborts the rest itself
		if p, ok := c.pending[id]; ok {
			c.abort(ctx, p, reason, cause, notify)
		}
	}
}

func (c *Coordinator) pendingIDs() []int64 {
	ids := make([]int64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// complete persists p and then notifies tasks. If persisting fails the
// checkpoint is aborted instead.
func (c *Coordinator) complete(ctx context.Context, p *pendingCheckpoint) {
	p.timer.Stop()

	completed := &checkpoint.Completed{
		Version:     checkpoint.Version,
		JobID:       c.cfg.JobID,
		ID:          p.id,
		Kind:        p.kind,
		Status:      checkpoint.StatusCompleted,
		TriggeredAt: p.triggeredAt,
		CompletedAt: c.now(),
		Tasks:       p.acked,
	}
	if err := c.store.Add(ctx, completed); err != nil {
		c.abort(ctx, p, checkpoint.ReasonPersistFailed, fmt.Errorf("persist checkpoint %d: %w", p.id, err), true)
		return
	}

	delete(c.pending, p.id)
	c.failures = 0

	c.mu.Lock()
	c.latest = completed
	c.stats.Completed++
	c.stats.InProgress = len(c.pending)
	c.stats.ConsecutiveFailures = 0
	c.stats.LatestCompletedID = completed.ID
	c.stats.LatestCompletedDuration = completed.Duration()
	c.stats.LatestCompletedSize = completed.Size()
	c.mu.Unlock()

	var alignment time.Duration
	var inflight int
	for _, m := range p.metrics {
		alignment = max(alignment, m.AlignmentDuration)
		inflight += m.InflightRecords
	}
	c.spans.AddSpanEvent(p.span, "completed",
		attribute.Int64("max_alignment_ms", alignment.Milliseconds()),
		attribute.Int("inflight_records", inflight),
	)
	c.spans.EndSpanWithError(p.span, nil)
	c.metrics.RecordCheckpointCompleted(ctx, p.kind, completed.Duration(), completed.Size())
	observability.LogCheckpointCompleted(c.logger, completed)
	p.future.resolve(completed.Clone(), nil)

	var subsumed []int64
	for _, id := range c.pendingIDs() {
		q, ok := c.pending[id]
		if ok && id < p.id && q.kind != checkpoint.KindSavepoint {
			c.abort(ctx, q, checkpoint.ReasonSubsumed, fmt.Errorf("subsumed by checkpoint %d", p.id), false)
			subsumed = append(subsumed, id)
		}
	}

	id := p.id
	c.notices.Enqueue(func(ctx context.Context) {
		c.broadcast(ctx, "complete", id, func(ctx context.Context, task string) error {
			return c.gateway.NotifyCheckpointComplete(ctx, task, checkpoint.NotifyCheckpointComplete{CheckpointID: id})
		})
		for _, sid := range subsumed {
			c.broadcastAbort(ctx, sid, checkpoint.ReasonSubsumed)
		}
	})
}

// abort retires p. With notify, tasks are told to release resources held
// for it; subsumed checkpoints are announced after the completion instead.
func (c *Coordinator) abort(ctx context.Context, p *pendingCheckpoint, reason checkpoint.FailureReason, cause error, notify bool) {
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(c.pending, p.id)
	c.retired.add(p.id)

	cpErr := &checkpoint.CheckpointError{CheckpointID: p.id, Reason: reason, Err: cause}

	c.mu.Lock()
	c.stats.Failed++
	c.stats.InProgress = len(c.pending)
	c.stats.LastFailureReason = reason
	c.stats.LastFailureAt = c.now()
	c.mu.Unlock()

	c.metrics.RecordCheckpointAborted(ctx, p.kind, reason)
	observability.LogCheckpointAborted(c.logger, p.id, reason, cause)
	c.spans.EndSpanWithError(p.span, cpErr)
	p.future.resolve(nil, cpErr)

	id, handles := p.id, p.handles()
	c.notices.Enqueue(func(ctx context.Context) {
		if notify {
			c.broadcastAbort(ctx, id, reason)
		}
		c.discardNow(ctx, handles)
	})

	if reason.CountsTowardTolerance() && p.kind != checkpoint.KindSavepoint {
		c.countFailure(ctx, cpErr)
	}
}

// countFailure records a failure toward the tolerance and fails the
// coordinator once it is exceeded.
func (c *Coordinator) countFailure(ctx context.Context, err error) {
	c.failures++
	c.mu.Lock()
	c.stats.ConsecutiveFailures = c.failures
	c.mu.Unlock()

	if c.cfg.TolerableFailures < 0 || c.failures <= c.cfg.TolerableFailures {
		return
	}
	c.fail(ctx, fmt.Errorf("%w: %d consecutive failures (tolerable %d): %w",
		ErrTooManyFailures, c.failures, c.cfg.TolerableFailures, err))
}

func (c *Coordinator) fail(ctx context.Context, err error) {
	c.mu.Lock()
	if c.fatal != nil {
		c.mu.Unlock()
		return
	}
	c.fatal = err
	c.mu.Unlock()

	c.logger.Error("checkpointing failed permanently", slog.String("error", err.Error()))
	c.abortAll(ctx, checkpoint.ReasonCoordinatorShutdown, err, true)

	if c.onFailure != nil {
		go c.onFailure(err)
	}
}
