package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
	fserrors "github.com/randalmurphal/flowstream/pkg/flowstream/errors"
)

// notify runs queued notification and cleanup jobs in order.
func (c *Coordinator) notify(ctx context.Context) {
	defer c.workers.Done()

	run := func() {
		for {
			job, ok := c.notices.TryDequeue()
			if !ok {
				return
			}
			job(ctx)
		}
	}

	for {
		run()
		select {
		case <-ctx.Done():
			return
		case _, open := <-c.notices.Wait():
			if !open {
				run()
				return
			}
		}
	}
}

// sendTriggers asks every trigger task to inject the barrier. A task that
// cannot be reached declines the checkpoint.
func (c *Coordinator) sendTriggers(ctx context.Context, msg checkpoint.TriggerCheckpoint, tasks []string) {
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()

		var g errgroup.Group
		for _, task := range tasks {
			g.Go(func() error {
				err := fserrors.Do(ctx, c.cfg.TriggerRetry, func(ctx context.Context) error {
					return c.gateway.TriggerCheckpoint(ctx, task, msg)
				})
				if err != nil {
					c.events.Enqueue(event{kind: evDecline, decline: checkpoint.DeclineCheckpoint{
						CheckpointID: msg.CheckpointID,
						TaskID:       task,
						Reason:       checkpoint.ReasonTriggerFailed,
						Message:      err.Error(),
					}})
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// broadcast sends one notification to every notify task in parallel,
// retrying each, and logs the tasks that could not be reached. Sinks treat
// a later completion as covering a missed one.
func (c *Coordinator) broadcast(ctx context.Context, what string, id int64, send func(context.Context, string) error) {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, task := range c.topology.NotifyTasks() {
		g.Go(func() error {
			err := fserrors.Do(ctx, c.cfg.NotifyRetry, func(ctx context.Context) error {
				return send(ctx, task)
			})
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("task %s: %w", task, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := result.ErrorOrNil(); err != nil {
		c.logger.Warn("checkpoint notification incomplete",
			slog.String("notification", what),
			slog.Int64("checkpoint_id", id),
			slog.Int("failed_tasks", len(result.Errors)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) broadcastAbort(ctx context.Context, id int64, reason checkpoint.FailureReason) {
	c.broadcast(ctx, "abort", id, func(ctx context.Context, task string) error {
		return c.gateway.NotifyCheckpointAborted(ctx, task, checkpoint.NotifyCheckpointAborted{
			CheckpointID: id,
			Reason:       reason,
		})
	})
}

// discard schedules handles for deletion on the notifier.
func (c *Coordinator) discard(handles []checkpoint.Handle) {
	c.notices.Enqueue(func(ctx context.Context) {
		c.discardNow(ctx, handles)
	})
}

func (c *Coordinator) discardNow(ctx context.Context, handles []checkpoint.Handle) {
	if c.discarder == nil {
		return
	}
	var result *multierror.Error
	for _, h := range handles {
		if h.IsEmpty() {
			continue
		}
		if err := c.discarder.Discard(ctx, h); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", h, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		c.logger.Warn("failed to discard checkpoint state", slog.String("error", err.Error()))
	}
}
