package state

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
)

// DiscardCompleted deletes every task snapshot referenced by c. It is used
// as the store's subsumption hook once a checkpoint is pruned. Failures are
// logged and skipped; orphaned objects are harmless.
func DiscardCompleted(ctx context.Context, b Backend, logger *slog.Logger, c *checkpoint.Completed) {
	if logger == nil {
		logger = slog.Default()
	}
	for taskID, h := range c.Tasks {
		if err := b.Discard(ctx, h); err != nil {
			logger.Warn("discard subsumed snapshot failed",
				slog.Int64("checkpoint_id", c.ID),
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
		}
	}
}
