package barrier

import (
	"context"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
)

// Handler is the task side of alignment. The Aligner calls it from the
// goroutine that calls Process, never concurrently.
type Handler[T any] interface {
	// ProcessRecord hands a record to the task's operator.
	ProcessRecord(ctx context.Context, channel int, value T) error

	// TriggerCheckpoint snapshots the task's state for b and forwards b
	// downstream. In aligned mode it runs once all channels delivered b. In
	// unaligned mode it runs on the first barrier, and the checkpoint is not
	// finished until FinishChannelState is called.
	TriggerCheckpoint(ctx context.Context, b checkpoint.Barrier) error

	// FinishChannelState delivers the in-flight records captured for an
	// unaligned checkpoint once every channel delivered its barrier.
	FinishChannelState(ctx context.Context, checkpointID int64, inflight []InflightRecord[T]) error

	// AbortCheckpoint tells the task a checkpoint will not finish locally.
	// Reason is checkpoint.ReasonAborted when the coordinator already knows.
	AbortCheckpoint(ctx context.Context, checkpointID int64, reason checkpoint.FailureReason, cause error) error
}
