package coordinator

import (
	"time"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
)

// Stats summarizes checkpointing of a job.
type Stats struct {
	Triggered  int64
	Completed  int64
	Failed     int64
	InProgress int

	// ConsecutiveFailures counts failures toward the tolerance; a
	// completed checkpoint resets it.
	ConsecutiveFailures int

	LatestCompletedID       int64
	LatestCompletedDuration time.Duration
	LatestCompletedSize     int64

	LastFailureReason checkpoint.FailureReason
	LastFailureAt     time.Time
}
