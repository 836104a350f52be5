package checkpoint

import "fmt"

// FailureReason explains why a checkpoint was declined or aborted.
type FailureReason string

const (
	ReasonDeclined            FailureReason = "declined"
	ReasonAlignmentFailed     FailureReason = "alignment_failed"
	ReasonSnapshotFailed      FailureReason = "snapshot_failed"
	ReasonSubsumed            FailureReason = "subsumed"
	ReasonExpired             FailureReason = "expired"
	ReasonTaskFailure         FailureReason = "task_failure"
	ReasonTaskNotRunning      FailureReason = "task_not_running"
	ReasonTriggerFailed       FailureReason = "trigger_failed"
	ReasonPersistFailed       FailureReason = "persist_failed"
	ReasonInvalidHandle       FailureReason = "invalid_handle"
	ReasonOutOfOrder          FailureReason = "out_of_order_acknowledge"
	ReasonCoordinatorShutdown FailureReason = "coordinator_shutdown"
	ReasonJobRestart          FailureReason = "job_restart"
	ReasonTooManyConcurrent   FailureReason = "too_many_concurrent"
	ReasonMinPause            FailureReason = "min_pause_not_elapsed"
	ReasonTasksNotReady       FailureReason = "tasks_not_ready"

	// ReasonAborted marks a local abort caused by the coordinator's own abort
	// notification. Tasks do not decline back for it.
	ReasonAborted FailureReason = "aborted"
)

// CountsTowardTolerance reports whether a failure with this reason moves the
// job closer to its tolerable-failure threshold. Rejected triggers, subsumed
// checkpoints and aborts caused by task failure or shutdown do not.
func (r FailureReason) CountsTowardTolerance() bool {
	switch r {
	case ReasonDeclined, ReasonAlignmentFailed, ReasonSnapshotFailed, ReasonExpired,
		ReasonTriggerFailed, ReasonPersistFailed, ReasonInvalidHandle, ReasonOutOfOrder:
		return true
	default:
		return false
	}
}

// CheckpointError is the terminal error of a failed checkpoint.
type CheckpointError struct {
	CheckpointID int64
	Reason       FailureReason
	Err          error
}

func (e *CheckpointError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checkpoint %d %s: %v", e.CheckpointID, e.Reason, e.Err)
	}
	return fmt.Sprintf("checkpoint %d %s", e.CheckpointID, e.Reason)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}
