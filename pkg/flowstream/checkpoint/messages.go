package checkpoint

import "time"

// TriggerCheckpoint asks a source task to inject a barrier.
type TriggerCheckpoint struct {
	CheckpointID int64     `json:"checkpoint_id"`
	Timestamp    time.Time `json:"timestamp"`
	Kind         Kind      `json:"kind"`
	Unaligned    bool      `json:"unaligned,omitempty"`
}

// Barrier returns the barrier the source should emit.
func (m TriggerCheckpoint) Barrier() Barrier {
	return Barrier{
		CheckpointID: m.CheckpointID,
		Timestamp:    m.Timestamp,
		Kind:         m.Kind,
		Unaligned:    m.Unaligned,
	}
}

// AcknowledgeCheckpoint reports that a task durably snapshotted its state.
type AcknowledgeCheckpoint struct {
	CheckpointID int64      `json:"checkpoint_id"`
	TaskID       string     `json:"task_id"`
	Handle       Handle     `json:"handle"`
	Metrics      AckMetrics `json:"metrics"`
}

// AckMetrics describes how the task produced its snapshot.
type AckMetrics struct {
	AlignmentDuration time.Duration `json:"alignment_duration,omitempty"`
	SyncDuration      time.Duration `json:"sync_duration,omitempty"`
	AsyncDuration     time.Duration `json:"async_duration,omitempty"`
	InflightRecords   int           `json:"inflight_records,omitempty"`
}

// DeclineCheckpoint reports that a task could not take part in a checkpoint.
type DeclineCheckpoint struct {
	CheckpointID int64         `json:"checkpoint_id"`
	TaskID       string        `json:"task_id"`
	Reason       FailureReason `json:"reason"`
	Message      string        `json:"message,omitempty"`
}

// NotifyCheckpointComplete is broadcast to every task once a checkpoint is durable.
type NotifyCheckpointComplete struct {
	CheckpointID int64 `json:"checkpoint_id"`
}

// NotifyCheckpointAborted is broadcast to every task when a checkpoint is abandoned.
type NotifyCheckpointAborted struct {
	CheckpointID int64         `json:"checkpoint_id"`
	Reason       FailureReason `json:"reason"`
}
