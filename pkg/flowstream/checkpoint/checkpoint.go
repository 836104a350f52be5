// Package checkpoint defines the data model shared by the checkpoint
// coordinator and the tasks it coordinates: barriers, snapshot handles,
// the RPC messages exchanged between them, and the store of completed
// checkpoints used for recovery.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the current completed-checkpoint metadata format version.
// Increment when making breaking changes to Completed.
const Version = 1

// Kind distinguishes periodic checkpoints from user-triggered savepoints.
// Both draw ids from the same counter.
type Kind string

const (
	KindCheckpoint Kind = "checkpoint"
	KindSavepoint  Kind = "savepoint"
)

// Status is the lifecycle state of a checkpoint.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Barrier is the in-band marker injected at sources and carried downstream
// between records. Records before it on a channel belong to the checkpoint,
// records after it do not.
type Barrier struct {
	CheckpointID int64     `json:"checkpoint_id"`
	Timestamp    time.Time `json:"timestamp"`
	Kind         Kind      `json:"kind"`

	// Unaligned asks tasks to forward the barrier immediately and persist
	// overtaken in-flight records instead of blocking input channels.
	Unaligned bool `json:"unaligned,omitempty"`
}

// IsSavepoint reports whether the barrier belongs to a savepoint.
func (b Barrier) IsSavepoint() bool {
	return b.Kind == KindSavepoint
}

func (b Barrier) String() string {
	mode := "aligned"
	if b.Unaligned {
		mode = "unaligned"
	}
	return fmt.Sprintf("barrier(%s %d, %s)", b.Kind, b.CheckpointID, mode)
}

// Completed is the durable record of a checkpoint that every expected task
// acknowledged. It references, but does not own, the task snapshot handles.
type Completed struct {
	Version     int               `json:"version"`
	JobID       string            `json:"job_id"`
	ID          int64             `json:"id"`
	Kind        Kind              `json:"kind"`
	Status      Status            `json:"status"`
	TriggeredAt time.Time         `json:"triggered_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Tasks       map[string]Handle `json:"tasks"`
}

// Validate checks the invariants every stored checkpoint must satisfy.
func (c *Completed) Validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("checkpoint id must be positive, got %d", c.ID)
	}
	if c.Status != StatusCompleted {
		return fmt.Errorf("checkpoint %d has status %q, want %q", c.ID, c.Status, StatusCompleted)
	}
	for taskID, h := range c.Tasks {
		if err := h.Validate(); err != nil {
			return fmt.Errorf("checkpoint %d task %s: %w", c.ID, taskID, err)
		}
	}
	return nil
}

// Handle returns the snapshot handle recorded for a task.
// Tasks without state map to the empty handle.
func (c *Completed) Handle(taskID string) Handle {
	if h, ok := c.Tasks[taskID]; ok {
		return h
	}
	return EmptyHandle()
}

// Size is the sum of all referenced snapshot sizes.
func (c *Completed) Size() int64 {
	var total int64
	for _, h := range c.Tasks {
		total += h.Size
	}
	return total
}

// Duration is the time from trigger to completion.
func (c *Completed) Duration() time.Duration {
	return c.CompletedAt.Sub(c.TriggeredAt)
}

// Info summarizes the checkpoint without its handle map.
func (c *Completed) Info() Info {
	return Info{
		ID:          c.ID,
		Kind:        c.Kind,
		TriggeredAt: c.TriggeredAt,
		CompletedAt: c.CompletedAt,
		Tasks:       len(c.Tasks),
		Size:        c.Size(),
	}
}

// Clone returns a deep copy so stored entries cannot be mutated by callers.
func (c *Completed) Clone() *Completed {
	cp := *c
	cp.Tasks = make(map[string]Handle, len(c.Tasks))
	for k, v := range c.Tasks {
		cp.Tasks[k] = v
	}
	return &cp
}

// Marshal serializes the checkpoint metadata to JSON.
func (c *Completed) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal deserializes checkpoint metadata from JSON.
func Unmarshal(data []byte) (*Completed, error) {
	var c Completed
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Version > Version {
		return nil, fmt.Errorf("checkpoint %d: unsupported format version %d", c.ID, c.Version)
	}
	if c.Tasks == nil {
		c.Tasks = map[string]Handle{}
	}
	return &c, nil
}

// Info provides metadata without the handle map.
type Info struct {
	ID          int64     `json:"id"`
	Kind        Kind      `json:"kind"`
	TriggeredAt time.Time `json:"triggered_at"`
	CompletedAt time.Time `json:"completed_at"`
	Tasks       int       `json:"tasks"`
	Size        int64     `json:"size"`
}
