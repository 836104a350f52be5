// Package state turns a task's serialized operator state into durable
// snapshot handles and back.
//
// Snapshot must return only after the data is durable; the returned handle is
// never written again. Restore is a cold, blocking call made at task start.
// Empty state is never written: it maps to checkpoint.EmptyHandle and restores
// to nil.
package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
)

// Backend stores task snapshots.
// Implementations must be safe for concurrent use by many tasks.
type Backend interface {
	// Name identifies the backend in the handles it creates.
	Name() string

	// Snapshot durably stores data for taskID at checkpointID.
	Snapshot(ctx context.Context, taskID string, checkpointID int64, data []byte) (checkpoint.Handle, error)

	// Restore reads the state referenced by h.
	Restore(ctx context.Context, h checkpoint.Handle) ([]byte, error)

	// Discard deletes the state referenced by h. Missing state is not an error.
	Discard(ctx context.Context, h checkpoint.Handle) error

	// Close releases any resources.
	Close() error
}

// Sentinel errors for state operations.
var (
	// ErrForeignHandle indicates a handle created by a different backend.
	ErrForeignHandle = errors.New("handle belongs to another state backend")

	// ErrStateNotFound indicates the referenced state no longer exists.
	ErrStateNotFound = errors.New("snapshot state not found")

	// ErrBackendClosed indicates the backend has been closed.
	ErrBackendClosed = errors.New("state backend closed")
)

// checkHandle validates h for a backend named name. It reports whether h is
// the empty sentinel, in which case there is nothing to read or delete.
func checkHandle(name string, h checkpoint.Handle) (empty bool, err error) {
	if err := h.Validate(); err != nil {
		return false, err
	}
	if h.IsEmpty() {
		return true, nil
	}
	if h.Backend != name {
		return false, fmt.Errorf("%w: %s handle given to %s", ErrForeignHandle, h.Backend, name)
	}
	return false, nil
}

// objectKey lays out snapshots as <prefix>/<task>/chk-<id>-<suffix>.
func objectKey(prefix, taskID string, checkpointID int64, suffix string) string {
	key := fmt.Sprintf("%s/chk-%d-%s", taskID, checkpointID, suffix)
	if prefix != "" {
		key = prefix + "/" + key
	}
	return key
}
