package state

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
)

// MemoryBackendName is the handle backend name used by MemoryBackend.
const MemoryBackendName = "memory"

// MemoryBackend keeps snapshots in process memory.
// Snapshots survive task restarts but not process restarts.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
	closed  bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string][]byte)}
}

// Name implements Backend.
func (b *MemoryBackend) Name() string { return MemoryBackendName }

// Snapshot implements Backend.
func (b *MemoryBackend) Snapshot(_ context.Context, taskID string, checkpointID int64, data []byte) (checkpoint.Handle, error) {
	if len(data) == 0 {
		return checkpoint.EmptyHandle(), nil
	}

	// Copy so the task can keep mutating its buffers
	stored := make([]byte, len(data))
	copy(stored, data)
	key := objectKey("", taskID, checkpointID, uuid.New().String()[:8])

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return checkpoint.Handle{}, ErrBackendClosed
	}
	b.objects[key] = stored

	return checkpoint.Handle{Backend: MemoryBackendName, Key: key, Size: int64(len(stored))}, nil
}

// Restore implements Backend.
func (b *MemoryBackend) Restore(_ context.Context, h checkpoint.Handle) ([]byte, error) {
	empty, err := checkHandle(MemoryBackendName, h)
	if err != nil || empty {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	data, ok := b.objects[h.Key]
	if !ok {
		return nil, ErrStateNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Discard implements Backend.
func (b *MemoryBackend) Discard(_ context.Context, h checkpoint.Handle) error {
	empty, err := checkHandle(MemoryBackendName, h)
	if err != nil || empty {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, h.Key)
	return nil
}

// Close implements Backend.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.objects = nil
	return nil
}

// Len returns the number of stored snapshots (for testing).
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

var _ Backend = (*MemoryBackend)(nil)
