package checkpoint

import (
	"context"
	"sync/atomic"
)

// IDCounter hands out strictly increasing checkpoint ids. An id, once
// returned by Next, is never returned again, even if its checkpoint aborts.
type IDCounter interface {
	// Next allocates the next id.
	Next(ctx context.Context) (int64, error)

	// Current returns the last allocated id, or zero.
	Current(ctx context.Context) (int64, error)

	// Ensure advances the counter so the next id is greater than atLeast.
	Ensure(ctx context.Context, atLeast int64) error
}

// MemoryIDCounter is a process-local IDCounter.
type MemoryIDCounter struct {
	last atomic.Int64
}

// NewMemoryIDCounter creates a counter whose first id is start+1.
func NewMemoryIDCounter(start int64) *MemoryIDCounter {
	c := &MemoryIDCounter{}
	c.last.Store(start)
	return c
}

// Next implements IDCounter.
func (c *MemoryIDCounter) Next(context.Context) (int64, error) {
	return c.last.Add(1), nil
}

// Current implements IDCounter.
func (c *MemoryIDCounter) Current(context.Context) (int64, error) {
	return c.last.Load(), nil
}

// Ensure implements IDCounter.
func (c *MemoryIDCounter) Ensure(_ context.Context, atLeast int64) error {
	for {
		cur := c.last.Load()
		if cur >= atLeast || c.last.CompareAndSwap(cur, atLeast) {
			return nil
		}
	}
}

var _ IDCounter = (*MemoryIDCounter)(nil)
