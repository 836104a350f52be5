package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
)

// pendingCheckpoint is a triggered checkpoint waiting for acknowledgements.
// Only the event loop touches it.
type pendingCheckpoint struct {
	id          int64
	kind        checkpoint.Kind
	triggeredAt time.Time
	expected    map[string]struct{}
	acked       map[string]checkpoint.Handle
	metrics     map[string]checkpoint.AckMetrics
	timer       *time.Timer
	span        trace.Span
	future      *Future
}

func newPending(id int64, kind checkpoint.Kind, at time.Time, tasks []string, f *Future) *pendingCheckpoint {
	p := &pendingCheckpoint{
		id:          id,
		kind:        kind,
		triggeredAt: at,
		expected:    make(map[string]struct{}, len(tasks)),
		acked:       make(map[string]checkpoint.Handle, len(tasks)),
		metrics:     make(map[string]checkpoint.AckMetrics, len(tasks)),
		future:      f,
	}
	for _, t := range tasks {
		p.expected[t] = struct{}{}
	}
	return p
}

func (p *pendingCheckpoint) expects(taskID string) bool {
	_, ok := p.expected[taskID]
	return ok
}

func (p *pendingCheckpoint) fullyAcknowledged() bool {
	return len(p.acked) == len(p.expected)
}

// handles returns the non-empty handles acknowledged so far.
func (p *pendingCheckpoint) handles() []checkpoint.Handle {
	var out []checkpoint.Handle
	for _, h := range p.acked {
		if !h.IsEmpty() {
			out = append(out, h)
		}
	}
	return out
}

// Future is the result of a manually triggered checkpoint or savepoint.
type Future struct {
	id     atomic.Int64
	done   chan struct{}
	once   sync.Once
	result *checkpoint.Completed
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// ID returns the allocated checkpoint id, or 0 if the trigger was rejected
// or has not been processed yet.
func (f *Future) ID() int64 {
	return f.id.Load()
}

// Done is closed when the checkpoint completes or fails.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the checkpoint completes, fails, or ctx ends.
// A failed trigger returns a *TriggerError; an aborted checkpoint returns a
// *checkpoint.CheckpointError.
func (f *Future) Wait(ctx context.Context) (*checkpoint.Completed, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(c *checkpoint.Completed, err error) {
	if f == nil {
		return
	}
	f.once.Do(func() {
		f.result = c
		f.err = err
		close(f.done)
	})
}

// retiredSet remembers recently aborted checkpoint ids so late
// acknowledgements can have their state discarded. It is bounded.
type retiredSet struct {
	ids   map[int64]struct{}
	order []int64
	limit int
}

func newRetiredSet(limit int) *retiredSet {
	return &retiredSet{ids: make(map[int64]struct{}), limit: limit}
}

func (r *retiredSet) add(id int64) {
	if _, ok := r.ids[id]; ok {
		return
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.limit {
		delete(r.ids, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *retiredSet) contains(id int64) bool {
	_, ok := r.ids[id]
	return ok
}
