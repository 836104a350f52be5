package flowstream

import (
	"encoding/json"
	"fmt"
	"time"
)

// Emit sends a record to every downstream vertex. It blocks while the
// downstream inputs are full.
type Emit[T any] func(T) error

// Source produces the records of a job. One source instance runs per
// attempt; Open receives the state of the latest completed checkpoint.
type Source[T any] interface {
	// Open restores state (nil on a fresh start).
	Open(ctx Context, state []byte) error

	// Poll returns the next record, or ok=false once the source is
	// exhausted. Poll should not block for long: checkpoint triggers are
	// handled between polls.
	Poll(ctx Context) (value T, ok bool, err error)

	// SnapshotState returns the state to store for checkpointID.
	SnapshotState(ctx Context, checkpointID int64) ([]byte, error)

	Close(ctx Context) error
}

// Operator transforms records. Sinks are operators without outputs.
type Operator[T any] interface {
	// Open restores state (nil on a fresh start).
	Open(ctx Context, state []byte) error

	Process(ctx Context, value T, emit Emit[T]) error

	// SnapshotState returns the state to store for checkpointID. It runs
	// after every record before the barrier was processed and before any
	// record after it.
	SnapshotState(ctx Context, checkpointID int64) ([]byte, error)

	Close(ctx Context) error
}

// CheckpointListener is implemented by sources and operators that act on
// the outcome of checkpoints, such as transactional sinks.
type CheckpointListener interface {
	NotifyCheckpointComplete(ctx Context, checkpointID int64) error
	NotifyCheckpointAborted(ctx Context, checkpointID int64) error
}

// SourceFactory creates a fresh source for each attempt.
type SourceFactory[T any] func() Source[T]

// OperatorFactory creates a fresh operator for each attempt.
type OperatorFactory[T any] func() Operator[T]

// SliceSource emits a fixed slice of values and checkpoints its offset.
type SliceSource[T any] struct {
	Values []T
	// Delay is slept before every poll, to pace demos and tests.
	Delay time.Duration

	offset int
}

type sliceSourceState struct {
	Offset int `json:"offset"`
}

// SliceSourceOf returns a factory for a SliceSource over values.
func SliceSourceOf[T any](values ...T) SourceFactory[T] {
	return func() Source[T] { return &SliceSource[T]{Values: values} }
}

// Open restores the offset.
func (s *SliceSource[T]) Open(_ Context, state []byte) error {
	s.offset = 0
	if len(state) == 0 {
		return nil
	}
	var st sliceSourceState
	if err := json.Unmarshal(state, &st); err != nil {
		return fmt.Errorf("decode slice source state: %w", err)
	}
	if st.Offset < 0 || st.Offset > len(s.Values) {
		return fmt.Errorf("restored offset %d out of range [0, %d]", st.Offset, len(s.Values))
	}
	s.offset = st.Offset
	return nil
}

// Poll returns the next value.
func (s *SliceSource[T]) Poll(ctx Context) (T, bool, error) {
	var zero T
	if s.offset >= len(s.Values) {
		return zero, false, nil
	}
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return zero, false, ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	v := s.Values[s.offset]
	s.offset++
	return v, true, nil
}

// SnapshotState stores the offset of the next value.
func (s *SliceSource[T]) SnapshotState(Context, int64) ([]byte, error) {
	return json.Marshal(sliceSourceState{Offset: s.offset})
}

// Close does nothing.
func (s *SliceSource[T]) Close(Context) error { return nil }

// Offset returns the index of the next value to emit.
func (s *SliceSource[T]) Offset() int { return s.offset }

// MapOperator applies a stateless function to every record.
type MapOperator[T any] struct {
	Fn func(T) (T, error)
}

// Map returns a factory for a MapOperator.
func Map[T any](fn func(T) (T, error)) OperatorFactory[T] {
	if fn == nil {
		panic("flowstream: map function cannot be nil")
	}
	return func() Operator[T] { return &MapOperator[T]{Fn: fn} }
}

func (m *MapOperator[T]) Open(Context, []byte) error { return nil }

func (m *MapOperator[T]) Process(_ Context, v T, emit Emit[T]) error {
	out, err := m.Fn(v)
	if err != nil {
		return err
	}
	return emit(out)
}

func (m *MapOperator[T]) SnapshotState(Context, int64) ([]byte, error) { return nil, nil }
func (m *MapOperator[T]) Close(Context) error                          { return nil }

var (
	_ Source[int]   = (*SliceSource[int])(nil)
	_ Operator[int] = (*MapOperator[int])(nil)
)
