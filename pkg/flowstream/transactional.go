package flowstream

import (
	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
	"github.com/randalmurphal/flowstream/pkg/flowstream/sink"
)

// NewTransactionalSink returns a sink that writes through tx with
// two-phase commit: records become visible only once the checkpoint
// covering them completes. Each attempt gets a fresh
// sink.TwoPhaseCommitSink; a transaction restored from a checkpoint is
// committed or aborted depending on whether store holds that checkpoint
// (or a later one).
//
// The sink id defaults to the vertex id; opts are applied after it.
func NewTransactionalSink[T, TXN any](store checkpoint.Store, tx sink.Transactor[T, TXN], opts ...sink.Option) OperatorFactory[T] {
	if store == nil || tx == nil {
		panic("flowstream: transactional sink needs a checkpoint store and a transactor")
	}
	return func() Operator[T] {
		return &transactionalSink[T, TXN]{
			tx:      tx,
			checker: checkpoint.Oracle{Store: store},
			opts:    opts,
		}
	}
}

type transactionalSink[T, TXN any] struct {
	tx      sink.Transactor[T, TXN]
	checker sink.CompletionChecker
	opts    []sink.Option
	sink    *sink.TwoPhaseCommitSink[T, TXN]
}

func (s *transactionalSink[T, TXN]) Open(ctx Context, state []byte) error {
	opts := append([]sink.Option{
		sink.WithSinkID(ctx.TaskID()),
		sink.WithLogger(ctx.Logger()),
	}, s.opts...)
	s.sink = sink.NewTwoPhaseCommit(s.tx, opts...)
	return s.sink.InitializeState(ctx, state, s.checker)
}

func (s *transactionalSink[T, TXN]) Process(ctx Context, value T, _ Emit[T]) error {
	return s.sink.Invoke(ctx, value)
}

func (s *transactionalSink[T, TXN]) SnapshotState(ctx Context, checkpointID int64) ([]byte, error) {
	return s.sink.SnapshotState(ctx, checkpointID)
}

func (s *transactionalSink[T, TXN]) NotifyCheckpointComplete(ctx Context, checkpointID int64) error {
	return s.sink.NotifyCheckpointComplete(ctx, checkpointID)
}

func (s *transactionalSink[T, TXN]) NotifyCheckpointAborted(ctx Context, checkpointID int64) error {
	return s.sink.NotifyCheckpointAborted(ctx, checkpointID)
}

func (s *transactionalSink[T, TXN]) Close(ctx Context) error {
	if s.sink == nil {
		return nil
	}
	return s.sink.Close(ctx)
}

