package sink_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	fserrors "github.com/randalmurphal/flowstream/pkg/flowstream/errors"
	"github.com/randalmurphal/flowstream/pkg/flowstream/sink"
)

type order struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

func newBlobSink(tx *sink.BlobTransactor[order], attempt string) *sink.TwoPhaseCommitSink[order, sink.BlobTxn] {
	return sink.NewTwoPhaseCommit[order, sink.BlobTxn](tx,
		sink.WithIDGenerator(sequentialIDs(attempt)),
		sink.WithCommitRetry(fastRetry()),
		sink.WithAbortRetry(fserrors.NoRetry),
	)
}

func openBucket(t *testing.T) *blob.Bucket {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })
	return bucket
}

func TestBlobTransactor_CommitPublishesObjects(t *testing.T) {
	ctx := context.Background()
	bucket := openBucket(t)
	tx := sink.NewBlobTransactor[order](bucket, "orders")
	s := newBlobSink(tx, "a")
	require.NoError(t, s.InitializeState(ctx, nil, nil))

	require.NoError(t, s.Invoke(ctx, order{ID: "o1", Amount: 10}))
	require.NoError(t, s.Invoke(ctx, order{ID: "o2", Amount: 20}))
	_, err := s.SnapshotState(ctx, 1)
	require.NoError(t, err)

	staged, err := bucket.Exists(ctx, "orders/staging/sink/a-1.jsonl")
	require.NoError(t, err)
	assert.True(t, staged)

	out, err := tx.Committed(ctx)
	require.NoError(t, err)
	assert.Empty(t, out)

	require.NoError(t, s.NotifyCheckpointComplete(ctx, 1))
	out, err = tx.Committed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []order{{"o1", 10}, {"o2", 20}}, out)

	staged, err = bucket.Exists(ctx, "orders/staging/sink/a-1.jsonl")
	require.NoError(t, err)
	assert.False(t, staged)
}

func TestBlobTransactor_CommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewBlobTransactor[order](openBucket(t), "")

	txn, err := tx.Begin(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, tx.Write(ctx, txn, order{ID: "o1", Amount: 1}))
	require.NoError(t, tx.PreCommit(ctx, txn))

	require.NoError(t, tx.Commit(ctx, txn))
	require.NoError(t, tx.Commit(ctx, txn))

	out, err := tx.Committed(ctx)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestBlobTransactor_AbortDiscardsStaging(t *testing.T) {
	ctx := context.Background()
	bucket := openBucket(t)
	tx := sink.NewBlobTransactor[order](bucket, "")

	txn, err := tx.Begin(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, tx.Write(ctx, txn, order{ID: "o1"}))
	require.NoError(t, tx.PreCommit(ctx, txn))
	require.NoError(t, tx.Abort(ctx, txn))
	require.NoError(t, tx.Abort(ctx, txn))

	exists, err := bucket.Exists(ctx, "staging/t1.jsonl")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, tx.Commit(ctx, txn), sink.ErrUnknownTransaction)
	assert.ErrorIs(t, tx.Write(ctx, txn, order{}), sink.ErrUnknownTransaction)
}

func TestBlobTransactor_RecoveryAcrossInstances(t *testing.T) {
	ctx := context.Background()
	bucket := openBucket(t)

	first := newBlobSink(sink.NewBlobTransactor[order](bucket, "out"), "a")
	require.NoError(t, first.InitializeState(ctx, nil, nil))
	require.NoError(t, first.Invoke(ctx, order{ID: "o1", Amount: 5}))
	state, err := first.SnapshotState(ctx, 3)
	require.NoError(t, err)

	// The restarted task has a fresh transactor; only the bucket survives
	tx := sink.NewBlobTransactor[order](bucket, "out")
	second := newBlobSink(tx, "b")
	require.NoError(t, second.InitializeState(ctx, state, completedIDs{3: true}))

	out, err := tx.Committed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []order{{"o1", 5}}, out)
}

func TestBlobTransactor_FenceAbortsStagedTransactions(t *testing.T) {
	ctx := context.Background()
	bucket := openBucket(t)

	first := newBlobSink(sink.NewBlobTransactor[order](bucket, "out"), "a")
	require.NoError(t, first.InitializeState(ctx, nil, nil))
	require.NoError(t, first.Invoke(ctx, order{ID: "o1", Amount: 1}))
	state, err := first.SnapshotState(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, first.NotifyCheckpointComplete(ctx, 1))
	require.NoError(t, first.Invoke(ctx, order{ID: "o2", Amount: 2}))
	_, err = first.SnapshotState(ctx, 2)
	require.NoError(t, err)

	staged, err := bucket.Exists(ctx, "out/staging/sink/a-2.jsonl")
	require.NoError(t, err)
	require.True(t, staged)

	tx := sink.NewBlobTransactor[order](bucket, "out")
	second := newBlobSink(tx, "b")
	require.NoError(t, second.InitializeState(ctx, state, completedIDs{1: true}))

	staged, err = bucket.Exists(ctx, "out/staging/sink/a-2.jsonl")
	require.NoError(t, err)
	assert.False(t, staged, "the transaction pre-committed for checkpoint 2 is fenced")

	out, err := tx.Committed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []order{{"o1", 1}}, out)

	n, err := tx.Fence(ctx, "sink/", nil)
	require.NoError(t, err)
	assert.Zero(t, n, "committed transactions are never fenced")
}

func TestBlobTransactor_CommittedInCommitOrder(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewBlobTransactor[order](openBucket(t), "out")
	s := sink.NewTwoPhaseCommit[order, sink.BlobTxn](tx, sink.WithCommitRetry(fastRetry()))
	require.NoError(t, s.InitializeState(ctx, nil, nil))

	var want []order
	for i := int64(1); i <= 12; i++ {
		o := order{ID: fmt.Sprintf("o%d", i), Amount: int(i)}
		want = append(want, o)
		require.NoError(t, s.Invoke(ctx, o))
		_, err := s.SnapshotState(ctx, i)
		require.NoError(t, err)
		require.NoError(t, s.NotifyCheckpointComplete(ctx, i))
	}

	out, err := tx.Committed(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, out)
}
