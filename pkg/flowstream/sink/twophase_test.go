package sink_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fserrors "github.com/randalmurphal/flowstream/pkg/flowstream/errors"
	"github.com/randalmurphal/flowstream/pkg/flowstream/sink"
)

// completedIDs is a CompletionChecker over a fixed set of checkpoint ids.
type completedIDs map[int64]bool

func (c completedIDs) Covers(_ context.Context, id int64) (bool, error) {
	return c[id], nil
}

type failingChecker struct{ err error }

func (f failingChecker) Covers(context.Context, int64) (bool, error) { return false, f.err }

func fastRetry() fserrors.RetryConfig {
	return fserrors.NewRetryConfig(
		fserrors.WithMaxAttempts(0),
		fserrors.WithMaxElapsed(30*time.Millisecond),
		fserrors.WithInitialBackoff(time.Millisecond),
		fserrors.WithMaxBackoff(2*time.Millisecond),
		fserrors.WithJitter(0),
		fserrors.WithRetryableFunc(fserrors.RetryUnlessCancelled),
	)
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newSink(t *testing.T, tx sink.Transactor[int, string], attempt string, opts ...sink.Option) *sink.TwoPhaseCommitSink[int, string] {
	t.Helper()
	base := []sink.Option{
		sink.WithIDGenerator(sequentialIDs(attempt)),
		sink.WithCommitRetry(fastRetry()),
		sink.WithAbortRetry(fserrors.NoRetry),
	}
	return sink.NewTwoPhaseCommit[int, string](tx, append(base, opts...)...)
}

func invoke(t *testing.T, s *sink.TwoPhaseCommitSink[int, string], values ...int) {
	t.Helper()
	for _, v := range values {
		require.NoError(t, s.Invoke(context.Background(), v))
	}
}

func TestTwoPhaseCommit_CommitsOnCompletion(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()
	s := newSink(t, tx, "a")
	require.NoError(t, s.InitializeState(ctx, nil, nil))

	assert.Equal(t, "open", s.Status().Phase)
	invoke(t, s, 1, 2)

	_, err := s.SnapshotState(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, tx.Visible(), "pre-committed output must stay invisible")

	invoke(t, s, 3)
	st := s.Status()
	assert.Equal(t, "pre_committed", st.Phase)
	assert.Equal(t, "sink/a-1", st.PendingTxn)
	assert.Equal(t, int64(1), st.PendingCheckpoint)
	assert.Equal(t, 1, st.Deferred)
	assert.Empty(t, st.OpenTxn, "no transaction begins before the pending one is terminal")

	require.NoError(t, s.NotifyCheckpointComplete(ctx, 1))
	assert.Equal(t, []int{1, 2}, tx.Visible())
	assert.True(t, tx.Committed("sink/a-1"))

	st = s.Status()
	assert.Equal(t, "open", st.Phase)
	assert.Equal(t, "sink/a-2", st.OpenTxn)
	assert.Zero(t, st.Deferred)

	_, err = s.SnapshotState(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, s.NotifyCheckpointComplete(ctx, 2))
	assert.Equal(t, []int{1, 2, 3}, tx.Visible())
	assert.Equal(t, 2, s.Status().Committed)
}

func TestTwoPhaseCommit_DuplicateCompletionIsNoop(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()
	s := newSink(t, tx, "a")
	require.NoError(t, s.InitializeState(ctx, nil, nil))

	invoke(t, s, 1, 2)
	_, err := s.SnapshotState(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, s.NotifyCheckpointComplete(ctx, 1))
	require.NoError(t, s.NotifyCheckpointComplete(ctx, 1))

	assert.Equal(t, []int{1, 2}, tx.Visible())
	assert.Equal(t, 1, tx.CommitCalls())

	// The external system deduplicates by transaction id as well
	require.NoError(t, tx.Commit(ctx, "sink/a-1"))
	assert.Equal(t, []int{1, 2}, tx.Visible())
}

func TestTwoPhaseCommit_IgnoresOlderCompletion(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()
	s := newSink(t, tx, "a")
	require.NoError(t, s.InitializeState(ctx, nil, nil))

	invoke(t, s, 1)
	_, err := s.SnapshotState(ctx, 5)
	require.NoError(t, err)

	require.NoError(t, s.NotifyCheckpointComplete(ctx, 4))
	assert.Empty(t, tx.Visible())
	assert.Equal(t, "pre_committed", s.Status().Phase)

	// A later checkpoint covers the pending transaction
	require.NoError(t, s.NotifyCheckpointComplete(ctx, 7))
	assert.Equal(t, []int{1}, tx.Visible())
}

func TestTwoPhaseCommit_AbortRewritesValues(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()
	s := newSink(t, tx, "a")
	require.NoError(t, s.InitializeState(ctx, nil, nil))

	invoke(t, s, 1)
	_, err := s.SnapshotState(ctx, 1)
	require.NoError(t, err)
	invoke(t, s, 2)

	require.NoError(t, s.NotifyCheckpointAborted(ctx, 1))
	assert.True(t, tx.Aborted("sink/a-1"))
	st := s.Status()
	assert.Equal(t, "open", st.Phase)
	assert.Equal(t, 1, st.Aborted)

	// Unknown and repeated aborts do nothing
	require.NoError(t, s.NotifyCheckpointAborted(ctx, 1))
	require.NoError(t, s.NotifyCheckpointAborted(ctx, 42))

	_, err = s.SnapshotState(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, s.NotifyCheckpointComplete(ctx, 2))
	assert.Equal(t, []int{1, 2}, tx.Visible())
}

func TestTwoPhaseCommit_AbortWaitsForAllReferences(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()
	s := newSink(t, tx, "a")
	require.NoError(t, s.InitializeState(ctx, nil, nil))

	invoke(t, s, 1)
	_, err := s.SnapshotState(ctx, 1)
	require.NoError(t, err)
	_, err = s.SnapshotState(ctx, 2) // checkpoint 2 also references the pending transaction
	require.NoError(t, err)

	require.NoError(t, s.NotifyCheckpointAborted(ctx, 1))
	assert.False(t, tx.Aborted("sink/a-1"))
	assert.Equal(t, "pre_committed", s.Status().Phase)

	require.NoError(t, s.NotifyCheckpointComplete(ctx, 2))
	assert.Equal(t, []int{1}, tx.Visible())
}

func TestTwoPhaseCommit_AbortAfterLastReference(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()
	s := newSink(t, tx, "a")
	require.NoError(t, s.InitializeState(ctx, nil, nil))

	invoke(t, s, 1)
	_, err := s.SnapshotState(ctx, 1)
	require.NoError(t, err)
	_, err = s.SnapshotState(ctx, 2)
	require.NoError(t, err)

	require.NoError(t, s.NotifyCheckpointAborted(ctx, 2))
	require.NoError(t, s.NotifyCheckpointAborted(ctx, 1))
	assert.True(t, tx.Aborted("sink/a-1"))
	assert.Equal(t, "open", s.Status().Phase)
}

func TestTwoPhaseCommit_RecoveryCommitsCompletedCheckpoint(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()

	first := newSink(t, tx, "a")
	require.NoError(t, first.InitializeState(ctx, nil, nil))
	invoke(t, first, 1, 2)
	state, err := first.SnapshotState(ctx, 5)
	require.NoError(t, err)
	// Crash before the completion notice arrives

	second := newSink(t, tx, "b")
	require.NoError(t, second.InitializeState(ctx, state, completedIDs{5: true}))

	assert.Equal(t, []int{1, 2}, tx.Visible())
	assert.Equal(t, 1, tx.Recovered())
	assert.Equal(t, "open", second.Status().Phase)

	// A late duplicate notification does not commit again
	require.NoError(t, second.NotifyCheckpointComplete(ctx, 5))
	assert.Equal(t, []int{1, 2}, tx.Visible())
}

func TestTwoPhaseCommit_RecoveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()

	first := newSink(t, tx, "a")
	require.NoError(t, first.InitializeState(ctx, nil, nil))
	invoke(t, first, 7)
	state, err := first.SnapshotState(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, first.NotifyCheckpointComplete(ctx, 1))

	// Crash after the commit but restore from the same checkpoint
	second := newSink(t, tx, "b")
	require.NoError(t, second.InitializeState(ctx, state, completedIDs{1: true}))
	assert.Equal(t, []int{7}, tx.Visible())
}

func TestTwoPhaseCommit_RecoveryAbortsIncompleteCheckpoint(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()

	first := newSink(t, tx, "a")
	require.NoError(t, first.InitializeState(ctx, nil, nil))
	invoke(t, first, 1, 2)
	state, err := first.SnapshotState(ctx, 5)
	require.NoError(t, err)

	second := newSink(t, tx, "b")
	require.NoError(t, second.InitializeState(ctx, state, completedIDs{}))
	assert.True(t, tx.Aborted("sink/a-1"))
	assert.Empty(t, tx.Visible())

	_, err = second.SnapshotState(ctx, 6)
	require.NoError(t, err)
	require.NoError(t, second.NotifyCheckpointComplete(ctx, 6))
	assert.Equal(t, []int{1, 2}, tx.Visible(), "aborted values are written exactly once")

	require.NoError(t, second.Close(ctx))
	assert.Zero(t, tx.Open())
}

func TestTwoPhaseCommit_RecoveryFencesLaterTransactions(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()

	first := newSink(t, tx, "a")
	require.NoError(t, first.InitializeState(ctx, nil, nil))
	invoke(t, first, 1)
	state4, err := first.SnapshotState(ctx, 4)
	require.NoError(t, err)
	require.NoError(t, first.NotifyCheckpointComplete(ctx, 4))

	// The next transaction is pre-committed for checkpoint 5, which never
	// completes before the crash
	invoke(t, first, 2)
	_, err = first.SnapshotState(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))
	require.Equal(t, 1, tx.Open())

	second := newSink(t, tx, "b")
	require.NoError(t, second.InitializeState(ctx, state4, completedIDs{4: true}))
	assert.True(t, tx.Aborted("sink/a-2"))
	assert.False(t, tx.Committed("sink/a-2"))
	assert.Equal(t, 1, second.Status().Aborted)

	// The source replays the record written after checkpoint 4
	invoke(t, second, 2)
	_, err = second.SnapshotState(ctx, 6)
	require.NoError(t, err)
	require.NoError(t, second.NotifyCheckpointComplete(ctx, 6))
	require.NoError(t, second.Close(ctx))

	assert.Equal(t, []int{1, 2}, tx.Visible())
	assert.Zero(t, tx.Open(), "no transaction is left open after recovery")
}

func TestTwoPhaseCommit_FencingIsScopedToSink(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()

	other := newSink(t, tx, "x", sink.WithSinkID("other"))
	require.NoError(t, other.InitializeState(ctx, nil, nil))
	invoke(t, other, 9)
	_, err := other.SnapshotState(ctx, 1)
	require.NoError(t, err)

	restarted := newSink(t, tx, "a")
	require.NoError(t, restarted.InitializeState(ctx, nil, nil))
	assert.False(t, tx.Aborted("other/x-1"))
	assert.Equal(t, "sink/a-1", restarted.Status().OpenTxn)

	require.NoError(t, other.NotifyCheckpointComplete(ctx, 1))
	assert.Equal(t, []int{9}, tx.Visible())
}

func TestTwoPhaseCommit_RecoveryRestoresDeferredValues(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()

	first := newSink(t, tx, "a")
	require.NoError(t, first.InitializeState(ctx, nil, nil))
	invoke(t, first, 1)
	_, err := first.SnapshotState(ctx, 1)
	require.NoError(t, err)
	invoke(t, first, 2)
	state, err := first.SnapshotState(ctx, 2)
	require.NoError(t, err)

	second := newSink(t, tx, "b")
	require.NoError(t, second.InitializeState(ctx, state, completedIDs{1: true, 2: true}))
	assert.Equal(t, []int{1}, tx.Visible())
	assert.Equal(t, "sink/b-1", second.Status().OpenTxn)

	_, err = second.SnapshotState(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, second.NotifyCheckpointComplete(ctx, 3))
	assert.Equal(t, []int{1, 2}, tx.Visible())
}

func TestTwoPhaseCommit_RecoveryNeedsChecker(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()

	first := newSink(t, tx, "a")
	require.NoError(t, first.InitializeState(ctx, nil, nil))
	state, err := first.SnapshotState(ctx, 1)
	require.NoError(t, err)

	assert.Error(t, newSink(t, tx, "b").InitializeState(ctx, state, nil))

	lookup := errors.New("store unavailable")
	err = newSink(t, tx, "c").InitializeState(ctx, state, failingChecker{err: lookup})
	assert.ErrorIs(t, err, lookup)

	assert.Error(t, newSink(t, tx, "d").InitializeState(ctx, []byte("{not json"), nil))
}

func TestTwoPhaseCommit_CommitRetries(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()
	s := newSink(t, tx, "a")
	require.NoError(t, s.InitializeState(ctx, nil, nil))

	invoke(t, s, 1)
	_, err := s.SnapshotState(ctx, 1)
	require.NoError(t, err)

	tx.FailCommits(3, nil)
	require.NoError(t, s.NotifyCheckpointComplete(ctx, 1))
	assert.Equal(t, 4, tx.CommitCalls())
	assert.Equal(t, []int{1}, tx.Visible())
}

func TestTwoPhaseCommit_CommitExhausted(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()
	s := newSink(t, tx, "a")
	require.NoError(t, s.InitializeState(ctx, nil, nil))

	invoke(t, s, 1)
	_, err := s.SnapshotState(ctx, 1)
	require.NoError(t, err)

	broker := errors.New("broker unreachable")
	tx.FailCommits(-1, broker)
	err = s.NotifyCheckpointComplete(ctx, 1)

	var commitErr *sink.CommitError
	require.ErrorAs(t, err, &commitErr)
	assert.Equal(t, "sink/a-1", commitErr.TxnID)
	assert.Equal(t, int64(1), commitErr.CheckpointID)
	assert.Greater(t, commitErr.Attempts, 1)
	assert.ErrorIs(t, err, broker)

	// The transaction stays pending for the next attempt
	assert.Equal(t, "pre_committed", s.Status().Phase)
	assert.Empty(t, tx.Visible())

	tx.FailCommits(0, nil)
	require.NoError(t, s.NotifyCheckpointComplete(ctx, 1))
	assert.Equal(t, []int{1}, tx.Visible())
}

func TestTwoPhaseCommit_CommitStopsOnCancel(t *testing.T) {
	tx := sink.NewMemoryTransactor[int]()
	s := newSink(t, tx, "a", sink.WithCommitRetry(fserrors.CommitRetry))
	require.NoError(t, s.InitializeState(context.Background(), nil, nil))
	_, err := s.SnapshotState(context.Background(), 1)
	require.NoError(t, err)

	tx.FailCommits(-1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = s.NotifyCheckpointComplete(ctx, 1)
	var commitErr *sink.CommitError
	assert.ErrorAs(t, err, &commitErr)
}

func TestTwoPhaseCommit_PreCommitFailure(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()
	s := newSink(t, tx, "a")
	require.NoError(t, s.InitializeState(ctx, nil, nil))
	invoke(t, s, 1)

	tx.FailPreCommits(1)
	_, err := s.SnapshotState(ctx, 1)
	require.Error(t, err)
	assert.Equal(t, "open", s.Status().Phase)

	_, err = s.SnapshotState(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, s.NotifyCheckpointComplete(ctx, 2))
	assert.Equal(t, []int{1}, tx.Visible())
}

func TestTwoPhaseCommit_Lifecycle(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()
	s := newSink(t, tx, "a")

	assert.ErrorIs(t, s.Invoke(ctx, 1), sink.ErrNoTransaction)
	_, err := s.SnapshotState(ctx, 1)
	assert.ErrorIs(t, err, sink.ErrNoTransaction)

	require.NoError(t, s.InitializeState(ctx, nil, nil))
	invoke(t, s, 1)
	assert.Equal(t, 1, tx.Open())

	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
	assert.Zero(t, tx.Open(), "closing aborts the open transaction")
	assert.ErrorIs(t, s.Invoke(ctx, 2), sink.ErrSinkClosed)
	assert.NoError(t, s.NotifyCheckpointComplete(ctx, 1))
	assert.ErrorIs(t, s.InitializeState(ctx, nil, nil), sink.ErrSinkClosed)
}

func TestTwoPhaseCommit_CloseKeepsPendingTransaction(t *testing.T) {
	ctx := context.Background()
	tx := sink.NewMemoryTransactor[int]()
	s := newSink(t, tx, "a")
	require.NoError(t, s.InitializeState(ctx, nil, nil))
	invoke(t, s, 1)
	_, err := s.SnapshotState(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx))
	assert.False(t, tx.Aborted("sink/a-1"))
	assert.Equal(t, 1, tx.Open())
}

func TestTwoPhaseCommit_TransactionAgeWarning(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newSink(t, sink.NewMemoryTransactor[int](), "a",
		sink.WithLogger(logger),
		sink.WithClock(func() time.Time { return now }),
		sink.WithTransactionTimeout(10*time.Second, 0.5),
	)
	require.NoError(t, s.InitializeState(ctx, nil, nil))

	invoke(t, s, 1)
	assert.Empty(t, buf.String())

	now = now.Add(6 * time.Second)
	invoke(t, s, 2, 3)
	assert.Equal(t, 1, strings.Count(buf.String(), "transaction close to external timeout"))
	assert.Contains(t, buf.String(), `"txn_id":"sink/a-1"`)
}
