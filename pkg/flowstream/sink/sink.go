// Package sink implements the two-phase-commit protocol that extends
// checkpoint guarantees to external systems.
//
// A TwoPhaseCommitSink writes into a transaction of the external system,
// pre-commits it when the task snapshots, and commits it only after the
// coordinator reports the checkpoint as globally complete. Pre-committed
// transactions are part of the sink's checkpointed state, so a restarted
// task can finish (or roll back) what its previous attempt started.
//
// Connectors plug in through the Transactor capability:
//
//	sink := sink.NewTwoPhaseCommit[Order, string](sink.NewMemoryTransactor[Order]())
//	if err := sink.InitializeState(ctx, restored, checkpoint.Oracle{Store: store}); err != nil {
//	    return err
//	}
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transactor is the capability a connector provides to take part in
// two-phase commit. TXN is the connector's transaction handle; it must
// survive JSON encoding because pre-committed handles are checkpointed.
type Transactor[IN, TXN any] interface {
	// Begin opens a transaction. txnID is unique and may be used by the
	// external system to deduplicate commits.
	Begin(ctx context.Context, txnID string) (TXN, error)

	// Write adds value to the open transaction.
	Write(ctx context.Context, txn TXN, value IN) error

	// PreCommit flushes the transaction so it is durable but not visible.
	PreCommit(ctx context.Context, txn TXN) error

	// Commit makes the transaction visible. It must be idempotent:
	// committing an already committed transaction is a no-op.
	Commit(ctx context.Context, txn TXN) error

	// Abort discards the transaction.
	Abort(ctx context.Context, txn TXN) error
}

// Recoverer is implemented by transactors that resolve restored
// transactions differently from live ones (for example, by resuming a
// producer session from the handle).
type Recoverer[TXN any] interface {
	RecoverAndCommit(ctx context.Context, txn TXN) error
	RecoverAndAbort(ctx context.Context, txn TXN) error
}

// Fencer is implemented by transactors that can abort transactions knowing
// only their id prefix. A recovering sink fences its own prefix: any
// transaction begun after the restored snapshot is unknown to the restored
// state and would otherwise stay open.
type Fencer interface {
	// Fence aborts every open or pre-committed transaction whose id starts
	// with prefix, except those in keep, and returns how many it aborted.
	// Committed transactions are left untouched.
	Fence(ctx context.Context, prefix string, keep []string) (int, error)
}

// CompletionChecker tells a recovering sink whether a checkpoint is
// durably complete. checkpoint.Oracle implements it over a Store.
type CompletionChecker interface {
	Covers(ctx context.Context, checkpointID int64) (bool, error)
}

// Sentinel errors for sinks.
var (
	// ErrNoTransaction indicates the sink was used before InitializeState.
	ErrNoTransaction = errors.New("sink has no transaction: InitializeState not called")

	// ErrSinkClosed indicates the sink has been closed.
	ErrSinkClosed = errors.New("sink closed")
)

// CommitError reports a transaction that could not be committed within the
// commit retry window. The transaction stays pending; the owning task must
// restart and retry the same transaction.
type CommitError struct {
	TxnID        string
	CheckpointID int64
	Attempts     int
	Err          error
}

// Error implements the error interface.
func (e *CommitError) Error() string {
	return fmt.Sprintf("commit transaction %s (checkpoint %d) failed after %d attempts: %v",
		e.TxnID, e.CheckpointID, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *CommitError) Unwrap() error {
	return e.Err
}

// TxnState is the lifecycle state of a sink transaction.
type TxnState string

// Transaction states.
const (
	TxnOpen         TxnState = "open"
	TxnPreCommitted TxnState = "pre_committed"
	TxnCommitted    TxnState = "committed"
	TxnAborted      TxnState = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s TxnState) Terminal() bool {
	return s == TxnCommitted || s == TxnAborted
}

// Transaction tracks one external transaction of a sink.
type Transaction[IN, TXN any] struct {
	ID    string   `json:"id"`
	State TxnState `json:"state"`

	// CheckpointID is the checkpoint whose snapshot pre-committed the
	// transaction. Zero while open.
	CheckpointID int64 `json:"checkpoint_id,omitempty"`

	// Snapshots are the unresolved checkpoints whose sink state references
	// this transaction as pending. The transaction may only be aborted once
	// none is left.
	Snapshots []int64 `json:"snapshots,omitempty"`

	Handle    TXN       `json:"handle"`
	StartedAt time.Time `json:"started_at"`

	// Values are kept until the transaction is terminal so an aborted
	// transaction's output can be rewritten into the next one.
	Values []IN `json:"values,omitempty"`
}

// Status is a point-in-time view of a sink, for diagnostics.
type Status struct {
	// Phase is "idle", "open", or "pre_committed" (the latter wins when a
	// pending transaction exists).
	Phase             string
	OpenTxn           string
	PendingTxn        string
	PendingCheckpoint int64
	Deferred          int
	Committed         int
	Aborted           int
}
