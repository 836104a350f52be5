package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	fserrors "github.com/randalmurphal/flowstream/pkg/flowstream/errors"
	"github.com/randalmurphal/flowstream/pkg/flowstream/observability"
)

// Option configures a TwoPhaseCommitSink.
type Option func(*options)

type options struct {
	sinkID      string
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	commitRetry fserrors.RetryConfig
	abortRetry  fserrors.RetryConfig
	txnTimeout  time.Duration
	warnRatio   float64
	now         func() time.Time
	newID       func() string
}

// WithSinkID labels logs and metrics and prefixes every transaction id as
// "<id>/". The id must not contain a slash and must be unique among sinks
// sharing a transactor: recovery fences every transaction under the prefix.
func WithSinkID(id string) Option {
	return func(o *options) { o.sinkID = id }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithCommitRetry overrides the commit retry policy (default
// errors.CommitRetry: unlimited attempts within a bounded window).
func WithCommitRetry(cfg fserrors.RetryConfig) Option {
	return func(o *options) { o.commitRetry = cfg }
}

// WithAbortRetry overrides the abort retry policy.
func WithAbortRetry(cfg fserrors.RetryConfig) Option {
	return func(o *options) { o.abortRetry = cfg }
}

// WithTransactionTimeout warns once per transaction when it has been
// running longer than warnRatio*timeout. Use it with the external system's
// own transaction timeout, after which it would abort the transaction.
func WithTransactionTimeout(timeout time.Duration, warnRatio float64) Option {
	return func(o *options) {
		o.txnTimeout = timeout
		o.warnRatio = warnRatio
	}
}

// WithClock overrides time.Now (for testing).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator overrides transaction id generation (default: UUIDv7,
// which sorts in creation order). The sink id prefix is added to the result.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

type sinkState[IN, TXN any] struct {
	Pending  *Transaction[IN, TXN] `json:"pending,omitempty"`
	Deferred []IN                  `json:"deferred,omitempty"`
}

// TwoPhaseCommitSink drives a Transactor through
// open -> pre-committed -> committed | aborted in step with checkpoints.
//
// At most one transaction is open and at most one is pre-committed. No new
// transaction is begun before the pre-committed one is terminal; values
// written meanwhile are deferred and checkpointed with the sink state.
type TwoPhaseCommitSink[IN, TXN any] struct {
	mu   sync.Mutex
	tx   Transactor[IN, TXN]
	opts options

	open     *Transaction[IN, TXN]
	pending  *Transaction[IN, TXN]
	deferred []IN

	initialized bool
	closed      bool
	committed   int
	aborted     int
	warned      map[string]bool
}

// NewTwoPhaseCommit creates a sink over tx. Call InitializeState before use.
func NewTwoPhaseCommit[IN, TXN any](tx Transactor[IN, TXN], opts ...Option) *TwoPhaseCommitSink[IN, TXN] {
	abortRetry := fserrors.DefaultRetry
	abortRetry.RetryableFunc = fserrors.RetryUnlessCancelled

	o := options{
		sinkID:      "sink",
		logger:      slog.Default(),
		metrics:     observability.NoopMetrics{},
		commitRetry: fserrors.CommitRetry,
		abortRetry:  abortRetry,
		warnRatio:   0.8,
		now:         time.Now,
		newID:       func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &TwoPhaseCommitSink[IN, TXN]{
		tx:     tx,
		opts:   o,
		warned: make(map[string]bool),
	}
}

// InitializeState restores the sink from checkpointed state (nil for a
// fresh start) and opens the first transaction.
//
// A restored pre-committed transaction is committed when checker reports
// its checkpoint complete and aborted otherwise; aborted values are
// rewritten into the new transaction together with the deferred ones.
// Every other transaction under the sink's id prefix was begun after the
// restored snapshot and is fenced when the transactor implements Fencer.
func (s *TwoPhaseCommitSink[IN, TXN]) InitializeState(ctx context.Context, data []byte, checker CompletionChecker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	var st sinkState[IN, TXN]
	if len(data) > 0 {
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("decode sink state: %w", err)
		}
	}
	s.deferred = st.Deferred

	p := st.Pending
	if p != nil && checker == nil {
		return fmt.Errorf("restored transaction %s needs a completion checker", p.ID)
	}
	if err := s.fence(ctx, p); err != nil {
		return err
	}

	if p != nil {
		covered, err := checker.Covers(ctx, p.CheckpointID)
		if err != nil {
			return fmt.Errorf("check completion of checkpoint %d: %w", p.CheckpointID, err)
		}

		if covered {
			if err := s.commit(ctx, p, true); err != nil {
				s.pending = p
				return err
			}
		} else {
			_ = s.abort(ctx, p, true)
			s.deferred = append(slices.Clone(p.Values), s.deferred...)
		}
	}

	if err := s.openNext(ctx); err != nil {
		return err
	}
	s.initialized = true
	return nil
}

// Invoke writes value into the open transaction, or defers it while a
// pre-committed transaction awaits its checkpoint.
func (s *TwoPhaseCommitSink[IN, TXN]) Invoke(ctx context.Context, value IN) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}
	s.checkAge()

	if s.pending != nil {
		s.deferred = append(s.deferred, value)
		return nil
	}
	if s.open == nil {
		s.deferred = append(s.deferred, value)
		return s.openNext(ctx)
	}
	return s.write(ctx, value)
}

// SnapshotState pre-commits the open transaction for checkpointID and
// returns the sink state to checkpoint. A pre-commit error fails the
// task's snapshot, which declines the checkpoint.
func (s *TwoPhaseCommitSink[IN, TXN]) SnapshotState(ctx context.Context, checkpointID int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return nil, err
	}
	s.checkAge()

	switch {
	case s.pending != nil:
		s.pending.Snapshots = append(s.pending.Snapshots, checkpointID)
	case s.open != nil:
		txn := s.open
		if err := s.tx.PreCommit(ctx, txn.Handle); err != nil {
			return nil, fmt.Errorf("pre-commit transaction %s: %w", txn.ID, err)
		}
		txn.State = TxnPreCommitted
		txn.CheckpointID = checkpointID
		txn.Snapshots = []int64{checkpointID}
		s.pending = txn
		s.open = nil
		s.opts.logger.Debug("sink transaction pre-committed",
			slog.String("sink", s.opts.sinkID),
			slog.String("txn_id", txn.ID),
			slog.Int64("checkpoint_id", checkpointID),
			slog.Int("values", len(txn.Values)),
		)
	}

	data, err := json.Marshal(sinkState[IN, TXN]{Pending: s.pending, Deferred: s.deferred})
	if err != nil {
		return nil, fmt.Errorf("encode sink state: %w", err)
	}
	return data, nil
}

// NotifyCheckpointComplete commits the pre-committed transaction when
// checkpointID covers it, then opens the next transaction. Duplicate and
// unrelated notifications are no-ops.
//
// Commit is retried until the commit retry window is exhausted; a
// *CommitError then leaves the transaction pending for the restarted task.
func (s *TwoPhaseCommitSink[IN, TXN]) NotifyCheckpointComplete(ctx context.Context, checkpointID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	p := s.pending
	if p == nil || p.CheckpointID > checkpointID {
		s.opts.logger.Debug("no transaction to commit",
			slog.String("sink", s.opts.sinkID),
			slog.Int64("checkpoint_id", checkpointID),
		)
		return nil
	}

	if err := s.commit(ctx, p, false); err != nil {
		return err
	}
	s.pending = nil
	return s.openNext(ctx)
}

// NotifyCheckpointAborted releases checkpointID's reference to the
// pre-committed transaction. Once no unresolved checkpoint references it,
// the transaction is aborted and its values move into the next one.
func (s *TwoPhaseCommitSink[IN, TXN]) NotifyCheckpointAborted(ctx context.Context, checkpointID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	p := s.pending
	if p == nil || !slices.Contains(p.Snapshots, checkpointID) {
		return nil
	}
	p.Snapshots = slices.DeleteFunc(p.Snapshots, func(id int64) bool { return id == checkpointID })
	if len(p.Snapshots) > 0 {
		s.opts.logger.Debug("pre-committed transaction still referenced",
			slog.String("txn_id", p.ID),
			slog.Any("snapshots", p.Snapshots),
		)
		return nil
	}

	_ = s.abort(ctx, p, false)
	s.pending = nil
	s.deferred = append(slices.Clone(p.Values), s.deferred...)
	return s.openNext(ctx)
}

// Close aborts the open transaction. Its values are replayed from the last
// checkpoint after a restart. A pre-committed transaction is left for
// recovery: the next InitializeState commits it, aborts it or fences it.
func (s *TwoPhaseCommitSink[IN, TXN]) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.open == nil {
		return nil
	}
	err := s.abort(ctx, s.open, false)
	s.open = nil
	return err
}

// Status returns a snapshot of the sink's transactions.
func (s *TwoPhaseCommitSink[IN, TXN]) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Phase:     "idle",
		Deferred:  len(s.deferred),
		Committed: s.committed,
		Aborted:   s.aborted,
	}
	if s.open != nil {
		st.Phase = string(TxnOpen)
		st.OpenTxn = s.open.ID
	}
	if s.pending != nil {
		st.Phase = string(TxnPreCommitted)
		st.PendingTxn = s.pending.ID
		st.PendingCheckpoint = s.pending.CheckpointID
	}
	return st
}

func (s *TwoPhaseCommitSink[IN, TXN]) usable() error {
	if s.closed {
		return ErrSinkClosed
	}
	if !s.initialized {
		return ErrNoTransaction
	}
	return nil
}

// openNext begins a transaction and writes the deferred values into it.
// On failure the deferred values are kept for the next attempt.
func (s *TwoPhaseCommitSink[IN, TXN]) openNext(ctx context.Context) error {
	id := s.prefix() + s.opts.newID()
	h, err := s.tx.Begin(ctx, id)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	s.open = &Transaction[IN, TXN]{
		ID:        id,
		State:     TxnOpen,
		Handle:    h,
		StartedAt: s.opts.now(),
	}

	for _, v := range s.deferred {
		if err := s.write(ctx, v); err != nil {
			_ = s.abort(ctx, s.open, false)
			s.open = nil
			return err
		}
	}
	s.deferred = nil
	return nil
}

func (s *TwoPhaseCommitSink[IN, TXN]) prefix() string {
	return s.opts.sinkID + "/"
}

// fence aborts every transaction of this sink except the restored pending
// one. Without a Fencer, transactions begun after the restored snapshot are
// left to the external system's transaction timeout.
func (s *TwoPhaseCommitSink[IN, TXN]) fence(ctx context.Context, pending *Transaction[IN, TXN]) error {
	f, ok := s.tx.(Fencer)
	if !ok {
		s.opts.logger.Debug("transactor cannot fence, lingering transactions expire externally",
			slog.String("sink", s.opts.sinkID),
		)
		return nil
	}

	var keep []string
	if pending != nil {
		keep = append(keep, pending.ID)
	}
	res := fserrors.WithRetryContext(ctx, s.opts.abortRetry, func(ctx context.Context) (int, error) {
		return f.Fence(ctx, s.prefix(), keep)
	})
	if res.Err != nil {
		return fmt.Errorf("fence transactions of sink %s: %w", s.opts.sinkID, res.Err)
	}
	if res.Value > 0 {
		s.aborted += res.Value
		s.opts.logger.Info("fenced lingering transactions",
			slog.String("sink", s.opts.sinkID),
			slog.Int("aborted", res.Value),
		)
	}
	return nil
}

func (s *TwoPhaseCommitSink[IN, TXN]) write(ctx context.Context, v IN) error {
	if err := s.tx.Write(ctx, s.open.Handle, v); err != nil {
		return fmt.Errorf("write to transaction %s: %w", s.open.ID, err)
	}
	s.open.Values = append(s.open.Values, v)
	return nil
}

func (s *TwoPhaseCommitSink[IN, TXN]) commit(ctx context.Context, txn *Transaction[IN, TXN], recovered bool) error {
	commitFn := s.tx.Commit
	outcome := observability.TxnCommitted
	if recovered {
		outcome = observability.TxnRecovered
		if r, ok := s.tx.(Recoverer[TXN]); ok {
			commitFn = r.RecoverAndCommit
		}
	}

	res := fserrors.WithRetryContext(ctx, s.opts.commitRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, commitFn(ctx, txn.Handle)
	})
	if res.Err != nil {
		s.opts.logger.Error("sink commit exhausted, task must restart",
			slog.String("sink", s.opts.sinkID),
			slog.String("txn_id", txn.ID),
			slog.Int64("checkpoint_id", txn.CheckpointID),
			slog.Int("attempts", res.Attempts),
			slog.String("error", res.Err.Error()),
		)
		return &CommitError{TxnID: txn.ID, CheckpointID: txn.CheckpointID, Attempts: res.Attempts, Err: res.Err}
	}

	txn.State = TxnCommitted
	s.committed++
	delete(s.warned, txn.ID)
	s.opts.metrics.RecordTransaction(ctx, s.opts.sinkID, outcome, res.Attempts)
	observability.LogTransaction(s.opts.logger, txn.ID, txn.CheckpointID, outcome)
	return nil
}

// abort rolls txn back. Failures are logged; the external system's own
// transaction timeout is the last line of cleanup.
func (s *TwoPhaseCommitSink[IN, TXN]) abort(ctx context.Context, txn *Transaction[IN, TXN], recovered bool) error {
	abortFn := s.tx.Abort
	if recovered {
		if r, ok := s.tx.(Recoverer[TXN]); ok {
			abortFn = r.RecoverAndAbort
		}
	}

	res := fserrors.WithRetryContext(ctx, s.opts.abortRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, abortFn(ctx, txn.Handle)
	})
	txn.State = TxnAborted
	s.aborted++
	delete(s.warned, txn.ID)
	s.opts.metrics.RecordTransaction(ctx, s.opts.sinkID, observability.TxnAborted, res.Attempts)

	if res.Err != nil {
		s.opts.logger.Warn("sink abort failed",
			slog.String("sink", s.opts.sinkID),
			slog.String("txn_id", txn.ID),
			slog.String("error", res.Err.Error()),
		)
		return fmt.Errorf("abort transaction %s: %w", txn.ID, res.Err)
	}
	observability.LogTransaction(s.opts.logger, txn.ID, txn.CheckpointID, observability.TxnAborted)
	return nil
}

func (s *TwoPhaseCommitSink[IN, TXN]) checkAge() {
	if s.opts.txnTimeout <= 0 {
		return
	}
	limit := time.Duration(float64(s.opts.txnTimeout) * s.opts.warnRatio)
	now := s.opts.now()
	for _, txn := range []*Transaction[IN, TXN]{s.open, s.pending} {
		if txn == nil || s.warned[txn.ID] {
			continue
		}
		if age := now.Sub(txn.StartedAt); age > limit {
			s.warned[txn.ID] = true
			s.opts.logger.Warn("transaction close to external timeout",
				slog.String("sink", s.opts.sinkID),
				slog.String("txn_id", txn.ID),
				slog.Duration("age", age),
				slog.Duration("timeout", s.opts.txnTimeout),
			)
		}
	}
}
