package flowstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/randalmurphal/flowstream/pkg/flowstream/barrier"
	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
	fserrors "github.com/randalmurphal/flowstream/pkg/flowstream/errors"
	"github.com/randalmurphal/flowstream/pkg/flowstream/observability"
	"github.com/randalmurphal/flowstream/pkg/flowstream/sink"
	"github.com/randalmurphal/flowstream/pkg/flowstream/state"
)

type envelope[T any] struct {
	channel int
	elem    barrier.Element[T]
}

type outputEdge[T any] struct {
	inbox   chan envelope[T]
	channel int
}

type controlKind int

const (
	ctlTrigger controlKind = iota + 1
	ctlComplete
	ctlAbort
	ctlFinish
)

type control struct {
	kind    controlKind
	trigger checkpoint.TriggerCheckpoint
	id      int64
}

// taskSnapshot is what a task stores per checkpoint. Inflight holds the
// channel state of unaligned checkpoints.
type taskSnapshot[T any] struct {
	State    []byte                      `json:"state,omitempty"`
	Inflight []barrier.InflightRecord[T] `json:"inflight,omitempty"`
}

// unalignedSnapshot is operator state taken at the first barrier of an
// unaligned checkpoint, waiting for its channel state.
type unalignedSnapshot struct {
	state    []byte
	duration time.Duration
}

// task runs one vertex for one attempt. Everything except post and the
// persister runs on the task goroutine.
type task[T any] struct {
	id       string
	jobID    string
	attempt  int
	source   Source[T]
	operator Operator[T]
	restore  checkpoint.Handle
	backend  state.Backend
	acks     Acknowledger
	logger   *slog.Logger

	inbox     chan envelope[T]
	controls  chan control
	outputs   []outputEdge[T]
	aligner   *barrier.Aligner[T]
	persister *persister

	ctx       Context
	emitFn    Emit[T]
	unaligned map[int64]unalignedSnapshot
	exhausted bool
	closed    bool

	opened       chan struct{}
	sourceDone   chan struct{}
	done         chan struct{}
	notified     *progress
	closeOpened  sync.Once
	closeSrcDone sync.Once
}

type taskConfig struct {
	jobID       string
	attempt     int
	mailbox     int
	maxBuffered int
	backend     state.Backend
	acks        Acknowledger
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
}

func newTask[T any](id string, v *vertex[T], numInputs int, restore checkpoint.Handle, cfg taskConfig) *task[T] {
	logger := observability.EnrichLogger(cfg.logger, cfg.jobID, id, cfg.attempt)
	t := &task[T]{
		id:         id,
		jobID:      cfg.jobID,
		attempt:    cfg.attempt,
		restore:    restore,
		backend:    cfg.backend,
		acks:       cfg.acks,
		logger:     logger,
		inbox:      make(chan envelope[T], cfg.mailbox),
		controls:   make(chan control, 64),
		unaligned:  make(map[int64]unalignedSnapshot),
		opened:     make(chan struct{}),
		sourceDone: make(chan struct{}),
		done:       make(chan struct{}),
		notified:   newProgress(),
		persister:  newPersister(id, cfg.backend, cfg.acks, logger, cfg.metrics, cfg.spans),
	}
	if v.kind == vertexSource {
		t.source = v.source()
	} else {
		t.operator = v.operator()
		t.aligner = barrier.New[T](numInputs, t,
			barrier.WithTaskID(id),
			barrier.WithMaxBuffered(cfg.maxBuffered),
			barrier.WithLogger(logger),
			barrier.WithMetrics(cfg.metrics),
		)
	}
	return t
}

func (t *task[T]) isSource() bool { return t.source != nil }

// post delivers a control message to the task.
func (t *task[T]) post(ctx context.Context, c control) error {
	select {
	case <-t.done:
		return fmt.Errorf("%w: %s", ErrTaskNotRunning, t.id)
	default:
	}
	select {
	case t.controls <- c:
		return nil
	case <-t.done:
		return fmt.Errorf("%w: %s", ErrTaskNotRunning, t.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *task[T]) run(ctx context.Context) (err error) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{TaskID: t.id, Value: r, Stack: string(debug.Stack())}
			t.logger.Error("task panicked", slog.Any("panic", r))
		}
	}()

	t.ctx = &taskContext{
		Context: ctx,
		logger:  t.logger,
		jobID:   t.jobID,
		taskID:  t.id,
		attempt: t.attempt,
	}
	t.emitFn = func(v T) error { return t.send(barrier.Record(v)) }

	go t.persister.run(ctx)
	defer t.persister.close()

	if err := t.open(); err != nil {
		return &TaskError{TaskID: t.id, Op: "open", Err: err}
	}
	t.closeOpened.Do(func() { close(t.opened) })
	t.logger.Debug("task opened", slog.String("restored", t.restore.String()))
	defer func() {
		if err != nil && !t.closed {
			t.dispose(ctx)
		}
	}()

	if t.isSource() {
		err = t.runSource()
	} else {
		err = t.runOperator()
	}
	if err != nil {
		return err
	}
	t.logger.Debug("task finished")
	return nil
}

func (t *task[T]) open() error {
	data, err := t.backend.Restore(t.ctx, t.restore)
	if err != nil {
		return fmt.Errorf("restore %s: %w", t.restore, err)
	}
	var snap taskSnapshot[T]
	if len(data) > 0 {
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
	}

	if t.isSource() {
		return t.source.Open(t.ctx, snap.State)
	}
	if err := t.operator.Open(t.ctx, snap.State); err != nil {
		return err
	}
	// Channel state of an unaligned checkpoint precedes any new input
	for _, r := range snap.Inflight {
		if err := t.operator.Process(t.ctx, r.Value, t.emitFn); err != nil {
			return fmt.Errorf("replay in-flight record of channel %d: %w", r.Channel, err)
		}
	}
	if n := len(snap.Inflight); n > 0 {
		t.logger.Info("replayed in-flight records", slog.Int("records", n))
	}
	return nil
}

func (t *task[T]) runSource() error {
	for {
		select {
		case c := <-t.controls:
			finished, err := t.handleControl(c)
			if err != nil || finished {
				return err
			}
			continue
		default:
		}

		if t.exhausted {
			select {
			case <-t.ctx.Done():
				return t.ctx.Err()
			case c := <-t.controls:
				finished, err := t.handleControl(c)
				if err != nil || finished {
					return err
				}
			}
			continue
		}

		v, ok, err := t.source.Poll(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return t.ctx.Err()
			}
			return &TaskError{TaskID: t.id, Op: "poll", Err: err}
		}
		if !ok {
			t.exhausted = true
			t.closeSrcDone.Do(func() { close(t.sourceDone) })
			t.logger.Info("source exhausted")
			continue
		}
		if err := t.emitFn(v); err != nil {
			return err
		}
	}
}

func (t *task[T]) runOperator() error {
	for !t.aligner.Finished() {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		case c := <-t.controls:
			if _, err := t.handleControl(c); err != nil {
				return err
			}
		case env := <-t.inbox:
			if err := t.aligner.Process(t.ctx, env.channel, env.elem); err != nil {
				if t.ctx.Err() != nil {
					return t.ctx.Err()
				}
				return &TaskError{TaskID: t.id, Op: "process", Err: err}
			}
		}
	}
	return t.finish()
}

// finish closes the operator and ends every output.
func (t *task[T]) finish() error {
	t.closed = true
	var err error
	if t.isSource() {
		err = t.source.Close(t.ctx)
	} else {
		err = t.operator.Close(t.ctx)
	}
	if err != nil {
		return &TaskError{TaskID: t.id, Op: "close", Err: err}
	}
	return t.send(barrier.EndOfPartition[T]())
}

// dispose closes the operator of a failed task. Outputs are not ended.
func (t *task[T]) dispose(ctx context.Context) {
	t.closed = true
	dctx := &taskContext{
		Context: context.WithoutCancel(ctx),
		logger:  t.logger,
		jobID:   t.jobID,
		taskID:  t.id,
		attempt: t.attempt,
	}
	var err error
	if t.isSource() {
		err = t.source.Close(dctx)
	} else {
		err = t.operator.Close(dctx)
	}
	if err != nil {
		t.logger.Warn("closing failed task", slog.String("error", err.Error()))
	}
}

func (t *task[T]) handleControl(c control) (finished bool, err error) {
	switch c.kind {
	case ctlTrigger:
		if !t.isSource() {
			return false, nil
		}
		if err := t.TriggerCheckpoint(t.ctx, c.trigger.Barrier()); err != nil {
			t.decline(c.trigger.CheckpointID, checkpoint.ReasonSnapshotFailed, err)
		}
	case ctlComplete:
		if l, ok := t.listener(); ok {
			if err := l.NotifyCheckpointComplete(t.ctx, c.id); err != nil {
				var commitErr *sink.CommitError
				if errors.As(err, &commitErr) {
					err = fserrors.HumanRequired(err, "commit retry window exhausted")
				}
				return false, &TaskError{TaskID: t.id, Op: "notify complete", Err: err}
			}
		}
		t.notified.advance(c.id)
	case ctlAbort:
		if !t.isSource() {
			if err := t.aligner.AbortCheckpoint(t.ctx, c.id); err != nil {
				return false, &TaskError{TaskID: t.id, Op: "abort alignment", Err: err}
			}
		}
		delete(t.unaligned, c.id)
		if l, ok := t.listener(); ok {
			if err := l.NotifyCheckpointAborted(t.ctx, c.id); err != nil {
				return false, &TaskError{TaskID: t.id, Op: "notify aborted", Err: err}
			}
		}
	case ctlFinish:
		if t.isSource() {
			return true, t.finish()
		}
	}
	return false, nil
}

func (t *task[T]) listener() (CheckpointListener, bool) {
	var l CheckpointListener
	var ok bool
	if t.isSource() {
		l, ok = t.source.(CheckpointListener)
	} else {
		l, ok = t.operator.(CheckpointListener)
	}
	return l, ok
}

// send delivers e to every downstream task, in output order.
func (t *task[T]) send(e barrier.Element[T]) error {
	for _, out := range t.outputs {
		select {
		case out.inbox <- envelope[T]{channel: out.channel, elem: e}:
		case <-t.ctx.Done():
			return t.ctx.Err()
		}
	}
	return nil
}

func (t *task[T]) decline(id int64, reason checkpoint.FailureReason, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := t.acks.DeclineCheckpoint(checkpoint.DeclineCheckpoint{
		CheckpointID: id,
		TaskID:       t.id,
		Reason:       reason,
		Message:      msg,
	}); err != nil {
		t.logger.Debug("decline not delivered", slog.String("error", err.Error()))
	}
}

func (t *task[T]) snapshotState(id int64) ([]byte, error) {
	if t.isSource() {
		return t.source.SnapshotState(t.ctx, id)
	}
	return t.operator.SnapshotState(t.ctx, id)
}

func encodeSnapshot[T any](snap taskSnapshot[T]) ([]byte, error) {
	if len(snap.State) == 0 && len(snap.Inflight) == 0 {
		return nil, nil
	}
	return json.Marshal(snap)
}

// ProcessRecord implements barrier.Handler.
func (t *task[T]) ProcessRecord(_ context.Context, _ int, value T) error {
	return t.operator.Process(t.ctx, value, t.emitFn)
}

// TriggerCheckpoint implements barrier.Handler: the state is captured
// synchronously and the barrier forwarded before any later record is
// processed. Writing the snapshot happens on the persister.
func (t *task[T]) TriggerCheckpoint(_ context.Context, b checkpoint.Barrier) error {
	elapsed := observability.TimedOperation()
	data, err := t.snapshotState(b.CheckpointID)
	if err != nil {
		return fmt.Errorf("snapshot state: %w", err)
	}
	took := elapsed()

	if err := t.send(barrier.Barrier[T](b)); err != nil {
		return err
	}

	if b.Unaligned && !t.isSource() {
		t.unaligned[b.CheckpointID] = unalignedSnapshot{state: data, duration: took}
		return nil
	}

	encoded, err := encodeSnapshot(taskSnapshot[T]{State: data})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return t.persister.submit(t.ctx, persistJob{checkpointID: b.CheckpointID, data: encoded, syncDuration: took})
}

// FinishChannelState implements barrier.Handler.
func (t *task[T]) FinishChannelState(_ context.Context, id int64, inflight []barrier.InflightRecord[T]) error {
	snap, ok := t.unaligned[id]
	if !ok {
		return fmt.Errorf("no operator state captured for unaligned checkpoint %d", id)
	}
	delete(t.unaligned, id)

	encoded, err := encodeSnapshot(taskSnapshot[T]{State: snap.state, Inflight: inflight})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return t.persister.submit(t.ctx, persistJob{
		checkpointID: id,
		data:         encoded,
		syncDuration: snap.duration,
		inflight:     len(inflight),
	})
}

// AbortCheckpoint implements barrier.Handler. Local failures are declined
// to the coordinator; aborts the coordinator ordered need no answer.
func (t *task[T]) AbortCheckpoint(_ context.Context, id int64, reason checkpoint.FailureReason, cause error) error {
	delete(t.unaligned, id)
	if reason != checkpoint.ReasonAborted {
		t.decline(id, reason, cause)
	}
	return nil
}

var _ barrier.Handler[int] = (*task[int])(nil)

// progress tracks the newest checkpoint a task was told is complete.
type progress struct {
	mu      sync.Mutex
	id      int64
	changed chan struct{}
}

func newProgress() *progress {
	return &progress{changed: make(chan struct{})}
}

func (p *progress) advance(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id > p.id {
		p.id = id
		close(p.changed)
		p.changed = make(chan struct{})
	}
}

// await blocks until a checkpoint at or after id was reported complete.
func (p *progress) await(ctx context.Context, id int64) error {
	for {
		p.mu.Lock()
		reached, changed := p.id >= id, p.changed
		p.mu.Unlock()
		if reached {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
