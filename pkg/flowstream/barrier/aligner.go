package barrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
	"github.com/randalmurphal/flowstream/pkg/flowstream/observability"
)

// Sentinel errors for alignment.
var (
	// ErrUnknownChannel indicates a channel index outside the task's inputs.
	ErrUnknownChannel = errors.New("unknown input channel")

	// ErrChannelClosed indicates an element after end-of-partition.
	ErrChannelClosed = errors.New("input channel closed")

	// ErrBufferLimit indicates alignment held back more elements than allowed.
	ErrBufferLimit = errors.New("alignment buffer limit exceeded")

	// ErrChannelFailed indicates an input channel is permanently gone.
	ErrChannelFailed = errors.New("input channel failed")
)

type channelState int

const (
	// channelOpen delivers records straight to the task.
	channelOpen channelState = iota
	// channelBlocked delivered the current barrier in aligned mode; its
	// input is held back until alignment ends.
	channelBlocked
	// channelPassed delivered the current barrier in unaligned mode.
	channelPassed
	// channelClosed delivered end-of-partition.
	channelClosed
	// channelFailed is permanently gone.
	channelFailed
)

func (s channelState) String() string {
	switch s {
	case channelOpen:
		return "open"
	case channelBlocked:
		return "blocked"
	case channelPassed:
		return "passed"
	case channelClosed:
		return "closed"
	case channelFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type channel[T any] struct {
	state  channelState
	buffer []Element[T]
}

// Option configures an Aligner.
type Option func(*options)

type options struct {
	taskID      string
	maxBuffered int
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	now         func() time.Time
}

// WithTaskID labels logs and metrics.
func WithTaskID(id string) Option {
	return func(o *options) { o.taskID = id }
}

// WithMaxBuffered bounds how many elements one alignment may hold back (or,
// in unaligned mode, capture as in-flight state). Exceeding it aborts the
// checkpoint locally. Zero means unbounded.
func WithMaxBuffered(n int) Option {
	return func(o *options) { o.maxBuffered = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides time.Now (for testing).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Aligner runs the barrier protocol over a task's input channels.
// It is not safe for concurrent use: one task goroutine drives it.
type Aligner[T any] struct {
	handler  Handler[T]
	channels []*channel[T]
	opts     options

	current   int64
	aligning  bool
	barrier   checkpoint.Barrier
	remaining int
	started   time.Time
	buffered  int
	inflight  []InflightRecord[T]
	closed    int
	failed    int

	// abortedAhead holds ids the coordinator aborted before their barrier
	// reached this task.
	abortedAhead map[int64]struct{}
}

// New creates an aligner for a task with numChannels inputs.
func New[T any](numChannels int, h Handler[T], opts ...Option) *Aligner[T] {
	o := options{
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Aligner[T]{
		handler:      h,
		channels:     make([]*channel[T], numChannels),
		opts:         o,
		abortedAhead: make(map[int64]struct{}),
	}
	for i := range a.channels {
		a.channels[i] = &channel[T]{}
	}
	return a
}

// Process consumes the next element of channel ch.
// Returned errors come from the task (record processing, notification
// handling) and are fatal for the task; checkpoint failures are not errors
// here, they are reported through Handler.AbortCheckpoint.
func (a *Aligner[T]) Process(ctx context.Context, ch int, e Element[T]) error {
	c, err := a.channel(ch)
	if err != nil {
		return err
	}

	switch c.state {
	case channelClosed:
		return fmt.Errorf("%w: channel %d received %s", ErrChannelClosed, ch, e.Kind)
	case channelFailed:
		a.opts.logger.Debug("dropping element from failed channel", slog.Int("channel", ch))
		return nil
	case channelBlocked:
		return a.hold(ctx, c, e)
	}

	switch e.Kind {
	case KindRecord:
		if a.aligning && a.barrier.Unaligned && c.state == channelOpen {
			a.inflight = append(a.inflight, InflightRecord[T]{Channel: ch, Value: e.Value})
			if err := a.handler.ProcessRecord(ctx, ch, e.Value); err != nil {
				return err
			}
			if a.overLimit(len(a.inflight)) {
				return a.abort(ctx, checkpoint.ReasonAlignmentFailed,
					fmt.Errorf("%w: %d in-flight records", ErrBufferLimit, len(a.inflight)))
			}
			return nil
		}
		return a.handler.ProcessRecord(ctx, ch, e.Value)
	case KindBarrier:
		return a.onBarrier(ctx, c, e.Barrier)
	case KindEndOfPartition:
		return a.onEndOfPartition(ctx, c)
	default:
		return fmt.Errorf("channel %d: unknown element kind %d", ch, e.Kind)
	}
}

// ChannelFailed marks channel ch as permanently gone. A running alignment
// is aborted, and later checkpoints are declined, since no barrier can
// arrive on it anymore.
func (a *Aligner[T]) ChannelFailed(ctx context.Context, ch int, cause error) error {
	c, err := a.channel(ch)
	if err != nil {
		return err
	}
	if c.state == channelClosed || c.state == channelFailed {
		return nil
	}

	wasOpen := c.state == channelOpen
	a.buffered -= len(c.buffer)
	c.buffer = nil
	c.state = channelFailed
	a.failed++

	if !a.aligning {
		return nil
	}
	if wasOpen {
		a.remaining--
	}
	return a.abort(ctx, checkpoint.ReasonAlignmentFailed,
		fmt.Errorf("%w: channel %d: %v", ErrChannelFailed, ch, cause))
}

// AbortCheckpoint cancels checkpoint id after the coordinator abandoned it.
// Barriers for it that arrive later are dropped.
func (a *Aligner[T]) AbortCheckpoint(ctx context.Context, id int64) error {
	switch {
	case a.aligning && id == a.current:
		return a.abort(ctx, checkpoint.ReasonAborted, nil)
	case id > a.current:
		a.abortedAhead[id] = struct{}{}
	}
	return nil
}

// CurrentCheckpoint returns the newest checkpoint id this task has seen.
func (a *Aligner[T]) CurrentCheckpoint() int64 {
	return a.current
}

// Aligning reports whether a checkpoint is in progress.
func (a *Aligner[T]) Aligning() bool {
	return a.aligning
}

// Buffered returns the number of held-back elements.
func (a *Aligner[T]) Buffered() int {
	return a.buffered
}

// Finished reports whether every channel delivered end-of-partition or failed.
func (a *Aligner[T]) Finished() bool {
	return a.closed+a.failed == len(a.channels)
}

// ChannelState returns the state name of channel ch (for diagnostics).
func (a *Aligner[T]) ChannelState(ch int) string {
	c, err := a.channel(ch)
	if err != nil {
		return "unknown"
	}
	return c.state.String()
}

func (a *Aligner[T]) channel(ch int) (*channel[T], error) {
	if ch < 0 || ch >= len(a.channels) {
		return nil, fmt.Errorf("%w: %d (task has %d)", ErrUnknownChannel, ch, len(a.channels))
	}
	return a.channels[ch], nil
}

func (a *Aligner[T]) overLimit(n int) bool {
	return a.opts.maxBuffered > 0 && n > a.opts.maxBuffered
}

func (a *Aligner[T]) hold(ctx context.Context, c *channel[T], e Element[T]) error {
	c.buffer = append(c.buffer, e)
	a.buffered++
	if a.overLimit(a.buffered) {
		return a.abort(ctx, checkpoint.ReasonAlignmentFailed,
			fmt.Errorf("%w: %d held elements", ErrBufferLimit, a.buffered))
	}
	return nil
}

func (a *Aligner[T]) onBarrier(ctx context.Context, c *channel[T], b checkpoint.Barrier) error {
	id := b.CheckpointID

	if id < a.current || (id == a.current && !a.aligning) {
		a.opts.logger.Debug("dropping stale barrier",
			slog.Int64("checkpoint_id", id),
			slog.Int64("current", a.current),
		)
		return nil
	}

	if id > a.current {
		if a.aligning {
			// One task cannot align two overlapping checkpoints: the older one loses
			err := a.abort(ctx, checkpoint.ReasonSubsumed,
				fmt.Errorf("barrier %d arrived while aligning %d", id, a.current))
			if err != nil {
				return err
			}
			// Releasing held input may already have moved alignment forward
			return a.onBarrier(ctx, c, b)
		}
		started, err := a.start(ctx, b)
		if err != nil || !started {
			return err
		}
	}

	if c.state != channelOpen {
		a.opts.logger.Warn("duplicate barrier on channel", slog.Int64("checkpoint_id", id))
		return nil
	}

	if a.barrier.Unaligned {
		c.state = channelPassed
	} else {
		c.state = channelBlocked
	}
	a.remaining--
	if a.remaining == 0 {
		return a.complete(ctx)
	}
	return nil
}

// start begins checkpoint b. It reports false when the checkpoint was
// abandoned immediately.
func (a *Aligner[T]) start(ctx context.Context, b checkpoint.Barrier) (bool, error) {
	a.current = b.CheckpointID
	a.barrier = b
	a.aligning = true
	a.started = a.opts.now()
	a.inflight = nil
	a.remaining = 0
	for _, c := range a.channels {
		if c.state == channelOpen {
			a.remaining++
		}
	}
	_, abandoned := a.abortedAhead[b.CheckpointID]
	for id := range a.abortedAhead {
		if id <= b.CheckpointID {
			delete(a.abortedAhead, id)
		}
	}

	if abandoned {
		return false, a.abort(ctx, checkpoint.ReasonAborted, nil)
	}
	if a.failed > 0 {
		return false, a.abort(ctx, checkpoint.ReasonAlignmentFailed,
			fmt.Errorf("%w: %d of %d inputs lost", ErrChannelFailed, a.failed, len(a.channels)))
	}

	if b.Unaligned {
		if err := a.handler.TriggerCheckpoint(ctx, b); err != nil {
			return false, a.abort(ctx, checkpoint.ReasonSnapshotFailed, err)
		}
	}
	return true, nil
}

func (a *Aligner[T]) onEndOfPartition(ctx context.Context, c *channel[T]) error {
	wasOpen := c.state == channelOpen
	c.state = channelClosed
	a.closed++

	if a.aligning && wasOpen {
		a.remaining--
		if a.remaining == 0 {
			return a.complete(ctx)
		}
	}
	return nil
}

// complete runs once every live channel delivered the current barrier.
func (a *Aligner[T]) complete(ctx context.Context) error {
	b := a.barrier
	held := a.buffered
	if b.Unaligned {
		held = len(a.inflight)
	}
	a.opts.metrics.RecordAlignment(ctx, a.opts.taskID, a.opts.now().Sub(a.started), held)

	if b.Unaligned {
		inflight := a.inflight
		if err := a.release(ctx); err != nil {
			return err
		}
		if err := a.handler.FinishChannelState(ctx, b.CheckpointID, inflight); err != nil {
			return a.handler.AbortCheckpoint(ctx, b.CheckpointID, checkpoint.ReasonSnapshotFailed, err)
		}
		return nil
	}

	// Snapshot and forward the barrier before any held-back record runs
	if err := a.handler.TriggerCheckpoint(ctx, b); err != nil {
		if abortErr := a.handler.AbortCheckpoint(ctx, b.CheckpointID, checkpoint.ReasonSnapshotFailed, err); abortErr != nil {
			return abortErr
		}
	}
	return a.release(ctx)
}

// abort gives up the current checkpoint locally and releases held input.
func (a *Aligner[T]) abort(ctx context.Context, reason checkpoint.FailureReason, cause error) error {
	id := a.current
	observability.LogAlignmentAborted(a.opts.logger, id, reason, a.buffered+len(a.inflight))
	if err := a.handler.AbortCheckpoint(ctx, id, reason, cause); err != nil {
		return err
	}
	return a.release(ctx)
}

// release ends the current checkpoint and replays held elements through
// Process, channel by channel, in arrival order. Replay may start and even
// finish the next alignment.
func (a *Aligner[T]) release(ctx context.Context) error {
	a.aligning = false
	a.inflight = nil

	held := make([][]Element[T], len(a.channels))
	for i, c := range a.channels {
		if c.state == channelBlocked || c.state == channelPassed {
			c.state = channelOpen
		}
		held[i] = c.buffer
		c.buffer = nil
	}
	a.buffered = 0

	for ch, elems := range held {
		for _, e := range elems {
			if err := a.Process(ctx, ch, e); err != nil {
				return err
			}
		}
	}
	return nil
}
