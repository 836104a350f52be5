package barrier_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowstream/pkg/flowstream/barrier"
	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
)

// recorder is a Handler that logs every callback in order.
type recorder struct {
	events     []string
	records    []record
	inflight   map[int64][]barrier.InflightRecord[int]
	snapshots  []int64
	aborts     map[int64]checkpoint.FailureReason
	failSnap   bool
	afterSnaps map[int64]int // len(records) at snapshot time
}

type record struct {
	channel int
	value   int
}

func newRecorder() *recorder {
	return &recorder{
		inflight:   map[int64][]barrier.InflightRecord[int]{},
		aborts:     map[int64]checkpoint.FailureReason{},
		afterSnaps: map[int64]int{},
	}
}

func (r *recorder) ProcessRecord(_ context.Context, ch int, v int) error {
	r.events = append(r.events, fmt.Sprintf("rec %d:%d", ch, v))
	r.records = append(r.records, record{ch, v})
	return nil
}

func (r *recorder) TriggerCheckpoint(_ context.Context, b checkpoint.Barrier) error {
	if r.failSnap {
		return errors.New("state backend down")
	}
	r.events = append(r.events, fmt.Sprintf("snap %d", b.CheckpointID))
	r.snapshots = append(r.snapshots, b.CheckpointID)
	r.afterSnaps[b.CheckpointID] = len(r.records)
	return nil
}

func (r *recorder) FinishChannelState(_ context.Context, id int64, inflight []barrier.InflightRecord[int]) error {
	r.events = append(r.events, fmt.Sprintf("finish %d (%d)", id, len(inflight)))
	r.inflight[id] = inflight
	return nil
}

func (r *recorder) AbortCheckpoint(_ context.Context, id int64, reason checkpoint.FailureReason, _ error) error {
	r.events = append(r.events, fmt.Sprintf("abort %d %s", id, reason))
	r.aborts[id] = reason
	return nil
}

func rec(v int) barrier.Element[int] { return barrier.Record(v) }

func bar(id int64) barrier.Element[int] {
	return barrier.Barrier[int](checkpoint.Barrier{CheckpointID: id, Kind: checkpoint.KindCheckpoint})
}

func ubar(id int64) barrier.Element[int] {
	return barrier.Barrier[int](checkpoint.Barrier{CheckpointID: id, Kind: checkpoint.KindCheckpoint, Unaligned: true})
}

type step struct {
	ch int
	el barrier.Element[int]
}

func feed(t *testing.T, a *barrier.Aligner[int], steps ...step) {
	t.Helper()
	for _, s := range steps {
		require.NoError(t, a.Process(context.Background(), s.ch, s.el))
	}
}

func TestAligner_HoldsInputUntilAllBarriers(t *testing.T) {
	h := newRecorder()
	a := barrier.New[int](2, h)

	feed(t, a,
		step{0, rec(1)},
		step{0, bar(1)},
		step{0, rec(2)}, // after the barrier: held
		step{1, rec(3)},
	)
	assert.True(t, a.Aligning())
	assert.Equal(t, 1, a.Buffered())
	assert.Equal(t, "blocked", a.ChannelState(0))
	assert.Empty(t, h.snapshots, "barrier must not be handled before all inputs delivered it")

	feed(t, a, step{1, bar(1)})

	assert.Equal(t, []string{"rec 0:1", "rec 1:3", "snap 1", "rec 0:2"}, h.events)
	assert.False(t, a.Aligning())
	assert.Equal(t, 0, a.Buffered())
	assert.Equal(t, int64(1), a.CurrentCheckpoint())
}

func TestAligner_SingleChannel(t *testing.T) {
	h := newRecorder()
	a := barrier.New[int](1, h)

	feed(t, a, step{0, rec(1)}, step{0, bar(1)}, step{0, rec(2)})
	assert.Equal(t, []string{"rec 0:1", "snap 1", "rec 0:2"}, h.events)
}

func TestAligner_ReplayPreservesChannelOrder(t *testing.T) {
	h := newRecorder()
	a := barrier.New[int](2, h)

	feed(t, a, step{0, bar(1)})
	for v := 10; v < 20; v++ {
		feed(t, a, step{0, rec(v)})
	}
	feed(t, a, step{1, bar(1)})

	require.Equal(t, "snap 1", h.events[0])
	for i, r := range h.records {
		assert.Equal(t, 10+i, r.value)
	}
}

func TestAligner_DropsStaleBarrier(t *testing.T) {
	h := newRecorder()
	a := barrier.New[int](2, h)

	feed(t, a, step{0, bar(2)}, step{1, bar(2)})
	require.Equal(t, []int64{2}, h.snapshots)

	// Barrier 1 arrives late through a slow path, then a duplicate of 2
	feed(t, a, step{0, bar(1)}, step{1, bar(2)}, step{0, rec(5)})
	assert.Equal(t, []int64{2}, h.snapshots)
	assert.False(t, a.Aligning())
	assert.Equal(t, []string{"snap 2", "rec 0:5"}, h.events)
}

func TestAligner_NewerBarrierAbortsOlder(t *testing.T) {
	h := newRecorder()
	a := barrier.New[int](2, h)

	feed(t, a,
		step{0, bar(1)},
		step{0, rec(7)},
		step{0, bar(2)},
		step{1, bar(2)}, // channel 1 never delivered barrier 1
	)

	assert.Equal(t, []string{"abort 1 subsumed", "rec 0:7", "snap 2"}, h.events)
	assert.Equal(t, checkpoint.ReasonSubsumed, h.aborts[1])
	assert.False(t, a.Aligning())
}

func TestAligner_BufferedBarrierStartsNextAlignment(t *testing.T) {
	h := newRecorder()
	a := barrier.New[int](2, h)

	feed(t, a,
		step{0, bar(1)},
		step{0, rec(1)},
		step{0, bar(2)},
		step{0, rec(2)},
		step{1, bar(1)},
	)
	// Release replayed rec 1, then barrier 2 blocked channel 0 again
	assert.Equal(t, []string{"snap 1", "rec 0:1"}, h.events)
	assert.True(t, a.Aligning())
	assert.Equal(t, int64(2), a.CurrentCheckpoint())
	assert.Equal(t, 1, a.Buffered())

	feed(t, a, step{1, bar(2)})
	assert.Equal(t, []string{"snap 1", "rec 0:1", "snap 2", "rec 0:2"}, h.events)
}

func TestAligner_EndOfPartitionCountsAsArrival(t *testing.T) {
	h := newRecorder()
	a := barrier.New[int](2, h)

	feed(t, a, step{0, bar(1)}, step{1, barrier.EndOfPartition[int]()})
	assert.Equal(t, []int64{1}, h.snapshots)
	assert.False(t, a.Finished())

	// A closed channel no longer participates
	feed(t, a, step{0, bar(2)})
	assert.Equal(t, []int64{1, 2}, h.snapshots)

	feed(t, a, step{0, barrier.EndOfPartition[int]()})
	assert.True(t, a.Finished())

	err := a.Process(context.Background(), 0, rec(1))
	assert.ErrorIs(t, err, barrier.ErrChannelClosed)
}

func TestAligner_ChannelFailure(t *testing.T) {
	h := newRecorder()
	a := barrier.New[int](2, h)
	ctx := context.Background()

	feed(t, a, step{0, bar(1)}, step{0, rec(1)})
	require.NoError(t, a.ChannelFailed(ctx, 1, errors.New("connection reset")))

	assert.Equal(t, checkpoint.ReasonAlignmentFailed, h.aborts[1])
	assert.False(t, a.Aligning())
	assert.Contains(t, h.events, "rec 0:1", "held records are released after the abort")

	// Later checkpoints cannot align either
	feed(t, a, step{0, bar(2)})
	assert.Equal(t, checkpoint.ReasonAlignmentFailed, h.aborts[2])
	assert.Empty(t, h.snapshots)

	// Elements from the failed channel are ignored
	require.NoError(t, a.Process(ctx, 1, rec(99)))
	assert.NotContains(t, h.events, "rec 1:99")
}

func TestAligner_CoordinatorAbort(t *testing.T) {
	h := newRecorder()
	a := barrier.New[int](2, h)
	ctx := context.Background()

	feed(t, a, step{0, bar(1)}, step{0, rec(1)})
	require.NoError(t, a.AbortCheckpoint(ctx, 1))
	assert.Equal(t, checkpoint.ReasonAborted, h.aborts[1])
	assert.False(t, a.Aligning())

	// The straggling barrier of the aborted checkpoint is dropped
	feed(t, a, step{1, bar(1)})
	assert.Empty(t, h.snapshots)
	assert.Equal(t, []string{"abort 1 aborted", "rec 0:1"}, h.events)
}

func TestAligner_CoordinatorAbortBeforeBarrier(t *testing.T) {
	h := newRecorder()
	a := barrier.New[int](2, h)
	ctx := context.Background()

	require.NoError(t, a.AbortCheckpoint(ctx, 3))
	feed(t, a, step{0, bar(3)}, step{0, rec(1)}, step{1, bar(3)})

	assert.Empty(t, h.snapshots)
	assert.Equal(t, checkpoint.ReasonAborted, h.aborts[3])
	assert.Equal(t, "rec 0:1", h.events[len(h.events)-1], "nothing is held for an aborted checkpoint")

	feed(t, a, step{0, bar(4)}, step{1, bar(4)})
	assert.Equal(t, []int64{4}, h.snapshots)
}

func TestAligner_MaxBuffered(t *testing.T) {
	h := newRecorder()
	a := barrier.New[int](2, h, barrier.WithMaxBuffered(2))

	feed(t, a, step{0, bar(1)}, step{0, rec(1)}, step{0, rec(2)})
	assert.True(t, a.Aligning())

	feed(t, a, step{0, rec(3)})
	assert.Equal(t, checkpoint.ReasonAlignmentFailed, h.aborts[1])
	assert.False(t, a.Aligning())
	assert.Equal(t, []int{1, 2, 3}, []int{h.records[0].value, h.records[1].value, h.records[2].value})
}

func TestAligner_SnapshotFailureDeclines(t *testing.T) {
	h := newRecorder()
	h.failSnap = true
	a := barrier.New[int](2, h)

	feed(t, a, step{0, bar(1)}, step{0, rec(1)}, step{1, bar(1)})
	assert.Equal(t, checkpoint.ReasonSnapshotFailed, h.aborts[1])
	assert.Equal(t, []string{"abort 1 snapshot_failed", "rec 0:1"}, h.events)
}

func TestAligner_Unaligned(t *testing.T) {
	h := newRecorder()
	a := barrier.New[int](2, h)

	feed(t, a,
		step{0, rec(1)},
		step{0, ubar(1)}, // snapshot immediately, channel 0 keeps flowing
		step{0, rec(2)},
		step{1, rec(3)}, // overtaken by the barrier: in-flight state
		step{1, rec(4)},
		step{1, ubar(1)},
		step{1, rec(5)},
	)

	assert.Equal(t, []string{
		"rec 0:1", "snap 1", "rec 0:2", "rec 1:3", "rec 1:4", "finish 1 (2)", "rec 1:5",
	}, h.events)
	assert.Equal(t, []barrier.InflightRecord[int]{{Channel: 1, Value: 3}, {Channel: 1, Value: 4}}, h.inflight[1])
	assert.Equal(t, 0, a.Buffered())
}

func TestAligner_UnalignedSubsumed(t *testing.T) {
	h := newRecorder()
	a := barrier.New[int](2, h)

	feed(t, a, step{0, ubar(1)}, step{0, ubar(2)}, step{1, ubar(2)})
	assert.Equal(t, []string{"snap 1", "abort 1 subsumed", "snap 2", "finish 2 (0)"}, h.events)
}

func TestAligner_UnknownChannel(t *testing.T) {
	a := barrier.New[int](1, newRecorder())
	err := a.Process(context.Background(), 3, rec(1))
	assert.ErrorIs(t, err, barrier.ErrUnknownChannel)
	assert.ErrorIs(t, a.ChannelFailed(context.Background(), -1, nil), barrier.ErrUnknownChannel)
}

func TestAligner_ProcessErrorPropagates(t *testing.T) {
	boom := errors.New("operator crashed")
	a := barrier.New[int](1, failingHandler{recorder: newRecorder(), err: boom})
	assert.ErrorIs(t, a.Process(context.Background(), 0, rec(1)), boom)
}

type failingHandler struct {
	*recorder
	err error
}

func (f failingHandler) ProcessRecord(context.Context, int, int) error { return f.err }

// Randomized interleavings: every checkpoint cut must contain exactly the
// records that preceded the barrier on each channel, and per-channel order
// must be preserved.
func TestAligner_ConsistentCutUnderInterleaving(t *testing.T) {
	for _, unaligned := range []bool{false, true} {
		for seed := uint64(1); seed <= 25; seed++ {
			name := fmt.Sprintf("unaligned=%v/seed=%d", unaligned, seed)
			t.Run(name, func(t *testing.T) {
				checkCut(t, seed, unaligned)
			})
		}
	}
}

func checkCut(t *testing.T, seed uint64, unaligned bool) {
	const channels, checkpoints, perEpoch = 3, 4, 5
	rng := rand.New(rand.NewPCG(seed, seed*7))

	// Build each channel's stream: records tagged with channel*1000+seq,
	// with barriers 1..checkpoints in between.
	streams := make([][]barrier.Element[int], channels)
	before := map[int64]map[int]bool{} // checkpoint -> records before its barrier
	for ch := 0; ch < channels; ch++ {
		seq := 0
		for id := int64(1); id <= checkpoints; id++ {
			n := rng.IntN(perEpoch)
			for i := 0; i < n; i++ {
				streams[ch] = append(streams[ch], rec(ch*1000+seq))
				seq++
			}
			if before[id] == nil {
				before[id] = map[int]bool{}
			}
			for v := 0; v < seq; v++ {
				before[id][ch*1000+v] = true
			}
			if unaligned {
				streams[ch] = append(streams[ch], ubar(id))
			} else {
				streams[ch] = append(streams[ch], bar(id))
			}
		}
		streams[ch] = append(streams[ch], rec(ch*1000+seq))
	}

	h := newRecorder()
	a := barrier.New[int](channels, h)
	pos := make([]int, channels)
	for {
		var live []int
		for ch := range streams {
			if pos[ch] < len(streams[ch]) {
				live = append(live, ch)
			}
		}
		if len(live) == 0 {
			break
		}
		ch := live[rng.IntN(len(live))]
		require.NoError(t, a.Process(context.Background(), ch, streams[ch][pos[ch]]))
		pos[ch]++
	}

	// Per-channel order is preserved
	last := map[int]int{}
	for _, r := range h.records {
		if prev, ok := last[r.channel]; ok {
			require.Greater(t, r.value, prev, "channel %d reordered", r.channel)
		}
		last[r.channel] = r.value
	}

	completed := h.snapshots
	if unaligned {
		// A channel running ahead may subsume older checkpoints; only the
		// ones whose channel state was finished count.
		completed = nil
		for _, id := range h.snapshots {
			if _, ok := h.inflight[id]; ok {
				completed = append(completed, id)
			}
		}
		require.Contains(t, completed, int64(checkpoints))
	} else {
		require.Len(t, completed, checkpoints)
	}
	for _, id := range completed {
		// State at snapshot time plus in-flight records equals the records
		// before the barrier on every channel
		cut := map[int]bool{}
		for _, r := range h.records[:h.afterSnaps[id]] {
			cut[r.value] = true
		}
		for _, ir := range h.inflight[id] {
			require.False(t, cut[ir.Value], "in-flight record %d already in state", ir.Value)
			cut[ir.Value] = true
		}
		assert.Equal(t, before[id], cut, "checkpoint %d cut", id)
	}
}
