package flowstream_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowstream/pkg/flowstream"
)

func TestSliceSource_SnapshotAndRestore(t *testing.T) {
	ctx := flowstream.NewContext(context.Background(), flowstream.WithContextTaskID("numbers"))
	src := &flowstream.SliceSource[string]{Values: []string{"a", "b", "c"}}
	require.NoError(t, src.Open(ctx, nil))

	v, ok, err := src.Poll(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", v)

	state, err := src.SnapshotState(ctx, 1)
	require.NoError(t, err)

	restored := &flowstream.SliceSource[string]{Values: []string{"a", "b", "c"}}
	require.NoError(t, restored.Open(ctx, state))
	assert.Equal(t, 1, restored.Offset())

	var rest []string
	for {
		v, ok, err := restored.Poll(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		rest = append(rest, v)
	}
	assert.Equal(t, []string{"b", "c"}, rest)
}

func TestSliceSource_RejectsBadState(t *testing.T) {
	ctx := flowstream.NewContext(context.Background())
	src := &flowstream.SliceSource[int]{Values: []int{1}}

	assert.Error(t, src.Open(ctx, []byte(`{"offset":5}`)))
	assert.Error(t, src.Open(ctx, []byte(`not json`)))
}

func TestMap(t *testing.T) {
	ctx := flowstream.NewContext(context.Background())
	boom := errors.New("boom")
	op := flowstream.Map(func(v int) (int, error) {
		if v < 0 {
			return 0, boom
		}
		return v * 10, nil
	})()

	var out []int
	emit := func(v int) error {
		out = append(out, v)
		return nil
	}
	require.NoError(t, op.Process(ctx, 4, emit))
	assert.ErrorIs(t, op.Process(ctx, -1, emit), boom)
	assert.Equal(t, []int{40}, out)

	assert.Panics(t, func() { flowstream.Map[int](nil) })
}

func TestNewContext(t *testing.T) {
	ctx := flowstream.NewContext(context.Background(),
		flowstream.WithContextJobID("job"),
		flowstream.WithContextTaskID("task"),
		flowstream.WithContextAttempt(3),
		flowstream.WithContextLogger(nil),
	)
	assert.Equal(t, "job", ctx.JobID())
	assert.Equal(t, "task", ctx.TaskID())
	assert.Equal(t, 3, ctx.Attempt())
	assert.NotNil(t, ctx.Logger())
}
