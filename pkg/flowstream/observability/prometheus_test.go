package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
)

func TestPrometheusRecorder(t *testing.T) {
	r := NewPrometheusRecorder()
	ctx := context.Background()

	r.RecordCheckpointTriggered(ctx, checkpoint.KindCheckpoint)
	r.RecordCheckpointTriggered(ctx, checkpoint.KindCheckpoint)
	r.RecordCheckpointCompleted(ctx, checkpoint.KindCheckpoint, time.Second, 2048)
	r.RecordCheckpointAborted(ctx, checkpoint.KindCheckpoint, checkpoint.ReasonDeclined)
	r.RecordTransaction(ctx, "sink", TxnCommitted, 1)
	r.RecordSnapshot(ctx, "map", time.Millisecond, 10, assert.AnError)
	r.RecordAlignment(ctx, "map", time.Millisecond, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.checkpoints.WithLabelValues("checkpoint", "triggered", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.checkpoints.WithLabelValues("checkpoint", "completed", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.checkpoints.WithLabelValues("checkpoint", "aborted", "declined")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transactions.WithLabelValues("sink", TxnCommitted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.snapshotErrors.WithLabelValues("map")))

	families, err := r.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["flowstream_checkpoints_total"])
	assert.True(t, names["flowstream_checkpoint_duration_seconds"])
	assert.True(t, names["go_goroutines"], "runtime collectors registered")
}
