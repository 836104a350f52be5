package flowstream

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
	"github.com/randalmurphal/flowstream/pkg/flowstream/observability"
	"github.com/randalmurphal/flowstream/pkg/flowstream/state"
)

// Acknowledger receives the outcome of task snapshots.
// *coordinator.Coordinator implements it.
type Acknowledger interface {
	AcknowledgeCheckpoint(msg checkpoint.AcknowledgeCheckpoint) error
	DeclineCheckpoint(msg checkpoint.DeclineCheckpoint) error
}

type persistJob struct {
	checkpointID int64
	data         []byte
	syncDuration time.Duration
	inflight     int
}

// persister writes a task's snapshots to the state backend off the task
// goroutine. It handles one snapshot at a time so acknowledgements leave
// the task in checkpoint order.
type persister struct {
	taskID  string
	backend state.Backend
	acks    Acknowledger
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	jobs chan persistJob
	done chan struct{}
}

func newPersister(taskID string, backend state.Backend, acks Acknowledger, logger *slog.Logger,
	metrics observability.MetricsRecorder, spans observability.SpanManager) *persister {
	return &persister{
		taskID:  taskID,
		backend: backend,
		acks:    acks,
		logger:  logger,
		metrics: metrics,
		spans:   spans,
		jobs:    make(chan persistJob, 16),
		done:    make(chan struct{}),
	}
}

func (p *persister) run(ctx context.Context) {
	defer close(p.done)
	for job := range p.jobs {
		p.persist(ctx, job)
	}
}

// submit queues a snapshot. It blocks while earlier snapshots are written.
func (p *persister) submit(ctx context.Context, job persistJob) error {
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close waits for queued snapshots to be written.
func (p *persister) close() {
	close(p.jobs)
	<-p.done
}

func (p *persister) persist(ctx context.Context, job persistJob) {
	spanCtx, span := p.spans.StartSnapshotSpan(ctx, p.taskID, job.checkpointID)
	elapsed := observability.TimedOperation()

	h, err := p.backend.Snapshot(spanCtx, p.taskID, job.checkpointID, job.data)
	async := elapsed()
	p.metrics.RecordSnapshot(ctx, p.taskID, async, h.Size, err)
	p.spans.EndSpanWithError(span, err)

	if err != nil {
		p.logger.Warn("snapshot failed",
			slog.Int64("checkpoint_id", job.checkpointID),
			slog.String("error", err.Error()),
		)
		p.report(p.acks.DeclineCheckpoint(checkpoint.DeclineCheckpoint{
			CheckpointID: job.checkpointID,
			TaskID:       p.taskID,
			Reason:       checkpoint.ReasonSnapshotFailed,
			Message:      err.Error(),
		}))
		return
	}

	p.logger.Debug("snapshot stored",
		slog.Int64("checkpoint_id", job.checkpointID),
		slog.String("handle", h.String()),
		slog.Int64("duration_ms", async.Milliseconds()),
	)
	p.report(p.acks.AcknowledgeCheckpoint(checkpoint.AcknowledgeCheckpoint{
		CheckpointID: job.checkpointID,
		TaskID:       p.taskID,
		Handle:       h,
		Metrics: checkpoint.AckMetrics{
			SyncDuration:    job.syncDuration,
			AsyncDuration:   async,
			InflightRecords: job.inflight,
		},
	}))
}

func (p *persister) report(err error) {
	if err != nil {
		p.logger.Debug("checkpoint response not delivered", slog.String("error", err.Error()))
	}
}
