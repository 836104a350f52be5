package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
)

// Transaction outcomes reported to RecordTransaction.
const (
	TxnCommitted = "committed"
	TxnAborted   = "aborted"
	TxnRecovered = "recovered"
)

// MetricsRecorder records checkpointing metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusRecorder() for a
// Prometheus registry, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordCheckpointTriggered counts a checkpoint the coordinator started.
	RecordCheckpointTriggered(ctx context.Context, kind checkpoint.Kind)

	// RecordCheckpointCompleted records a durable checkpoint.
	RecordCheckpointCompleted(ctx context.Context, kind checkpoint.Kind, duration time.Duration, sizeBytes int64)

	// RecordCheckpointAborted counts an abandoned checkpoint by reason.
	RecordCheckpointAborted(ctx context.Context, kind checkpoint.Kind, reason checkpoint.FailureReason)

	// RecordAlignment records how long a task blocked its inputs and how
	// many elements it buffered meanwhile.
	RecordAlignment(ctx context.Context, taskID string, duration time.Duration, buffered int)

	// RecordSnapshot records a task snapshot upload.
	RecordSnapshot(ctx context.Context, taskID string, duration time.Duration, sizeBytes int64, err error)

	// RecordTransaction counts sink transaction outcomes and commit attempts.
	RecordTransaction(ctx context.Context, sinkID, outcome string, attempts int)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	triggered         metric.Int64Counter
	completed         metric.Int64Counter
	aborted           metric.Int64Counter
	checkpointLatency metric.Float64Histogram
	checkpointSize    metric.Int64Histogram
	alignmentLatency  metric.Float64Histogram
	alignmentBuffered metric.Int64Histogram
	snapshotLatency   metric.Float64Histogram
	snapshotErrors    metric.Int64Counter
	transactions      metric.Int64Counter
	commitAttempts    metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("flowstream")
	m := &otelMetrics{}
	var err error

	if m.triggered, err = meter.Int64Counter("flowstream.checkpoint.triggered",
		metric.WithDescription("Number of checkpoints triggered"),
	); err != nil {
		return nil, err
	}
	if m.completed, err = meter.Int64Counter("flowstream.checkpoint.completed",
		metric.WithDescription("Number of checkpoints completed"),
	); err != nil {
		return nil, err
	}
	if m.aborted, err = meter.Int64Counter("flowstream.checkpoint.aborted",
		metric.WithDescription("Number of checkpoints aborted"),
	); err != nil {
		return nil, err
	}
	if m.checkpointLatency, err = meter.Float64Histogram("flowstream.checkpoint.duration_ms",
		metric.WithDescription("Time from trigger to completion"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.checkpointSize, err = meter.Int64Histogram("flowstream.checkpoint.size_bytes",
		metric.WithDescription("Total snapshot size of a completed checkpoint"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.alignmentLatency, err = meter.Float64Histogram("flowstream.alignment.duration_ms",
		metric.WithDescription("Time a task spent aligning barriers"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.alignmentBuffered, err = meter.Int64Histogram("flowstream.alignment.buffered",
		metric.WithDescription("Elements buffered or persisted during alignment"),
	); err != nil {
		return nil, err
	}
	if m.snapshotLatency, err = meter.Float64Histogram("flowstream.snapshot.duration_ms",
		metric.WithDescription("Task snapshot upload latency"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.snapshotErrors, err = meter.Int64Counter("flowstream.snapshot.errors",
		metric.WithDescription("Number of failed task snapshots"),
	); err != nil {
		return nil, err
	}
	if m.transactions, err = meter.Int64Counter("flowstream.sink.transactions",
		metric.WithDescription("Sink transactions by outcome"),
	); err != nil {
		return nil, err
	}
	if m.commitAttempts, err = meter.Int64Histogram("flowstream.sink.commit_attempts",
		metric.WithDescription("Attempts needed to resolve a sink transaction"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("otel metrics unavailable, using no-op recorder", slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordCheckpointTriggered(ctx context.Context, kind checkpoint.Kind) {
	m.triggered.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *otelMetrics) RecordCheckpointCompleted(ctx context.Context, kind checkpoint.Kind, duration time.Duration, sizeBytes int64) {
	attrs := metric.WithAttributes(attribute.String("kind", string(kind)))
	m.completed.Add(ctx, 1, attrs)
	m.checkpointLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.checkpointSize.Record(ctx, sizeBytes, attrs)
}

func (m *otelMetrics) RecordCheckpointAborted(ctx context.Context, kind checkpoint.Kind, reason checkpoint.FailureReason) {
	m.aborted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("reason", string(reason)),
	))
}

func (m *otelMetrics) RecordAlignment(ctx context.Context, taskID string, duration time.Duration, buffered int) {
	attrs := metric.WithAttributes(attribute.String("task_id", taskID))
	m.alignmentLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.alignmentBuffered.Record(ctx, int64(buffered), attrs)
}

func (m *otelMetrics) RecordSnapshot(ctx context.Context, taskID string, duration time.Duration, sizeBytes int64, err error) {
	attrs := metric.WithAttributes(attribute.String("task_id", taskID))
	m.snapshotLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.snapshotErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordTransaction(ctx context.Context, sinkID, outcome string, attempts int) {
	attrs := metric.WithAttributes(
		attribute.String("sink_id", sinkID),
		attribute.String("outcome", outcome),
	)
	m.transactions.Add(ctx, 1, attrs)
	if attempts > 0 {
		m.commitAttempts.Record(ctx, int64(attempts), attrs)
	}
}
