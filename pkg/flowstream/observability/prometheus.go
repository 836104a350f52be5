package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
)

// PrometheusRecorder records checkpoint metrics into its own Prometheus
// registry, for deployments that scrape rather than push.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	checkpoints        *prometheus.CounterVec
	checkpointDuration *prometheus.HistogramVec
	checkpointSize     *prometheus.HistogramVec
	alignmentDuration  *prometheus.HistogramVec
	alignmentBuffered  *prometheus.HistogramVec
	snapshotDuration   *prometheus.HistogramVec
	snapshotErrors     *prometheus.CounterVec
	transactions       *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder with a fresh registry that also
// exports Go runtime and process metrics.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowstream_checkpoints_total",
			Help: "Checkpoints by kind and outcome.",
		}, []string{"kind", "outcome", "reason"}),
		checkpointDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowstream_checkpoint_duration_seconds",
			Help:    "Time from trigger to completion of a checkpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		checkpointSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowstream_checkpoint_size_bytes",
			Help:    "Total snapshot size of completed checkpoints.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"kind"}),
		alignmentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowstream_alignment_duration_seconds",
			Help:    "Time tasks spent aligning barriers.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task_id"}),
		alignmentBuffered: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowstream_alignment_buffered_elements",
			Help:    "Elements buffered or persisted during alignment.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"task_id"}),
		snapshotDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowstream_snapshot_duration_seconds",
			Help:    "Task snapshot upload latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task_id"}),
		snapshotErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowstream_snapshot_errors_total",
			Help: "Failed task snapshots.",
		}, []string{"task_id"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowstream_sink_transactions_total",
			Help: "Sink transactions by outcome.",
		}, []string{"sink_id", "outcome"}),
	}

	registry.MustRegister(r.checkpoints)
	registry.MustRegister(r.checkpointDuration)
	registry.MustRegister(r.checkpointSize)
	registry.MustRegister(r.alignmentDuration)
	registry.MustRegister(r.alignmentBuffered)
	registry.MustRegister(r.snapshotDuration)
	registry.MustRegister(r.snapshotErrors)
	registry.MustRegister(r.transactions)

	return r
}

// Registry returns the Prometheus registry to expose via promhttp.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *PrometheusRecorder) RecordCheckpointTriggered(_ context.Context, kind checkpoint.Kind) {
	r.checkpoints.WithLabelValues(string(kind), "triggered", "").Inc()
}

func (r *PrometheusRecorder) RecordCheckpointCompleted(_ context.Context, kind checkpoint.Kind, duration time.Duration, sizeBytes int64) {
	r.checkpoints.WithLabelValues(string(kind), "completed", "").Inc()
	r.checkpointDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
	r.checkpointSize.WithLabelValues(string(kind)).Observe(float64(sizeBytes))
}

func (r *PrometheusRecorder) RecordCheckpointAborted(_ context.Context, kind checkpoint.Kind, reason checkpoint.FailureReason) {
	r.checkpoints.WithLabelValues(string(kind), "aborted", string(reason)).Inc()
}

func (r *PrometheusRecorder) RecordAlignment(_ context.Context, taskID string, duration time.Duration, buffered int) {
	r.alignmentDuration.WithLabelValues(taskID).Observe(duration.Seconds())
	r.alignmentBuffered.WithLabelValues(taskID).Observe(float64(buffered))
}

func (r *PrometheusRecorder) RecordSnapshot(_ context.Context, taskID string, duration time.Duration, _ int64, err error) {
	r.snapshotDuration.WithLabelValues(taskID).Observe(duration.Seconds())
	if err != nil {
		r.snapshotErrors.WithLabelValues(taskID).Inc()
	}
}

func (r *PrometheusRecorder) RecordTransaction(_ context.Context, sinkID, outcome string, _ int) {
	r.transactions.WithLabelValues(sinkID, outcome).Inc()
}

var _ MetricsRecorder = (*PrometheusRecorder)(nil)
