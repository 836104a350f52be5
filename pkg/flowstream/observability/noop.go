package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordCheckpointTriggered(context.Context, checkpoint.Kind) {}

func (NoopMetrics) RecordCheckpointCompleted(context.Context, checkpoint.Kind, time.Duration, int64) {
}

func (NoopMetrics) RecordCheckpointAborted(context.Context, checkpoint.Kind, checkpoint.FailureReason) {
}

func (NoopMetrics) RecordAlignment(context.Context, string, time.Duration, int) {}

func (NoopMetrics) RecordSnapshot(context.Context, string, time.Duration, int64, error) {}

func (NoopMetrics) RecordTransaction(context.Context, string, string, int) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartCheckpointSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartCheckpointSpan(ctx context.Context, _ string, _ int64, _ checkpoint.Kind) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartSnapshotSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartSnapshotSpan(ctx context.Context, _ string, _ int64) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(trace.Span, string, ...attribute.KeyValue) {}
