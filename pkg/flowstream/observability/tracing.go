package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
)

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartCheckpointSpan starts a span covering one checkpoint from trigger
	// to completion or abort.
	StartCheckpointSpan(ctx context.Context, jobID string, id int64, kind checkpoint.Kind) (context.Context, trace.Span)

	// StartSnapshotSpan starts a span for one task's snapshot upload.
	StartSnapshotSpan(ctx context.Context, taskID string, id int64) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to a span.
	AddSpanEvent(span trace.Span, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager that uses the global OTel tracer
// provider. Configure the provider first:
//
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return NewSpanManagerWithProvider(otel.GetTracerProvider())
}

// NewSpanManagerWithProvider returns a SpanManager bound to tp.
func NewSpanManagerWithProvider(tp trace.TracerProvider) SpanManager {
	return &otelSpanManager{tracer: tp.Tracer("flowstream")}
}

func (m *otelSpanManager) StartCheckpointSpan(ctx context.Context, jobID string, id int64, kind checkpoint.Kind) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "flowstream.checkpoint",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.Int64("checkpoint.id", id),
			attribute.String("checkpoint.kind", string(kind)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartSnapshotSpan(ctx context.Context, taskID string, id int64) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "flowstream.snapshot",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int64("checkpoint.id", id),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (m *otelSpanManager) AddSpanEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
