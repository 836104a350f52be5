// Package observability provides structured logging, metrics, and tracing
// for checkpoint coordination, barrier alignment, and transactional sinks.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry or a dedicated Prometheus registry
//   - Per-checkpoint tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
)

// EnrichLogger adds job and task context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "job-1", "sink", 2)
//	enriched.Info("committing") // includes job_id, task_id, attempt
func EnrichLogger(logger *slog.Logger, jobID, taskID string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("job_id", jobID),
		slog.String("task_id", taskID),
		slog.Int("attempt", attempt),
	)
}

// LogCheckpointTriggered logs a successful trigger.
func LogCheckpointTriggered(logger *slog.Logger, id int64, kind checkpoint.Kind, tasks int) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint triggered",
		slog.Int64("checkpoint_id", id),
		slog.String("kind", string(kind)),
		slog.Int("trigger_tasks", tasks),
	)
}

// LogCheckpointCompleted logs a checkpoint that became durable.
func LogCheckpointCompleted(logger *slog.Logger, c *checkpoint.Completed) {
	if logger == nil || c == nil {
		return
	}
	logger.Info("checkpoint completed",
		slog.Int64("checkpoint_id", c.ID),
		slog.String("kind", string(c.Kind)),
		slog.Int("tasks", len(c.Tasks)),
		slog.Int64("size_bytes", c.Size()),
		slog.Float64("duration_ms", float64(c.Duration().Milliseconds())),
	)
}

// LogCheckpointAborted logs an abandoned checkpoint. Individual aborts are
// recoverable, so they log at warn level.
func LogCheckpointAborted(logger *slog.Logger, id int64, reason checkpoint.FailureReason, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.Int64("checkpoint_id", id),
		slog.String("reason", string(reason)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.Warn("checkpoint aborted", attrs...)
}

// LogAlignmentAborted logs a local alignment that was given up.
func LogAlignmentAborted(logger *slog.Logger, id int64, reason checkpoint.FailureReason, buffered int) {
	if logger == nil {
		return
	}
	logger.Warn("barrier alignment aborted",
		slog.Int64("checkpoint_id", id),
		slog.String("reason", string(reason)),
		slog.Int("buffered", buffered),
	)
}

// LogTransaction logs a sink transaction state change.
func LogTransaction(logger *slog.Logger, txnID string, checkpointID int64, outcome string) {
	if logger == nil {
		return
	}
	logger.Info("sink transaction "+outcome,
		slog.String("txn_id", txnID),
		slog.Int64("checkpoint_id", checkpointID),
	)
}

// TimedOperation measures the duration of an operation.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
