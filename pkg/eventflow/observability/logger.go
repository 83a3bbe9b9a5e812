// Package observability provides structured logging helpers, metrics, and
// tracing for eventflow.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry or Prometheus
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"context"
	"log/slog"
	"time"
)

// EnrichLogger adds saga context to a logger.
// Returns a new logger with saga_id, step, and attempt fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "saga-123", "reserve-stock", 1)
//	enriched.Info("doing work") // includes saga_id, step, attempt
func EnrichLogger(logger *slog.Logger, sagaID, step string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("saga_id", sagaID),
		slog.String("step", step),
		slog.Int("attempt", attempt),
	)
}

// LogPublish logs a completed publish.
func LogPublish(logger *slog.Logger, eventID, eventType string, handlers int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int("handlers", handlers),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogHandlerError logs a handler that failed after all attempts.
func LogHandlerError(logger *slog.Logger, subscriptionID, eventID string, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("event handler failed",
		slog.String("subscription_id", subscriptionID),
		slog.String("event_id", eventID),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// LogDeadLetter logs an event moved to the dead-letter queue.
func LogDeadLetter(logger *slog.Logger, subscriptionID, eventID, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("event dead-lettered",
		slog.String("subscription_id", subscriptionID),
		slog.String("event_id", eventID),
		slog.String("reason", reason),
	)
}

// LogSagaStart logs the start of a saga execution.
func LogSagaStart(logger *slog.Logger, sagaID, name string) {
	if logger == nil {
		return
	}
	logger.Info("saga starting",
		slog.String("saga_id", sagaID),
		slog.String("saga_name", name),
	)
}

// LogStepComplete logs successful step completion.
func LogStepComplete(logger *slog.Logger, sagaID, step string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("saga step completed",
		slog.String("saga_id", sagaID),
		slog.String("step", step),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStepError logs a step that failed after exhausting its attempts.
func LogStepError(logger *slog.Logger, sagaID, step string, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("saga step failed",
		slog.String("saga_id", sagaID),
		slog.String("step", step),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// LogCompensationError logs a failed rollback (non-fatal).
func LogCompensationError(logger *slog.Logger, sagaID, step string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("saga compensation failed",
		slog.String("saga_id", sagaID),
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
}

// LogSagaFinished logs a saga reaching a terminal status.
func LogSagaFinished(logger *slog.Logger, sagaID, name, status string, durationMs float64) {
	if logger == nil {
		return
	}
	level := slog.LevelInfo
	if status != "completed" {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "saga finished",
		slog.String("saga_id", sagaID),
		slog.String("saga_name", name),
		slog.String("status", status),
		slog.Float64("duration_ms", durationMs),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
