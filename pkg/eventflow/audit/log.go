package audit

import (
	"context"
	"log/slog"
	"sort"
)

// LogSink writes records to a structured logger at INFO level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger (slog.Default() when nil).
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Record implements Sink.
func (s *LogSink) Record(ctx context.Context, rec Record) {
	attrs := []slog.Attr{
		slog.String("audit_id", rec.ID),
		slog.String("kind", string(rec.Kind)),
		slog.String("subject", rec.Subject),
		slog.String("action", rec.Action),
	}
	if rec.Classification != "" {
		attrs = append(attrs, slog.String("classification", rec.Classification))
	}
	if rec.Error != "" {
		attrs = append(attrs, slog.String("error", rec.Error))
	}
	if len(rec.Attributes) > 0 {
		keys := make([]string, 0, len(rec.Attributes))
		for k := range rec.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		group := make([]any, 0, len(keys))
		for _, k := range keys {
			group = append(group, slog.String(k, rec.Attributes[k]))
		}
		attrs = append(attrs, slog.Group("attributes", group...))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}

var _ Sink = (*LogSink)(nil)
