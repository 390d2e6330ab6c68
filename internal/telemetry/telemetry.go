// Package telemetry records generation attempts for observability. Every
// attempt is recorded whether it validates or not, so retry behavior is
// auditable after the fact.
package telemetry

import (
	"context"
	"log/slog"
	"time"
)

// GenerationAttempt captures one provider call made by an ai_generate step.
type GenerationAttempt struct {
	RunID      string
	StepID     string
	Provider   string
	TemplateID string
	Attempt    int
	Valid      bool
	Violations []string
	Duration   time.Duration
	Err        string
}

// Sink receives generation attempt records.
type Sink interface {
	RecordGenerationAttempt(ctx context.Context, a *GenerationAttempt)
}

// LogSink writes attempt records to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) RecordGenerationAttempt(ctx context.Context, a *GenerationAttempt) {
	attrs := []any{
		slog.String("provider", a.Provider),
		slog.String("template_id", a.TemplateID),
		slog.Int("attempt", a.Attempt),
		slog.Bool("valid", a.Valid),
		slog.Duration("duration", a.Duration),
	}
	if len(a.Violations) > 0 {
		attrs = append(attrs, slog.Any("violations", a.Violations))
	}
	if a.Err != "" {
		attrs = append(attrs, slog.String("error", a.Err))
	}
	s.logger.InfoContext(ctx, "generation attempt", attrs...)
}

var _ Sink = (*LogSink)(nil)
