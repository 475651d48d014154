package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/scrape-scheduler/internal/events"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
	level  zapcore.Level
}

// NewLogSink logs at Debug for progress and Info for everything else.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events"), level: zapcore.InfoLevel}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		level := s.level
		switch evt.Stage {
		case events.StageProgress:
			level = zapcore.DebugLevel
		case events.StageFailed, events.StageStale:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "job event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.JobID != "" {
			fields = append(fields,
				zap.String("job_id", evt.JobID),
				zap.String("source_id", evt.SourceID),
				zap.Stringer("priority", evt.Priority),
				zap.String("status", string(evt.Status)),
				zap.Int("retry_count", evt.RetryCount),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if len(evt.Fields) > 0 {
			fields = append(fields, zap.Any("fields", evt.Fields))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close implements events.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
