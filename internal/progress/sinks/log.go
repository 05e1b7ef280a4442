package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/recipe-importer/internal/progress"
)

// LogSink writes one structured line per event. Percent updates log at debug
// so a busy server only shows job starts and outcomes at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger as a Sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := levelFor(evt.Stage)
		if !s.logger.Core().Enabled(level) {
			continue
		}
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.String("status", string(evt.Status)),
			zap.Int("percent", evt.Percent),
		}
		if evt.OwnerID != "" {
			fields = append(fields, zap.String("owner_id", evt.OwnerID))
		}
		if evt.Message != "" {
			fields = append(fields, zap.String("message", evt.Message))
		}
		if evt.ErrorCode != "" {
			fields = append(fields, zap.String("error_code", string(evt.ErrorCode)))
		}
		if evt.RecipeID != "" {
			fields = append(fields, zap.String("recipe_id", evt.RecipeID))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("runtime", evt.Dur))
		}
		if ce := s.logger.Check(level, "job "+stageVerb(evt.Stage)); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageJobProgress:
		return zapcore.DebugLevel
	case progress.StageJobError:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func stageVerb(stage progress.Stage) string {
	switch stage {
	case progress.StageJobStart:
		return "started"
	case progress.StageJobProgress:
		return "progressed"
	case progress.StageJobDone:
		return "completed"
	case progress.StageJobCancelled:
		return "cancelled"
	case progress.StageJobError:
		return "failed"
	default:
		return "event"
	}
}
