package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradcafe-crawler/internal/progress"
)

// LogSink writes one line per event. Page events log at debug so a long pull
// does not flood production logs; failed jobs log at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event with the fields that matter for its stage.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		base := []zap.Field{
			zap.Stringer("run_id", evt.JobUUID()),
			zap.String("kind", evt.Kind),
		}
		switch evt.Stage {
		case progress.StageJobStart:
			s.logger.Info("job started", base...)
		case progress.StagePageDone:
			s.logger.Debug("page done", append(base,
				zap.Int("page", evt.Page),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Int64("bytes", evt.Bytes),
				zap.Int64("processed", evt.Processed),
				zap.Int64("inserted", evt.Inserted),
				zap.Int64("duplicates", evt.Duplicates),
				zap.Int64("invalid", evt.Invalid),
				zap.Int64("failed", evt.Failed),
				zap.Duration("fetch_dur", evt.Dur),
			)...)
		case progress.StageJobDone:
			s.logger.Info("job finished", append(base, zap.Duration("dur", evt.Dur), zap.String("message", evt.Note))...)
		case progress.StageJobError:
			s.logger.Warn("job failed", append(base, zap.Duration("dur", evt.Dur), zap.String("error", evt.Note))...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
