package events

import (
	"context"
	"log/slog"

	"github.com/cschleiden/go-bpm/log"
)

type logSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink writes every event to the logger.
func NewLogSink(logger *slog.Logger, level slog.Level) Sink {
	return &logSink{logger: logger, level: level}
}

func (s *logSink) Emit(ctx context.Context, e *Event) {
	attrs := []slog.Attr{
		slog.String(log.EventTypeKey, string(e.Type)),
		slog.String(log.InstanceIDKey, e.InstanceID),
	}

	if e.ProcessID != "" {
		attrs = append(attrs, slog.String(log.ProcessIDKey, e.ProcessID))
	}

	if e.ActivityID != "" {
		attrs = append(attrs, slog.String(log.ActivityIDKey, e.ActivityID), slog.Int64(log.FrameIDKey, e.FrameID))
	}

	if e.State != "" {
		attrs = append(attrs, slog.String(log.StateKey, e.State))
	}

	if e.Fault != "" {
		attrs = append(attrs, slog.String(log.FaultKey, e.Fault))
	}

	if e.Reason != "" {
		attrs = append(attrs, slog.String(log.ReasonKey, e.Reason))
	}

	if e.Action != "" {
		attrs = append(attrs, slog.String(log.ActionKey, e.Action))
	}

	if e.LinkStatus != nil {
		attrs = append(attrs, slog.String("bpm.link", e.Link), slog.Bool("bpm.link.status", *e.LinkStatus))
	}

	level := s.level
	if e.Type == ActivityFailure {
		level = slog.LevelWarn
	}

	s.logger.LogAttrs(ctx, level, "process event", attrs...)
}
