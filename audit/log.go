package audit

import (
	"context"
	"log/slog"
	"strings"

	"github.com/liamcoop/eventrules/internal/logger"
)

// LogSink writes audit records as structured log lines.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses the package logger.
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = logger.With("component", "audit")
	}
	return &LogSink{log: l}
}

func (s *LogSink) RecordEvaluation(ctx context.Context, log EventLog) error {
	attrs := []any{
		"ruleId", log.RuleID,
		"event", log.EventName,
		"eventId", log.EventID,
		"triggerKey", log.TriggerKey,
		"matched", log.Matched,
		"actions", len(log.ActionsResult),
	}
	if log.Error != "" {
		s.log.WarnContext(ctx, "rule evaluation errored", append(attrs, "error", log.Error)...)
		return nil
	}
	s.log.InfoContext(ctx, "rule evaluated", attrs...)
	return nil
}

func (s *LogSink) RecordTask(ctx context.Context, task TaskRecord) error {
	attrs := []any{
		"taskId", task.TaskID,
		"ruleId", task.RuleID,
		"actionType", task.ActionType,
		"attempt", task.Attempts,
		"status", string(task.Status),
	}
	if task.LastError != "" {
		attrs = append(attrs, "error", task.LastError)
	}
	level := slog.LevelDebug
	switch task.Status {
	case TaskFailed:
		level = slog.LevelError
	case TaskRetrying:
		level = slog.LevelWarn
	case TaskSucceeded:
		level = slog.LevelInfo
	}
	s.log.Log(ctx, level, "action task", attrs...)
	return nil
}

func (s *LogSink) RecordAction(ctx context.Context, rec ActionRecord) error {
	s.log.Log(ctx, recordLevel(rec.Level), rec.Message,
		"ruleId", rec.RuleID,
		"eventId", rec.EventID,
		"data", rec.Data,
	)
	return nil
}

func recordLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
