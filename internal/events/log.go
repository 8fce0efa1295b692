package events

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes events to the structured log. Used when no broker is
// configured.
type LogSink struct {
	lg *zap.Logger
}

// NewLogSink creates a LogSink on the given logger.
func NewLogSink(lg *zap.Logger) *LogSink {
	return &LogSink{lg: lg}
}

// Publish implements Sink.
func (s *LogSink) Publish(_ context.Context, eventType, key string, payload any) error {
	s.lg.Info("domain event",
		zap.String("type", eventType),
		zap.String("key", key),
		zap.Any("payload", payload),
	)
	return nil
}
