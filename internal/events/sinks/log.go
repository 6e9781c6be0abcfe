// Package sinks provides Sink implementations for the event hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/jobswipe/applyd/internal/events"
)

// LogSink emits structured logs for the event stream. Useful during
// development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.logger.Info("automation event",
			zap.String("kind", string(evt.Kind)),
			zap.String("job_id", evt.JobID),
			zap.String("worker_id", evt.WorkerID),
			zap.String("company", string(evt.Company)),
			zap.Int("percent", evt.Percent),
			zap.String("step", evt.Step),
			zap.String("captcha_type", string(evt.CaptchaType)),
			zap.String("mode", string(evt.Mode)),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
