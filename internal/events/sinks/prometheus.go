package sinks

import (
	"context"

	"github.com/jobswipe/applyd/internal/events"
	"github.com/jobswipe/applyd/internal/metrics"
)

// PrometheusSink translates terminal and captcha events into the service's
// Prometheus collectors.
type PrometheusSink struct{}

// NewPrometheusSink initializes the collectors and returns the sink.
func NewPrometheusSink() *PrometheusSink {
	metrics.Init()
	return &PrometheusSink{}
}

// Consume updates the collectors for each observable event.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case events.KindJobCompleted:
			metrics.ObserveApplication(string(evt.Company), true, evt.Dur)
		case events.KindJobFailed:
			metrics.ObserveApplication(string(evt.Company), false, evt.Dur)
		case events.KindCaptchaDetected:
			metrics.ObserveCaptcha(string(evt.CaptchaType))
		case events.KindPollerStopped:
			metrics.ObservePollFailure()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
