// Package telemetry provides the fire-and-forget event sink used to
// instrument queue, breaker, watcher and supervisor transitions.
//
// Sinks never block and never surface errors to the code paths they
// observe; a failing sink must not fail a state transition.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/dispatchd/internal/telemetry"

// Event is a single observability record.
type Event struct {
	// Type names the event class, e.g. "job.submitted", "breaker.open".
	Type string
	// Subject identifies what the event is about (job id, target name).
	Subject string
	// Status carries the outcome or new state.
	Status string
	// Meta holds small string annotations.
	Meta map[string]string
}

// Sink receives events. Implementations must be safe for concurrent use
// and must not block or return.
type Sink interface {
	RecordEvent(ctx context.Context, ev Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) RecordEvent(context.Context, Event) {}

// OTELSink forwards events to an OpenTelemetry counter, keyed by event
// type and status.
type OTELSink struct {
	logger  *zap.Logger
	counter metric.Int64Counter
}

// NewOTELSink builds a sink on the global meter provider.
func NewOTELSink(logger *zap.Logger) *OTELSink {
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := otel.Meter(instrumentationName)
	counter, err := meter.Int64Counter(
		"dispatchd.events_total",
		metric.WithDescription("Total events recorded by the orchestration core"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		logger.Warn("failed to create event counter", zap.Error(err))
	}

	return &OTELSink{logger: logger, counter: counter}
}

// RecordEvent implements Sink.
func (s *OTELSink) RecordEvent(ctx context.Context, ev Event) {
	if s.counter != nil {
		s.counter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("event.type", ev.Type),
				attribute.String("event.status", ev.Status),
			))
	}
	s.logger.Debug("event",
		zap.String("type", ev.Type),
		zap.String("subject", ev.Subject),
		zap.String("status", ev.Status),
	)
}

// RecordedEvent is an Event plus the capture time, as seen by a Recorder.
type RecordedEvent struct {
	Event
	At time.Time
}
