package telemetry

import (
	"context"
	"sync"
	"time"
)

// Recorder is a Sink that captures events for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordEvent implements Sink.
func (r *Recorder) RecordEvent(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{Event: ev, At: time.Now()})
}

// Events returns a snapshot of everything recorded so far.
func (r *Recorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// CountByType returns how many events of the given type were recorded.
func (r *Recorder) CountByType(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}
