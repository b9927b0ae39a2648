// Package breaker implements a per-target three-state circuit breaker.
//
// The registry is constructor-injected wherever outbound calls are made;
// there is no package-level state. Reset exists for test isolation.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/telemetry"
	"go.uber.org/zap"
)

// State is the breaker state for one target.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// target tracks breaker state for one downstream name.
type target struct {
	state             State
	failures          int
	successes         int
	lastFailureTime   time.Time
	halfOpenCalls     int
	halfOpenSuccesses int
}

// Registry holds one breaker per target name, created on first use.
type Registry struct {
	mu      sync.Mutex
	cfg     config.BreakerConfig
	targets map[string]*target

	logger *zap.Logger
	sink   telemetry.Sink
	now    func() time.Time
}

// NewRegistry creates a registry with the given thresholds.
func NewRegistry(cfg config.BreakerConfig, logger *zap.Logger, sink telemetry.Sink) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Registry{
		cfg:     cfg,
		targets: make(map[string]*target),
		logger:  logger,
		sink:    sink,
		now:     time.Now,
	}
}

// Allow reports whether a call to the target may proceed right now.
// An open breaker whose cooldown has elapsed moves to half-open and
// admits a limited number of probe calls.
func (r *Registry) Allow(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.target(name)
	switch t.state {
	case StateClosed:
		return true
	case StateOpen:
		if r.now().Sub(t.lastFailureTime) >= r.cfg.Cooldown.Duration() {
			r.transition(name, t, StateHalfOpen)
			t.halfOpenCalls = 1
			return true
		}
		return false
	case StateHalfOpen:
		if t.halfOpenCalls < r.cfg.HalfOpenMaxCalls {
			t.halfOpenCalls++
			return true
		}
		return false
	}
	return true
}

// RecordSuccess notes a caller-visible success against the target.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.target(name)
	switch t.state {
	case StateClosed:
		t.failures = 0
		t.successes++
	case StateHalfOpen:
		t.halfOpenSuccesses++
		if t.halfOpenSuccesses >= r.cfg.SuccessThreshold {
			r.transition(name, t, StateClosed)
		}
	}
}

// RecordFailure notes a caller-visible failure against the target. Any
// failure while half-open reopens immediately: no partial credit for a
// barely-recovering dependency.
func (r *Registry) RecordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.target(name)
	t.lastFailureTime = r.now()
	switch t.state {
	case StateClosed:
		t.failures++
		if t.failures >= r.cfg.FailureThreshold {
			r.transition(name, t, StateOpen)
		}
	case StateHalfOpen:
		r.transition(name, t, StateOpen)
	case StateOpen:
		// Already open; only the failure time refreshes.
	}
}

// State returns the current state for the target.
func (r *Registry) State(name string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target(name).state
}

// Reset drops all breaker state. Intended for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = make(map[string]*target)
}

// target returns the record for name, creating a closed one on first use.
// Caller holds the lock.
func (r *Registry) target(name string) *target {
	t, ok := r.targets[name]
	if !ok {
		t = &target{state: StateClosed}
		r.targets[name] = t
	}
	return t
}

// transition applies the state change and its entry resets, then emits
// an observability event. Emission never blocks or fails the transition.
// Caller holds the lock.
func (r *Registry) transition(name string, t *target, to State) {
	from := t.state
	t.state = to
	switch to {
	case StateClosed:
		t.failures = 0
		t.successes = 0
		t.halfOpenCalls = 0
		t.halfOpenSuccesses = 0
	case StateHalfOpen:
		t.halfOpenCalls = 0
		t.halfOpenSuccesses = 0
	}

	r.logger.Info("circuit state change",
		zap.String("target", name),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	r.sink.RecordEvent(context.Background(), telemetry.Event{
		Type:    "breaker." + string(to),
		Subject: name,
		Status:  string(to),
		Meta:    map[string]string{"from": string(from)},
	})
}
