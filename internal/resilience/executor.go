// Package resilience wraps outbound calls with timeout, retry and the
// circuit breaker, in that order.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/breaker"
	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"go.uber.org/zap"
)

// Kind classifies a resilience failure.
type Kind string

const (
	// KindTimeout means a single attempt exceeded the call timeout.
	// Timeouts are retryable; a call that fails overall after timing
	// out on its last attempt reports KindMaxRetries.
	KindTimeout Kind = "timeout"
	// KindCircuitOpen means the breaker denied the call before any
	// attempt was made. Never retried.
	KindCircuitOpen Kind = "circuit_open"
	// KindMaxRetries means every attempt failed.
	KindMaxRetries Kind = "max_retries"
	// KindExecution means the call itself failed without retrying,
	// e.g. context canceled mid-backoff.
	KindExecution Kind = "execution"
)

// Failure is the typed error returned by Call.
type Failure struct {
	Kind     Kind
	Target   string
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("call to %s failed (%s after %d attempts): %v", f.Target, f.Kind, f.Attempts, f.Err)
	}
	return fmt.Sprintf("call to %s failed (%s after %d attempts)", f.Target, f.Kind, f.Attempts)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Executor composes the circuit gate, per-attempt timeout and retry
// backoff around a single outbound call.
type Executor struct {
	cfg      config.ResilienceConfig
	breakers *breaker.Registry
	logger   *zap.Logger
}

// NewExecutor creates an executor sharing the given breaker registry.
func NewExecutor(cfg config.ResilienceConfig, breakers *breaker.Registry, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:      cfg,
		breakers: breakers,
		logger:   logger,
	}
}

// Call runs fn against the named target.
//
// The breaker is consulted once up front; a denied call fails fast with
// KindCircuitOpen and no attempt is made. Each attempt races fn against
// the call timeout. Exactly one success or failure is recorded on the
// breaker per Call, after the whole retry sequence resolves, so breaker
// accounting tracks caller-visible outcomes rather than retry noise.
func (e *Executor) Call(ctx context.Context, target string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if !e.breakers.Allow(target) {
		return nil, &Failure{Kind: KindCircuitOpen, Target: target}
	}

	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		result, err := e.attempt(ctx, fn)
		if err == nil {
			e.breakers.RecordSuccess(target)
			return result, nil
		}
		lastErr = err

		if attempt == e.cfg.MaxAttempts-1 {
			break
		}

		e.logger.Debug("retrying call",
			zap.String("target", target),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		if err := e.backoff(ctx, attempt); err != nil {
			e.breakers.RecordFailure(target)
			return nil, &Failure{Kind: KindExecution, Target: target, Attempts: attempt + 1, Err: err}
		}
	}

	e.breakers.RecordFailure(target)
	return nil, &Failure{Kind: KindMaxRetries, Target: target, Attempts: e.cfg.MaxAttempts, Err: lastErr}
}

// attempt races fn against the call timeout. The losing side is
// abandoned, not terminated; fn must become inert when its context is
// canceled.
func (e *Executor) attempt(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.ToolCallTimeout.Duration())
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(attemptCtx)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Failure{Kind: KindTimeout, Attempts: 1, Err: attemptCtx.Err()}
	}
}

// backoff sleeps base * 2^attempt, optionally jittered, honoring ctx.
func (e *Executor) backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(float64(e.cfg.BackoffBase.Duration()) * math.Pow(2, float64(attempt)))
	if e.cfg.Jitter {
		delay = time.Duration(float64(delay) * (1.0 + rand.Float64()*0.5))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
