package breaker

import (
	"testing"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         config.Duration(30 * time.Second),
		HalfOpenMaxCalls: 2,
		SuccessThreshold: 2,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *telemetry.Recorder, *time.Time) {
	t.Helper()
	rec := telemetry.NewRecorder()
	r := NewRegistry(testConfig(), logging.NewTestLogger(t), rec)
	clock := time.Now()
	r.now = func() time.Time { return clock }
	return r, rec, &clock
}

func TestBreakerStartsClosed(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	assert.Equal(t, StateClosed, r.State("api"))
	assert.True(t, r.Allow("api"))
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	r, rec, _ := newTestRegistry(t)

	r.RecordFailure("api")
	r.RecordFailure("api")
	assert.Equal(t, StateClosed, r.State("api"), "below threshold stays closed")

	r.RecordFailure("api")
	assert.Equal(t, StateOpen, r.State("api"))
	assert.False(t, r.Allow("api"))
	assert.Equal(t, 1, rec.CountByType("breaker.open"))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	r.RecordFailure("api")
	r.RecordFailure("api")
	r.RecordSuccess("api")
	r.RecordFailure("api")
	r.RecordFailure("api")
	assert.Equal(t, StateClosed, r.State("api"), "a success clears the consecutive failure count")
}

func TestBreakerHalfOpenProbes(t *testing.T) {
	r, _, clock := newTestRegistry(t)

	for i := 0; i < 3; i++ {
		r.RecordFailure("api")
	}
	require.Equal(t, StateOpen, r.State("api"))
	require.False(t, r.Allow("api"))

	*clock = clock.Add(31 * time.Second)

	assert.True(t, r.Allow("api"), "cooldown elapsed, first probe admitted")
	assert.Equal(t, StateHalfOpen, r.State("api"))
	assert.True(t, r.Allow("api"), "second probe within the cap")
	assert.False(t, r.Allow("api"), "probe cap reached")
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	r, rec, clock := newTestRegistry(t)

	for i := 0; i < 3; i++ {
		r.RecordFailure("api")
	}
	*clock = clock.Add(31 * time.Second)
	require.True(t, r.Allow("api"))

	r.RecordSuccess("api")
	assert.Equal(t, StateHalfOpen, r.State("api"), "one success is not enough")
	r.RecordSuccess("api")
	assert.Equal(t, StateClosed, r.State("api"))
	assert.Equal(t, 1, rec.CountByType("breaker.closed"))

	// Recovered target behaves like a fresh closed one.
	r.RecordFailure("api")
	r.RecordFailure("api")
	assert.Equal(t, StateClosed, r.State("api"))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	r, rec, clock := newTestRegistry(t)

	for i := 0; i < 3; i++ {
		r.RecordFailure("api")
	}
	*clock = clock.Add(31 * time.Second)
	require.True(t, r.Allow("api"))

	r.RecordFailure("api")
	assert.Equal(t, StateOpen, r.State("api"), "any half-open failure reopens immediately")
	assert.False(t, r.Allow("api"))
	assert.Equal(t, 2, rec.CountByType("breaker.open"))
}

func TestBreakerOpenFailureRefreshesCooldown(t *testing.T) {
	r, _, clock := newTestRegistry(t)

	for i := 0; i < 3; i++ {
		r.RecordFailure("api")
	}
	*clock = clock.Add(20 * time.Second)
	r.RecordFailure("api") // refreshes lastFailureTime

	*clock = clock.Add(15 * time.Second)
	assert.False(t, r.Allow("api"), "cooldown counts from the latest failure")

	*clock = clock.Add(16 * time.Second)
	assert.True(t, r.Allow("api"))
}

func TestBreakerTargetsAreIndependent(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	for i := 0; i < 3; i++ {
		r.RecordFailure("api")
	}
	assert.Equal(t, StateOpen, r.State("api"))
	assert.Equal(t, StateClosed, r.State("db"))
	assert.True(t, r.Allow("db"))
}

func TestBreakerReset(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	for i := 0; i < 3; i++ {
		r.RecordFailure("api")
	}
	require.Equal(t, StateOpen, r.State("api"))

	r.Reset()
	assert.Equal(t, StateClosed, r.State("api"))
	assert.True(t, r.Allow("api"))
}
