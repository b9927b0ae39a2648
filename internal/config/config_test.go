package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StoreTypeMemory, cfg.Store.Type)
	assert.Equal(t, 4, cfg.Queue.MaxConcurrent)
	assert.Equal(t, 24*time.Hour, cfg.Approval.TTL.Duration())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store type", func(c *Config) { c.Store.Type = "redis" }},
		{"file store without path", func(c *Config) { c.Store.Type = StoreTypeFile }},
		{"zero queue size", func(c *Config) { c.Queue.MaxQueueSize = 0 }},
		{"zero concurrency", func(c *Config) { c.Queue.MaxConcurrent = 0 }},
		{"backpressure over 100", func(c *Config) { c.Queue.BackpressureThresholdPct = 150 }},
		{"zero dlq size", func(c *Config) { c.Queue.DLQ.MaxSize = 0 }},
		{"zero poll interval", func(c *Config) { c.Worker.PollInterval = 0 }},
		{"zero failure threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"zero half-open cap", func(c *Config) { c.Breaker.HalfOpenMaxCalls = 0 }},
		{"zero success threshold", func(c *Config) { c.Breaker.SuccessThreshold = 0 }},
		{"zero max attempts", func(c *Config) { c.Resilience.MaxAttempts = 0 }},
		{"zero call timeout", func(c *Config) { c.Resilience.ToolCallTimeout = 0 }},
		{"zero step budget", func(c *Config) { c.Supervisor.MaxSteps = 0 }},
		{"telemetry without endpoint", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Endpoint = ""
		}},
		{"telemetry sample rate over 1", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.SampleRate = 1.5
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))

	assert.Error(t, d.UnmarshalText([]byte("-5s")), "negative durations rejected")
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("ghp_supersecret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "ghp_supersecret", s.Value())
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())

	data, err := json.Marshal(struct {
		Token Secret `json:"token"`
	}{Token: s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "supersecret")
}
