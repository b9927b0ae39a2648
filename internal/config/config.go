// Package config provides configuration loading for dispatchd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the daemon.
type Config struct {
	Logging    LoggingConfig    `koanf:"logging"`
	Server     ServerConfig     `koanf:"server"`
	Store      StoreConfig      `koanf:"store"`
	Queue      QueueConfig      `koanf:"queue"`
	Worker     WorkerConfig     `koanf:"worker"`
	Breaker    BreakerConfig    `koanf:"breaker"`
	Resilience ResilienceConfig `koanf:"resilience"`
	Approval   ApprovalConfig   `koanf:"approval"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`

	// Targets maps target names to downstream base URLs.
	Targets map[string]string `koanf:"targets"`
}

// LoggingConfig mirrors logging.Config at the root config level.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// StoreType selects the job store implementation.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
)

// StoreConfig configures job persistence.
type StoreConfig struct {
	Type             StoreType `koanf:"type"`
	Path             string    `koanf:"path"`
	AutoSaveInterval Duration  `koanf:"auto_save_interval"`
}

// QueueConfig configures admission control and the DLQ.
type QueueConfig struct {
	MaxQueueSize  int `koanf:"max_queue_size"`
	MaxConcurrent int `koanf:"max_concurrent"`
	// BackpressureThresholdPct is the running-set fill percentage of
	// MaxQueueSize at which new submissions are rejected.
	BackpressureThresholdPct int       `koanf:"backpressure_threshold_pct"`
	DLQ                      DLQConfig `koanf:"dlq"`
}

// DLQConfig bounds the dead letter queue.
type DLQConfig struct {
	MaxSize       int `koanf:"max_size"`
	RetentionDays int `koanf:"retention_days"`
}

// WorkerConfig configures the polling worker.
type WorkerConfig struct {
	PollInterval Duration `koanf:"poll_interval"`
	DryRun       bool     `koanf:"dry_run"`
}

// BreakerConfig configures the per-target circuit breakers.
type BreakerConfig struct {
	FailureThreshold int      `koanf:"failure_threshold"`
	Cooldown         Duration `koanf:"cooldown"`
	HalfOpenMaxCalls int      `koanf:"half_open_max_calls"`
	SuccessThreshold int      `koanf:"success_threshold"`
}

// ResilienceConfig configures the timeout/retry wrapper for outbound calls.
type ResilienceConfig struct {
	ToolCallTimeout Duration `koanf:"tool_call_timeout"`
	MaxAttempts     int      `koanf:"max_attempts"`
	BackoffBase     Duration `koanf:"backoff_base"`
	Jitter          bool     `koanf:"jitter"`
}

// ApprovalConfig configures the approval watcher and its GitHub backend.
type ApprovalConfig struct {
	PollInterval  Duration     `koanf:"poll_interval"`
	TTL           Duration     `koanf:"ttl"`
	WarnThreshold Duration     `koanf:"warn_threshold"`
	GitHub        GitHubConfig `koanf:"github"`
}

// GitHubConfig identifies the issue tracker used for approvals.
type GitHubConfig struct {
	Owner string `koanf:"owner"`
	Repo  string `koanf:"repo"`
	Token Secret `koanf:"token"`
	// ApprovalLabel is the label a human applies to approve a request.
	ApprovalLabel string `koanf:"approval_label"`
}

// SupervisorConfig configures the run state machine.
type SupervisorConfig struct {
	// MaxSteps is the hard step budget per run; exceeding it is fatal.
	MaxSteps int `koanf:"max_steps"`
}

// TelemetryConfig configures OTLP export of metrics and traces.
//
// Export is disabled by default; without a collector the instrumented
// code paths fall back to the no-op global providers.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
	// Insecure disables TLS on the collector connection. Only honored
	// for local endpoints.
	Insecure        bool     `koanf:"insecure"`
	SampleRate      float64  `koanf:"sample_rate"`
	ExportInterval  Duration `koanf:"export_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// NewDefaultConfig returns the hardcoded defaults, before YAML and
// environment overrides.
func NewDefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Server:  ServerConfig{Host: "localhost", Port: 8480},
		Store: StoreConfig{
			Type:             StoreTypeMemory,
			AutoSaveInterval: Duration(30 * time.Second),
		},
		Queue: QueueConfig{
			MaxQueueSize:             100,
			MaxConcurrent:            4,
			BackpressureThresholdPct: 80,
			DLQ: DLQConfig{
				MaxSize:       100,
				RetentionDays: 7,
			},
		},
		Worker: WorkerConfig{
			PollInterval: Duration(time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         Duration(30 * time.Second),
			HalfOpenMaxCalls: 3,
			SuccessThreshold: 2,
		},
		Resilience: ResilienceConfig{
			ToolCallTimeout: Duration(30 * time.Second),
			MaxAttempts:     3,
			BackoffBase:     Duration(time.Second),
			Jitter:          true,
		},
		Approval: ApprovalConfig{
			PollInterval:  Duration(30 * time.Second),
			TTL:           Duration(24 * time.Hour),
			WarnThreshold: Duration(time.Hour),
			GitHub:        GitHubConfig{ApprovalLabel: "approved"},
		},
		Supervisor: SupervisorConfig{MaxSteps: 20},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			Insecure:        true,
			SampleRate:      1.0,
			ExportInterval:  Duration(15 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
	}
}

// Validate rejects configurations the daemon cannot run with. Validation
// failures are construction-time fatal, never retried.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreTypeMemory:
	case StoreTypeFile:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the file store")
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}

	if c.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("queue.max_queue_size must be positive, got %d", c.Queue.MaxQueueSize)
	}
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue.max_concurrent must be positive, got %d", c.Queue.MaxConcurrent)
	}
	if c.Queue.BackpressureThresholdPct <= 0 || c.Queue.BackpressureThresholdPct > 100 {
		return fmt.Errorf("queue.backpressure_threshold_pct must be in (0, 100], got %d", c.Queue.BackpressureThresholdPct)
	}
	if c.Queue.DLQ.MaxSize <= 0 {
		return fmt.Errorf("queue.dlq.max_size must be positive, got %d", c.Queue.DLQ.MaxSize)
	}

	if c.Worker.PollInterval.Duration() <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("breaker.half_open_max_calls must be positive, got %d", c.Breaker.HalfOpenMaxCalls)
	}
	if c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker.success_threshold must be positive, got %d", c.Breaker.SuccessThreshold)
	}

	if c.Resilience.MaxAttempts <= 0 {
		return fmt.Errorf("resilience.max_attempts must be positive, got %d", c.Resilience.MaxAttempts)
	}
	if c.Resilience.ToolCallTimeout.Duration() <= 0 {
		return fmt.Errorf("resilience.tool_call_timeout must be positive")
	}

	if c.Supervisor.MaxSteps <= 0 {
		return fmt.Errorf("supervisor.max_steps must be positive, got %d", c.Supervisor.MaxSteps)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate)
		}
		if c.Telemetry.ExportInterval.Duration() <= 0 {
			return fmt.Errorf("telemetry.export_interval must be positive")
		}
		if c.Telemetry.ShutdownTimeout.Duration() <= 0 {
			return fmt.Errorf("telemetry.shutdown_timeout must be positive")
		}
	}

	return nil
}
