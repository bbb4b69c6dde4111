package telemetry

import (
	"fmt"
)

// Config contains the telemetry configuration for the device runtime.
type Config struct {
	// ServiceName identifies the service in logs and metrics.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the firmware version string.
	ServiceVersion string `yaml:"service_version"`

	// DeviceID is the device identity added to every log line.
	DeviceID string `yaml:"device_id"`

	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Events contains event bus configuration.
	Events EventsConfig `yaml:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `yaml:"level"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `yaml:"output"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `yaml:"enable_caller"`

	// TimeFormat specifies the timestamp format (unix, unixms, rfc3339).
	TimeFormat string `yaml:"time_format"`
}

// MetricsConfig configures Prometheus metrics collection.
type MetricsConfig struct {
	// Enabled turns metrics collection on or off.
	Enabled bool `yaml:"enabled"`

	// Namespace is the Prometheus metric namespace prefix.
	Namespace string `yaml:"namespace"`

	// ListenAddr is the address the /metrics endpoint binds to.
	ListenAddr string `yaml:"listen_addr"`

	// DefaultHistogramBuckets overrides the default latency buckets.
	DefaultHistogramBuckets []float64 `yaml:"default_histogram_buckets"`
}

// EventsConfig configures the in-process event bus.
type EventsConfig struct {
	// Enabled turns event publishing on or off.
	Enabled bool `yaml:"enabled"`

	// BufferSize is the size of the event channel buffer.
	BufferSize int `yaml:"buffer_size"`
}

// DefaultConfig returns a telemetry configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "luminode",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			Namespace:  "luminode",
			ListenAddr: ":9464",
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 256,
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive")
	}
	return nil
}
