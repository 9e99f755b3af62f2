package telemetry

import (
	"fmt"
	"strings"
)

// Config bundles the telemetry settings for the orchestrator.
type Config struct {
	// ServiceName identifies the binary in logs and traces.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the build version.
	ServiceVersion string `yaml:"service_version"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures span export.
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics configures the Prometheus registry.
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is console or json.
	Format string `yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `yaml:"output"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Enabled turns tracing on.
	Enabled bool `yaml:"enabled"`

	// Exporter is stdout or none.
	Exporter string `yaml:"exporter"`

	// SamplingRate is the trace sampling ratio, 0.0 to 1.0.
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	// Enabled turns metric collection on.
	Enabled bool `yaml:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace"`

	// ListenAddress is the address of the scrape endpoint served for
	// the duration of a run. Empty disables the endpoint.
	ListenAddress string `yaml:"listen_address"`

	// Path is the HTTP path of the scrape endpoint.
	Path string `yaml:"path"`
}

// DefaultConfig returns the telemetry defaults for the orchestrator.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "orchestrate",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			SamplingRate: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			Namespace:     "nixmox",
			ListenAddress: ":9090",
			Path:          "/metrics",
		},
	}
}

// Validate checks the config for usable values.
func (c Config) Validate() error {
	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}
	switch c.Tracing.Exporter {
	case "", "stdout", "none":
	default:
		return fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("sampling rate %v out of range", c.Tracing.SamplingRate)
	}
	if c.Metrics.ListenAddress != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path %q must start with /", c.Metrics.Path)
	}
	return nil
}
