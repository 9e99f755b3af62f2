// Package config loads the orchestrator's own configuration: state
// location, transport credentials, adapter commands, telemetry. The
// deployment manifest is a separate document owned by pkg/manifest.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nixmox/orchestrator/pkg/secrets"
	"github.com/nixmox/orchestrator/pkg/telemetry"
	"github.com/nixmox/orchestrator/pkg/transports/ssh"
	"gopkg.in/yaml.v3"
)

// AdapterConfig describes one external adapter command. Args may use
// the placeholders documented on each adapter.
type AdapterConfig struct {
	// Command is the executable.
	Command string `yaml:"command"`

	// Args are the arguments, expanded per call.
	Args []string `yaml:"args"`
}

// AdaptersConfig groups the three external adapter commands.
type AdaptersConfig struct {
	// Provision drives the infrastructure provisioner.
	Provision AdapterConfig `yaml:"provision"`

	// Apply drives the host configuration applier.
	Apply AdapterConfig `yaml:"apply"`

	// Auth drives identity provider wiring.
	Auth AdapterConfig `yaml:"auth"`
}

// SecretsConfig configures secret bootstrap.
type SecretsConfig struct {
	// KeyPath is the local decryption key staged onto hosts.
	KeyPath string `yaml:"key_path"`

	// RemotePath is where hosts expect the key.
	RemotePath string `yaml:"remote_path"`
}

// RetryConfig configures the step retry policy.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget per mutating step.
	MaxAttempts int `yaml:"max_attempts"`

	// Interval is the base delay between attempts.
	Interval time.Duration `yaml:"interval"`

	// Exponential doubles the delay after every attempt.
	Exponential bool `yaml:"exponential"`

	// MaxInterval caps the exponential delay. Zero means uncapped.
	MaxInterval time.Duration `yaml:"max_interval"`
}

// Config is the orchestrator configuration document.
type Config struct {
	// StatePath is the deployment state database.
	StatePath string `yaml:"state_path"`

	// Parallel is the default service-level concurrency.
	Parallel int `yaml:"parallel"`

	// StepTimeout bounds every external call.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// Retry is the mutating-step retry policy.
	Retry RetryConfig `yaml:"retry"`

	// SSH is the shared transport configuration.
	SSH ssh.Config `yaml:"ssh"`

	// Secrets configures secret bootstrap.
	Secrets SecretsConfig `yaml:"secrets"`

	// Adapters are the external adapter commands.
	Adapters AdaptersConfig `yaml:"adapters"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StatePath:   "/var/lib/nixmox/state.db",
		Parallel:    1,
		StepTimeout: 15 * time.Minute,
		Retry: RetryConfig{
			MaxAttempts: 3,
			Interval:    5 * time.Second,
		},
		SSH: ssh.DefaultConfig("nixmox"),
		Secrets: SecretsConfig{
			KeyPath:    "/var/lib/nixmox/secrets.key",
			RemotePath: secrets.DefaultRemoteKeyPath,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads the config file at path over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration.
func (c Config) Validate() error {
	if c.StatePath == "" {
		return fmt.Errorf("state_path is required")
	}
	if c.Parallel < 1 {
		return fmt.Errorf("parallel must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.MaxInterval < 0 || (c.Retry.MaxInterval > 0 && c.Retry.MaxInterval < c.Retry.Interval) {
		return fmt.Errorf("retry.max_interval must be at least retry.interval")
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("step_timeout must be positive")
	}
	if err := c.SSH.Validate(); err != nil {
		return fmt.Errorf("ssh: %w", err)
	}
	return c.Telemetry.Validate()
}
