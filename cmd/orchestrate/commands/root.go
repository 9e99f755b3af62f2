// Package commands implements the orchestrate CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/nixmox/orchestrator/pkg/config"
	"github.com/nixmox/orchestrator/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	logLevel   string
	logFormat  string
)

// defaultManifest is used when no manifest path argument is given.
const defaultManifest = "manifest.yaml"

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := defaultDeployOptions()

	rootCmd := &cobra.Command{
		Use:   "orchestrate [manifest]",
		Short: "Manifest-driven deployment orchestrator",
		Long: `Orchestrate deploys a declarative service manifest onto the platform:
it validates the manifest, orders services by dependency, provisions
infrastructure, applies host configuration, wires identity, and polls
health checks until every planned service converges.

The orchestrator owns sequencing only; provisioning and configuration
stay in the external adapter commands it shells out to.`,
		Example: `  # Deploy the whole platform
  orchestrate manifest.yaml

  # Show what would change without touching anything
  orchestrate manifest.yaml --dry-run

  # Re-deploy one service and its dependencies
  orchestrate manifest.yaml --service vaultwarden

  # Incremental run, skipping already recorded services
  orchestrate manifest.yaml --incremental`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd.Context(), manifestArg(args), opts)
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")

	opts.register(rootCmd)

	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

func manifestArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return defaultManifest
}

// setup loads the orchestrator config and builds the logger, applying
// the log flag overrides.
func setup() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	if logLevel != "" {
		cfg.Telemetry.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Telemetry.Logging.Format = logFormat
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return cfg, zerolog.Nop(), err
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	return cfg, logger, nil
}
