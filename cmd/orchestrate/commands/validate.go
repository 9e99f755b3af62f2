package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/nixmox/orchestrator/pkg/manifest"
	"github.com/nixmox/orchestrator/pkg/policy"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate [manifest]",
		Short: "Validate a manifest without deploying",
		Long: `Parse the manifest, check structural and referential validity, and
evaluate the policy gate. Nothing is deployed.

With --watch the manifest is re-validated on every change, which keeps
a fast feedback loop while editing.`,
		Example: `  # One-shot validation
  orchestrate validate manifest.yaml

  # Re-validate on every save
  orchestrate validate manifest.yaml --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := setup()
			if err != nil {
				return planningFailed(err)
			}

			path := manifestArg(args)
			if watch {
				return watchManifest(cmd.Context(), path, logger)
			}
			if err := validateManifest(cmd.Context(), path, logger); err != nil {
				return planningFailed(err)
			}
			logger.Info().Str("manifest", path).Msg("manifest is valid")
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "re-validate on manifest changes")

	return cmd
}

// validateManifest runs parsing, validation, and the policy gate, and
// logs every finding.
func validateManifest(ctx context.Context, path string, logger zerolog.Logger) error {
	m, verrs := manifest.NewParser().ParseFile(path)
	if len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error().
				Str("service", ve.Service).
				Str("field", ve.Field).
				Msg(ve.Message)
		}
		return fmt.Errorf("%d validation error(s)", len(verrs))
	}

	gate, err := policy.NewGate(ctx, logger)
	if err != nil {
		return err
	}
	result, err := gate.Evaluate(ctx, m)
	if err != nil {
		return err
	}
	if !result.Allowed {
		return fmt.Errorf("%d policy violation(s)", len(result.Errors()))
	}
	return nil
}

// watchManifest re-validates path on every write until ctx is
// cancelled. Editors replace files on save, so the parent directory is
// watched and events are filtered by name.
func watchManifest(ctx context.Context, path string, logger zerolog.Logger) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return planningFailed(err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return planningFailed(err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return planningFailed(err)
	}

	validate := func() {
		if err := validateManifest(ctx, abs, logger); err != nil {
			logger.Error().Err(err).Str("manifest", path).Msg("manifest is invalid")
			return
		}
		logger.Info().Str("manifest", path).Msg("manifest is valid")
	}

	validate()
	logger.Info().Str("manifest", path).Msg("watching for changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			validate()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("watch error")
		}
	}
}
