package exec

import (
	"context"
	"strings"

	"github.com/nixmox/orchestrator/pkg/engine"
	"github.com/rs/zerolog"
)

// Applier shells out to a host configuration command. Arguments may
// use {service}, {host}, {ip}, and {config_ref}; the trimmed stdout is
// taken as the applied version, falling back to the config reference
// when the command prints nothing.
type Applier struct {
	adapter adapter
}

// NewApplier builds an Applier around the given command.
func NewApplier(command string, args []string, logger zerolog.Logger) *Applier {
	return &Applier{adapter: adapter{
		command: command,
		args:    args,
		logger:  logger.With().Str("component", "applier").Logger(),
	}}
}

// Apply applies configRef to the target and returns the applied
// version.
func (a *Applier) Apply(ctx context.Context, target engine.Target, configRef string) (string, error) {
	vars := map[string]string{
		"service":    target.Name,
		"host":       target.Host,
		"ip":         target.IP,
		"config_ref": configRef,
	}
	res, err := a.adapter.run(ctx, vars, nil)
	if err != nil {
		return "", err
	}

	version := strings.TrimSpace(res.stdout)
	if version == "" {
		version = configRef
	}
	return version, nil
}
