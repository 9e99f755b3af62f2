package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/nixmox/orchestrator/pkg/engine"
	"github.com/nixmox/orchestrator/pkg/manifest"
	"github.com/nixmox/orchestrator/pkg/transports/ssh"
)

// CommandRunner executes a command on a remote host. Implemented by the
// SSH transport.
type CommandRunner interface {
	Run(ctx context.Context, host, command string) (stdout string, err error)
}

// CommandProbe runs the probe command on the target host over the
// command runner. Exit code 0 is healthy.
type CommandProbe struct {
	commands CommandRunner
}

// NewCommandProbe creates a command probe over the given runner.
func NewCommandProbe(commands CommandRunner) *CommandProbe {
	return &CommandProbe{commands: commands}
}

// Run implements Runner.
func (p *CommandProbe) Run(ctx context.Context, target engine.Target, spec *manifest.HealthSpec) error {
	if p.commands == nil {
		return fmt.Errorf("no command runner configured")
	}
	if _, err := p.commands.Run(ctx, target.Host, spec.Target); err != nil {
		// The transport reports a CommandError only when the command
		// actually ran on the host; anything else is a dial or
		// session failure and says nothing about service health.
		var cmdErr *ssh.CommandError
		if errors.As(err, &cmdErr) {
			return fmt.Errorf("probe command failed on %s: %w", target.Host, err)
		}
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, target.Host, err)
	}
	return nil
}
