package exec

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nixmox/orchestrator/pkg/manifest"
	"github.com/rs/zerolog"
)

// planChangesExit is the conventional detailed exit code meaning the
// plan succeeded and changes are pending.
const planChangesExit = 2

// Provisioner shells out to an infrastructure provisioning command.
//
// The command is invoked with the configured arguments, {workspace}
// and {action} expanded. When no argument carries {action}, the action
// (plan, apply, destroy) is appended as the final argument. Module,
// target, and variable inputs are passed through the environment as
// NIXMOX_MODULES, NIXMOX_TARGETS, and NIXMOX_VAR_<name>.
//
// Plan runs follow the detailed exit code convention: 0 means no
// changes, 2 means changes pending, anything else is a failure.
type Provisioner struct {
	adapter adapter
}

// NewProvisioner builds a Provisioner around the given command.
func NewProvisioner(command string, args []string, logger zerolog.Logger) *Provisioner {
	return &Provisioner{adapter: adapter{
		command: command,
		args:    args,
		logger:  logger.With().Str("component", "provisioner").Logger(),
	}}
}

// PlanHasChanges runs a plan and reports whether applying would change
// anything.
func (p *Provisioner) PlanHasChanges(ctx context.Context, workspace string, spec manifest.InfraSpec) (bool, error) {
	res, err := p.run(ctx, workspace, "plan", infraEnv(spec))
	if err != nil {
		if res.exitCode == planChangesExit {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// Apply provisions the workspace. Outputs are read from stdout when it
// is a flat JSON object; anything else yields no outputs.
func (p *Provisioner) Apply(ctx context.Context, workspace string, spec manifest.InfraSpec) (map[string]string, error) {
	res, err := p.run(ctx, workspace, "apply", infraEnv(spec))
	if err != nil {
		return nil, err
	}

	outputs := map[string]string{}
	if err := json.Unmarshal([]byte(res.stdout), &outputs); err != nil {
		return map[string]string{}, nil
	}
	return outputs, nil
}

// Destroy tears down the workspace.
func (p *Provisioner) Destroy(ctx context.Context, workspace string) error {
	_, err := p.run(ctx, workspace, "destroy", nil)
	return err
}

func (p *Provisioner) run(ctx context.Context, workspace, action string, env []string) (result, error) {
	a := p.adapter
	if !hasPlaceholder(a.args, "action") {
		a.args = append(append([]string{}, a.args...), action)
	}
	vars := map[string]string{"workspace": workspace, "action": action}
	return a.run(ctx, vars, env)
}

func infraEnv(spec manifest.InfraSpec) []string {
	env := []string{
		"NIXMOX_MODULES=" + strings.Join(spec.Modules, ","),
		"NIXMOX_TARGETS=" + strings.Join(spec.Targets, ","),
	}
	for name, value := range spec.Variables {
		env = append(env, "NIXMOX_VAR_"+name+"="+value)
	}
	return env
}
