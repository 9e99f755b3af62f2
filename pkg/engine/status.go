package engine

import "fmt"

// StepKind identifies one of the four per-service step kinds.
type StepKind string

const (
	// StepInfraProvision creates the service's infrastructure.
	StepInfraProvision StepKind = "infra_provision"

	// StepConfigApply renders and applies the host configuration.
	StepConfigApply StepKind = "config_apply"

	// StepAuthConfig wires the service into the identity provider.
	StepAuthConfig StepKind = "auth_config"

	// StepVerify polls the health probe until healthy.
	StepVerify StepKind = "verify"
)

// Validate checks the step kind.
func (k StepKind) Validate() error {
	switch k {
	case StepInfraProvision, StepConfigApply, StepAuthConfig, StepVerify:
		return nil
	default:
		return fmt.Errorf("invalid step kind: %s", k)
	}
}

// ServiceState tracks one service through the executor state machine.
type ServiceState string

const (
	// StateNotStarted is the initial state of every planned service.
	StateNotStarted ServiceState = "not_started"

	// StateInfraProvisioning means the provisioner is applying.
	StateInfraProvisioning ServiceState = "infra_provisioning"

	// StateInfraReady means infrastructure exists.
	StateInfraReady ServiceState = "infra_ready"

	// StateConfiguring means configuration is being applied.
	StateConfiguring ServiceState = "configuring"

	// StateConfigApplied means configuration reached the target.
	StateConfigApplied ServiceState = "config_applied"

	// StateAuthConfiguring means identity wiring is in progress.
	StateAuthConfiguring ServiceState = "auth_configuring"

	// StateVerifying means the health probe loop is running.
	StateVerifying ServiceState = "verifying"

	// StateHealthy is the success terminal state. Only Healthy
	// services are recorded in the deployment state.
	StateHealthy ServiceState = "healthy"

	// StateFailed is the failure terminal state.
	StateFailed ServiceState = "failed"

	// StateSkipped marks a service whose transitive dependencies
	// failed; none of its steps were attempted.
	StateSkipped ServiceState = "skipped"

	// StateInterrupted marks a service cut short by cancellation; it
	// is replanned from its last confirmed state on the next run.
	StateInterrupted ServiceState = "interrupted"
)

// IsTerminal reports whether the state is final for this run.
func (s ServiceState) IsTerminal() bool {
	switch s {
	case StateHealthy, StateFailed, StateSkipped, StateInterrupted:
		return true
	default:
		return false
	}
}

// Succeeded reports whether the service completed this run healthy.
func (s ServiceState) Succeeded() bool { return s == StateHealthy }

// RunStatus is the aggregate outcome of a whole run.
type RunStatus string

const (
	// RunSucceeded means every planned service reached Healthy.
	RunSucceeded RunStatus = "succeeded"

	// RunPartial means some services reached Healthy while others
	// failed, were skipped, or were interrupted.
	RunPartial RunStatus = "partial"

	// RunFailed means no planned service reached Healthy.
	RunFailed RunStatus = "failed"

	// RunPlanningFailed means validation or planning rejected the run
	// before any external mutation.
	RunPlanningFailed RunStatus = "planning_failed"
)

// ExitCode maps the run status to the process exit code contract:
// 0 full success, 1 nothing was attempted, 2 partially applied.
func (s RunStatus) ExitCode() int {
	switch s {
	case RunSucceeded:
		return 0
	case RunPlanningFailed:
		return 1
	default:
		return 2
	}
}

// CorePhase identifies one of the fixed core phases for --phase runs.
type CorePhase string

const (
	// PhaseInfra provisions all core services.
	PhaseInfra CorePhase = "infra"

	// PhaseConfig applies configuration to core services in
	// dependency order.
	PhaseConfig CorePhase = "config"

	// PhaseAuth configures the core identity service.
	PhaseAuth CorePhase = "auth"
)

// Validate checks the phase selector.
func (p CorePhase) Validate() error {
	switch p {
	case PhaseInfra, PhaseConfig, PhaseAuth:
		return nil
	default:
		return fmt.Errorf("invalid core phase: %s (expected infra, config, or auth)", p)
	}
}
