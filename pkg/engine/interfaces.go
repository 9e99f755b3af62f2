package engine

import (
	"context"
	"time"

	"github.com/nixmox/orchestrator/pkg/manifest"
)

// Target is the network identity a collaborator acts against.
type Target struct {
	// Name is the service name.
	Name string

	// IP is the service address.
	IP string

	// Host is the fully qualified host name.
	Host string
}

// TargetFor builds the collaborator target for a service.
func TargetFor(s *manifest.ServiceSpec, network manifest.NetworkSpec) Target {
	return Target{Name: s.Name, IP: s.IP, Host: s.FQDN(network)}
}

// InfraProvisioner is the external system that creates infrastructure
// resources. The orchestrator never owns provisioning logic; it only
// sequences these calls.
type InfraProvisioner interface {
	// PlanHasChanges reports whether applying the workspace would
	// change anything. Used as the idempotency probe before Apply.
	PlanHasChanges(ctx context.Context, workspace string, spec manifest.InfraSpec) (bool, error)

	// Apply provisions the workspace and returns its outputs.
	Apply(ctx context.Context, workspace string, spec manifest.InfraSpec) (map[string]string, error)

	// Destroy tears down the workspace. No orchestration path calls
	// it; rollback is out of scope.
	Destroy(ctx context.Context, workspace string) error
}

// ConfigApplier is the external system that renders and applies host
// configuration. Apply must be idempotent at the target when configRef
// is unchanged.
type ConfigApplier interface {
	Apply(ctx context.Context, target Target, configRef string) (appliedVersion string, err error)
}

// AuthConfigurer wires services into the identity provider. Ensure is
// idempotent: providers, applications, and outposts are get-or-created.
type AuthConfigurer interface {
	Ensure(ctx context.Context, provider Target, svc *manifest.ServiceSpec) error
}

// HealthOutcome is the result of a single health probe attempt.
type HealthOutcome string

const (
	// Healthy means the probe succeeded.
	Healthy HealthOutcome = "healthy"

	// Unhealthy means the probe ran and reported failure.
	Unhealthy HealthOutcome = "unhealthy"

	// Unknown means the probe could not be executed (target
	// unreachable, probe transport error).
	Unknown HealthOutcome = "unknown"
)

// HealthChecker executes declared health probes.
type HealthChecker interface {
	// Check performs a single probe attempt.
	Check(ctx context.Context, svc *manifest.ServiceSpec) HealthOutcome

	// WaitUntilHealthy polls until healthy or the policy's attempt
	// budget is exhausted, in which case it returns a StepError of
	// kind KindHealthTimeout.
	WaitUntilHealthy(ctx context.Context, svc *manifest.ServiceSpec, policy RetryPolicy) error
}

// SecretBootstrapper ensures a target holds decryption material before
// configuration is applied. Failures are never auto-retried.
type SecretBootstrapper interface {
	Ensure(ctx context.Context, target Target) error
}

// Deployment is the recorded metadata of one successful deployment.
type Deployment struct {
	// DeployedAt is when the service reached Healthy.
	DeployedAt time.Time `json:"deployed_at"`

	// Version is the applied configuration version.
	Version string `json:"version"`

	// DependsOn is the dependency snapshot at deploy time.
	DependsOn []string `json:"depends_on"`

	// IP is the service address at deploy time.
	IP string `json:"ip"`

	// Hostname is the service host name at deploy time.
	Hostname string `json:"hostname"`
}

// DeploymentState maps service names to their last successful
// deployment. It drives incremental planning only; it is never a
// substitute for live health verification outside dry-run.
type DeploymentState map[string]Deployment

// IsSatisfied reports whether name is recorded and its recorded
// dependency snapshot matches the current manifest's dependency set.
// A changed dependency set invalidates the record so stale incremental
// skips cannot hide a re-deploy.
func (s DeploymentState) IsSatisfied(name string, currentDeps []string) bool {
	d, ok := s[name]
	if !ok {
		return false
	}
	return sameSet(d.DependsOn, currentDeps)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, x := range a {
		seen[x]++
	}
	for _, x := range b {
		seen[x]--
		if seen[x] < 0 {
			return false
		}
	}
	return true
}

// StateStore persists deployment state between runs.
type StateStore interface {
	// Load returns the recorded state. A missing or corrupt backing
	// artifact is non-fatal and yields empty state.
	Load(ctx context.Context) (DeploymentState, error)

	// Record writes one service's deployment record. Called only
	// after the service reaches Healthy; records are never partially
	// written.
	Record(ctx context.Context, name string, d Deployment) error
}

// EventType identifies entries in the executor's event stream.
type EventType string

const (
	EventRunStarted     EventType = "run.started"
	EventRunCompleted   EventType = "run.completed"
	EventStepStarted    EventType = "step.started"
	EventStepCompleted  EventType = "step.completed"
	EventStepSkipped    EventType = "step.skipped"
	EventStepFailed     EventType = "step.failed"
	EventServiceHealthy EventType = "service.healthy"
	EventServiceFailed  EventType = "service.failed"
	EventServiceSkipped EventType = "service.skipped"
)

// Event is one entry in the structured execution event stream.
type Event struct {
	// Time is when the event occurred.
	Time time.Time

	// Type is the event type.
	Type EventType

	// RunID identifies the run.
	RunID string

	// Service is the affected service, if any.
	Service string

	// Step is the affected step kind, if any.
	Step StepKind

	// Message is a human-readable description.
	Message string

	// Duration is the elapsed time for completion events.
	Duration time.Duration

	// Err carries the failure for failure events.
	Err error
}

// EventSink consumes the executor's event stream. Implementations must
// not block; the executor publishes synchronously.
type EventSink interface {
	Publish(Event)
}

// NopSink discards events.
type NopSink struct{}

// Publish implements EventSink.
func (NopSink) Publish(Event) {}
