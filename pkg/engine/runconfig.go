package engine

import "time"

// RunConfig captures every knob of a single orchestration run. It is
// built once from CLI input and passed by value through the pipeline;
// nothing in the engine reads ambient flags.
type RunConfig struct {
	// DryRun plans and reports without invoking any mutating
	// collaborator; health waits short-circuit to healthy.
	DryRun bool

	// Phase restricts the run to one fixed core phase. Empty means
	// whole-run.
	Phase CorePhase

	// Service restricts the run to one service plus its transitive
	// dependency closure. Empty means whole-run.
	Service string

	// Incremental skips services whose recorded deployment state
	// still matches the manifest.
	Incremental bool

	// Only restricts the candidate services before closure expansion.
	Only []string

	// Skip removes candidate services before closure expansion.
	Skip []string

	// Force re-runs these services even when their recorded state is
	// satisfied.
	Force []string

	// MaxParallel bounds concurrent service execution. Values below 1
	// mean sequential.
	MaxParallel int

	// Retry governs mutating step attempts.
	Retry RetryPolicy

	// StepTimeout bounds each provisioner/applier/auth call.
	StepTimeout time.Duration
}

// DefaultRunConfig returns the compatibility defaults: sequential
// execution, three attempts per mutating step with fixed backoff.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxParallel: 1,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			Interval:    5 * time.Second,
		},
		StepTimeout: 15 * time.Minute,
	}
}

// Targeted reports whether the run is restricted to a phase or service.
func (c RunConfig) Targeted() bool {
	return c.Phase != "" || c.Service != ""
}

// InForce reports whether name is in the force set.
func (c RunConfig) InForce(name string) bool { return contains(c.Force, name) }

// InOnly reports whether name passes the only filter (an empty only set
// passes everything).
func (c RunConfig) InOnly(name string) bool {
	return len(c.Only) == 0 || contains(c.Only, name)
}

// InSkip reports whether name is in the skip set.
func (c RunConfig) InSkip(name string) bool { return contains(c.Skip, name) }

func contains(set []string, name string) bool {
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}
