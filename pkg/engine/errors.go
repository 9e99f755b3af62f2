// Package engine implements the orchestration core: dependency graph
// construction, phase planning, and phase execution against the
// external provisioner, applier, health prober, and secret store.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies an orchestration error for retry and reporting
// logic.
type ErrorKind string

const (
	// KindValidation marks a manifest defect. Fatal before any
	// external mutation.
	KindValidation ErrorKind = "validation"

	// KindDependency marks a graph defect (cycle, dangling
	// reference). Fatal before any external mutation.
	KindDependency ErrorKind = "dependency"

	// KindProvision marks an infrastructure provisioning failure.
	KindProvision ErrorKind = "provision"

	// KindConfig marks a configuration apply failure.
	KindConfig ErrorKind = "config"

	// KindAuthConfig marks an identity-provider wiring failure.
	KindAuthConfig ErrorKind = "auth_config"

	// KindHealthTimeout marks a health probe that never turned
	// healthy within the retry budget.
	KindHealthTimeout ErrorKind = "health_timeout"

	// KindBootstrap marks a secret bootstrap failure. Never
	// auto-retried.
	KindBootstrap ErrorKind = "bootstrap"

	// KindTimeout marks a step that exceeded its own deadline.
	KindTimeout ErrorKind = "timeout"

	// KindInterrupted marks a step cut short by run cancellation.
	KindInterrupted ErrorKind = "interrupted"

	// KindInternal marks an orchestrator bug or unclassified failure.
	KindInternal ErrorKind = "internal"
)

// StepError is a classified orchestration error annotated with the
// service, step, and attempt count it belongs to.
type StepError struct {
	// Kind is the error classification.
	Kind ErrorKind

	// Service is the service the error belongs to, if any.
	Service string

	// Step is the step kind being executed, if any.
	Step StepKind

	// Attempts is how many attempts were made before giving up.
	Attempts int

	// Message is the human-readable error message.
	Message string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s]", e.Kind)
	if e.Service != "" {
		fmt.Fprintf(&sb, " service=%s", e.Service)
	}
	if e.Step != "" {
		fmt.Fprintf(&sb, " step=%s", e.Step)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&sb, " attempts=%d", e.Attempts)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error { return e.Err }

// Is matches step errors by kind.
func (e *StepError) Is(target error) bool {
	t, ok := target.(*StepError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithService annotates the error with a service name.
func (e *StepError) WithService(service string) *StepError {
	e.Service = service
	return e
}

// WithStep annotates the error with a step kind.
func (e *StepError) WithStep(step StepKind) *StepError {
	e.Step = step
	return e
}

// WithAttempts annotates the error with the attempt count.
func (e *StepError) WithAttempts(attempts int) *StepError {
	e.Attempts = attempts
	return e
}

// NewStepError creates a classified error.
func NewStepError(kind ErrorKind, message string, err error) *StepError {
	return &StepError{Kind: kind, Message: message, Err: err}
}

// NewValidationError creates a fatal pre-mutation validation error.
func NewValidationError(message string, err error) *StepError {
	return NewStepError(KindValidation, message, err)
}

// NewDependencyError creates a fatal pre-mutation graph error.
func NewDependencyError(message string, err error) *StepError {
	return NewStepError(KindDependency, message, err)
}

// KindOf returns the classification of err, or KindInternal when err is
// not a StepError.
func KindOf(err error) ErrorKind {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the executor may retry the failed step.
// Bootstrap failures are deliberately excluded: re-pushing partial
// secret material is unsafe. Pre-mutation errors and cancellations are
// final by definition.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindProvision, KindConfig, KindAuthConfig, KindTimeout:
		return true
	default:
		return false
	}
}

// IsPreMutation reports whether the error occurred before any external
// mutation was attempted, which maps to exit code 1.
func IsPreMutation(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindDependency:
		return true
	default:
		return false
	}
}

// CycleError reports a dependency cycle with the full chain so the
// manifest can be fixed directly.
type CycleError struct {
	// Chain is the cycle path, first node repeated at the end
	// (e.g., [A, B, A]).
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Chain, " -> "))
}
