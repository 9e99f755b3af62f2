package policy

import "time"

// Severity grades a policy violation.
type Severity string

const (
	// SeverityWarning flags something to review without blocking the
	// run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run before planning.
	SeverityError Severity = "error"
)

// Policy is a Rego rule evaluated against each manifest service.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description explains what the policy enforces.
	Description string `json:"description"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled gates evaluation.
	Enabled bool `json:"enabled"`
}

// Violation is one policy finding against one service.
type Violation struct {
	// Policy is the violated policy's name.
	Policy string `json:"policy"`

	// Service is the offending service.
	Service string `json:"service,omitempty"`

	// Message is the human-readable finding.
	Message string `json:"message"`

	// Severity grades the finding.
	Severity Severity `json:"severity"`
}

// Result is the outcome of a full manifest evaluation.
type Result struct {
	// Allowed is false when any error-severity violation exists.
	Allowed bool `json:"allowed"`

	// Violations holds every finding, warnings included.
	Violations []Violation `json:"violations"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Warnings returns only the warning-severity findings.
func (r *Result) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityWarning {
			out = append(out, v)
		}
	}
	return out
}

// Errors returns only the error-severity findings.
func (r *Result) Errors() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}
