// Package policy evaluates Rego policies against the manifest before
// planning. Error-severity findings block the run; warnings are logged
// and the run proceeds.
package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nixmox/orchestrator/pkg/manifest"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Gate holds prepared policy queries.
type Gate struct {
	policies []preparedPolicy
	logger   zerolog.Logger
}

type preparedPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewGate compiles the builtin policies.
func NewGate(ctx context.Context, logger zerolog.Logger) (*Gate, error) {
	return NewGateWithPolicies(ctx, BuiltinPolicies(), logger)
}

// NewGateWithPolicies compiles the given policies.
func NewGateWithPolicies(ctx context.Context, policies []Policy, logger zerolog.Logger) (*Gate, error) {
	g := &Gate{logger: logger.With().Str("component", "policy").Logger()}

	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		query, err := rego.New(
			rego.Module(p.Name, p.Rego),
			rego.Query(fmt.Sprintf("data.%s.deny", packageName(p.Rego))),
		).PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("compiling policy %s: %w", p.Name, err)
		}
		g.policies = append(g.policies, preparedPolicy{policy: p, query: query})
	}
	return g, nil
}

// Evaluate runs every policy against every enabled service.
func (g *Gate) Evaluate(ctx context.Context, m *manifest.Manifest) (*Result, error) {
	result := &Result{Allowed: true, EvaluatedAt: time.Now()}

	for _, s := range m.All() {
		input := serviceInput(s)
		for _, pp := range g.policies {
			violations, err := g.evaluate(ctx, pp, input)
			if err != nil {
				return nil, fmt.Errorf("evaluating policy %s against %s: %w", pp.policy.Name, s.Name, err)
			}
			result.Violations = append(result.Violations, violations...)
		}
	}

	for _, v := range result.Violations {
		if v.Severity == SeverityError {
			result.Allowed = false
		}
		g.logger.WithLevel(severityLevel(v.Severity)).
			Str("policy", v.Policy).Str("service", v.Service).Msg(v.Message)
	}
	return result, nil
}

func (g *Gate) evaluate(ctx context.Context, pp preparedPolicy, input map[string]any) ([]Violation, error) {
	results, err := pp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var out []Violation
	for _, res := range results {
		for _, expr := range res.Expressions {
			denySet, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, d := range denySet {
				out = append(out, toViolation(pp.policy, d))
			}
		}
	}
	return out, nil
}

// serviceInput flattens a service spec into the policy input document.
func serviceInput(s *manifest.ServiceSpec) map[string]any {
	deps := make([]any, len(s.DependsOn))
	for i, d := range s.DependsOn {
		deps[i] = d
	}
	return map[string]any{
		"service": map[string]any{
			"name":          s.Name,
			"kind":          string(s.Kind),
			"hostname":      s.Hostname,
			"has_health":    s.Interface.Health != nil,
			"has_proxy":     s.Interface.Proxy != nil,
			"has_db":        s.Interface.DB != nil,
			"has_auth":      s.Interface.Auth != nil,
			"auth_provider": s.Interface.Auth != nil && s.Interface.Auth.Provider,
			"depends_on":    deps,
		},
	}
}

func toViolation(p Policy, raw any) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch d := raw.(type) {
	case string:
		v.Message = d
	case map[string]any:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if svc, ok := d["service"].(string); ok {
			v.Service = svc
		}
	default:
		v.Message = fmt.Sprintf("%v", raw)
	}
	return v
}

func packageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			return strings.Fields(trimmed)[1]
		}
	}
	return "nixmox.policies"
}

func severityLevel(s Severity) zerolog.Level {
	if s == SeverityError {
		return zerolog.ErrorLevel
	}
	return zerolog.WarnLevel
}
