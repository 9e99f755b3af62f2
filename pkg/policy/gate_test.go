package policy

import (
	"context"
	"testing"

	"github.com/nixmox/orchestrator/pkg/manifest"
	"github.com/rs/zerolog"
)

func gateManifest() *manifest.Manifest {
	core := &manifest.ServiceSpec{
		Name: "postgresql", Kind: manifest.KindCore, Enable: true,
		IP: "192.168.100.11", Hostname: "postgresql",
		Interface: manifest.InterfaceSpec{Infra: manifest.InfraSpec{Workspace: "postgresql"}},
	}
	app := &manifest.ServiceSpec{
		Name: "vaultwarden", Kind: manifest.KindApplication, Enable: true,
		IP: "192.168.100.20", Hostname: "vault",
		DependsOn: []string{"postgresql"},
		Interface: manifest.InterfaceSpec{
			Infra: manifest.InfraSpec{Workspace: "vaultwarden"},
			Proxy: &manifest.ProxySpec{},
			Health: &manifest.HealthSpec{
				Kind: manifest.ProbeHTTP, Target: "/alive", Retries: 3,
			},
		},
	}
	return &manifest.Manifest{
		Network:      manifest.NetworkSpec{Domain: "nixmox.lan"},
		CoreServices: map[string]*manifest.ServiceSpec{"postgresql": core},
		Services:     map[string]*manifest.ServiceSpec{"vaultwarden": app},
	}
}

func newGate(t *testing.T) *Gate {
	t.Helper()
	g, err := NewGate(context.Background(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g
}

func TestEvaluateCleanManifest(t *testing.T) {
	g := newGate(t)

	result, err := g.Evaluate(context.Background(), gateManifest())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Allowed {
		t.Errorf("clean manifest blocked: %v", result.Violations)
	}
	if len(result.Violations) != 0 {
		t.Errorf("unexpected violations: %v", result.Violations)
	}
}

func TestEvaluateApplicationWithoutHealth(t *testing.T) {
	g := newGate(t)

	m := gateManifest()
	m.Services["vaultwarden"].Interface.Health = nil

	result, err := g.Evaluate(context.Background(), m)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Allowed {
		t.Error("probe-less application service allowed")
	}

	errs := result.Errors()
	if len(errs) != 1 {
		t.Fatalf("errors = %v", errs)
	}
	if errs[0].Policy != "application-health-required" || errs[0].Service != "vaultwarden" {
		t.Errorf("violation = %+v", errs[0])
	}
}

func TestEvaluateCoreWithoutHealthAllowed(t *testing.T) {
	g := newGate(t)

	// Core services have no verify step in the plan, so the health
	// requirement does not apply to them.
	result, err := g.Evaluate(context.Background(), gateManifest())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	for _, v := range result.Violations {
		if v.Service == "postgresql" {
			t.Errorf("core service flagged: %+v", v)
		}
	}
}

func TestEvaluateWarnings(t *testing.T) {
	g := newGate(t)

	m := gateManifest()
	app := m.Services["vaultwarden"]
	app.Interface.Auth = &manifest.AuthSpec{Application: "vaultwarden", Protocol: "oidc"}
	app.Interface.Proxy = nil
	app.Interface.DB = &manifest.DBSpec{}
	app.DependsOn = nil

	result, err := g.Evaluate(context.Background(), m)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	// Warnings alone never block the run.
	if !result.Allowed {
		t.Errorf("warnings blocked the run: %v", result.Violations)
	}

	warnings := result.Warnings()
	if len(warnings) != 2 {
		t.Fatalf("warnings = %v", warnings)
	}
	seen := map[string]bool{}
	for _, w := range warnings {
		seen[w.Policy] = true
	}
	if !seen["auth-without-proxy"] || !seen["database-dependency"] {
		t.Errorf("warning policies = %v", warnings)
	}
}

func TestDisabledPolicySkipped(t *testing.T) {
	policies := BuiltinPolicies()
	for i := range policies {
		policies[i].Enabled = false
	}
	g, err := NewGateWithPolicies(context.Background(), policies, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGateWithPolicies: %v", err)
	}

	m := gateManifest()
	m.Services["vaultwarden"].Interface.Health = nil

	result, err := g.Evaluate(context.Background(), m)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Allowed || len(result.Violations) != 0 {
		t.Errorf("disabled policies still evaluated: %v", result.Violations)
	}
}
