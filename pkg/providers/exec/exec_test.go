package exec

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/nixmox/orchestrator/pkg/engine"
	"github.com/nixmox/orchestrator/pkg/manifest"
	"github.com/rs/zerolog"
)

var testLogger = zerolog.Nop()

// script writes an executable shell script and returns its path.
func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adapter.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

func infraSpec() manifest.InfraSpec {
	return manifest.InfraSpec{
		Workspace: "vaultwarden",
		Modules:   []string{"container", "dns"},
		Variables: map[string]string{"memory": "512"},
	}
}

func TestExpand(t *testing.T) {
	args := expand(
		[]string{"-chdir={workspace}", "{action}", "plain"},
		map[string]string{"workspace": "caddy", "action": "plan"},
	)
	want := []string{"-chdir=caddy", "plan", "plain"}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestProvisionerPlan(t *testing.T) {
	tests := []struct {
		name        string
		exit        int
		wantChanges bool
		wantErr     bool
	}{
		{"no changes", 0, false, false},
		{"changes pending", 2, true, false},
		{"plan failure", 1, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := script(t, "exit "+strconv.Itoa(tt.exit))
			p := NewProvisioner(cmd, nil, testLogger)

			changes, err := p.PlanHasChanges(context.Background(), "vaultwarden", infraSpec())
			if (err != nil) != tt.wantErr {
				t.Fatalf("PlanHasChanges error = %v, wantErr %v", err, tt.wantErr)
			}
			if changes != tt.wantChanges {
				t.Errorf("changes = %v, want %v", changes, tt.wantChanges)
			}
		})
	}
}

func TestProvisionerAppendsAction(t *testing.T) {
	out := filepath.Join(t.TempDir(), "argv")
	cmd := script(t, `echo "$@" > `+out)
	p := NewProvisioner(cmd, []string{"-chdir={workspace}"}, testLogger)

	if _, err := p.Apply(context.Background(), "caddy", manifest.InfraSpec{Workspace: "caddy"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	argv, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading argv: %v", err)
	}
	if got := strings.TrimSpace(string(argv)); got != "-chdir=caddy apply" {
		t.Errorf("argv = %q, want %q", got, "-chdir=caddy apply")
	}
}

func TestProvisionerApplyOutputs(t *testing.T) {
	cmd := script(t, `echo '{"ip": "192.168.100.40", "vmid": "140"}'`)
	p := NewProvisioner(cmd, nil, testLogger)

	outputs, err := p.Apply(context.Background(), "gitea", infraSpec())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if outputs["ip"] != "192.168.100.40" || outputs["vmid"] != "140" {
		t.Errorf("outputs = %v", outputs)
	}
}

func TestProvisionerApplyNonJSONOutput(t *testing.T) {
	cmd := script(t, `echo "applied 4 resources"`)
	p := NewProvisioner(cmd, nil, testLogger)

	outputs, err := p.Apply(context.Background(), "gitea", infraSpec())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(outputs) != 0 {
		t.Errorf("outputs = %v, want empty", outputs)
	}
}

func TestProvisionerEnvironment(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env")
	cmd := script(t, `echo "$NIXMOX_MODULES|$NIXMOX_VAR_memory" > `+out)
	p := NewProvisioner(cmd, nil, testLogger)

	if _, err := p.Apply(context.Background(), "vaultwarden", infraSpec()); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	env, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading env: %v", err)
	}
	if got := strings.TrimSpace(string(env)); got != "container,dns|512" {
		t.Errorf("env = %q", got)
	}
}

func TestApplierVersionFromStdout(t *testing.T) {
	cmd := script(t, `echo "  gen-42  "`)
	a := NewApplier(cmd, []string{"{host}", "{config_ref}"}, testLogger)

	version, err := a.Apply(context.Background(), engine.Target{
		Name: "gitea",
		Host: "gitea.nixmox.lan",
		IP:   "192.168.100.40",
	}, "cfg-abc")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if version != "gen-42" {
		t.Errorf("version = %q, want gen-42", version)
	}
}

func TestApplierVersionFallsBackToConfigRef(t *testing.T) {
	cmd := script(t, "exit 0")
	a := NewApplier(cmd, nil, testLogger)

	version, err := a.Apply(context.Background(), engine.Target{Name: "gitea"}, "cfg-abc")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if version != "cfg-abc" {
		t.Errorf("version = %q, want cfg-abc", version)
	}
}

func TestApplierFailureCarriesStderr(t *testing.T) {
	cmd := script(t, `echo "nix build failed" >&2; exit 1`)
	a := NewApplier(cmd, nil, testLogger)

	_, err := a.Apply(context.Background(), engine.Target{Name: "gitea"}, "cfg-abc")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "nix build failed") {
		t.Errorf("error %q does not carry stderr", err)
	}
}

func TestAuthConfigurerExpandsWiring(t *testing.T) {
	out := filepath.Join(t.TempDir(), "argv")
	cmd := script(t, `echo "$@" > `+out)
	c := NewAuthConfigurer(cmd, []string{
		"--provider={provider_host}",
		"--app={application}",
		"--protocol={protocol}",
		"--redirect={redirect_uris}",
	}, testLogger)

	svc := &manifest.ServiceSpec{
		Name: "vaultwarden",
		Interface: manifest.InterfaceSpec{
			Auth: &manifest.AuthSpec{
				Protocol:     "oidc",
				RedirectURIs: []string{"https://vault.nixmox.lan/oidc", "https://vault.nixmox.lan/alt"},
			},
		},
	}
	provider := engine.Target{Name: "authentik", Host: "authentik.nixmox.lan", IP: "192.168.100.12"}

	if err := c.Ensure(context.Background(), provider, svc); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	argv, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading argv: %v", err)
	}
	got := strings.TrimSpace(string(argv))
	want := "--provider=authentik.nixmox.lan --app=vaultwarden --protocol=oidc " +
		"--redirect=https://vault.nixmox.lan/oidc,https://vault.nixmox.lan/alt"
	if got != want {
		t.Errorf("argv = %q, want %q", got, want)
	}
}

func TestAuthConfigurerNoAuthSpec(t *testing.T) {
	c := NewAuthConfigurer("/nonexistent", nil, testLogger)
	svc := &manifest.ServiceSpec{Name: "postgresql"}
	if err := c.Ensure(context.Background(), engine.Target{}, svc); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
}

func TestAdapterCommandNotConfigured(t *testing.T) {
	p := NewProvisioner("", nil, testLogger)
	if _, err := p.PlanHasChanges(context.Background(), "caddy", manifest.InfraSpec{}); err == nil {
		t.Fatal("expected error")
	}
}
