package manifest

import (
	"strings"
	"testing"
	"time"
)

const validManifest = `
network:
  domain: nixmox.lan
  gateway: 192.168.88.1
core_services:
  postgresql:
    enable: true
    ip: 192.168.88.12
    hostname: postgresql
    interface:
      infra:
        workspace: core
      health:
        kind: command
        target: pg_isready -q
        interval: 5s
        timeout: 10s
        retries: 3
  caddy:
    enable: true
    ip: 192.168.88.10
    hostname: caddy
    interface:
      infra:
        workspace: core
      health:
        kind: http
        target: http://caddy.nixmox.lan/healthz
        retries: 2
  authentik:
    enable: true
    ip: 192.168.88.11
    hostname: authentik
    interface:
      infra:
        workspace: core
      auth:
        provider: true
      health:
        kind: http
        target: /-/health/ready/
        retries: 5
services:
  vaultwarden:
    enable: true
    ip: 192.168.88.20
    hostname: vault
    depends_on: [postgresql, caddy]
    interface:
      infra:
        workspace: apps
      auth:
        application: vaultwarden
        protocol: oidc
        redirect_uris: [http://vault.nixmox.lan/oidc/callback]
      db:
        name: vaultwarden
      proxy:
        host: vault
        tls: true
      health:
        kind: http
        target: /alive
        retries: 3
`

func mustParse(t *testing.T, src string) *Manifest {
	t.Helper()
	m, errs := NewParser().Parse(strings.NewReader(src))
	if len(errs) > 0 {
		t.Fatalf("unexpected validation errors: %v", errs)
	}
	return m
}

func TestParseValidManifest(t *testing.T) {
	m := mustParse(t, validManifest)

	if len(m.CoreServices) != 3 {
		t.Errorf("expected 3 core services, got %d", len(m.CoreServices))
	}

	vw, ok := m.Lookup("vaultwarden")
	if !ok {
		t.Fatal("vaultwarden not found")
	}
	if vw.Kind != KindApplication {
		t.Errorf("expected application kind, got %s", vw.Kind)
	}
	if vw.Name != "vaultwarden" {
		t.Errorf("expected name filled from map key, got %q", vw.Name)
	}
	if got := vw.FQDN(m.Network); got != "vault.nixmox.lan" {
		t.Errorf("expected FQDN vault.nixmox.lan, got %q", got)
	}

	pg := m.CoreServices["postgresql"]
	if pg.Kind != KindCore {
		t.Errorf("expected core kind, got %s", pg.Kind)
	}
	if pg.Interface.Health.Interval.Std() != 5*time.Second {
		t.Errorf("expected 5s interval, got %v", pg.Interface.Health.Interval.Std())
	}
}

func TestParseIdentityProvider(t *testing.T) {
	m := mustParse(t, validManifest)

	idp := m.IdentityProvider()
	if idp == nil {
		t.Fatal("expected an identity provider")
	}
	if idp.Name != "authentik" {
		t.Errorf("expected authentik, got %s", idp.Name)
	}
}

func TestParseAllOrdersCoreFirst(t *testing.T) {
	m := mustParse(t, validManifest)

	all := m.All()
	if len(all) != 4 {
		t.Fatalf("expected 4 services, got %d", len(all))
	}
	for i, want := range []string{"authentik", "caddy", "postgresql", "vaultwarden"} {
		if all[i].Name != want {
			t.Errorf("position %d: expected %s, got %s", i, want, all[i].Name)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantSub string
	}{
		{
			name: "core service with dependency",
			src: `
network: {domain: nixmox.lan}
core_services:
  postgresql:
    enable: true
    ip: 192.168.88.12
    hostname: postgresql
    depends_on: [caddy]
    interface: {infra: {workspace: core}}
  caddy:
    enable: true
    ip: 192.168.88.10
    hostname: caddy
    interface: {infra: {workspace: core}}
`,
			wantSub: "must not declare dependencies",
		},
		{
			name: "dangling dependency",
			src: `
network: {domain: nixmox.lan}
core_services:
  caddy:
    enable: true
    ip: 192.168.88.10
    hostname: caddy
    interface: {infra: {workspace: core}}
services:
  app:
    enable: true
    ip: 192.168.88.30
    hostname: app
    depends_on: [nonexistent]
    interface: {infra: {workspace: apps}}
`,
			wantSub: `unknown service "nonexistent"`,
		},
		{
			name: "duplicate name across maps",
			src: `
network: {domain: nixmox.lan}
core_services:
  caddy:
    enable: true
    ip: 192.168.88.10
    hostname: caddy
    interface: {infra: {workspace: core}}
services:
  caddy:
    enable: true
    ip: 192.168.88.30
    hostname: caddy2
    interface: {infra: {workspace: apps}}
`,
			wantSub: "both as core service and as application service",
		},
		{
			name: "malformed health kind",
			src: `
network: {domain: nixmox.lan}
core_services:
  caddy:
    enable: true
    ip: 192.168.88.10
    hostname: caddy
    interface:
      infra: {workspace: core}
      health: {kind: tcp, target: whatever}
`,
			wantSub: "oneof",
		},
		{
			name: "negative retries",
			src: `
network: {domain: nixmox.lan}
core_services:
  caddy:
    enable: true
    ip: 192.168.88.10
    hostname: caddy
    interface:
      infra: {workspace: core}
      health: {kind: http, target: /healthz, retries: -1}
`,
			wantSub: "must be >= 0",
		},
		{
			name: "self dependency",
			src: `
network: {domain: nixmox.lan}
services:
  app:
    enable: true
    ip: 192.168.88.30
    hostname: app
    depends_on: [app]
    interface: {infra: {workspace: apps}}
`,
			wantSub: "depends on itself",
		},
		{
			name: "auth without provider",
			src: `
network: {domain: nixmox.lan}
services:
  app:
    enable: true
    ip: 192.168.88.30
    hostname: app
    interface:
      infra: {workspace: apps}
      auth: {application: app, protocol: oidc}
`,
			wantSub: "no core service hosts the identity provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := NewParser().Parse(strings.NewReader(tt.src))
			if len(errs) == 0 {
				t.Fatal("expected validation errors, got none")
			}
			found := false
			for _, e := range errs {
				if strings.Contains(e.Error(), tt.wantSub) {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("expected an error containing %q, got %v", tt.wantSub, errs)
			}
		})
	}
}

func TestParseDisabledServiceExcluded(t *testing.T) {
	src := `
network: {domain: nixmox.lan}
core_services:
  caddy:
    enable: true
    ip: 192.168.88.10
    hostname: caddy
    interface: {infra: {workspace: core}}
  postgresql:
    enable: false
    ip: 192.168.88.12
    hostname: postgresql
    interface: {infra: {workspace: core}}
`
	m := mustParse(t, src)

	all := m.All()
	if len(all) != 1 || all[0].Name != "caddy" {
		t.Errorf("expected only caddy enabled, got %d services", len(all))
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	src := `
network: {domain: nixmox.lan}
core_services:
  caddy:
    enable: true
    ip: 192.168.88.10
    hostname: caddy
    interfaces: {infra: {workspace: core}}
`
	_, errs := NewParser().Parse(strings.NewReader(src))
	if len(errs) == 0 {
		t.Fatal("expected a decode error for misspelled field")
	}
}
