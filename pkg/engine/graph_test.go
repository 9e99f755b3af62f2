package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/nixmox/orchestrator/pkg/manifest"
)

func testService(name string, kind manifest.ServiceKind, deps ...string) *manifest.ServiceSpec {
	return &manifest.ServiceSpec{
		Name:     name,
		Kind:     kind,
		Enable:   true,
		IP:       "192.168.100.10",
		Hostname: name,
		Interface: manifest.InterfaceSpec{
			Infra: manifest.InfraSpec{Workspace: name},
		},
		DependsOn: deps,
	}
}

func testManifest(core []*manifest.ServiceSpec, apps []*manifest.ServiceSpec) *manifest.Manifest {
	m := &manifest.Manifest{
		Network:      manifest.NetworkSpec{Domain: "nixmox.lan"},
		CoreServices: make(map[string]*manifest.ServiceSpec),
		Services:     make(map[string]*manifest.ServiceSpec),
	}
	for _, s := range core {
		m.CoreServices[s.Name] = s
	}
	for _, s := range apps {
		m.Services[s.Name] = s
	}
	return m
}

func platformManifest() *manifest.Manifest {
	authentik := testService("authentik", manifest.KindCore)
	authentik.Interface.Auth = &manifest.AuthSpec{Provider: true}
	return testManifest(
		[]*manifest.ServiceSpec{
			testService("postgresql", manifest.KindCore),
			testService("caddy", manifest.KindCore),
			authentik,
		},
		[]*manifest.ServiceSpec{
			testService("vaultwarden", manifest.KindApplication, "postgresql", "caddy"),
			testService("gitea", manifest.KindApplication, "postgresql"),
			testService("monitoring", manifest.KindApplication),
		},
	)
}

func TestBuildGraphTopoOrder(t *testing.T) {
	g, err := BuildGraph(platformManifest())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	order := g.TopoSort()
	if len(order) != 6 {
		t.Fatalf("expected 6 services in order, got %d: %v", len(order), order)
	}

	pos := make(map[string]int, len(order))
	for i, n := range order {
		pos[n] = i
	}
	for _, n := range order {
		for _, dep := range g.Dependencies(n) {
			if pos[dep] > pos[n] {
				t.Errorf("dependency %s ordered after dependent %s: %v", dep, n, order)
			}
		}
	}

	// Roots are ordered core-first, then by name.
	want := []string{"authentik", "caddy", "postgresql", "monitoring"}
	if !reflect.DeepEqual(order[:4], want) {
		t.Errorf("root ordering = %v, want %v", order[:4], want)
	}
}

func TestBuildGraphDeterministic(t *testing.T) {
	first, err := BuildGraph(platformManifest())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	for i := 0; i < 20; i++ {
		g, err := BuildGraph(platformManifest())
		if err != nil {
			t.Fatalf("BuildGraph: %v", err)
		}
		if !reflect.DeepEqual(g.TopoSort(), first.TopoSort()) {
			t.Fatalf("order changed across builds: %v vs %v", g.TopoSort(), first.TopoSort())
		}
	}
}

func TestBuildGraphLevels(t *testing.T) {
	g, err := BuildGraph(platformManifest())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	levels := g.Levels()
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d: %v", len(levels), levels)
	}
	if !reflect.DeepEqual(levels[0], []string{"authentik", "caddy", "postgresql", "monitoring"}) {
		t.Errorf("level 0 = %v", levels[0])
	}
	if !reflect.DeepEqual(levels[1], []string{"gitea", "vaultwarden"}) {
		t.Errorf("level 1 = %v", levels[1])
	}
}

func TestBuildGraphCycle(t *testing.T) {
	m := testManifest(nil, []*manifest.ServiceSpec{
		testService("alpha", manifest.KindApplication, "beta"),
		testService("beta", manifest.KindApplication, "gamma"),
		testService("gamma", manifest.KindApplication, "alpha"),
	})

	_, err := BuildGraph(m)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var cyc *CycleError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CycleError, got %T: %v", err, err)
	}
	want := []string{"alpha", "beta", "gamma", "alpha"}
	if !reflect.DeepEqual(cyc.Chain, want) {
		t.Errorf("chain = %v, want %v", cyc.Chain, want)
	}
	if !strings.Contains(cyc.Error(), "alpha -> beta -> gamma -> alpha") {
		t.Errorf("message = %q", cyc.Error())
	}
}

func TestBuildGraphSelfCycle(t *testing.T) {
	m := testManifest(nil, []*manifest.ServiceSpec{
		testService("loop", manifest.KindApplication, "loop"),
	})

	_, err := BuildGraph(m)
	var cyc *CycleError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if !reflect.DeepEqual(cyc.Chain, []string{"loop", "loop"}) {
		t.Errorf("chain = %v", cyc.Chain)
	}
}

func TestBuildGraphUnknownDependency(t *testing.T) {
	m := testManifest(nil, []*manifest.ServiceSpec{
		testService("app", manifest.KindApplication, "ghost"),
	})

	_, err := BuildGraph(m)
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
	if KindOf(err) != KindDependency {
		t.Errorf("kind = %s, want %s", KindOf(err), KindDependency)
	}
}

func TestClosure(t *testing.T) {
	g, err := BuildGraph(platformManifest())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	closure, err := g.Closure("vaultwarden")
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	want := []string{"caddy", "postgresql", "vaultwarden"}
	if !reflect.DeepEqual(closure, want) {
		t.Errorf("closure = %v, want %v", closure, want)
	}

	if _, err := g.Closure("ghost"); err == nil {
		t.Error("expected error for unknown service")
	}
}

func TestDependents(t *testing.T) {
	g, err := BuildGraph(platformManifest())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	deps := g.Dependents("postgresql")
	if len(deps) != 2 {
		t.Fatalf("dependents = %v", deps)
	}
}

func TestToDOT(t *testing.T) {
	g, err := BuildGraph(platformManifest())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	dot := g.ToDOT()
	for _, frag := range []string{
		"digraph services",
		`"postgresql" -> "vaultwarden"`,
		"fillcolor=lightblue",
	} {
		if !strings.Contains(dot, frag) {
			t.Errorf("DOT output missing %q:\n%s", frag, dot)
		}
	}
}
