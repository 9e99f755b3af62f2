package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nixmox/orchestrator/pkg/manifest"
)

// Graph is the immutable dependency DAG over a validated manifest. It
// is rebuilt once per orchestrator invocation and never mutated in
// place.
type Graph struct {
	network manifest.NetworkSpec

	// nodes maps service names to their specs.
	nodes map[string]*manifest.ServiceSpec

	// deps maps a service to the services it depends on.
	deps map[string][]string

	// dependents maps a service to the services depending on it.
	dependents map[string][]string

	// order is the deterministic topological order.
	order []string

	// levels groups the order into waves whose members have no
	// dependency relationship with one another.
	levels [][]string
}

// BuildGraph constructs the dependency graph from a validated manifest.
// It re-checks references, detects cycles, and computes the
// deterministic topological order.
func BuildGraph(m *manifest.Manifest) (*Graph, error) {
	g := &Graph{
		network:    m.Network,
		nodes:      make(map[string]*manifest.ServiceSpec),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}

	for _, s := range m.All() {
		g.nodes[s.Name] = s
		g.deps[s.Name] = append([]string(nil), s.DependsOn...)
	}

	for name, deps := range g.deps {
		for _, dep := range deps {
			if _, ok := g.nodes[dep]; !ok {
				return nil, NewDependencyError(
					fmt.Sprintf("service %s depends on unknown service %s", name, dep), nil).
					WithService(name)
			}
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}
	for _, d := range g.dependents {
		sort.Strings(d)
	}

	if cycle := g.cycleCheck(); cycle != nil {
		return nil, NewDependencyError("manifest contains a dependency cycle", cycle)
	}

	g.computeOrder()
	return g, nil
}

// Network returns the manifest network block.
func (g *Graph) Network() manifest.NetworkSpec { return g.network }

// Service returns the spec for name.
func (g *Graph) Service(name string) (*manifest.ServiceSpec, bool) {
	s, ok := g.nodes[name]
	return s, ok
}

// Len returns the number of services in the graph.
func (g *Graph) Len() int { return len(g.nodes) }

// Dependencies returns the direct dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Dependents returns the services directly depending on name.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// TopoSort returns the deterministic topological order: every
// dependency precedes its dependents, core services come before
// application services at equal readiness, and remaining ties break by
// ascending name so runs coming from the same manifest always log and
// report in the same order.
func (g *Graph) TopoSort() []string {
	return append([]string(nil), g.order...)
}

// Levels returns the order grouped into execution waves; services in
// the same wave have no dependency relationship and may run
// concurrently.
func (g *Graph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, l := range g.levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// Closure returns the transitive dependencies of name, including name
// itself, in topological order.
func (g *Graph) Closure(name string) ([]string, error) {
	if _, ok := g.nodes[name]; !ok {
		return nil, NewDependencyError(fmt.Sprintf("unknown service %s", name), nil)
	}

	include := make(map[string]bool)
	var walk func(n string)
	walk = func(n string) {
		if include[n] {
			return
		}
		include[n] = true
		for _, dep := range g.deps[n] {
			walk(dep)
		}
	}
	walk(name)

	out := make([]string, 0, len(include))
	for _, n := range g.order {
		if include[n] {
			out = append(out, n)
		}
	}
	return out, nil
}

// cycleCheck runs DFS cycle detection and returns the full cycle chain
// when one exists, nil otherwise.
func (g *Graph) cycleCheck() *CycleError {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	names := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		names = append(names, n)
	}
	sort.Strings(names)

	var path []string
	var visit func(n string) *CycleError
	visit = func(n string) *CycleError {
		color[n] = grey
		path = append(path, n)

		deps := append([]string(nil), g.deps[n]...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			case grey:
				// Close the chain at the first repeat.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				chain := append([]string(nil), path[start:]...)
				chain = append(chain, dep)
				return &CycleError{Chain: chain}
			}
		}

		color[n] = black
		path = path[:len(path)-1]
		return nil
	}

	for _, n := range names {
		if color[n] == white {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// computeOrder runs Kahn's algorithm with an ordered frontier. Core
// services sort ahead of application services, then by name.
func (g *Graph) computeOrder() {
	inDegree := make(map[string]int, len(g.nodes))
	for n := range g.nodes {
		inDegree[n] = len(g.deps[n])
	}

	less := func(a, b string) bool {
		ka, kb := g.nodes[a].Kind, g.nodes[b].Kind
		if ka != kb {
			return ka == manifest.KindCore
		}
		return a < b
	}

	frontier := make([]string, 0, len(g.nodes))
	for n, d := range inDegree {
		if d == 0 {
			frontier = append(frontier, n)
		}
	}

	g.order = g.order[:0]
	g.levels = g.levels[:0]
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool { return less(frontier[i], frontier[j]) })
		level := append([]string(nil), frontier...)
		g.levels = append(g.levels, level)
		g.order = append(g.order, level...)

		var next []string
		for _, n := range level {
			for _, dep := range g.dependents[n] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}
}

// ToDOT renders the graph in Graphviz DOT format for inspection.
func (g *Graph) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph services {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n")

	for _, n := range g.order {
		shape := ""
		if g.nodes[n].Kind == manifest.KindCore {
			shape = ` [style="filled,rounded", fillcolor=lightblue]`
		}
		fmt.Fprintf(&sb, "  %q%s;\n", n, shape)
	}
	for _, n := range g.order {
		for _, dep := range g.deps[n] {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep, n)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
