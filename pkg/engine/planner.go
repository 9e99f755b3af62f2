package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nixmox/orchestrator/pkg/manifest"
)

// PhaseStep is one unit of planned work.
type PhaseStep struct {
	// Service is the service the step acts on.
	Service string

	// Kind is the step kind.
	Kind StepKind

	// Position is the step's index in the global execution order.
	Position int
}

func (s PhaseStep) String() string {
	return fmt.Sprintf("%03d %s %s", s.Position, s.Service, s.Kind)
}

// Plan is the ordered list of steps for one run.
type Plan struct {
	// ID identifies the plan.
	ID string

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time

	// Steps is the global step order.
	Steps []PhaseStep

	// services holds the planned service names in execution order.
	services []string

	// stepsByService groups steps per service, preserving order.
	stepsByService map[string][]PhaseStep
}

// Services returns the planned service names in execution order.
func (p *Plan) Services() []string {
	return append([]string(nil), p.services...)
}

// StepsFor returns the planned steps of one service in order.
func (p *Plan) StepsFor(name string) []PhaseStep {
	return append([]PhaseStep(nil), p.stepsByService[name]...)
}

// Includes reports whether the plan contains any step for name.
func (p *Plan) Includes(name string) bool {
	_, ok := p.stepsByService[name]
	return ok
}

// Empty reports whether the plan contains no steps.
func (p *Plan) Empty() bool { return len(p.Steps) == 0 }

// Planner expands a dependency graph into a concrete ordered plan,
// honoring targeting and incremental filtering.
type Planner struct {
	graph *Graph
}

// NewPlanner creates a planner over the given graph.
func NewPlanner(g *Graph) *Planner {
	return &Planner{graph: g}
}

// Plan computes the step list for the run. The fixed core phases come
// first (core infra, core config in dependency order, core auth for the
// identity service), followed by each application service's infra,
// config, optional auth, and verify steps in dependency order.
func (pl *Planner) Plan(cfg RunConfig, state DeploymentState) (*Plan, error) {
	if cfg.Phase != "" {
		if err := cfg.Phase.Validate(); err != nil {
			return nil, NewValidationError("invalid --phase selector", err)
		}
	}
	if cfg.Service != "" {
		if _, ok := pl.graph.Service(cfg.Service); !ok {
			return nil, NewValidationError(
				fmt.Sprintf("unknown service %q in --service selector", cfg.Service), nil)
		}
	}

	include, err := pl.candidateSet(cfg, state)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		ID:             uuid.New().String(),
		CreatedAt:      time.Now(),
		stepsByService: make(map[string][]PhaseStep),
	}

	add := func(name string, kind StepKind) {
		if !include[name] {
			return
		}
		step := PhaseStep{Service: name, Kind: kind, Position: len(p.Steps)}
		if _, seen := p.stepsByService[name]; !seen {
			p.services = append(p.services, name)
		}
		p.Steps = append(p.Steps, step)
		p.stepsByService[name] = append(p.stepsByService[name], step)
	}

	var core, apps []string
	for _, name := range pl.graph.TopoSort() {
		s, _ := pl.graph.Service(name)
		if s.Kind == manifest.KindCore {
			core = append(core, name)
		} else {
			apps = append(apps, name)
		}
	}

	identity := pl.identityService(core)

	// Fixed core phases, always first.
	if cfg.Phase == "" || cfg.Phase == PhaseInfra {
		for _, name := range core {
			add(name, StepInfraProvision)
		}
	}
	if cfg.Phase == "" || cfg.Phase == PhaseConfig {
		for _, name := range core {
			add(name, StepConfigApply)
		}
	}
	if cfg.Phase == "" || cfg.Phase == PhaseAuth {
		if identity != "" {
			add(identity, StepAuthConfig)
		}
	}

	// Per-service sub-sequences for application services.
	if cfg.Phase == "" {
		for _, name := range apps {
			s, _ := pl.graph.Service(name)
			add(name, StepInfraProvision)
			add(name, StepConfigApply)
			if a := s.Interface.Auth; a != nil && !a.Provider {
				add(name, StepAuthConfig)
			}
			if s.Interface.Health != nil {
				add(name, StepVerify)
			}
		}
	}

	return p, nil
}

// candidateSet computes which services the run may touch: only/skip
// restrict the seed list, service targeting replaces it with the
// requested service, closure expansion then pulls required dependencies
// back in (a dependency is never silently dropped from under a planned
// service), and incremental filtering removes satisfied services unless
// forced.
func (pl *Planner) candidateSet(cfg RunConfig, state DeploymentState) (map[string]bool, error) {
	seeds := make([]string, 0, pl.graph.Len())
	if cfg.Service != "" {
		seeds = append(seeds, cfg.Service)
	} else {
		for _, name := range pl.graph.TopoSort() {
			if cfg.InOnly(name) && !cfg.InSkip(name) {
				seeds = append(seeds, name)
			}
		}
	}

	include := make(map[string]bool)
	for _, seed := range seeds {
		closure, err := pl.graph.Closure(seed)
		if err != nil {
			return nil, err
		}
		for _, name := range closure {
			include[name] = true
		}
	}

	if cfg.Incremental {
		for name := range include {
			if cfg.InForce(name) {
				continue
			}
			if state.IsSatisfied(name, pl.graph.Dependencies(name)) {
				delete(include, name)
			}
		}
	}

	return include, nil
}

// identityService returns the core service hosting the identity
// provider, or "".
func (pl *Planner) identityService(core []string) string {
	for _, name := range core {
		s, _ := pl.graph.Service(name)
		if a := s.Interface.Auth; a != nil && a.Provider {
			return name
		}
	}
	return ""
}
