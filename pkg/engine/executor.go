package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nixmox/orchestrator/pkg/manifest"
	"golang.org/x/sync/errgroup"
)

// StepResult is the outcome of one executed (or skipped) step.
type StepResult struct {
	// Step is the planned step.
	Step PhaseStep

	// Outcome describes what happened: applied, unchanged, simulated,
	// skipped, or failed.
	Outcome string

	// Duration is the elapsed execution time.
	Duration time.Duration

	// Err is the failure, if any.
	Err error
}

// ServiceResult is the terminal outcome of one planned service.
type ServiceResult struct {
	// Service is the service name.
	Service string

	// State is the terminal state.
	State ServiceState

	// Steps are the per-step results in execution order.
	Steps []StepResult

	// Err is the failure that ended the service, if any.
	Err error

	// Duration is the total time spent on the service.
	Duration time.Duration
}

// Report is the aggregate outcome of a run. Services appear in planned
// order, not completion order, so reports diff cleanly across runs.
type Report struct {
	// RunID identifies the run.
	RunID string

	// PlanID identifies the executed plan.
	PlanID string

	// DryRun records whether the run was simulated.
	DryRun bool

	// Status is the aggregate run status.
	Status RunStatus

	// StartedAt is when execution began.
	StartedAt time.Time

	// Duration is the total run time.
	Duration time.Duration

	// Services holds every planned service's terminal result.
	Services []*ServiceResult
}

// Executor drives a plan against the external collaborators. It owns
// the per-service state machine, idempotency checks, retries, cascade
// skips, and the event stream.
type Executor struct {
	graph        *Graph
	provisioner  InfraProvisioner
	applier      ConfigApplier
	auth         AuthConfigurer
	checker      HealthChecker
	bootstrapper SecretBootstrapper
	store        StateStore
	events       EventSink
	clock        Clock

	mu      sync.Mutex
	states  map[string]ServiceState
	results map[string]*ServiceResult

	// targetLocks serializes mutation per workspace or host identity:
	// one external state workspace or target host is never mutated
	// concurrently, even when service-level parallelism is enabled.
	targetLocks sync.Map
}

// ExecutorDeps bundles the collaborators an executor needs.
type ExecutorDeps struct {
	Provisioner  InfraProvisioner
	Applier      ConfigApplier
	Auth         AuthConfigurer
	Checker      HealthChecker
	Bootstrapper SecretBootstrapper
	Store        StateStore
	Events       EventSink
	Clock        Clock
}

// NewExecutor creates an executor over the graph and collaborators.
func NewExecutor(g *Graph, deps ExecutorDeps) *Executor {
	if deps.Events == nil {
		deps.Events = NopSink{}
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	return &Executor{
		graph:        g,
		provisioner:  deps.Provisioner,
		applier:      deps.Applier,
		auth:         deps.Auth,
		checker:      deps.Checker,
		bootstrapper: deps.Bootstrapper,
		store:        deps.Store,
		events:       deps.Events,
		clock:        deps.Clock,
		states:       make(map[string]ServiceState),
		results:      make(map[string]*ServiceResult),
	}
}

// Execute runs the plan to completion. Failures local to one service
// never abort unrelated branches; the returned error is non-nil only
// for run-level defects (cancellation aside, per-service failures are
// reported through the Report).
func (e *Executor) Execute(ctx context.Context, plan *Plan, cfg RunConfig) (*Report, error) {
	report := &Report{
		RunID:     uuid.New().String(),
		PlanID:    plan.ID,
		DryRun:    cfg.DryRun,
		StartedAt: e.clock.Now(),
	}

	for _, name := range plan.Services() {
		e.setState(name, StateNotStarted)
	}

	e.publish(Event{Type: EventRunStarted, RunID: report.RunID,
		Message: fmt.Sprintf("executing %d steps across %d services", len(plan.Steps), len(plan.Services()))})

	parallel := cfg.MaxParallel
	if parallel < 1 {
		parallel = 1
	}

	// Levels follow the dependency graph; services in the same level
	// have no dependency relationship so topological order holds even
	// under concurrency.
	for _, level := range e.graph.Levels() {
		g, lctx := errgroup.WithContext(ctx)
		g.SetLimit(parallel)

		for _, name := range level {
			if !plan.Includes(name) {
				continue
			}
			name := name
			g.Go(func() error {
				e.runService(lctx, report.RunID, plan, cfg, name)
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			e.markInterrupted(plan)
			break
		}
	}

	for _, name := range plan.Services() {
		report.Services = append(report.Services, e.result(name))
	}
	report.Duration = e.clock.Now().Sub(report.StartedAt)
	report.Status = aggregateStatus(report.Services)

	e.publish(Event{Type: EventRunCompleted, RunID: report.RunID,
		Message: fmt.Sprintf("run %s", report.Status), Duration: report.Duration})

	if err := ctx.Err(); err != nil {
		return report, NewStepError(KindInterrupted, "run cancelled", err)
	}
	return report, nil
}

// runService drives one service through the state machine to a
// terminal state.
func (e *Executor) runService(ctx context.Context, runID string, plan *Plan, cfg RunConfig, name string) {
	start := e.clock.Now()
	svc, _ := e.graph.Service(name)
	res := &ServiceResult{Service: name}

	defer func() {
		res.Duration = e.clock.Now().Sub(start)
		e.storeResult(name, res)
	}()

	// Cascade: a failed or skipped dependency hard-blocks this
	// service. Dependencies outside the plan were deemed satisfied by
	// the planner and are not re-checked here.
	if blocked, dep := e.blockedBy(plan, name); blocked {
		res.State = StateSkipped
		res.Err = NewStepError(KindDependency,
			fmt.Sprintf("dependency %s did not reach healthy", dep), nil).WithService(name)
		e.setState(name, StateSkipped)
		e.publish(Event{Type: EventServiceSkipped, RunID: runID, Service: name, Err: res.Err,
			Message: fmt.Sprintf("skipped: dependency %s did not reach healthy", dep)})
		return
	}

	steps := plan.StepsFor(name)

	// Idempotency pre-check: one probe, and an already-healthy
	// service short-circuits past every mutating call. This is what
	// makes a full re-run against a healthy system touch nothing.
	if !cfg.DryRun && svc.Interface.Health != nil && hasMutatingStep(steps) {
		if e.checker.Check(ctx, svc) == Healthy {
			for _, st := range steps {
				res.Steps = append(res.Steps, StepResult{Step: st, Outcome: "unchanged"})
				e.publish(Event{Type: EventStepSkipped, RunID: runID, Service: name, Step: st.Kind,
					Message: "already healthy"})
			}
			e.finishHealthy(ctx, runID, cfg, svc, res, "")
			return
		}
	}

	var appliedVersion string
	for _, st := range steps {
		sr, version := e.executeStep(ctx, runID, cfg, svc, st)
		res.Steps = append(res.Steps, sr)
		if version != "" {
			appliedVersion = version
		}
		if sr.Err != nil {
			res.Err = sr.Err
			if KindOf(sr.Err) == KindInterrupted {
				res.State = StateInterrupted
				e.setState(name, StateInterrupted)
				return
			}
			res.State = StateFailed
			e.setState(name, StateFailed)
			e.publish(Event{Type: EventServiceFailed, RunID: runID, Service: name, Step: st.Kind,
				Err: sr.Err, Message: "service failed"})
			return
		}
	}

	e.finishHealthy(ctx, runID, cfg, svc, res, appliedVersion)
}

// finishHealthy moves the service to the Healthy terminal state and
// records the deployment. Nothing is recorded in dry-run or for
// interrupted services.
func (e *Executor) finishHealthy(ctx context.Context, runID string, cfg RunConfig, svc *manifest.ServiceSpec, res *ServiceResult, version string) {
	res.State = StateHealthy
	e.setState(svc.Name, StateHealthy)
	e.publish(Event{Type: EventServiceHealthy, RunID: runID, Service: svc.Name, Message: "service healthy"})

	if cfg.DryRun || e.store == nil {
		return
	}
	d := Deployment{
		DeployedAt: e.clock.Now(),
		Version:    version,
		DependsOn:  e.graph.Dependencies(svc.Name),
		IP:         svc.IP,
		Hostname:   svc.Hostname,
	}
	if err := e.store.Record(ctx, svc.Name, d); err != nil {
		// State persistence failure degrades incremental planning but
		// does not undo a successful deployment.
		e.publish(Event{Type: EventStepFailed, RunID: runID, Service: svc.Name,
			Err: err, Message: "failed to record deployment state"})
	}
}

// executeStep executes one step, returning its result and, for config
// steps, the applied version.
func (e *Executor) executeStep(ctx context.Context, runID string, cfg RunConfig, svc *manifest.ServiceSpec, st PhaseStep) (StepResult, string) {
	start := e.clock.Now()
	e.publish(Event{Type: EventStepStarted, RunID: runID, Service: svc.Name, Step: st.Kind})

	if cfg.DryRun {
		e.publish(Event{Type: EventStepCompleted, RunID: runID, Service: svc.Name, Step: st.Kind,
			Message: "simulated"})
		return StepResult{Step: st, Outcome: "simulated"}, ""
	}

	var outcome, version string
	var err error
	switch st.Kind {
	case StepInfraProvision:
		outcome, err = e.provisionStep(ctx, cfg, svc)
	case StepConfigApply:
		version, err = e.configStep(ctx, cfg, svc)
		outcome = "applied"
	case StepAuthConfig:
		err = e.authStep(ctx, cfg, svc)
		outcome = "applied"
	case StepVerify:
		err = e.verifyStep(ctx, svc)
		outcome = "healthy"
	default:
		err = NewStepError(KindInternal, fmt.Sprintf("unknown step kind %s", st.Kind), nil)
	}

	duration := e.clock.Now().Sub(start)
	if err != nil {
		err = annotate(err, svc.Name, st.Kind)
		e.publish(Event{Type: EventStepFailed, RunID: runID, Service: svc.Name, Step: st.Kind,
			Err: err, Duration: duration})
		return StepResult{Step: st, Outcome: "failed", Duration: duration, Err: err}, ""
	}

	e.publish(Event{Type: EventStepCompleted, RunID: runID, Service: svc.Name, Step: st.Kind,
		Message: outcome, Duration: duration})
	return StepResult{Step: st, Outcome: outcome, Duration: duration}, version
}

// provisionStep provisions the service workspace. The provisioner's
// own plan is the idempotency probe: a workspace with no pending
// changes is never applied.
func (e *Executor) provisionStep(ctx context.Context, cfg RunConfig, svc *manifest.ServiceSpec) (string, error) {
	e.setState(svc.Name, StateInfraProvisioning)
	infra := svc.Interface.Infra

	unlock := e.lockTarget("workspace:" + infra.Workspace)
	defer unlock()

	outcome := "applied"
	err := cfg.Retry.Do(ctx, e.clock, func(ctx context.Context) error {
		sctx, cancel := e.stepContext(ctx, cfg)
		defer cancel()

		changes, err := e.provisioner.PlanHasChanges(sctx, infra.Workspace, infra)
		if err != nil {
			return classify(sctx, KindProvision, "provisioner plan failed", err)
		}
		if !changes {
			outcome = "unchanged"
			return nil
		}
		if _, err := e.provisioner.Apply(sctx, infra.Workspace, infra); err != nil {
			return classify(sctx, KindProvision, "provisioner apply failed", err)
		}
		outcome = "applied"
		return nil
	})
	if err != nil {
		return "", err
	}
	e.setState(svc.Name, StateInfraReady)
	return outcome, nil
}

// configStep bootstraps secrets and applies configuration. Bootstrap
// failures block the apply and are never retried here.
func (e *Executor) configStep(ctx context.Context, cfg RunConfig, svc *manifest.ServiceSpec) (string, error) {
	e.setState(svc.Name, StateConfiguring)
	target := TargetFor(svc, e.graph.Network())

	if e.bootstrapper != nil {
		if err := e.bootstrapper.Ensure(ctx, target); err != nil {
			return "", err
		}
	}

	unlock := e.lockTarget("host:" + target.Host)
	defer unlock()

	var version string
	err := cfg.Retry.Do(ctx, e.clock, func(ctx context.Context) error {
		sctx, cancel := e.stepContext(ctx, cfg)
		defer cancel()

		v, err := e.applier.Apply(sctx, target, svc.Name)
		if err != nil {
			return classify(sctx, KindConfig, "config apply failed", err)
		}
		version = v
		return nil
	})
	if err != nil {
		return "", err
	}
	e.setState(svc.Name, StateConfigApplied)
	return version, nil
}

// authStep wires the service into the identity provider.
func (e *Executor) authStep(ctx context.Context, cfg RunConfig, svc *manifest.ServiceSpec) error {
	e.setState(svc.Name, StateAuthConfiguring)

	provider := e.identityTarget()
	err := cfg.Retry.Do(ctx, e.clock, func(ctx context.Context) error {
		sctx, cancel := e.stepContext(ctx, cfg)
		defer cancel()

		if err := e.auth.Ensure(sctx, provider, svc); err != nil {
			return classify(sctx, KindAuthConfig, "identity wiring failed", err)
		}
		return nil
	})
	return err
}

// verifyStep polls the health probe per the service's declared budget.
func (e *Executor) verifyStep(ctx context.Context, svc *manifest.ServiceSpec) error {
	e.setState(svc.Name, StateVerifying)
	return e.checker.WaitUntilHealthy(ctx, svc, verifyPolicy(svc.Interface.Health))
}

// verifyPolicy translates the health descriptor into a retry policy:
// retries additional attempts after the first, fixed interval.
func verifyPolicy(h *manifest.HealthSpec) RetryPolicy {
	interval := h.Interval.Std()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return RetryPolicy{MaxAttempts: h.Retries + 1, Interval: interval}
}

func (e *Executor) identityTarget() Target {
	for _, name := range e.graph.TopoSort() {
		s, _ := e.graph.Service(name)
		if s.Kind == manifest.KindCore && s.Interface.Auth != nil && s.Interface.Auth.Provider {
			return TargetFor(s, e.graph.Network())
		}
	}
	return Target{}
}

// stepContext bounds a single external call.
func (e *Executor) stepContext(ctx context.Context, cfg RunConfig) (context.Context, context.CancelFunc) {
	if cfg.StepTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.StepTimeout)
}

// blockedBy reports whether any planned dependency of name failed to
// reach Healthy.
func (e *Executor) blockedBy(plan *Plan, name string) (bool, string) {
	for _, dep := range e.graph.Dependencies(name) {
		if !plan.Includes(dep) {
			continue
		}
		if e.state(dep) != StateHealthy {
			return true, dep
		}
	}
	return false, ""
}

// markInterrupted finalizes services the cancellation left behind.
func (e *Executor) markInterrupted(plan *Plan) {
	for _, name := range plan.Services() {
		e.mu.Lock()
		_, done := e.results[name]
		e.mu.Unlock()
		if done {
			continue
		}
		e.setState(name, StateInterrupted)
		e.storeResult(name, &ServiceResult{
			Service: name,
			State:   StateInterrupted,
			Err:     NewStepError(KindInterrupted, "run cancelled before completion", nil).WithService(name),
		})
	}
}

func (e *Executor) lockTarget(key string) func() {
	v, _ := e.targetLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *Executor) setState(name string, s ServiceState) {
	e.mu.Lock()
	e.states[name] = s
	e.mu.Unlock()
}

func (e *Executor) state(name string) ServiceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[name]
}

func (e *Executor) storeResult(name string, res *ServiceResult) {
	e.mu.Lock()
	if _, exists := e.results[name]; !exists {
		e.results[name] = res
	}
	e.mu.Unlock()
}

func (e *Executor) result(name string) *ServiceResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if res, ok := e.results[name]; ok {
		return res
	}
	return &ServiceResult{Service: name, State: StateNotStarted}
}

func (e *Executor) publish(ev Event) {
	ev.Time = e.clock.Now()
	e.events.Publish(ev)
}

// hasMutatingStep reports whether the step list contains anything
// beyond verification.
func hasMutatingStep(steps []PhaseStep) bool {
	for _, st := range steps {
		if st.Kind != StepVerify {
			return true
		}
	}
	return false
}

// classify wraps a collaborator error, promoting deadline hits to the
// distinct timeout kind so reports separate "slow" from "broken".
func classify(ctx context.Context, kind ErrorKind, message string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewStepError(KindTimeout, message, err)
	}
	if errors.Is(err, context.Canceled) {
		return NewStepError(KindInterrupted, message, err)
	}
	return NewStepError(kind, message, err)
}

// annotate fills service and step context into a classified error.
func annotate(err error, service string, step StepKind) error {
	var se *StepError
	if errors.As(err, &se) {
		if se.Service == "" {
			se.Service = service
		}
		if se.Step == "" {
			se.Step = step
		}
		return se
	}
	return NewStepError(KindInternal, "step failed", err).WithService(service).WithStep(step)
}

// aggregateStatus derives the run status from per-service outcomes.
func aggregateStatus(results []*ServiceResult) RunStatus {
	if len(results) == 0 {
		return RunSucceeded
	}
	healthy := 0
	for _, r := range results {
		if r.State.Succeeded() {
			healthy++
		}
	}
	switch healthy {
	case len(results):
		return RunSucceeded
	case 0:
		return RunFailed
	default:
		return RunPartial
	}
}
