// Package health runs service health probes and drives the
// verification polling loop.
package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/nixmox/orchestrator/pkg/engine"
	"github.com/nixmox/orchestrator/pkg/manifest"
	"github.com/rs/zerolog"
)

// ErrUnreachable marks a probe that never ran: the target or the probe
// transport failed before the service could answer. Runners wrap
// transport failures with it so Check can report Unknown instead of
// Unhealthy.
var ErrUnreachable = errors.New("probe target unreachable")

// Runner executes one probe attempt. A nil error means healthy; an
// error wrapping ErrUnreachable means the probe could not be executed.
type Runner interface {
	Run(ctx context.Context, target engine.Target, spec *manifest.HealthSpec) error
}

// Checker implements engine.HealthChecker over a set of probe runners
// keyed by probe kind.
type Checker struct {
	network manifest.NetworkSpec
	runners map[manifest.ProbeKind]Runner
	clock   engine.Clock
	logger  zerolog.Logger

	// dryRun short-circuits every probe to healthy without invoking a
	// runner.
	dryRun bool
}

// Option configures a Checker.
type Option func(*Checker)

// WithRunner registers or replaces the runner for a probe kind.
func WithRunner(kind manifest.ProbeKind, r Runner) Option {
	return func(c *Checker) { c.runners[kind] = r }
}

// WithClock replaces the polling clock.
func WithClock(clock engine.Clock) Option {
	return func(c *Checker) { c.clock = clock }
}

// WithDryRun makes every probe report healthy without running.
func WithDryRun(dryRun bool) Option {
	return func(c *Checker) { c.dryRun = dryRun }
}

// NewChecker creates a checker with the default HTTP and command
// runners.
func NewChecker(network manifest.NetworkSpec, commands CommandRunner, logger zerolog.Logger, opts ...Option) *Checker {
	c := &Checker{
		network: network,
		runners: map[manifest.ProbeKind]Runner{
			manifest.ProbeHTTP:    NewHTTPRunner(),
			manifest.ProbeCommand: NewCommandProbe(commands),
		},
		clock:  engine.RealClock{},
		logger: logger.With().Str("component", "health").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check runs a single probe attempt against the service.
func (c *Checker) Check(ctx context.Context, svc *manifest.ServiceSpec) engine.HealthOutcome {
	spec := svc.Interface.Health
	if spec == nil {
		return engine.Unknown
	}
	if c.dryRun {
		return engine.Healthy
	}

	runner, ok := c.runners[spec.Kind]
	if !ok {
		c.logger.Error().Str("service", svc.Name).Str("kind", string(spec.Kind)).
			Msg("no runner for probe kind")
		return engine.Unknown
	}

	pctx := ctx
	if t := spec.Timeout.Std(); t > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	if err := runner.Run(pctx, engine.TargetFor(svc, c.network), spec); err != nil {
		if errors.Is(err, ErrUnreachable) {
			c.logger.Debug().Str("service", svc.Name).Err(err).Msg("probe unreachable")
			return engine.Unknown
		}
		c.logger.Debug().Str("service", svc.Name).Err(err).Msg("probe unhealthy")
		return engine.Unhealthy
	}
	return engine.Healthy
}

// WaitUntilHealthy polls the probe until it reports healthy or the
// policy's attempt budget runs out. Exactly policy.Attempts() probes
// are issued in the failing case.
func (c *Checker) WaitUntilHealthy(ctx context.Context, svc *manifest.ServiceSpec, policy engine.RetryPolicy) error {
	if svc.Interface.Health == nil || c.dryRun {
		return nil
	}

	attempts := policy.Attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return engine.NewStepError(engine.KindInterrupted, "health wait cancelled", err).
				WithService(svc.Name)
		}

		if c.Check(ctx, svc) == engine.Healthy {
			c.logger.Info().Str("service", svc.Name).Int("attempt", attempt+1).
				Msg("service healthy")
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		if err := c.clock.Sleep(ctx, policy.Delay(attempt)); err != nil {
			return engine.NewStepError(engine.KindInterrupted, "health wait cancelled", err).
				WithService(svc.Name)
		}
	}

	return engine.NewStepError(engine.KindHealthTimeout,
		fmt.Sprintf("service %s not healthy after %d probes", svc.Name, attempts), nil).
		WithService(svc.Name).
		WithStep(engine.StepVerify).
		WithAttempts(attempts)
}
