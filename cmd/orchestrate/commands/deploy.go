package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/nixmox/orchestrator/pkg/config"
	"github.com/nixmox/orchestrator/pkg/engine"
	"github.com/nixmox/orchestrator/pkg/health"
	"github.com/nixmox/orchestrator/pkg/manifest"
	"github.com/nixmox/orchestrator/pkg/policy"
	execprov "github.com/nixmox/orchestrator/pkg/providers/exec"
	"github.com/nixmox/orchestrator/pkg/report"
	"github.com/nixmox/orchestrator/pkg/secrets"
	"github.com/nixmox/orchestrator/pkg/state"
	"github.com/nixmox/orchestrator/pkg/telemetry"
	"github.com/nixmox/orchestrator/pkg/transports/ssh"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// deployOptions are the per-run knobs of the root command. They are
// folded into one engine.RunConfig before anything executes.
type deployOptions struct {
	dryRun      bool
	phase       string
	service     string
	incremental bool
	only        []string
	skip        []string
	force       []string
	parallel    int
}

func defaultDeployOptions() *deployOptions {
	return &deployOptions{}
}

func (o *deployOptions) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "plan and report without mutating anything")
	cmd.Flags().StringVar(&o.phase, "phase", "", "restrict the run to one core phase (infra, config, auth)")
	cmd.Flags().StringVar(&o.service, "service", "", "restrict the run to one service and its dependencies")
	cmd.Flags().BoolVar(&o.incremental, "incremental", false, "skip services whose recorded deployment still matches")
	cmd.Flags().StringSliceVar(&o.only, "only", nil, "restrict candidate services before closure expansion")
	cmd.Flags().StringSliceVar(&o.skip, "skip", nil, "remove candidate services before closure expansion")
	cmd.Flags().StringSliceVar(&o.force, "force", nil, "re-run these services even when recorded as deployed")
	cmd.Flags().IntVar(&o.parallel, "parallel", 0, "max concurrent services (0 uses the config default)")
}

func (o *deployOptions) runConfig(cfg config.Config) engine.RunConfig {
	parallel := o.parallel
	if parallel < 1 {
		parallel = cfg.Parallel
	}
	return engine.RunConfig{
		DryRun:      o.dryRun,
		Phase:       engine.CorePhase(o.phase),
		Service:     o.service,
		Incremental: o.incremental,
		Only:        o.only,
		Skip:        o.skip,
		Force:       o.force,
		MaxParallel: parallel,
		Retry: engine.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Interval:    cfg.Retry.Interval,
			Exponential: cfg.Retry.Exponential,
			MaxInterval: cfg.Retry.MaxInterval,
		},
		StepTimeout: cfg.StepTimeout,
	}
}

func runDeploy(ctx context.Context, manifestPath string, opts *deployOptions) error {
	cfg, logger, err := setup()
	if err != nil {
		return planningFailed(err)
	}

	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return planningFailed(err)
	}
	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing, cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion)
	if err != nil {
		return planningFailed(err)
	}
	defer tracer.Shutdown(context.Background())

	// A scrape endpoint that cannot bind never blocks a deployment.
	if err := metrics.StartServer(); err != nil {
		logger.Warn().Err(err).Msg("metrics endpoint unavailable")
	}
	defer metrics.StopServer(context.Background())

	events := telemetry.NewPublisher()
	events.Subscribe(telemetry.LogSubscriber(logger))
	events.Subscribe(telemetry.MetricsSubscriber(metrics))

	m, err := loadManifest(ctx, manifestPath, logger)
	if err != nil {
		return planningFailed(err)
	}

	graph, err := engine.BuildGraph(m)
	if err != nil {
		return planningFailed(err)
	}

	store, err := state.Open(ctx, cfg.StatePath, logger)
	if err != nil {
		return planningFailed(err)
	}
	defer store.Close()

	deployed, err := store.Load(ctx)
	if err != nil {
		return planningFailed(err)
	}

	runCfg := opts.runConfig(cfg)
	plan, err := engine.NewPlanner(graph).Plan(runCfg, deployed)
	if err != nil {
		return planningFailed(err)
	}
	if plan.Empty() {
		logger.Info().Msg("nothing to deploy, every planned service is up to date")
		return nil
	}

	sshClient, err := ssh.NewClient(cfg.SSH, logger)
	if err != nil {
		return planningFailed(err)
	}
	defer sshClient.Close()

	executor := engine.NewExecutor(graph, engine.ExecutorDeps{
		Provisioner: execprov.NewProvisioner(
			cfg.Adapters.Provision.Command, cfg.Adapters.Provision.Args, logger),
		Applier: execprov.NewApplier(
			cfg.Adapters.Apply.Command, cfg.Adapters.Apply.Args, logger),
		Auth: execprov.NewAuthConfigurer(
			cfg.Adapters.Auth.Command, cfg.Adapters.Auth.Args, logger),
		Checker: health.NewChecker(m.Network, sshClient, logger,
			health.WithDryRun(opts.dryRun)),
		Bootstrapper: secrets.NewBootstrapper(sshClient,
			secrets.FileStore{KeyPath: cfg.Secrets.KeyPath},
			cfg.Secrets.RemotePath, logger),
		Store:  store,
		Events: events,
	})

	ctx, span := tracer.StartRun(ctx, plan.ID, runCfg.DryRun)
	events.Subscribe(telemetry.TraceSubscriber(ctx, tracer))
	rep, execErr := executor.Execute(ctx, plan, runCfg)
	if execErr != nil {
		tracer.RecordError(span, execErr)
	}
	span.End()

	if rep == nil {
		return planningFailed(execErr)
	}

	report.Write(os.Stdout, rep)
	metrics.ObserveRun(string(rep.Status), rep.Duration)

	if code := rep.Status.ExitCode(); code != 0 {
		err := execErr
		if err == nil {
			err = fmt.Errorf("run %s finished %s", rep.RunID, rep.Status)
		}
		return &exitError{code: code, err: err}
	}
	return nil
}

// loadManifest parses and validates the manifest, then runs the policy
// gate. Any validation error or error-severity policy violation rejects
// the run before planning.
func loadManifest(ctx context.Context, path string, logger zerolog.Logger) (*manifest.Manifest, error) {
	m, verrs := manifest.NewParser().ParseFile(path)
	if len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error().
				Str("service", ve.Service).
				Str("field", ve.Field).
				Msg(ve.Message)
		}
		return nil, fmt.Errorf("manifest %s has %d validation error(s)", path, len(verrs))
	}

	gate, err := policy.NewGate(ctx, logger)
	if err != nil {
		return nil, err
	}
	result, err := gate.Evaluate(ctx, m)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		return nil, fmt.Errorf("manifest %s rejected by %d policy violation(s)", path, len(result.Errors()))
	}
	return m, nil
}
