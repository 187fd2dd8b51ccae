package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/autoinfra/autoinfra/pkg/agent"
	"github.com/autoinfra/autoinfra/pkg/collector"
	"github.com/autoinfra/autoinfra/pkg/config"
	"github.com/autoinfra/autoinfra/pkg/engine"
	"github.com/autoinfra/autoinfra/pkg/plan"
	"github.com/autoinfra/autoinfra/pkg/policy"
	"github.com/autoinfra/autoinfra/pkg/stores"
	"github.com/autoinfra/autoinfra/pkg/telemetry"
)

// runtime holds everything a reconciliation needs, built from one config.
type runtime struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	plans   *plan.Store
	history *stores.SQLiteStore
	guard   *policy.Engine
	sources *collector.Composite
	agent   engine.MutationAgent

	closers []func() error
}

func newRuntime(ctx context.Context, cfg *config.Config) (rt *runtime, err error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, engine.NewConfigError("failed to initialize telemetry", err)
	}

	rt = &runtime{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	rt.closers = append(rt.closers, func() error { return tel.Shutdown(context.Background()) })
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.plans, err = plan.NewStore(cfg.Plan.Path, rt.logger)
	if err != nil {
		return nil, err
	}
	if err = rt.plans.Load(ctx); err != nil {
		return nil, err
	}

	rt.history, err = stores.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.history.Close)

	rt.guard, err = newGuard(ctx, cfg.Policy, rt.logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.guard.Close)

	rt.sources, err = newCollector(cfg.Collectors, rt.logger)
	if err != nil {
		return nil, err
	}

	var closeAgent func() error
	rt.agent, closeAgent, err = agent.New(ctx, cfg.Agent, rt.logger)
	rt.closers = append(rt.closers, closeAgent)
	if err != nil {
		return nil, err
	}

	return rt, nil
}

// context attaches telemetry so library code can start spans and find the logger.
func (rt *runtime) context(ctx context.Context) context.Context {
	return rt.tel.WithContext(ctx)
}

// reconciler wires a loop over the runtime. The audit store always receives
// cycle reports; extra sinks come after it.
func (rt *runtime) reconciler(rc engine.ReconcilerConfig, sinks ...engine.ReportSink) *engine.Reconciler {
	exec := engine.NewExecutor(rt.agent, rt.cfg.ExecutorConfig(), rt.logger).
		WithTelemetry(rt.tel.Metrics, rt.tel.Tracer, rt.tel.Events)
	if rt.cfg.Executor.Verify {
		exec = exec.WithVerifier(collector.NewVerifier(rt.sources, rt.logger))
	}

	planner := engine.NewRemediationPlanner(rt.guard, rt.tel.Events, rt.logger)

	all := append([]engine.ReportSink{rt.history}, sinks...)
	return engine.NewReconciler(rt.plans, rt.sources, planner, exec, rc, rt.logger).
		WithSinks(all...).
		WithTelemetry(rt.tel.Metrics, rt.tel.Tracer, rt.tel.Events)
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func newGuard(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, error) {
	guard, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Dirs) > 0 {
		if err := guard.LoadPolicies(ctx, cfg.Dirs); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Disabled {
		if err := guard.DisablePolicy(name); err != nil {
			return nil, err
		}
	}
	return guard, nil
}

func newCollector(cfg config.CollectorsConfig, logger zerolog.Logger) (*collector.Composite, error) {
	if cfg.Empty() {
		return nil, engine.NewConfigError("no collectors configured", nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("collectors")
	}

	var sources []collector.Source
	if cfg.Terraform != nil {
		sources = append(sources, collector.NewTerraformStateCollector(*cfg.Terraform, logger))
	}
	if cfg.Kubernetes != nil {
		client, err := collector.NewClientset(*cfg.Kubernetes)
		if err != nil {
			return nil, fmt.Errorf("kubernetes collector: %w", err)
		}
		sources = append(sources, collector.NewKubernetesCollector(client, *cfg.Kubernetes, logger))
	}
	if cfg.Kubectl != nil {
		sources = append(sources, collector.NewKubectlCollector(*cfg.Kubectl, logger))
	}
	for _, path := range cfg.Files {
		sources = append(sources, collector.FileCollector{Path: path})
	}
	return collector.NewComposite(logger, sources...), nil
}
