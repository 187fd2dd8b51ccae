package commands

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/autoinfra/autoinfra/pkg/engine"
	"github.com/autoinfra/autoinfra/pkg/report"
	"github.com/autoinfra/autoinfra/pkg/server"
)

func newReconcileCommand() *cobra.Command {
	var (
		listen string
		once   bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run the reconciliation loop",
		Long: `Run reconciliation cycles until interrupted.

Cycles start on the plan's detection interval, on "POST /reconcile" and,
with plan.watch set, whenever the plan file changes. Triggers that arrive
while a cycle runs are coalesced.

The control server also serves Prometheus metrics, the loop status and the
stored cycle history.`,
		Example: `  # Run the loop with the control server on the metrics address
  autoinfra reconcile

  # Trigger a cycle from another shell
  curl -X POST localhost:9090/reconcile

  # Serve on another address
  autoinfra reconcile --listen 127.0.0.1:8081`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.Telemetry.Metrics.ListenAddress
			}

			rt, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			loop := rt.reconciler(cfg.ReconcilerConfig(), report.SinkFunc(summaryLogger(rt.logger)))
			ctx := rt.context(cmd.Context())

			if once {
				_, err := loop.RunCycle(ctx, engine.TriggerOnDemand)
				return err
			}

			if cfg.Plan.Watch {
				err := rt.plans.Watch(ctx, func(*engine.Plan) {
					loop.Trigger(engine.TriggerPlanChange)
				})
				if err != nil {
					return err
				}
			}
			if cfg.Policy.Watch && len(cfg.Policy.Dirs) > 0 {
				if err := rt.guard.Watch(ctx, cfg.Policy.Dirs); err != nil {
					return err
				}
			}

			g, ctx := errgroup.WithContext(ctx)
			if listen != "" {
				srv := server.New(server.Config{
					Loop:        loop,
					History:     rt.history,
					Metrics:     rt.tel.Metrics.Handler(),
					MetricsPath: rt.tel.Metrics.Path(),
					Logger:      rt.logger,
				})
				g.Go(func() error { return srv.ListenAndServe(ctx, listen) })
			}
			g.Go(func() error { return loop.Run(ctx) })

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "control server address (default: telemetry.metrics.listenAddress)")
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")

	return cmd
}

// summaryLogger logs one line per finished cycle.
func summaryLogger(logger zerolog.Logger) func(context.Context, *engine.CycleReport) error {
	return func(_ context.Context, r *engine.CycleReport) error {
		s := report.Summarize(r)
		ev := logger.Info()
		if r.Status != engine.CycleCompleted {
			ev = logger.Warn().Str("failed_in", string(r.FailedIn)).Str("error", r.Error)
		}
		ev.Str("cycle_id", r.ID).
			Str("trigger", string(r.Trigger)).
			Str("status", string(r.Status)).
			Int("issues", s.Issues).
			Int("applied", s.Applied).
			Int("remaining", s.Remaining).
			Dur("duration", r.Duration()).
			Msg("Cycle finished")
		return nil
	}
}
