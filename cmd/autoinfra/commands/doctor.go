package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/autoinfra/autoinfra/pkg/engine"
	"github.com/autoinfra/autoinfra/pkg/report"
)

func newDoctorCommand() *cobra.Command {
	var noAutoHeal bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run one reconciliation cycle and report drift",
		Long: `Run a single on-demand reconciliation cycle.

Every drift issue is listed as "resourceType :: resourceId :: fieldPath" with
its expected and actual values, severity and fix strategy, followed by the
fixes that were applied and the issues that still need review.

The cycle is recorded in the audit store like any other.`,
		Example: `  # Detect and heal drift
  autoinfra doctor

  # Detect only
  autoinfra doctor --no-auto-heal

  # Machine-readable cycle report
  autoinfra doctor --no-auto-heal --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			rt, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			var sink engine.ReportSink = report.NewTableRenderer(cmd.OutOrStdout(), !color.NoColor)
			if jsonOutput {
				sink = report.NewJSONSink(cmd.OutOrStdout())
			}

			rc := cfg.ReconcilerConfig()
			rc.DisableSelfHealing = noAutoHeal

			cycle, err := rt.reconciler(rc, sink).RunCycle(rt.context(cmd.Context()), engine.TriggerOnDemand)
			if err != nil {
				return err
			}
			if cycle.Status != engine.CycleCompleted {
				return fmt.Errorf("cycle %s %s", cycle.ID, cycle.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noAutoHeal, "no-auto-heal", false, "detect and classify only, apply no fixes")

	return cmd
}
