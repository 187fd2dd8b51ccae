package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autoinfra/autoinfra/pkg/engine"
	"github.com/autoinfra/autoinfra/pkg/plan"
	"github.com/autoinfra/autoinfra/pkg/report"
	"github.com/autoinfra/autoinfra/pkg/stores"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect and update the deployment plan",
	}

	cmd.AddCommand(newPlanInitCommand())
	cmd.AddCommand(newPlanSetCommand())
	cmd.AddCommand(newPlanResourcesCommand())

	return cmd
}

func newPlanInitCommand() *cobra.Command {
	var (
		project string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default plan",
		Long: `Write the default plan to the plan path: budget 300 USD with alerts at
50, 80 and 100 percent, self-healing on every 10 minutes with at most 3 fixes
per cycle. The format follows the file extension.`,
		Example: `  autoinfra plan init --project acme
  autoinfra plan init --plan plan.cue --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := cfg.Plan.Path

			if _, err := os.Stat(path); err == nil && !force {
				return engine.NewConfigError(fmt.Sprintf("%s already exists, use --force to overwrite", path), nil).
					WithCode(engine.ErrCodeConflict)
			}
			if err := plan.SaveFile(path, engine.DefaultPlan(project)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote default plan to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project name, used for default image names")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing plan")

	return cmd
}

func newPlanSetCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "set <field-path> <value>",
		Short: "Change one plan field",
		Long: `Change one field of the plan and record the change in the audit store.

The value is read as JSON and falls back to a plain string. The updated plan
is validated before it is written; an invalid change leaves the file as it
was. A running "autoinfra reconcile" with plan.watch set picks the change up
on its next cycle.

Field paths are dotted JSON names. List elements are addressed by index or,
for named objects, by name.`,
		Example: `  autoinfra plan set services.api.image ghcr.io/acme/api:1.4.0
  autoinfra plan set 'services[1].concurrency' 8
  autoinfra plan set selfHealing.enabled false
  autoinfra plan set cost.alertThresholds '[50, 90, 100]'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			field, raw := args[0], args[1]
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			plans, err := plan.NewStore(cfg.Plan.Path, log.Logger)
			if err != nil {
				return err
			}
			if err := plans.Load(ctx); err != nil {
				return err
			}

			current, err := plans.Snapshot(ctx)
			if err != nil {
				return err
			}
			before, err := plan.GetField(current, field)
			if err != nil && !engine.HasCode(err, engine.ErrCodeNotFound) {
				return err
			}

			value := plan.ParseValue(raw)
			updated, err := plans.Set(ctx, field, value)
			if err != nil {
				for _, v := range plan.Violations(err) {
					fmt.Fprintf(cmd.ErrOrStderr(), "  [%s] %s\n", v.Layer, v)
				}
				return err
			}

			store, err := stores.Open(ctx, cfg.Store)
			if err != nil {
				return fmt.Errorf("plan updated but the audit store is unavailable: %w", err)
			}
			defer store.Close()

			entry := &stores.AuditEntry{
				Actor:       actor,
				Action:      stores.ActionPlanSet,
				Target:      field,
				Before:      mustJSON(before),
				After:       mustJSON(value),
				PlanVersion: updated.Version,
				Details:     cfg.Plan.Path,
			}
			if err := store.CreateAuditEntry(ctx, entry); err != nil {
				return fmt.Errorf("plan updated but the change was not audited: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: %s -> %s\n", field, report.FormatValue(before), report.FormatValue(value))
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "who made the change, for the audit log")

	return cmd
}

func newPlanResourcesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "List the resources the plan implies",
		Long: `List every resource the plan expects to exist, in detection order,
with the fields the drift detector compares.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := plan.LoadFile(cfg.Plan.Path)
			if err != nil {
				return err
			}

			resources := engine.ExpectedResources(p)
			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, resources)
			}

			table := report.NewTable(out, []string{"Resource", "Service", "Required", "Stateful", "Fields"})
			for _, r := range resources {
				table.Append([]string{
					r.Key.String(),
					r.Service,
					strconv.FormatBool(r.Required),
					strconv.FormatBool(r.Stateful),
					strings.Join(r.SortedFieldPaths(), ", "),
				})
			}
			table.Render()
			return nil
		},
	}

	return cmd
}

func mustJSON(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(strconv.Quote(fmt.Sprint(v)))
	}
	return data
}
