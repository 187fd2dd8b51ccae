package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autoinfra/autoinfra/pkg/engine"
	"github.com/autoinfra/autoinfra/pkg/plan"
	"github.com/autoinfra/autoinfra/pkg/policy"
	"github.com/autoinfra/autoinfra/pkg/report"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect remediation policies",
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyShowCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List built-in and custom policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			guard, err := newGuard(cmd.Context(), cfg.Policy, log.Logger)
			if err != nil {
				return err
			}
			defer guard.Close()

			policies := guard.ListPolicies()
			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, policies)
			}

			table := report.NewTable(out, []string{"Name", "Enabled", "Builtin", "Source", "Description"})
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "-"
				}
				table.Append([]string{p.Name, strconv.FormatBool(p.Enabled), strconv.FormatBool(p.Builtin), source, p.Description})
			}
			table.Render()
			return nil
		},
	}

	return cmd
}

func newPolicyShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Print one policy and its Rego source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			guard, err := newGuard(cmd.Context(), cfg.Policy, log.Logger)
			if err != nil {
				return err
			}
			defer guard.Close()

			p, err := guard.GetPolicy(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, p)
			}
			fmt.Fprintf(out, "%s (enabled: %t)\n", p.Name, p.Enabled)
			if p.Description != "" {
				fmt.Fprintf(out, "  %s\n", p.Description)
			}
			if p.Source != "" {
				fmt.Fprintf(out, "  source: %s\n", p.Source)
			}
			fmt.Fprintf(out, "\n%s", p.Rego)
			if !strings.HasSuffix(p.Rego, "\n") {
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	return cmd
}

type policyCheckResult struct {
	Issue      engine.DriftIssue  `json:"issue"`
	Violations []policy.Violation `json:"violations"`
}

func newPolicyCheckCommand() *cobra.Command {
	var enable []string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate every policy against the current drift",
		Long: `Collect live state, detect drift and report, for every issue, each
policy that would deny its fix. Nothing is applied and no cycle is recorded.

--enable switches on policies that the config disables, for this check only.`,
		Example: `  # Which fixes would policies hold back?
  autoinfra policy check

  # Include a policy that is disabled in autoinfra.yaml
  autoinfra policy check --enable secret-env`,
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

			guard, err := newGuard(cmd.Context(), cfg.Policy, log.Logger)
			if err != nil {
				return err
			}
			defer guard.Close()
			for _, name := range enable {
				if err := guard.EnablePolicy(name); err != nil {
					return err
				}
			}

			sources, err := newCollector(cfg.Collectors, log.Logger)
			if err != nil {
				return err
			}
			snap, err := sources.Collect(cmd.Context(), p)
			if err != nil {
				return err
			}

			drift := engine.Detect(p, snap)
			results := make([]policyCheckResult, 0, len(drift.Issues))
			for _, issue := range drift.Issues {
				violations, err := guard.Evaluate(cmd.Context(), issue, p)
				if err != nil {
					return err
				}
				if violations == nil {
					violations = []policy.Violation{}
				}
				results = append(results, policyCheckResult{Issue: issue, Violations: violations})
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, results)
			}
			if len(results) == 0 {
				fmt.Fprintln(out, "No drift detected")
				return nil
			}

			table := report.NewTable(out, []string{"Issue", "Policy", "Message"})
			for _, r := range results {
				label := fmt.Sprintf("%s :: %s :: %s", r.Issue.ResourceType, r.Issue.ResourceID, r.Issue.FieldPath)
				if len(r.Violations) == 0 {
					table.Append([]string{label, "-", "allowed"})
					continue
				}
				for _, v := range r.Violations {
					table.Append([]string{label, v.Policy, v.Message})
				}
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&enable, "enable", nil, "policies to switch on for this check")

	return cmd
}
