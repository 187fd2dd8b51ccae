package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/autoinfra/autoinfra/pkg/report"
	"github.com/autoinfra/autoinfra/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit   int
		cycleID string
		audit   bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show stored reconciliation cycles",
		Long: `Show the cycles recorded in the audit store, newest first.

With --cycle, list the issues of one cycle with their outcome: applied,
remaining (with the reason) or detected only. With --audit, list explicit
plan updates instead.`,
		Example: `  # Last 20 cycles
  autoinfra history

  # Issues of one cycle
  autoinfra history --cycle 3f2c9a7e-...

  # Plan updates made with "autoinfra plan set"
  autoinfra history --audit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := stores.Open(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			switch {
			case audit:
				entries, err := store.ListAuditEntries(cmd.Context(), "", limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, entries)
				}
				renderAudit(out, entries)

			case cycleID != "":
				if _, err := store.GetCycle(cmd.Context(), cycleID); err != nil {
					return err
				}
				issues, err := store.ListIssues(cmd.Context(), cycleID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, issues)
				}
				renderIssues(out, issues)

			default:
				cycles, err := store.ListCycles(cmd.Context(), limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, cycles)
				}
				renderCycles(out, cycles)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries, 0 for all")
	cmd.Flags().StringVar(&cycleID, "cycle", "", "show the issues of one cycle")
	cmd.Flags().BoolVar(&audit, "audit", false, "show plan updates instead of cycles")
	cmd.MarkFlagsMutuallyExclusive("cycle", "audit")

	return cmd
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderCycles(out io.Writer, cycles []*stores.CycleRecord) {
	if len(cycles) == 0 {
		fmt.Fprintln(out, "No cycles recorded")
		return
	}
	table := report.NewTable(out, []string{"Cycle", "Started", "Trigger", "Status", "Duration", "Issues", "Fixed", "Remaining"})
	for _, c := range cycles {
		status := string(c.Status)
		if c.FailedIn != "" {
			status += " (" + string(c.FailedIn) + ")"
		}
		table.Append([]string{
			c.ID,
			c.StartedAt.Local().Format(time.DateTime),
			string(c.Trigger),
			status,
			c.Duration().Round(time.Millisecond).String(),
			strconv.Itoa(c.IssueCount),
			strconv.Itoa(c.AppliedFixes),
			strconv.Itoa(c.RemainingCount),
		})
	}
	table.Render()
}

func renderIssues(out io.Writer, issues []*stores.IssueRecord) {
	if len(issues) == 0 {
		fmt.Fprintln(out, "No drift detected")
		return
	}
	table := report.NewTable(out, []string{"Issue", "Expected", "Actual", "Severity", "Strategy", "Outcome", "Reason"})
	for _, i := range issues {
		reason := string(i.Reason)
		if i.Attempts > 0 {
			reason = fmt.Sprintf("%s after %d attempts", reason, i.Attempts)
		}
		table.Append([]string{
			fmt.Sprintf("%s :: %s :: %s", i.ResourceType, i.ResourceID, i.FieldPath),
			rawValue(i.Expected),
			rawValue(i.Actual),
			string(i.Severity),
			string(i.FixStrategy),
			string(i.Outcome),
			reason,
		})
	}
	table.Render()
}

func renderAudit(out io.Writer, entries []*stores.AuditEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No plan updates recorded")
		return
	}
	table := report.NewTable(out, []string{"When", "Actor", "Action", "Target", "Before", "After", "Version"})
	for _, e := range entries {
		table.Append([]string{
			e.Timestamp.Local().Format(time.DateTime),
			e.Actor,
			e.Action,
			e.Target,
			rawValue(e.Before),
			rawValue(e.After),
			e.PlanVersion,
		})
	}
	table.Render()
}

func rawValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return report.FormatValue(nil)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return report.FormatValue(v)
}
