package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

// TableRenderer prints cycle reports as tables.
type TableRenderer struct {
	mu  sync.Mutex
	out io.Writer

	critical *color.Color
	warning  *color.Color
	info     *color.Color
	good     *color.Color
	bold     *color.Color
}

var _ engine.ReportSink = (*TableRenderer)(nil)

// NewTableRenderer writes to out. colorize false prints plain text.
func NewTableRenderer(out io.Writer, colorize bool) *TableRenderer {
	r := &TableRenderer{
		out:      out,
		critical: color.New(color.FgRed, color.Bold),
		warning:  color.New(color.FgYellow),
		info:     color.New(color.FgCyan),
		good:     color.New(color.FgGreen),
		bold:     color.New(color.Bold),
	}
	for _, c := range []*color.Color{r.critical, r.warning, r.info, r.good, r.bold} {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r
}

// Emit renders the report.
func (r *TableRenderer) Emit(_ context.Context, report *engine.CycleReport) error {
	return r.Render(report)
}

// Render prints the header, the detected issues and the remediation outcome.
func (r *TableRenderer) Render(report *engine.CycleReport) error {
	if report == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.bold.Fprintf(r.out, "Cycle %s (%s) %s in %s\n", report.ID, report.Trigger, report.Status, report.Duration().Round(time.Millisecond))

	if report.Status == engine.CycleFailed {
		r.critical.Fprintf(r.out, "Failed while %s: %s\n", report.FailedIn, report.Error)
		return nil
	}

	if !report.Report.HasDrift {
		r.good.Fprintln(r.out, "No drift detected")
		return nil
	}

	table := r.newTable([]string{"Issue", "Expected", "Actual", "Severity | Strategy"})
	for _, issue := range report.Report.Issues {
		table.Append([]string{
			IssueLabel(issue),
			FormatValue(issue.Expected),
			FormatValue(issue.Actual),
			r.severity(issue.Severity) + " | " + string(issue.FixStrategy),
		})
	}
	table.Render()

	if len(report.Result.Applied) > 0 {
		fmt.Fprintln(r.out)
		r.good.Fprintf(r.out, "Applied fixes (%d)\n", len(report.Result.Applied))
		applied := r.newTable([]string{"Issue", "Strategy", "Attempts", "Message"})
		for _, fix := range report.Result.Applied {
			applied.Append([]string{
				fmt.Sprintf("%s :: %s :: %s", fix.ResourceType, fix.ResourceID, fix.FieldPath),
				string(fix.FixStrategy),
				fmt.Sprintf("%d", fix.Attempts),
				fix.Message,
			})
		}
		applied.Render()
	}

	if len(report.Result.RemainingIssues) > 0 {
		fmt.Fprintln(r.out)
		r.warning.Fprintf(r.out, "Needs review (%d)\n", len(report.Result.RemainingIssues))
		remaining := r.newTable([]string{"Issue", "Strategy", "Reason", "Detail"})
		for _, rem := range report.Result.RemainingIssues {
			remaining.Append([]string{
				IssueLabel(rem.DriftIssue),
				string(rem.FixStrategy),
				string(rem.Reason),
				rem.Detail,
			})
		}
		remaining.Render()
	}

	s := Summarize(report)
	fmt.Fprintf(r.out, "\n%d issues (%d critical, %d warning, %d info), %d fixed, %d remaining\n",
		s.Issues, s.Critical, s.Warning, s.Info, s.Applied, s.Remaining)
	return nil
}

func (r *TableRenderer) newTable(header []string) *tablewriter.Table {
	return NewTable(r.out, header)
}

// NewTable returns a borderless, left-aligned table in the renderer's style.
func NewTable(out io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetColumnSeparator(" ")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func (r *TableRenderer) severity(s engine.Severity) string {
	switch s {
	case engine.SeverityCritical:
		return r.critical.Sprint(s)
	case engine.SeverityWarning:
		return r.warning.Sprint(s)
	default:
		return r.info.Sprint(s)
	}
}

// IssueLabel renders the identity of an issue as
// "resourceType :: resourceId :: fieldPath".
func IssueLabel(issue engine.DriftIssue) string {
	return fmt.Sprintf("%s :: %s :: %s", issue.ResourceType, issue.ResourceID, issue.FieldPath)
}

// FormatValue renders an expected or actual value for display.
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "(absent)"
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// Summary counts the issues of a report.
type Summary struct {
	Issues    int `json:"issues"`
	Critical  int `json:"critical"`
	Warning   int `json:"warning"`
	Info      int `json:"info"`
	Applied   int `json:"applied"`
	Remaining int `json:"remaining"`
}

// Summarize counts issues by severity and outcome.
func Summarize(report *engine.CycleReport) Summary {
	s := Summary{
		Issues:    len(report.Report.Issues),
		Applied:   report.Result.AppliedFixes,
		Remaining: len(report.Result.RemainingIssues),
	}
	for _, issue := range report.Report.Issues {
		switch issue.Severity {
		case engine.SeverityCritical:
			s.Critical++
		case engine.SeverityWarning:
			s.Warning++
		default:
			s.Info++
		}
	}
	return s
}
