package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

var started = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func driftReport() *engine.CycleReport {
	env := engine.DriftIssue{
		ID:           engine.IssueID(engine.ResourceTypeKubernetes, "deployment/api", "env.LOG_LEVEL"),
		ResourceType: engine.ResourceTypeKubernetes,
		ResourceID:   "deployment/api",
		FieldPath:    "env.LOG_LEVEL",
		Expected:     "info",
		Actual:       "debug",
		Severity:     engine.SeverityWarning,
		FixStrategy:  engine.FixApply,
	}
	missing := engine.DriftIssue{
		ID:           engine.IssueID(engine.ResourceTypeTerraform, "module/api", engine.FieldPathResource),
		ResourceType: engine.ResourceTypeTerraform,
		ResourceID:   "module/api",
		FieldPath:    engine.FieldPathResource,
		Expected:     engine.ValuePresent,
		Actual:       nil,
		Severity:     engine.SeverityCritical,
		FixStrategy:  engine.FixApply,
	}
	ports := engine.DriftIssue{
		ID:           engine.IssueID(engine.ResourceTypeKubernetes, "deployment/api", "ports"),
		ResourceType: engine.ResourceTypeKubernetes,
		ResourceID:   "deployment/api",
		FieldPath:    "ports",
		Expected:     []interface{}{8080},
		Actual:       []interface{}{9090},
		Severity:     engine.SeverityInfo,
		FixStrategy:  engine.FixManual,
	}

	return &engine.CycleReport{
		ID:          "cycle-7",
		Trigger:     engine.TriggerOnDemand,
		Status:      engine.CycleCompleted,
		StartedAt:   started,
		CompletedAt: started.Add(1500 * time.Millisecond),
		Report:      engine.NewDriftReport([]engine.DriftIssue{env, missing, ports}),
		Result: engine.RemediationResult{
			AppliedFixes: 1,
			Applied: []engine.AppliedFix{{
				IssueID: env.ID, ResourceType: env.ResourceType, ResourceID: env.ResourceID,
				FieldPath: env.FieldPath, FixStrategy: env.FixStrategy, Message: "patched env", Attempts: 1,
			}},
			RemainingIssues: []engine.RemainingIssue{
				{DriftIssue: missing, Reason: engine.ReasonBudgetExceeded},
				{DriftIssue: ports, Reason: engine.ReasonDeferredManual},
			},
		},
	}
}

func TestTableRenderer_Drift(t *testing.T) {
	var buf bytes.Buffer
	if err := NewTableRenderer(&buf, false).Render(driftReport()); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"Cycle cycle-7 (on_demand) completed in 1.5s",
		"kubernetes :: deployment/api :: env.LOG_LEVEL",
		"terraform :: module/api :: $",
		"warning | apply",
		"critical | apply",
		"info | manual",
		"(absent)",
		"[8080]",
		"patched env",
		"budget_exceeded",
		"deferred_manual",
		"3 issues (1 critical, 1 warning, 1 info), 1 fixed, 2 remaining",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("plain output should carry no escape codes")
	}
}

func TestTableRenderer_Color(t *testing.T) {
	var buf bytes.Buffer
	_ = NewTableRenderer(&buf, true).Render(driftReport())
	if !strings.Contains(buf.String(), "\x1b[") {
		t.Error("colored output should carry escape codes")
	}
}

func TestTableRenderer_NoDriftAndFailure(t *testing.T) {
	tests := []struct {
		name   string
		report *engine.CycleReport
		want   string
	}{
		{
			name: "clean",
			report: &engine.CycleReport{
				ID: "c1", Trigger: engine.TriggerPeriodic, Status: engine.CycleCompleted,
				StartedAt: started, CompletedAt: started, Report: engine.NewDriftReport(nil),
			},
			want: "No drift detected",
		},
		{
			name: "failed",
			report: &engine.CycleReport{
				ID: "c2", Trigger: engine.TriggerPeriodic, Status: engine.CycleFailed,
				FailedIn: engine.StateCollecting, Error: "cluster unreachable",
				StartedAt: started, CompletedAt: started, Report: engine.NewDriftReport(nil),
			},
			want: "Failed while collecting: cluster unreachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := NewTableRenderer(&buf, false).Emit(context.Background(), tt.report); err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, buf.String())
			}
		})
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{nil, "(absent)"},
		{"info", "info"},
		{3, "3"},
		{true, "true"},
		{map[string]interface{}{"a": 1}, `{"a":1}`},
	}
	for _, tt := range tests {
		if got := FormatValue(tt.in); got != tt.want {
			t.Errorf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJSONSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONSink(&buf)

	if err := sink.Emit(context.Background(), driftReport()); err != nil {
		t.Fatal(err)
	}
	if err := sink.Emit(context.Background(), driftReport()); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var decoded engine.CycleReport
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("line is not a report: %v", err)
	}
	if decoded.ID != "cycle-7" || len(decoded.Report.Issues) != 3 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestMulti(t *testing.T) {
	var calls []string
	failing := SinkFunc(func(ctx context.Context, r *engine.CycleReport) error {
		calls = append(calls, "failing")
		return errors.New("disk full")
	})
	recording := SinkFunc(func(ctx context.Context, r *engine.CycleReport) error {
		calls = append(calls, "recording")
		return nil
	})

	err := Multi{failing, nil, recording}.Emit(context.Background(), driftReport())
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected joined error, got %v", err)
	}
	if len(calls) != 2 || calls[1] != "recording" {
		t.Errorf("every sink should be tried, calls = %v", calls)
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(driftReport())
	want := Summary{Issues: 3, Critical: 1, Warning: 1, Info: 1, Applied: 1, Remaining: 2}
	if s != want {
		t.Errorf("Summarize() = %+v, want %+v", s, want)
	}
}
