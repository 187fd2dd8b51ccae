package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func testPlan(hardLimit bool) *engine.Plan {
	plan := engine.DefaultPlan("acme")
	plan.Cost.HardLimit = hardLimit
	plan.Services = []engine.ServiceConfig{
		engine.NewAPIService(engine.ServiceBase{Name: "api", Runtime: engine.RuntimeGo}, engine.APISpec{Ports: []int{8080}}),
	}
	return plan
}

func envIssue(key string) engine.DriftIssue {
	path := "env." + key
	return engine.DriftIssue{
		ID:           engine.IssueID(engine.ResourceTypeKubernetes, "deployment/api", path),
		ResourceType: engine.ResourceTypeKubernetes,
		ResourceID:   "deployment/api",
		FieldPath:    path,
		Expected:     "a",
		Actual:       "b",
		Severity:     engine.SeverityWarning,
		FixStrategy:  engine.FixApply,
		Service:      "api",
	}
}

func replicaIssue(expected, actual interface{}) engine.DriftIssue {
	return engine.DriftIssue{
		ID:           engine.IssueID(engine.ResourceTypeKubernetes, "hpa/api-cpu", "autoscaling.maxReplicas"),
		ResourceType: engine.ResourceTypeKubernetes,
		ResourceID:   "hpa/api-cpu",
		FieldPath:    "autoscaling.maxReplicas",
		Expected:     expected,
		Actual:       actual,
		Severity:     engine.SeverityWarning,
		FixStrategy:  engine.FixApply,
		Service:      "api",
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) != 2 {
		t.Fatalf("expected 2 built-in policies, got %d", len(policies))
	}
	if policies[0].Name != "hard-cost-limit" || policies[1].Name != "secret-env" {
		t.Errorf("unexpected policies: %s, %s", policies[0].Name, policies[1].Name)
	}
	for _, p := range policies {
		if !p.Builtin || !p.Enabled {
			t.Errorf("policy %s should be an enabled built-in", p.Name)
		}
	}
}

func TestReview_SecretEnv(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		key     string
		allowed bool
	}{
		{"LOG_LEVEL", true},
		{"DB_PASSWORD", false},
		{"api_token", false},
		{"STRIPE_SECRET", false},
		{"AWS_ACCESS_KEY_ID", false},
		{"PORT", true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			decision, err := eng.Review(context.Background(), envIssue(tt.key), testPlan(false))
			if err != nil {
				t.Fatalf("Review() error = %v", err)
			}
			if decision.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v (%s)", decision.Allowed, tt.allowed, decision.Reason)
			}
			if !tt.allowed {
				if decision.Policy != "secret-env" {
					t.Errorf("Policy = %s, want secret-env", decision.Policy)
				}
				if !strings.Contains(decision.Reason, strings.ToUpper(tt.key)) {
					t.Errorf("Reason should name the key: %s", decision.Reason)
				}
			}
		})
	}
}

func TestReview_HardCostLimit(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name      string
		issue     engine.DriftIssue
		hardLimit bool
		allowed   bool
	}{
		{"raise under hard limit", replicaIssue(10, 5), true, false},
		{"raise without hard limit", replicaIssue(10, 5), false, true},
		{"lower under hard limit", replicaIssue(3, 5), true, true},
		{"missing live value under hard limit", replicaIssue(10, nil), true, false},
		{"other field under hard limit", envIssue("LOG_LEVEL"), true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Review(context.Background(), tt.issue, testPlan(tt.hardLimit))
			if err != nil {
				t.Fatalf("Review() error = %v", err)
			}
			if decision.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v (%s)", decision.Allowed, tt.allowed, decision.Reason)
			}
			if !decision.Allowed && decision.Policy != "hard-cost-limit" {
				t.Errorf("Policy = %s", decision.Policy)
			}
		})
	}
}

func TestReview_NilPlan(t *testing.T) {
	eng := newTestEngine(t)
	decision, err := eng.Review(context.Background(), replicaIssue(10, 5), nil)
	if err != nil {
		t.Fatalf("Review() error = %v", err)
	}
	if !decision.Allowed {
		t.Errorf("without a plan there is no hard limit, got %+v", decision)
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.DisablePolicy("secret-env"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	decision, err := eng.Review(context.Background(), envIssue("DB_PASSWORD"), testPlan(false))
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Allowed {
		t.Error("disabled policy should not deny")
	}

	if err := eng.EnablePolicy("secret-env"); err != nil {
		t.Fatal(err)
	}
	decision, _ = eng.Review(context.Background(), envIssue("DB_PASSWORD"), testPlan(false))
	if decision.Allowed {
		t.Error("re-enabled policy should deny")
	}

	if err := eng.DisablePolicy("nope"); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

const frozenServicePolicy = `package autoinfra.remediation

import rego.v1

# No automatic changes to the billing service.

deny contains {"message": "billing is frozen"} if {
	input.service.name == "billing"
}
`

const serviceTypePolicy = `package autoinfra.remediation

import rego.v1

deny contains "workers are reviewed by hand" if {
	input.service.type == "worker"
}
`

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writePolicy(t, dir, "frozen.rego", frozenServicePolicy)
	writePolicy(t, dir, "workers.rego", serviceTypePolicy)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	if got := len(eng.ListPolicies()); got != 4 {
		t.Fatalf("expected 4 policies, got %d", got)
	}

	plan := testPlan(false)
	plan.Services = append(plan.Services,
		engine.NewAPIService(engine.ServiceBase{Name: "billing", Runtime: engine.RuntimeGo}, engine.APISpec{}),
		engine.NewWorkerService(engine.ServiceBase{Name: "mailer", Runtime: engine.RuntimeGo}, engine.WorkerSpec{Queue: "mail", Concurrency: 1}),
	)

	billing := envIssue("LOG_LEVEL")
	billing.Service = "billing"
	decision, err := eng.Review(context.Background(), billing, plan)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Allowed || decision.Policy != "frozen" || decision.Reason != "billing is frozen" {
		t.Errorf("decision = %+v", decision)
	}

	mailer := envIssue("LOG_LEVEL")
	mailer.Service = "mailer"
	decision, _ = eng.Review(context.Background(), mailer, plan)
	if decision.Allowed || decision.Policy != "workers" {
		t.Errorf("decision = %+v", decision)
	}

	decision, _ = eng.Review(context.Background(), envIssue("LOG_LEVEL"), plan)
	if !decision.Allowed {
		t.Errorf("api issue should pass, got %+v", decision)
	}

	// Reloading from an empty set drops custom policies and keeps built-ins.
	if err := eng.LoadPolicies(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if got := len(eng.ListPolicies()); got != 2 {
		t.Errorf("expected built-ins only, got %d", got)
	}
}

func TestDisablePolicy_SurvivesReload(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writePolicy(t, dir, "frozen.rego", frozenServicePolicy)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}
	if err := eng.DisablePolicy("frozen"); err != nil {
		t.Fatal(err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}
	p, err := eng.GetPolicy("frozen")
	if err != nil {
		t.Fatal(err)
	}
	if p.Enabled {
		t.Error("reload re-enabled a disabled policy")
	}
}

func TestLoadPolicies_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		rego string
	}{
		{"syntax error", "broken.rego", "package autoinfra.remediation\n\ndeny contains msg if {\n"},
		{"wrong package", "other.rego", "package other\n\nimport rego.v1\n\ndeny contains \"x\" if { true }\n"},
		{"shadows built-in", "secret-env.rego", frozenServicePolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t)
			dir := t.TempDir()
			writePolicy(t, dir, "frozen.rego", frozenServicePolicy)
			if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
				t.Fatal(err)
			}

			bad := t.TempDir()
			writePolicy(t, bad, tt.file, tt.rego)
			err := eng.LoadPolicies(context.Background(), []string{bad})
			if !engine.IsConfigError(err) {
				t.Fatalf("expected config error, got %v", err)
			}

			// The previous custom set survives a failed load.
			if _, err := eng.GetPolicy("frozen"); err != nil {
				t.Errorf("previous policy was dropped: %v", err)
			}
		})
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}); !engine.IsConfigError(err) {
		t.Errorf("expected config error for missing path, got %v", err)
	}
}

func TestEvaluate_AllViolations(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writePolicy(t, dir, "no-env.rego", `package autoinfra.remediation

import rego.v1

deny contains "env changes are frozen" if {
	startswith(input.issue.fieldPath, "env.")
}
`)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}

	violations, err := eng.Evaluate(context.Background(), envIssue("API_TOKEN"), testPlan(false))
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) != 2 {
		t.Fatalf("expected 2 violations, got %+v", violations)
	}
	if violations[0].Policy != "no-env" || violations[1].Policy != "secret-env" {
		t.Errorf("violations not in policy order: %+v", violations)
	}

	decision, _ := eng.Review(context.Background(), envIssue("API_TOKEN"), testPlan(false))
	if decision.Policy != "no-env" {
		t.Errorf("first policy in name order decides, got %s", decision.Policy)
	}
}

func writePolicy(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
}
