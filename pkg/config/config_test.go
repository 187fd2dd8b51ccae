package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/autoinfra/autoinfra/pkg/agent"
	"github.com/autoinfra/autoinfra/pkg/engine"
	"github.com/autoinfra/autoinfra/pkg/stores"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autoinfra.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Store.Path != "autoinfra.db" {
		t.Errorf("Store.Path = %s", cfg.Store.Path)
	}
	if cfg.Agent.Kind != agent.KindCommand {
		t.Errorf("Agent.Kind = %s", cfg.Agent.Kind)
	}
	if cfg.Executor.MaxParallel != engine.DefaultExecutorConfig().MaxParallel {
		t.Errorf("Executor.MaxParallel = %d", cfg.Executor.MaxParallel)
	}
	if !cfg.Collectors.Empty() {
		t.Error("no collector should be configured by default")
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("AUTOINFRA_TEST_PASSWORD", "hunter2")

	path := writeConfig(t, `
plan:
  path: plans/prod.yaml
  watch: true
store:
  path: /var/lib/autoinfra/history.db
collectors:
  terraform:
    workDir: infra
  kubectl:
    file: snapshots/k8s.json
    namespace: prod
  files:
    - snapshots/extra.json
agent:
  kind: remote
  remote:
    command: fix-agent
    ssh:
      host: builder.internal
      user: deploy
      authMethod: password
      password: ${AUTOINFRA_TEST_PASSWORD}
loop:
  cycleTimeout: 10m
  interval: 90s
executor:
  maxParallel: 2
  rateLimit: 0.5
  burst: 3
policy:
  dirs: [policies]
  disabled: [hard-cost-limit]
telemetry:
  logging:
    level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	dir := filepath.Dir(path)

	if cfg.Plan.Path != filepath.Join(dir, "plans", "prod.yaml") || !cfg.Plan.Watch {
		t.Errorf("Plan = %+v", cfg.Plan)
	}
	if cfg.Store.Path != "/var/lib/autoinfra/history.db" {
		t.Errorf("absolute store path changed: %s", cfg.Store.Path)
	}
	if cfg.Collectors.Terraform == nil || cfg.Collectors.Terraform.WorkDir != filepath.Join(dir, "infra") {
		t.Errorf("Terraform = %+v", cfg.Collectors.Terraform)
	}
	if cfg.Collectors.Kubectl == nil || cfg.Collectors.Kubectl.File != filepath.Join(dir, "snapshots", "k8s.json") {
		t.Errorf("Kubectl = %+v", cfg.Collectors.Kubectl)
	}
	if cfg.Collectors.Kubernetes != nil {
		t.Error("kubernetes collector should stay unset")
	}
	if len(cfg.Collectors.Files) != 1 || cfg.Collectors.Files[0] != filepath.Join(dir, "snapshots", "extra.json") {
		t.Errorf("Files = %v", cfg.Collectors.Files)
	}
	if cfg.Agent.Kind != agent.KindRemote || cfg.Agent.Remote.SSH.Password != "hunter2" {
		t.Errorf("Agent = %+v", cfg.Agent.Remote)
	}
	if cfg.Policy.Dirs[0] != filepath.Join(dir, "policies") || cfg.Policy.Disabled[0] != "hard-cost-limit" {
		t.Errorf("Policy = %+v", cfg.Policy)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "console" {
		t.Errorf("telemetry defaults were not kept: %+v", cfg.Telemetry.Logging)
	}

	// Defaults survive for fields the file does not set.
	if cfg.Loop.CollectTimeout != 2*time.Minute {
		t.Errorf("CollectTimeout = %s", cfg.Loop.CollectTimeout)
	}

	ec := cfg.ExecutorConfig()
	if ec.MaxParallel != 2 || ec.RateLimit != rate.Limit(0.5) || ec.Burst != 3 {
		t.Errorf("ExecutorConfig() = %+v", ec)
	}
	rc := cfg.ReconcilerConfig()
	if rc.CycleTimeout != 10*time.Minute || rc.Interval != 90*time.Second || rc.DisableSelfHealing {
		t.Errorf("ReconcilerConfig() = %+v", rc)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !filepath.IsAbs(cfg.Plan.Path) || filepath.Base(cfg.Plan.Path) != "plan.yaml" {
		t.Errorf("Plan.Path = %s", cfg.Plan.Path)
	}
}

func TestLoad_MemoryStoreKept(t *testing.T) {
	cfg, err := Load(writeConfig(t, "store:\n  path: \":memory:\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Path != stores.MemoryPath {
		t.Errorf("Store.Path = %s", cfg.Store.Path)
	}
}

func TestExecutorConfig_Unthrottled(t *testing.T) {
	if got := Default().ExecutorConfig().RateLimit; got != rate.Inf {
		t.Errorf("RateLimit = %v, want Inf", got)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		code    string
		field   string
	}{
		{name: "unknown key", content: "plan:\n  paht: x.yaml\n", code: engine.ErrCodeSchemaInvalid},
		{name: "malformed", content: "plan: [\n", code: engine.ErrCodeSchemaInvalid},
		{name: "empty plan path", content: "plan:\n  path: \"\"\n", code: engine.ErrCodeValidation, field: "plan.path"},
		{name: "bad agent kind", content: "agent:\n  kind: llm\n", code: engine.ErrCodeValidation, field: "agent.kind"},
		{name: "no workers", content: "executor:\n  maxParallel: 0\n", code: engine.ErrCodeValidation, field: "executor.maxParallel"},
		{name: "negative rate", content: "executor:\n  rateLimit: -1\n", code: engine.ErrCodeValidation, field: "executor.rateLimit"},
		{name: "bad log level", content: "telemetry:\n  logging:\n    level: loud\n", code: engine.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if !engine.IsConfigError(err) || !engine.HasCode(err, tt.code) {
				t.Fatalf("expected config error %s, got %v", tt.code, err)
			}
			if tt.field != "" && !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error should name %s: %v", tt.field, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}
