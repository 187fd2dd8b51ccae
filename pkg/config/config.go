package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/autoinfra/autoinfra/pkg/agent"
	"github.com/autoinfra/autoinfra/pkg/collector"
	"github.com/autoinfra/autoinfra/pkg/engine"
	"github.com/autoinfra/autoinfra/pkg/stores"
	"github.com/autoinfra/autoinfra/pkg/telemetry"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "autoinfra.yaml"

// Config is the daemon configuration.
type Config struct {
	Plan       PlanConfig       `yaml:"plan"`
	Store      stores.Config    `yaml:"store"`
	Collectors CollectorsConfig `yaml:"collectors"`
	Agent      agent.Config     `yaml:"agent"`
	Loop       LoopConfig       `yaml:"loop"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Policy     PolicyConfig     `yaml:"policy"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

// PlanConfig locates the deployment plan.
type PlanConfig struct {
	// Path is the plan document (.json, .yaml, .yml or .cue).
	Path string `yaml:"path" validate:"required"`

	// Watch reloads the plan when the file changes.
	Watch bool `yaml:"watch"`
}

// CollectorsConfig selects the live-state sources. Every configured source
// contributes to one composite snapshot.
type CollectorsConfig struct {
	Terraform  *collector.TerraformConfig  `yaml:"terraform,omitempty"`
	Kubernetes *collector.KubernetesConfig `yaml:"kubernetes,omitempty"`
	Kubectl    *collector.KubectlConfig    `yaml:"kubectl,omitempty"`

	// Files are normalized snapshot documents.
	Files []string `yaml:"files,omitempty"`
}

// Empty reports whether no source is configured.
func (c CollectorsConfig) Empty() bool {
	return c.Terraform == nil && c.Kubernetes == nil && c.Kubectl == nil && len(c.Files) == 0
}

// LoopConfig bounds reconciliation cycles.
type LoopConfig struct {
	CycleTimeout   time.Duration `yaml:"cycleTimeout" validate:"gte=0"`
	CollectTimeout time.Duration `yaml:"collectTimeout" validate:"gte=0"`

	// Interval overrides the plan's detection interval when set.
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

// ExecutorConfig tunes fix dispatch.
type ExecutorConfig struct {
	MaxParallel  int           `yaml:"maxParallel" validate:"gte=1"`
	MaxRetries   int           `yaml:"maxRetries" validate:"gte=0"`
	IssueTimeout time.Duration `yaml:"issueTimeout" validate:"gte=0"`
	BaseBackoff  time.Duration `yaml:"baseBackoff" validate:"gte=0"`

	// RateLimit is agent calls per second. Zero disables throttling.
	RateLimit float64 `yaml:"rateLimit" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`

	// Verify re-collects live state after every confirmed fix. Only useful
	// when agents deploy their change before returning.
	Verify bool `yaml:"verify"`
}

// PolicyConfig configures the remediation guard.
type PolicyConfig struct {
	// Dirs hold extra .rego and .json policies.
	Dirs []string `yaml:"dirs,omitempty"`

	// Watch reloads policies when a file in Dirs changes.
	Watch bool `yaml:"watch"`

	// Disabled names policies, built-in or custom, to switch off.
	Disabled []string `yaml:"disabled,omitempty"`
}

// Default returns the configuration used when a field is not set.
func Default() *Config {
	exec := engine.DefaultExecutorConfig()
	return &Config{
		Plan:  PlanConfig{Path: "plan.yaml"},
		Store: stores.Config{Path: "autoinfra.db"},
		Agent: agent.Config{Kind: agent.KindCommand},
		Loop: LoopConfig{
			CycleTimeout:   30 * time.Minute,
			CollectTimeout: 2 * time.Minute,
		},
		Executor: ExecutorConfig{
			MaxParallel:  exec.MaxParallel,
			MaxRetries:   exec.MaxRetries,
			IssueTimeout: exec.IssueTimeout,
			BaseBackoff:  exec.BaseBackoff,
			Burst:        exec.Burst,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a config file over the defaults. Environment variables in the
// file are expanded, unknown keys are rejected and relative paths resolve
// against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, engine.NewConfigError(fmt.Sprintf("config file %s not found", path), err).
				WithCode(engine.ErrCodeNotFound)
		}
		return nil, engine.NewConfigError("failed to read config file", err).WithDetail("path", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		if ee, ok := engine.AsEngineError(err); ok {
			return nil, ee.WithDetail("path", path)
		}
		return nil, err
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, engine.NewConfigError("failed to resolve config directory", err)
	}
	cfg.resolvePaths(base)
	return cfg, nil
}

// Parse decodes and validates a config document over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, engine.NewConfigError("failed to parse config", err).WithCode(engine.ErrCodeSchemaInvalid)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the telemetry section.
func (c *Config) Validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return engine.NewConfigError("failed to validate config", err)
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %q", trimRoot(fe.Namespace()), fe.Tag()))
		}
		return engine.NewConfigError("invalid config: "+strings.Join(fields, ", "), err).
			WithCode(engine.ErrCodeValidation).
			WithDetail("fields", fields)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return engine.NewConfigError("invalid telemetry config", err).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func trimRoot(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func (c *Config) resolvePaths(base string) {
	abs := func(p *string) {
		if *p != "" && *p != stores.MemoryPath && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}

	abs(&c.Plan.Path)
	abs(&c.Store.Path)
	for i := range c.Collectors.Files {
		abs(&c.Collectors.Files[i])
	}
	if t := c.Collectors.Terraform; t != nil {
		abs(&t.StatePath)
		abs(&t.WorkDir)
	}
	if k := c.Collectors.Kubernetes; k != nil {
		abs(&k.Kubeconfig)
	}
	if k := c.Collectors.Kubectl; k != nil {
		abs(&k.File)
	}
	for i := range c.Policy.Dirs {
		abs(&c.Policy.Dirs[i])
	}
	abs(&c.Agent.Command.WorkDir)
	abs(&c.Agent.Script.Path)
	abs(&c.Agent.Script.WorkDir)
	abs(&c.Agent.Wasm.Module)
	abs(&c.Agent.Wasm.WorkDir)
}

// ExecutorConfig converts the executor section for engine.NewExecutor.
func (c *Config) ExecutorConfig() engine.ExecutorConfig {
	limit := rate.Inf
	if c.Executor.RateLimit > 0 {
		limit = rate.Limit(c.Executor.RateLimit)
	}
	return engine.ExecutorConfig{
		MaxParallel:  c.Executor.MaxParallel,
		IssueTimeout: c.Executor.IssueTimeout,
		MaxRetries:   c.Executor.MaxRetries,
		BaseBackoff:  c.Executor.BaseBackoff,
		RateLimit:    limit,
		Burst:        c.Executor.Burst,
	}
}

// ReconcilerConfig converts the loop section for engine.NewReconciler.
func (c *Config) ReconcilerConfig() engine.ReconcilerConfig {
	return engine.ReconcilerConfig{
		CycleTimeout:   c.Loop.CycleTimeout,
		CollectTimeout: c.Loop.CollectTimeout,
		Interval:       c.Loop.Interval,
	}
}
