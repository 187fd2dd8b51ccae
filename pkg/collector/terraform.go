package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	tfjson "github.com/hashicorp/terraform-json"
	"github.com/rs/zerolog"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

// TagPrefix marks resource tags that carry plan settings.
const TagPrefix = "autoinfra:"

// TerraformConfig locates the Terraform state to observe.
type TerraformConfig struct {
	// StatePath reads a state file written by "terraform show -json".
	StatePath string `yaml:"statePath" json:"statePath,omitempty"`

	// WorkDir runs "terraform show -json" in a working directory when no
	// StatePath is set.
	WorkDir string `yaml:"workDir" json:"workDir,omitempty"`

	// Binary is the terraform executable. Defaults to "terraform".
	Binary string `yaml:"binary" json:"binary,omitempty"`
}

// TerraformStateCollector observes cloud resources from Terraform state.
//
// Child modules named module.<service> realize services; their settings are
// read from resource tags with the "autoinfra:" prefix. Lambda functions,
// metric alarms, SQS queues, budgets and log groups map directly.
type TerraformStateCollector struct {
	cfg    TerraformConfig
	logger zerolog.Logger

	// run executes terraform; replaced in tests.
	run func(ctx context.Context, dir, binary string, args ...string) ([]byte, error)
}

// NewTerraformStateCollector creates a Terraform state collector.
func NewTerraformStateCollector(cfg TerraformConfig, logger zerolog.Logger) *TerraformStateCollector {
	if cfg.Binary == "" {
		cfg.Binary = "terraform"
	}
	return &TerraformStateCollector{
		cfg:    cfg,
		logger: logger.With().Str("collector", "terraform").Logger(),
		run:    runCommand,
	}
}

// Name identifies the collector in logs and spans.
func (c *TerraformStateCollector) Name() string {
	return "terraform"
}

// Collect reads the state and normalizes every recognized resource.
func (c *TerraformStateCollector) Collect(ctx context.Context, plan *engine.Plan) (*engine.LiveStateSnapshot, error) {
	data, err := c.readState(ctx)
	if err != nil {
		return nil, err
	}

	var state tfjson.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, engine.NewCollectionError("failed to parse terraform state", err).
			WithOperation("terraform.parse")
	}

	snap := engine.NewSnapshot(time.Now().UTC(), engine.ResourceTypeTerraform, engine.ResourceTypePlan)
	if state.Values == nil || state.Values.RootModule == nil {
		c.logger.Debug().Msg("Terraform state is empty")
		return snap, nil
	}

	n := normalizeModule(snap, state.Values.RootModule)
	c.logger.Debug().Int("resources", n).Str("terraform_version", state.TerraformVersion).Msg("Collected terraform state")
	return snap, nil
}

func (c *TerraformStateCollector) readState(ctx context.Context) ([]byte, error) {
	if c.cfg.StatePath != "" {
		data, err := os.ReadFile(c.cfg.StatePath)
		if err != nil {
			e := engine.NewCollectionError(fmt.Sprintf("failed to read terraform state %s", c.cfg.StatePath), err).
				WithOperation("terraform.read")
			if errors.Is(err, fs.ErrNotExist) {
				e = e.WithCode(engine.ErrCodeNotFound)
			}
			return nil, e
		}
		return data, nil
	}

	out, err := c.run(ctx, c.cfg.WorkDir, c.cfg.Binary, "show", "-json")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewCollectionError("terraform show failed", err).WithOperation("terraform.show")
	}
	return out, nil
}

func runCommand(ctx context.Context, dir, binary string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// normalizeModule walks a module tree and returns how many resources it added.
func normalizeModule(snap *engine.LiveStateSnapshot, mod *tfjson.StateModule) int {
	n := 0
	for _, r := range mod.Resources {
		if r.Mode != tfjson.ManagedResourceMode {
			continue
		}
		if res, ok := normalizeResource(r); ok {
			addMerged(snap, res)
			n++
		}
	}

	for _, child := range mod.ChildModules {
		if svc, ok := serviceModule(child.Address); ok {
			// Modules without service tags (such as ones wrapping a function) are not services.
			if res := moduleResource(svc, child); len(res.Fields) > 0 {
				snap.Add(res)
				n++
			}
		}
		n += normalizeModule(snap, child)
	}
	return n
}

// serviceModule extracts the service of a top-level module address.
func serviceModule(address string) (string, bool) {
	name, ok := strings.CutPrefix(address, "module.")
	if !ok || name == "" || strings.Contains(name, ".") || strings.Contains(name, "[") {
		return "", false
	}
	return name, true
}

func moduleResource(service string, mod *tfjson.StateModule) engine.LiveResource {
	fields := make(map[string]interface{})
	for _, r := range mod.Resources {
		for k, v := range prefixedTags(r.AttributeValues) {
			switch k {
			case "runtime", "public", "domain":
				if _, seen := fields[k]; !seen {
					fields[k] = v
				}
			}
		}
	}
	return engine.LiveResource{
		ResourceType: engine.ResourceTypeTerraform,
		ResourceID:   "module/" + service,
		Fields:       fields,
	}
}

func normalizeResource(r *tfjson.StateResource) (engine.LiveResource, bool) {
	attrs := r.AttributeValues
	tags := prefixedTags(attrs)

	switch r.Type {
	case "aws_lambda_function":
		name := stringAttr(attrs, "function_name", r.Name)
		if svc, ok := tags["service"]; ok {
			name = svc
		}
		fields := map[string]interface{}{}
		if rt := lambdaRuntime(attrs); rt != "" {
			fields["runtime"] = rt
		}
		for _, k := range []string{"public", "domain"} {
			if v, ok := tags[k]; ok {
				fields[k] = v
			}
		}
		return terraformResource("function/"+name, fields), true

	case "aws_cloudwatch_metric_alarm":
		fields := map[string]interface{}{
			"monitoring.metric":     stringAttr(attrs, "metric_name", ""),
			"monitoring.comparison": comparisonOperator(stringAttr(attrs, "comparison_operator", "")),
		}
		if v, ok := numberAttr(attrs, "threshold"); ok {
			fields["monitoring.threshold"] = v
		}
		if window, ok := alarmWindow(attrs); ok {
			fields["monitoring.window"] = window
		}
		if v, ok := tags["severity"]; ok {
			fields["monitoring.severity"] = v
		}
		return terraformResource("alert/"+stringAttr(attrs, "alarm_name", r.Name), fields), true

	case "aws_sqs_queue":
		fields := map[string]interface{}{"queue.type": string(engine.QueueSQS)}
		if v, ok := numberAttr(attrs, "message_retention_seconds"); ok {
			fields["queue.retentionSeconds"] = v
		}
		if v, ok := numberAttr(attrs, "visibility_timeout_seconds"); ok {
			fields["queue.visibilityTimeoutSeconds"] = v
		}
		name := strings.TrimSuffix(stringAttr(attrs, "name", r.Name), ".fifo")
		return terraformResource(engine.QueueID(name), fields), true

	case "aws_budgets_budget":
		fields := map[string]interface{}{}
		if v, err := strconv.ParseFloat(stringAttr(attrs, "limit_amount", ""), 64); err == nil {
			fields["cost.monthlyBudgetUsd"] = v
		}
		if thresholds := budgetThresholds(attrs); len(thresholds) > 0 {
			fields["cost.alertThresholds"] = thresholds
		}
		if v, ok := tags["hardLimit"]; ok {
			fields["cost.hardLimit"] = v
		}
		return engine.LiveResource{ResourceType: engine.ResourceTypePlan, ResourceID: engine.BudgetResourceID, Fields: fields}, true

	case "aws_cloudwatch_log_group":
		kind, ok := tags["retention"]
		if !ok {
			return engine.LiveResource{}, false
		}
		days, ok := numberAttr(attrs, "retention_in_days")
		if !ok {
			return engine.LiveResource{}, false
		}
		return engine.LiveResource{
			ResourceType: engine.ResourceTypePlan,
			ResourceID:   engine.RetentionResourceID,
			Fields:       map[string]interface{}{"retention." + kind + "Days": days},
		}, true
	}

	return engine.LiveResource{}, false
}

// addMerged adds a resource, folding its fields into an existing entry with
// the same identity. Several log groups contribute to one retention resource.
func addMerged(snap *engine.LiveStateSnapshot, res engine.LiveResource) {
	existing, ok := snap.Lookup(res.Key())
	if !ok {
		snap.Add(res)
		return
	}
	for k, v := range res.Fields {
		existing.Fields[k] = v
	}
	snap.Add(existing)
}

func terraformResource(id string, fields map[string]interface{}) engine.LiveResource {
	return engine.LiveResource{ResourceType: engine.ResourceTypeTerraform, ResourceID: id, Fields: fields}
}

func prefixedTags(attrs map[string]interface{}) map[string]string {
	out := make(map[string]string)
	raw, ok := attrs["tags"].(map[string]interface{})
	if !ok {
		return out
	}
	for k, v := range raw {
		if name, ok := strings.CutPrefix(k, TagPrefix); ok {
			if s, ok := v.(string); ok {
				out[name] = s
			}
		}
	}
	return out
}

func stringAttr(attrs map[string]interface{}, key, fallback string) string {
	if s, ok := attrs[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func numberAttr(attrs map[string]interface{}, key string) (float64, bool) {
	switch v := attrs[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// lambdaRuntime maps a Lambda runtime identifier to a plan runtime.
func lambdaRuntime(attrs map[string]interface{}) string {
	if stringAttr(attrs, "package_type", "") == "Image" {
		return string(engine.RuntimeDocker)
	}
	rt := stringAttr(attrs, "runtime", "")
	switch {
	case strings.HasPrefix(rt, "nodejs"):
		return string(engine.RuntimeNode)
	case strings.HasPrefix(rt, "python"):
		return string(engine.RuntimePython)
	case strings.HasPrefix(rt, "go"), strings.HasPrefix(rt, "provided"):
		return string(engine.RuntimeGo)
	default:
		return rt
	}
}

func comparisonOperator(op string) string {
	switch op {
	case "GreaterThanThreshold":
		return ">"
	case "GreaterThanOrEqualToThreshold":
		return ">="
	case "LessThanThreshold":
		return "<"
	case "LessThanOrEqualToThreshold":
		return "<="
	default:
		return op
	}
}

// alarmWindow renders period * evaluation_periods in the plan's compact form.
func alarmWindow(attrs map[string]interface{}) (string, bool) {
	period, ok := numberAttr(attrs, "period")
	if !ok || period <= 0 {
		return "", false
	}
	evals, ok := numberAttr(attrs, "evaluation_periods")
	if !ok || evals <= 0 {
		evals = 1
	}
	return FormatWindow(time.Duration(period*evals) * time.Second), true
}

// FormatWindow writes a duration as "90s", "5m" or "2h".
func FormatWindow(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d >= time.Minute && d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	default:
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	}
}

func budgetThresholds(attrs map[string]interface{}) []float64 {
	notifications, ok := attrs["notification"].([]interface{})
	if !ok {
		return nil
	}
	var out []float64
	for _, n := range notifications {
		m, ok := n.(map[string]interface{})
		if !ok {
			continue
		}
		if stringAttr(m, "threshold_type", "PERCENTAGE") != "PERCENTAGE" {
			continue
		}
		if v, ok := numberAttr(m, "threshold"); ok {
			out = append(out, v)
		}
	}
	return out
}
