package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

// Validation layers, in the order they run.
const (
	LayerSchema   = "schema"
	LayerStruct   = "struct"
	LayerSemantic = "semantic"
	LayerVersion  = "version"
)

// SupportedMajorVersion is the plan document major version this build reads.
const SupportedMajorVersion = 1

// Violation is one reason a plan document is invalid.
type Violation struct {
	Layer   string `json:"layer"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// Validator checks plans layer by layer: the structural schema, struct tags,
// cross-field invariants and the document version.
type Validator struct {
	schema   *Schema
	validate *validator.Validate
}

// NewValidator creates a validator with the built-in schema.
func NewValidator() (*Validator, error) {
	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{schema: schema, validate: v}, nil
}

// Decode parses and validates a canonical JSON plan document.
func (v *Validator) Decode(data []byte) (*engine.Plan, error) {
	if violations := v.schema.ValidateJSON(data); len(violations) > 0 {
		return nil, invalid(violations)
	}

	p := &engine.Plan{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, invalid([]Violation{{Layer: LayerSchema, Message: err.Error()}})
	}

	if violations := v.check(p); len(violations) > 0 {
		return nil, invalid(violations)
	}
	return p, nil
}

// Validate checks an in-memory plan, such as one produced by an update.
func (v *Validator) Validate(p *engine.Plan) error {
	if p == nil {
		return engine.NewConfigError("plan is nil", nil).WithCode(engine.ErrCodeNotFound)
	}
	data, err := Marshal(p)
	if err != nil {
		return invalid([]Violation{{Layer: LayerSchema, Message: err.Error()}})
	}
	if violations := v.schema.ValidateJSON(data); len(violations) > 0 {
		return invalid(violations)
	}
	if violations := v.check(p); len(violations) > 0 {
		return invalid(violations)
	}
	return nil
}

func (v *Validator) check(p *engine.Plan) []Violation {
	var out []Violation
	out = append(out, v.structViolations(p)...)
	out = append(out, semanticViolations(p)...)
	out = append(out, versionViolations(p.Version)...)
	return out
}

func (v *Validator) structViolations(p *engine.Plan) []Violation {
	err := v.validate.Struct(p)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []Violation{{Layer: LayerStruct, Message: err.Error()}}
	}

	out := make([]Violation, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fmt.Sprintf("failed on %q", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on %q (%s)", fe.Tag(), fe.Param())
		}
		out = append(out, Violation{
			Layer:   LayerStruct,
			Path:    strings.TrimPrefix(fe.Namespace(), "Plan."),
			Message: msg,
		})
	}
	return out
}

// semanticViolations checks invariants that span fields.
func semanticViolations(p *engine.Plan) []Violation {
	var out []Violation
	add := func(path, format string, args ...interface{}) {
		out = append(out, Violation{Layer: LayerSemantic, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	thresholds := p.Cost.AlertThresholds
	for i, t := range thresholds {
		if t > 100 {
			add(fmt.Sprintf("cost.alertThresholds.%d", i), "threshold %v exceeds 100", t)
		}
		if i > 0 && t <= thresholds[i-1] {
			add(fmt.Sprintf("cost.alertThresholds.%d", i), "thresholds must be strictly increasing")
		}
	}

	queues := make(map[string]bool, len(p.Queues))
	for i, q := range p.Queues {
		if queues[q.Name] {
			add(fmt.Sprintf("queues.%d.name", i), "duplicate queue %q", q.Name)
		}
		queues[q.Name] = true
	}

	services := make(map[string]bool, len(p.Services))
	for i, svc := range p.Services {
		path := fmt.Sprintf("services.%d", i)
		if services[svc.Name] {
			add(path+".name", "duplicate service %q", svc.Name)
		}
		services[svc.Name] = true

		if (svc.API == nil) == (svc.Worker == nil) {
			add(path, "service must be exactly one of api or worker")
		}
		if svc.Worker != nil && !queues[svc.Worker.Queue] {
			add(path+".queue", "queue %q is not declared", svc.Worker.Queue)
		}

		metrics := make(map[engine.Metric]bool)
		for j, rule := range svc.Autoscaling {
			rulePath := fmt.Sprintf("%s.autoscaling.%d", path, j)
			if rule.MinReplicas > rule.MaxReplicas {
				add(rulePath, "minReplicas %d exceeds maxReplicas %d", rule.MinReplicas, rule.MaxReplicas)
			}
			if metrics[rule.Metric] {
				add(rulePath+".metric", "duplicate autoscaling metric %q", rule.Metric)
			}
			metrics[rule.Metric] = true
		}
	}

	if d := p.AutoscalingDefaults; d != nil && d.MinReplicas > d.MaxReplicas {
		add("autoscalingDefaults", "minReplicas %d exceeds maxReplicas %d", d.MinReplicas, d.MaxReplicas)
	}

	scheduled := make(map[string]bool)
	for i, c := range p.Crons {
		path := fmt.Sprintf("crons.%d", i)
		if scheduled[c.Name] {
			add(path+".name", "duplicate scheduled job %q", c.Name)
		}
		scheduled[c.Name] = true
		if len(strings.Fields(c.Schedule)) < 5 {
			add(path+".schedule", "schedule %q is not a cron expression", c.Schedule)
		}
		if !services[c.TargetService] {
			add(path+".targetService", "service %q is not declared", c.TargetService)
		}
	}
	for i, j := range p.Jobs {
		path := fmt.Sprintf("jobs.%d", i)
		if j.Type == engine.JobCron {
			if scheduled[j.Name] {
				add(path+".name", "duplicate scheduled job %q", j.Name)
			}
			scheduled[j.Name] = true
			if len(strings.Fields(j.Schedule)) < 5 {
				add(path+".schedule", "schedule %q is not a cron expression", j.Schedule)
			}
		}
		if !services[j.TargetService] {
			add(path+".targetService", "service %q is not declared", j.TargetService)
		}
	}

	alerts := make(map[string]bool)
	checkAlert := func(path, id string) {
		if alerts[id] {
			add(path, "duplicate alert %q", id)
		}
		alerts[id] = true
	}
	for i, th := range p.Monitoring.Thresholds {
		checkAlert(fmt.Sprintf("monitoring.thresholds.%d.name", i), engine.AlertID("", th.Name))
	}
	for i, svc := range p.Services {
		for j, th := range svc.Monitoring {
			checkAlert(fmt.Sprintf("services.%d.monitoring.%d.name", i, j), engine.AlertID(svc.Name, th.Name))
		}
	}

	return out
}

func versionViolations(version string) []Violation {
	v, err := semver.NewVersion(version)
	if err != nil {
		return []Violation{{Layer: LayerVersion, Path: "version", Message: fmt.Sprintf("invalid version %q: %v", version, err)}}
	}
	if v.Major() != SupportedMajorVersion {
		return []Violation{{
			Layer:   LayerVersion,
			Path:    "version",
			Message: fmt.Sprintf("unsupported plan version %s (supported: %d.x)", v, SupportedMajorVersion),
		}}
	}
	return nil
}

// invalid wraps violations in a SCHEMA_INVALID ConfigError.
func invalid(violations []Violation) error {
	sort.SliceStable(violations, func(i, j int) bool {
		return layerRank(violations[i].Layer) < layerRank(violations[j].Layer)
	})

	msgs := make([]string, len(violations))
	for i, v := range violations {
		msgs[i] = v.String()
	}

	msg := fmt.Sprintf("plan is invalid: %s", msgs[0])
	if len(msgs) > 1 {
		msg = fmt.Sprintf("plan is invalid: %s (and %d more)", msgs[0], len(msgs)-1)
	}
	return engine.NewConfigError(msg, nil).
		WithCode(engine.ErrCodeSchemaInvalid).
		WithDetail("violations", violations)
}

func layerRank(layer string) int {
	switch layer {
	case LayerSchema:
		return 0
	case LayerStruct:
		return 1
	case LayerSemantic:
		return 2
	default:
		return 3
	}
}

// Violations extracts the violations from a SCHEMA_INVALID error.
func Violations(err error) []Violation {
	ee, ok := engine.AsEngineError(err)
	if !ok || ee.Details == nil {
		return nil
	}
	v, _ := ee.Details["violations"].([]Violation)
	return v
}
