package engine

import (
	"sort"
	"strings"
)

// FieldKind selects the equality used to compare a field with its live value.
type FieldKind int

const (
	// FieldNumber compares numerically and exactly (replica counts, targets).
	FieldNumber FieldKind = iota

	// FieldText compares strings exactly (image tags, env values).
	FieldText

	// FieldBool compares booleans.
	FieldBool

	// FieldSet compares unordered collections as sets (ports).
	FieldSet
)

// ExpectedField is one field of a resource implied by the plan.
type ExpectedField struct {
	Kind  FieldKind
	Value interface{}
}

// ExpectedResource is a resource the plan implies must exist.
type ExpectedResource struct {
	Key ResourceKey

	// Service is the owning service, empty for plan-wide resources.
	Service string

	// Required marks resources the service cannot run without.
	Required bool

	// Stateful marks resources holding data that a recreate could destroy.
	Stateful bool

	Fields map[string]ExpectedField
}

// SortedFieldPaths returns the field paths in lexical order.
func (r ExpectedResource) SortedFieldPaths() []string {
	paths := make([]string, 0, len(r.Fields))
	for p := range r.Fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Resource identifiers. Collectors use the same helpers to name what they observe.

// ServiceResourceID names the Terraform resource realizing a service.
func ServiceResourceID(mode DeploymentMode, service string) string {
	if mode == DeploymentServerless {
		return "function/" + service
	}
	return "module/" + service
}

// DeploymentID names the cluster workload of a service.
func DeploymentID(service string) string {
	return "deployment/" + service
}

// AutoscalerName is the object name of the autoscaler for one rule.
func AutoscalerName(service string, metric Metric) string {
	return service + "-" + strings.ReplaceAll(string(metric), "_", "-")
}

// AutoscalerID names the autoscaler for one rule.
func AutoscalerID(service string, metric Metric) string {
	return "hpa/" + AutoscalerName(service, metric)
}

// AlertID names an alert rule. Service-scoped alerts are prefixed with the service.
func AlertID(service, name string) string {
	if service == "" {
		return "alert/" + name
	}
	return "alert/" + service + "-" + name
}

// QueueID names a queue.
func QueueID(name string) string {
	return "queue/" + name
}

// CronJobID names a scheduled job.
func CronJobID(name string) string {
	return "cronjob/" + name
}

// Plan-level resource ids.
const (
	RetentionResourceID = "retention"
	BudgetResourceID    = "budget"
)

// DefaultImage is the image a service runs when the plan declares none.
// Without a project there is no registry path to derive.
func DefaultImage(project, service string) string {
	if project == "" {
		return ""
	}
	return "ghcr.io/" + project + "/" + service + ":latest"
}

// ExpectedResources derives every resource the plan implies, in a fixed order:
// per service (Terraform, then cluster workload, then autoscalers, then alerts),
// then plan-wide alerts, queues, scheduled jobs and plan-level settings.
func ExpectedResources(p *Plan) []ExpectedResource {
	if p == nil {
		return nil
	}

	out := make([]ExpectedResource, 0, len(p.Services)*3)
	consumed := make(map[string]bool)
	for _, svc := range p.Services {
		if svc.Worker != nil {
			consumed[svc.Worker.Queue] = true
		}
	}

	for _, svc := range p.Services {
		out = append(out, serviceResources(p, svc)...)
	}

	for _, th := range p.Monitoring.Thresholds {
		out = append(out, alertResource("", th))
	}

	for _, q := range p.Queues {
		out = append(out, queueResource(q, consumed[q.Name]))
	}

	for _, c := range p.Crons {
		out = append(out, cronResource(c.Name, c.Schedule, c.TargetService, c.Handler, c.TimeoutSeconds))
	}
	for _, j := range p.Jobs {
		// One-off jobs run to completion and leave nothing to reconcile.
		if j.Type == JobCron {
			out = append(out, cronResource(j.Name, j.Schedule, j.TargetService, j.Handler, 0))
		}
	}

	if r, ok := retentionResource(p.Retention); ok {
		out = append(out, r)
	}
	out = append(out, budgetResource(p.Cost))

	return out
}

func serviceResources(p *Plan, svc ServiceConfig) []ExpectedResource {
	var out []ExpectedResource
	stateful := svc.IsStateful()

	tf := ExpectedResource{
		Key:      ResourceKey{Type: ResourceTypeTerraform, ID: ServiceResourceID(p.DeploymentMode, svc.Name)},
		Service:  svc.Name,
		Required: true,
		Stateful: stateful,
		Fields: map[string]ExpectedField{
			"runtime": {Kind: FieldText, Value: string(svc.Runtime)},
		},
	}
	if svc.API != nil {
		tf.Fields["public"] = ExpectedField{Kind: FieldBool, Value: svc.API.Public}
		if svc.API.Domain != "" {
			tf.Fields["domain"] = ExpectedField{Kind: FieldText, Value: svc.API.Domain}
		}
	}
	out = append(out, tf)

	if !p.DeploymentMode.UsesCluster() {
		for _, th := range svc.Monitoring {
			out = append(out, alertResource(svc.Name, th))
		}
		return out
	}

	deploy := ExpectedResource{
		Key:      ResourceKey{Type: ResourceTypeKubernetes, ID: DeploymentID(svc.Name)},
		Service:  svc.Name,
		Required: true,
		Stateful: stateful,
		Fields:   make(map[string]ExpectedField),
	}
	image := svc.Image
	if image == "" {
		image = DefaultImage(p.Project, svc.Name)
	}
	if image != "" {
		deploy.Fields["image"] = ExpectedField{Kind: FieldText, Value: image}
	}
	for k, v := range svc.Env {
		deploy.Fields["env."+k] = ExpectedField{Kind: FieldText, Value: v}
	}
	if svc.API != nil && len(svc.API.Ports) > 0 {
		ports := make([]interface{}, len(svc.API.Ports))
		for i, port := range svc.API.Ports {
			ports[i] = port
		}
		deploy.Fields["ports"] = ExpectedField{Kind: FieldSet, Value: ports}
	}
	if svc.Worker != nil {
		deploy.Fields["queue"] = ExpectedField{Kind: FieldText, Value: svc.Worker.Queue}
		if svc.Worker.Concurrency > 0 {
			deploy.Fields["concurrency"] = ExpectedField{Kind: FieldNumber, Value: svc.Worker.Concurrency}
		}
	}
	out = append(out, deploy)

	rules := svc.Autoscaling
	if len(rules) == 0 && p.AutoscalingDefaults != nil {
		rules = []AutoscalingRule{*p.AutoscalingDefaults}
	}
	for _, rule := range rules {
		hpa := ExpectedResource{
			Key:     ResourceKey{Type: ResourceTypeKubernetes, ID: AutoscalerID(svc.Name, rule.Metric)},
			Service: svc.Name,
			Fields: map[string]ExpectedField{
				"autoscaling.minReplicas": {Kind: FieldNumber, Value: rule.MinReplicas},
				"autoscaling.maxReplicas": {Kind: FieldNumber, Value: rule.MaxReplicas},
				"autoscaling.target":      {Kind: FieldNumber, Value: rule.Target},
			},
		}
		if rule.CooldownSeconds > 0 {
			hpa.Fields["autoscaling.cooldownSeconds"] = ExpectedField{Kind: FieldNumber, Value: rule.CooldownSeconds}
		}
		out = append(out, hpa)
	}

	for _, th := range svc.Monitoring {
		out = append(out, alertResource(svc.Name, th))
	}
	return out
}

func alertResource(service string, th MonitoringThreshold) ExpectedResource {
	return ExpectedResource{
		Key:     ResourceKey{Type: ResourceTypeTerraform, ID: AlertID(service, th.Name)},
		Service: service,
		Fields: map[string]ExpectedField{
			"monitoring.metric":     {Kind: FieldText, Value: th.Metric},
			"monitoring.threshold":  {Kind: FieldNumber, Value: th.Threshold},
			"monitoring.comparison": {Kind: FieldText, Value: th.Comparison},
			"monitoring.window":     {Kind: FieldText, Value: th.Window},
			"monitoring.severity":   {Kind: FieldText, Value: th.Severity},
		},
	}
}

func queueResource(q QueueConfig, consumed bool) ExpectedResource {
	r := ExpectedResource{
		Key:      ResourceKey{Type: ResourceTypeTerraform, ID: QueueID(q.Name)},
		Required: consumed,
		Stateful: q.RetentionSeconds > 0,
		Fields: map[string]ExpectedField{
			"queue.type": {Kind: FieldText, Value: string(q.Type)},
		},
	}
	if q.RetentionSeconds > 0 {
		r.Fields["queue.retentionSeconds"] = ExpectedField{Kind: FieldNumber, Value: q.RetentionSeconds}
	}
	if q.VisibilityTimeoutSeconds > 0 {
		r.Fields["queue.visibilityTimeoutSeconds"] = ExpectedField{Kind: FieldNumber, Value: q.VisibilityTimeoutSeconds}
	}
	return r
}

func cronResource(name, schedule, target, handler string, timeout int) ExpectedResource {
	r := ExpectedResource{
		Key:     ResourceKey{Type: ResourceTypeKubernetes, ID: CronJobID(name)},
		Service: target,
		Fields: map[string]ExpectedField{
			"cron.schedule":      {Kind: FieldText, Value: schedule},
			"cron.targetService": {Kind: FieldText, Value: target},
			"cron.handler":       {Kind: FieldText, Value: handler},
		},
	}
	if timeout > 0 {
		r.Fields["cron.timeoutSeconds"] = ExpectedField{Kind: FieldNumber, Value: timeout}
	}
	return r
}

func retentionResource(rc RetentionConfig) (ExpectedResource, bool) {
	fields := make(map[string]ExpectedField)
	if rc.LogsDays > 0 {
		fields["retention.logsDays"] = ExpectedField{Kind: FieldNumber, Value: rc.LogsDays}
	}
	if rc.MetricsDays > 0 {
		fields["retention.metricsDays"] = ExpectedField{Kind: FieldNumber, Value: rc.MetricsDays}
	}
	if rc.BackupsDays > 0 {
		fields["retention.backupsDays"] = ExpectedField{Kind: FieldNumber, Value: rc.BackupsDays}
	}
	if len(fields) == 0 {
		return ExpectedResource{}, false
	}
	return ExpectedResource{
		Key:    ResourceKey{Type: ResourceTypePlan, ID: RetentionResourceID},
		Fields: fields,
	}, true
}

func budgetResource(c CostConfig) ExpectedResource {
	r := ExpectedResource{
		Key: ResourceKey{Type: ResourceTypePlan, ID: BudgetResourceID},
		Fields: map[string]ExpectedField{
			"cost.monthlyBudgetUsd": {Kind: FieldNumber, Value: c.MonthlyBudgetUSD},
			"cost.hardLimit":        {Kind: FieldBool, Value: c.HardLimit},
		},
	}
	if len(c.AlertThresholds) > 0 {
		thresholds := make([]interface{}, len(c.AlertThresholds))
		for i, t := range c.AlertThresholds {
			thresholds[i] = t
		}
		r.Fields["cost.alertThresholds"] = ExpectedField{Kind: FieldSet, Value: thresholds}
	}
	return r
}
