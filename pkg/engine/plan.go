package engine

import (
	"encoding/json"
	"fmt"
)

// Cloud is the target cloud provider of a plan.
type Cloud string

const (
	CloudAWS   Cloud = "aws"
	CloudGCP   Cloud = "gcp"
	CloudAzure Cloud = "azure"
)

// DeploymentMode selects which target systems realize the plan.
type DeploymentMode string

const (
	// DeploymentKubernetes runs services on a cluster, with cloud resources in Terraform.
	DeploymentKubernetes DeploymentMode = "kubernetes"

	// DeploymentServerless runs services as cloud functions managed by Terraform.
	DeploymentServerless DeploymentMode = "serverless"

	// DeploymentHybrid mixes both; every service gets cluster and Terraform resources.
	DeploymentHybrid DeploymentMode = "hybrid"
)

// UsesCluster reports whether the mode produces Kubernetes resources.
func (m DeploymentMode) UsesCluster() bool {
	return m == DeploymentKubernetes || m == DeploymentHybrid
}

// Runtime is the language runtime of a service.
type Runtime string

const (
	RuntimeNode   Runtime = "node"
	RuntimePython Runtime = "python"
	RuntimeGo     Runtime = "go"
	RuntimeDocker Runtime = "docker"
)

// ServiceType discriminates the ServiceConfig variant.
type ServiceType string

const (
	ServiceTypeAPI    ServiceType = "api"
	ServiceTypeWorker ServiceType = "worker"
)

// Metric is an autoscaling signal.
type Metric string

const (
	MetricCPU        Metric = "cpu"
	MetricMemory     Metric = "memory"
	MetricRPS        Metric = "rps"
	MetricLatency    Metric = "latency"
	MetricQueueDepth Metric = "queue_depth"
)

// QueueType is the messaging backend of a queue.
type QueueType string

const (
	QueueSQS      QueueType = "sqs"
	QueuePubSub   QueueType = "pubsub"
	QueueRabbitMQ QueueType = "rabbitmq"
	QueueKafka    QueueType = "kafka"
)

// JobType distinguishes scheduled from one-off jobs.
type JobType string

const (
	JobCron   JobType = "cron"
	JobOneOff JobType = "oneoff"
)

// Plan is the declarative desired state of a project's infrastructure.
// A reconciliation cycle reads a snapshot of it and never writes it.
type Plan struct {
	Project             string            `json:"project,omitempty"`
	Version             string            `json:"version" validate:"required"`
	Cloud               Cloud             `json:"cloud" validate:"required,oneof=aws gcp azure"`
	Region              string            `json:"region" validate:"required"`
	DeploymentMode      DeploymentMode    `json:"deploymentMode" validate:"required,oneof=kubernetes serverless hybrid"`
	AutoscalingDefaults *AutoscalingRule  `json:"autoscalingDefaults,omitempty"`
	Cost                CostConfig        `json:"cost"`
	Retention           RetentionConfig   `json:"retention"`
	Services            []ServiceConfig   `json:"services" validate:"dive"`
	Queues              []QueueConfig     `json:"queues,omitempty" validate:"dive"`
	Jobs                []JobConfig       `json:"jobs,omitempty" validate:"dive"`
	Crons               []CronJob         `json:"crons,omitempty" validate:"dive"`
	Monitoring          MonitoringConfig  `json:"monitoring"`
	SelfHealing         SelfHealingPolicy `json:"selfHealing"`
}

// CostConfig bounds monthly spend.
type CostConfig struct {
	MonthlyBudgetUSD float64 `json:"monthlyBudgetUsd" validate:"gte=0"`
	HardLimit        bool    `json:"hardLimit"`

	// AlertThresholds are percentages of the budget, strictly increasing.
	AlertThresholds []float64 `json:"alertThresholds" validate:"dive,gt=0,lte=100"`
}

// RetentionConfig holds data retention windows in days. Zero means unset.
type RetentionConfig struct {
	LogsDays    int `json:"logsDays,omitempty" validate:"gte=0"`
	MetricsDays int `json:"metricsDays,omitempty" validate:"gte=0"`
	BackupsDays int `json:"backupsDays,omitempty" validate:"gte=0"`
}

// MonitoringConfig holds plan-wide alert thresholds.
type MonitoringConfig struct {
	Thresholds []MonitoringThreshold `json:"thresholds" validate:"dive"`
}

// SelfHealingPolicy governs automatic remediation.
type SelfHealingPolicy struct {
	Enabled                       bool `json:"enabled"`
	DriftDetectionIntervalMinutes int  `json:"driftDetectionIntervalMinutes" validate:"gte=1"`
	MaxAutoFixesPerRun            int  `json:"maxAutoFixesPerRun" validate:"gte=0"`
}

// AutoscalingRule scales a service on one metric.
type AutoscalingRule struct {
	Metric          Metric  `json:"metric" validate:"required,oneof=cpu memory rps latency queue_depth"`
	Target          float64 `json:"target" validate:"gt=0"`
	MinReplicas     int     `json:"minReplicas" validate:"gte=0,ltefield=MaxReplicas"`
	MaxReplicas     int     `json:"maxReplicas" validate:"gte=1"`
	CooldownSeconds int     `json:"cooldownSeconds,omitempty" validate:"gte=0"`
}

// MonitoringThreshold is an alert rule on a metric.
type MonitoringThreshold struct {
	Name       string  `json:"name" validate:"required"`
	Metric     string  `json:"metric" validate:"required"`
	Threshold  float64 `json:"threshold"`
	Comparison string  `json:"comparison" validate:"required,oneof=> >= < <="`
	Window     string  `json:"window" validate:"required"`
	Severity   string  `json:"severity" validate:"required,oneof=warning critical"`
}

// QueueConfig declares a message queue.
type QueueConfig struct {
	Name                     string    `json:"name" validate:"required"`
	Type                     QueueType `json:"type" validate:"required,oneof=sqs pubsub rabbitmq kafka"`
	RetentionSeconds         int       `json:"retentionSeconds,omitempty" validate:"gte=0"`
	VisibilityTimeoutSeconds int       `json:"visibilityTimeoutSeconds,omitempty" validate:"gte=0"`
}

// JobConfig declares a batch job run against a service.
type JobConfig struct {
	Name          string  `json:"name" validate:"required"`
	Type          JobType `json:"type" validate:"required,oneof=cron oneoff"`
	Schedule      string  `json:"schedule,omitempty" validate:"required_if=Type cron"`
	TargetService string  `json:"targetService" validate:"required"`
	Handler       string  `json:"handler" validate:"required"`
}

// CronJob declares a scheduled invocation of a service handler.
type CronJob struct {
	Name           string `json:"name" validate:"required"`
	Schedule       string `json:"schedule" validate:"required"`
	TargetService  string `json:"targetService" validate:"required"`
	Handler        string `json:"handler" validate:"required"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" validate:"gte=0"`
}

// BackupPolicy declares that a service persists data worth backing up.
type BackupPolicy struct {
	BackupsDays int `json:"backupsDays" validate:"gte=0"`
}

// ServiceBase holds the fields shared by every service variant.
type ServiceBase struct {
	Name        string                `json:"name" validate:"required"`
	Runtime     Runtime               `json:"runtime" validate:"required,oneof=node python go docker"`
	Path        string                `json:"path" validate:"required"`
	Image       string                `json:"image,omitempty"`
	Env         map[string]string     `json:"env,omitempty"`
	Autoscaling []AutoscalingRule     `json:"autoscaling,omitempty" validate:"dive"`
	Monitoring  []MonitoringThreshold `json:"monitoring,omitempty" validate:"dive"`
	Stateful    bool                  `json:"stateful,omitempty"`
	Backup      *BackupPolicy         `json:"backup,omitempty"`
}

// APISpec holds the fields of an api service.
type APISpec struct {
	Ports  []int  `json:"ports,omitempty" validate:"dive,min=1,max=65535"`
	Public bool   `json:"public,omitempty"`
	Domain string `json:"domain,omitempty" validate:"omitempty,fqdn"`
}

// WorkerSpec holds the fields of a worker service.
type WorkerSpec struct {
	Queue       string `json:"queue" validate:"required"`
	Concurrency int    `json:"concurrency,omitempty" validate:"gte=0"`
}

// ServiceConfig is a tagged variant over api and worker services. Exactly one
// of API and Worker is set; the JSON form is flat with a "type" discriminator.
type ServiceConfig struct {
	ServiceBase
	API    *APISpec
	Worker *WorkerSpec
}

// NewAPIService builds an api service.
func NewAPIService(base ServiceBase, spec APISpec) ServiceConfig {
	return ServiceConfig{ServiceBase: base, API: &spec}
}

// NewWorkerService builds a worker service.
func NewWorkerService(base ServiceBase, spec WorkerSpec) ServiceConfig {
	return ServiceConfig{ServiceBase: base, Worker: &spec}
}

// Type returns the variant discriminator.
func (s ServiceConfig) Type() ServiceType {
	switch {
	case s.API != nil:
		return ServiceTypeAPI
	case s.Worker != nil:
		return ServiceTypeWorker
	default:
		return ""
	}
}

// IsPublic reports whether the service is a public-facing api.
func (s ServiceConfig) IsPublic() bool {
	return s.API != nil && s.API.Public
}

// IsStateful reports whether the service persists data that a recreate could destroy.
func (s ServiceConfig) IsStateful() bool {
	return s.Stateful || (s.Backup != nil && s.Backup.BackupsDays > 0)
}

type apiServiceJSON struct {
	Type ServiceType `json:"type"`
	ServiceBase
	*APISpec
}

type workerServiceJSON struct {
	Type ServiceType `json:"type"`
	ServiceBase
	*WorkerSpec
}

// MarshalJSON writes the flat tagged form.
func (s ServiceConfig) MarshalJSON() ([]byte, error) {
	switch {
	case s.API != nil && s.Worker != nil:
		return nil, fmt.Errorf("service %q: both api and worker variants set", s.Name)
	case s.API != nil:
		return json.Marshal(apiServiceJSON{Type: ServiceTypeAPI, ServiceBase: s.ServiceBase, APISpec: s.API})
	case s.Worker != nil:
		return json.Marshal(workerServiceJSON{Type: ServiceTypeWorker, ServiceBase: s.ServiceBase, WorkerSpec: s.Worker})
	default:
		return nil, fmt.Errorf("service %q: no variant set", s.Name)
	}
}

// UnmarshalJSON reads the flat tagged form.
func (s *ServiceConfig) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type ServiceType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	var base ServiceBase
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}

	out := ServiceConfig{ServiceBase: base}
	switch probe.Type {
	case ServiceTypeAPI:
		var spec APISpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return err
		}
		out.API = &spec
	case ServiceTypeWorker:
		var spec WorkerSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return err
		}
		out.Worker = &spec
	default:
		return fmt.Errorf("service %q: unknown type %q (must be api or worker)", base.Name, probe.Type)
	}

	*s = out
	return nil
}

// Service looks up a service by name.
func (p *Plan) Service(name string) (ServiceConfig, bool) {
	for _, svc := range p.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// Queue looks up a queue by name.
func (p *Plan) Queue(name string) (QueueConfig, bool) {
	for _, q := range p.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueConfig{}, false
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() (*Plan, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to copy plan: %w", err)
	}
	out := &Plan{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to copy plan: %w", err)
	}
	return out, nil
}

// DefaultPlan returns the plan a new project starts from.
func DefaultPlan(project string) *Plan {
	return &Plan{
		Project:        project,
		Version:        "1.0.0",
		Cloud:          CloudAWS,
		Region:         "us-east-1",
		DeploymentMode: DeploymentKubernetes,
		Cost: CostConfig{
			MonthlyBudgetUSD: 300,
			HardLimit:        false,
			AlertThresholds:  []float64{50, 80, 100},
		},
		Retention: RetentionConfig{
			LogsDays:    30,
			MetricsDays: 60,
			BackupsDays: 7,
		},
		Services:   []ServiceConfig{},
		Monitoring: MonitoringConfig{Thresholds: []MonitoringThreshold{}},
		SelfHealing: SelfHealingPolicy{
			Enabled:                       true,
			DriftDetectionIntervalMinutes: 10,
			MaxAutoFixesPerRun:            3,
		},
	}
}
