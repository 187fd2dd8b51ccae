package plan

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// Schema is the compiled structural schema of a plan document.
type Schema struct {
	ctx  *cue.Context
	plan cue.Value
}

// NewSchema compiles the built-in plan schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(builtinPlanSchema, cue.Filename("plan.schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile plan schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Plan"))
	if !def.Exists() {
		return nil, fmt.Errorf("plan schema has no #Plan definition")
	}

	return &Schema{ctx: ctx, plan: def}, nil
}

// ValidateJSON checks a JSON plan document against the schema. Unknown fields
// are violations.
func (s *Schema) ValidateJSON(data []byte) []Violation {
	doc := s.ctx.CompileBytes(data, cue.Filename("plan.json"))
	if err := doc.Err(); err != nil {
		return cueViolations(err)
	}

	unified := s.plan.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cueViolations(err)
	}
	return nil
}

// cueViolations flattens a CUE error list.
func cueViolations(err error) []Violation {
	var out []Violation
	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		out = append(out, Violation{
			Layer:   LayerSchema,
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	return out
}

const builtinPlanSchema = `
#Name: string & =~"^[a-z0-9]([a-z0-9-]*[a-z0-9])?$"

#Metric: "cpu" | "memory" | "rps" | "latency" | "queue_depth"

#AutoscalingRule: {
	metric:           #Metric
	target:           number & >0
	minReplicas:      int & >=0
	maxReplicas:      int & >=1
	cooldownSeconds?: int & >=0
}

#MonitoringThreshold: {
	name:       string & !=""
	metric:     string & !=""
	threshold:  number
	comparison: ">" | ">=" | "<" | "<="
	window:     string & !=""
	severity:   "warning" | "critical"
}

#ServiceBase: {
	name:    #Name
	runtime: "node" | "python" | "go" | "docker"
	path:    string & !=""
	image?:  string
	env?: [string]: string
	autoscaling?: [...#AutoscalingRule]
	monitoring?: [...#MonitoringThreshold]
	stateful?: bool
	backup?: {
		backupsDays: int & >=0
	}
}

#APIService: {
	#ServiceBase
	type: "api"
	ports?: [...(int & >=1 & <=65535)]
	public?: bool
	domain?: string
}

#WorkerService: {
	#ServiceBase
	type:         "worker"
	queue:        string & !=""
	concurrency?: int & >=0
}

#Queue: {
	name:                      #Name
	type:                      "sqs" | "pubsub" | "rabbitmq" | "kafka"
	retentionSeconds?:         int & >=0
	visibilityTimeoutSeconds?: int & >=0
}

#Job: {
	name:          #Name
	type:          "cron" | "oneoff"
	schedule?:     string
	targetService: string & !=""
	handler:       string & !=""
}

#Cron: {
	name:            #Name
	schedule:        string & !=""
	targetService:   string & !=""
	handler:         string & !=""
	timeoutSeconds?: int & >=0
}

#Plan: {
	project?:            string
	version:             string & =~"^v?[0-9]+(\\.[0-9]+){0,2}"
	cloud:               "aws" | "gcp" | "azure"
	region:              string & !=""
	deploymentMode:      "kubernetes" | "serverless" | "hybrid"
	autoscalingDefaults?: #AutoscalingRule

	cost: {
		monthlyBudgetUsd: number & >=0
		hardLimit:        bool
		alertThresholds: [...(number & >0 & <=100)]
	}

	retention: {
		logsDays?:    int & >=0
		metricsDays?: int & >=0
		backupsDays?: int & >=0
	}

	services: [...(#APIService | #WorkerService)]
	queues?: [...#Queue]
	jobs?: [...#Job]
	crons?: [...#Cron]

	monitoring: {
		thresholds: [...#MonitoringThreshold]
	}

	selfHealing: {
		enabled:                       bool
		driftDetectionIntervalMinutes: int & >=1
		maxAutoFixesPerRun:            int & >=0
	}
}
`
