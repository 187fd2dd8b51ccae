package policy

import (
	"github.com/autoinfra/autoinfra/pkg/engine"
)

// DenyQuery is the rule every remediation policy contributes to.
const DenyQuery = "data.autoinfra.remediation.deny"

// PolicyPackage is the Rego package remediation policies must declare.
const PolicyPackage = "data.autoinfra.remediation"

// Policy is a Rego module evaluated against every automatic fix.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description,omitempty"`

	// Rego contains the policy source.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the binary. Reloads never drop them.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Input is the document policies see as `input`.
type Input struct {
	Issue   engine.DriftIssue     `json:"issue"`
	Service *engine.ServiceConfig `json:"service,omitempty"`
	Plan    PlanContext           `json:"plan"`
}

// PlanContext is the part of the plan a policy may inspect.
type PlanContext struct {
	Project        string                `json:"project,omitempty"`
	Cloud          engine.Cloud          `json:"cloud"`
	DeploymentMode engine.DeploymentMode `json:"deploymentMode"`
	Cost           engine.CostConfig     `json:"cost"`
}

// NewInput builds the policy input for one issue. plan may be nil.
func NewInput(issue engine.DriftIssue, plan *engine.Plan) *Input {
	in := &Input{Issue: issue}
	if plan == nil {
		return in
	}
	in.Plan = PlanContext{
		Project:        plan.Project,
		Cloud:          plan.Cloud,
		DeploymentMode: plan.DeploymentMode,
		Cost:           plan.Cost,
	}
	if issue.Service != "" {
		if svc, ok := plan.Service(issue.Service); ok {
			in.Service = &svc
		}
	}
	return in
}

// Violation is one denial produced by a policy.
type Violation struct {
	Policy  string `json:"policy"`
	Message string `json:"message"`
}
