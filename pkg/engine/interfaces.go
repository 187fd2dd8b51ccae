package engine

import (
	"context"
)

// PlanSource provides read access to the desired state.
// Acquire returns a snapshot that stays valid and unmodified until release is
// called; writers wait for every outstanding release.
type PlanSource interface {
	Acquire(ctx context.Context) (*Plan, func(), error)
}

// StateCollector observes live infrastructure.
// Connectivity or authentication failures are returned as collection errors.
type StateCollector interface {
	Collect(ctx context.Context, plan *Plan) (*LiveStateSnapshot, error)
}

// Mutation is the agent's confirmation of an applied fix.
type Mutation struct {
	// Message is a human-readable summary of what changed.
	Message string `json:"message,omitempty"`

	// Changed lists the artifacts or resources the agent modified.
	Changed []string `json:"changed,omitempty"`
}

// MutationAgent applies a fix for one issue against the generated artifacts.
// It never rewrites the plan.
type MutationAgent interface {
	Apply(ctx context.Context, issue DriftIssue, plan *Plan) (*Mutation, error)
}

// Verifier re-checks a fix after the agent confirms it.
type Verifier interface {
	Verify(ctx context.Context, issue DriftIssue, plan *Plan, mutation *Mutation) error
}

// PolicyDecision is the guard's verdict on an automatic fix.
type PolicyDecision struct {
	Allowed bool   `json:"allowed"`
	Policy  string `json:"policy,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// RemediationGuard reviews a selected fix before it may run unattended.
type RemediationGuard interface {
	Review(ctx context.Context, issue DriftIssue, plan *Plan) (*PolicyDecision, error)
}

// ReportSink consumes the report of every cycle. Errors are logged by the
// caller and never fail the cycle.
type ReportSink interface {
	Emit(ctx context.Context, report *CycleReport) error
}

// CollectorFunc adapts a function to the StateCollector interface.
type CollectorFunc func(ctx context.Context, plan *Plan) (*LiveStateSnapshot, error)

// Collect calls f.
func (f CollectorFunc) Collect(ctx context.Context, plan *Plan) (*LiveStateSnapshot, error) {
	return f(ctx, plan)
}

// AgentFunc adapts a function to the MutationAgent interface.
type AgentFunc func(ctx context.Context, issue DriftIssue, plan *Plan) (*Mutation, error)

// Apply calls f.
func (f AgentFunc) Apply(ctx context.Context, issue DriftIssue, plan *Plan) (*Mutation, error) {
	return f(ctx, issue, plan)
}

// StaticPlan is a PlanSource over a fixed plan, for one-shot runs and tests.
type StaticPlan struct {
	Plan *Plan
}

// Acquire returns the fixed plan.
func (s StaticPlan) Acquire(ctx context.Context) (*Plan, func(), error) {
	if s.Plan == nil {
		return nil, nil, NewConfigError("no plan loaded", nil).WithCode(ErrCodeNotFound)
	}
	return s.Plan, func() {}, nil
}
