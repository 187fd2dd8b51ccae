package engine

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/autoinfra/autoinfra/pkg/telemetry"
)

// Selection is the planner's split of a report into fixes and deferrals.
type Selection struct {
	// ToFix is ordered by severity, most urgent first, ties in detection order.
	ToFix []DriftIssue

	// Deferred is in detection order.
	Deferred []RemainingIssue
}

// DeferredIssues returns the deferred issues without their reasons.
func (s Selection) DeferredIssues() []DriftIssue {
	out := make([]DriftIssue, len(s.Deferred))
	for i, r := range s.Deferred {
		out[i] = r.DriftIssue
	}
	return out
}

// PlanRemediation splits a report into the issues to fix this cycle and the
// issues deferred to manual review.
func PlanRemediation(report DriftReport, policy SelfHealingPolicy) (toFix, deferred []DriftIssue) {
	sel := SelectRemediation(report, policy)
	return sel.ToFix, sel.DeferredIssues()
}

// SelectRemediation applies the self-healing policy to a report.
//
// With self-healing disabled every issue is deferred unchanged. Otherwise only
// apply and recreate issues are candidates; a recreate on a stateful resource
// is downgraded to manual before the budget is applied, and at most
// MaxAutoFixesPerRun candidates are selected by severity, then detection order.
func SelectRemediation(report DriftReport, policy SelfHealingPolicy) Selection {
	return selectWith(report.Issues, policy, nil)
}

// selectWith runs selection with per-issue overrides already decided (policy denials).
func selectWith(issues []DriftIssue, policy SelfHealingPolicy, held map[int]RemainingIssue) Selection {
	sel := Selection{ToFix: []DriftIssue{}, Deferred: []RemainingIssue{}}

	if !policy.Enabled {
		for _, issue := range issues {
			sel.Deferred = append(sel.Deferred, RemainingIssue{DriftIssue: issue, Reason: ReasonSelfHealingDisabled})
		}
		return sel
	}

	reasons := make(map[int]RemainingIssue, len(issues))
	var candidates []int
	for i, issue := range issues {
		if r, ok := held[i]; ok {
			reasons[i] = r
			continue
		}
		switch {
		case issue.FixStrategy == FixManual:
			reasons[i] = RemainingIssue{DriftIssue: issue, Reason: ReasonDeferredManual}
		case issue.FixStrategy == FixUpdatePlan:
			reasons[i] = RemainingIssue{DriftIssue: issue, Reason: ReasonDeferredUpdatePlan}
		case issue.FixStrategy == FixRecreate && issue.Stateful:
			downgraded := issue
			downgraded.FixStrategy = FixManual
			reasons[i] = RemainingIssue{
				DriftIssue: downgraded,
				Reason:     ReasonStatefulRecreate,
				Detail:     "recreating a stateful resource could destroy data",
			}
		case issue.FixStrategy.IsAutomatic():
			candidates = append(candidates, i)
		default:
			reasons[i] = RemainingIssue{DriftIssue: issue, Reason: ReasonDeferredManual}
		}
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return issues[candidates[a]].Severity.Rank() > issues[candidates[b]].Severity.Rank()
	})

	budget := policy.MaxAutoFixesPerRun
	if budget < 0 {
		budget = 0
	}
	for n, i := range candidates {
		if n < budget {
			sel.ToFix = append(sel.ToFix, issues[i])
			continue
		}
		reasons[i] = RemainingIssue{DriftIssue: issues[i], Reason: ReasonBudgetExceeded}
	}

	for i := range issues {
		if r, ok := reasons[i]; ok {
			sel.Deferred = append(sel.Deferred, r)
		}
	}
	return sel
}

// RemediationPlanner selects fixes and consults an optional guard first.
// A denied or unreviewable issue is downgraded to manual and never consumes budget.
type RemediationPlanner struct {
	guard  RemediationGuard
	logger zerolog.Logger
	events *telemetry.EventPublisher
}

// NewRemediationPlanner creates a planner. guard and events may be nil.
func NewRemediationPlanner(guard RemediationGuard, events *telemetry.EventPublisher, logger zerolog.Logger) *RemediationPlanner {
	return &RemediationPlanner{
		guard:  guard,
		logger: logger.With().Str("component", "remediation-planner").Logger(),
		events: events,
	}
}

// Select splits the report. Guard failures never fail the cycle.
func (p *RemediationPlanner) Select(ctx context.Context, report DriftReport, policy SelfHealingPolicy, plan *Plan) Selection {
	if p == nil || p.guard == nil || !policy.Enabled {
		return SelectRemediation(report, policy)
	}

	held := make(map[int]RemainingIssue)
	for i, issue := range report.Issues {
		if !issue.FixStrategy.IsAutomatic() || (issue.FixStrategy == FixRecreate && issue.Stateful) {
			continue
		}

		decision, err := p.guard.Review(ctx, issue, plan)
		if err != nil {
			p.logger.Warn().Err(err).Str("issue_id", issue.ID).Msg("remediation guard failed, holding fix for review")
			downgraded := issue
			downgraded.FixStrategy = FixManual
			held[i] = RemainingIssue{DriftIssue: downgraded, Reason: ReasonPolicyDenied, Detail: err.Error()}
			continue
		}
		if decision != nil && !decision.Allowed {
			violation := NewPolicyViolation(decision.Policy, decision.Reason).WithResource(issue.ResourceID)
			p.logger.Info().
				Str("issue_id", issue.ID).
				Str("policy", decision.Policy).
				Msg(violation.Error())
			_ = p.events.PublishPolicyViolation(issue.ID, issue.ResourceID, decision.Policy, decision.Reason)

			downgraded := issue
			downgraded.FixStrategy = FixManual
			held[i] = RemainingIssue{DriftIssue: downgraded, Reason: ReasonPolicyDenied, Detail: decision.Policy + ": " + decision.Reason}
		}
	}

	return selectWith(report.Issues, policy, held)
}
