package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ResourceType names the system that owns a resource.
type ResourceType string

const (
	// ResourceTypeTerraform is a cloud resource managed through Terraform.
	ResourceTypeTerraform ResourceType = "terraform"

	// ResourceTypeKubernetes is a cluster object.
	ResourceTypeKubernetes ResourceType = "kubernetes"

	// ResourceTypePlan is a plan-level setting realized outside a single service
	// (retention windows, budget alarms).
	ResourceTypePlan ResourceType = "plan"
)

// Validate checks if the resource type is valid.
func (t ResourceType) Validate() error {
	switch t {
	case ResourceTypeTerraform, ResourceTypeKubernetes, ResourceTypePlan:
		return nil
	default:
		return fmt.Errorf("invalid resource type: %s", t)
	}
}

// Severity ranks how urgently an issue needs attention.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; higher is more urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// FixStrategy is the class of remediation an issue requires.
type FixStrategy string

const (
	// FixApply changes the resource in place.
	FixApply FixStrategy = "apply"

	// FixRecreate destroys and recreates the resource.
	FixRecreate FixStrategy = "recreate"

	// FixManual needs a human.
	FixManual FixStrategy = "manual"

	// FixUpdatePlan means the plan is stale; the plan changes, not the infrastructure.
	FixUpdatePlan FixStrategy = "update_plan"
)

// IsAutomatic reports whether the strategy may be applied by an agent.
func (f FixStrategy) IsAutomatic() bool {
	return f == FixApply || f == FixRecreate
}

// FieldPathResource is the field path of issues about a whole resource
// (missing or orphaned) rather than one of its fields.
const FieldPathResource = "$"

// ResourceKey is the identity of a resource across plan and live state.
type ResourceKey struct {
	Type ResourceType `json:"resourceType"`
	ID   string       `json:"resourceId"`
}

// String returns the key as "type:id".
func (k ResourceKey) String() string {
	return string(k.Type) + ":" + k.ID
}

// LiveResource is one observed resource with its normalized fields.
type LiveResource struct {
	ResourceType ResourceType           `json:"resourceType"`
	ResourceID   string                 `json:"resourceId"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
}

// Key returns the identity of the resource.
func (r LiveResource) Key() ResourceKey {
	return ResourceKey{Type: r.ResourceType, ID: r.ResourceID}
}

// LiveStateSnapshot is a normalized view of live infrastructure taken at one point in time.
type LiveStateSnapshot struct {
	CollectedAt time.Time
	// Systems lists the resource types the collector covered. Empty means all.
	Systems   []ResourceType
	Resources map[ResourceKey]LiveResource
}

// NewSnapshot creates an empty snapshot.
func NewSnapshot(collectedAt time.Time, systems ...ResourceType) *LiveStateSnapshot {
	return &LiveStateSnapshot{
		CollectedAt: collectedAt,
		Systems:     systems,
		Resources:   make(map[ResourceKey]LiveResource),
	}
}

// Add records a resource, replacing any previous entry with the same identity.
func (s *LiveStateSnapshot) Add(r LiveResource) {
	if s.Resources == nil {
		s.Resources = make(map[ResourceKey]LiveResource)
	}
	s.Resources[r.Key()] = r
}

// Lookup returns the live resource with the given identity.
func (s *LiveStateSnapshot) Lookup(key ResourceKey) (LiveResource, bool) {
	if s == nil {
		return LiveResource{}, false
	}
	r, ok := s.Resources[key]
	return r, ok
}

// Covers reports whether the snapshot observed the given system.
func (s *LiveStateSnapshot) Covers(t ResourceType) bool {
	if s == nil || len(s.Systems) == 0 {
		return true
	}
	for _, sys := range s.Systems {
		if sys == t {
			return true
		}
	}
	return false
}

// Merge folds other into s. Systems are unioned; later resources win.
// If either side covers every system, so does the result.
func (s *LiveStateSnapshot) Merge(other *LiveStateSnapshot) {
	if other == nil {
		return
	}
	if other.CollectedAt.After(s.CollectedAt) {
		s.CollectedAt = other.CollectedAt
	}
	if len(s.Systems) > 0 && len(other.Systems) == 0 {
		s.Systems = nil
	} else if len(s.Systems) > 0 {
		for _, sys := range other.Systems {
			if !s.Covers(sys) {
				s.Systems = append(s.Systems, sys)
			}
		}
	}
	for _, r := range other.Resources {
		s.Add(r)
	}
}

// SortedKeys returns resource identities sorted by type then id.
func (s *LiveStateSnapshot) SortedKeys() []ResourceKey {
	keys := make([]ResourceKey, 0, len(s.Resources))
	for k := range s.Resources {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].ID < keys[j].ID
	})
	return keys
}

type snapshotJSON struct {
	CollectedAt time.Time      `json:"collectedAt"`
	Systems     []ResourceType `json:"systems,omitempty"`
	Resources   []LiveResource `json:"resources"`
}

// MarshalJSON writes resources as a list sorted by identity.
func (s LiveStateSnapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		CollectedAt: s.CollectedAt,
		Systems:     s.Systems,
		Resources:   make([]LiveResource, 0, len(s.Resources)),
	}
	for _, k := range s.SortedKeys() {
		out.Resources = append(out.Resources, s.Resources[k])
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the list form.
func (s *LiveStateSnapshot) UnmarshalJSON(data []byte) error {
	var in snapshotJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = *NewSnapshot(in.CollectedAt, in.Systems...)
	for _, r := range in.Resources {
		if err := r.ResourceType.Validate(); err != nil {
			return fmt.Errorf("resource %q: %w", r.ResourceID, err)
		}
		if r.ResourceID == "" {
			return fmt.Errorf("resource of type %s has no id", r.ResourceType)
		}
		s.Add(r)
	}
	return nil
}

// DriftIssue is one discrepancy between the plan and live state.
// Issues are value types; a cycle never modifies one in place.
type DriftIssue struct {
	ID           string       `json:"id"`
	ResourceType ResourceType `json:"resourceType"`
	ResourceID   string       `json:"resourceId"`
	FieldPath    string       `json:"fieldPath"`
	Expected     interface{}  `json:"expected"`
	Actual       interface{}  `json:"actual"`
	Severity     Severity     `json:"severity"`
	FixStrategy  FixStrategy  `json:"fixStrategy"`

	// Service is the plan service the resource belongs to, if any.
	Service string `json:"service,omitempty"`

	// Stateful marks resources holding data that a recreate could destroy.
	Stateful bool `json:"stateful,omitempty"`

	// Rule names the classifier rule that assigned severity and strategy.
	Rule string `json:"rule,omitempty"`
}

// Key returns the identity of the resource the issue targets.
func (i DriftIssue) Key() ResourceKey {
	return ResourceKey{Type: i.ResourceType, ID: i.ResourceID}
}

// IssueID derives the stable id of an issue. The same discrepancy detected in
// two cycles gets the same id.
func IssueID(resourceType ResourceType, resourceID, fieldPath string) string {
	sum := sha256.Sum256([]byte(string(resourceType) + "|" + resourceID + "|" + fieldPath))
	return hex.EncodeToString(sum[:8])
}

// DriftReport holds every issue detected in one cycle.
type DriftReport struct {
	HasDrift bool         `json:"hasDrift"`
	Issues   []DriftIssue `json:"issues"`
}

// NewDriftReport builds a report from detected issues.
func NewDriftReport(issues []DriftIssue) DriftReport {
	if issues == nil {
		issues = []DriftIssue{}
	}
	return DriftReport{HasDrift: len(issues) > 0, Issues: issues}
}

// RemainingReason explains why an issue was not fixed this cycle.
type RemainingReason string

const (
	ReasonDeferredManual      RemainingReason = "deferred_manual"
	ReasonDeferredUpdatePlan  RemainingReason = "deferred_update_plan"
	ReasonBudgetExceeded      RemainingReason = "budget_exceeded"
	ReasonSelfHealingDisabled RemainingReason = "self_healing_disabled"
	ReasonStatefulRecreate    RemainingReason = "stateful_recreate"
	ReasonPolicyDenied        RemainingReason = "policy_denied"
	ReasonAgentFailed         RemainingReason = "agent_failed"
	ReasonVerificationFailed  RemainingReason = "verification_failed"
	ReasonTimeout             RemainingReason = "timeout"
	ReasonCancelled           RemainingReason = "cancelled"
)

// Attempted reports whether the reason implies the executor tried the fix.
func (r RemainingReason) Attempted() bool {
	switch r {
	case ReasonAgentFailed, ReasonVerificationFailed, ReasonTimeout:
		return true
	default:
		return false
	}
}

// RemainingIssue is an issue left for manual review, with the reason attached.
type RemainingIssue struct {
	DriftIssue
	Reason   RemainingReason `json:"reason"`
	Detail   string          `json:"detail,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
}

// AppliedFix confirms a fix the agent applied.
type AppliedFix struct {
	IssueID      string        `json:"issueId"`
	ResourceType ResourceType  `json:"resourceType"`
	ResourceID   string        `json:"resourceId"`
	FieldPath    string        `json:"fieldPath"`
	FixStrategy  FixStrategy   `json:"fixStrategy"`
	Message      string        `json:"message,omitempty"`
	Attempts     int           `json:"attempts"`
	Duration     time.Duration `json:"duration"`
}

// RemediationResult is the outcome of remediation for one cycle.
type RemediationResult struct {
	AppliedFixes    int              `json:"appliedFixes"`
	Applied         []AppliedFix     `json:"applied"`
	RemainingIssues []RemainingIssue `json:"remainingIssues"`
}

// CycleState is a state of the reconciliation state machine.
type CycleState string

const (
	StateIdle        CycleState = "idle"
	StateCollecting  CycleState = "collecting"
	StateDetecting   CycleState = "detecting"
	StateClassifying CycleState = "classifying"
	StatePlanning    CycleState = "planning"
	StateExecuting   CycleState = "executing"
	StateReporting   CycleState = "reporting"
	StateFailed      CycleState = "failed"
)

// cycleTransitions lists the legal transitions out of each state. Any active
// state may fail, and a cancelled cycle goes straight to reporting.
var cycleTransitions = map[CycleState][]CycleState{
	StateIdle:        {StateCollecting},
	StateCollecting:  {StateDetecting},
	StateDetecting:   {StateClassifying},
	StateClassifying: {StatePlanning},
	StatePlanning:    {StateExecuting},
	StateExecuting:   {StateReporting},
	StateReporting:   {StateIdle},
	StateFailed:      {StateIdle},
}

// CanTransition reports whether moving from s to next is legal.
func (s CycleState) CanTransition(next CycleState) bool {
	if next == StateFailed || next == StateReporting {
		return s != StateIdle && s != StateFailed
	}
	for _, allowed := range cycleTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Trigger records what started a cycle.
type Trigger string

const (
	TriggerPeriodic   Trigger = "periodic"
	TriggerOnDemand   Trigger = "on_demand"
	TriggerPlanChange Trigger = "plan_change"
)

// CycleStatus is the final status of a cycle.
type CycleStatus string

const (
	CycleCompleted CycleStatus = "completed"
	CycleFailed    CycleStatus = "failed"
	CycleCancelled CycleStatus = "cancelled"
)

// CycleReport is emitted to every reporting sink at the end of a cycle,
// including cycles that failed.
type CycleReport struct {
	ID          string            `json:"id"`
	Trigger     Trigger           `json:"trigger"`
	Status      CycleStatus       `json:"status"`
	FailedIn    CycleState        `json:"failedIn,omitempty"`
	PlanVersion string            `json:"planVersion,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt time.Time         `json:"completedAt"`
	Report      DriftReport       `json:"report"`
	Result      RemediationResult `json:"result"`
	Error       string            `json:"error,omitempty"`
	ErrorCode   string            `json:"errorCode,omitempty"`
}

// Duration returns how long the cycle ran.
func (c *CycleReport) Duration() time.Duration {
	return c.CompletedAt.Sub(c.StartedAt)
}
