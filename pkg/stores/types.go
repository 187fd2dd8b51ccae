package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Outcome is what happened to an issue in the cycle that detected it.
type Outcome string

const (
	// OutcomeApplied means the agent fixed the issue.
	OutcomeApplied Outcome = "applied"

	// OutcomeRemaining means the issue was left for review; Reason says why.
	OutcomeRemaining Outcome = "remaining"

	// OutcomeDetected means the cycle ended before remediation ran.
	OutcomeDetected Outcome = "detected"
)

// Audit actions.
const (
	ActionPlanSet    = "plan.set"
	ActionPlanLoaded = "plan.loaded"
)

// CycleRecord is the summary row of one stored cycle.
type CycleRecord struct {
	ID             string             `json:"id"`
	Trigger        engine.Trigger     `json:"trigger"`
	Status         engine.CycleStatus `json:"status"`
	FailedIn       engine.CycleState  `json:"failedIn,omitempty"`
	PlanVersion    string             `json:"planVersion,omitempty"`
	StartedAt      time.Time          `json:"startedAt"`
	CompletedAt    time.Time          `json:"completedAt"`
	HasDrift       bool               `json:"hasDrift"`
	IssueCount     int                `json:"issueCount"`
	AppliedFixes   int                `json:"appliedFixes"`
	RemainingCount int                `json:"remainingCount"`
	Error          string             `json:"error,omitempty"`
	ErrorCode      string             `json:"errorCode,omitempty"`
}

// Duration returns how long the cycle ran.
func (c *CycleRecord) Duration() time.Duration {
	return c.CompletedAt.Sub(c.StartedAt)
}

// IssueRecord is one issue of one stored cycle.
type IssueRecord struct {
	CycleID      string                 `json:"cycleId"`
	IssueID      string                 `json:"issueId"`
	ResourceType engine.ResourceType    `json:"resourceType"`
	ResourceID   string                 `json:"resourceId"`
	FieldPath    string                 `json:"fieldPath"`
	Severity     engine.Severity        `json:"severity"`
	FixStrategy  engine.FixStrategy     `json:"fixStrategy"`
	Outcome      Outcome                `json:"outcome"`
	Reason       engine.RemainingReason `json:"reason,omitempty"`
	Detail       string                 `json:"detail,omitempty"`
	Attempts     int                    `json:"attempts,omitempty"`
	Expected     json.RawMessage        `json:"expected,omitempty"`
	Actual       json.RawMessage        `json:"actual,omitempty"`
	DetectedAt   time.Time              `json:"detectedAt"`
}

// AuditEntry records an explicit change to the plan.
type AuditEntry struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Actor       string          `json:"actor"`
	Action      string          `json:"action"`
	Target      string          `json:"target,omitempty"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`
	PlanVersion string          `json:"planVersion,omitempty"`
	Details     string          `json:"details,omitempty"`
}

// HistoryStore is the read and write surface the CLI and loop depend on.
type HistoryStore interface {
	engine.ReportSink

	GetCycle(ctx context.Context, id string) (*CycleRecord, error)
	GetCycleReport(ctx context.Context, id string) (*engine.CycleReport, error)
	ListCycles(ctx context.Context, limit, offset int) ([]*CycleRecord, error)
	ListIssues(ctx context.Context, cycleID string) ([]*IssueRecord, error)
	IssueHistory(ctx context.Context, issueID string, limit int) ([]*IssueRecord, error)

	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action string, limit, offset int) ([]*AuditEntry, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
