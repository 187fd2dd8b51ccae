package collector

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

func retentionSnapshot(logsDays int) *engine.LiveStateSnapshot {
	snap := engine.NewSnapshot(time.Unix(100, 0), engine.ResourceTypePlan)
	snap.Add(engine.LiveResource{
		ResourceType: engine.ResourceTypePlan,
		ResourceID:   engine.RetentionResourceID,
		Fields:       map[string]interface{}{"retention.logsDays": logsDays},
	})
	snap.Add(engine.LiveResource{
		ResourceType: engine.ResourceTypePlan,
		ResourceID:   engine.BudgetResourceID,
		Fields:       map[string]interface{}{},
	})
	return snap
}

func TestVerifier(t *testing.T) {
	plan := engine.DefaultPlan("acme")
	issue := engine.DriftIssue{
		ID:           engine.IssueID(engine.ResourceTypePlan, engine.RetentionResourceID, "retention.logsDays"),
		ResourceType: engine.ResourceTypePlan,
		ResourceID:   engine.RetentionResourceID,
		FieldPath:    "retention.logsDays",
	}

	tests := []struct {
		name    string
		source  fakeSource
		wantErr bool
	}{
		{name: "converged", source: fakeSource{snap: retentionSnapshot(30)}},
		{name: "still drifting", source: fakeSource{snap: retentionSnapshot(14)}, wantErr: true},
		{name: "collection fails", source: fakeSource{err: engine.NewCollectionError("timeout", nil)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(tt.source, zerolog.Nop())
			err := v.Verify(context.Background(), issue, plan, &engine.Mutation{})
			if tt.wantErr != (err != nil) {
				t.Fatalf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifier_WithExecutor(t *testing.T) {
	plan := engine.DefaultPlan("acme")
	issue := engine.DriftIssue{
		ID:           engine.IssueID(engine.ResourceTypePlan, engine.RetentionResourceID, "retention.logsDays"),
		ResourceType: engine.ResourceTypePlan,
		ResourceID:   engine.RetentionResourceID,
		FieldPath:    "retention.logsDays",
		FixStrategy:  engine.FixApply,
	}
	agent := engine.AgentFunc(func(ctx context.Context, issue engine.DriftIssue, plan *engine.Plan) (*engine.Mutation, error) {
		return &engine.Mutation{Message: "edited"}, nil
	})

	exec := engine.NewExecutor(agent, engine.DefaultExecutorConfig(), zerolog.Nop()).
		WithVerifier(NewVerifier(fakeSource{snap: retentionSnapshot(14)}, zerolog.Nop()))

	out := exec.ExecuteIssue(context.Background(), "cycle-1", issue, plan)
	if out.Failed == nil || out.Failed.Reason != engine.ReasonVerificationFailed {
		t.Fatalf("outcome = %+v, want verification_failed", out)
	}
}
