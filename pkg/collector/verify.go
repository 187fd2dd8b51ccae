package collector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

// Verifier confirms a fix by collecting live state again and checking that
// the issue is no longer detected.
type Verifier struct {
	collector engine.StateCollector
	logger    zerolog.Logger
}

var _ engine.Verifier = (*Verifier)(nil)

// NewVerifier creates a verifier over the given collector.
func NewVerifier(collector engine.StateCollector, logger zerolog.Logger) *Verifier {
	return &Verifier{collector: collector, logger: logger.With().Str("component", "verifier").Logger()}
}

// Verify re-collects and re-detects. A fix whose issue id still appears did
// not converge.
func (v *Verifier) Verify(ctx context.Context, issue engine.DriftIssue, plan *engine.Plan, mutation *engine.Mutation) error {
	snap, err := v.collector.Collect(ctx, plan)
	if err != nil {
		return err
	}

	for _, remaining := range engine.Detect(plan, snap).Issues {
		if remaining.ID == issue.ID {
			return engine.NewPermanentError(
				fmt.Sprintf("%s %s still drifts after the fix", issue.ResourceID, issue.FieldPath), nil).
				WithCode(engine.ErrCodeVerificationFailed).
				WithResource(issue.ResourceID).
				WithDetail("actual", remaining.Actual)
		}
	}

	v.logger.Debug().Str("issue_id", issue.ID).Str("resource_id", issue.ResourceID).Msg("Fix verified")
	return nil
}
