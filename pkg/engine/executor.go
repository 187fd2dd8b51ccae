package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/autoinfra/autoinfra/pkg/telemetry"
)

// ExecutorConfig bounds how fixes are dispatched.
type ExecutorConfig struct {
	// MaxParallel is the number of resources fixed concurrently.
	MaxParallel int

	// IssueTimeout bounds one agent attempt, verification included.
	IssueTimeout time.Duration

	// MaxRetries is the number of retries after a retryable agent error.
	MaxRetries int

	// BaseBackoff is the first retry delay; it doubles per attempt up to a minute.
	BaseBackoff time.Duration

	// RateLimit caps agent calls per second across workers. Zero means unlimited.
	RateLimit rate.Limit
	Burst     int
}

// DefaultExecutorConfig returns the executor defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxParallel:  4,
		IssueTimeout: 5 * time.Minute,
		MaxRetries:   1,
		BaseBackoff:  time.Second,
		Burst:        1,
	}
}

// FixOutcome is the result of executing one selected issue. Exactly one of
// Applied and Failed is set.
type FixOutcome struct {
	Applied *AppliedFix
	Failed  *RemainingIssue
}

// Executor applies selected fixes through a mutation agent.
// Issues on the same resource run one at a time in the order given; issues on
// different resources run on a bounded worker pool.
type Executor struct {
	agent    MutationAgent
	verifier Verifier
	limiter  *rate.Limiter
	config   ExecutorConfig

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
}

// NewExecutor creates an executor over the given agent.
func NewExecutor(agent MutationAgent, cfg ExecutorConfig, logger zerolog.Logger) *Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.IssueTimeout <= 0 {
		cfg.IssueTimeout = DefaultExecutorConfig().IssueTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}

	return &Executor{
		agent:   agent,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		config:  cfg,
		logger:  logger.With().Str("component", "executor").Logger(),
	}
}

// WithVerifier sets a verifier run after every confirmed fix.
func (e *Executor) WithVerifier(v Verifier) *Executor {
	e.verifier = v
	return e
}

// WithTelemetry attaches metrics, tracing and events. Any of them may be nil.
func (e *Executor) WithTelemetry(m *telemetry.Metrics, t *telemetry.Tracer, ev *telemetry.EventPublisher) *Executor {
	e.metrics = m
	e.tracer = t
	e.events = ev
	return e
}

// Execute applies every issue and returns one outcome per issue, in input order.
// A failure never stops independent issues. Once ctx is done no further issue
// is dispatched; those issues are reported as cancelled.
func (e *Executor) Execute(ctx context.Context, cycleID string, issues []DriftIssue, plan *Plan) []FixOutcome {
	outcomes := make([]FixOutcome, len(issues))
	if len(issues) == 0 {
		return outcomes
	}

	groups := groupByResource(issues)

	workerCount := e.config.MaxParallel
	if len(groups) < workerCount {
		workerCount = len(groups)
	}

	workQueue := make(chan []int, len(groups))
	for _, g := range groups {
		workQueue <- g
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range workQueue {
				for _, idx := range group {
					// Each slot is written by exactly one worker.
					if ctx.Err() != nil {
						outcomes[idx] = undispatchedOutcome(ctx, issues[idx])
						continue
					}
					outcomes[idx] = e.ExecuteIssue(ctx, cycleID, issues[idx], plan)
				}
			}
		}()
	}
	wg.Wait()

	return outcomes
}

// groupByResource groups issue indexes by resource id, in first-seen order.
func groupByResource(issues []DriftIssue) [][]int {
	index := make(map[string]int)
	var groups [][]int
	for i, issue := range issues {
		g, ok := index[issue.ResourceID]
		if !ok {
			g = len(groups)
			index[issue.ResourceID] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

// undispatchedOutcome reports an issue that was never handed to the agent
// because the cycle deadline passed or the cycle was cancelled.
func undispatchedOutcome(ctx context.Context, issue DriftIssue) FixOutcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return FixOutcome{Failed: &RemainingIssue{
			DriftIssue: issue,
			Reason:     ReasonTimeout,
			Detail:     "cycle timed out before dispatch",
		}}
	}
	return FixOutcome{Failed: &RemainingIssue{
		DriftIssue: issue,
		Reason:     ReasonCancelled,
		Detail:     "cycle cancelled before dispatch",
	}}
}

// ExecuteIssue applies one fix with retry, timeout and verification.
func (e *Executor) ExecuteIssue(ctx context.Context, cycleID string, issue DriftIssue, plan *Plan) FixOutcome {
	ctx, span := e.tracer.StartFixSpan(ctx, issue.ID, string(issue.ResourceType), issue.ResourceID, string(issue.FixStrategy))
	defer span.End()

	log := e.logger.With().
		Str("cycle_id", cycleID).
		Str("issue_id", issue.ID).
		Str("resource_id", issue.ResourceID).
		Str("field_path", issue.FieldPath).
		Logger()

	start := time.Now()
	attempts := 0
	var (
		mutation *Mutation
		failure  error
		reason   RemainingReason
	)

retry:
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			if attempts == 0 {
				return undispatchedOutcome(ctx, issue)
			}
			break
		}
		attempts++

		mutation, reason, failure = e.attempt(ctx, issue, plan)
		if failure == nil {
			break
		}

		if reason == ReasonVerificationFailed || !IsRetryable(failure) {
			break
		}
		if attempt >= e.config.MaxRetries {
			break
		}

		backoff := e.backoff(attempt, failure)
		log.Warn().Err(failure).
			Int("attempt", attempts).
			Dur("backoff", backoff).
			Msg("fix attempt failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			break retry
		}
	}

	duration := time.Since(start)
	span.SetAttributes(telemetry.AttrAttempts.Int(attempts))

	if failure != nil {
		telemetry.RecordError(span, failure)
		if ee, ok := AsEngineError(failure); ok {
			e.metrics.RecordError(string(ee.Class), ee.Code)
		}
		e.metrics.RecordFixFailed(string(reason), string(issue.ResourceType), duration)
		_ = e.events.PublishFixFailed(cycleID, issue.ID, issue.ResourceID, string(reason))
		log.Error().Err(failure).Str("reason", string(reason)).Int("attempts", attempts).Msg("fix failed")

		return FixOutcome{Failed: &RemainingIssue{
			DriftIssue: issue,
			Reason:     reason,
			Detail:     failure.Error(),
			Attempts:   attempts,
		}}
	}

	telemetry.RecordSuccess(span)
	e.metrics.RecordFixApplied(string(issue.FixStrategy), string(issue.ResourceType), duration)
	_ = e.events.PublishFixApplied(cycleID, issue.ID, issue.ResourceID, issue.FieldPath)
	log.Info().Int("attempts", attempts).Dur("duration", duration).Msg("fix applied")

	return FixOutcome{Applied: &AppliedFix{
		IssueID:      issue.ID,
		ResourceType: issue.ResourceType,
		ResourceID:   issue.ResourceID,
		FieldPath:    issue.FieldPath,
		FixStrategy:  issue.FixStrategy,
		Message:      mutation.Message,
		Attempts:     attempts,
		Duration:     duration,
	}}
}

// attempt runs the agent and the verifier once under the per-issue timeout.
// An agent that ignores its context cannot hold the cycle past the deadline.
func (e *Executor) attempt(ctx context.Context, issue DriftIssue, plan *Plan) (*Mutation, RemainingReason, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.config.IssueTimeout)
	defer cancel()

	type result struct {
		mutation *Mutation
		err      error
	}
	done := make(chan result, 1)
	go func() {
		m, err := e.agent.Apply(attemptCtx, issue, plan)
		done <- result{mutation: m, err: err}
	}()

	var mutation *Mutation
	select {
	case res := <-done:
		if res.err != nil {
			if attemptCtx.Err() != nil {
				return nil, interruptedReason(attemptCtx), interruptedFailure(attemptCtx, issue, res.err)
			}
			return nil, ReasonAgentFailed, asRemediationFailure(res.err, issue)
		}
		mutation = res.mutation
	case <-attemptCtx.Done():
		return nil, interruptedReason(attemptCtx), interruptedFailure(attemptCtx, issue, attemptCtx.Err())
	}
	if mutation == nil {
		mutation = &Mutation{}
	}

	if e.verifier != nil {
		if verr := e.verifier.Verify(attemptCtx, issue, plan, mutation); verr != nil {
			return nil, ReasonVerificationFailed, NewRemediationFailure(ErrorClassPermanent, "fix verification failed", verr).
				WithCode(ErrCodeVerificationFailed).
				WithResource(issue.ResourceID)
		}
	}
	return mutation, "", nil
}

// interruptedReason maps a done attempt context to a remaining reason. The
// issue timeout and the cycle deadline both count as a timeout.
func interruptedReason(ctx context.Context) RemainingReason {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonCancelled
}

func interruptedFailure(ctx context.Context, issue DriftIssue, err error) *EngineError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewRemediationFailure(ErrorClassTransient, "agent timed out", err).
			WithCode(ErrCodeTimeout).
			WithResource(issue.ResourceID)
	}
	return NewRemediationFailure(ErrorClassPermanent, "agent call cancelled", err).
		WithCode(ErrCodeCancelled).
		WithResource(issue.ResourceID)
}

// asRemediationFailure keeps the class of a classified agent error so retry
// decisions follow the agent; unclassified errors are permanent.
func asRemediationFailure(err error, issue DriftIssue) *EngineError {
	class := ErrorClassPermanent
	if ee, ok := AsEngineError(err); ok {
		if ee.Kind == ErrorKindRemediation {
			return ee
		}
		class = ee.Class
	}
	return NewRemediationFailure(class, fmt.Sprintf("agent failed to fix %s", issue.FieldPath), err).
		WithResource(issue.ResourceID)
}

// backoff returns baseDelay * 2^attempt, capped at one minute. Throttled
// errors start from a longer base.
func (e *Executor) backoff(attempt int, err error) time.Duration {
	base := e.config.BaseBackoff
	if IsThrottled(err) {
		base *= 5
	} else if IsConflict(err) {
		base *= 2
	}

	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}
