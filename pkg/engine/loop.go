package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/autoinfra/autoinfra/pkg/telemetry"
)

// DefaultInterval is the cycle interval used before any plan has been read.
const DefaultInterval = 10 * time.Minute

// ReconcilerConfig controls cycle timing.
type ReconcilerConfig struct {
	// CycleTimeout bounds a whole cycle. Zero means no bound.
	CycleTimeout time.Duration

	// CollectTimeout bounds live-state collection. Zero means the cycle timeout applies.
	CollectTimeout time.Duration

	// DisableSelfHealing forces the self-healing policy off for every cycle.
	DisableSelfHealing bool

	// Interval overrides the plan's detection interval when positive.
	Interval time.Duration
}

// allStates is the gauge label set for the state metric.
var allStates = []string{
	string(StateIdle), string(StateCollecting), string(StateDetecting), string(StateClassifying),
	string(StatePlanning), string(StateExecuting), string(StateReporting), string(StateFailed),
}

// Reconciler runs reconciliation cycles: collect, detect, classify, plan,
// execute and report. At most one cycle runs at a time; a trigger that arrives
// while a cycle is active is coalesced into it.
type Reconciler struct {
	plans     PlanSource
	collector StateCollector
	planner   *RemediationPlanner
	executor  *Executor
	sinks     []ReportSink
	config    ReconcilerConfig

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	running  atomic.Bool
	interval atomic.Int64
	triggers chan Trigger

	mu    sync.Mutex
	state CycleState
}

// NewReconciler creates a reconciler. planner may be nil, in which case
// selection runs without a guard.
func NewReconciler(
	plans PlanSource,
	collector StateCollector,
	planner *RemediationPlanner,
	executor *Executor,
	cfg ReconcilerConfig,
	logger zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		plans:     plans,
		collector: collector,
		planner:   planner,
		executor:  executor,
		config:    cfg,
		logger:    logger.With().Str("component", "reconciler").Logger(),
		triggers:  make(chan Trigger, 1),
		state:     StateIdle,
	}
}

// WithSinks adds reporting sinks.
func (r *Reconciler) WithSinks(sinks ...ReportSink) *Reconciler {
	r.sinks = append(r.sinks, sinks...)
	return r
}

// WithTelemetry attaches metrics, tracing and events. Any of them may be nil.
func (r *Reconciler) WithTelemetry(m *telemetry.Metrics, t *telemetry.Tracer, ev *telemetry.EventPublisher) *Reconciler {
	r.metrics = m
	r.tracer = t
	r.events = ev
	return r
}

// State returns the current state of the state machine.
func (r *Reconciler) State() CycleState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Busy reports whether a cycle is in progress.
func (r *Reconciler) Busy() bool {
	return r.running.Load()
}

func (r *Reconciler) setState(next CycleState) {
	r.mu.Lock()
	prev := r.state
	if !prev.CanTransition(next) {
		r.logger.Warn().Str("from", string(prev)).Str("to", string(next)).Msg("unexpected state transition")
	}
	r.state = next
	r.mu.Unlock()
	r.metrics.SetCycleState(string(next), allStates)
}

// Trigger requests an on-demand cycle without blocking. It returns false when
// the request was coalesced into an active or already pending cycle.
func (r *Reconciler) Trigger(t Trigger) bool {
	if r.running.Load() {
		r.coalesce(t)
		return false
	}
	select {
	case r.triggers <- t:
		return true
	default:
		r.coalesce(t)
		return false
	}
}

func (r *Reconciler) coalesce(t Trigger) {
	r.metrics.RecordCoalescedTrigger()
	_ = r.events.PublishTriggerCoalesced(string(t))
	r.logger.Debug().Str("trigger", string(t)).Msg("trigger coalesced")
}

// Interval returns the delay before the next periodic cycle.
func (r *Reconciler) Interval() time.Duration {
	if r.config.Interval > 0 {
		return r.config.Interval
	}
	if d := time.Duration(r.interval.Load()); d > 0 {
		return d
	}
	return DefaultInterval
}

// Run drives periodic and on-demand cycles until ctx is done. The first cycle
// starts immediately. A failed cycle never stops the loop.
func (r *Reconciler) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	r.logger.Info().Msg("reconciliation loop started")
	for {
		var trigger Trigger
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciliation loop stopped")
			return nil
		case <-timer.C:
			trigger = TriggerPeriodic
		case trigger = <-r.triggers:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if _, err := r.RunCycle(ctx, trigger); err != nil && !errors.Is(err, ErrCycleInProgress) {
			r.logger.Error().Err(err).Str("trigger", string(trigger)).Msg("reconciliation cycle failed")
		}
		timer.Reset(r.Interval())
	}
}

// RunCycle runs one full cycle and returns its report. The report is emitted
// to every sink whatever the outcome. It returns ErrCycleInProgress without a
// report when another cycle is active, and the fatal error of a failed or
// cancelled cycle alongside its report.
func (r *Reconciler) RunCycle(ctx context.Context, trigger Trigger) (*CycleReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.coalesce(trigger)
		return nil, ErrCycleInProgress
	}
	defer r.running.Store(false)

	c := &cycle{
		r: r,
		report: &CycleReport{
			ID:        uuid.New().String(),
			Trigger:   trigger,
			Status:    CycleCompleted,
			StartedAt: time.Now().UTC(),
			Report:    NewDriftReport(nil),
			Result:    RemediationResult{Applied: []AppliedFix{}, RemainingIssues: []RemainingIssue{}},
		},
		parent: ctx,
	}
	c.logger = r.logger.With().Str("cycle_id", c.report.ID).Str("trigger", string(trigger)).Logger()

	ctx, span := r.tracer.StartCycleSpan(ctx, c.report.ID, string(trigger))
	defer span.End()

	r.metrics.RecordCycleStarted(string(trigger))
	_ = r.events.PublishCycleStarted(c.report.ID, string(trigger))
	c.logger.Info().Msg("cycle started")

	cycleCtx := ctx
	if r.config.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, r.config.CycleTimeout)
		defer cancel()
	}

	err := c.run(cycleCtx)
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	span.SetAttributes(
		telemetry.AttrCycleStatus.String(string(c.report.Status)),
		telemetry.AttrIssueCount.Int(len(c.report.Report.Issues)),
	)
	return c.report, err
}

// cycle holds the working state of one RunCycle call.
type cycle struct {
	r      *Reconciler
	report *CycleReport
	parent context.Context
	logger zerolog.Logger
}

func (c *cycle) run(ctx context.Context) error {
	r := c.r

	r.setState(StateCollecting)
	plan, release, err := r.plans.Acquire(ctx)
	if err != nil {
		if !IsConfigError(err) {
			err = NewConfigError("plan unavailable", err).WithCode(ErrCodeNotFound)
		}
		return c.fail(StateCollecting, err)
	}
	defer release()

	c.report.PlanVersion = plan.Version
	if minutes := plan.SelfHealing.DriftDetectionIntervalMinutes; minutes > 0 {
		r.interval.Store(int64(time.Duration(minutes) * time.Minute))
	}

	snapshot, err := c.collect(ctx, plan)
	if err != nil {
		return c.abort(StateCollecting, err, nil)
	}
	if err := c.checkpoint(ctx, StateCollecting); err != nil {
		return c.abort(StateCollecting, err, nil)
	}

	r.setState(StateDetecting)
	_, detectSpan := r.tracer.StartPhaseSpan(ctx, string(StateDetecting))
	mismatches := DetectMismatches(plan, snapshot)
	detectSpan.End()
	if err := c.checkpoint(ctx, StateDetecting); err != nil {
		return c.abort(StateDetecting, err, nil)
	}

	r.setState(StateClassifying)
	issues := make([]DriftIssue, 0, len(mismatches))
	for _, m := range mismatches {
		issues = append(issues, NewIssue(m, Classify(m, plan)))
	}
	c.report.Report = NewDriftReport(issues)
	c.recordDrift(issues)
	if err := c.checkpoint(ctx, StateClassifying); err != nil {
		return c.abort(StateClassifying, err, issues)
	}

	r.setState(StatePlanning)
	policy := plan.SelfHealing
	if r.config.DisableSelfHealing {
		policy.Enabled = false
	}
	planCtx, planSpan := r.tracer.StartPhaseSpan(ctx, string(StatePlanning))
	sel := r.planner.Select(planCtx, c.report.Report, policy, plan)
	planSpan.End()
	if err := c.checkpoint(ctx, StatePlanning); err != nil {
		return c.abort(StatePlanning, err, issues)
	}

	r.setState(StateExecuting)
	execCtx, execSpan := r.tracer.StartPhaseSpan(ctx, string(StateExecuting))
	outcomes := c.execute(execCtx, sel.ToFix, plan)
	execSpan.End()
	c.report.Result = mergeResult(issues, sel.Deferred, outcomes)
	for _, rem := range sel.Deferred {
		r.metrics.RecordFixDeferred(string(rem.Reason))
	}

	// Fixes already dispatched keep their outcome; a cancellation during
	// execution only marks the cycle.
	if c.parent.Err() != nil {
		c.report.Status = CycleCancelled
		c.report.Error = c.parent.Err().Error()
		c.report.ErrorCode = ErrCodeCancelled
	} else if err := ctx.Err(); err != nil {
		return c.fail(StateExecuting, NewTransientError("cycle timed out", err).
			WithCode(ErrCodeTimeout).
			WithOperation(string(StateExecuting)))
	}

	r.setState(StateReporting)
	c.emit(ctx)
	r.setState(StateIdle)

	c.logger.Info().
		Int("issues", len(issues)).
		Int("applied", c.report.Result.AppliedFixes).
		Int("remaining", len(c.report.Result.RemainingIssues)).
		Dur("duration", c.report.Duration()).
		Msg("cycle completed")
	return nil
}

// collect runs the collector under the collection timeout. A collector that
// ignores its context cannot hold the cycle past the deadline.
func (c *cycle) collect(ctx context.Context, plan *Plan) (*LiveStateSnapshot, error) {
	if c.r.collector == nil {
		return nil, NewCollectionError("no state collector configured", nil).WithCode(ErrCodeValidation)
	}

	collectCtx := ctx
	if c.r.config.CollectTimeout > 0 {
		var cancel context.CancelFunc
		collectCtx, cancel = context.WithTimeout(ctx, c.r.config.CollectTimeout)
		defer cancel()
	}
	collectCtx, span := c.r.tracer.StartPhaseSpan(collectCtx, string(StateCollecting))
	defer span.End()

	type result struct {
		snapshot *LiveStateSnapshot
		err      error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := c.r.collector.Collect(collectCtx, plan)
		done <- result{snapshot: snap, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			telemetry.RecordError(span, res.err)
			if IsCollectionError(res.err) {
				return nil, res.err
			}
			return nil, NewCollectionError("state collection failed", res.err)
		}
		if res.snapshot == nil {
			return NewSnapshot(time.Now().UTC()), nil
		}
		return res.snapshot, nil
	case <-collectCtx.Done():
		if c.parent.Err() != nil {
			return nil, c.parent.Err()
		}
		err := NewCollectionError("state collection timed out", collectCtx.Err()).WithCode(ErrCodeTimeout)
		telemetry.RecordError(span, err)
		return nil, err
	}
}

// checkpoint is the cancellation point between phases.
func (c *cycle) checkpoint(ctx context.Context, state CycleState) error {
	if err := c.parent.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return NewTransientError("cycle timed out", err).
			WithCode(ErrCodeTimeout).
			WithOperation(string(state))
	}
	return nil
}

// abort ends the cycle as cancelled when the caller cancelled it, and as failed otherwise.
func (c *cycle) abort(state CycleState, err error, issues []DriftIssue) error {
	if c.parent.Err() == nil {
		return c.fail(state, err)
	}

	c.report.Status = CycleCancelled
	c.report.Error = err.Error()
	c.report.ErrorCode = ErrCodeCancelled
	remaining := make([]RemainingIssue, 0, len(issues))
	for _, issue := range issues {
		remaining = append(remaining, RemainingIssue{DriftIssue: issue, Reason: ReasonCancelled})
	}
	c.report.Result = RemediationResult{Applied: []AppliedFix{}, RemainingIssues: remaining}

	c.r.setState(StateReporting)
	c.emit(context.WithoutCancel(c.parent))
	c.r.setState(StateIdle)
	c.logger.Warn().Str("phase", string(state)).Msg("cycle cancelled")
	return err
}

// fail ends the cycle in the Failed state. The report is still emitted.
func (c *cycle) fail(state CycleState, err error) error {
	c.report.Status = CycleFailed
	c.report.FailedIn = state
	c.report.Error = err.Error()
	if ee, ok := AsEngineError(err); ok {
		c.report.ErrorCode = ee.Code
		c.r.metrics.RecordError(string(ee.Class), ee.Code)
	}

	c.r.setState(StateFailed)
	_ = c.r.events.PublishCycleFailed(c.report.ID, string(state), err.Error())
	c.logger.Error().Err(err).Str("phase", string(state)).Msg("cycle failed")

	c.emit(context.WithoutCancel(c.parent))
	c.r.setState(StateIdle)
	return err
}

func (c *cycle) execute(ctx context.Context, toFix []DriftIssue, plan *Plan) []FixOutcome {
	if c.r.executor != nil {
		return c.r.executor.Execute(ctx, c.report.ID, toFix, plan)
	}
	outcomes := make([]FixOutcome, len(toFix))
	for i, issue := range toFix {
		outcomes[i] = FixOutcome{Failed: &RemainingIssue{
			DriftIssue: issue,
			Reason:     ReasonAgentFailed,
			Detail:     "no mutation agent configured",
		}}
	}
	return outcomes
}

func (c *cycle) recordDrift(issues []DriftIssue) {
	perResource := make(map[string]int)
	var order []string
	for _, issue := range issues {
		c.r.metrics.RecordDriftIssue(string(issue.ResourceType), string(issue.Severity), string(issue.FixStrategy))
		key := issue.Key().String()
		if perResource[key] == 0 {
			order = append(order, key)
		}
		perResource[key]++
	}
	for _, key := range order {
		_ = c.r.events.PublishDriftDetected(c.report.ID, key, perResource[key])
	}
}

// emit sends the report to every sink. Sink errors are logged only.
func (c *cycle) emit(ctx context.Context) {
	c.report.CompletedAt = time.Now().UTC()
	c.r.metrics.RecordCycleCompleted(string(c.report.Status), c.report.Duration())
	if c.report.Status != CycleFailed {
		_ = c.r.events.PublishCycleCompleted(c.report.ID, string(c.report.Status),
			c.report.Result.AppliedFixes, len(c.report.Result.RemainingIssues), c.report.Duration())
	}

	for _, sink := range c.r.sinks {
		if err := sink.Emit(ctx, c.report); err != nil {
			c.logger.Warn().Err(err).Msg("report sink failed")
		}
	}
}

// mergeResult combines deferred issues and execution outcomes. Every detected
// issue ends up either applied or remaining, both lists in detection order.
func mergeResult(issues []DriftIssue, deferred []RemainingIssue, outcomes []FixOutcome) RemediationResult {
	position := make(map[string]int, len(issues))
	for i, issue := range issues {
		position[issue.ID] = i
	}

	applied := make([]*AppliedFix, len(issues))
	remaining := make([]*RemainingIssue, len(issues))
	for i := range deferred {
		remaining[position[deferred[i].ID]] = &deferred[i]
	}
	for _, o := range outcomes {
		switch {
		case o.Applied != nil:
			applied[position[o.Applied.IssueID]] = o.Applied
		case o.Failed != nil:
			remaining[position[o.Failed.ID]] = o.Failed
		}
	}

	result := RemediationResult{Applied: []AppliedFix{}, RemainingIssues: []RemainingIssue{}}
	for i := range issues {
		if applied[i] != nil {
			result.Applied = append(result.Applied, *applied[i])
		}
		if remaining[i] != nil {
			result.RemainingIssues = append(result.RemainingIssues, *remaining[i])
		}
	}
	result.AppliedFixes = len(result.Applied)
	return result
}
