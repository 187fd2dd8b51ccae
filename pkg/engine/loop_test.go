package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// recordingSink keeps every emitted report.
type recordingSink struct {
	mu      sync.Mutex
	reports []*CycleReport
	err     error
	emitted chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{emitted: make(chan struct{}, 16)}
}

func (s *recordingSink) Emit(ctx context.Context, report *CycleReport) error {
	s.mu.Lock()
	s.reports = append(s.reports, report)
	s.mu.Unlock()
	select {
	case s.emitted <- struct{}{}:
	default:
	}
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func (s *recordingSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.emitted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a report")
	}
}

// driftedSnapshot disagrees with testPlan on two resources.
func driftedSnapshot() *LiveStateSnapshot {
	snap := matchingSnapshot()
	hpa, _ := snap.Lookup(ResourceKey{Type: ResourceTypeKubernetes, ID: "hpa/api-cpu"})
	hpa.Fields["autoscaling.minReplicas"] = int32(1)
	dep, _ := snap.Lookup(ResourceKey{Type: ResourceTypeKubernetes, ID: "deployment/api"})
	dep.Fields["env.LOG_LEVEL"] = "debug"
	snap.Add(LiveResource{ResourceType: ResourceTypeKubernetes, ResourceID: "deployment/legacy-worker"})
	return snap
}

func newTestReconciler(plan *Plan, collector StateCollector, agent MutationAgent, cfg ReconcilerConfig) (*Reconciler, *recordingSink) {
	sink := newRecordingSink()
	exec := NewExecutor(agent, fastConfig(), zerolog.Nop())
	planner := NewRemediationPlanner(nil, nil, zerolog.Nop())
	r := NewReconciler(StaticPlan{Plan: plan}, collector, planner, exec, cfg, zerolog.Nop()).WithSinks(sink)
	return r, sink
}

func staticCollector(snap *LiveStateSnapshot) StateCollector {
	return CollectorFunc(func(ctx context.Context, plan *Plan) (*LiveStateSnapshot, error) {
		return snap, nil
	})
}

func TestRunCycle_AgentFailureStillCompletes(t *testing.T) {
	agent := newMockAgent()
	envIssue := IssueID(ResourceTypeKubernetes, "deployment/api", "env.LOG_LEVEL")
	agent.failures[envIssue] = []error{NewPermanentError("patch rejected", nil)}

	r, sink := newTestReconciler(testPlan(), staticCollector(driftedSnapshot()), agent, ReconcilerConfig{})

	report, err := r.RunCycle(context.Background(), TriggerOnDemand)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if report.Status != CycleCompleted {
		t.Fatalf("Status = %s, want completed", report.Status)
	}
	if sink.count() != 1 {
		t.Fatalf("sink received %d reports, want 1", sink.count())
	}

	if len(report.Report.Issues) != 3 {
		t.Fatalf("expected 3 issues, got %+v", report.Report.Issues)
	}
	if report.Result.AppliedFixes != 1 {
		t.Errorf("AppliedFixes = %d, want 1", report.Result.AppliedFixes)
	}

	var failed *RemainingIssue
	for i := range report.Result.RemainingIssues {
		if report.Result.RemainingIssues[i].ID == envIssue {
			failed = &report.Result.RemainingIssues[i]
		}
	}
	if failed == nil {
		t.Fatalf("failed issue missing from remaining: %+v", report.Result.RemainingIssues)
	}
	if failed.Reason != ReasonAgentFailed || failed.Detail == "" {
		t.Errorf("failed issue = %+v, want agent_failed with detail", failed)
	}

	if r.State() != StateIdle {
		t.Errorf("State() = %s, want idle", r.State())
	}
}

func TestRunCycle_EveryIssueAccountedFor(t *testing.T) {
	plan := testPlan()
	plan.SelfHealing.MaxAutoFixesPerRun = 1

	r, _ := newTestReconciler(plan, staticCollector(driftedSnapshot()), newMockAgent(), ReconcilerConfig{})
	report, err := r.RunCycle(context.Background(), TriggerPeriodic)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	seen := make(map[string]int)
	for _, a := range report.Result.Applied {
		seen[a.IssueID]++
	}
	for _, rem := range report.Result.RemainingIssues {
		seen[rem.ID]++
	}
	for _, is := range report.Report.Issues {
		if seen[is.ID] != 1 {
			t.Errorf("issue %s accounted %d times, want 1", is.ID, seen[is.ID])
		}
	}
	if len(seen) != len(report.Report.Issues) {
		t.Errorf("result has %d issues, report has %d", len(seen), len(report.Report.Issues))
	}

	// Remaining issues are in detection order.
	pos := make(map[string]int)
	for i, is := range report.Report.Issues {
		pos[is.ID] = i
	}
	for i := 1; i < len(report.Result.RemainingIssues); i++ {
		if pos[report.Result.RemainingIssues[i-1].ID] > pos[report.Result.RemainingIssues[i].ID] {
			t.Errorf("remaining issues out of detection order")
		}
	}
}

func TestRunCycle_DisabledSelfHealing(t *testing.T) {
	agent := newMockAgent()
	r, _ := newTestReconciler(testPlan(), staticCollector(driftedSnapshot()), agent, ReconcilerConfig{DisableSelfHealing: true})

	report, err := r.RunCycle(context.Background(), TriggerOnDemand)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if report.Result.AppliedFixes != 0 {
		t.Errorf("AppliedFixes = %d, want 0", report.Result.AppliedFixes)
	}
	if len(agent.calls) != 0 {
		t.Errorf("agent called with self-healing disabled: %v", agent.calls)
	}
	if len(report.Result.RemainingIssues) != len(report.Report.Issues) {
		t.Fatalf("remaining %d, want %d", len(report.Result.RemainingIssues), len(report.Report.Issues))
	}
	for i, rem := range report.Result.RemainingIssues {
		if rem.DriftIssue.ID != report.Report.Issues[i].ID || rem.Reason != ReasonSelfHealingDisabled {
			t.Errorf("remaining[%d] = %+v", i, rem)
		}
	}
}

func TestRunCycle_CollectionTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	// The collector ignores its context.
	collector := CollectorFunc(func(ctx context.Context, plan *Plan) (*LiveStateSnapshot, error) {
		<-release
		return nil, nil
	})
	r, sink := newTestReconciler(testPlan(), collector, newMockAgent(), ReconcilerConfig{CollectTimeout: 20 * time.Millisecond})

	report, err := r.RunCycle(context.Background(), TriggerPeriodic)
	if err == nil {
		t.Fatal("expected collection timeout")
	}
	if !IsCollectionError(err) || !HasCode(err, ErrCodeTimeout) {
		t.Errorf("error = %v, want collection timeout", err)
	}
	if report.Status != CycleFailed || report.FailedIn != StateCollecting {
		t.Errorf("report = %s in %s, want failed in collecting", report.Status, report.FailedIn)
	}
	if report.ErrorCode != ErrCodeTimeout {
		t.Errorf("ErrorCode = %s, want %s", report.ErrorCode, ErrCodeTimeout)
	}
	if sink.count() != 1 {
		t.Errorf("failed cycle not reported")
	}
	if r.State() != StateIdle {
		t.Errorf("State() = %s, want idle", r.State())
	}
}

func TestRunCycle_CollectorError(t *testing.T) {
	collector := CollectorFunc(func(ctx context.Context, plan *Plan) (*LiveStateSnapshot, error) {
		return nil, errors.New("kube api unreachable")
	})
	r, _ := newTestReconciler(testPlan(), collector, newMockAgent(), ReconcilerConfig{})

	report, err := r.RunCycle(context.Background(), TriggerPeriodic)
	if !IsCollectionError(err) {
		t.Fatalf("error = %v, want collection error", err)
	}
	if report.Status != CycleFailed {
		t.Errorf("Status = %s, want failed", report.Status)
	}
}

func TestRunCycle_MissingPlan(t *testing.T) {
	r, sink := newTestReconciler(nil, staticCollector(matchingSnapshot()), newMockAgent(), ReconcilerConfig{})

	report, err := r.RunCycle(context.Background(), TriggerPeriodic)
	if !IsConfigError(err) {
		t.Fatalf("error = %v, want config error", err)
	}
	if report.ErrorCode != ErrCodeNotFound {
		t.Errorf("ErrorCode = %s, want %s", report.ErrorCode, ErrCodeNotFound)
	}
	if sink.count() != 1 {
		t.Errorf("failed cycle not reported")
	}
}

func TestRunCycle_Coalesces(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	collector := CollectorFunc(func(ctx context.Context, plan *Plan) (*LiveStateSnapshot, error) {
		close(started)
		<-release
		return matchingSnapshot(), nil
	})
	r, sink := newTestReconciler(testPlan(), collector, newMockAgent(), ReconcilerConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := r.RunCycle(context.Background(), TriggerPeriodic)
		done <- err
	}()
	<-started

	if !r.Busy() {
		t.Fatal("Busy() = false during a cycle")
	}
	if _, err := r.RunCycle(context.Background(), TriggerOnDemand); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("second RunCycle error = %v, want ErrCycleInProgress", err)
	}
	if r.Trigger(TriggerOnDemand) {
		t.Error("Trigger() accepted during an active cycle")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle error = %v", err)
	}
	if sink.count() != 1 {
		t.Errorf("sink received %d reports, want 1", sink.count())
	}
}

func TestRunCycle_CancelledBetweenPhases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	collector := CollectorFunc(func(_ context.Context, plan *Plan) (*LiveStateSnapshot, error) {
		cancel()
		return driftedSnapshot(), nil
	})
	agent := newMockAgent()
	r, sink := newTestReconciler(testPlan(), collector, agent, ReconcilerConfig{})

	report, err := r.RunCycle(ctx, TriggerOnDemand)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if report.Status != CycleCancelled {
		t.Errorf("Status = %s, want cancelled", report.Status)
	}
	if len(agent.calls) != 0 {
		t.Errorf("agent called after cancellation: %v", agent.calls)
	}
	if sink.count() != 1 {
		t.Errorf("cancelled cycle not reported")
	}
}

func TestRunCycle_PlanInterval(t *testing.T) {
	r, _ := newTestReconciler(testPlan(), staticCollector(matchingSnapshot()), newMockAgent(), ReconcilerConfig{})
	if got := r.Interval(); got != DefaultInterval {
		t.Errorf("Interval() before any cycle = %v, want %v", got, DefaultInterval)
	}
	if _, err := r.RunCycle(context.Background(), TriggerPeriodic); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if got := r.Interval(); got != 5*time.Minute {
		t.Errorf("Interval() = %v, want 5m from the plan", got)
	}
}

func TestRunCycle_SinkErrorIgnored(t *testing.T) {
	r, sink := newTestReconciler(testPlan(), staticCollector(matchingSnapshot()), newMockAgent(), ReconcilerConfig{})
	sink.err = errors.New("disk full")

	report, err := r.RunCycle(context.Background(), TriggerPeriodic)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if report.Status != CycleCompleted {
		t.Errorf("Status = %s, want completed", report.Status)
	}
}

func TestRun_PeriodicAndOnDemand(t *testing.T) {
	r, sink := newTestReconciler(testPlan(), staticCollector(matchingSnapshot()), newMockAgent(),
		ReconcilerConfig{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	sink.wait(t)
	for !r.Trigger(TriggerOnDemand) {
		time.Sleep(time.Millisecond)
	}
	sink.wait(t)

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(sink.reports))
	}
	if sink.reports[0].Trigger != TriggerPeriodic || sink.reports[1].Trigger != TriggerOnDemand {
		t.Errorf("triggers = %s, %s", sink.reports[0].Trigger, sink.reports[1].Trigger)
	}
}

func TestRunCycle_TimeoutDuringExecution(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	// The agent ignores its context until the test ends.
	agent := AgentFunc(func(ctx context.Context, issue DriftIssue, plan *Plan) (*Mutation, error) {
		<-release
		return nil, errors.New("released")
	})
	cfg := fastConfig()
	cfg.MaxParallel = 1
	cfg.MaxRetries = 0
	sink := newRecordingSink()
	exec := NewExecutor(agent, cfg, zerolog.Nop())
	planner := NewRemediationPlanner(nil, nil, zerolog.Nop())
	r := NewReconciler(StaticPlan{Plan: testPlan()}, staticCollector(driftedSnapshot()), planner, exec,
		ReconcilerConfig{CycleTimeout: 100 * time.Millisecond}, zerolog.Nop()).WithSinks(sink)

	start := time.Now()
	report, err := r.RunCycle(context.Background(), TriggerOnDemand)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cycle took %s, the deadline was not enforced", elapsed)
	}
	if !HasCode(err, ErrCodeTimeout) {
		t.Fatalf("error = %v, want timeout", err)
	}
	if report.Status != CycleFailed || report.FailedIn != StateExecuting {
		t.Errorf("report = %s in %s, want failed in executing", report.Status, report.FailedIn)
	}
	if report.ErrorCode != ErrCodeTimeout || report.Error == "" {
		t.Errorf("ErrorCode = %q Error = %q", report.ErrorCode, report.Error)
	}
	if report.Result.AppliedFixes != 0 {
		t.Errorf("AppliedFixes = %d, want 0", report.Result.AppliedFixes)
	}

	timedOut := 0
	for _, rem := range report.Result.RemainingIssues {
		switch rem.Reason {
		case ReasonTimeout:
			timedOut++
		case ReasonAgentFailed, ReasonCancelled:
			t.Errorf("%s reason = %s, want timeout", rem.FieldPath, rem.Reason)
		}
	}
	if timedOut == 0 {
		t.Error("no selected fix was reported as timed out")
	}
	if sink.count() != 1 {
		t.Errorf("timed-out cycle not reported")
	}
	if r.State() != StateIdle {
		t.Errorf("State() = %s, want idle", r.State())
	}
}
