// Package engine provides the core types and the reconciliation cycle for the
// autoinfra engine.
//
// # Overview
//
// autoinfra keeps deployed infrastructure in line with a declarative plan. A
// reconciliation cycle runs through these phases:
//
//  1. Collect - Read the plan snapshot and the live state (PlanSource, StateCollector)
//  2. Detect - Diff live state against the resources the plan implies (DetectMismatches)
//  3. Classify - Assign severity and fix strategy to every mismatch (Classify)
//  4. Plan - Select the fixes allowed this cycle (RemediationPlanner)
//  5. Execute - Apply the selected fixes through a mutation agent (Executor)
//  6. Report - Emit the cycle report to every sink (ReportSink)
//
// # Core Domain Types
//
//   - Plan: the desired state of a project, read-only during a cycle
//   - LiveStateSnapshot: observed resources keyed by (ResourceType, id)
//   - DriftIssue: one classified discrepancy with a stable ID
//   - DriftReport: the issues of one cycle in detection order
//   - RemediationResult: applied fixes and remaining issues with reasons
//   - CycleReport: the record of one cycle, emitted even when it failed
//
// # Detection
//
// ExpectedResources derives the resources a plan implies, with fixed
// identifiers:
//
//	function/<service> or module/<service>   terraform, per service
//	deployment/<service>                     kubernetes, cluster modes
//	hpa/<service>-<metric>                   kubernetes, one per scaling rule
//	alert/<scope>-<name>                     terraform, monitoring thresholds
//	queue/<name>                             terraform
//	cronjob/<name>                           kubernetes
//	retention, budget                        plan-level settings
//
// Detection is a pure function: the same plan and snapshot always yield the
// same report, with issues in the same order and with the same IDs.
//
// # Classification
//
// Classification rules are evaluated in order and the first match wins:
//
//	missing resource     critical if required, else warning   apply
//	immutable field      critical if public, else warning     recreate
//	scalar config        warning                              apply
//	orphan resource      info                                 update_plan
//	anything else        warning                              manual
//
// # Remediation
//
// The planner never selects manual or update_plan issues, downgrades a recreate
// of a stateful resource to manual, and selects at most MaxAutoFixesPerRun
// issues by severity. The executor fixes different resources in parallel and
// issues on one resource in order. A failed fix never fails the cycle.
//
// # Concurrency
//
// At most one cycle runs at a time. A trigger that arrives during a cycle is
// coalesced and counted, never queued.
//
// # Error Handling
//
// Errors are classified for retry logic and by kind:
//
//   - ErrorClassTransient: temporary errors that should be retried
//   - ErrorClassThrottled: rate-limit errors that need a longer backoff
//   - ErrorClassConflict: concurrent modification errors
//   - ErrorClassPermanent: errors that will not succeed on retry
//
// Configuration errors and collection errors fail the cycle. Remediation
// failures and policy violations are per-issue and end up in the report.
//
// Use the helper functions to check error types:
//
//	if engine.IsRetryable(err) {
//	    // retry with backoff
//	}
//	if engine.IsConfigError(err) {
//	    // the plan is missing or invalid
//	}
package engine
