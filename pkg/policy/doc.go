// Package policy provides the Open Policy Agent (OPA) remediation guard.
//
// Before the planner lets an automatic fix run unattended it asks the guard
// for a decision. Every enabled policy is a Rego module in package
// autoinfra.remediation that contributes messages to the deny set. A fix
// with any denial is downgraded to manual and reported with reason
// policy_denied.
//
// # Input
//
// Policies see this document as input:
//
//	{
//	  "issue":   { "resourceType", "resourceId", "fieldPath", "expected", "actual", ... },
//	  "service": { "name", "type", "runtime", ... },
//	  "plan":    { "project", "cloud", "deploymentMode", "cost": { "hardLimit", ... } }
//	}
//
// service is absent when the issue belongs to no plan service.
//
// # Built-in Policies
//
//   - secret-env: env keys containing SECRET, TOKEN, PASSWORD or KEY are never
//     written by an agent.
//   - hard-cost-limit: with cost.hardLimit set, raising autoscaling.maxReplicas
//     needs review.
//
// # Custom Policies
//
// Extra policies load from .rego files (named after the file) or JSON
// definitions in configured directories:
//
//	package autoinfra.remediation
//
//	import rego.v1
//
//	# No automatic changes to billing.
//	deny contains "billing is frozen" if {
//		input.service.name == "billing"
//	}
//
// Engine.Watch reloads them when a file changes. A reload that fails to
// compile keeps the previous set.
package policy
