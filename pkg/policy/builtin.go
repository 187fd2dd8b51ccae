package policy

// BuiltinPolicies returns the policies shipped with the binary.
func BuiltinPolicies() []Policy {
	return []Policy{
		secretEnvPolicy(),
		hardCostLimitPolicy(),
	}
}

// secretEnvPolicy keeps agents away from environment variables that hold
// credentials. Those are rotated through the secret store, never by an agent.
func secretEnvPolicy() Policy {
	return Policy{
		Name:        "secret-env",
		Description: "Agents never write environment variables that look like secrets",
		Enabled:     true,
		Builtin:     true,
		Rego: `package autoinfra.remediation

import rego.v1

secret_markers := {"SECRET", "TOKEN", "PASSWORD", "KEY"}

deny contains msg if {
	startswith(input.issue.fieldPath, "env.")
	key := upper(substring(input.issue.fieldPath, 4, -1))
	some marker in secret_markers
	contains(key, marker)
	msg := sprintf("env %s looks like a secret and must be changed by hand", [key])
}
`,
	}
}

// hardCostLimitPolicy holds scale-ups for review when the plan caps spend.
func hardCostLimitPolicy() Policy {
	return Policy{
		Name:        "hard-cost-limit",
		Description: "Raising maxReplicas under a hard cost limit needs review",
		Enabled:     true,
		Builtin:     true,
		Rego: `package autoinfra.remediation

import rego.v1

deny contains msg if {
	input.plan.cost.hardLimit
	input.issue.fieldPath == "autoscaling.maxReplicas"
	is_number(input.issue.expected)
	raises_replicas
	msg := sprintf("raising maxReplicas of %s to %v exceeds what a hard cost limit allows unattended", [input.issue.resourceId, input.issue.expected])
}

raises_replicas if {
	not is_number(input.issue.actual)
}

raises_replicas if {
	input.issue.expected > input.issue.actual
}
`,
	}
}
