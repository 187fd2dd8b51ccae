package engine

import "strings"

// Classifier rule names, in evaluation order.
const (
	RuleMissingResource = "missing-resource"
	RuleImmutableField  = "immutable-field"
	RuleScalarConfig    = "scalar-config"
	RuleOrphanResource  = "orphan-resource"
	RuleUnmatched       = "unmatched"
)

// Classification is the severity and fix strategy assigned to a mismatch.
type Classification struct {
	Severity    Severity
	FixStrategy FixStrategy
	Rule        string
}

// immutableFields cannot be changed without replacing the resource.
var immutableFields = map[string]bool{
	"image":      true,
	"runtime":    true,
	"queue.type": true,
}

// scalarPrefixes name field groups that can be changed in place. Autoscaler
// replica bounds are in this group: the autoscaler is patched, not replaced.
var scalarPrefixes = []string{
	"env.",
	"autoscaling.",
	"monitoring.",
	"queue.",
	"cron.",
	"retention.",
	"cost.",
}

var scalarFields = map[string]bool{
	"concurrency": true,
}

// IsImmutableField reports whether changing the field requires a recreate.
func IsImmutableField(path string) bool {
	return immutableFields[path]
}

// IsScalarField reports whether the field can be changed in place.
func IsScalarField(path string) bool {
	if immutableFields[path] {
		return false
	}
	if scalarFields[path] {
		return true
	}
	for _, prefix := range scalarPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Classify assigns severity and fix strategy to a mismatch. The first matching
// rule wins and every mismatch matches some rule.
func Classify(m Mismatch, plan *Plan) Classification {
	switch {
	case m.Kind == MismatchMissing:
		sev := SeverityWarning
		if m.Required {
			sev = SeverityCritical
		}
		return Classification{Severity: sev, FixStrategy: FixApply, Rule: RuleMissingResource}

	case m.Kind == MismatchField && IsImmutableField(m.FieldPath):
		sev := SeverityWarning
		if servicePublic(plan, m.Service) {
			sev = SeverityCritical
		}
		return Classification{Severity: sev, FixStrategy: FixRecreate, Rule: RuleImmutableField}

	case m.Kind == MismatchField && IsScalarField(m.FieldPath):
		return Classification{Severity: SeverityWarning, FixStrategy: FixApply, Rule: RuleScalarConfig}

	case m.Kind == MismatchOrphan:
		return Classification{Severity: SeverityInfo, FixStrategy: FixUpdatePlan, Rule: RuleOrphanResource}

	default:
		return Classification{Severity: SeverityWarning, FixStrategy: FixManual, Rule: RuleUnmatched}
	}
}

func servicePublic(plan *Plan, name string) bool {
	if plan == nil || name == "" {
		return false
	}
	svc, ok := plan.Service(name)
	return ok && svc.IsPublic()
}
