package engine

// MismatchKind distinguishes the structural shapes of a discrepancy.
type MismatchKind string

const (
	// MismatchMissing is an expected resource with no live counterpart.
	MismatchMissing MismatchKind = "missing"

	// MismatchField is a field whose live value differs from the plan.
	MismatchField MismatchKind = "field"

	// MismatchOrphan is a live resource the plan does not declare.
	MismatchOrphan MismatchKind = "orphan"
)

// Whole-resource placeholder values for missing and orphan issues.
const (
	ValuePresent = "present"
	ValueAbsent  = "absent"
)

// Mismatch is a raw structural discrepancy, before classification.
type Mismatch struct {
	Kind      MismatchKind
	Key       ResourceKey
	FieldPath string
	Expected  interface{}
	Actual    interface{}

	Service  string
	Required bool
	Stateful bool
}

// DetectMismatches diffs live state against the resources implied by the plan.
//
// The result is ordered: expected resources in derivation order with their
// fields sorted by path, then orphans sorted by identity. Missing resources are
// only reported for systems the snapshot covered. Fields the live side does not
// report are not compared.
func DetectMismatches(plan *Plan, live *LiveStateSnapshot) []Mismatch {
	expected := ExpectedResources(plan)
	declared := make(map[ResourceKey]bool, len(expected))

	var out []Mismatch
	for _, res := range expected {
		declared[res.Key] = true

		observed, ok := live.Lookup(res.Key)
		if !ok {
			if live.Covers(res.Key.Type) {
				out = append(out, Mismatch{
					Kind:      MismatchMissing,
					Key:       res.Key,
					FieldPath: FieldPathResource,
					Expected:  ValuePresent,
					Actual:    ValueAbsent,
					Service:   res.Service,
					Required:  res.Required,
					Stateful:  res.Stateful,
				})
			}
			continue
		}

		for _, path := range res.SortedFieldPaths() {
			actual, reported := observed.Fields[path]
			if !reported {
				continue
			}
			field := res.Fields[path]
			if fieldEqual(field, actual) {
				continue
			}
			out = append(out, Mismatch{
				Kind:      MismatchField,
				Key:       res.Key,
				FieldPath: path,
				Expected:  field.Value,
				Actual:    actual,
				Service:   res.Service,
				Required:  res.Required,
				Stateful:  res.Stateful,
			})
		}
	}

	if live == nil {
		return out
	}
	for _, key := range live.SortedKeys() {
		if declared[key] {
			continue
		}
		out = append(out, Mismatch{
			Kind:      MismatchOrphan,
			Key:       key,
			FieldPath: FieldPathResource,
			Expected:  ValueAbsent,
			Actual:    ValuePresent,
		})
	}
	return out
}

// Detect produces the classified drift report for one cycle. It is a pure
// function of its inputs: the same plan and snapshot yield the same report.
func Detect(plan *Plan, live *LiveStateSnapshot) DriftReport {
	mismatches := DetectMismatches(plan, live)
	issues := make([]DriftIssue, 0, len(mismatches))
	for _, m := range mismatches {
		issues = append(issues, NewIssue(m, Classify(m, plan)))
	}
	return NewDriftReport(issues)
}

// NewIssue builds the issue for a classified mismatch.
func NewIssue(m Mismatch, c Classification) DriftIssue {
	return DriftIssue{
		ID:           IssueID(m.Key.Type, m.Key.ID, m.FieldPath),
		ResourceType: m.Key.Type,
		ResourceID:   m.Key.ID,
		FieldPath:    m.FieldPath,
		Expected:     m.Expected,
		Actual:       m.Actual,
		Severity:     c.Severity,
		FixStrategy:  c.FixStrategy,
		Service:      m.Service,
		Stateful:     m.Stateful,
		Rule:         c.Rule,
	}
}
