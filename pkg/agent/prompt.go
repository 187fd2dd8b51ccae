package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

// BuildPrompt describes one drift issue for a code-mutation agent. The agent
// edits the generated infrastructure artifacts so the live resource matches
// the plan; it must never edit the plan itself.
func BuildPrompt(issue engine.DriftIssue, plan *engine.Plan) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Fix infrastructure drift on %s resource %s.\n\n", issue.ResourceType, issue.ResourceID)

	if issue.FieldPath == engine.FieldPathResource {
		if issue.Expected == engine.ValueAbsent {
			b.WriteString("The resource exists but the plan does not declare it. Remove it from the generated artifacts.\n")
		} else {
			b.WriteString("The plan declares this resource but it does not exist. Create it from the plan.\n")
		}
	} else {
		fmt.Fprintf(&b, "Field:    %s\n", issue.FieldPath)
		fmt.Fprintf(&b, "Expected: %s\n", render(issue.Expected))
		fmt.Fprintf(&b, "Actual:   %s\n", render(issue.Actual))
	}

	fmt.Fprintf(&b, "Severity: %s\nStrategy: %s\n", issue.Severity, issue.FixStrategy)
	if issue.FixStrategy == engine.FixRecreate {
		b.WriteString("The field cannot change in place; the resource must be replaced.\n")
	}

	if plan != nil {
		fmt.Fprintf(&b, "\nPlan: cloud=%s region=%s mode=%s", plan.Cloud, plan.Region, plan.DeploymentMode)
		if plan.Project != "" {
			fmt.Fprintf(&b, " project=%s", plan.Project)
		}
		b.WriteString("\n")

		if svc, ok := plan.Service(issue.Service); ok {
			if data, err := json.Marshal(svc); err == nil {
				fmt.Fprintf(&b, "Service %s: %s\n", svc.Name, data)
			}
		}
	}

	b.WriteString("\nDo not modify the plan file. Reply with a single JSON line: " +
		`{"message": "<summary>", "changed": ["<file or resource>"]}` + "\n")
	return b.String()
}

func render(v interface{}) string {
	if v == nil {
		return "(absent)"
	}
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
