package engine

import (
	"reflect"
	"testing"
	"time"
)

// testPlan returns a kubernetes plan with one public api service.
func testPlan() *Plan {
	p := DefaultPlan("acme")
	p.Retention = RetentionConfig{}
	p.Cost = CostConfig{MonthlyBudgetUSD: 100}
	p.SelfHealing = SelfHealingPolicy{Enabled: true, DriftDetectionIntervalMinutes: 5, MaxAutoFixesPerRun: 10}
	p.Services = []ServiceConfig{
		NewAPIService(ServiceBase{
			Name:    "api",
			Runtime: RuntimeNode,
			Path:    "services/api",
			Image:   "ghcr.io/acme/api:1.2.0",
			Env:     map[string]string{"LOG_LEVEL": "info"},
			Autoscaling: []AutoscalingRule{
				{Metric: MetricCPU, Target: 70, MinReplicas: 2, MaxReplicas: 5},
			},
		}, APISpec{Ports: []int{8080, 9090}, Public: true}),
	}
	return p
}

// matchingSnapshot returns a snapshot that agrees with testPlan on every field.
func matchingSnapshot() *LiveStateSnapshot {
	snap := NewSnapshot(time.Unix(0, 0), ResourceTypeTerraform, ResourceTypeKubernetes)
	snap.Add(LiveResource{
		ResourceType: ResourceTypeTerraform,
		ResourceID:   "module/api",
		Fields:       map[string]interface{}{"runtime": "node", "public": true},
	})
	snap.Add(LiveResource{
		ResourceType: ResourceTypeKubernetes,
		ResourceID:   "deployment/api",
		Fields: map[string]interface{}{
			"image":         "ghcr.io/acme/api:1.2.0",
			"env.LOG_LEVEL": "info",
			"ports":         []int32{9090, 8080},
		},
	})
	snap.Add(LiveResource{
		ResourceType: ResourceTypeKubernetes,
		ResourceID:   "hpa/api-cpu",
		Fields: map[string]interface{}{
			"autoscaling.minReplicas": int32(2),
			"autoscaling.maxReplicas": int32(5),
			"autoscaling.target":      int32(70),
		},
	})
	return snap
}

func TestDetect_NoDrift(t *testing.T) {
	report := Detect(testPlan(), matchingSnapshot())
	if report.HasDrift {
		t.Fatalf("expected no drift, got %d issues: %+v", len(report.Issues), report.Issues)
	}
	if report.Issues == nil {
		t.Error("Issues should be an empty slice, not nil")
	}
}

func TestDetect_ReplicaBoundDrift(t *testing.T) {
	snap := matchingSnapshot()
	hpa, _ := snap.Lookup(ResourceKey{Type: ResourceTypeKubernetes, ID: "hpa/api-cpu"})
	hpa.Fields["autoscaling.minReplicas"] = int32(1)

	report := Detect(testPlan(), snap)
	if len(report.Issues) != 1 {
		t.Fatalf("expected 1 issue, got %d: %+v", len(report.Issues), report.Issues)
	}

	issue := report.Issues[0]
	if issue.FieldPath != "autoscaling.minReplicas" {
		t.Errorf("FieldPath = %q, want autoscaling.minReplicas", issue.FieldPath)
	}
	if issue.Expected != 2 {
		t.Errorf("Expected = %v, want 2", issue.Expected)
	}
	if issue.Actual != int32(1) {
		t.Errorf("Actual = %v, want 1", issue.Actual)
	}
	if issue.Severity != SeverityWarning {
		t.Errorf("Severity = %s, want warning", issue.Severity)
	}
	if issue.FixStrategy != FixApply {
		t.Errorf("FixStrategy = %s, want apply", issue.FixStrategy)
	}
	if issue.ResourceType != ResourceTypeKubernetes || issue.ResourceID != "hpa/api-cpu" {
		t.Errorf("unexpected resource %s", issue.Key())
	}
}

func TestDetect_OrphanDeployment(t *testing.T) {
	plan := testPlan()
	plan.Services = nil

	snap := NewSnapshot(time.Unix(0, 0), ResourceTypeKubernetes)
	snap.Add(LiveResource{ResourceType: ResourceTypeKubernetes, ResourceID: "deployment/legacy-worker"})

	report := Detect(plan, snap)
	if len(report.Issues) != 1 {
		t.Fatalf("expected 1 issue, got %d: %+v", len(report.Issues), report.Issues)
	}
	issue := report.Issues[0]
	if issue.FixStrategy != FixUpdatePlan {
		t.Errorf("FixStrategy = %s, want update_plan", issue.FixStrategy)
	}
	if issue.Severity != SeverityInfo {
		t.Errorf("Severity = %s, want info", issue.Severity)
	}
	if issue.FieldPath != FieldPathResource {
		t.Errorf("FieldPath = %q, want %q", issue.FieldPath, FieldPathResource)
	}
}

func TestDetect_Idempotent(t *testing.T) {
	plan := testPlan()
	snap := matchingSnapshot()
	dep, _ := snap.Lookup(ResourceKey{Type: ResourceTypeKubernetes, ID: "deployment/api"})
	dep.Fields["image"] = "ghcr.io/acme/api:1.1.0"
	dep.Fields["env.LOG_LEVEL"] = "debug"
	snap.Add(LiveResource{ResourceType: ResourceTypeKubernetes, ResourceID: "deployment/old"})
	snap.Add(LiveResource{ResourceType: ResourceTypeTerraform, ResourceID: "queue/old"})

	first := Detect(plan, snap)
	second := Detect(plan, snap)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("detection not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
	}
	if len(first.Issues) != 4 {
		t.Fatalf("expected 4 issues, got %d: %+v", len(first.Issues), first.Issues)
	}

	// Fields sorted by path, then orphans sorted by identity.
	want := []string{
		"kubernetes:deployment/api|env.LOG_LEVEL",
		"kubernetes:deployment/api|image",
		"kubernetes:deployment/old|$",
		"terraform:queue/old|$",
	}
	for i, issue := range first.Issues {
		if got := issue.Key().String() + "|" + issue.FieldPath; got != want[i] {
			t.Errorf("issue %d = %s, want %s", i, got, want[i])
		}
	}
}

func TestDetect_StableIssueIDs(t *testing.T) {
	id := IssueID(ResourceTypeKubernetes, "hpa/api-cpu", "autoscaling.minReplicas")
	if len(id) != 16 {
		t.Errorf("id length = %d, want 16", len(id))
	}
	if id != IssueID(ResourceTypeKubernetes, "hpa/api-cpu", "autoscaling.minReplicas") {
		t.Error("IssueID is not deterministic")
	}
	if id == IssueID(ResourceTypeKubernetes, "hpa/api-cpu", "autoscaling.maxReplicas") {
		t.Error("different field paths produced the same id")
	}
}

func TestDetect_Completeness(t *testing.T) {
	plan := testPlan()
	plan.Queues = []QueueConfig{{Name: "jobs", Type: QueueSQS}}

	// Nothing live at all: every expected resource is missing exactly once.
	snap := NewSnapshot(time.Unix(0, 0))
	report := Detect(plan, snap)

	expected := ExpectedResources(plan)
	if len(report.Issues) != len(expected) {
		t.Fatalf("expected %d issues, got %d", len(expected), len(report.Issues))
	}
	for i, res := range expected {
		issue := report.Issues[i]
		if issue.Key() != res.Key {
			t.Errorf("issue %d is for %s, want %s", i, issue.Key(), res.Key)
		}
		if issue.FixStrategy != FixApply {
			t.Errorf("%s: FixStrategy = %s, want apply", res.Key, issue.FixStrategy)
		}
		wantSev := SeverityWarning
		if res.Required {
			wantSev = SeverityCritical
		}
		if issue.Severity != wantSev {
			t.Errorf("%s: Severity = %s, want %s", res.Key, issue.Severity, wantSev)
		}
	}
}

func TestDetect_Coverage(t *testing.T) {
	plan := testPlan()

	// A kubernetes-only snapshot says nothing about terraform or plan resources.
	snap := matchingSnapshot()
	delete(snap.Resources, ResourceKey{Type: ResourceTypeTerraform, ID: "module/api"})
	snap.Systems = []ResourceType{ResourceTypeKubernetes}

	if report := Detect(plan, snap); report.HasDrift {
		t.Fatalf("expected no drift for uncovered systems, got %+v", report.Issues)
	}

	snap.Systems = []ResourceType{ResourceTypeKubernetes, ResourceTypeTerraform}
	report := Detect(plan, snap)
	if len(report.Issues) != 1 || report.Issues[0].ResourceID != "module/api" {
		t.Fatalf("expected one missing module/api issue, got %+v", report.Issues)
	}
	if report.Issues[0].Severity != SeverityCritical {
		t.Errorf("missing required resource Severity = %s, want critical", report.Issues[0].Severity)
	}
}

func TestDetect_UnreportedFieldsNotCompared(t *testing.T) {
	snap := matchingSnapshot()
	dep, _ := snap.Lookup(ResourceKey{Type: ResourceTypeKubernetes, ID: "deployment/api"})
	delete(dep.Fields, "ports")
	delete(dep.Fields, "env.LOG_LEVEL")

	if report := Detect(testPlan(), snap); report.HasDrift {
		t.Fatalf("expected no drift, got %+v", report.Issues)
	}
}

func TestDetect_NilInputs(t *testing.T) {
	if report := Detect(nil, nil); report.HasDrift {
		t.Errorf("nil plan and snapshot should have no drift, got %+v", report.Issues)
	}

	// A nil snapshot is an empty one: everything the plan implies is missing.
	plan := testPlan()
	report := Detect(plan, nil)
	if len(report.Issues) != len(ExpectedResources(plan)) {
		t.Errorf("expected every resource missing, got %+v", report.Issues)
	}
}

func TestExpectedResources_Modes(t *testing.T) {
	worker := NewWorkerService(ServiceBase{Name: "resize", Runtime: RuntimePython, Path: "workers/resize"},
		WorkerSpec{Queue: "images", Concurrency: 3})

	tests := []struct {
		name string
		mode DeploymentMode
		want []string
	}{
		{
			name: "serverless",
			mode: DeploymentServerless,
			want: []string{"terraform:function/resize", "terraform:queue/images", "plan:budget"},
		},
		{
			name: "kubernetes",
			mode: DeploymentKubernetes,
			want: []string{"terraform:module/resize", "kubernetes:deployment/resize", "terraform:queue/images", "plan:budget"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := DefaultPlan("acme")
			plan.Retention = RetentionConfig{}
			plan.DeploymentMode = tt.mode
			plan.Services = []ServiceConfig{worker}
			plan.Queues = []QueueConfig{{Name: "images", Type: QueueSQS}}

			var got []string
			for _, r := range ExpectedResources(plan) {
				got = append(got, r.Key.String())
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpectedResources_Defaults(t *testing.T) {
	plan := testPlan()
	plan.Services[0].Autoscaling = nil
	plan.Services[0].Image = ""
	plan.AutoscalingDefaults = &AutoscalingRule{Metric: MetricRPS, Target: 100, MinReplicas: 1, MaxReplicas: 3}
	plan.Retention = RetentionConfig{LogsDays: 14}

	byKey := make(map[string]ExpectedResource)
	for _, r := range ExpectedResources(plan) {
		byKey[r.Key.String()] = r
	}

	dep, ok := byKey["kubernetes:deployment/api"]
	if !ok {
		t.Fatal("deployment/api not derived")
	}
	if got := dep.Fields["image"].Value; got != "ghcr.io/acme/api:latest" {
		t.Errorf("default image = %v", got)
	}
	if _, ok := byKey["kubernetes:hpa/api-rps"]; !ok {
		t.Error("autoscaling defaults not applied to a service without rules")
	}
	ret, ok := byKey["plan:retention"]
	if !ok {
		t.Fatal("retention resource not derived")
	}
	if len(ret.Fields) != 1 {
		t.Errorf("retention fields = %v, want only logsDays", ret.Fields)
	}
}

func TestFieldEqual(t *testing.T) {
	tests := []struct {
		name   string
		field  ExpectedField
		actual interface{}
		want   bool
	}{
		{"int vs int32", ExpectedField{Kind: FieldNumber, Value: 2}, int32(2), true},
		{"int vs float", ExpectedField{Kind: FieldNumber, Value: 70.0}, 70, true},
		{"number differs", ExpectedField{Kind: FieldNumber, Value: 2}, 1, false},
		{"number vs string", ExpectedField{Kind: FieldNumber, Value: 2}, "2", false},
		{"text", ExpectedField{Kind: FieldText, Value: "a"}, "a", true},
		{"text differs", ExpectedField{Kind: FieldText, Value: "a"}, "b", false},
		{"text from bool", ExpectedField{Kind: FieldText, Value: "true"}, true, true},
		{"bool", ExpectedField{Kind: FieldBool, Value: true}, true, true},
		{"bool from string", ExpectedField{Kind: FieldBool, Value: false}, "false", true},
		{"set reordered", ExpectedField{Kind: FieldSet, Value: []interface{}{8080, 9090}}, []int{9090, 8080}, true},
		{"set differs", ExpectedField{Kind: FieldSet, Value: []interface{}{8080}}, []int{8081}, false},
		{"set length", ExpectedField{Kind: FieldSet, Value: []interface{}{8080}}, []int{8080, 9090}, false},
		{"nil actual", ExpectedField{Kind: FieldText, Value: "a"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fieldEqual(tt.field, tt.actual); got != tt.want {
				t.Errorf("fieldEqual(%v, %v) = %v, want %v", tt.field.Value, tt.actual, got, tt.want)
			}
		})
	}
}
