package collector

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

const testKubectlList = `{
  "apiVersion": "v1",
  "kind": "List",
  "items": [
    {
      "apiVersion": "apps/v1",
      "kind": "Deployment",
      "metadata": {"name": "api", "namespace": "prod"},
      "spec": {
        "selector": {"matchLabels": {"app": "api"}},
        "template": {
          "metadata": {"labels": {"app": "api"}},
          "spec": {"containers": [{"name": "api", "image": "ghcr.io/acme/api:1.2.0", "ports": [{"containerPort": 8080}]}]}
        }
      }
    },
    {
      "apiVersion": "autoscaling/v2",
      "kind": "HorizontalPodAutoscaler",
      "metadata": {"name": "api-cpu", "namespace": "prod"},
      "spec": {
        "scaleTargetRef": {"apiVersion": "apps/v1", "kind": "Deployment", "name": "api"},
        "minReplicas": 2,
        "maxReplicas": 5,
        "metrics": [{"type": "Resource", "resource": {"name": "cpu", "target": {"type": "Utilization", "averageUtilization": 70}}}]
      }
    },
    {
      "apiVersion": "batch/v1",
      "kind": "CronJob",
      "metadata": {"name": "nightly", "namespace": "prod"},
      "spec": {"schedule": "0 3 * * *", "jobTemplate": {"spec": {"template": {"spec": {"containers": []}}}}}
    },
    {
      "apiVersion": "v1",
      "kind": "Service",
      "metadata": {"name": "api", "namespace": "prod"},
      "spec": {"ports": [{"port": 80}]}
    }
  ]
}`

func TestParseKubectlOutput_List(t *testing.T) {
	snap, err := ParseKubectlOutput([]byte(testKubectlList))
	if err != nil {
		t.Fatalf("ParseKubectlOutput() error = %v", err)
	}

	if len(snap.Resources) != 3 {
		t.Fatalf("expected 3 resources, got %v", snap.SortedKeys())
	}
	deploy := liveFields(t, snap, engine.ResourceTypeKubernetes, "deployment/api")
	if deploy["image"] != "ghcr.io/acme/api:1.2.0" {
		t.Errorf("image = %v", deploy["image"])
	}
	hpa := liveFields(t, snap, engine.ResourceTypeKubernetes, "hpa/api-cpu")
	if hpa["autoscaling.maxReplicas"] != int32(5) {
		t.Errorf("maxReplicas = %v", hpa["autoscaling.maxReplicas"])
	}
	liveFields(t, snap, engine.ResourceTypeKubernetes, "cronjob/nightly")
}

func TestParseKubectlOutput_SingleObject(t *testing.T) {
	data := `{"apiVersion": "batch/v1", "kind": "CronJob", "metadata": {"name": "nightly"}, "spec": {"schedule": "0 3 * * *", "jobTemplate": {"spec": {"template": {"spec": {"containers": []}}}}}}`

	snap, err := ParseKubectlOutput([]byte(data))
	if err != nil {
		t.Fatalf("ParseKubectlOutput() error = %v", err)
	}
	if f := liveFields(t, snap, engine.ResourceTypeKubernetes, "cronjob/nightly"); f["cron.schedule"] != "0 3 * * *" {
		t.Errorf("schedule = %v", f["cron.schedule"])
	}
}

func TestParseKubectlOutput_Malformed(t *testing.T) {
	if _, err := ParseKubectlOutput([]byte(`not json`)); !engine.IsCollectionError(err) {
		t.Errorf("expected collection error, got %v", err)
	}
}

func TestKubectlCollector_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.json")
	if err := os.WriteFile(path, []byte(testKubectlList), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewKubectlCollector(KubectlConfig{File: path}, zerolog.Nop())
	snap, err := c.Collect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(snap.Resources) != 3 {
		t.Errorf("expected 3 resources, got %d", len(snap.Resources))
	}
}

func TestKubectlCollector_RunsGet(t *testing.T) {
	c := NewKubectlCollector(KubectlConfig{Namespace: "prod", Context: "staging"}, zerolog.Nop())

	var got string
	c.run = func(ctx context.Context, dir, binary string, args ...string) ([]byte, error) {
		got = binary + " " + strings.Join(args, " ")
		return []byte(testKubectlList), nil
	}

	if _, err := c.Collect(context.Background(), nil); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	want := "kubectl get deployments,hpa,cronjobs -o json -l " + DefaultLabelSelector + " -n prod --context staging"
	if got != want {
		t.Errorf("ran %q\nwant %q", got, want)
	}
}
