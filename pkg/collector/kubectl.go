package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	batchv1 "k8s.io/api/batch/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/scheme"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

// KubectlConfig selects where kubectl output comes from.
type KubectlConfig struct {
	// File holds the output of "kubectl get deployments,hpa,cronjobs -o json".
	// When empty, kubectl is run.
	File string `yaml:"file" json:"file,omitempty"`

	// Binary is the kubectl executable. Defaults to "kubectl".
	Binary string `yaml:"binary" json:"binary,omitempty"`

	Context       string `yaml:"context" json:"context,omitempty"`
	Namespace     string `yaml:"namespace" json:"namespace,omitempty"`
	LabelSelector string `yaml:"labelSelector" json:"labelSelector,omitempty"`
}

// KubectlCollector observes the cluster from kubectl JSON output. It covers
// the same objects as KubernetesCollector without needing API credentials in
// the daemon.
type KubectlCollector struct {
	cfg    KubectlConfig
	logger zerolog.Logger
	run    func(ctx context.Context, dir, binary string, args ...string) ([]byte, error)
}

// NewKubectlCollector creates a kubectl collector.
func NewKubectlCollector(cfg KubectlConfig, logger zerolog.Logger) *KubectlCollector {
	if cfg.Binary == "" {
		cfg.Binary = "kubectl"
	}
	if cfg.LabelSelector == "" {
		cfg.LabelSelector = DefaultLabelSelector
	}
	return &KubectlCollector{
		cfg:    cfg,
		logger: logger.With().Str("collector", "kubectl").Logger(),
		run:    runCommand,
	}
}

// Name identifies the collector in logs and spans.
func (c *KubectlCollector) Name() string {
	return "kubectl"
}

// Collect reads the kubectl output and normalizes every recognized object.
func (c *KubectlCollector) Collect(ctx context.Context, plan *engine.Plan) (*engine.LiveStateSnapshot, error) {
	data, err := c.read(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := ParseKubectlOutput(data)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Int("resources", len(snap.Resources)).Msg("Collected kubectl output")
	return snap, nil
}

func (c *KubectlCollector) read(ctx context.Context) ([]byte, error) {
	if c.cfg.File != "" {
		data, err := os.ReadFile(c.cfg.File)
		if err != nil {
			return nil, engine.NewCollectionError(fmt.Sprintf("failed to read kubectl output %s", c.cfg.File), err).
				WithOperation("kubectl.read")
		}
		return data, nil
	}

	args := []string{"get", "deployments,hpa,cronjobs", "-o", "json", "-l", c.cfg.LabelSelector}
	if c.cfg.Namespace != "" {
		args = append(args, "-n", c.cfg.Namespace)
	} else {
		args = append(args, "--all-namespaces")
	}
	if c.cfg.Context != "" {
		args = append(args, "--context", c.cfg.Context)
	}

	out, err := c.run(ctx, "", c.cfg.Binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewCollectionError("kubectl get failed", err).WithOperation("kubectl.get")
	}
	return out, nil
}

// ParseKubectlOutput normalizes a kubectl JSON document, either a List or a
// single object. Kinds other than deployments, autoscalers and cron jobs are skipped.
func ParseKubectlOutput(data []byte) (*engine.LiveStateSnapshot, error) {
	var doc struct {
		Kind  string            `json:"kind"`
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewCollectionError("failed to parse kubectl output", err).
			WithOperation("kubectl.parse")
	}

	items := doc.Items
	if !strings.HasSuffix(doc.Kind, "List") {
		items = []json.RawMessage{data}
	}

	snap := engine.NewSnapshot(time.Now().UTC(), engine.ResourceTypeKubernetes)
	decoder := scheme.Codecs.UniversalDeserializer()
	for i, raw := range items {
		obj, _, err := decoder.Decode(raw, nil, nil)
		if runtime.IsNotRegisteredError(err) {
			continue
		}
		if err != nil {
			return nil, engine.NewCollectionError(fmt.Sprintf("failed to decode item %d of kubectl output", i), err).
				WithOperation("kubectl.parse")
		}

		switch o := obj.(type) {
		case *appsv1.Deployment:
			snap.Add(DeploymentResource(o))
		case *autoscalingv2.HorizontalPodAutoscaler:
			snap.Add(AutoscalerResource(o))
		case *batchv1.CronJob:
			snap.Add(CronJobResource(o))
		}
	}
	return snap, nil
}
