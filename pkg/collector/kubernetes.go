package collector

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

// Annotations carrying plan settings that have no native field on the object.
const (
	AnnotationQueue         = "autoinfra.io/queue"
	AnnotationConcurrency   = "autoinfra.io/concurrency"
	AnnotationTargetService = "autoinfra.io/target-service"
	AnnotationHandler       = "autoinfra.io/handler"
)

// DefaultLabelSelector selects the objects generated for a plan. Objects
// outside it are not observed, so they never show up as orphans.
const DefaultLabelSelector = "app.kubernetes.io/managed-by=autoinfra"

// KubernetesConfig locates the cluster and the objects to observe.
type KubernetesConfig struct {
	// Kubeconfig is the path of a kubeconfig file. Empty uses the default
	// loading rules, then the in-cluster config.
	Kubeconfig string `yaml:"kubeconfig" json:"kubeconfig,omitempty"`

	// Context overrides the kubeconfig's current context.
	Context string `yaml:"context" json:"context,omitempty"`

	// Namespace to observe. Empty observes all namespaces.
	Namespace string `yaml:"namespace" json:"namespace,omitempty"`

	// LabelSelector filters objects. Defaults to DefaultLabelSelector.
	LabelSelector string `yaml:"labelSelector" json:"labelSelector,omitempty"`
}

// NewClientset builds a clientset from the config.
func NewClientset(cfg KubernetesConfig) (kubernetes.Interface, error) {
	restConfig, err := restConfig(cfg)
	if err != nil {
		return nil, engine.NewCollectionError("failed to load kubernetes config", err).
			WithCode(engine.ErrCodePermissionDenied)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, engine.NewCollectionError("failed to create kubernetes client", err)
	}
	return clientset, nil
}

func restConfig(cfg KubernetesConfig) (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		rules.ExplicitPath = cfg.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: cfg.Context}

	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err == nil {
		return config, nil
	}
	if cfg.Kubeconfig == "" {
		if inCluster, inErr := rest.InClusterConfig(); inErr == nil {
			return inCluster, nil
		}
	}
	return nil, err
}

// KubernetesCollector observes deployments, autoscalers and cron jobs through
// the cluster API.
type KubernetesCollector struct {
	client    kubernetes.Interface
	namespace string
	selector  string
	logger    zerolog.Logger
}

// NewKubernetesCollector creates a collector over an existing clientset.
func NewKubernetesCollector(client kubernetes.Interface, cfg KubernetesConfig, logger zerolog.Logger) *KubernetesCollector {
	selector := cfg.LabelSelector
	if selector == "" {
		selector = DefaultLabelSelector
	}
	return &KubernetesCollector{
		client:    client,
		namespace: cfg.Namespace,
		selector:  selector,
		logger:    logger.With().Str("collector", "kubernetes").Logger(),
	}
}

// Name identifies the collector in logs and spans.
func (c *KubernetesCollector) Name() string {
	return "kubernetes"
}

// Collect lists the selected objects and normalizes them.
func (c *KubernetesCollector) Collect(ctx context.Context, plan *engine.Plan) (*engine.LiveStateSnapshot, error) {
	opts := metav1.ListOptions{LabelSelector: c.selector}
	snap := engine.NewSnapshot(time.Now().UTC(), engine.ResourceTypeKubernetes)

	deployments, err := c.client.AppsV1().Deployments(c.namespace).List(ctx, opts)
	if err != nil {
		return nil, kubeError("deployments", err)
	}
	for i := range deployments.Items {
		snap.Add(DeploymentResource(&deployments.Items[i]))
	}

	hpas, err := c.client.AutoscalingV2().HorizontalPodAutoscalers(c.namespace).List(ctx, opts)
	if err != nil {
		return nil, kubeError("horizontal pod autoscalers", err)
	}
	for i := range hpas.Items {
		snap.Add(AutoscalerResource(&hpas.Items[i]))
	}

	crons, err := c.client.BatchV1().CronJobs(c.namespace).List(ctx, opts)
	if err != nil {
		return nil, kubeError("cron jobs", err)
	}
	for i := range crons.Items {
		snap.Add(CronJobResource(&crons.Items[i]))
	}

	c.logger.Debug().
		Int("deployments", len(deployments.Items)).
		Int("autoscalers", len(hpas.Items)).
		Int("cronjobs", len(crons.Items)).
		Msg("Collected cluster state")

	return snap, nil
}

func kubeError(what string, err error) error {
	e := engine.NewCollectionError(fmt.Sprintf("failed to list %s", what), err).
		WithOperation("kubernetes.list")
	switch {
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		e = e.WithCode(engine.ErrCodePermissionDenied)
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err):
		e = e.WithCode(engine.ErrCodeTimeout)
	case apierrors.IsTooManyRequests(err):
		e = e.WithCode(engine.ErrCodeRateLimited)
	}
	return e
}

// DeploymentResource normalizes a deployment. Only literal env values are
// reported; values sourced from secrets or config maps are not comparable.
func DeploymentResource(d *appsv1.Deployment) engine.LiveResource {
	fields := make(map[string]interface{})

	if container := mainContainer(d.Name, d.Spec.Template.Spec.Containers); container != nil {
		fields["image"] = container.Image
		for _, env := range container.Env {
			if env.ValueFrom == nil {
				fields["env."+env.Name] = env.Value
			}
		}
		if len(container.Ports) > 0 {
			ports := make([]int32, 0, len(container.Ports))
			for _, p := range container.Ports {
				ports = append(ports, p.ContainerPort)
			}
			fields["ports"] = ports
		}
	}

	if q, ok := d.Annotations[AnnotationQueue]; ok {
		fields["queue"] = q
	}
	if raw, ok := d.Annotations[AnnotationConcurrency]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			fields["concurrency"] = n
		}
	}

	return engine.LiveResource{
		ResourceType: engine.ResourceTypeKubernetes,
		ResourceID:   engine.DeploymentID(d.Name),
		Fields:       fields,
	}
}

// mainContainer picks the container named after the workload, else the first.
func mainContainer(name string, containers []corev1.Container) *corev1.Container {
	for i := range containers {
		if containers[i].Name == name {
			return &containers[i]
		}
	}
	if len(containers) > 0 {
		return &containers[0]
	}
	return nil
}

// AutoscalerResource normalizes a horizontal pod autoscaler. The target is
// read from the first metric; the cooldown is the scale-down stabilization window.
func AutoscalerResource(h *autoscalingv2.HorizontalPodAutoscaler) engine.LiveResource {
	minReplicas := int32(1)
	if h.Spec.MinReplicas != nil {
		minReplicas = *h.Spec.MinReplicas
	}

	fields := map[string]interface{}{
		"autoscaling.minReplicas": minReplicas,
		"autoscaling.maxReplicas": h.Spec.MaxReplicas,
	}
	if len(h.Spec.Metrics) > 0 {
		if target, ok := metricTarget(h.Spec.Metrics[0]); ok {
			fields["autoscaling.target"] = target
		}
	}
	if b := h.Spec.Behavior; b != nil && b.ScaleDown != nil && b.ScaleDown.StabilizationWindowSeconds != nil {
		fields["autoscaling.cooldownSeconds"] = *b.ScaleDown.StabilizationWindowSeconds
	}

	return engine.LiveResource{
		ResourceType: engine.ResourceTypeKubernetes,
		ResourceID:   "hpa/" + h.Name,
		Fields:       fields,
	}
}

func metricTarget(m autoscalingv2.MetricSpec) (float64, bool) {
	var target *autoscalingv2.MetricTarget
	switch m.Type {
	case autoscalingv2.ResourceMetricSourceType:
		if m.Resource != nil {
			target = &m.Resource.Target
		}
	case autoscalingv2.ContainerResourceMetricSourceType:
		if m.ContainerResource != nil {
			target = &m.ContainerResource.Target
		}
	case autoscalingv2.PodsMetricSourceType:
		if m.Pods != nil {
			target = &m.Pods.Target
		}
	case autoscalingv2.ObjectMetricSourceType:
		if m.Object != nil {
			target = &m.Object.Target
		}
	case autoscalingv2.ExternalMetricSourceType:
		if m.External != nil {
			target = &m.External.Target
		}
	}
	if target == nil {
		return 0, false
	}

	switch {
	case target.AverageUtilization != nil:
		return float64(*target.AverageUtilization), true
	case target.AverageValue != nil:
		return target.AverageValue.AsApproximateFloat64(), true
	case target.Value != nil:
		return target.Value.AsApproximateFloat64(), true
	default:
		return 0, false
	}
}

// CronJobResource normalizes a cron job.
func CronJobResource(c *batchv1.CronJob) engine.LiveResource {
	fields := map[string]interface{}{
		"cron.schedule": c.Spec.Schedule,
	}
	if v, ok := c.Annotations[AnnotationTargetService]; ok {
		fields["cron.targetService"] = v
	}
	if v, ok := c.Annotations[AnnotationHandler]; ok {
		fields["cron.handler"] = v
	}
	if d := c.Spec.JobTemplate.Spec.ActiveDeadlineSeconds; d != nil {
		fields["cron.timeoutSeconds"] = *d
	}

	return engine.LiveResource{
		ResourceType: engine.ResourceTypeKubernetes,
		ResourceID:   engine.CronJobID(c.Name),
		Fields:       fields,
	}
}
