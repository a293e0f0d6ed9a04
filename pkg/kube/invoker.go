package kube

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/b3x-data/b3x/pkg/launcher"
	"github.com/b3x-data/b3x/pkg/utils"
	"go.uber.org/zap"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// passthroughEnv is copied from the trigger's environment into every refinery Job.
var passthroughEnv = []string{
	"LOG_LEVEL", "LOG_ENCODING",
	"STORAGE_BACKEND", "STORAGE_ROOT",
	"S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY", "S3_USE_SSL",
	"CATALOG_BACKEND", "CATALOG_TABLE", "CLICKHOUSE_ADDR", "CLICKHOUSE_DB",
}

// Config describes the Jobs created by the invoker.
type Config struct {
	Namespace      string
	Image          string
	CPU            string // default request/limit, overridden by worker sizing "cpu"
	Memory         string // default request/limit, overridden by worker sizing "memory"
	BackoffLimit   int32
	TTLAfterFinish int32
	Env            []corev1.EnvVar
}

// Invoker runs each refinement as a Kubernetes batch/v1 Job executing the refinery in one-shot mode.
type Invoker struct {
	Logger *zap.Logger
	client kubernetes.Interface
	cfg    Config
}

var _ launcher.Invoker = (*Invoker)(nil)

// NewInvoker wraps an existing clientset.
func NewInvoker(client kubernetes.Interface, cfg Config, logger *zap.Logger) *Invoker {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.BackoffLimit <= 0 {
		cfg.BackoffLimit = 2
	}
	return &Invoker{Logger: logger.With(zap.String("component", "kube_invoker")), client: client, cfg: cfg}
}

// NewInvokerFromEnv builds the clientset from in-cluster config or KUBECONFIG.
func NewInvokerFromEnv(logger *zap.Logger) (*Invoker, error) {
	var (
		cfg *rest.Config
		err error
		src string
	)

	if cfg, err = rest.InClusterConfig(); err == nil {
		src = "in_cluster"
	} else {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("build kube config: %w", err)
		}
		src = "kubeconfig"
	}

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8s client: %w", err)
	}

	image := utils.Env("REFINERY_IMAGE", "")
	if image == "" {
		return nil, fmt.Errorf("REFINERY_IMAGE is required for the kube invoker")
	}

	var env []corev1.EnvVar
	names := utils.Dedup(append(append([]string{}, passthroughEnv...), utils.EnvList("REFINERY_PASSTHROUGH_ENV", nil)...))
	for _, k := range names {
		if v := os.Getenv(k); v != "" {
			env = append(env, corev1.EnvVar{Name: k, Value: v})
		}
	}

	inv := NewInvoker(cs, Config{
		Namespace:      utils.Env("K8S_NAMESPACE", "default"),
		Image:          image,
		CPU:            utils.Env("REFINERY_CPU", ""),
		Memory:         utils.Env("REFINERY_MEM", ""),
		BackoffLimit:   int32(utils.EnvInt("REFINERY_BACKOFF_LIMIT", 2)),
		TTLAfterFinish: int32(utils.EnvInt("REFINERY_TTL_SECONDS", 3600)),
		Env:            env,
	}, logger)

	inv.Logger.Info("kube invoker initialized",
		zap.String("config_source", src),
		zap.String("namespace", inv.cfg.Namespace),
		zap.String("image", image))
	return inv, nil
}

func (i *Invoker) Name() string { return "kube" }

// Start creates the Job for req. A Job still running for the same key is returned as is;
// a finished one is deleted and created again so the partition can be refined again.
func (i *Invoker) Start(ctx context.Context, req launcher.TransformationJobRequest) (launcher.JobRun, error) {
	desired := i.job(req)
	jobs := i.client.BatchV1().Jobs(i.cfg.Namespace)

	created, err := jobs.Create(ctx, desired, meta.CreateOptions{})
	if err == nil {
		i.Logger.Info("job created", zap.String("job", created.Name), zap.String("source", req.Descriptor.SourceLocation))
		return launcher.JobRun{JobID: created.Name, RunID: string(created.UID)}, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return launcher.JobRun{}, classify(fmt.Errorf("create job %s: %w", desired.Name, err))
	}

	curr, err := jobs.Get(ctx, desired.Name, meta.GetOptions{})
	if err != nil {
		return launcher.JobRun{}, classify(fmt.Errorf("get job %s: %w", desired.Name, err))
	}
	if curr.DeletionTimestamp == nil {
		if jobStatus(curr) == launcher.StatusRunning {
			i.Logger.Debug("job already running", zap.String("job", curr.Name))
			return launcher.JobRun{JobID: curr.Name, RunID: string(curr.UID)}, nil
		}

		propagation := meta.DeletePropagationBackground
		if err := jobs.Delete(ctx, curr.Name, meta.DeleteOptions{PropagationPolicy: &propagation}); err != nil && !apierrors.IsNotFound(err) {
			return launcher.JobRun{}, classify(fmt.Errorf("delete finished job %s: %w", curr.Name, err))
		}
		i.Logger.Info("finished job deleted, recreating", zap.String("job", curr.Name))
	}

	created, err = jobs.Create(ctx, desired, meta.CreateOptions{})
	switch {
	case err == nil:
		i.Logger.Info("job recreated", zap.String("job", created.Name), zap.String("source", req.Descriptor.SourceLocation))
		return launcher.JobRun{JobID: created.Name, RunID: string(created.UID)}, nil
	case apierrors.IsAlreadyExists(err):
		// previous Job still terminating
		return launcher.JobRun{}, launcher.RelaunchPendingError.New("job %s is being replaced", desired.Name)
	default:
		return launcher.JobRun{}, classify(fmt.Errorf("recreate job %s: %w", desired.Name, err))
	}
}

// Status reads Job conditions.
func (i *Invoker) Status(ctx context.Context, run launcher.JobRun) (launcher.JobStatus, error) {
	job, err := i.client.BatchV1().Jobs(i.cfg.Namespace).Get(ctx, run.JobID, meta.GetOptions{})
	if err != nil {
		return launcher.StatusUnknown, classify(fmt.Errorf("get job %s: %w", run.JobID, err))
	}
	if run.RunID != "" && string(job.UID) != run.RunID {
		// replaced by a newer launch
		return launcher.StatusUnknown, fmt.Errorf("job %s was replaced", run.JobID)
	}
	return jobStatus(job), nil
}

func (i *Invoker) job(req launcher.TransformationJobRequest) *batchv1.Job {
	name := JobName(req.IdempotencyKey)
	labels := map[string]string{
		"app":        "refinery",
		"managed-by": "b3x-trigger",
		"partition":  req.Descriptor.CollectionDate.String(),
	}

	env := append([]corev1.EnvVar{
		{Name: "REFINERY_MODE", Value: "oneshot"},
		{Name: "SOURCE_BUCKET", Value: req.Descriptor.Bucket},
		{Name: "SOURCE_PREFIX", Value: req.Descriptor.SourcePrefix},
		{Name: "TARGET_PREFIX", Value: req.TargetPrefix},
		{Name: "COLLECTION_DATE", Value: req.Descriptor.CollectionDate.String()},
		{Name: "IDEMPOTENCY_KEY", Value: req.IdempotencyKey},
	}, i.cfg.Env...)

	var ttl *int32
	if i.cfg.TTLAfterFinish > 0 {
		ttl = int32Ptr(i.cfg.TTLAfterFinish)
	}

	return &batchv1.Job{
		ObjectMeta: meta.ObjectMeta{
			Name:      name,
			Namespace: i.cfg.Namespace,
			Labels:    labels,
			Annotations: map[string]string{
				"b3x/source-location": req.Descriptor.SourceLocation,
				"b3x/idempotency-key": req.IdempotencyKey,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            int32Ptr(i.cfg.BackoffLimit),
			TTLSecondsAfterFinished: ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: meta.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:      "refinery",
						Image:     i.cfg.Image,
						Env:       env,
						Resources: i.resources(req.WorkerSizing),
					}},
				},
			},
		},
	}
}

func (i *Invoker) resources(sizing map[string]string) corev1.ResourceRequirements {
	cpu, mem := i.cfg.CPU, i.cfg.Memory
	if v := sizing["cpu"]; v != "" {
		cpu = v
	}
	if v := sizing["memory"]; v != "" {
		mem = v
	}

	req := corev1.ResourceRequirements{Requests: corev1.ResourceList{}, Limits: corev1.ResourceList{}}
	if q, err := resource.ParseQuantity(cpu); cpu != "" && err == nil {
		req.Requests[corev1.ResourceCPU] = q
		req.Limits[corev1.ResourceCPU] = q
	}
	if q, err := resource.ParseQuantity(mem); mem != "" && err == nil {
		req.Requests[corev1.ResourceMemory] = q
		req.Limits[corev1.ResourceMemory] = q
	}
	return req
}

// JobName derives a DNS-1123 Job name from the idempotency key.
func JobName(idempotencyKey string) string {
	key := strings.ToLower(idempotencyKey)
	if len(key) > 24 {
		key = key[:24]
	}
	return "refine-" + key
}

func jobStatus(job *batchv1.Job) launcher.JobStatus {
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return launcher.StatusSucceeded
		case batchv1.JobFailed:
			return launcher.StatusFailed
		}
	}
	if job.Status.Succeeded > 0 {
		return launcher.StatusSucceeded
	}
	return launcher.StatusRunning
}

// classify marks API errors that are worth retrying.
func classify(err error) error {
	if apierrors.IsServiceUnavailable(err) ||
		apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsInternalError(err) {
		return launcher.TransientInvocationError.Wrap(err)
	}
	return err
}

func int32Ptr(i int32) *int32 { return &i }
