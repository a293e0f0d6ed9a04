package kube

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/b3x-data/b3x/pkg/breaker"
	"github.com/b3x-data/b3x/pkg/event"
	"github.com/b3x-data/b3x/pkg/launcher"
	"github.com/b3x-data/b3x/pkg/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func descriptor(day int) event.RawPartitionDescriptor {
	d := storage.Date{Year: 2025, Month: 6, Day: day}
	return event.RawPartitionDescriptor{
		Bucket:         "b3x-raw",
		SourcePrefix:   storage.DatePrefix("raw", d),
		SourceLocation: "b3x-raw/" + storage.DatePrefix("raw", d),
		CollectionDate: d,
	}
}

func request() launcher.TransformationJobRequest {
	return launcher.NewRequest(descriptor(1), "refined/", map[string]string{"memory": "1Gi"})
}

func newTestInvoker(t *testing.T, cs *fake.Clientset) *Invoker {
	return NewInvoker(cs, Config{Namespace: "etl", Image: "b3x/refinery:1", CPU: "500m", Memory: "512Mi"}, zaptest.NewLogger(t))
}

func TestStartCreatesOneShotJob(t *testing.T) {
	cs := fake.NewSimpleClientset()
	inv := newTestInvoker(t, cs)
	req := request()

	run, err := inv.Start(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, JobName(req.IdempotencyKey), run.JobID)

	job, err := cs.BatchV1().Jobs("etl").Get(context.Background(), run.JobID, meta.GetOptions{})
	require.NoError(t, err)
	c := job.Spec.Template.Spec.Containers[0]
	require.Equal(t, "b3x/refinery:1", c.Image)
	require.Equal(t, corev1.RestartPolicyNever, job.Spec.Template.Spec.RestartPolicy)

	env := map[string]string{}
	for _, e := range c.Env {
		env[e.Name] = e.Value
	}
	require.Equal(t, "oneshot", env["REFINERY_MODE"])
	require.Equal(t, "raw/year=2025/month=06/day=01/", env["SOURCE_PREFIX"])
	require.Equal(t, "refined/", env["TARGET_PREFIX"])
	require.Equal(t, "2025-06-01", env["COLLECTION_DATE"])

	require.Equal(t, "500m", c.Resources.Requests.Cpu().String())
	require.Equal(t, "1Gi", c.Resources.Requests.Memory().String(), "worker sizing overrides defaults")
}

func TestStartReturnsRunningJob(t *testing.T) {
	cs := fake.NewSimpleClientset()
	inv := newTestInvoker(t, cs)

	first, err := inv.Start(context.Background(), request())
	require.NoError(t, err)
	second, err := inv.Start(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, first, second)

	list, err := cs.BatchV1().Jobs("etl").List(context.Background(), meta.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
}

func TestStartReplacesFinishedJob(t *testing.T) {
	cs := fake.NewSimpleClientset()
	inv := newTestInvoker(t, cs)
	ctx := context.Background()

	run, err := inv.Start(ctx, request())
	require.NoError(t, err)
	markJob(t, cs, run.JobID, batchv1.JobComplete)

	again, err := inv.Start(ctx, request())
	require.NoError(t, err)
	require.Equal(t, run.JobID, again.JobID)

	status, err := inv.Status(ctx, again)
	require.NoError(t, err)
	require.Equal(t, launcher.StatusRunning, status)

	list, err := cs.BatchV1().Jobs("etl").List(ctx, meta.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
}

func TestStartReportsPendingReplacement(t *testing.T) {
	cs := fake.NewSimpleClientset()
	inv := newTestInvoker(t, cs)
	ctx := context.Background()

	run, err := inv.Start(ctx, request())
	require.NoError(t, err)
	markJob(t, cs, run.JobID, batchv1.JobComplete)

	// the apiserver accepts the delete but the Job lingers until its pods are gone
	cs.PrependReactor("delete", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, nil
	})

	_, err = inv.Start(ctx, request())
	require.True(t, launcher.RelaunchPendingError.Has(err), "got %v", err)
	require.False(t, launcher.TransientInvocationError.Has(err))
}

func TestRelaunchingFinishedPartitionsKeepsCircuitClosed(t *testing.T) {
	cs := fake.NewSimpleClientset()
	inv := newTestInvoker(t, cs)
	ctx := context.Background()

	for day := 1; day <= 3; day++ {
		run, err := inv.Start(ctx, launcher.NewRequest(descriptor(day), "refined/", nil))
		require.NoError(t, err)
		markJob(t, cs, run.JobID, batchv1.JobComplete)
	}

	cb := breaker.New(breaker.Options{Name: "kube", FailureThreshold: 3, Cooldown: time.Hour, Logger: zaptest.NewLogger(t)})
	cfg := launcher.DefaultConfig()
	cfg.Retry.Sleep = func(context.Context, time.Duration) error { return nil }
	cfg.PollInterval = time.Millisecond
	cfg.PollMaxInterval = 2 * time.Millisecond
	l := launcher.New(cfg, inv, cb, zaptest.NewLogger(t))
	t.Cleanup(l.Close)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for day := 1; day <= 3; day++ {
		wg.Add(1)
		go func(day int) {
			defer wg.Done()
			_, errs[day-1] = l.Launch(ctx, descriptor(day))
		}(day)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, breaker.Closed, cb.State())
}

func TestStartClassifiesApiErrors(t *testing.T) {
	cs := fake.NewSimpleClientset()
	cs.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewServiceUnavailable("apiserver restarting")
	})
	_, err := newTestInvoker(t, cs).Start(context.Background(), request())
	require.True(t, launcher.TransientInvocationError.Has(err))

	cs = fake.NewSimpleClientset()
	cs.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Group: "batch", Resource: "jobs"}, "x", nil)
	})
	_, err = newTestInvoker(t, cs).Start(context.Background(), request())
	require.Error(t, err)
	require.False(t, launcher.TransientInvocationError.Has(err))
}

func TestStatusFollowsConditions(t *testing.T) {
	cs := fake.NewSimpleClientset()
	inv := newTestInvoker(t, cs)
	ctx := context.Background()

	run, err := inv.Start(ctx, request())
	require.NoError(t, err)

	status, err := inv.Status(ctx, run)
	require.NoError(t, err)
	require.Equal(t, launcher.StatusRunning, status)

	markJob(t, cs, run.JobID, batchv1.JobFailed)
	status, err = inv.Status(ctx, run)
	require.NoError(t, err)
	require.Equal(t, launcher.StatusFailed, status)
}

func TestJobNameIsDNSSafe(t *testing.T) {
	require.Equal(t, "refine-abcdef0123456789abcdef01", JobName("ABCDEF0123456789ABCDEF0123456789"))
	require.LessOrEqual(t, len(JobName(request().IdempotencyKey)), 63)
}

func markJob(t *testing.T, cs *fake.Clientset, name string, cond batchv1.JobConditionType) {
	t.Helper()
	job, err := cs.BatchV1().Jobs("etl").Get(context.Background(), name, meta.GetOptions{})
	require.NoError(t, err)
	job.Status.Conditions = append(job.Status.Conditions, batchv1.JobCondition{Type: cond, Status: corev1.ConditionTrue})
	_, err = cs.BatchV1().Jobs("etl").UpdateStatus(context.Background(), job, meta.UpdateOptions{})
	require.NoError(t, err)
}
