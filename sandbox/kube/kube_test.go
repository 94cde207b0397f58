package kube

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/jxucoder/docfix/sandbox"
)

// readyOnCreate makes every created Pod report Running+Ready, standing in
// for the kubelet.
func readyOnCreate(client *fake.Clientset) {
	client.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status.Phase = corev1.PodRunning
		pod.Status.Conditions = []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}}
		return false, nil, nil
	})
}

func newTestRuntime(client *fake.Clientset, cfg Config) *Runtime {
	if cfg.Namespace == "" {
		cfg.Namespace = "docfix"
	}
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = "ghcr.io/docfix/sandbox:latest"
	}
	cfg.PollInterval = 5 * time.Millisecond
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = time.Second
	}
	return New(client, nil, cfg, nil)
}

func TestStartCreatesReadyPod(t *testing.T) {
	client := fake.NewSimpleClientset()
	readyOnCreate(client)
	rt := newTestRuntime(client, Config{
		SecretName: "docfix-credentials",
		Resources:  sandbox.Resources{CPURequest: "500m", MemoryLimit: "2Gi"},
	})

	ctx := context.Background()
	handle, err := rt.Start(ctx, sandbox.StartOptions{
		SessionID:  "Sess_01",
		Env:        []string{"DOCFIX_BRANCH=docfix/sess-01"},
		Privileged: true,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(handle, "docfix-sess-01-"), handle)

	pod, err := client.CoreV1().Pods("docfix").Get(ctx, handle, metav1.GetOptions{})
	require.NoError(t, err)
	c := pod.Spec.Containers[0]
	assert.Equal(t, "ghcr.io/docfix/sandbox:latest", c.Image)
	assert.Equal(t, []string{"sleep", "infinity"}, c.Command)
	require.Len(t, c.EnvFrom, 1)
	assert.Equal(t, "docfix-credentials", c.EnvFrom[0].SecretRef.Name)
	require.NotNil(t, c.SecurityContext)
	assert.True(t, *c.SecurityContext.Privileged)
	assert.Equal(t, "docfix", pod.Labels[LabelManagedBy])
	assert.Equal(t, "Sess_01", pod.Labels[LabelSession])
	assert.Equal(t, "500m", c.Resources.Requests.Cpu().String())
	assert.Equal(t, "2Gi", c.Resources.Limits.Memory().String())
	assert.Contains(t, c.Env, corev1.EnvVar{Name: "DOCFIX_BRANCH", Value: "docfix/sess-01"})

	assert.True(t, rt.IsRunning(ctx, handle))
}

func TestStartImagePullFailureDeletesPod(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status.Phase = corev1.PodPending
		pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
			Name:  ContainerName,
			State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "ErrImagePull"}},
		}}
		return false, nil, nil
	})
	rt := newTestRuntime(client, Config{})

	_, err := rt.Start(context.Background(), sandbox.StartOptions{SessionID: "s1", Image: "nope:missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ErrImagePull")

	pods, err := client.CoreV1().Pods("docfix").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pods.Items, "failed pod must be deleted")
}

func TestStartTimeoutDeletesPod(t *testing.T) {
	client := fake.NewSimpleClientset()
	rt := newTestRuntime(client, Config{StartupTimeout: 50 * time.Millisecond})

	_, err := rt.Start(context.Background(), sandbox.StartOptions{SessionID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready within")

	pods, _ := client.CoreV1().Pods("docfix").List(context.Background(), metav1.ListOptions{})
	assert.Empty(t, pods.Items)
}

func TestStartRequiresImage(t *testing.T) {
	rt := New(fake.NewSimpleClientset(), nil, Config{Namespace: "docfix"}, nil)
	_, err := rt.Start(context.Background(), sandbox.StartOptions{SessionID: "s1"})
	require.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	client := fake.NewSimpleClientset()
	readyOnCreate(client)
	rt := newTestRuntime(client, Config{})
	ctx := context.Background()

	handle, err := rt.Start(ctx, sandbox.StartOptions{SessionID: "s1"})
	require.NoError(t, err)

	require.NoError(t, rt.Stop(ctx, handle))
	require.NoError(t, rt.Stop(ctx, handle))
	assert.False(t, rt.IsRunning(ctx, handle))
}

func TestRelabel(t *testing.T) {
	client := fake.NewSimpleClientset()
	readyOnCreate(client)
	rt := newTestRuntime(client, Config{})
	ctx := context.Background()

	handle, err := rt.Start(ctx, sandbox.StartOptions{SessionID: "warm-1"})
	require.NoError(t, err)
	require.NoError(t, rt.Relabel(ctx, handle, map[string]string{LabelSession: "real-session"}))

	pod, err := client.CoreV1().Pods("docfix").Get(ctx, handle, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "real-session", pod.Labels[LabelSession])
	assert.Equal(t, "docfix", pod.Labels[LabelManagedBy])
}

func TestEnsureCredentialsCreatesThenUpdates(t *testing.T) {
	client := fake.NewSimpleClientset()
	rt := newTestRuntime(client, Config{SecretName: "creds"})
	ctx := context.Background()

	require.NoError(t, rt.EnsureCredentials(ctx, map[string]string{"GITHUB_TOKEN": "a"}))
	require.NoError(t, rt.EnsureCredentials(ctx, map[string]string{"GITHUB_TOKEN": "b"}))

	sec, err := client.CoreV1().Secrets("docfix").Get(ctx, "creds", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "b", sec.StringData["GITHUB_TOKEN"])
}

func TestExecCollectMapsExitCode(t *testing.T) {
	rt := newTestRuntime(fake.NewSimpleClientset(), Config{}).WithExec(
		func(_ context.Context, ns, pod, container string, cmd []string, stdin io.Reader, stdout, stderr io.Writer) error {
			assert.Equal(t, "docfix", ns)
			assert.Equal(t, ContainerName, container)
			if stdin != nil {
				data, _ := io.ReadAll(stdin)
				_, _ = stdout.Write(data)
			}
			_, _ = stderr.Write([]byte("syntax error near line 2\n"))
			return utilexec.CodeExitError{Err: errors.New("terminated"), Code: 2}
		})

	out, err := rt.ExecCollect(context.Background(), "pod-1", []string{"bash", "-n"}, strings.NewReader("echo hi\n"))
	var exitErr *sandbox.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
	assert.Contains(t, out, "echo hi")
	assert.Contains(t, exitErr.Output, "syntax error")
}

func TestPodNameIsDNSSafe(t *testing.T) {
	name := podName("ABC/def_123")
	assert.True(t, strings.HasPrefix(name, "docfix-abc-def-123-"), name)
	assert.LessOrEqual(t, len(name), 63)
}
