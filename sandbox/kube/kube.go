// Package kube implements sandbox.Runtime with one Kubernetes Pod per sandbox.
//
// Each Pod runs the sandbox image with `sleep infinity` so that work is
// driven entirely through exec. Credentials are never baked into images: they
// live in a namespaced Secret that every sandbox Pod mounts through envFrom.
//
//	rt, err := kube.NewFromKubeconfig("", kube.Config{Namespace: "docfix"}, logger)
//	handle, err := rt.Start(ctx, sandbox.StartOptions{SessionID: id})
package kube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/jxucoder/docfix/sandbox"
)

const (
	// ContainerName is the single container of every sandbox Pod.
	ContainerName = "workspace"

	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelSession   = "docfix.dev/session"
)

// Config holds Pod runtime settings.
type Config struct {
	Namespace      string
	DefaultImage   string
	SecretName     string // Secret injected through envFrom; empty disables it
	ServiceAccount string
	Resources      sandbox.Resources
	// StartupTimeout bounds the wait for the Pod Ready condition (default 5m).
	StartupTimeout time.Duration
	PollInterval   time.Duration
}

// ExecFunc runs cmd in a Pod container, wiring the given streams.
type ExecFunc func(ctx context.Context, namespace, pod, container string, cmd []string,
	stdin io.Reader, stdout, stderr io.Writer) error

// Runtime implements sandbox.Runtime on Kubernetes.
type Runtime struct {
	client kubernetes.Interface
	cfg    Config
	logger *zap.Logger
	exec   ExecFunc
}

// New creates a runtime around an existing clientset. restConfig is used for
// exec; pass nil only together with WithExec.
func New(client kubernetes.Interface, restConfig *rest.Config, cfg Config, logger *zap.Logger) *Runtime {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{
		client: client,
		cfg:    cfg,
		logger: logger.Named("kube"),
	}
	r.exec = spdyExec(client, restConfig)
	return r
}

// NewFromKubeconfig builds a clientset from a kubeconfig path, or from the
// in-cluster service account when the path is empty.
func NewFromKubeconfig(kubeconfig string, cfg Config, logger *zap.Logger) (*Runtime, error) {
	var (
		restConfig *rest.Config
		err        error
	)
	if kubeconfig == "" {
		restConfig, err = rest.InClusterConfig()
		if errors.Is(err, rest.ErrNotInCluster) {
			restConfig, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
				clientcmd.NewDefaultClientConfigLoadingRules(), &clientcmd.ConfigOverrides{},
			).ClientConfig()
		}
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return New(client, restConfig, cfg, logger), nil
}

// Client returns the clientset, for components that manage their own objects.
func (r *Runtime) Client() kubernetes.Interface { return r.client }

// WithExec replaces the exec transport.
func (r *Runtime) WithExec(fn ExecFunc) *Runtime {
	r.exec = fn
	return r
}

// EnsureCredentials creates or updates the credentials Secret.
func (r *Runtime) EnsureCredentials(ctx context.Context, data map[string]string) error {
	if r.cfg.SecretName == "" {
		return fmt.Errorf("kube: no secret name configured")
	}
	secrets := r.client.CoreV1().Secrets(r.cfg.Namespace)
	existing, err := secrets.Get(ctx, r.cfg.SecretName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = secrets.Create(ctx, &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:      r.cfg.SecretName,
				Namespace: r.cfg.Namespace,
				Labels:    map[string]string{LabelManagedBy: "docfix"},
			},
			Type:       corev1.SecretTypeOpaque,
			StringData: data,
		}, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("creating secret %s: %w", r.cfg.SecretName, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading secret %s: %w", r.cfg.SecretName, err)
	}
	existing.StringData = data
	existing.Data = nil
	if _, err := secrets.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("updating secret %s: %w", r.cfg.SecretName, err)
	}
	return nil
}

// Start creates the sandbox Pod and blocks until it reports Ready. On any
// failure the Pod is deleted before returning.
func (r *Runtime) Start(ctx context.Context, opts sandbox.StartOptions) (string, error) {
	pod, err := r.podFor(opts)
	if err != nil {
		return "", err
	}
	pods := r.client.CoreV1().Pods(r.cfg.Namespace)
	created, err := pods.Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("creating pod: %w", err)
	}
	name := created.Name
	log := r.logger.With(zap.String("handle", name), zap.String("session_id", opts.SessionID))
	log.Info("pod created", zap.String("image", pod.Spec.Containers[0].Image))

	if err := r.waitReady(ctx, name); err != nil {
		log.Warn("pod failed to become ready, deleting", zap.Error(err))
		r.deletePod(name)
		return "", err
	}
	log.Info("pod ready")
	return name, nil
}

func (r *Runtime) podFor(opts sandbox.StartOptions) (*corev1.Pod, error) {
	image := opts.Image
	if image == "" {
		image = r.cfg.DefaultImage
	}
	if image == "" {
		return nil, fmt.Errorf("kube: no image for session %s", opts.SessionID)
	}
	res, err := resourcesFor(r.cfg.Resources, opts.Resources)
	if err != nil {
		return nil, err
	}

	labels := map[string]string{LabelManagedBy: "docfix"}
	if opts.SessionID != "" {
		labels[LabelSession] = labelValue(opts.SessionID)
	}
	for k, v := range opts.Labels {
		labels[k] = labelValue(v)
	}

	var env []corev1.EnvVar
	for _, e := range opts.Env {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			continue
		}
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	env = append(env, corev1.EnvVar{Name: "DOCFIX_SESSION_ID", Value: opts.SessionID})

	container := corev1.Container{
		Name:       ContainerName,
		Image:      image,
		Command:    []string{"sleep", "infinity"},
		Env:        env,
		WorkingDir: "/workspace",
		Resources:  res,
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				Exec: &corev1.ExecAction{Command: []string{"true"}},
			},
			PeriodSeconds: 2,
		},
	}
	if r.cfg.SecretName != "" {
		container.EnvFrom = []corev1.EnvFromSource{{
			SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: r.cfg.SecretName},
			},
		}}
	}
	if opts.Privileged {
		privileged := true
		container.SecurityContext = &corev1.SecurityContext{Privileged: &privileged}
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(opts.SessionID),
			Namespace: r.cfg.Namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy:      corev1.RestartPolicyNever,
			ServiceAccountName: r.cfg.ServiceAccount,
			Containers:         []corev1.Container{container},
		},
	}, nil
}

func resourcesFor(base, override sandbox.Resources) (corev1.ResourceRequirements, error) {
	pick := func(o, b string) string {
		if o != "" {
			return o
		}
		return b
	}
	req := corev1.ResourceList{}
	lim := corev1.ResourceList{}
	for _, q := range []struct {
		list corev1.ResourceList
		name corev1.ResourceName
		val  string
	}{
		{req, corev1.ResourceCPU, pick(override.CPURequest, base.CPURequest)},
		{req, corev1.ResourceMemory, pick(override.MemoryRequest, base.MemoryRequest)},
		{lim, corev1.ResourceCPU, pick(override.CPULimit, base.CPULimit)},
		{lim, corev1.ResourceMemory, pick(override.MemoryLimit, base.MemoryLimit)},
	} {
		if q.val == "" {
			continue
		}
		parsed, err := resource.ParseQuantity(q.val)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("invalid %s quantity %q: %w", q.name, q.val, err)
		}
		q.list[q.name] = parsed
	}
	out := corev1.ResourceRequirements{}
	if len(req) > 0 {
		out.Requests = req
	}
	if len(lim) > 0 {
		out.Limits = lim
	}
	return out, nil
}

// waitReady polls the Pod until its Ready condition is true, failing early on
// states that will not recover by waiting (image pull errors, terminal phase).
func (r *Runtime) waitReady(ctx context.Context, name string) error {
	pods := r.client.CoreV1().Pods(r.cfg.Namespace)
	var lastReason string
	err := wait.PollUntilContextTimeout(ctx, r.cfg.PollInterval, r.cfg.StartupTimeout, true,
		func(ctx context.Context) (bool, error) {
			pod, err := pods.Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				if apierrors.IsNotFound(err) {
					return false, fmt.Errorf("pod %s disappeared", name)
				}
				return false, nil
			}
			if reason := fatalReason(pod); reason != "" {
				return false, fmt.Errorf("pod %s cannot start: %s", name, reason)
			}
			lastReason = pendingReason(pod)
			return podReady(pod), nil
		})
	if err != nil {
		if wait.Interrupted(err) {
			if lastReason != "" {
				return fmt.Errorf("pod %s not ready within %s (%s)", name, r.cfg.StartupTimeout, lastReason)
			}
			return fmt.Errorf("pod %s not ready within %s", name, r.cfg.StartupTimeout)
		}
		return err
	}
	return nil
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

var fatalWaitingReasons = map[string]bool{
	"ErrImagePull":               true,
	"ImagePullBackOff":           true,
	"InvalidImageName":           true,
	"CreateContainerConfigError": true,
	"CreateContainerError":       true,
}

func fatalReason(pod *corev1.Pod) string {
	switch pod.Status.Phase {
	case corev1.PodFailed, corev1.PodSucceeded:
		return "phase " + string(pod.Status.Phase)
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if w := cs.State.Waiting; w != nil && fatalWaitingReasons[w.Reason] {
			if w.Message != "" {
				return w.Reason + ": " + w.Message
			}
			return w.Reason
		}
	}
	return ""
}

func pendingReason(pod *corev1.Pod) string {
	for _, cs := range pod.Status.ContainerStatuses {
		if w := cs.State.Waiting; w != nil && w.Reason != "" {
			return w.Reason
		}
	}
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodScheduled && c.Status != corev1.ConditionTrue && c.Reason != "" {
			return c.Reason
		}
	}
	return ""
}

// Stop deletes the Pod. A missing Pod is not an error.
func (r *Runtime) Stop(ctx context.Context, handle string) error {
	zero := int64(0)
	err := r.client.CoreV1().Pods(r.cfg.Namespace).Delete(ctx, handle, metav1.DeleteOptions{
		GracePeriodSeconds: &zero,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting pod %s: %w", handle, err)
	}
	r.logger.Info("pod deleted", zap.String("handle", handle))
	return nil
}

func (r *Runtime) deletePod(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.Stop(ctx, name); err != nil {
		r.logger.Warn("cleanup failed", zap.String("handle", name), zap.Error(err))
	}
}

// IsRunning reports whether the Pod exists, is not terminating and is Ready.
func (r *Runtime) IsRunning(ctx context.Context, handle string) bool {
	pod, err := r.client.CoreV1().Pods(r.cfg.Namespace).Get(ctx, handle, metav1.GetOptions{})
	if err != nil {
		return false
	}
	return pod.DeletionTimestamp == nil && podReady(pod)
}

// Relabel merges labels into the Pod's metadata.
func (r *Runtime) Relabel(ctx context.Context, handle string, labels map[string]string) error {
	clean := make(map[string]string, len(labels))
	for k, v := range labels {
		clean[k] = labelValue(v)
	}
	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"labels": clean},
	})
	if err != nil {
		return err
	}
	_, err = r.client.CoreV1().Pods(r.cfg.Namespace).Patch(ctx, handle, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("labeling pod %s: %w", handle, err)
	}
	return nil
}

// ExecCollect runs cmd to completion and returns combined output.
func (r *Runtime) ExecCollect(ctx context.Context, handle string, cmd []string, stdin io.Reader) (string, error) {
	var stdout, stderr bytes.Buffer
	err := r.exec(ctx, r.cfg.Namespace, handle, ContainerName, cmd, stdin, &stdout, &stderr)
	combined := stdout.String() + stderr.String()
	if err != nil {
		return combined, exitError(err, combined)
	}
	return combined, nil
}

func exitError(err error, output string) error {
	if err == nil {
		return nil
	}
	var ce utilexec.CodeExitError
	if errors.As(err, &ce) {
		return &sandbox.ExitError{Code: ce.Code, Output: output}
	}
	var pce *utilexec.CodeExitError
	if errors.As(err, &pce) {
		return &sandbox.ExitError{Code: pce.Code, Output: output}
	}
	return fmt.Errorf("exec: %w", err)
}

// spdyExec is the production exec transport.
func spdyExec(client kubernetes.Interface, restConfig *rest.Config) ExecFunc {
	return func(ctx context.Context, namespace, pod, container string, cmd []string,
		stdin io.Reader, stdout, stderr io.Writer) error {
		if restConfig == nil {
			return fmt.Errorf("kube: exec transport not configured")
		}
		req := client.CoreV1().RESTClient().
			Post().
			Resource("pods").
			Name(pod).
			Namespace(namespace).
			SubResource("exec").
			VersionedParams(&corev1.PodExecOptions{
				Container: container,
				Command:   cmd,
				Stdin:     stdin != nil,
				Stdout:    true,
				Stderr:    true,
				TTY:       false,
			}, scheme.ParameterCodec)

		executor, err := remotecommand.NewSPDYExecutor(restConfig, "POST", req.URL())
		if err != nil {
			return fmt.Errorf("could not initialize executor: %w", err)
		}
		return executor.StreamWithContext(ctx, remotecommand.StreamOptions{
			Stdin:  stdin,
			Stdout: stdout,
			Stderr: stderr,
		})
	}
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// podName derives a DNS-1123 Pod name from the session ID plus a random
// suffix so a recreated sandbox never collides with a terminating one.
func podName(sessionID string) string {
	base := invalidNameChars.ReplaceAllString(strings.ToLower(sessionID), "-")
	base = strings.Trim(base, "-")
	if len(base) > 40 {
		base = base[:40]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	if base == "" {
		return "docfix-" + suffix
	}
	return "docfix-" + base + "-" + suffix
}

var invalidLabelChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func labelValue(v string) string {
	v = invalidLabelChars.ReplaceAllString(v, "-")
	if len(v) > 63 {
		v = v[:63]
	}
	return strings.Trim(v, "-._")
}
