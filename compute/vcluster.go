package compute

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/jxucoder/docfix/sandbox"
)

const vclusterPrefix = "vcluster/"

const createScript = `set -eu
name="$1"; ns="$2"
vcluster create "$name" --namespace "$ns" --connect=false --upgrade
mkdir -p "$HOME/.kube"
vcluster connect "$name" --namespace "$ns" --print > "$HOME/.kube/config"
kubectl wait --for=condition=Ready nodes --all --timeout=180s >/dev/null 2>&1 || true
`

const deleteScript = `set -eu
vcluster delete "$1" --namespace "$2" --delete-namespace 2>&1 || {
  rc=$?
  case "$(vcluster list --namespace "$2" 2>/dev/null)" in
    *"$1"*) exit $rc ;;
  esac
}
`

// VCluster provisions nested virtual clusters with the vcluster CLI inside a
// session sandbox. Handles have the form "vcluster/<name>".
type VCluster struct {
	rt     sandbox.Runtime
	kube   kubernetes.Interface
	logger *zap.Logger
}

// NewVCluster creates a provisioner. kube may be nil; when set it is used to
// delete the host namespace of a vCluster whose sandbox is already gone.
func NewVCluster(rt sandbox.Runtime, kube kubernetes.Interface, logger *zap.Logger) *VCluster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VCluster{rt: rt, kube: kube, logger: logger.Named("vcluster")}
}

var nonDNS = regexp.MustCompile(`[^a-z0-9-]+`)

// Name derives the vCluster name of a session.
func Name(sessionID string) string {
	n := strings.Trim(nonDNS.ReplaceAllString(strings.ToLower(sessionID), "-"), "-")
	if len(n) > 40 {
		n = n[:40]
	}
	return "docfix-" + n
}

func namespaceFor(name string) string { return name + "-ns" }

// ParseHandle returns the vCluster name of a handle.
func ParseHandle(handle string) (string, error) {
	name, ok := strings.CutPrefix(handle, vclusterPrefix)
	if !ok || name == "" {
		return "", fmt.Errorf("invalid vcluster handle %q", handle)
	}
	return name, nil
}

// Create starts a vCluster for the session and points the sandbox's
// kubeconfig at it.
func (v *VCluster) Create(ctx context.Context, sandboxHandle, sessionID string) (string, error) {
	name := Name(sessionID)
	out, err := v.rt.ExecCollect(ctx, sandboxHandle,
		[]string{"bash", "-lc", createScript, "docfix", name, namespaceFor(name)}, nil)
	if err != nil {
		return "", fmt.Errorf("creating vcluster %s: %w: %s", name, err, strings.TrimSpace(out))
	}
	v.logger.Info("vcluster created", zap.String("session_id", sessionID), zap.String("name", name))
	return vclusterPrefix + name, nil
}

// Delete removes a vCluster. Deleting a missing vCluster is not an error.
func (v *VCluster) Delete(ctx context.Context, sandboxHandle, handle string) error {
	name, err := ParseHandle(handle)
	if err != nil {
		return err
	}
	if sandboxHandle != "" && v.rt.IsRunning(ctx, sandboxHandle) {
		out, err := v.rt.ExecCollect(ctx, sandboxHandle,
			[]string{"bash", "-lc", deleteScript, "docfix", name, namespaceFor(name)}, nil)
		if err == nil {
			return nil
		}
		if v.kube == nil {
			return fmt.Errorf("deleting vcluster %s: %w: %s", name, err, strings.TrimSpace(out))
		}
		v.logger.Warn("vcluster CLI delete failed, deleting namespace", zap.String("name", name), zap.Error(err))
	}
	if v.kube == nil {
		v.logger.Warn("sandbox gone and no cluster access, vcluster left behind", zap.String("name", name))
		return nil
	}
	err = v.kube.CoreV1().Namespaces().Delete(ctx, namespaceFor(name), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting vcluster namespace %s: %w", namespaceFor(name), err)
	}
	return nil
}
