package provisioner

import (
	"context"
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/webconsole/appservice/internal/apperrors"
	"github.com/webconsole/appservice/internal/config"
	"github.com/webconsole/appservice/internal/logger"
)

// KubernetesBackend starts session pods through the cluster control plane.
// Credentials come from the mounted service account (bearer token + CA), the
// standard in-cluster configuration.
type KubernetesBackend struct {
	clientset kubernetes.Interface
	cfg       *config.Config
}

// NewKubernetesBackend creates the cluster backend from in-cluster
// configuration.
func NewKubernetesBackend(cfg *config.Config) (*KubernetesBackend, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("loading in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating clientset: %w", err)
	}
	return &KubernetesBackend{clientset: clientset, cfg: cfg}, nil
}

// NewKubernetesBackendWithClientset wires an existing clientset (tests).
func NewKubernetesBackendWithClientset(clientset kubernetes.Interface, cfg *config.Config) *KubernetesBackend {
	return &KubernetesBackend{clientset: clientset, cfg: cfg}
}

// Name identifies the backend in logs.
func (b *KubernetesBackend) Name() string { return "kubernetes" }

// AddressFor returns the pod's stable DNS name. The pod's hostname plus the
// headless-service subdomain make session-<id><domain> resolve.
func (b *KubernetesBackend) AddressFor(id string) string {
	return "session-" + id + b.cfg.SessionDomain
}

// CreateAndStart creates the session pod. Pods start on creation; there is
// no separate start call. Control-plane rejections keep their status code.
func (b *KubernetesBackend) CreateAndStart(ctx context.Context, spec *SessionSpec) error {
	pod := b.buildPod(spec)

	_, err := b.clientset.CoreV1().Pods(b.cfg.SessionNamespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		logger.Provisioner().Error().Err(err).Str("pod", spec.Name).Msg("pod create rejected")
		var statusErr *apierrors.StatusError
		if asStatusError(err, &statusErr) {
			return apperrors.ProvisionFailed(int(statusErr.Status().Code), statusErr.Status().Message)
		}
		return apperrors.Internal("pod create failed", err)
	}
	return nil
}

func (b *KubernetesBackend) buildPod(spec *SessionSpec) *corev1.Pod {
	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for name, value := range spec.Env {
		env = append(env, corev1.EnvVar{Name: name, Value: value})
	}
	// Stable ordering keeps pod manifests diffable.
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: b.cfg.SessionNamespace,
			Labels: map[string]string{
				"app":        "webconsole-session",
				"session-id": spec.ID,
			},
		},
		Spec: corev1.PodSpec{
			// Hostname + subdomain give the pod the stable DNS name
			// session-<id>.<subdomain>.<namespace>.svc.
			Hostname:      spec.Name,
			Subdomain:     b.cfg.SessionSubdomain,
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:    "console",
					Image:   b.cfg.SessionImage,
					Command: spec.Command,
					Env:     env,
					Ports: []corev1.ContainerPort{
						{Name: "console-http", ContainerPort: config.ConsoleHTTPPort},
						{Name: "bridge", ContainerPort: config.BridgePort},
					},
				},
			},
		},
	}
}

// asStatusError unwraps a client-go status error.
func asStatusError(err error, target **apierrors.StatusError) bool {
	se, ok := err.(*apierrors.StatusError)
	if ok {
		*target = se
	}
	return ok
}
