package k8s

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/env360/env360/internal/domain"
	"github.com/env360/env360/internal/logging"
)

// ReadyStatus is the outcome of a readiness poll.
type ReadyStatus struct {
	Ready bool   `json:"ready"`
	Note  string `json:"note,omitempty"`
}

// PollReady waits until the resource satisfies its kind-specific readiness
// condition or the poll window closes. Unknown kinds are considered ready as
// soon as they exist.
func (c *Client) PollReady(ctx context.Context, apiVersion, kind, namespace, name string) (ReadyStatus, error) {
	started := time.Now()
	if c.observer != nil {
		defer func() { c.observer.PollRecorded(kind, time.Since(started)) }()
	}
	deadline := started.Add(c.pollTimeout)
	for {
		status, err := c.checkReady(ctx, apiVersion, kind, namespace, name)
		if err != nil {
			return ReadyStatus{}, err
		}
		if status.Ready {
			return status, nil
		}
		if time.Now().After(deadline) {
			return ReadyStatus{}, domain.Unavailable(
				fmt.Sprintf("%s %s/%s", kind, namespace, name),
				fmt.Errorf("not ready after %s: %s", c.pollTimeout, status.Note))
		}
		c.logger.Debug("waiting for resource",
			logging.Kind(kind), logging.Namespace(namespace), "name", name, "note", status.Note)
		select {
		case <-ctx.Done():
			return ReadyStatus{}, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// checkReady performs a single readiness probe.
func (c *Client) checkReady(ctx context.Context, apiVersion, kind, namespace, name string) (ReadyStatus, error) {
	info, err := c.resolveKind(apiVersion, kind)
	if err != nil {
		return ReadyStatus{}, err
	}
	obj, err := c.resourceFor(info, namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return ReadyStatus{Note: "not created yet"}, nil
	}
	if err != nil {
		return ReadyStatus{}, fmt.Errorf("failed to get %s %s: %w", kind, name, err)
	}

	switch kind {
	case "Namespace":
		return namespaceReady(obj), nil
	case "Deployment":
		return deploymentReady(obj)
	case "Service":
		return serviceReady(obj)
	case "ServiceAccount", "HTTPRoute", "VirtualService", "DestinationRule", "Gateway", "Ingress", "Certificate":
		return ReadyStatus{Ready: true}, nil
	default:
		return ReadyStatus{Ready: true, Note: fmt.Sprintf("no readiness check for kind %s", kind)}, nil
	}
}

func namespaceReady(obj *unstructured.Unstructured) ReadyStatus {
	phase, _, _ := unstructured.NestedString(obj.Object, "status", "phase")
	if phase == "Active" {
		return ReadyStatus{Ready: true}
	}
	return ReadyStatus{Note: fmt.Sprintf("namespace phase %s", phase)}
}

func deploymentReady(obj *unstructured.Unstructured) (ReadyStatus, error) {
	var dep appsv1.Deployment
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &dep); err != nil {
		return ReadyStatus{}, fmt.Errorf("failed to decode deployment: %w", err)
	}
	want := int32(1)
	if dep.Spec.Replicas != nil {
		want = *dep.Spec.Replicas
	}
	st := dep.Status
	if st.AvailableReplicas >= want && st.UpdatedReplicas >= want && st.ReadyReplicas >= want {
		return ReadyStatus{Ready: true}, nil
	}
	return ReadyStatus{Note: fmt.Sprintf(
		"replicas %d/%d available, %d updated, %d ready",
		st.AvailableReplicas, want, st.UpdatedReplicas, st.ReadyReplicas)}, nil
}

func serviceReady(obj *unstructured.Unstructured) (ReadyStatus, error) {
	var svc corev1.Service
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &svc); err != nil {
		return ReadyStatus{}, fmt.Errorf("failed to decode service: %w", err)
	}
	if svc.Spec.Type == corev1.ServiceTypeLoadBalancer {
		if len(svc.Status.LoadBalancer.Ingress) > 0 {
			return ReadyStatus{Ready: true}, nil
		}
		return ReadyStatus{Note: "waiting for load balancer ingress"}, nil
	}
	if svc.Spec.ClusterIP != "" && svc.Spec.ClusterIP != corev1.ClusterIPNone {
		return ReadyStatus{Ready: true}, nil
	}
	return ReadyStatus{Note: "no cluster ip assigned"}, nil
}
