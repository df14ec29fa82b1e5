package k8s

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	clienttesting "k8s.io/client-go/testing"

	"github.com/env360/env360/internal/domain"
)

func deploymentManifest() *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]any{
			"name":      "checkout-api-v3",
			"namespace": "proj-p1",
		},
		"spec": map[string]any{"replicas": int64(1)},
	}}
}

func TestApplyServerSide(t *testing.T) {
	dyn := newFakeDynamic()
	var patchTypes []types.PatchType
	dyn.PrependReactor("patch", "deployments", func(action clienttesting.Action) (bool, runtime.Object, error) {
		patch := action.(clienttesting.PatchAction)
		patchTypes = append(patchTypes, patch.GetPatchType())
		return true, deploymentManifest(), nil
	})

	c := testClient(dyn)
	applied, err := c.Apply(context.Background(), deploymentManifest())
	require.NoError(t, err)
	assert.Equal(t, "checkout-api-v3", applied.GetName())

	require.Len(t, patchTypes, 1)
	assert.Equal(t, types.ApplyPatchType, patchTypes[0])
}

func TestApplyFallsBackOnConflict(t *testing.T) {
	dyn := newFakeDynamic()
	gr := schema.GroupResource{Group: "apps", Resource: "deployments"}
	var patchTypes []types.PatchType
	dyn.PrependReactor("patch", "deployments", func(action clienttesting.Action) (bool, runtime.Object, error) {
		patch := action.(clienttesting.PatchAction)
		patchTypes = append(patchTypes, patch.GetPatchType())
		if patch.GetPatchType() == types.ApplyPatchType {
			return true, nil, apierrors.NewConflict(gr, "checkout-api-v3", assert.AnError)
		}
		return true, deploymentManifest(), nil
	})

	c := testClient(dyn)
	applied, err := c.Apply(context.Background(), deploymentManifest())
	require.NoError(t, err)
	assert.Equal(t, "checkout-api-v3", applied.GetName())

	require.Len(t, patchTypes, 2)
	assert.Equal(t, types.ApplyPatchType, patchTypes[0])
	assert.Equal(t, types.StrategicMergePatchType, patchTypes[1])
}

func TestApplyOtherErrorsAreNotRetried(t *testing.T) {
	dyn := newFakeDynamic()
	var calls int
	dyn.PrependReactor("patch", "deployments", func(action clienttesting.Action) (bool, runtime.Object, error) {
		calls++
		return true, nil, apierrors.NewForbidden(
			schema.GroupResource{Group: "apps", Resource: "deployments"}, "checkout-api-v3", assert.AnError)
	})

	c := testClient(dyn)
	_, err := c.Apply(context.Background(), deploymentManifest())
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestApplyAllStopsAtFirstFailure(t *testing.T) {
	dyn := newFakeDynamic()
	dyn.PrependReactor("patch", "namespaces", func(action clienttesting.Action) (bool, runtime.Object, error) {
		return true, namespaceObj("proj-p1", "Active"), nil
	})
	dyn.PrependReactor("patch", "deployments", func(action clienttesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(
			schema.GroupResource{Group: "apps", Resource: "deployments"}, "checkout-api-v3", assert.AnError)
	})

	c := testClient(dyn)
	applied, err := c.ApplyAll(context.Background(), []*unstructured.Unstructured{
		namespaceObj("proj-p1", "Active"),
		deploymentManifest(),
	})
	require.Error(t, err)
	assert.Len(t, applied, 1)
}

func TestApplyManifestMultiDoc(t *testing.T) {
	dyn := newFakeDynamic()
	dyn.PrependReactor("patch", "*", func(action clienttesting.Action) (bool, runtime.Object, error) {
		patch := action.(clienttesting.PatchAction)
		obj := &unstructured.Unstructured{Object: map[string]any{}}
		if err := json.Unmarshal(patch.GetPatch(), &obj.Object); err != nil {
			return true, nil, err
		}
		return true, obj, nil
	})

	text := `apiVersion: v1
kind: Namespace
metadata:
  name: proj-p1
---
apiVersion: v1
kind: ServiceAccount
metadata:
  name: checkout-api
  namespace: proj-p1
---
`
	c := testClient(dyn)
	applied, err := c.ApplyManifest(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "Namespace", applied[0].GetKind())
	assert.Equal(t, "ServiceAccount", applied[1].GetKind())
}

func TestApplyManifestRejectsMalformed(t *testing.T) {
	c := testClient(newFakeDynamic())

	_, err := c.ApplyManifest(context.Background(), "kind: [broken")
	assert.ErrorIs(t, err, domain.ErrInvalid)

	// A parseable document without a name is rejected before any apply.
	_, err = c.ApplyManifest(context.Background(), "apiVersion: v1\nkind: Namespace\n")
	assert.ErrorIs(t, err, domain.ErrInvalid)
}
