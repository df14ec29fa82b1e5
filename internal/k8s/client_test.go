package k8s

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	"github.com/env360/env360/internal/domain"
	"github.com/env360/env360/internal/logging"
	"github.com/env360/env360/internal/secrets"
)

func testEncryptor(t *testing.T) *secrets.Encryptor {
	t.Helper()
	enc, err := secrets.New("test-key")
	require.NoError(t, err)
	return enc
}

func encrypt(t *testing.T, enc *secrets.Encryptor, plaintext string) string {
	t.Helper()
	out, err := enc.Encrypt(plaintext)
	require.NoError(t, err)
	return out
}

// newFakeDynamic builds a fake dynamic client that knows the list kinds for
// every builtin resource.
func newFakeDynamic(objects ...runtime.Object) *dynamicfake.FakeDynamicClient {
	scheme := runtime.NewScheme()
	gvrToListKind := map[schema.GroupVersionResource]string{}
	for kind, info := range builtinKinds {
		gvrToListKind[info.gvr] = kind + "List"
	}
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme, gvrToListKind, objects...)
}

func testClient(dyn *dynamicfake.FakeDynamicClient) *Client {
	return NewClient(dyn, nil, logging.New(false, false),
		WithPolling(200*time.Millisecond, 10*time.Millisecond))
}

func TestRESTConfigForClusterToken(t *testing.T) {
	enc := testEncryptor(t)
	cluster := &domain.KubernetesCluster{
		Name:       "qa-cluster",
		APIURL:     "https://k8s.example.com:6443",
		AuthMethod: domain.AuthToken,
		Token:      encrypt(t, enc, "bearer-token"),
	}

	cfg, err := RESTConfigForCluster(cluster, enc)
	require.NoError(t, err)
	assert.Equal(t, "https://k8s.example.com:6443", cfg.Host)
	assert.Equal(t, "bearer-token", cfg.BearerToken)
	// Without a CA the config skips verification.
	assert.True(t, cfg.TLSClientConfig.Insecure)
}

func TestRESTConfigForClusterTokenWithCA(t *testing.T) {
	enc := testEncryptor(t)
	cluster := &domain.KubernetesCluster{
		Name:         "qa-cluster",
		APIURL:       "https://k8s.example.com:6443",
		AuthMethod:   domain.AuthServiceAccount,
		Token:        encrypt(t, enc, "bearer-token"),
		ClientCACert: encrypt(t, enc, "ca-pem"),
	}

	cfg, err := RESTConfigForCluster(cluster, enc)
	require.NoError(t, err)
	assert.Equal(t, []byte("ca-pem"), cfg.TLSClientConfig.CAData)
	assert.False(t, cfg.TLSClientConfig.Insecure)
}

func TestRESTConfigForClusterKubeconfig(t *testing.T) {
	enc := testEncryptor(t)
	kubeconfig := `
apiVersion: v1
kind: Config
clusters:
- name: test
  cluster:
    server: https://kubeconfig.example.com
contexts:
- name: test
  context:
    cluster: test
    user: test
current-context: test
users:
- name: test
  user:
    token: from-kubeconfig
`
	cluster := &domain.KubernetesCluster{
		Name:              "kc-cluster",
		AuthMethod:        domain.AuthKubeconfig,
		KubeconfigContent: encrypt(t, enc, kubeconfig),
	}

	cfg, err := RESTConfigForCluster(cluster, enc)
	require.NoError(t, err)
	assert.Equal(t, "https://kubeconfig.example.com", cfg.Host)
	assert.Equal(t, "from-kubeconfig", cfg.BearerToken)
}

func TestRESTConfigForClusterClientCert(t *testing.T) {
	enc := testEncryptor(t)
	cluster := &domain.KubernetesCluster{
		Name:       "cert-cluster",
		APIURL:     "https://cert.example.com",
		AuthMethod: domain.AuthClientCert,
		ClientCert: encrypt(t, enc, "cert-pem"),
		ClientKey:  encrypt(t, enc, "key-pem"),
	}

	cfg, err := RESTConfigForCluster(cluster, enc)
	require.NoError(t, err)
	assert.Equal(t, []byte("cert-pem"), cfg.TLSClientConfig.CertData)
	assert.Equal(t, []byte("key-pem"), cfg.TLSClientConfig.KeyData)
}

func TestRESTConfigForClusterValidation(t *testing.T) {
	enc := testEncryptor(t)
	tests := []struct {
		name    string
		cluster *domain.KubernetesCluster
	}{
		{"unsupported method", &domain.KubernetesCluster{AuthMethod: "basic"}},
		{"token without url", &domain.KubernetesCluster{
			AuthMethod: domain.AuthToken, Token: encrypt(t, enc, "x"),
		}},
		{"kubeconfig without content", &domain.KubernetesCluster{
			AuthMethod: domain.AuthKubeconfig,
		}},
		{"client cert without key", &domain.KubernetesCluster{
			AuthMethod: domain.AuthClientCert, APIURL: "https://x",
			ClientCert: encrypt(t, enc, "cert"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RESTConfigForCluster(tt.cluster, enc)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalid))
		})
	}
}

func TestRESTConfigForClusterWrongKey(t *testing.T) {
	enc := testEncryptor(t)
	other, err := secrets.New("other-key")
	require.NoError(t, err)

	cluster := &domain.KubernetesCluster{
		Name:       "qa-cluster",
		APIURL:     "https://k8s.example.com",
		AuthMethod: domain.AuthToken,
		Token:      encrypt(t, enc, "bearer-token"),
	}
	_, err = RESTConfigForCluster(cluster, other)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDecrypt))
}

func TestResolveKindBuiltin(t *testing.T) {
	c := testClient(newFakeDynamic())

	info, err := c.resolveKind("networking.istio.io/v1beta1", "VirtualService")
	require.NoError(t, err)
	assert.Equal(t, "virtualservices", info.gvr.Resource)
	assert.True(t, info.namespaced)

	info, err = c.resolveKind("v1", "Namespace")
	require.NoError(t, err)
	assert.False(t, info.namespaced)
}

func namespaceObj(name, phase string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "Namespace",
		"metadata":   map[string]any{"name": name},
		"status":     map[string]any{"phase": phase},
	}}
}

func deploymentObj(namespace, name string, want, available, updated, ready int64) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   map[string]any{"name": name, "namespace": namespace},
		"spec":       map[string]any{"replicas": want},
		"status": map[string]any{
			"availableReplicas": available,
			"updatedReplicas":   updated,
			"readyReplicas":     ready,
		},
	}}
}

func TestPollReadyNamespace(t *testing.T) {
	c := testClient(newFakeDynamic(namespaceObj("proj-p1", "Active")))

	status, err := c.PollReady(context.Background(), "v1", "Namespace", "", "proj-p1")
	require.NoError(t, err)
	assert.True(t, status.Ready)
}

func TestPollReadyDeployment(t *testing.T) {
	tests := []struct {
		name  string
		obj   *unstructured.Unstructured
		ready bool
	}{
		{"all replicas up", deploymentObj("ns", "app-v1", 2, 2, 2, 2), true},
		{"not enough available", deploymentObj("ns", "app-v1", 2, 1, 2, 2), false},
		{"stale updated", deploymentObj("ns", "app-v1", 2, 2, 1, 2), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(newFakeDynamic(tt.obj))
			status, err := c.checkReady(context.Background(), "apps/v1", "Deployment", "ns", "app-v1")
			require.NoError(t, err)
			assert.Equal(t, tt.ready, status.Ready)
		})
	}
}

func TestPollReadyService(t *testing.T) {
	clusterIP := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata":   map[string]any{"name": "svc-v1", "namespace": "ns"},
		"spec":       map[string]any{"type": "ClusterIP", "clusterIP": "10.0.0.5"},
	}}
	headless := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata":   map[string]any{"name": "headless", "namespace": "ns"},
		"spec":       map[string]any{"type": "ClusterIP", "clusterIP": "None"},
	}}
	lb := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata":   map[string]any{"name": "lb", "namespace": "ns"},
		"spec":       map[string]any{"type": "LoadBalancer"},
		"status": map[string]any{
			"loadBalancer": map[string]any{"ingress": []any{map[string]any{"ip": "1.2.3.4"}}},
		},
	}}
	c := testClient(newFakeDynamic(clusterIP, headless, lb))
	ctx := context.Background()

	status, err := c.checkReady(ctx, "v1", "Service", "ns", "svc-v1")
	require.NoError(t, err)
	assert.True(t, status.Ready)

	status, err = c.checkReady(ctx, "v1", "Service", "ns", "headless")
	require.NoError(t, err)
	assert.False(t, status.Ready)

	status, err = c.checkReady(ctx, "v1", "Service", "ns", "lb")
	require.NoError(t, err)
	assert.True(t, status.Ready)
}

func TestPollReadyExistenceKinds(t *testing.T) {
	sa := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "ServiceAccount",
		"metadata":   map[string]any{"name": "app-v1-account", "namespace": "ns"},
	}}
	c := testClient(newFakeDynamic(sa))

	status, err := c.checkReady(context.Background(), "v1", "ServiceAccount", "ns", "app-v1-account")
	require.NoError(t, err)
	assert.True(t, status.Ready)

	// Absent resources are pending, not an error.
	status, err = c.checkReady(context.Background(), "v1", "ServiceAccount", "ns", "missing")
	require.NoError(t, err)
	assert.False(t, status.Ready)
}

func TestPollReadyTimesOut(t *testing.T) {
	c := testClient(newFakeDynamic(namespaceObj("proj-p1", "Terminating")))

	_, err := c.PollReady(context.Background(), "v1", "Namespace", "", "proj-p1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnavailable))
}

func TestDeleteTolerant(t *testing.T) {
	c := testClient(newFakeDynamic(namespaceObj("proj-p1", "Active")))
	ctx := context.Background()

	require.NoError(t, c.Delete(ctx, "v1", "Namespace", "", "proj-p1"))
	// Deleting a missing resource is not an error.
	require.NoError(t, c.Delete(ctx, "v1", "Namespace", "", "proj-p1"))
}
