// Package k8s is the gateway to target clusters: it builds authenticated
// clients from stored cluster records, applies rendered manifests, polls
// resources for readiness and probes cluster health.
package k8s

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/env360/env360/internal/domain"
	"github.com/env360/env360/internal/secrets"
)

// fieldManager identifies this orchestrator in server-side apply.
const fieldManager = "env360"

// kindInfo maps a kind to its resource coordinates.
type kindInfo struct {
	gvr        schema.GroupVersionResource
	namespaced bool
}

// builtinKinds covers every kind the renderers emit, so the common path
// never needs discovery.
var builtinKinds = map[string]kindInfo{
	"Namespace":       {schema.GroupVersionResource{Version: "v1", Resource: "namespaces"}, false},
	"ServiceAccount":  {schema.GroupVersionResource{Version: "v1", Resource: "serviceaccounts"}, true},
	"Service":         {schema.GroupVersionResource{Version: "v1", Resource: "services"}, true},
	"Deployment":      {schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}, true},
	"Ingress":         {schema.GroupVersionResource{Group: "networking.k8s.io", Version: "v1", Resource: "ingresses"}, true},
	"HTTPRoute":       {schema.GroupVersionResource{Group: "gateway.networking.k8s.io", Version: "v1", Resource: "httproutes"}, true},
	"Gateway":         {schema.GroupVersionResource{Group: "gateway.networking.k8s.io", Version: "v1", Resource: "gateways"}, true},
	"VirtualService":  {schema.GroupVersionResource{Group: "networking.istio.io", Version: "v1beta1", Resource: "virtualservices"}, true},
	"DestinationRule": {schema.GroupVersionResource{Group: "networking.istio.io", Version: "v1beta1", Resource: "destinationrules"}, true},
	"Certificate":     {schema.GroupVersionResource{Group: "cert-manager.io", Version: "v1", Resource: "certificates"}, true},
}

// Observer receives apply and poll outcomes, typically for metrics.
type Observer interface {
	ApplyRecorded(kind string, err error)
	PollRecorded(kind string, elapsed time.Duration)
}

// Client wraps the dynamic and discovery clients for one target cluster.
type Client struct {
	dyn          dynamic.Interface
	disc         discovery.DiscoveryInterface
	restConfig   *rest.Config
	logger       *slog.Logger
	pollTimeout  time.Duration
	pollInterval time.Duration
	observer     Observer
}

// Option configures a Client.
type Option func(*Client)

// WithPolling overrides the readiness polling bounds.
func WithPolling(timeout, interval time.Duration) Option {
	return func(c *Client) {
		c.pollTimeout = timeout
		c.pollInterval = interval
	}
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// NewClient wraps pre-built clients. Used directly by tests with fakes.
func NewClient(dyn dynamic.Interface, disc discovery.DiscoveryInterface, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		dyn:          dyn,
		disc:         disc,
		logger:       logger,
		pollTimeout:  5 * time.Minute,
		pollInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientForConfig builds a Client from a REST config.
func NewClientForConfig(cfg *rest.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	disc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery client: %w", err)
	}
	c := NewClient(dyn, disc, logger, opts...)
	c.restConfig = cfg
	return c, nil
}

// RESTConfigForCluster turns a stored cluster record into a REST config,
// decrypting the credential fields on the way.
func RESTConfigForCluster(cluster *domain.KubernetesCluster, enc *secrets.Encryptor) (*rest.Config, error) {
	switch cluster.AuthMethod {
	case domain.AuthToken, domain.AuthServiceAccount:
		token, err := enc.Decrypt(cluster.Token)
		if err != nil {
			return nil, fmt.Errorf("cluster %s token: %w", cluster.Name, err)
		}
		if cluster.APIURL == "" || token == "" {
			return nil, domain.Invalid("cluster", "token auth requires api url and token")
		}
		cfg := &rest.Config{Host: cluster.APIURL, BearerToken: token}
		if err := setClusterCA(cfg, cluster, enc); err != nil {
			return nil, err
		}
		return cfg, nil

	case domain.AuthKubeconfig:
		content, err := enc.Decrypt(cluster.KubeconfigContent)
		if err != nil {
			return nil, fmt.Errorf("cluster %s kubeconfig: %w", cluster.Name, err)
		}
		if content == "" {
			return nil, domain.Invalid("cluster", "kubeconfig auth requires kubeconfig content")
		}
		cfg, err := clientcmd.RESTConfigFromKubeConfig([]byte(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse kubeconfig for cluster %s: %w", cluster.Name, err)
		}
		return cfg, nil

	case domain.AuthClientCert:
		certData, err := enc.Decrypt(cluster.ClientCert)
		if err != nil {
			return nil, fmt.Errorf("cluster %s client cert: %w", cluster.Name, err)
		}
		keyData, err := enc.Decrypt(cluster.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("cluster %s client key: %w", cluster.Name, err)
		}
		if cluster.APIURL == "" || certData == "" || keyData == "" {
			return nil, domain.Invalid("cluster", "client cert auth requires api url, cert and key")
		}
		cfg := &rest.Config{
			Host: cluster.APIURL,
			TLSClientConfig: rest.TLSClientConfig{
				CertData: []byte(certData),
				KeyData:  []byte(keyData),
			},
		}
		if err := setClusterCA(cfg, cluster, enc); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return nil, domain.Invalid("authMethod", fmt.Sprintf("unsupported auth method %q", cluster.AuthMethod))
}

// setClusterCA attaches the cluster CA when present; without one TLS
// verification is skipped, matching how ad-hoc clusters are registered.
func setClusterCA(cfg *rest.Config, cluster *domain.KubernetesCluster, enc *secrets.Encryptor) error {
	ca, err := enc.Decrypt(cluster.ClientCACert)
	if err != nil {
		return fmt.Errorf("cluster %s ca cert: %w", cluster.Name, err)
	}
	if ca != "" {
		cfg.TLSClientConfig.CAData = []byte(ca)
	} else {
		cfg.TLSClientConfig.Insecure = true
	}
	return nil
}

// resolveKind maps a manifest kind to its GVR, consulting discovery for
// kinds outside the builtin set.
func (c *Client) resolveKind(apiVersion, kind string) (kindInfo, error) {
	if info, ok := builtinKinds[kind]; ok {
		return info, nil
	}
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return kindInfo{}, fmt.Errorf("failed to parse apiVersion %q: %w", apiVersion, err)
	}
	resources, err := c.disc.ServerResourcesForGroupVersion(apiVersion)
	if err != nil {
		return kindInfo{}, fmt.Errorf("failed to discover resources for %s: %w", apiVersion, err)
	}
	for _, r := range resources.APIResources {
		if r.Kind == kind && !strings.Contains(r.Name, "/") {
			return kindInfo{
				gvr:        gv.WithResource(r.Name),
				namespaced: r.Namespaced,
			}, nil
		}
	}
	return kindInfo{}, domain.Invalid("kind", fmt.Sprintf("unknown resource kind %q in %s", kind, apiVersion))
}

func (c *Client) resourceFor(info kindInfo, namespace string) dynamic.ResourceInterface {
	if info.namespaced && namespace != "" {
		return c.dyn.Resource(info.gvr).Namespace(namespace)
	}
	return c.dyn.Resource(info.gvr)
}

// Connection check helper shared with the cluster registration flow.
func (c *Client) CheckConnection(ctx context.Context) error {
	if _, err := c.disc.ServerVersion(); err != nil {
		return domain.Unavailable("cluster", err)
	}
	return nil
}
