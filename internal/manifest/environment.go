package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// EnvDomainSettings carries the certificate and gateway configuration used
// for environment subdomain provisioning.
type EnvDomainSettings struct {
	BaseDomain       string
	CertNamespace    string
	IssuerName       string
	CertDuration     time.Duration
	CertRenewBefore  time.Duration
	GatewayName      string
	GatewayNamespace string
	GatewayClassName string
}

// ListenerSource is one recorded environment domain. The shared gateway
// carries a listener pair per entry.
type ListenerSource struct {
	EnvironmentName string `json:"environment_name"`
	ProjectName     string `json:"project_name"`
}

// ParseListenerSource decodes a domain_info config value.
func ParseListenerSource(raw string) (ListenerSource, error) {
	var src ListenerSource
	if err := json.Unmarshal([]byte(raw), &src); err != nil {
		return ListenerSource{}, fmt.Errorf("failed to decode domain info: %w", err)
	}
	return src, nil
}

// certName derives the shared certificate/secret name for an environment.
func certName(envName, projectName string) string {
	return Normalize(envName) + "-" + Normalize(projectName) + "-cert"
}

// Certificate renders the cert-manager Certificate for an environment
// subdomain. It covers <env>.<project>.<base> and its wildcard so every
// service route under the environment shares one certificate.
func Certificate(envName, projectName string, s EnvDomainSettings) *unstructured.Unstructured {
	domain := fmt.Sprintf("%s.%s.%s", envName, projectName, s.BaseDomain)
	name := certName(envName, projectName)
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "cert-manager.io/v1",
		"kind":       "Certificate",
		"metadata": map[string]any{
			"name":      name,
			"namespace": s.CertNamespace,
			"labels": map[string]any{
				"app.kubernetes.io/part-of":    partOf,
				"app.kubernetes.io/managed-by": partOf,
				"environment-name":             Normalize(envName),
				"project-name":                 Normalize(projectName),
			},
		},
		"spec": map[string]any{
			"secretName": name,
			"issuerRef": map[string]any{
				"name": s.IssuerName,
				"kind": "ClusterIssuer",
			},
			"dnsNames":    []any{domain, "*." + domain},
			"duration":    fmt.Sprintf("%dh", int(s.CertDuration.Hours())),
			"renewBefore": fmt.Sprintf("%dh", int(s.CertRenewBefore.Hours())),
		},
	}}
}

// Gateway renders the shared ingress Gateway with one HTTPS listener pair per
// recorded environment domain: a wildcard listener for subdomain routing and
// an exact-host listener for path routing. Both terminate TLS with the
// environment certificate.
func Gateway(sources []ListenerSource, s EnvDomainSettings) *unstructured.Unstructured {
	var listeners []any
	for _, src := range sources {
		envSeg := Normalize(src.EnvironmentName)
		projSeg := Normalize(src.ProjectName)
		domain := fmt.Sprintf("%s.%s.%s", src.EnvironmentName, src.ProjectName, s.BaseDomain)
		cert := certName(src.EnvironmentName, src.ProjectName)
		tls := map[string]any{
			"mode": "Terminate",
			"certificateRefs": []any{map[string]any{
				"name":      cert,
				"namespace": s.CertNamespace,
			}},
		}
		listeners = append(listeners,
			map[string]any{
				"name":     fmt.Sprintf("http-%s-%s-domain", projSeg, envSeg),
				"port":     int64(443),
				"protocol": "HTTPS",
				"hostname": "*." + domain,
				"allowedRoutes": map[string]any{
					"namespaces": map[string]any{"from": "All"},
				},
				"tls": tls,
			},
			map[string]any{
				"name":     fmt.Sprintf("http-%s-%s-path", projSeg, envSeg),
				"port":     int64(443),
				"protocol": "HTTPS",
				"hostname": domain,
				"allowedRoutes": map[string]any{
					"namespaces": map[string]any{"from": "All"},
				},
				"tls": tls,
			},
		)
	}
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "gateway.networking.k8s.io/v1",
		"kind":       "Gateway",
		"metadata": map[string]any{
			"name":      s.GatewayName,
			"namespace": s.GatewayNamespace,
			"labels": map[string]any{
				"app.kubernetes.io/part-of":    partOf,
				"app.kubernetes.io/managed-by": partOf,
			},
			"annotations": map[string]any{
				"tailscale.com/expose": "true",
			},
		},
		"spec": map[string]any{
			"gatewayClassName": s.GatewayClassName,
			"listeners":        listeners,
		},
	}}
}
