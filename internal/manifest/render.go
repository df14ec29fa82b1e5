// Package manifest renders the Kubernetes and Istio resources for a service
// version deployment: Namespace, ServiceAccount, Deployment, Service,
// DestinationRules, mesh and external VirtualServices, and the HTTPRoute.
// Manifests are plain unstructured objects so they survive JSON round-trips
// through workflow step outputs.
package manifest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/env360/env360/internal/domain"
)

// partOf tags every rendered object so operators can find orchestrator-owned
// resources with one label selector.
const partOf = "env360"

// Input carries everything needed to render one service version's resources.
// Config holds the full configuration snapshot with ports already parsed.
type Input struct {
	ServiceID           string
	ServiceName         string
	ProjectID           string
	ProjectName         string
	Config              map[string]any
	VersionLabel        string
	DeploymentID        string
	EnvName             string
	LaneID              string
	DownstreamOverrides []domain.DownstreamOverride
}

// Renderer renders manifests using process-wide domain settings.
type Renderer struct {
	baseDomain       string
	gatewayName      string
	gatewayNamespace string
}

// NewRenderer builds a Renderer. The gateway name and namespace are used for
// external route attachment unless the service config overrides them.
func NewRenderer(baseDomain, gatewayName, gatewayNamespace string) *Renderer {
	return &Renderer{
		baseDomain:       baseDomain,
		gatewayName:      gatewayName,
		gatewayNamespace: gatewayNamespace,
	}
}

// Normalize lowers a name and replaces the separators Kubernetes rejects,
// bringing it close to DNS-1123 form.
func Normalize(name string) string {
	r := strings.NewReplacer("/", "-", "_", "-", " ", "-")
	return r.Replace(strings.ToLower(name))
}

// NamespaceName derives the project namespace.
func NamespaceName(projectID string) string {
	return "proj-" + Normalize(projectID)
}

func (in *Input) namespace() string {
	return NamespaceName(in.ProjectID)
}

func (in *Input) workloadName() string {
	return Normalize(in.ServiceName) + "-" + in.VersionLabel
}

// laneID prefers the explicit lane over a lane_id config key.
func (in *Input) laneID() string {
	if in.LaneID != "" {
		return in.LaneID
	}
	if v, ok := in.Config["lane_id"]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// labels builds the common label set. Workload-scoped objects additionally
// carry the app/version identity labels used by selectors and Istio subsets.
func (in *Input) labels(workload bool) map[string]any {
	labels := map[string]any{
		"app.kubernetes.io/part-of":    partOf,
		"app.kubernetes.io/managed-by": partOf,
		"project-id":                   in.ProjectID,
		"project-name":                 in.ProjectName,
	}
	if in.DeploymentID != "" {
		labels["deployment-id"] = in.DeploymentID
	}
	if workload {
		labels["app.kubernetes.io/name"] = in.ServiceName + "-" + in.VersionLabel
		labels["app.kubernetes.io/instance"] = in.ServiceID + "-" + in.VersionLabel
		labels["app.kubernetes.io/version"] = in.VersionLabel
		labels["app"] = in.ServiceName + "-" + in.VersionLabel
		labels["version"] = in.VersionLabel
		labels["service-id"] = in.ServiceID
		labels["service-name"] = in.ServiceName
		if lane := in.laneID(); lane != "" {
			labels["lane"] = lane
		}
	}
	return labels
}

// selectorLabels is the exact label set tying Deployments to their pods and
// Services to both. It must stay stable across releases or rollouts break.
func (in *Input) selectorLabels() map[string]any {
	return map[string]any{
		"service-id":   in.ServiceID,
		"service-name": in.ServiceName,
		"version":      in.VersionLabel,
		"project-id":   in.ProjectID,
		"project-name": in.ProjectName,
	}
}

// Namespace renders the project namespace.
func (r *Renderer) Namespace(in *Input) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "Namespace",
		"metadata": map[string]any{
			"name": in.namespace(),
			"labels": map[string]any{
				"project-id":   Normalize(in.ProjectID),
				"project-name": Normalize(in.ProjectName),
			},
		},
	}}
}

// ServiceAccount renders the per-version service account the pods run as.
func (r *Renderer) ServiceAccount(in *Input) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "ServiceAccount",
		"metadata": map[string]any{
			"name":      in.workloadName() + "-account",
			"namespace": in.namespace(),
			"labels":    in.labels(true),
		},
	}}
}

// Deployment renders the workload with a rolling-update strategy and the
// version-pinned selector.
func (r *Renderer) Deployment(in *Input) *unstructured.Unstructured {
	metadata := map[string]any{
		"name":      in.workloadName(),
		"namespace": in.namespace(),
		"labels":    in.labels(true),
	}
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   metadata,
		"spec": map[string]any{
			"replicas":                int64(configInt(in.Config, "replicas", 1)),
			"revisionHistoryLimit":    int64(configInt(in.Config, "revisionHistoryLimit", 10)),
			"progressDeadlineSeconds": int64(configInt(in.Config, "progressDeadlineSeconds", 600)),
			"strategy": map[string]any{
				"type": configString(in.Config, "strategy", "RollingUpdate"),
				"rollingUpdate": map[string]any{
					"maxUnavailable": int64(configInt(in.Config, "rollingUpdate_maxUnavailable", 0)),
					"maxSurge":       int64(configInt(in.Config, "rollingUpdate_maxSurge", 1)),
				},
			},
			"selector": map[string]any{"matchLabels": in.selectorLabels()},
			"template": map[string]any{
				"metadata": map[string]any{
					"name":      in.workloadName(),
					"namespace": in.namespace(),
					"labels":    in.labels(true),
				},
				"spec": in.podSpec(),
			},
		},
	}}
}

func (in *Input) podSpec() map[string]any {
	account := in.workloadName() + "-account"
	return map[string]any{
		"containers":                    []any{in.containerSpec()},
		"dnsPolicy":                     configString(in.Config, "dnsPolicy", "ClusterFirst"),
		"restartPolicy":                 configString(in.Config, "restartPolicy", "Always"),
		"serviceAccountName":            account,
		"terminationGracePeriodSeconds": int64(configInt(in.Config, "terminationGracePeriodSeconds", 30)),
	}
}

func (in *Input) containerSpec() map[string]any {
	image := configString(in.Config, "docker_image", "")
	if image == "" {
		image = configString(in.Config, "image", "")
	}
	spec := map[string]any{
		"name":            Normalize(in.ServiceName),
		"image":           image,
		"imagePullPolicy": configString(in.Config, "imagePullPolicy", "IfNotPresent"),
	}
	if ports := configPorts(in.Config); len(ports) > 0 {
		spec["ports"] = ports
	}
	if env, ok := in.Config["env"]; ok {
		spec["env"] = env
	}
	for _, key := range []string{"command", "livenessProbe", "readinessProbe", "volumeMounts", "securityContext", "resources"} {
		if v, ok := in.Config[key]; ok && v != nil {
			spec[key] = v
		}
	}
	return spec
}

// Service renders the ClusterIP service fronting this version's pods. Ports
// come from the config; with none configured a default http port 80 is used.
func (r *Renderer) Service(in *Input) *unstructured.Unstructured {
	var svcPorts []any
	for _, p := range configPorts(in.Config) {
		port, ok := p.(map[string]any)
		if !ok {
			continue
		}
		containerPort := mapInt(port, "containerPort", 80)
		name := mapString(port, "name", fmt.Sprintf("port-%d", containerPort))
		svcPorts = append(svcPorts, map[string]any{
			"name":       name,
			"port":       int64(containerPort),
			"targetPort": int64(containerPort),
			"protocol":   mapString(port, "protocol", "TCP"),
		})
	}
	if len(svcPorts) == 0 {
		svcPorts = []any{map[string]any{
			"name": "http", "port": int64(80), "targetPort": int64(80), "protocol": "TCP",
		}}
	}
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata": map[string]any{
			"name":      in.workloadName(),
			"namespace": in.namespace(),
			"labels":    in.labels(true),
		},
		"spec": map[string]any{
			"type":     configString(in.Config, "serviceType", "ClusterIP"),
			"selector": in.selectorLabels(),
			"ports":    svcPorts,
		},
	}}
}

// routePrefix is the path the external route matches:
// /<project>/<env>/<service>/<version>, dropping the env segment when empty.
func (in *Input) routePrefix() string {
	segments := []string{Normalize(in.ProjectName)}
	if env := Normalize(in.EnvName); env != "" {
		segments = append(segments, env)
	}
	segments = append(segments, Normalize(in.ServiceName), in.VersionLabel)
	return "/" + strings.Join(segments, "/")
}

func (r *Renderer) baseDomainFor(in *Input) string {
	if d := configString(in.Config, "base_domain", ""); d != "" {
		return d
	}
	return r.baseDomain
}

func (r *Renderer) gatewayFor(in *Input) (name, namespace string) {
	return configString(in.Config, "gateway_name", r.gatewayName),
		configString(in.Config, "gateway_namespace", r.gatewayNamespace)
}

// HTTPRoute renders the Gateway API route for clusters routed without Istio.
func (r *Renderer) HTTPRoute(in *Input) *unstructured.Unstructured {
	gwName, gwNamespace := r.gatewayFor(in)
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "gateway.networking.k8s.io/v1",
		"kind":       "HTTPRoute",
		"metadata": map[string]any{
			"name":      in.workloadName() + "-route",
			"namespace": in.namespace(),
			"labels":    in.labels(true),
		},
		"spec": map[string]any{
			"hostnames": []any{r.baseDomainFor(in)},
			"parentRefs": []any{map[string]any{
				"name":      gwName,
				"namespace": gwNamespace,
			}},
			"rules": []any{map[string]any{
				"matches": []any{map[string]any{
					"path": map[string]any{
						"type":  "PathPrefix",
						"value": in.routePrefix(),
					},
				}},
				"backendRefs": []any{map[string]any{
					"name": in.workloadName(),
					"port": int64(firstPort(in.Config)),
				}},
			}},
		},
	}}
}

// DestinationRules renders one DestinationRule per routed host: the service
// itself plus every downstream override target. Subsets are version labels,
// sorted for stable output; hosts appear in first-seen order.
func (r *Renderer) DestinationRules(in *Input) []*unstructured.Unstructured {
	hostOrder := []string{Normalize(in.ServiceName)}
	hostVersions := map[string]map[string]struct{}{
		Normalize(in.ServiceName): {in.VersionLabel: {}},
	}
	for _, ds := range in.DownstreamOverrides {
		host := Normalize(ds.ServiceName)
		if host == "" || ds.Version == "" {
			continue
		}
		if _, ok := hostVersions[host]; !ok {
			hostOrder = append(hostOrder, host)
			hostVersions[host] = make(map[string]struct{})
		}
		hostVersions[host][ds.Version] = struct{}{}
	}

	var out []*unstructured.Unstructured
	for _, host := range hostOrder {
		var subsets []any
		for _, v := range sortedKeys(hostVersions[host]) {
			subsets = append(subsets, map[string]any{
				"name":   v,
				"labels": map[string]any{"version": v},
			})
		}
		out = append(out, &unstructured.Unstructured{Object: map[string]any{
			"apiVersion": "networking.istio.io/v1beta1",
			"kind":       "DestinationRule",
			"metadata": map[string]any{
				"name":      host + "-dest-rule",
				"namespace": in.namespace(),
				"labels":    in.labels(true),
			},
			"spec": map[string]any{
				"host":    host,
				"subsets": subsets,
			},
		}})
	}
	return out
}

// MeshVirtualServices renders one VirtualService per downstream override,
// matching traffic from this version's pods by source labels and pinning it
// to the requested downstream subset.
func (r *Renderer) MeshVirtualServices(in *Input) []*unstructured.Unstructured {
	if len(in.DownstreamOverrides) == 0 {
		return nil
	}
	svcName := Normalize(in.ServiceName)
	sourceLabels := map[string]any{
		"app":     svcName + "-" + in.VersionLabel,
		"version": in.VersionLabel,
	}
	if lane := in.laneID(); lane != "" {
		sourceLabels["lane"] = lane
	}

	var out []*unstructured.Unstructured
	for _, ds := range in.DownstreamOverrides {
		host := Normalize(ds.ServiceName)
		if host == "" || ds.Version == "" {
			continue
		}
		out = append(out, &unstructured.Unstructured{Object: map[string]any{
			"apiVersion": "networking.istio.io/v1beta1",
			"kind":       "VirtualService",
			"metadata": map[string]any{
				"name":      svcName + "-to-" + host + "-" + in.VersionLabel,
				"namespace": in.namespace(),
				"labels":    in.labels(true),
			},
			"spec": map[string]any{
				"hosts": []any{host},
				"http": []any{map[string]any{
					"match": []any{map[string]any{"sourceLabels": sourceLabels}},
					"route": []any{map[string]any{
						"destination": map[string]any{
							"host":   host,
							"subset": ds.Version,
						},
					}},
				}},
			},
		}})
	}
	return out
}

// ExternalVirtualService renders the gateway-attached VirtualService routing
// external traffic under the version's path prefix.
func (r *Renderer) ExternalVirtualService(in *Input) *unstructured.Unstructured {
	gwName, gwNamespace := r.gatewayFor(in)
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "networking.istio.io/v1beta1",
		"kind":       "VirtualService",
		"metadata": map[string]any{
			"name":      in.workloadName() + "-ext-vs",
			"namespace": in.namespace(),
			"labels":    in.labels(true),
		},
		"spec": map[string]any{
			"hosts":    []any{r.baseDomainFor(in)},
			"gateways": []any{gwNamespace + "/" + gwName},
			"http": []any{map[string]any{
				"match": []any{map[string]any{
					"uri": map[string]any{"prefix": in.routePrefix()},
				}},
				"route": []any{map[string]any{
					"destination": map[string]any{
						"host": in.workloadName(),
						"port": map[string]any{"number": int64(firstPort(in.Config))},
					},
				}},
			}},
		},
	}}
}

// --- config value helpers ---

func configString(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// configInt reads a numeric config value, tolerating JSON float64 and string
// encodings.
func configInt(cfg map[string]any, key string, fallback int) int {
	v, ok := cfg[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return fallback
}

func configPorts(cfg map[string]any) []any {
	ports, ok := cfg["ports"].([]any)
	if !ok {
		return nil
	}
	return ports
}

// firstPort returns the first configured container port, defaulting to 80.
func firstPort(cfg map[string]any) int {
	ports := configPorts(cfg)
	if len(ports) == 0 {
		return 80
	}
	if p, ok := ports[0].(map[string]any); ok {
		return mapInt(p, "containerPort", 80)
	}
	return 80
}

func mapInt(m map[string]any, key string, fallback int) int {
	return configInt(m, key, fallback)
}

func mapString(m map[string]any, key, fallback string) string {
	return configString(m, key, fallback)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
