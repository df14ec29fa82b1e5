package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/env360/env360/internal/domain"
	"github.com/env360/env360/internal/logging"
	"github.com/env360/env360/internal/manifest"
	"github.com/env360/env360/internal/workflow"
)

type deployInput struct {
	DeploymentID string `json:"deployment_id"`
}

type setupEnvInput struct {
	EnvironmentID string `json:"environment_id"`
}

// deploymentDetails is the memoized result of the verification step.
type deploymentDetails struct {
	ID                  string                      `json:"id"`
	ServiceID           string                      `json:"service_id"`
	VersionID           string                      `json:"version_id"`
	EnvironmentID       string                      `json:"environment_id,omitempty"`
	DownstreamOverrides []domain.DownstreamOverride `json:"downstream_overrides,omitempty"`
}

// serviceSpec mirrors the version snapshot plus its label.
type serviceSpec struct {
	Service struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Type      string `json:"type"`
		ProjectID string `json:"project_id"`
	} `json:"service"`
	Project struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"project"`
	Config    map[string]any    `json:"config"`
	Variables map[string]string `json:"variables"`
	Secrets   map[string]string `json:"secrets"`
	Version   string            `json:"version"`
}

// renderedManifests is the full bundle one deployment applies. The HTTPRoute
// rides along for clusters routed via the Gateway API but has no apply step
// of its own.
type renderedManifests struct {
	Namespace           map[string]any   `json:"namespace"`
	ServiceAccount      map[string]any   `json:"service_account"`
	Deployment          map[string]any   `json:"deployment"`
	Service             map[string]any   `json:"service"`
	DestinationRules    []map[string]any `json:"destination_rules"`
	VirtualServicesMesh []map[string]any `json:"virtual_services_mesh,omitempty"`
	VirtualServiceExt   map[string]any   `json:"virtual_service_ext"`
	Route               map[string]any   `json:"route"`
}

// applyResult is the memoized outcome of an apply step.
type applyResult struct {
	Applied []string `json:"applied,omitempty"`
	Skipped bool     `json:"skipped,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Note    string   `json:"note,omitempty"`
}

// runDeploy is the deploy_workflow handler. It finalizes the deployment
// record on every terminal outcome but leaves it pending across a pause.
func (s *Service) runDeploy(ctx context.Context, run *workflow.Run, input string) (string, error) {
	var in deployInput
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", fmt.Errorf("failed to decode deploy input: %w", err)
	}
	out, err := s.executeDeploy(ctx, run, in.DeploymentID)
	switch {
	case err == nil:
		s.completeDeployment(ctx, run, in.DeploymentID, domain.DeploymentSucceeded)
		return out, nil
	case errors.Is(err, workflow.ErrPaused):
		return "", err
	default:
		s.completeDeployment(ctx, run, in.DeploymentID, domain.DeploymentFailed)
		return "", err
	}
}

func (s *Service) completeDeployment(ctx context.Context, run *workflow.Run, id string, status domain.DeploymentStatus) {
	if err := s.store.CompleteDeployment(ctx, id, status, time.Now().UTC()); err != nil {
		run.Logger().Error("failed to finalize deployment", logging.Deployment(id), logging.Err(err))
	}
}

func (s *Service) executeDeploy(ctx context.Context, run *workflow.Run, deploymentID string) (string, error) {
	dep, err := workflow.StepJSON(ctx, run, stepGetDeployment, func(ctx context.Context) (deploymentDetails, error) {
		d, err := s.store.GetDeployment(ctx, deploymentID)
		if err != nil {
			return deploymentDetails{}, err
		}
		details := deploymentDetails{
			ID:                  d.ID,
			ServiceID:           d.ServiceID,
			VersionID:           d.VersionID,
			DownstreamOverrides: d.DownstreamOverrides,
		}
		if d.EnvironmentID != nil {
			details.EnvironmentID = *d.EnvironmentID
		}
		return details, nil
	})
	if err != nil {
		return "", err
	}

	envName, err := run.Step(ctx, stepGetEnvironmentName, func(ctx context.Context) (string, error) {
		if dep.EnvironmentID == "" {
			return "", nil
		}
		env, err := s.store.GetEnvironment(ctx, dep.EnvironmentID)
		if err != nil {
			return "", err
		}
		return env.Name, nil
	})
	if err != nil {
		return "", err
	}

	spec, err := workflow.StepJSON(ctx, run, stepGetServiceDetails, func(ctx context.Context) (serviceSpec, error) {
		v, err := s.store.GetServiceVersion(ctx, dep.VersionID)
		if err != nil {
			return serviceSpec{}, err
		}
		var spec serviceSpec
		if err := json.Unmarshal([]byte(v.SpecJSON), &spec); err != nil {
			return serviceSpec{}, fmt.Errorf("failed to decode version spec: %w", err)
		}
		spec.Version = v.VersionLabel
		return spec, nil
	})
	if err != nil {
		return "", err
	}

	manifests, err := workflow.StepJSON(ctx, run, stepRenderManifests, func(ctx context.Context) (renderedManifests, error) {
		return s.render(spec, dep, envName), nil
	})
	if err != nil {
		return "", err
	}

	applySteps := []struct {
		name string
		objs []map[string]any
		wait bool
	}{
		{stepCreateNamespace, []map[string]any{manifests.Namespace}, true},
		{stepCreateServiceAccount, []map[string]any{manifests.ServiceAccount}, true},
		{stepCreateDeployment, []map[string]any{manifests.Deployment}, true},
		{stepCreateService, []map[string]any{manifests.Service}, true},
		{stepCreateDestinationRule, manifests.DestinationRules, false},
		{stepCreateVSMesh, manifests.VirtualServicesMesh, false},
		{stepCreateVSExt, []map[string]any{manifests.VirtualServiceExt}, false},
	}
	for _, step := range applySteps {
		if err := s.applyStep(ctx, run, step.name, dep, step.objs, step.wait); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("deployed %s %s", spec.Service.Name, spec.Version), nil
}

// render builds the manifest bundle for a deployment.
func (s *Service) render(spec serviceSpec, dep deploymentDetails, envName string) renderedManifests {
	cfg := s.settings.Current()
	r := manifest.NewRenderer(cfg.BaseDomain, cfg.GatewayName, cfg.GatewayNamespace)
	in := &manifest.Input{
		ServiceID:           spec.Service.ID,
		ServiceName:         spec.Service.Name,
		ProjectID:           spec.Service.ProjectID,
		ProjectName:         spec.Project.Name,
		Config:              spec.Config,
		VersionLabel:        spec.Version,
		DeploymentID:        dep.ID,
		EnvName:             envName,
		DownstreamOverrides: dep.DownstreamOverrides,
	}
	out := renderedManifests{
		Namespace:         r.Namespace(in).Object,
		ServiceAccount:    r.ServiceAccount(in).Object,
		Deployment:        r.Deployment(in).Object,
		Service:           r.Service(in).Object,
		VirtualServiceExt: r.ExternalVirtualService(in).Object,
		Route:             r.HTTPRoute(in).Object,
	}
	for _, dr := range r.DestinationRules(in) {
		out.DestinationRules = append(out.DestinationRules, dr.Object)
	}
	for _, vs := range r.MeshVirtualServices(in) {
		out.VirtualServicesMesh = append(out.VirtualServicesMesh, vs.Object)
	}
	return out
}

// gatewayForEnvironment resolves the target cluster through the environment
// and builds a gateway against it.
func (s *Service) gatewayForEnvironment(ctx context.Context, environmentID string) (Gateway, error) {
	if environmentID == "" {
		return nil, domain.Invalid("deployment", "no environment to deploy into")
	}
	env, err := s.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	if env.ClusterID == nil {
		return nil, domain.Invalid("environment",
			fmt.Sprintf("environment %s has no cluster mapped", environmentID))
	}
	cluster, err := s.store.GetCluster(ctx, *env.ClusterID)
	if err != nil {
		return nil, err
	}
	return s.gateways(ctx, cluster)
}

// applyStep applies a group of manifests as one memoized step, optionally
// polling each resource for readiness. An empty group records a skip instead
// of failing, so services without downstream overrides deploy cleanly.
func (s *Service) applyStep(ctx context.Context, run *workflow.Run, name string,
	dep deploymentDetails, objs []map[string]any, wait bool) error {
	_, err := workflow.StepJSON(ctx, run, name, func(ctx context.Context) (applyResult, error) {
		var present []map[string]any
		for _, obj := range objs {
			if len(obj) > 0 {
				present = append(present, obj)
			}
		}
		if len(present) == 0 {
			return applyResult{Skipped: true, Reason: "nothing to apply"}, nil
		}

		gw, err := s.gatewayForEnvironment(ctx, dep.EnvironmentID)
		if err != nil {
			return applyResult{}, err
		}
		var result applyResult
		for _, objMap := range present {
			obj := &unstructured.Unstructured{Object: objMap}
			if _, err := gw.Apply(ctx, obj); err != nil {
				return applyResult{}, err
			}
			if wait {
				status, err := gw.PollReady(ctx, obj.GetAPIVersion(), obj.GetKind(), obj.GetNamespace(), obj.GetName())
				if err != nil {
					return applyResult{}, err
				}
				result.Note = status.Note
			}
			result.Applied = append(result.Applied, obj.GetKind()+"/"+obj.GetName())
		}
		return result, nil
	})
	return err
}

// envDetails is the memoized result of the save_domain_info step. Names are
// already normalized to DNS-safe segments.
type envDetails struct {
	EnvironmentID   string                    `json:"environment_id"`
	EnvironmentName string                    `json:"environment_name"`
	ProjectName     string                    `json:"project_name"`
	ClusterID       string                    `json:"cluster_id,omitempty"`
	Sources         []manifest.ListenerSource `json:"sources"`
}

type envManifests struct {
	Certificate map[string]any `json:"certificate"`
	Gateway     map[string]any `json:"gateway"`
}

// runSetupEnv is the setup_env_subdomain handler.
func (s *Service) runSetupEnv(ctx context.Context, run *workflow.Run, input string) (string, error) {
	var in setupEnvInput
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", fmt.Errorf("failed to decode subdomain input: %w", err)
	}

	details, err := workflow.StepJSON(ctx, run, stepSaveDomainInfo, func(ctx context.Context) (envDetails, error) {
		return s.saveDomainInfo(ctx, run.UUID(), in.EnvironmentID)
	})
	if err != nil {
		return "", err
	}

	manifests, err := workflow.StepJSON(ctx, run, stepRenderEnvManifests, func(ctx context.Context) (envManifests, error) {
		settings := s.domainSettings()
		return envManifests{
			Certificate: manifest.Certificate(details.EnvironmentName, details.ProjectName, settings).Object,
			Gateway:     manifest.Gateway(details.Sources, settings).Object,
		}, nil
	})
	if err != nil {
		return "", err
	}

	for _, step := range []struct {
		name string
		obj  map[string]any
	}{
		{stepApplyEnvCertificate, manifests.Certificate},
		{stepApplyEnvGateway, manifests.Gateway},
	} {
		obj := step.obj
		_, err := workflow.StepJSON(ctx, run, step.name, func(ctx context.Context) (applyResult, error) {
			return s.applyToCluster(ctx, details, obj)
		})
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("subdomain ready for environment %s", details.EnvironmentName), nil
}

// saveDomainInfo upserts the environment's domain_info config, stamping it
// with the workflow uuid, and collects every recorded domain so the shared
// gateway keeps one listener pair per environment.
func (s *Service) saveDomainInfo(ctx context.Context, workflowUUID, environmentID string) (envDetails, error) {
	env, err := s.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return envDetails{}, err
	}
	project, err := s.store.GetProject(ctx, env.ProjectID)
	if err != nil {
		return envDetails{}, err
	}

	src := manifest.ListenerSource{
		EnvironmentName: manifest.Normalize(env.Name),
		ProjectName:     manifest.Normalize(project.Name),
	}
	value, err := json.Marshal(src)
	if err != nil {
		return envDetails{}, fmt.Errorf("failed to encode domain info: %w", err)
	}
	entry := &domain.ConfigEntry{
		ParentID: environmentID,
		Key:      domainInfoKey,
		Value:    string(value),
		ConfigData: map[string]any{
			"environment_name": src.EnvironmentName,
			"project_name":     src.ProjectName,
		},
		WorkflowUUID: workflowUUID,
	}
	if err := s.store.UpsertConfig(ctx, domain.ScopeEnvironment, entry); err != nil {
		return envDetails{}, err
	}

	sources, err := s.listenerSources(ctx)
	if err != nil {
		return envDetails{}, err
	}
	details := envDetails{
		EnvironmentID:   environmentID,
		EnvironmentName: src.EnvironmentName,
		ProjectName:     src.ProjectName,
		Sources:         sources,
	}
	if env.ClusterID != nil {
		details.ClusterID = *env.ClusterID
	}
	return details, nil
}

// listenerSources walks every environment's domain_info config. Malformed
// rows are skipped with a warning rather than failing provisioning.
func (s *Service) listenerSources(ctx context.Context) ([]manifest.ListenerSource, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	var sources []manifest.ListenerSource
	for _, p := range projects {
		envs, err := s.store.ListEnvironments(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, env := range envs {
			entry, err := s.store.GetConfig(ctx, domain.ScopeEnvironment, env.ID, domainInfoKey)
			if domain.IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			src, err := manifest.ParseListenerSource(entry.Value)
			if err != nil {
				s.logger.Warn("skipping malformed domain info",
					logging.Environment(env.ID), logging.Err(err))
				continue
			}
			sources = append(sources, src)
		}
	}
	return sources, nil
}

// applyToCluster applies one environment-level manifest to the environment's
// cluster and waits for readiness.
func (s *Service) applyToCluster(ctx context.Context, details envDetails, obj map[string]any) (applyResult, error) {
	if details.ClusterID == "" {
		return applyResult{}, domain.Invalid("environment",
			fmt.Sprintf("environment %s has no cluster mapped", details.EnvironmentID))
	}
	cluster, err := s.store.GetCluster(ctx, details.ClusterID)
	if err != nil {
		return applyResult{}, err
	}
	gw, err := s.gateways(ctx, cluster)
	if err != nil {
		return applyResult{}, err
	}
	u := &unstructured.Unstructured{Object: obj}
	if _, err := gw.Apply(ctx, u); err != nil {
		return applyResult{}, err
	}
	status, err := gw.PollReady(ctx, u.GetAPIVersion(), u.GetKind(), u.GetNamespace(), u.GetName())
	if err != nil {
		return applyResult{}, err
	}
	return applyResult{
		Applied: []string{u.GetKind() + "/" + u.GetName()},
		Note:    status.Note,
	}, nil
}

// domainSettings snapshots the certificate and gateway configuration.
func (s *Service) domainSettings() manifest.EnvDomainSettings {
	cfg := s.settings.Current()
	return manifest.EnvDomainSettings{
		BaseDomain:       cfg.BaseDomain,
		CertNamespace:    cfg.CertNamespace,
		IssuerName:       cfg.IssuerName,
		CertDuration:     cfg.CertDuration,
		CertRenewBefore:  cfg.CertRenewBefore,
		GatewayName:      cfg.GatewayName,
		GatewayNamespace: cfg.GatewayNamespace,
		GatewayClassName: cfg.GatewayClassName,
	}
}
