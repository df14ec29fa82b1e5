package deploy

import "github.com/env360/env360/internal/domain"

// Workflow names as registered with the engine.
const (
	WorkflowDeployService     = "deploy_workflow"
	WorkflowSetupEnvSubdomain = "setup_env_subdomain"
)

// Step function names. They double as the memoized step names, so the
// deployment timeline can match outputs back to descriptors.
const (
	stepGetDeployment         = "get_deployment"
	stepGetEnvironmentName    = "get_environment_name"
	stepGetServiceDetails     = "get_service_details"
	stepRenderManifests       = "render_manifests"
	stepCreateNamespace       = "create_namespace"
	stepCreateServiceAccount  = "create_service_account"
	stepCreateDeployment      = "create_deployment"
	stepCreateService         = "create_service"
	stepCreateDestinationRule = "create_destination_rule"
	stepCreateVSMesh          = "create_virtual_service_mesh"
	stepCreateVSExt           = "create_virtual_service_ext"

	stepSaveDomainInfo      = "save_domain_info"
	stepRenderEnvManifests  = "render_env_manifests"
	stepApplyEnvCertificate = "apply_env_certificate"
	stepApplyEnvGateway     = "apply_env_gateway"
)

// DeploySteps returns the step descriptors persisted on every deployment
// record, in execution order. They inform the timeline UI; execution is
// driven by the workflow itself.
func DeploySteps() []domain.DeployStep {
	return []domain.DeployStep{
		{Label: "Verify Deployment Details", Fn: stepGetDeployment, Description: "Validate deployment record"},
		{Label: "Resolve Environment", Fn: stepGetEnvironmentName, Description: "Load environment name for routing"},
		{Label: "Verify Service Details", Fn: stepGetServiceDetails, Description: "Validate service configuration"},
		{Label: "Generate Kubernetes Manifests", Fn: stepRenderManifests, Description: "Render manifests for resources"},
		{Label: "Create Namespace", Fn: stepCreateNamespace, Description: "Apply and wait for namespace to be Active"},
		{Label: "Create ServiceAccount", Fn: stepCreateServiceAccount, Description: "Apply and wait for service account"},
		{Label: "Create Deployment", Fn: stepCreateDeployment, Description: "Apply and wait for all replicas available"},
		{Label: "Create Service", Fn: stepCreateService, Description: "Apply K8s Service resource"},
		{Label: "Create DestinationRule", Fn: stepCreateDestinationRule, Description: "Apply Istio DestinationRule subsets"},
		{Label: "Create VirtualService (Mesh)", Fn: stepCreateVSMesh, Description: "Apply source to dest VirtualService"},
		{Label: "Create VirtualService (External)", Fn: stepCreateVSExt, Description: "Apply external gateway VirtualService"},
	}
}

// SetupEnvSteps returns the step descriptors for environment subdomain
// provisioning.
func SetupEnvSteps() []domain.DeployStep {
	return []domain.DeployStep{
		{Label: "Save Domain Info", Fn: stepSaveDomainInfo, Description: "Persist domain details and load environment info"},
		{Label: "Generate Manifests", Fn: stepRenderEnvManifests, Description: "Render Certificate and Gateway manifests"},
		{Label: "Apply Certificate", Fn: stepApplyEnvCertificate, Description: "Apply Certificate and wait for readiness"},
		{Label: "Apply Gateway", Fn: stepApplyEnvGateway, Description: "Apply Gateway and wait for readiness"},
	}
}
