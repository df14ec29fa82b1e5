// Package store defines the persistence contract for all durable state:
// tenancy records, configuration, versions, deployments, permissions and
// workflow bookkeeping. Two implementations exist, a Postgres store for
// production and an in-memory store for tests.
package store

import (
	"context"
	"time"

	"github.com/env360/env360/internal/domain"
)

// UserStore persists user accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	UpdateUser(ctx context.Context, user *domain.User) error
	DeleteUser(ctx context.Context, id string) error
}

// ProjectStore persists projects, the tenancy roots.
type ProjectStore interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error)
	UpdateProject(ctx context.Context, project *domain.Project) error
	DeleteProject(ctx context.Context, id string) error
}

// EnvironmentStore persists environments within projects.
type EnvironmentStore interface {
	CreateEnvironment(ctx context.Context, env *domain.Environment) error
	GetEnvironment(ctx context.Context, id string) (*domain.Environment, error)
	ListEnvironments(ctx context.Context, projectID string) ([]domain.Environment, error)
	UpdateEnvironment(ctx context.Context, env *domain.Environment) error
	DeleteEnvironment(ctx context.Context, id string) error
	// DetachCluster clears the cluster reference from every environment
	// pointing at it. Used when a cluster is deregistered.
	DetachCluster(ctx context.Context, clusterID string) error
}

// ServiceStore persists services within projects.
type ServiceStore interface {
	CreateService(ctx context.Context, svc *domain.Service) error
	GetService(ctx context.Context, id string) (*domain.Service, error)
	ListServices(ctx context.Context, projectID string) ([]domain.Service, error)
	UpdateService(ctx context.Context, svc *domain.Service) error
	DeleteService(ctx context.Context, id string) error
}

// ConfigStore persists scoped key/value configuration rows. Scope selects
// which parent table the entry belongs to.
type ConfigStore interface {
	UpsertConfig(ctx context.Context, scope domain.VariableScope, entry *domain.ConfigEntry) error
	GetConfig(ctx context.Context, scope domain.VariableScope, parentID, key string) (*domain.ConfigEntry, error)
	ListConfigs(ctx context.Context, scope domain.VariableScope, parentID string) ([]domain.ConfigEntry, error)
	DeleteConfig(ctx context.Context, scope domain.VariableScope, parentID, key string) error
}

// AdminConfigStore persists process-wide settings overrides.
type AdminConfigStore interface {
	UpsertAdminConfig(ctx context.Context, cfg *domain.AdminConfig) error
	GetAdminConfig(ctx context.Context, key string) (*domain.AdminConfig, error)
	ListAdminConfigs(ctx context.Context) ([]domain.AdminConfig, error)
	DeleteAdminConfig(ctx context.Context, key string) error
}

// VariableStore persists plain variables and secrets. Secret values are
// stored as given; encryption is the caller's concern.
type VariableStore interface {
	CreateVariable(ctx context.Context, v *domain.Variable) error
	GetVariable(ctx context.Context, id string) (*domain.Variable, error)
	ListVariables(ctx context.Context, scope domain.VariableScope, resourceID string) ([]domain.Variable, error)
	UpdateVariable(ctx context.Context, v *domain.Variable) error
	DeleteVariable(ctx context.Context, id string) error

	CreateSecret(ctx context.Context, s *domain.Secret) error
	GetSecret(ctx context.Context, id string) (*domain.Secret, error)
	ListSecrets(ctx context.Context, scope domain.VariableScope, resourceID string) ([]domain.Secret, error)
	UpdateSecret(ctx context.Context, s *domain.Secret) error
	DeleteSecret(ctx context.Context, id string) error
}

// ClusterStore persists registered Kubernetes clusters. Credential fields
// are expected to arrive already encrypted.
type ClusterStore interface {
	CreateCluster(ctx context.Context, c *domain.KubernetesCluster) error
	GetCluster(ctx context.Context, id string) (*domain.KubernetesCluster, error)
	ListClusters(ctx context.Context) ([]domain.KubernetesCluster, error)
	UpdateCluster(ctx context.Context, c *domain.KubernetesCluster) error
	DeleteCluster(ctx context.Context, id string) error
}

// VersionStore persists immutable service version snapshots.
type VersionStore interface {
	// CreateServiceVersion inserts a new version. A duplicate label or a
	// duplicate config hash for the same service fails with a conflict.
	CreateServiceVersion(ctx context.Context, v *domain.ServiceVersion) error
	GetServiceVersion(ctx context.Context, id string) (*domain.ServiceVersion, error)
	ListServiceVersions(ctx context.Context, serviceID string) ([]domain.ServiceVersion, error)
	// LatestServiceVersion returns the most recently created version, or
	// a not-found error when the service has none.
	LatestServiceVersion(ctx context.Context, serviceID string) (*domain.ServiceVersion, error)
	FindServiceVersionByHash(ctx context.Context, serviceID, configHash string) (*domain.ServiceVersion, error)
}

// DeploymentStore persists deployment events.
type DeploymentStore interface {
	CreateDeployment(ctx context.Context, d *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, serviceID string) ([]domain.Deployment, error)
	// SetDeploymentWorkflow records the workflow driving the deployment.
	SetDeploymentWorkflow(ctx context.Context, id, workflowUUID string) error
	// CompleteDeployment moves a deployment to a terminal status.
	CompleteDeployment(ctx context.Context, id string, status domain.DeploymentStatus, completedAt time.Time) error
	// CountDeploymentsForVersion counts deployments of a version targeting the
	// same environment, used to derive the subversion index of a redeploy.
	CountDeploymentsForVersion(ctx context.Context, versionID string, environmentID *string) (int, error)
}

// PermissionFilter narrows permission listings. Zero fields match everything.
type PermissionFilter struct {
	UserID     string
	Scope      domain.VariableScope
	ResourceID string
}

// PermissionStore persists resource permissions plus the legacy user
// permission rows.
type PermissionStore interface {
	// UpsertResourcePermission replaces the action set of an existing
	// (user, scope, resource) grant or inserts a new one.
	UpsertResourcePermission(ctx context.Context, p *domain.ResourcePermission) error
	GetResourcePermission(ctx context.Context, userID string, scope domain.VariableScope, resourceID string) (*domain.ResourcePermission, error)
	ListResourcePermissions(ctx context.Context, filter PermissionFilter) ([]domain.ResourcePermission, error)
	DeleteResourcePermission(ctx context.Context, userID string, scope domain.VariableScope, resourceID string) error

	CreateUserPermission(ctx context.Context, p *domain.UserPermission) error
	ListUserPermissions(ctx context.Context, userID string) ([]domain.UserPermission, error)
}

// WorkflowFilter narrows workflow status listings.
type WorkflowFilter struct {
	Status    domain.WorkflowState
	Name      string
	QueueName string
	Limit     int
}

// WorkflowStore persists workflow execution bookkeeping: instance status,
// memoized step outputs, events and streams.
type WorkflowStore interface {
	InsertWorkflowStatus(ctx context.Context, ws *domain.WorkflowStatus) error
	GetWorkflowStatus(ctx context.Context, workflowUUID string) (*domain.WorkflowStatus, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]domain.WorkflowStatus, error)
	// UpdateWorkflowState transitions a workflow and records output or
	// error for terminal states.
	UpdateWorkflowState(ctx context.Context, workflowUUID string, state domain.WorkflowState, output, errMsg string) error
	// CompareAndSetWorkflowState transitions only when the workflow is in
	// the expected state and reports whether the swap happened.
	CompareAndSetWorkflowState(ctx context.Context, workflowUUID string, from, to domain.WorkflowState) (bool, error)
	// ClaimEnqueuedWorkflow atomically moves the oldest enqueued workflow
	// on the queue to pending and returns it. Returns a not-found error
	// when the queue is empty.
	ClaimEnqueuedWorkflow(ctx context.Context, queueName string) (*domain.WorkflowStatus, error)
	// CountActiveInQueue counts pending plus running workflows on a queue.
	CountActiveInQueue(ctx context.Context, queueName string) (int, error)

	GetStepOutput(ctx context.Context, workflowUUID string, functionID int) (*domain.StepOutput, error)
	PutStepOutput(ctx context.Context, out *domain.StepOutput) error
	ListStepOutputs(ctx context.Context, workflowUUID string) ([]domain.StepOutput, error)
	// DeleteStepOutputsFrom removes memoized outputs at or above the
	// function id. Used when forking a workflow from a step.
	DeleteStepOutputsFrom(ctx context.Context, workflowUUID string, fromFunctionID int) error

	// SendNotification appends a message to the destination workflow's
	// inbox. Resending with the same non-empty idempotency key is a no-op.
	SendNotification(ctx context.Context, n *domain.WorkflowNotification) error
	// ConsumeNotification removes and returns the oldest message queued for
	// the destination and topic, or a not-found error when none is queued.
	ConsumeNotification(ctx context.Context, destinationUUID, topic string) (*domain.WorkflowNotification, error)

	SetWorkflowEvent(ctx context.Context, ev *domain.WorkflowEvent) error
	GetWorkflowEvent(ctx context.Context, workflowUUID, key string) (*domain.WorkflowEvent, error)
	AppendStreamEntry(ctx context.Context, entry *domain.StreamEntry) error
	ReadStream(ctx context.Context, workflowUUID, key string) ([]domain.StreamEntry, error)
}

// Store is the full persistence surface.
type Store interface {
	UserStore
	ProjectStore
	EnvironmentStore
	ServiceStore
	ConfigStore
	AdminConfigStore
	VariableStore
	ClusterStore
	VersionStore
	DeploymentStore
	PermissionStore
	WorkflowStore

	// Close releases the underlying resources.
	Close()
}
