package domain

import (
	"time"
)

// EnvironmentType classifies an environment.
type EnvironmentType string

const (
	EnvDevelopment EnvironmentType = "development"
	EnvTesting     EnvironmentType = "testing"
	EnvStaging     EnvironmentType = "staging"
	EnvProduction  EnvironmentType = "production"
	EnvSandbox     EnvironmentType = "sandbox"
	EnvDev         EnvironmentType = "dev"
	EnvProd        EnvironmentType = "prod"
)

// Valid reports whether t is one of the supported environment types.
func (t EnvironmentType) Valid() bool {
	switch t {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction, EnvSandbox, EnvDev, EnvProd:
		return true
	}
	return false
}

// ServiceType classifies a service.
type ServiceType string

const (
	ServiceMicroservice ServiceType = "microservice"
	ServiceWebapp       ServiceType = "webapp"
	ServiceDatabase     ServiceType = "database"
	ServiceQueue        ServiceType = "queue"
)

// Valid reports whether t is one of the supported service types.
func (t ServiceType) Valid() bool {
	switch t {
	case ServiceMicroservice, ServiceWebapp, ServiceDatabase, ServiceQueue:
		return true
	}
	return false
}

// ServiceStatus is the coarse health of a service.
type ServiceStatus string

const (
	StatusHealthy  ServiceStatus = "healthy"
	StatusDegraded ServiceStatus = "degraded"
	StatusDown     ServiceStatus = "down"
	StatusUnknown  ServiceStatus = "unknown"
)

// AuthMethod is how the orchestrator authenticates against a cluster.
type AuthMethod string

const (
	AuthKubeconfig     AuthMethod = "kubeconfig"
	AuthToken          AuthMethod = "token"
	AuthServiceAccount AuthMethod = "serviceAccount"
	AuthClientCert     AuthMethod = "clientCert"
)

// Valid reports whether m is one of the four supported auth methods.
func (m AuthMethod) Valid() bool {
	switch m {
	case AuthKubeconfig, AuthToken, AuthServiceAccount, AuthClientCert:
		return true
	}
	return false
}

// DeploymentStatus is the lifecycle state of a deployment record.
type DeploymentStatus string

const (
	DeploymentPending   DeploymentStatus = "pending"
	DeploymentSucceeded DeploymentStatus = "succeeded"
	DeploymentFailed    DeploymentStatus = "failed"
)

// VariableScope identifies which entity a variable or secret belongs to.
type VariableScope string

const (
	ScopeProject     VariableScope = "project"
	ScopeEnvironment VariableScope = "environment"
	ScopeService     VariableScope = "service"
)

// Valid reports whether s is a known scope.
func (s VariableScope) Valid() bool {
	switch s {
	case ScopeProject, ScopeEnvironment, ScopeService:
		return true
	}
	return false
}

// Action is a permission action.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionAdmin  Action = "admin"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionRead, ActionWrite, ActionDelete, ActionAdmin:
		return true
	}
	return false
}

// ValidActions reports whether every action in the slice is known and the
// slice is non-empty.
func ValidActions(actions []Action) bool {
	if len(actions) == 0 {
		return false
	}
	for _, a := range actions {
		if !a.Valid() {
			return false
		}
	}
	return true
}

// User is an account in the system. The super-admin flag is derived from
// configuration at request time and never stored.
type User struct {
	ID        string
	Email     string
	Name      string
	IsActive  bool
	IsAdmin   bool
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Caller is an already-resolved identity handed to the core by the external
// API layer. Token validation is out of scope.
type Caller struct {
	ID           string
	Email        string
	IsActive     bool
	IsAdmin      bool
	IsSuperAdmin bool
}

// Privileged reports whether the caller bypasses permission evaluation.
func (c Caller) Privileged() bool {
	return c.IsAdmin || c.IsSuperAdmin
}

// Project is the tenancy root. The owner has full power over everything in it.
type Project struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Environment is a deployment target within a project. ClusterID is a weak
// reference: cluster deletion sets it to nil.
type Environment struct {
	ID        string
	Name      string
	Type      EnvironmentType
	URL       string
	ProjectID string
	ClusterID *string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Service is a deployable unit within a project. EnvironmentID is an optional
// primary-environment reference used by permission inheritance.
type Service struct {
	ID            string
	Name          string
	Description   string
	Type          ServiceType
	ProjectID     string
	EnvironmentID *string
	Owner         string
	Status        ServiceStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// ConfigEntry is a key/value config row attached to a project, environment or
// service. Value holds the raw string; ConfigData an optional structured form.
// WorkflowUUID is only used on environment configs (the domain_info row keeps
// the latest subdomain workflow id).
type ConfigEntry struct {
	ID           string
	ParentID     string
	Key          string
	Value        string
	ConfigData   map[string]any
	WorkflowUUID string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// AdminConfig is a process-wide key/value setting stored in the database and
// merged into the settings snapshot at startup and after mutation.
type AdminConfig struct {
	ID         string
	Key        string
	Value      string
	ConfigData map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Variable is a plain environment variable scoped to a project, environment
// or service.
type Variable struct {
	ID         string
	Scope      VariableScope
	ResourceID string
	Key        string
	Value      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

// Secret is a sensitive variable. Read APIs never expose Value; they surface
// ValueLength() instead.
type Secret struct {
	ID         string
	Scope      VariableScope
	ResourceID string
	Key        string
	Value      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

// ValueLength returns the length of the secret value, the only thing read
// APIs may reveal about it.
func (s Secret) ValueLength() int {
	return len(s.Value)
}

// KubernetesCluster is a registered target cluster. All credential fields are
// stored encrypted; the K8s gateway decrypts on demand.
type KubernetesCluster struct {
	ID                string
	Name              string
	APIURL            string
	AuthMethod        AuthMethod
	EnvironmentType   string
	KubeconfigContent string
	Token             string
	ClientKey         string
	ClientCert        string
	ClientCACert      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ServiceVersion is an immutable snapshot of a service's versioned
// configuration. SpecJSON stores the full snapshot (service, all configs,
// variables, secrets, project) so the deploy workflow can render
// deterministically.
type ServiceVersion struct {
	ID           string
	ServiceID    string
	VersionLabel string
	ConfigHash   string
	SpecJSON     string
	CreatedAt    time.Time
}

// DownstreamOverride instructs the mesh to route traffic from this service's
// pods to a specific version subset of a named downstream service.
type DownstreamOverride struct {
	ServiceID   string `json:"serviceId"`
	ServiceName string `json:"serviceName"`
	Version     string `json:"version"`
}

// DeployStep is an informational step descriptor persisted on the deployment
// record for the frontend timeline. It does not drive execution.
type DeployStep struct {
	Label       string `json:"label"`
	Fn          string `json:"fn"`
	Description string `json:"desc"`
}

// Deployment is one deployment event of a service version into an
// environment.
type Deployment struct {
	ID                  string
	ServiceID           string
	VersionID           string
	EnvironmentID       *string
	WorkflowUUID        string
	Steps               []DeployStep
	DownstreamOverrides []DownstreamOverride
	Status              DeploymentStatus
	CreatedAt           time.Time
	CompletedAt         *time.Time
}

// ResourcePermission is the effective permission scheme: a non-empty action
// set granted to a user at a scope. Unique per (user, scope, resource).
type ResourcePermission struct {
	ID         string
	UserID     string
	Scope      VariableScope
	ResourceID string
	Actions    []Action
	GrantedBy  string
	GrantedAt  time.Time
}

// Allows reports whether the grant includes the action.
func (p ResourcePermission) Allows(action Action) bool {
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// UserPermission is the legacy permission scheme. It is persisted and
// listable but never consulted by the permission evaluator.
type UserPermission struct {
	ID           string
	UserID       string
	PermissionID string
	ResourceID   string
	GrantedBy    string
	GrantedAt    time.Time
}
