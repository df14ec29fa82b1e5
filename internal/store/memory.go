package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/env360/env360/internal/domain"
)

// Memory is an in-memory Store used by tests. It mirrors the Postgres
// semantics: soft deletes, partial uniqueness on live rows, conflicts on
// duplicate version labels and hashes.
type Memory struct {
	mu sync.Mutex

	users        map[string]*domain.User
	projects     map[string]*domain.Project
	environments map[string]*domain.Environment
	services     map[string]*domain.Service
	configs      map[string]*configRow
	adminConfigs map[string]*domain.AdminConfig
	variables    map[string]*domain.Variable
	secrets      map[string]*domain.Secret
	clusters     map[string]*domain.KubernetesCluster
	versions     map[string]*domain.ServiceVersion
	deployments  map[string]*domain.Deployment
	permissions  map[string]*domain.ResourcePermission
	legacyPerms  []domain.UserPermission
	workflows    map[string]*domain.WorkflowStatus
	stepOutputs  map[string]*domain.StepOutput
	events       map[string]*domain.WorkflowEvent
	streams      map[string][]domain.StreamEntry
	inbox        map[string][]domain.WorkflowNotification
}

type configRow struct {
	scope domain.VariableScope
	entry domain.ConfigEntry
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:        make(map[string]*domain.User),
		projects:     make(map[string]*domain.Project),
		environments: make(map[string]*domain.Environment),
		services:     make(map[string]*domain.Service),
		configs:      make(map[string]*configRow),
		adminConfigs: make(map[string]*domain.AdminConfig),
		variables:    make(map[string]*domain.Variable),
		secrets:      make(map[string]*domain.Secret),
		clusters:     make(map[string]*domain.KubernetesCluster),
		versions:     make(map[string]*domain.ServiceVersion),
		deployments:  make(map[string]*domain.Deployment),
		permissions:  make(map[string]*domain.ResourcePermission),
		workflows:    make(map[string]*domain.WorkflowStatus),
		stepOutputs:  make(map[string]*domain.StepOutput),
		events:       make(map[string]*domain.WorkflowEvent),
		streams:      make(map[string][]domain.StreamEntry),
		inbox:        make(map[string][]domain.WorkflowNotification),
	}
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() {}

// --- users ---

func (m *Memory) CreateUser(ctx context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.DeletedAt == nil && existing.Email == u.Email {
			return domain.AlreadyExists("user", u.Email)
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, domain.NotFound("user", id)
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.DeletedAt == nil && u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, domain.NotFound("user", email)
}

func (m *Memory) ListUsers(ctx context.Context) ([]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.User
	for _, u := range m.users {
		if u.DeletedAt == nil {
			out = append(out, *u)
		}
	}
	sortByCreated(out, func(u domain.User) time.Time { return u.CreatedAt })
	return out, nil
}

func (m *Memory) UpdateUser(ctx context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[u.ID]
	if !ok || existing.DeletedAt != nil {
		return domain.NotFound("user", u.ID)
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.DeletedAt != nil {
		return domain.NotFound("user", id)
	}
	now := time.Now().UTC()
	u.DeletedAt = &now
	return nil
}

// --- projects ---

func (m *Memory) CreateProject(ctx context.Context, p *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.projects {
		if existing.DeletedAt == nil && existing.Name == p.Name {
			return domain.AlreadyExists("project", p.Name)
		}
	}
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *Memory) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok || p.DeletedAt != nil {
		return nil, domain.NotFound("project", id)
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ListProjects(ctx context.Context) ([]domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Project
	for _, p := range m.projects {
		if p.DeletedAt == nil {
			out = append(out, *p)
		}
	}
	sortByCreated(out, func(p domain.Project) time.Time { return p.CreatedAt })
	return out, nil
}

func (m *Memory) ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Project
	for _, p := range m.projects {
		if p.DeletedAt == nil && p.OwnerID == ownerID {
			out = append(out, *p)
		}
	}
	sortByCreated(out, func(p domain.Project) time.Time { return p.CreatedAt })
	return out, nil
}

func (m *Memory) UpdateProject(ctx context.Context, p *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.projects[p.ID]
	if !ok || existing.DeletedAt != nil {
		return domain.NotFound("project", p.ID)
	}
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *Memory) DeleteProject(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok || p.DeletedAt != nil {
		return domain.NotFound("project", id)
	}
	now := time.Now().UTC()
	p.DeletedAt = &now
	return nil
}

// --- environments ---

func (m *Memory) CreateEnvironment(ctx context.Context, env *domain.Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.environments {
		if existing.DeletedAt == nil && existing.ProjectID == env.ProjectID && existing.Name == env.Name {
			return domain.AlreadyExists("environment", env.Name)
		}
	}
	cp := *env
	m.environments[env.ID] = &cp
	return nil
}

func (m *Memory) GetEnvironment(ctx context.Context, id string) (*domain.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.environments[id]
	if !ok || env.DeletedAt != nil {
		return nil, domain.NotFound("environment", id)
	}
	cp := *env
	return &cp, nil
}

func (m *Memory) ListEnvironments(ctx context.Context, projectID string) ([]domain.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Environment
	for _, env := range m.environments {
		if env.DeletedAt == nil && env.ProjectID == projectID {
			out = append(out, *env)
		}
	}
	sortByCreated(out, func(e domain.Environment) time.Time { return e.CreatedAt })
	return out, nil
}

func (m *Memory) UpdateEnvironment(ctx context.Context, env *domain.Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.environments[env.ID]
	if !ok || existing.DeletedAt != nil {
		return domain.NotFound("environment", env.ID)
	}
	cp := *env
	m.environments[env.ID] = &cp
	return nil
}

func (m *Memory) DeleteEnvironment(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.environments[id]
	if !ok || env.DeletedAt != nil {
		return domain.NotFound("environment", id)
	}
	now := time.Now().UTC()
	env.DeletedAt = &now
	return nil
}

func (m *Memory) DetachCluster(ctx context.Context, clusterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, env := range m.environments {
		if env.DeletedAt == nil && env.ClusterID != nil && *env.ClusterID == clusterID {
			env.ClusterID = nil
		}
	}
	return nil
}

// --- services ---

func (m *Memory) CreateService(ctx context.Context, svc *domain.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.services {
		if existing.DeletedAt == nil && existing.ProjectID == svc.ProjectID && existing.Name == svc.Name {
			return domain.AlreadyExists("service", svc.Name)
		}
	}
	cp := *svc
	m.services[svc.ID] = &cp
	return nil
}

func (m *Memory) GetService(ctx context.Context, id string) (*domain.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[id]
	if !ok || svc.DeletedAt != nil {
		return nil, domain.NotFound("service", id)
	}
	cp := *svc
	return &cp, nil
}

func (m *Memory) ListServices(ctx context.Context, projectID string) ([]domain.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Service
	for _, svc := range m.services {
		if svc.DeletedAt == nil && svc.ProjectID == projectID {
			out = append(out, *svc)
		}
	}
	sortByCreated(out, func(s domain.Service) time.Time { return s.CreatedAt })
	return out, nil
}

func (m *Memory) UpdateService(ctx context.Context, svc *domain.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.services[svc.ID]
	if !ok || existing.DeletedAt != nil {
		return domain.NotFound("service", svc.ID)
	}
	cp := *svc
	m.services[svc.ID] = &cp
	return nil
}

func (m *Memory) DeleteService(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[id]
	if !ok || svc.DeletedAt != nil {
		return domain.NotFound("service", id)
	}
	now := time.Now().UTC()
	svc.DeletedAt = &now
	return nil
}

// --- configs ---

func configKey(scope domain.VariableScope, parentID, key string) string {
	return string(scope) + "/" + parentID + "/" + key
}

func (m *Memory) UpsertConfig(ctx context.Context, scope domain.VariableScope, entry *domain.ConfigEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := configKey(scope, entry.ParentID, entry.Key)
	if row, ok := m.configs[k]; ok && row.entry.DeletedAt == nil {
		row.entry.Value = entry.Value
		row.entry.ConfigData = entry.ConfigData
		row.entry.WorkflowUUID = entry.WorkflowUUID
		row.entry.UpdatedAt = entry.UpdatedAt
		return nil
	}
	m.configs[k] = &configRow{scope: scope, entry: *entry}
	return nil
}

func (m *Memory) GetConfig(ctx context.Context, scope domain.VariableScope, parentID, key string) (*domain.ConfigEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.configs[configKey(scope, parentID, key)]
	if !ok || row.entry.DeletedAt != nil {
		return nil, domain.NotFound("config", key)
	}
	cp := row.entry
	return &cp, nil
}

func (m *Memory) ListConfigs(ctx context.Context, scope domain.VariableScope, parentID string) ([]domain.ConfigEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ConfigEntry
	for _, row := range m.configs {
		if row.scope == scope && row.entry.ParentID == parentID && row.entry.DeletedAt == nil {
			out = append(out, row.entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) DeleteConfig(ctx context.Context, scope domain.VariableScope, parentID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.configs[configKey(scope, parentID, key)]
	if !ok || row.entry.DeletedAt != nil {
		return domain.NotFound("config", key)
	}
	now := time.Now().UTC()
	row.entry.DeletedAt = &now
	return nil
}

// --- admin configs ---

func (m *Memory) UpsertAdminConfig(ctx context.Context, cfg *domain.AdminConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cfg
	m.adminConfigs[cfg.Key] = &cp
	return nil
}

func (m *Memory) GetAdminConfig(ctx context.Context, key string) (*domain.AdminConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.adminConfigs[key]
	if !ok {
		return nil, domain.NotFound("admin config", key)
	}
	cp := *cfg
	return &cp, nil
}

func (m *Memory) ListAdminConfigs(ctx context.Context) ([]domain.AdminConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AdminConfig
	for _, cfg := range m.adminConfigs {
		out = append(out, *cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) DeleteAdminConfig(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adminConfigs[key]; !ok {
		return domain.NotFound("admin config", key)
	}
	delete(m.adminConfigs, key)
	return nil
}

// --- variables and secrets ---

func (m *Memory) CreateVariable(ctx context.Context, v *domain.Variable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.variables {
		if existing.DeletedAt == nil && existing.Scope == v.Scope &&
			existing.ResourceID == v.ResourceID && existing.Key == v.Key {
			return domain.AlreadyExists("variable", v.Key)
		}
	}
	cp := *v
	m.variables[v.ID] = &cp
	return nil
}

func (m *Memory) GetVariable(ctx context.Context, id string) (*domain.Variable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variables[id]
	if !ok || v.DeletedAt != nil {
		return nil, domain.NotFound("variable", id)
	}
	cp := *v
	return &cp, nil
}

func (m *Memory) ListVariables(ctx context.Context, scope domain.VariableScope, resourceID string) ([]domain.Variable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Variable
	for _, v := range m.variables {
		if v.DeletedAt == nil && v.Scope == scope && v.ResourceID == resourceID {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) UpdateVariable(ctx context.Context, v *domain.Variable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.variables[v.ID]
	if !ok || existing.DeletedAt != nil {
		return domain.NotFound("variable", v.ID)
	}
	existing.Value = v.Value
	existing.UpdatedAt = v.UpdatedAt
	return nil
}

func (m *Memory) DeleteVariable(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variables[id]
	if !ok || v.DeletedAt != nil {
		return domain.NotFound("variable", id)
	}
	now := time.Now().UTC()
	v.DeletedAt = &now
	return nil
}

func (m *Memory) CreateSecret(ctx context.Context, s *domain.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.secrets {
		if existing.DeletedAt == nil && existing.Scope == s.Scope &&
			existing.ResourceID == s.ResourceID && existing.Key == s.Key {
			return domain.AlreadyExists("secret", s.Key)
		}
	}
	cp := *s
	m.secrets[s.ID] = &cp
	return nil
}

func (m *Memory) GetSecret(ctx context.Context, id string) (*domain.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok || s.DeletedAt != nil {
		return nil, domain.NotFound("secret", id)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListSecrets(ctx context.Context, scope domain.VariableScope, resourceID string) ([]domain.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Secret
	for _, s := range m.secrets {
		if s.DeletedAt == nil && s.Scope == scope && s.ResourceID == resourceID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) UpdateSecret(ctx context.Context, s *domain.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.secrets[s.ID]
	if !ok || existing.DeletedAt != nil {
		return domain.NotFound("secret", s.ID)
	}
	existing.Value = s.Value
	existing.UpdatedAt = s.UpdatedAt
	return nil
}

func (m *Memory) DeleteSecret(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok || s.DeletedAt != nil {
		return domain.NotFound("secret", id)
	}
	now := time.Now().UTC()
	s.DeletedAt = &now
	return nil
}

// --- clusters ---

func (m *Memory) CreateCluster(ctx context.Context, c *domain.KubernetesCluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.clusters {
		if existing.Name == c.Name {
			return domain.AlreadyExists("cluster", c.Name)
		}
	}
	cp := *c
	m.clusters[c.ID] = &cp
	return nil
}

func (m *Memory) GetCluster(ctx context.Context, id string) (*domain.KubernetesCluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[id]
	if !ok {
		return nil, domain.NotFound("cluster", id)
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListClusters(ctx context.Context) ([]domain.KubernetesCluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.KubernetesCluster
	for _, c := range m.clusters {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpdateCluster(ctx context.Context, c *domain.KubernetesCluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clusters[c.ID]; !ok {
		return domain.NotFound("cluster", c.ID)
	}
	for id, existing := range m.clusters {
		if id != c.ID && existing.Name == c.Name {
			return domain.AlreadyExists("cluster", c.Name)
		}
	}
	cp := *c
	m.clusters[c.ID] = &cp
	return nil
}

func (m *Memory) DeleteCluster(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clusters[id]; !ok {
		return domain.NotFound("cluster", id)
	}
	delete(m.clusters, id)
	return nil
}

// --- service versions ---

func (m *Memory) CreateServiceVersion(ctx context.Context, v *domain.ServiceVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.versions {
		if existing.ServiceID != v.ServiceID {
			continue
		}
		if existing.VersionLabel == v.VersionLabel {
			return fmt.Errorf("%w: version %s already exists for service %s",
				domain.ErrConflict, v.VersionLabel, v.ServiceID)
		}
		if existing.ConfigHash == v.ConfigHash {
			return fmt.Errorf("%w: config hash already recorded for service %s",
				domain.ErrConflict, v.ServiceID)
		}
	}
	cp := *v
	m.versions[v.ID] = &cp
	return nil
}

func (m *Memory) GetServiceVersion(ctx context.Context, id string) (*domain.ServiceVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, domain.NotFound("service version", id)
	}
	cp := *v
	return &cp, nil
}

func (m *Memory) ListServiceVersions(ctx context.Context, serviceID string) ([]domain.ServiceVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ServiceVersion
	for _, v := range m.versions {
		if v.ServiceID == serviceID {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) LatestServiceVersion(ctx context.Context, serviceID string) (*domain.ServiceVersion, error) {
	versions, _ := m.ListServiceVersions(ctx, serviceID)
	if len(versions) == 0 {
		return nil, domain.NotFound("service version", serviceID)
	}
	latest := versions[0]
	for _, v := range versions[1:] {
		if v.CreatedAt.Equal(latest.CreatedAt) && strings.Compare(v.VersionLabel, latest.VersionLabel) > 0 {
			latest = v
		}
	}
	return &latest, nil
}

func (m *Memory) FindServiceVersionByHash(ctx context.Context, serviceID, configHash string) (*domain.ServiceVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.ServiceID == serviceID && v.ConfigHash == configHash {
			cp := *v
			return &cp, nil
		}
	}
	return nil, domain.NotFound("service version", configHash)
}

// --- deployments ---

func (m *Memory) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deployments[d.ID] = &cp
	return nil
}

func (m *Memory) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, domain.NotFound("deployment", id)
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) ListDeployments(ctx context.Context, serviceID string) ([]domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Deployment
	for _, d := range m.deployments {
		if d.ServiceID == serviceID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SetDeploymentWorkflow(ctx context.Context, id, workflowUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return domain.NotFound("deployment", id)
	}
	d.WorkflowUUID = workflowUUID
	return nil
}

func (m *Memory) CompleteDeployment(ctx context.Context, id string, status domain.DeploymentStatus, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return domain.NotFound("deployment", id)
	}
	d.Status = status
	d.CompletedAt = &completedAt
	return nil
}

func (m *Memory) CountDeploymentsForVersion(ctx context.Context, versionID string, environmentID *string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.deployments {
		if d.VersionID == versionID && sameTarget(d.EnvironmentID, environmentID) {
			n++
		}
	}
	return n, nil
}

func sameTarget(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// --- permissions ---

func permKey(userID string, scope domain.VariableScope, resourceID string) string {
	return userID + "/" + string(scope) + "/" + resourceID
}

func (m *Memory) UpsertResourcePermission(ctx context.Context, p *domain.ResourcePermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.Actions = append([]domain.Action(nil), p.Actions...)
	m.permissions[permKey(p.UserID, p.Scope, p.ResourceID)] = &cp
	return nil
}

func (m *Memory) GetResourcePermission(ctx context.Context, userID string, scope domain.VariableScope, resourceID string) (*domain.ResourcePermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[permKey(userID, scope, resourceID)]
	if !ok {
		return nil, domain.NotFound("permission", resourceID)
	}
	cp := *p
	cp.Actions = append([]domain.Action(nil), p.Actions...)
	return &cp, nil
}

func (m *Memory) ListResourcePermissions(ctx context.Context, filter PermissionFilter) ([]domain.ResourcePermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ResourcePermission
	for _, p := range m.permissions {
		if filter.UserID != "" && p.UserID != filter.UserID {
			continue
		}
		if filter.Scope != "" && p.Scope != filter.Scope {
			continue
		}
		if filter.ResourceID != "" && p.ResourceID != filter.ResourceID {
			continue
		}
		cp := *p
		cp.Actions = append([]domain.Action(nil), p.Actions...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

func (m *Memory) DeleteResourcePermission(ctx context.Context, userID string, scope domain.VariableScope, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := permKey(userID, scope, resourceID)
	if _, ok := m.permissions[k]; !ok {
		return domain.NotFound("permission", resourceID)
	}
	delete(m.permissions, k)
	return nil
}

func (m *Memory) CreateUserPermission(ctx context.Context, p *domain.UserPermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legacyPerms = append(m.legacyPerms, *p)
	return nil
}

func (m *Memory) ListUserPermissions(ctx context.Context, userID string) ([]domain.UserPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.UserPermission
	for _, p := range m.legacyPerms {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

// --- workflow bookkeeping ---

func (m *Memory) InsertWorkflowStatus(ctx context.Context, ws *domain.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[ws.WorkflowUUID]; ok {
		return domain.AlreadyExists("workflow", ws.WorkflowUUID)
	}
	cp := *ws
	m.workflows[ws.WorkflowUUID] = &cp
	return nil
}

func (m *Memory) GetWorkflowStatus(ctx context.Context, workflowUUID string) (*domain.WorkflowStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workflows[workflowUUID]
	if !ok {
		return nil, domain.NotFound("workflow", workflowUUID)
	}
	cp := *ws
	return &cp, nil
}

func (m *Memory) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]domain.WorkflowStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkflowStatus
	for _, ws := range m.workflows {
		if filter.Status != "" && ws.Status != filter.Status {
			continue
		}
		if filter.Name != "" && ws.Name != filter.Name {
			continue
		}
		if filter.QueueName != "" && ws.QueueName != filter.QueueName {
			continue
		}
		out = append(out, *ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateWorkflowState(ctx context.Context, workflowUUID string, state domain.WorkflowState, output, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workflows[workflowUUID]
	if !ok {
		return domain.NotFound("workflow", workflowUUID)
	}
	ws.Status = state
	ws.Output = output
	ws.Error = errMsg
	ws.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) CompareAndSetWorkflowState(ctx context.Context, workflowUUID string, from, to domain.WorkflowState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workflows[workflowUUID]
	if !ok || ws.Status != from {
		return false, nil
	}
	ws.Status = to
	ws.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) ClaimEnqueuedWorkflow(ctx context.Context, queueName string) (*domain.WorkflowStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *domain.WorkflowStatus
	for _, ws := range m.workflows {
		if ws.QueueName != queueName || ws.Status != domain.WorkflowEnqueued {
			continue
		}
		if oldest == nil || ws.CreatedAt.Before(oldest.CreatedAt) {
			oldest = ws
		}
	}
	if oldest == nil {
		return nil, domain.NotFound("workflow", queueName)
	}
	oldest.Status = domain.WorkflowPending
	oldest.UpdatedAt = time.Now().UTC()
	cp := *oldest
	return &cp, nil
}

func (m *Memory) CountActiveInQueue(ctx context.Context, queueName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ws := range m.workflows {
		if ws.QueueName != queueName {
			continue
		}
		if ws.Status == domain.WorkflowPending || ws.Status == domain.WorkflowRunning {
			n++
		}
	}
	return n, nil
}

func stepKey(workflowUUID string, functionID int) string {
	return fmt.Sprintf("%s/%d", workflowUUID, functionID)
}

func (m *Memory) GetStepOutput(ctx context.Context, workflowUUID string, functionID int) (*domain.StepOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.stepOutputs[stepKey(workflowUUID, functionID)]
	if !ok {
		return nil, domain.NotFound("step output", workflowUUID)
	}
	cp := *out
	return &cp, nil
}

func (m *Memory) PutStepOutput(ctx context.Context, out *domain.StepOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := stepKey(out.WorkflowUUID, out.FunctionID)
	if _, ok := m.stepOutputs[k]; ok {
		return nil
	}
	cp := *out
	m.stepOutputs[k] = &cp
	return nil
}

func (m *Memory) ListStepOutputs(ctx context.Context, workflowUUID string) ([]domain.StepOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StepOutput
	for _, s := range m.stepOutputs {
		if s.WorkflowUUID == workflowUUID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FunctionID < out[j].FunctionID })
	return out, nil
}

func (m *Memory) DeleteStepOutputsFrom(ctx context.Context, workflowUUID string, fromFunctionID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.stepOutputs {
		if s.WorkflowUUID == workflowUUID && s.FunctionID >= fromFunctionID {
			delete(m.stepOutputs, k)
		}
	}
	return nil
}

func (m *Memory) SetWorkflowEvent(ctx context.Context, ev *domain.WorkflowEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.events[ev.WorkflowUUID+"/"+ev.Key] = &cp
	return nil
}

func (m *Memory) GetWorkflowEvent(ctx context.Context, workflowUUID, key string) (*domain.WorkflowEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[workflowUUID+"/"+key]
	if !ok {
		return nil, domain.NotFound("workflow event", key)
	}
	cp := *ev
	return &cp, nil
}

func (m *Memory) SendNotification(ctx context.Context, n *domain.WorkflowNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := n.DestinationUUID + "/" + n.Topic
	if n.IdempotencyKey != "" {
		for _, queued := range m.inbox[k] {
			if queued.IdempotencyKey == n.IdempotencyKey {
				return nil
			}
		}
	}
	m.inbox[k] = append(m.inbox[k], *n)
	return nil
}

func (m *Memory) ConsumeNotification(ctx context.Context, destinationUUID, topic string) (*domain.WorkflowNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := destinationUUID + "/" + topic
	queued := m.inbox[k]
	if len(queued) == 0 {
		return nil, domain.NotFound("notification", k)
	}
	n := queued[0]
	m.inbox[k] = queued[1:]
	return &n, nil
}

func (m *Memory) AppendStreamEntry(ctx context.Context, entry *domain.StreamEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entry.WorkflowUUID + "/" + entry.Key
	entry.Offset = len(m.streams[k])
	m.streams[k] = append(m.streams[k], *entry)
	return nil
}

func (m *Memory) ReadStream(ctx context.Context, workflowUUID, key string) ([]domain.StreamEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.streams[workflowUUID+"/"+key]
	out := make([]domain.StreamEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func sortByCreated[T any](items []T, created func(T) time.Time) {
	sort.Slice(items, func(i, j int) bool {
		return created(items[i]).Before(created(items[j]))
	})
}
