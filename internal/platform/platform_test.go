package platform

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/env360/env360/internal/authz"
	"github.com/env360/env360/internal/config"
	"github.com/env360/env360/internal/domain"
	"github.com/env360/env360/internal/logging"
	"github.com/env360/env360/internal/secrets"
	"github.com/env360/env360/internal/store"
)

type stubProber struct {
	mu          sync.Mutex
	connections int
	readyz      int
	connErr     error
	readyzErr   error
}

func (p *stubProber) CheckConnection(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connections++
	return p.connErr
}

func (p *stubProber) CheckReadyz(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readyz++
	return p.readyzErr
}

type fixture struct {
	store    *store.Memory
	service  *Service
	enc      *secrets.Encryptor
	settings *config.Manager
	prober   *stubProber

	admin    domain.Caller
	owner    domain.Caller
	stranger domain.Caller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	enc, err := secrets.New("platform-test-key")
	require.NoError(t, err)
	logger := logging.New(false, false)
	settings := config.NewManager(&config.Settings{
		BaseDomain:       "env360.dev",
		SuperAdminEmails: map[string]struct{}{"root@env360.dev": {}},
	})
	eval := authz.NewEvaluator(st)
	prober := &stubProber{}
	svc := New(st, authz.NewGate(eval), eval, enc, settings,
		func(cluster *domain.KubernetesCluster) (ClusterProber, error) { return prober, nil },
		logger)
	return &fixture{
		store:    st,
		service:  svc,
		enc:      enc,
		settings: settings,
		prober:   prober,
		admin:    domain.Caller{ID: "admin", IsActive: true, IsAdmin: true},
		owner:    domain.Caller{ID: "owner-1", IsActive: true},
		stranger: domain.Caller{ID: "user-2", IsActive: true},
	}
}

func (f *fixture) project(t *testing.T) *domain.Project {
	t.Helper()
	p, err := f.service.CreateProject(context.Background(), f.owner, CreateProjectRequest{
		Name: "Payments Platform " + uuid.NewString(),
	})
	require.NoError(t, err)
	return p
}

func TestProjectLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project := f.project(t)
	assert.Equal(t, f.owner.ID, project.OwnerID)

	_, err := f.service.CreateProject(ctx, f.owner, CreateProjectRequest{Name: "  "})
	require.ErrorIs(t, err, domain.ErrInvalid)

	name := "Payments"
	updated, err := f.service.UpdateProject(ctx, f.owner, project.ID, &name, nil)
	require.NoError(t, err)
	assert.Equal(t, "Payments", updated.Name)

	_, err = f.service.UpdateProject(ctx, f.stranger, project.ID, &name, nil)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	ownerView, err := f.service.ListProjects(ctx, f.owner)
	require.NoError(t, err)
	assert.Len(t, ownerView, 1)
	strangerView, err := f.service.ListProjects(ctx, f.stranger)
	require.NoError(t, err)
	assert.Empty(t, strangerView)
	adminView, err := f.service.ListProjects(ctx, f.admin)
	require.NoError(t, err)
	assert.Len(t, adminView, 1)

	owned, err := f.service.ListOwnedProjects(ctx, f.owner)
	require.NoError(t, err)
	assert.Len(t, owned, 1)

	require.NoError(t, f.service.DeleteProject(ctx, f.owner, project.ID))
	_, err = f.service.GetProject(ctx, f.owner, project.ID)
	assert.True(t, domain.IsNotFound(err))
}

func TestEnvironmentAndServiceCRUD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.project(t)

	_, err := f.service.CreateEnvironment(ctx, f.owner, CreateEnvironmentRequest{
		ProjectID: project.ID, Name: "qa", Type: "weird",
	})
	require.ErrorIs(t, err, domain.ErrInvalid)

	env, err := f.service.CreateEnvironment(ctx, f.owner, CreateEnvironmentRequest{
		ProjectID: project.ID, Name: "qa", Type: domain.EnvTesting,
	})
	require.NoError(t, err)

	other := f.project(t)
	otherEnv, err := f.service.CreateEnvironment(ctx, f.owner, CreateEnvironmentRequest{
		ProjectID: other.ID, Name: "qa", Type: domain.EnvTesting,
	})
	require.NoError(t, err)

	_, err = f.service.CreateService(ctx, f.owner, CreateServiceRequest{
		ProjectID: project.ID, Name: "checkout", Type: domain.ServiceMicroservice,
		EnvironmentID: &otherEnv.ID,
	})
	require.ErrorIs(t, err, domain.ErrInvalid)

	svc, err := f.service.CreateService(ctx, f.owner, CreateServiceRequest{
		ProjectID: project.ID, Name: "checkout", Type: domain.ServiceMicroservice,
		EnvironmentID: &env.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnknown, svc.Status)

	status := domain.StatusHealthy
	updated, err := f.service.UpdateService(ctx, f.owner, svc.ID, UpdateServiceRequest{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusHealthy, updated.Status)

	envs, err := f.service.ListEnvironments(ctx, f.owner, project.ID)
	require.NoError(t, err)
	assert.Len(t, envs, 1)
	services, err := f.service.ListServices(ctx, f.owner, project.ID)
	require.NoError(t, err)
	assert.Len(t, services, 1)

	require.NoError(t, f.service.DeleteService(ctx, f.owner, svc.ID))
	require.NoError(t, f.service.DeleteEnvironment(ctx, f.owner, env.ID))
}

func TestVariablesAndSecrets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.project(t)
	svc, err := f.service.CreateService(ctx, f.owner, CreateServiceRequest{
		ProjectID: project.ID, Name: "checkout", Type: domain.ServiceMicroservice,
	})
	require.NoError(t, err)

	v, err := f.service.CreateVariable(ctx, f.owner, domain.ScopeService, svc.ID, "LOG_LEVEL", "info")
	require.NoError(t, err)
	_, err = f.service.CreateVariable(ctx, f.owner, domain.ScopeService, svc.ID, "LOG_LEVEL", "debug")
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	updated, err := f.service.UpdateVariable(ctx, f.owner, v.ID, "debug")
	require.NoError(t, err)
	assert.Equal(t, "debug", updated.Value)

	info, err := f.service.CreateSecret(ctx, f.owner, domain.ScopeService, svc.ID, "API_KEY", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, len("s3cret"), info.ValueLength)

	// The stored value must be ciphertext that decrypts to the original.
	stored, err := f.store.GetSecret(ctx, info.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", stored.Value)
	plaintext, err := f.enc.Decrypt(stored.Value)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plaintext)

	infos, err := f.service.ListSecrets(ctx, f.owner, domain.ScopeService, svc.ID)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, len("s3cret"), infos[0].ValueLength)

	_, err = f.service.ListSecrets(ctx, f.stranger, domain.ScopeService, svc.ID)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	rotated, err := f.service.UpdateSecret(ctx, f.owner, info.ID, "longer-secret")
	require.NoError(t, err)
	assert.Equal(t, len("longer-secret"), rotated.ValueLength)

	require.NoError(t, f.service.DeleteSecret(ctx, f.owner, info.ID))
	require.NoError(t, f.service.DeleteVariable(ctx, f.owner, v.ID))
}

func TestConfigEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.project(t)
	svc, err := f.service.CreateService(ctx, f.owner, CreateServiceRequest{
		ProjectID: project.ID, Name: "checkout", Type: domain.ServiceMicroservice,
	})
	require.NoError(t, err)

	_, err = f.service.SetConfig(ctx, f.owner, domain.ScopeService, svc.ID,
		"docker_image", "registry.env360.dev/checkout:1.0", nil)
	require.NoError(t, err)
	_, err = f.service.SetConfig(ctx, f.stranger, domain.ScopeService, svc.ID, "replicas", "2", nil)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	entry, err := f.service.GetConfig(ctx, f.owner, domain.ScopeService, svc.ID, "docker_image")
	require.NoError(t, err)
	assert.Equal(t, "registry.env360.dev/checkout:1.0", entry.Value)

	entries, err := f.service.ListConfigs(ctx, f.owner, domain.ScopeService, svc.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, f.service.DeleteConfig(ctx, f.owner, domain.ScopeService, svc.ID, "docker_image"))
	_, err = f.service.GetConfig(ctx, f.owner, domain.ScopeService, svc.ID, "docker_image")
	assert.True(t, domain.IsNotFound(err))
}

func TestPermissionGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.project(t)
	svc, err := f.service.CreateService(ctx, f.owner, CreateServiceRequest{
		ProjectID: project.ID, Name: "checkout", Type: domain.ServiceMicroservice,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.CreateUser(ctx, &domain.User{
		ID: f.stranger.ID, Email: "user-2@env360.dev", IsActive: true,
	}))

	_, err = f.service.GetService(ctx, f.stranger, svc.ID)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = f.service.Grant(ctx, f.owner, f.stranger.ID, domain.ScopeService, svc.ID, nil)
	require.ErrorIs(t, err, domain.ErrInvalid)
	_, err = f.service.Grant(ctx, f.stranger, f.stranger.ID, domain.ScopeService, svc.ID,
		[]domain.Action{domain.ActionRead})
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = f.service.Grant(ctx, f.owner, f.stranger.ID, domain.ScopeService, svc.ID,
		[]domain.Action{domain.ActionRead})
	require.NoError(t, err)

	got, err := f.service.GetService(ctx, f.stranger, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, svc.ID, got.ID)

	// Without grant authority the stranger only sees their own row.
	visible, err := f.service.ListPermissions(ctx, f.stranger, domain.ScopeService, svc.ID)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, f.stranger.ID, visible[0].UserID)

	require.NoError(t, f.service.Revoke(ctx, f.owner, f.stranger.ID, domain.ScopeService, svc.ID))
	_, err = f.service.GetService(ctx, f.stranger, svc.ID)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestClusterRegistry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := ClusterRequest{
		Name:       "prod-east",
		APIURL:     "https://kube.example.com",
		AuthMethod: domain.AuthToken,
		Token:      "super-secret-token",
	}

	_, err := f.service.RegisterCluster(ctx, f.owner, req)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	cluster, err := f.service.RegisterCluster(ctx, f.admin, req)
	require.NoError(t, err)
	assert.Equal(t, 1, f.prober.connections)

	// Credentials are encrypted before they hit the store.
	stored, err := f.store.GetCluster(ctx, cluster.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "super-secret-token", stored.Token)
	token, err := f.enc.Decrypt(stored.Token)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-token", token)

	require.NoError(t, f.service.TestClusterConnection(ctx, f.admin, cluster.ID))
	require.NoError(t, f.service.ClusterHealth(ctx, f.admin, cluster.ID))
	assert.Equal(t, 1, f.prober.readyz)

	// An unreachable cluster is never registered.
	f.prober.connErr = errors.New("connection refused")
	_, err = f.service.RegisterCluster(ctx, f.admin, ClusterRequest{
		Name: "prod-west", APIURL: "https://other.example.com",
		AuthMethod: domain.AuthToken, Token: "t",
	})
	require.Error(t, err)
	clusters, err := f.service.ListClusters(ctx, f.admin)
	require.NoError(t, err)
	assert.Len(t, clusters, 1)

	// Deregistering detaches referencing environments.
	project := f.project(t)
	env, err := f.service.CreateEnvironment(ctx, f.owner, CreateEnvironmentRequest{
		ProjectID: project.ID, Name: "prod", Type: domain.EnvProduction, ClusterID: &cluster.ID,
	})
	require.NoError(t, err)
	require.NoError(t, f.service.DeregisterCluster(ctx, f.admin, cluster.ID))
	detached, err := f.store.GetEnvironment(ctx, env.ID)
	require.NoError(t, err)
	assert.Nil(t, detached.ClusterID)
}

func TestClusterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.RegisterCluster(ctx, f.admin, ClusterRequest{
		Name: "c", AuthMethod: "basic",
	})
	require.ErrorIs(t, err, domain.ErrInvalid)

	_, err = f.service.RegisterCluster(ctx, f.admin, ClusterRequest{
		Name: "c", AuthMethod: domain.AuthKubeconfig,
	})
	require.ErrorIs(t, err, domain.ErrInvalid)

	_, err = f.service.RegisterCluster(ctx, f.admin, ClusterRequest{
		Name: "c", AuthMethod: domain.AuthClientCert, APIURL: "https://k", ClientCert: "cert",
	})
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestAdminConfigRefreshesSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.SetAdminConfig(ctx, f.owner, "base_domain", "example.org", nil)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = f.service.SetAdminConfig(ctx, f.admin, "base_domain", "example.org", nil)
	require.NoError(t, err)
	assert.Equal(t, "example.org", f.settings.Current().BaseDomain)

	configs, err := f.service.ListAdminConfigs(ctx, f.admin)
	require.NoError(t, err)
	assert.Len(t, configs, 1)

	require.NoError(t, f.service.DeleteAdminConfig(ctx, f.admin, "base_domain"))
	assert.Equal(t, "env360.dev", f.settings.Current().BaseDomain)
}

func TestEnsureUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.EnsureUser(ctx, "Dev@env360.dev", "Dev")
	require.NoError(t, err)
	assert.False(t, first.IsAdmin)
	assert.True(t, first.IsActive)

	again, err := f.service.EnsureUser(ctx, "dev@env360.dev", "Dev")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	root, err := f.service.EnsureUser(ctx, "root@env360.dev", "Root")
	require.NoError(t, err)
	assert.True(t, root.IsAdmin)

	deactivated, err := f.service.SetUserActive(ctx, f.admin, first.ID, false)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive)
}

func TestLegacyPermissionsReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateUserPermission(ctx, &domain.UserPermission{
		ID: uuid.NewString(), UserID: f.owner.ID, PermissionID: "perm-read",
		ResourceID: "legacy-res", GrantedBy: f.admin.ID, GrantedAt: time.Now().UTC(),
	}))

	rows, err := f.service.ListLegacyPermissions(ctx, f.owner, f.owner.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "legacy-res", rows[0].ResourceID)

	// Only admins read another user's rows.
	_, err = f.service.ListLegacyPermissions(ctx, f.stranger, f.owner.ID)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	rows, err = f.service.ListLegacyPermissions(ctx, f.admin, f.owner.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
