package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/env360/env360/internal/domain"
)

func newUser(email string) *domain.User {
	now := time.Now().UTC()
	return &domain.User{ID: uuid.NewString(), Email: email, IsActive: true, CreatedAt: now, UpdatedAt: now}
}

func TestUserLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	u := newUser("dev@example.com")
	require.NoError(t, s.CreateUser(ctx, u))

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "dev@example.com", got.Email)

	byEmail, err := s.GetUserByEmail(ctx, "dev@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)

	// Duplicate live email is rejected.
	err = s.CreateUser(ctx, newUser("dev@example.com"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAlreadyExists))

	require.NoError(t, s.DeleteUser(ctx, u.ID))
	_, err = s.GetUser(ctx, u.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	// Soft delete frees the email for reuse.
	require.NoError(t, s.CreateUser(ctx, newUser("dev@example.com")))
}

func TestNameUniquenessWithinScope(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	newProject := func(name string) *domain.Project {
		return &domain.Project{ID: uuid.NewString(), Name: name, OwnerID: "u1", CreatedAt: now, UpdatedAt: now}
	}
	p := newProject("billing")
	require.NoError(t, s.CreateProject(ctx, p))

	// Project names are globally unique among live rows.
	err := s.CreateProject(ctx, newProject("billing"))
	assert.True(t, errors.Is(err, domain.ErrAlreadyExists))

	// Soft delete frees the name.
	require.NoError(t, s.DeleteProject(ctx, p.ID))
	p2 := newProject("billing")
	require.NoError(t, s.CreateProject(ctx, p2))

	newEnv := func(projectID, name string) *domain.Environment {
		return &domain.Environment{
			ID: uuid.NewString(), Name: name, Type: domain.EnvTesting,
			ProjectID: projectID, CreatedAt: now, UpdatedAt: now,
		}
	}
	require.NoError(t, s.CreateEnvironment(ctx, newEnv(p2.ID, "qa")))
	err = s.CreateEnvironment(ctx, newEnv(p2.ID, "qa"))
	assert.True(t, errors.Is(err, domain.ErrAlreadyExists))

	// Same environment name under another project is fine.
	require.NoError(t, s.CreateEnvironment(ctx, newEnv("other-project", "qa")))

	newSvc := func(projectID, name string) *domain.Service {
		return &domain.Service{
			ID: uuid.NewString(), Name: name, Type: domain.ServiceMicroservice,
			ProjectID: projectID, CreatedAt: now, UpdatedAt: now,
		}
	}
	svc := newSvc(p2.ID, "api")
	require.NoError(t, s.CreateService(ctx, svc))
	err = s.CreateService(ctx, newSvc(p2.ID, "api"))
	assert.True(t, errors.Is(err, domain.ErrAlreadyExists))

	require.NoError(t, s.CreateService(ctx, newSvc("other-project", "api")))

	// Deleting the service frees the name within the project.
	require.NoError(t, s.DeleteService(ctx, svc.ID))
	require.NoError(t, s.CreateService(ctx, newSvc(p2.ID, "api")))
}

func TestEnvironmentClusterDetach(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	clusterID := uuid.NewString()
	env := &domain.Environment{
		ID: uuid.NewString(), Name: "qa", Type: domain.EnvTesting,
		ProjectID: "p1", ClusterID: &clusterID, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateEnvironment(ctx, env))

	require.NoError(t, s.DetachCluster(ctx, clusterID))

	got, err := s.GetEnvironment(ctx, env.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ClusterID)
}

func TestConfigUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	entry := &domain.ConfigEntry{
		ID: uuid.NewString(), ParentID: "svc-1", Key: "docker_image",
		Value: "registry/app:1.0", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.UpsertConfig(ctx, domain.ScopeService, entry))

	// Second upsert with the same key replaces the value in place.
	update := *entry
	update.ID = uuid.NewString()
	update.Value = "registry/app:2.0"
	require.NoError(t, s.UpsertConfig(ctx, domain.ScopeService, &update))

	got, err := s.GetConfig(ctx, domain.ScopeService, "svc-1", "docker_image")
	require.NoError(t, err)
	assert.Equal(t, "registry/app:2.0", got.Value)
	assert.Equal(t, entry.ID, got.ID)

	list, err := s.ListConfigs(ctx, domain.ScopeService, "svc-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// A different scope with the same parent id and key is a distinct row.
	other := &domain.ConfigEntry{
		ID: uuid.NewString(), ParentID: "svc-1", Key: "docker_image",
		Value: "x", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.UpsertConfig(ctx, domain.ScopeEnvironment, other))
	list, err = s.ListConfigs(ctx, domain.ScopeService, "svc-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestVariableUniquePerScope(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	v := &domain.Variable{
		ID: uuid.NewString(), Scope: domain.ScopeService, ResourceID: "svc-1",
		Key: "LOG_LEVEL", Value: "info", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateVariable(ctx, v))

	dup := *v
	dup.ID = uuid.NewString()
	err := s.CreateVariable(ctx, &dup)
	assert.True(t, errors.Is(err, domain.ErrAlreadyExists))

	// Same key on another resource is fine.
	other := *v
	other.ID = uuid.NewString()
	other.ResourceID = "svc-2"
	require.NoError(t, s.CreateVariable(ctx, &other))

	// After deleting, the key can be recreated.
	require.NoError(t, s.DeleteVariable(ctx, v.ID))
	recreated := *v
	recreated.ID = uuid.NewString()
	require.NoError(t, s.CreateVariable(ctx, &recreated))
}

func TestServiceVersionConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	v1 := &domain.ServiceVersion{
		ID: uuid.NewString(), ServiceID: "svc-1", VersionLabel: "v1",
		ConfigHash: "hash-1", SpecJSON: "{}", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateServiceVersion(ctx, v1))

	// Duplicate label.
	dupLabel := &domain.ServiceVersion{
		ID: uuid.NewString(), ServiceID: "svc-1", VersionLabel: "v1",
		ConfigHash: "hash-2", SpecJSON: "{}", CreatedAt: time.Now().UTC(),
	}
	err := s.CreateServiceVersion(ctx, dupLabel)
	assert.True(t, errors.Is(err, domain.ErrConflict))

	// Duplicate hash.
	dupHash := &domain.ServiceVersion{
		ID: uuid.NewString(), ServiceID: "svc-1", VersionLabel: "v2",
		ConfigHash: "hash-1", SpecJSON: "{}", CreatedAt: time.Now().UTC(),
	}
	err = s.CreateServiceVersion(ctx, dupHash)
	assert.True(t, errors.Is(err, domain.ErrConflict))

	// Same label on a different service is fine.
	other := &domain.ServiceVersion{
		ID: uuid.NewString(), ServiceID: "svc-2", VersionLabel: "v1",
		ConfigHash: "hash-1", SpecJSON: "{}", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateServiceVersion(ctx, other))
}

func TestLatestServiceVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Now().UTC()

	for i, label := range []string{"v1", "v2", "v3"} {
		require.NoError(t, s.CreateServiceVersion(ctx, &domain.ServiceVersion{
			ID: uuid.NewString(), ServiceID: "svc-1", VersionLabel: label,
			ConfigHash: "hash-" + label, SpecJSON: "{}",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	latest, err := s.LatestServiceVersion(ctx, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, "v3", latest.VersionLabel)

	_, err = s.LatestServiceVersion(ctx, "svc-none")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestDeploymentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	d := &domain.Deployment{
		ID: uuid.NewString(), ServiceID: "svc-1", VersionID: "ver-1",
		Status: domain.DeploymentPending, CreatedAt: now,
		Steps: []domain.DeployStep{{Label: "Render manifests", Fn: "render_manifests"}},
	}
	require.NoError(t, s.CreateDeployment(ctx, d))
	require.NoError(t, s.SetDeploymentWorkflow(ctx, d.ID, "wf-123"))

	completed := now.Add(time.Minute)
	require.NoError(t, s.CompleteDeployment(ctx, d.ID, domain.DeploymentSucceeded, completed))

	got, err := s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "wf-123", got.WorkflowUUID)
	assert.Equal(t, domain.DeploymentSucceeded, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Len(t, got.Steps, 1)

	n, err := s.CountDeploymentsForVersion(ctx, "ver-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	qa := "env-qa"
	n, err = s.CountDeploymentsForVersion(ctx, "ver-1", &qa)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestResourcePermissionUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	p := &domain.ResourcePermission{
		ID: uuid.NewString(), UserID: "u1", Scope: domain.ScopeProject,
		ResourceID: "p1", Actions: []domain.Action{domain.ActionRead},
		GrantedBy: "admin", GrantedAt: now,
	}
	require.NoError(t, s.UpsertResourcePermission(ctx, p))

	// Re-granting replaces the action set rather than adding a row.
	p2 := *p
	p2.Actions = []domain.Action{domain.ActionRead, domain.ActionWrite}
	require.NoError(t, s.UpsertResourcePermission(ctx, &p2))

	got, err := s.GetResourcePermission(ctx, "u1", domain.ScopeProject, "p1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Action{domain.ActionRead, domain.ActionWrite}, got.Actions)

	all, err := s.ListResourcePermissions(ctx, PermissionFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteResourcePermission(ctx, "u1", domain.ScopeProject, "p1"))
	_, err = s.GetResourcePermission(ctx, "u1", domain.ScopeProject, "p1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestWorkflowClaimOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Now().UTC()

	for i, id := range []string{"wf-a", "wf-b", "wf-c"} {
		require.NoError(t, s.InsertWorkflowStatus(ctx, &domain.WorkflowStatus{
			WorkflowUUID: id, Status: domain.WorkflowEnqueued, Name: "deploy_workflow",
			QueueName: "q", CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base,
		}))
	}

	first, err := s.ClaimEnqueuedWorkflow(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "wf-a", first.WorkflowUUID)
	assert.Equal(t, domain.WorkflowPending, first.Status)

	second, err := s.ClaimEnqueuedWorkflow(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "wf-b", second.WorkflowUUID)

	n, err := s.CountActiveInQueue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.ClaimEnqueuedWorkflow(ctx, "other-queue")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestCompareAndSetWorkflowState(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.InsertWorkflowStatus(ctx, &domain.WorkflowStatus{
		WorkflowUUID: "wf-1", Status: domain.WorkflowRunning, Name: "deploy_workflow",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}))

	ok, err := s.CompareAndSetWorkflowState(ctx, "wf-1", domain.WorkflowRunning, domain.WorkflowPaused)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second swap from the old state fails.
	ok, err = s.CompareAndSetWorkflowState(ctx, "wf-1", domain.WorkflowRunning, domain.WorkflowCancelled)
	require.NoError(t, err)
	assert.False(t, ok)

	ws, err := s.GetWorkflowStatus(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowPaused, ws.Status)
}

func TestStepOutputMemoization(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	out := &domain.StepOutput{
		WorkflowUUID: "wf-1", FunctionID: 0, FunctionName: "get_deployment",
		Output: `{"id":"d1"}`,
	}
	require.NoError(t, s.PutStepOutput(ctx, out))

	// A second write for the same position is a no-op; the first output wins.
	dup := &domain.StepOutput{
		WorkflowUUID: "wf-1", FunctionID: 0, FunctionName: "get_deployment",
		Output: `{"id":"other"}`,
	}
	require.NoError(t, s.PutStepOutput(ctx, dup))

	got, err := s.GetStepOutput(ctx, "wf-1", 0)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"d1"}`, got.Output)

	require.NoError(t, s.PutStepOutput(ctx, &domain.StepOutput{
		WorkflowUUID: "wf-1", FunctionID: 1, FunctionName: "get_environment_name",
	}))
	require.NoError(t, s.PutStepOutput(ctx, &domain.StepOutput{
		WorkflowUUID: "wf-1", FunctionID: 2, FunctionName: "get_service_details",
	}))

	list, err := s.ListStepOutputs(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, 0, list[0].FunctionID)
	assert.Equal(t, 2, list[2].FunctionID)

	require.NoError(t, s.DeleteStepOutputsFrom(ctx, "wf-1", 1))
	list, err = s.ListStepOutputs(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWorkflowNotifications(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	for _, msg := range []string{"first", "second"} {
		require.NoError(t, s.SendNotification(ctx, &domain.WorkflowNotification{
			DestinationUUID: "wf-1", Topic: "approvals", Message: msg, CreatedAt: now,
		}))
	}
	require.NoError(t, s.SendNotification(ctx, &domain.WorkflowNotification{
		DestinationUUID: "wf-1", Topic: "status", Message: "other-topic", CreatedAt: now,
	}))

	// Consumption is oldest first and topic scoped.
	n, err := s.ConsumeNotification(ctx, "wf-1", "approvals")
	require.NoError(t, err)
	assert.Equal(t, "first", n.Message)
	n, err = s.ConsumeNotification(ctx, "wf-1", "approvals")
	require.NoError(t, err)
	assert.Equal(t, "second", n.Message)
	_, err = s.ConsumeNotification(ctx, "wf-1", "approvals")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	n, err = s.ConsumeNotification(ctx, "wf-1", "status")
	require.NoError(t, err)
	assert.Equal(t, "other-topic", n.Message)

	// A repeated idempotency key queues only one message.
	for range 3 {
		require.NoError(t, s.SendNotification(ctx, &domain.WorkflowNotification{
			DestinationUUID: "wf-1", Topic: "approvals", Message: "once",
			IdempotencyKey: "key-1", CreatedAt: now,
		}))
	}
	_, err = s.ConsumeNotification(ctx, "wf-1", "approvals")
	require.NoError(t, err)
	_, err = s.ConsumeNotification(ctx, "wf-1", "approvals")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestWorkflowStreams(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	for _, v := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendStreamEntry(ctx, &domain.StreamEntry{
			WorkflowUUID: "wf-1", Key: "progress", Value: v, CreatedAt: now,
		}))
	}

	entries, err := s.ReadStream(ctx, "wf-1", "progress")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 0, entries[0].Offset)
	assert.Equal(t, "three", entries[2].Value)
}
