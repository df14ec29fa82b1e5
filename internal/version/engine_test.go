package version

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/env360/env360/internal/domain"
	"github.com/env360/env360/internal/logging"
	"github.com/env360/env360/internal/secrets"
	"github.com/env360/env360/internal/store"
)

type engineFixture struct {
	store     *store.Memory
	engine    *Engine
	encryptor *secrets.Encryptor
	service   *domain.Service
	project   *domain.Project
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	now := time.Now().UTC()

	project := &domain.Project{ID: uuid.NewString(), Name: "payments", OwnerID: "owner-1", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateProject(ctx, project))

	svc := &domain.Service{
		ID: uuid.NewString(), Name: "checkout", Type: domain.ServiceMicroservice,
		ProjectID: project.ID, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateService(ctx, svc))

	enc, err := secrets.New("test-key")
	require.NoError(t, err)

	return &engineFixture{
		store: s, encryptor: enc,
		engine:  NewEngine(s, enc, logging.New(false, false)),
		service: svc, project: project,
	}
}

func (f *engineFixture) setConfig(t *testing.T, key, value string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.store.UpsertConfig(context.Background(), domain.ScopeService, &domain.ConfigEntry{
		ID: uuid.NewString(), ParentID: f.service.ID, Key: key, Value: value,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func (f *engineFixture) setVariable(t *testing.T, key, value string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateVariable(context.Background(), &domain.Variable{
		ID: uuid.NewString(), Scope: domain.ScopeService, ResourceID: f.service.ID,
		Key: key, Value: value, CreatedAt: now, UpdatedAt: now,
	}))
}

func (f *engineFixture) setSecret(t *testing.T, key, plaintext string) {
	t.Helper()
	encrypted, err := f.encryptor.Encrypt(plaintext)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateSecret(context.Background(), &domain.Secret{
		ID: uuid.NewString(), Scope: domain.ScopeService, ResourceID: f.service.ID,
		Key: key, Value: encrypted, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestPublishFirstVersion(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.setConfig(t, "docker_image", "registry/checkout:1.0")
	f.setConfig(t, "ports", `[{"port": 8080}]`)
	f.setVariable(t, "LOG_LEVEL", "info")
	f.setSecret(t, "API_KEY", "s3cret")

	v, created, err := f.engine.Publish(ctx, f.service.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "v1", v.VersionLabel)
	assert.NotEmpty(t, v.ConfigHash)

	var spec map[string]any
	require.NoError(t, json.Unmarshal([]byte(v.SpecJSON), &spec))
	svc := spec["service"].(map[string]any)
	assert.Equal(t, "checkout", svc["name"])
	assert.Equal(t, f.project.ID, svc["project_id"])
	cfg := spec["config"].(map[string]any)
	assert.Equal(t, "registry/checkout:1.0", cfg["docker_image"])
	// Ports are stored parsed, not as the raw string.
	ports := cfg["ports"].([]any)
	require.Len(t, ports, 1)
	assert.Equal(t, map[string]any{"port": float64(8080)}, ports[0])
	assert.Equal(t, "s3cret", spec["secrets"].(map[string]any)["API_KEY"])
}

func TestPublishNoChange(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.setConfig(t, "docker_image", "registry/checkout:1.0")

	first, created, err := f.engine.Publish(ctx, f.service.ID)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.engine.Publish(ctx, f.service.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestPublishIncrementsLabel(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.setConfig(t, "docker_image", "registry/checkout:1.0")
	_, _, err := f.engine.Publish(ctx, f.service.ID)
	require.NoError(t, err)

	f.setConfig(t, "docker_image", "registry/checkout:2.0")
	v2, created, err := f.engine.Publish(ctx, f.service.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "v2", v2.VersionLabel)
}

func TestPublishRevertReusesEarlierVersion(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.setConfig(t, "docker_image", "registry/checkout:1.0")
	v1, _, err := f.engine.Publish(ctx, f.service.ID)
	require.NoError(t, err)

	f.setConfig(t, "docker_image", "registry/checkout:2.0")
	_, _, err = f.engine.Publish(ctx, f.service.ID)
	require.NoError(t, err)

	// Reverting to the v1 configuration reuses v1 instead of conflicting.
	f.setConfig(t, "docker_image", "registry/checkout:1.0")
	result, err := f.engine.Validate(ctx, f.service.ID)
	require.NoError(t, err)
	assert.False(t, result.HasChanges)
	assert.Equal(t, []string{"v1"}, result.MatchingLabels)

	v, created, err := f.engine.Publish(ctx, f.service.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, v1.ID, v.ID)
	assert.Equal(t, "v1", v.VersionLabel)
}

func TestPublishUnversionedKeyIsNoChange(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.setConfig(t, "docker_image", "registry/checkout:1.0")
	_, _, err := f.engine.Publish(ctx, f.service.ID)
	require.NoError(t, err)

	// replicas is not a versioned key; changing it does not bump the hash.
	f.setConfig(t, "replicas", "3")
	_, created, err := f.engine.Publish(ctx, f.service.ID)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestPublishSecretRotationCreatesVersion(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.setConfig(t, "docker_image", "registry/checkout:1.0")
	f.setSecret(t, "API_KEY", "old")
	_, _, err := f.engine.Publish(ctx, f.service.ID)
	require.NoError(t, err)

	// Rotate the secret value.
	secs, err := f.store.ListSecrets(ctx, domain.ScopeService, f.service.ID)
	require.NoError(t, err)
	require.Len(t, secs, 1)
	encrypted, err := f.encryptor.Encrypt("new")
	require.NoError(t, err)
	secs[0].Value = encrypted
	secs[0].UpdatedAt = time.Now().UTC()
	require.NoError(t, f.store.UpdateSecret(ctx, &secs[0]))

	v, created, err := f.engine.Publish(ctx, f.service.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "v2", v.VersionLabel)
}

func TestValidate(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// No config at all: publishable but with missing versioned keys flagged.
	result, err := f.engine.Validate(ctx, f.service.ID)
	require.NoError(t, err)
	assert.True(t, result.HasChanges)
	assert.Equal(t, "v1", result.NextLabel)
	assert.ElementsMatch(t, []string{"docker_image", "ports"}, result.MissingKeys)

	f.setConfig(t, "docker_image", "registry/checkout:1.0")
	f.setConfig(t, "ports", `[{"port": 8080}]`)
	_, _, err = f.engine.Publish(ctx, f.service.ID)
	require.NoError(t, err)

	result, err = f.engine.Validate(ctx, f.service.ID)
	require.NoError(t, err)
	assert.False(t, result.HasChanges)
	assert.Equal(t, "v1", result.LatestLabel)
	assert.Equal(t, "v2", result.NextLabel)
	assert.Equal(t, result.CurrentHash, result.NewHash)
	assert.Empty(t, result.MissingKeys)

	f.setConfig(t, "docker_image", "registry/checkout:2.0")
	result, err = f.engine.Validate(ctx, f.service.ID)
	require.NoError(t, err)
	assert.True(t, result.HasChanges)
	assert.NotEqual(t, result.CurrentHash, result.NewHash)
}

func TestValidateSectionDiffs(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.setConfig(t, "docker_image", "registry/checkout:1.0")
	f.setVariable(t, "LOG_LEVEL", "info")
	f.setSecret(t, "API_KEY", "s3cret")

	// Before any version exists every populated section is changed.
	result, err := f.engine.Validate(ctx, f.service.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Config)
	assert.True(t, result.Config.Changed)
	assert.Equal(t, []string{"docker_image"}, result.Config.ChangedKeys)
	assert.Empty(t, result.Config.Previous)

	_, _, err = f.engine.Publish(ctx, f.service.ID)
	require.NoError(t, err)

	result, err = f.engine.Validate(ctx, f.service.ID)
	require.NoError(t, err)
	assert.False(t, result.Config.Changed)
	assert.False(t, result.Variables.Changed)
	assert.False(t, result.Secrets.Changed)
	assert.Equal(t, result.Config.Previous, result.Config.Current)

	f.setConfig(t, "docker_image", "registry/checkout:2.0")
	f.setVariable(t, "FEATURE_FLAG", "on")
	result, err = f.engine.Validate(ctx, f.service.ID)
	require.NoError(t, err)
	assert.True(t, result.HasChanges)
	assert.Equal(t, []string{"docker_image"}, result.Config.ChangedKeys)
	assert.Equal(t, []string{"FEATURE_FLAG"}, result.Variables.ChangedKeys)
	assert.False(t, result.Secrets.Changed)

	// Secret diffs never expose values, only lengths.
	assert.NotContains(t, result.Secrets.Current, "s3cret")
	assert.Contains(t, result.Secrets.Current, `"API_KEY":6`)
}

func TestPublishWithLabel(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.setConfig(t, "docker_image", "registry/checkout:1.0")

	_, err := f.engine.PublishWithLabel(ctx, f.service.ID, " ")
	require.ErrorIs(t, err, domain.ErrInvalid)

	v, err := f.engine.PublishWithLabel(ctx, f.service.ID, "release-2024")
	require.NoError(t, err)
	assert.Equal(t, "release-2024", v.VersionLabel)

	// Same hash again conflicts regardless of the new label.
	_, err = f.engine.PublishWithLabel(ctx, f.service.ID, "release-2025")
	require.ErrorIs(t, err, domain.ErrConflict)

	// Same label conflicts even with a changed hash.
	f.setConfig(t, "docker_image", "registry/checkout:2.0")
	_, err = f.engine.PublishWithLabel(ctx, f.service.ID, "release-2024")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestComputeHashDeterministic(t *testing.T) {
	cfg := map[string]any{"docker_image": "img:1", "ports": []any{map[string]any{"port": float64(80)}}}
	vars := map[string]string{"A": "1", "B": "2"}
	secs := map[string]string{"K": "v"}

	h1, err := ComputeHash(cfg, vars, secs)
	require.NoError(t, err)
	h2, err := ComputeHash(cfg, vars, secs)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// Any value change produces a different hash.
	vars["A"] = "changed"
	h3, err := ComputeHash(cfg, vars, secs)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestPortsParseFailureKeepsRaw(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.setConfig(t, "docker_image", "img:1")
	f.setConfig(t, "ports", "not-json")

	v, created, err := f.engine.Publish(ctx, f.service.ID)
	require.NoError(t, err)
	require.True(t, created)

	var spec map[string]any
	require.NoError(t, json.Unmarshal([]byte(v.SpecJSON), &spec))
	assert.Equal(t, "not-json", spec["config"].(map[string]any)["ports"])
}

func TestNextLabel(t *testing.T) {
	tests := []struct {
		latest string
		want   string
	}{
		{"v1", "v2"},
		{"v9", "v10"},
		{"v10", "v11"},
		{"release-1", "v1"},
		{"", "v1"},
		{"v0", "v1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextLabel(tt.latest), "latest=%q", tt.latest)
	}
}
