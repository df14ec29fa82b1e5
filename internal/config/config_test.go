package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/env360/env360/internal/domain"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("BASE_DOMAIN", "apps.example.com")
	t.Setenv("SECRETS_ENCRYPTION_KEY", "k")

	s, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "apps.example.com", s.BaseDomain)
	assert.Equal(t, "cert-manager", s.CertNamespace)
	assert.Equal(t, "letsencrypt-prod", s.IssuerName)
	assert.Equal(t, 2160*time.Hour, s.CertDuration)
	assert.Equal(t, 360*time.Hour, s.CertRenewBefore)
	assert.Equal(t, "env360-ingress", s.GatewayName)
	assert.Equal(t, "istio-ingress", s.GatewayNamespace)
	assert.Equal(t, "istio", s.GatewayClassName)
	assert.Equal(t, "env360-queue", s.QueueName)
	assert.Equal(t, 4, s.QueueConcurrency)
	assert.Equal(t, 300*time.Second, s.PollTimeout)
	assert.Equal(t, 10*time.Second, s.PollInterval)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DOMAIN_CERT_DURATION_HOURS", "720")
	t.Setenv("DOMAIN_CERT_RENEW_BEFORE_HOURS", "48")
	t.Setenv("WORKFLOW_QUEUE_NAME", "fast-lane")
	t.Setenv("POLL_TIMEOUT_SECONDS", "60")
	t.Setenv("DEBUG", "true")

	s, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 720*time.Hour, s.CertDuration)
	assert.Equal(t, 48*time.Hour, s.CertRenewBefore)
	assert.Equal(t, "fast-lane", s.QueueName)
	assert.Equal(t, 60*time.Second, s.PollTimeout)
	assert.True(t, s.Debug)
}

func TestFromEnvQueueNamePrecedence(t *testing.T) {
	// The DBOS-prefixed variable wins over the legacy alias.
	t.Setenv("DBOS_WORKFLOW_QUEUE_NAME", "dbos-queue")
	t.Setenv("WORKFLOW_QUEUE_NAME", "legacy-queue")

	s, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "dbos-queue", s.QueueName)
}

func TestFromEnvInvalidNumber(t *testing.T) {
	t.Setenv("DOMAIN_CERT_DURATION_HOURS", "not-a-number")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DOMAIN_CERT_DURATION_HOURS")
}

func TestSuperAdminEmails(t *testing.T) {
	t.Setenv("SUPER_ADMIN_EMAILS", "Root@Example.com, ops@example.com ,,")

	s, err := FromEnv()
	require.NoError(t, err)

	assert.True(t, s.IsSuperAdmin("root@example.com"))
	assert.True(t, s.IsSuperAdmin("ROOT@EXAMPLE.COM"))
	assert.True(t, s.IsSuperAdmin("ops@example.com"))
	assert.False(t, s.IsSuperAdmin("dev@example.com"))
	assert.False(t, s.IsSuperAdmin(""))
}

type stubAdminConfigSource struct {
	configs []domain.AdminConfig
	err     error
}

func (s *stubAdminConfigSource) ListAdminConfigs(ctx context.Context) ([]domain.AdminConfig, error) {
	return s.configs, s.err
}

func TestManagerRefresh(t *testing.T) {
	base := &Settings{BaseDomain: "env.example.com", QueueName: "env360-queue"}
	m := NewManager(base)

	assert.Equal(t, "env.example.com", m.Current().BaseDomain)

	src := &stubAdminConfigSource{configs: []domain.AdminConfig{
		{Key: "base_domain", Value: "override.example.com"},
		{Key: "unknown_key", Value: "ignored"},
	}}
	require.NoError(t, m.Refresh(context.Background(), src))

	assert.Equal(t, "override.example.com", m.Current().BaseDomain)
	assert.Equal(t, "env360-queue", m.Current().QueueName)
}

func TestManagerRefreshRevertsToBase(t *testing.T) {
	base := &Settings{BaseDomain: "env.example.com"}
	m := NewManager(base)

	src := &stubAdminConfigSource{configs: []domain.AdminConfig{
		{Key: "base_domain", Value: "override.example.com"},
	}}
	require.NoError(t, m.Refresh(context.Background(), src))
	require.Equal(t, "override.example.com", m.Current().BaseDomain)

	// Deleting the override restores the environment-derived value on the
	// next refresh.
	src.configs = nil
	require.NoError(t, m.Refresh(context.Background(), src))
	assert.Equal(t, "env.example.com", m.Current().BaseDomain)
}

func TestManagerRefreshStoreError(t *testing.T) {
	base := &Settings{BaseDomain: "env.example.com"}
	m := NewManager(base)

	src := &stubAdminConfigSource{err: assert.AnError}
	err := m.Refresh(context.Background(), src)
	require.Error(t, err)
	// The old snapshot survives a failed refresh.
	assert.Equal(t, "env.example.com", m.Current().BaseDomain)
}
