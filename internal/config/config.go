// Package config loads process settings from the environment and overlays
// database-backed admin config on top. The merged settings are published as
// an immutable snapshot that callers read lock-free.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/env360/env360/internal/domain"
)

// Settings is one immutable snapshot of the process configuration. Fields
// overridable through admin config are merged in by Manager.Refresh.
type Settings struct {
	// DatabaseURL is the Postgres connection string.
	DatabaseURL string

	// ListenAddr is the bind address for the health and metrics server.
	ListenAddr string

	// BaseDomain is the root domain all environment subdomains and external
	// routes hang off. Overridable via the base_domain admin config key.
	BaseDomain string

	// Certificate issuance for environment subdomains.
	CertNamespace   string
	IssuerName      string
	CertDuration    time.Duration
	CertRenewBefore time.Duration

	// Shared ingress gateway for environment subdomains.
	GatewayName      string
	GatewayNamespace string
	GatewayClassName string

	// QueueName is the workflow queue deployments are enqueued on.
	QueueName string

	// QueueConcurrency caps concurrently running workflows per queue.
	QueueConcurrency int

	// EncryptionKey is the key material for credential encryption at rest.
	EncryptionKey string

	// SuperAdminEmails is the lowercased set of emails granted super-admin.
	SuperAdminEmails map[string]struct{}

	// PollTimeout and PollInterval bound readiness polling of applied
	// Kubernetes resources.
	PollTimeout  time.Duration
	PollInterval time.Duration

	// Debug enables debug logging; JSONLog selects the JSON handler.
	Debug   bool
	JSONLog bool
}

// IsSuperAdmin reports whether the email belongs to a configured super-admin.
// Matching is case-insensitive.
func (s *Settings) IsSuperAdmin(email string) bool {
	_, ok := s.SuperAdminEmails[strings.ToLower(email)]
	return ok
}

// FromEnv builds Settings from environment variables, applying defaults for
// everything optional. It fails on malformed numeric values rather than
// silently falling back.
func FromEnv() (*Settings, error) {
	s := &Settings{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		ListenAddr:       envOr("LISTEN_ADDR", ":8080"),
		BaseDomain:       os.Getenv("BASE_DOMAIN"),
		CertNamespace:    envOr("DOMAIN_CERT_NAMESPACE", "cert-manager"),
		IssuerName:       envOr("DOMAIN_ISSUER_NAME", "letsencrypt-prod"),
		GatewayName:      envOr("DOMAIN_GATEWAY_NAME", "env360-ingress"),
		GatewayNamespace: envOr("DOMAIN_GATEWAY_NAMESPACE", "istio-ingress"),
		GatewayClassName: envOr("DOMAIN_GATEWAY_CLASS_NAME", "istio"),
		QueueName:        envOr("DBOS_WORKFLOW_QUEUE_NAME", envOr("WORKFLOW_QUEUE_NAME", "env360-queue")),
		EncryptionKey:    os.Getenv("SECRETS_ENCRYPTION_KEY"),
		Debug:            envBool("DEBUG"),
		JSONLog:          envBool("LOG_JSON"),
	}

	certHours, err := envInt("DOMAIN_CERT_DURATION_HOURS", 2160)
	if err != nil {
		return nil, err
	}
	renewHours, err := envInt("DOMAIN_CERT_RENEW_BEFORE_HOURS", 360)
	if err != nil {
		return nil, err
	}
	s.CertDuration = time.Duration(certHours) * time.Hour
	s.CertRenewBefore = time.Duration(renewHours) * time.Hour

	if s.QueueConcurrency, err = envInt("WORKFLOW_QUEUE_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	pollTimeout, err := envInt("POLL_TIMEOUT_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	pollInterval, err := envInt("POLL_INTERVAL_SECONDS", 10)
	if err != nil {
		return nil, err
	}
	s.PollTimeout = time.Duration(pollTimeout) * time.Second
	s.PollInterval = time.Duration(pollInterval) * time.Second

	s.SuperAdminEmails = parseEmailSet(os.Getenv("SUPER_ADMIN_EMAILS"))
	return s, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func parseEmailSet(raw string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		email := strings.ToLower(strings.TrimSpace(part))
		if email != "" {
			set[email] = struct{}{}
		}
	}
	return set
}

// AdminConfigSource is the subset of the store the Manager needs to merge
// database overrides.
type AdminConfigSource interface {
	ListAdminConfigs(ctx context.Context) ([]domain.AdminConfig, error)
}

// Manager publishes the current Settings snapshot. Refresh swaps the snapshot
// atomically; readers never see a partially merged state.
type Manager struct {
	base    Settings
	current atomic.Pointer[Settings]
}

// NewManager seeds the manager with environment-derived settings.
func NewManager(base *Settings) *Manager {
	m := &Manager{base: *base}
	snapshot := *base
	m.current.Store(&snapshot)
	return m
}

// Current returns the active snapshot. The returned value must be treated as
// read-only.
func (m *Manager) Current() *Settings {
	return m.current.Load()
}

// Refresh re-reads admin config from the store and publishes a new snapshot
// of the environment base with known override keys applied. Unknown keys are
// ignored so stale rows cannot break startup.
func (m *Manager) Refresh(ctx context.Context, src AdminConfigSource) error {
	configs, err := src.ListAdminConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load admin config: %w", err)
	}
	next := m.base
	for _, c := range configs {
		switch c.Key {
		case "base_domain":
			if c.Value != "" {
				next.BaseDomain = c.Value
			}
		}
	}
	m.current.Store(&next)
	return nil
}
