// Package platform is the management surface over the store: tenancy CRUD,
// scoped variables and secrets, permission grants, the cluster registry and
// admin configuration. Every operation takes the resolved caller and runs
// through the permission gate.
package platform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/env360/env360/internal/authz"
	"github.com/env360/env360/internal/config"
	"github.com/env360/env360/internal/domain"
	"github.com/env360/env360/internal/k8s"
	"github.com/env360/env360/internal/secrets"
	"github.com/env360/env360/internal/store"
)

// ClusterProber checks connectivity of a registered cluster.
type ClusterProber interface {
	CheckConnection(ctx context.Context) error
	CheckReadyz(ctx context.Context) error
}

// ProberFactory builds a prober for a cluster record. Tests substitute a
// stub; production uses NewProberFactory.
type ProberFactory func(cluster *domain.KubernetesCluster) (ClusterProber, error)

// NewProberFactory returns the production factory backed by the K8s gateway.
func NewProberFactory(enc *secrets.Encryptor, logger *slog.Logger) ProberFactory {
	return func(cluster *domain.KubernetesCluster) (ClusterProber, error) {
		cfg, err := k8s.RESTConfigForCluster(cluster, enc)
		if err != nil {
			return nil, err
		}
		return k8s.NewClientForConfig(cfg, logger)
	}
}

// Service is the management surface.
type Service struct {
	store    store.Store
	gate     *authz.Gate
	eval     *authz.Evaluator
	enc      *secrets.Encryptor
	settings *config.Manager
	probers  ProberFactory
	logger   *slog.Logger
}

// New builds the management service.
func New(st store.Store, gate *authz.Gate, eval *authz.Evaluator, enc *secrets.Encryptor,
	settings *config.Manager, probers ProberFactory, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		gate:     gate,
		eval:     eval,
		enc:      enc,
		settings: settings,
		probers:  probers,
		logger:   logger,
	}
}

// requireActive rejects inactive callers. Creation endpoints have no resource
// to gate on yet, so this is their only check.
func requireActive(caller domain.Caller) error {
	if !caller.IsActive {
		return fmt.Errorf("%w: user %s is not active", domain.ErrPermissionDenied, caller.ID)
	}
	return nil
}

// requirePrivileged limits an operation to admins and super-admins.
func requirePrivileged(caller domain.Caller, what string) error {
	if !caller.IsActive || !caller.Privileged() {
		return fmt.Errorf("%w: %s requires admin", domain.ErrPermissionDenied, what)
	}
	return nil
}
