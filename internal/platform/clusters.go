package platform

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/env360/env360/internal/domain"
)

// ClusterRequest carries the credential fields of a cluster registration.
// Credentials arrive in plaintext and are encrypted before they hit the
// store.
type ClusterRequest struct {
	Name              string
	APIURL            string
	AuthMethod        domain.AuthMethod
	EnvironmentType   string
	KubeconfigContent string
	Token             string
	ClientKey         string
	ClientCert        string
	ClientCACert      string
}

// RegisterCluster encrypts the credentials, verifies connectivity and stores
// the cluster. Admin only.
func (s *Service) RegisterCluster(ctx context.Context, caller domain.Caller, req ClusterRequest) (*domain.KubernetesCluster, error) {
	if err := requirePrivileged(caller, "cluster registration"); err != nil {
		return nil, err
	}
	cluster, err := s.buildCluster(uuid.NewString(), req)
	if err != nil {
		return nil, err
	}

	prober, err := s.probers(cluster)
	if err != nil {
		return nil, err
	}
	if err := prober.CheckConnection(ctx); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cluster.CreatedAt = now
	cluster.UpdatedAt = now
	if err := s.store.CreateCluster(ctx, cluster); err != nil {
		return nil, err
	}
	s.logger.Info("cluster registered", "cluster", cluster.ID, "name", cluster.Name)
	return cluster, nil
}

// UpdateCluster replaces a cluster's record and credentials. Admin only.
func (s *Service) UpdateCluster(ctx context.Context, caller domain.Caller, id string, req ClusterRequest) (*domain.KubernetesCluster, error) {
	if err := requirePrivileged(caller, "cluster update"); err != nil {
		return nil, err
	}
	existing, err := s.store.GetCluster(ctx, id)
	if err != nil {
		return nil, err
	}
	cluster, err := s.buildCluster(id, req)
	if err != nil {
		return nil, err
	}
	cluster.CreatedAt = existing.CreatedAt
	cluster.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateCluster(ctx, cluster); err != nil {
		return nil, err
	}
	return cluster, nil
}

// GetCluster returns a cluster record. Admin only; credential fields stay
// encrypted.
func (s *Service) GetCluster(ctx context.Context, caller domain.Caller, id string) (*domain.KubernetesCluster, error) {
	if err := requirePrivileged(caller, "cluster read"); err != nil {
		return nil, err
	}
	return s.store.GetCluster(ctx, id)
}

// ListClusters returns all registered clusters. Admin only.
func (s *Service) ListClusters(ctx context.Context, caller domain.Caller) ([]domain.KubernetesCluster, error) {
	if err := requirePrivileged(caller, "cluster listing"); err != nil {
		return nil, err
	}
	return s.store.ListClusters(ctx)
}

// DeregisterCluster removes a cluster and detaches it from every environment
// referencing it. Admin only.
func (s *Service) DeregisterCluster(ctx context.Context, caller domain.Caller, id string) error {
	if err := requirePrivileged(caller, "cluster removal"); err != nil {
		return err
	}
	if err := s.store.DetachCluster(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteCluster(ctx, id); err != nil {
		return err
	}
	s.logger.Info("cluster deregistered", "cluster", id)
	return nil
}

// TestClusterConnection makes an authenticated API call against the cluster.
func (s *Service) TestClusterConnection(ctx context.Context, caller domain.Caller, id string) error {
	if err := requirePrivileged(caller, "cluster connection test"); err != nil {
		return err
	}
	cluster, err := s.store.GetCluster(ctx, id)
	if err != nil {
		return err
	}
	prober, err := s.probers(cluster)
	if err != nil {
		return err
	}
	return prober.CheckConnection(ctx)
}

// ClusterHealth probes the cluster API server's readyz endpoint.
func (s *Service) ClusterHealth(ctx context.Context, caller domain.Caller, id string) error {
	if err := requirePrivileged(caller, "cluster health probe"); err != nil {
		return err
	}
	cluster, err := s.store.GetCluster(ctx, id)
	if err != nil {
		return err
	}
	prober, err := s.probers(cluster)
	if err != nil {
		return err
	}
	return prober.CheckReadyz(ctx)
}

// buildCluster validates the request and encrypts every credential field.
func (s *Service) buildCluster(id string, req ClusterRequest) (*domain.KubernetesCluster, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, domain.Invalid("name", "cluster name is required")
	}
	if !req.AuthMethod.Valid() {
		return nil, domain.Invalid("authMethod", "unknown auth method")
	}
	switch req.AuthMethod {
	case domain.AuthToken, domain.AuthServiceAccount:
		if req.APIURL == "" || req.Token == "" {
			return nil, domain.Invalid("cluster", "token auth requires api url and token")
		}
	case domain.AuthKubeconfig:
		if req.KubeconfigContent == "" {
			return nil, domain.Invalid("cluster", "kubeconfig auth requires kubeconfig content")
		}
	case domain.AuthClientCert:
		if req.APIURL == "" || req.ClientCert == "" || req.ClientKey == "" {
			return nil, domain.Invalid("cluster", "client cert auth requires api url, cert and key")
		}
	}

	cluster := &domain.KubernetesCluster{
		ID:              id,
		Name:            req.Name,
		APIURL:          req.APIURL,
		AuthMethod:      req.AuthMethod,
		EnvironmentType: req.EnvironmentType,
	}
	var err error
	if cluster.KubeconfigContent, err = s.enc.Encrypt(req.KubeconfigContent); err != nil {
		return nil, err
	}
	if cluster.Token, err = s.enc.Encrypt(req.Token); err != nil {
		return nil, err
	}
	if cluster.ClientKey, err = s.enc.Encrypt(req.ClientKey); err != nil {
		return nil, err
	}
	if cluster.ClientCert, err = s.enc.Encrypt(req.ClientCert); err != nil {
		return nil, err
	}
	if cluster.ClientCACert, err = s.enc.Encrypt(req.ClientCACert); err != nil {
		return nil, err
	}
	return cluster, nil
}
