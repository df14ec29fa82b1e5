package platform

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/env360/env360/internal/domain"
)

// CreateProjectRequest carries the fields of a new project.
type CreateProjectRequest struct {
	Name        string
	Description string
	// OwnerID defaults to the caller. Only admins may set another owner.
	OwnerID string
}

// CreateProject creates a project owned by the caller.
func (s *Service) CreateProject(ctx context.Context, caller domain.Caller, req CreateProjectRequest) (*domain.Project, error) {
	if err := requireActive(caller); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, domain.Invalid("name", "project name is required")
	}
	owner := caller.ID
	if req.OwnerID != "" && req.OwnerID != caller.ID {
		if err := requirePrivileged(caller, "setting a project owner"); err != nil {
			return nil, err
		}
		owner = req.OwnerID
	}

	now := time.Now().UTC()
	project := &domain.Project{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     owner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project", project.ID, "owner", owner)
	return project, nil
}

// GetProject returns a project after a read check.
func (s *Service) GetProject(ctx context.Context, caller domain.Caller, id string) (*domain.Project, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionRead, domain.ScopeProject, id); err != nil {
		return nil, err
	}
	return s.store.GetProject(ctx, id)
}

// ListProjects returns the projects visible to the caller: all of them for
// admins, owned plus granted ones for everyone else.
func (s *Service) ListProjects(ctx context.Context, caller domain.Caller) ([]domain.Project, error) {
	if err := requireActive(caller); err != nil {
		return nil, err
	}
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	if caller.Privileged() {
		return projects, nil
	}
	visible := make([]domain.Project, 0, len(projects))
	for _, p := range projects {
		allowed, err := s.eval.May(ctx, caller, domain.ActionRead, domain.ScopeProject, p.ID)
		if err != nil {
			return nil, err
		}
		if allowed {
			visible = append(visible, p)
		}
	}
	return visible, nil
}

// ListOwnedProjects returns the projects the caller owns directly.
func (s *Service) ListOwnedProjects(ctx context.Context, caller domain.Caller) ([]domain.Project, error) {
	if err := requireActive(caller); err != nil {
		return nil, err
	}
	return s.store.ListProjectsByOwner(ctx, caller.ID)
}

// UpdateProject updates name and description.
func (s *Service) UpdateProject(ctx context.Context, caller domain.Caller, id string, name, description *string) (*domain.Project, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionWrite, domain.ScopeProject, id); err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		if strings.TrimSpace(*name) == "" {
			return nil, domain.Invalid("name", "project name is required")
		}
		project.Name = *name
	}
	if description != nil {
		project.Description = *description
	}
	project.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// DeleteProject soft-deletes a project.
func (s *Service) DeleteProject(ctx context.Context, caller domain.Caller, id string) error {
	if err := s.gate.Require(ctx, caller, domain.ActionDelete, domain.ScopeProject, id); err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, id); err != nil {
		return err
	}
	s.logger.Info("project deleted", "project", id)
	return nil
}

// CreateEnvironmentRequest carries the fields of a new environment.
type CreateEnvironmentRequest struct {
	ProjectID string
	Name      string
	Type      domain.EnvironmentType
	URL       string
	ClusterID *string
}

// CreateEnvironment creates an environment inside a project the caller may
// write to.
func (s *Service) CreateEnvironment(ctx context.Context, caller domain.Caller, req CreateEnvironmentRequest) (*domain.Environment, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionWrite, domain.ScopeProject, req.ProjectID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, domain.Invalid("name", "environment name is required")
	}
	if !req.Type.Valid() {
		return nil, domain.Invalid("type", "unknown environment type")
	}
	if req.ClusterID != nil {
		if _, err := s.store.GetCluster(ctx, *req.ClusterID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	env := &domain.Environment{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Type:      req.Type,
		URL:       req.URL,
		ProjectID: req.ProjectID,
		ClusterID: req.ClusterID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateEnvironment(ctx, env); err != nil {
		return nil, err
	}
	s.logger.Info("environment created", "environment", env.ID, "project", req.ProjectID)
	return env, nil
}

// GetEnvironment returns an environment after a read check.
func (s *Service) GetEnvironment(ctx context.Context, caller domain.Caller, id string) (*domain.Environment, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionRead, domain.ScopeEnvironment, id); err != nil {
		return nil, err
	}
	return s.store.GetEnvironment(ctx, id)
}

// ListEnvironments returns a project's environments.
func (s *Service) ListEnvironments(ctx context.Context, caller domain.Caller, projectID string) ([]domain.Environment, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionRead, domain.ScopeProject, projectID); err != nil {
		return nil, err
	}
	return s.store.ListEnvironments(ctx, projectID)
}

// UpdateEnvironmentRequest carries the mutable environment fields. Nil fields
// stay unchanged.
type UpdateEnvironmentRequest struct {
	Name      *string
	Type      *domain.EnvironmentType
	URL       *string
	ClusterID *string
}

// UpdateEnvironment updates an environment the caller may write to.
func (s *Service) UpdateEnvironment(ctx context.Context, caller domain.Caller, id string, req UpdateEnvironmentRequest) (*domain.Environment, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionWrite, domain.ScopeEnvironment, id); err != nil {
		return nil, err
	}
	env, err := s.store.GetEnvironment(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, domain.Invalid("name", "environment name is required")
		}
		env.Name = *req.Name
	}
	if req.Type != nil {
		if !req.Type.Valid() {
			return nil, domain.Invalid("type", "unknown environment type")
		}
		env.Type = *req.Type
	}
	if req.URL != nil {
		env.URL = *req.URL
	}
	if req.ClusterID != nil {
		if _, err := s.store.GetCluster(ctx, *req.ClusterID); err != nil {
			return nil, err
		}
		env.ClusterID = req.ClusterID
	}
	env.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateEnvironment(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

// DeleteEnvironment soft-deletes an environment.
func (s *Service) DeleteEnvironment(ctx context.Context, caller domain.Caller, id string) error {
	if err := s.gate.Require(ctx, caller, domain.ActionDelete, domain.ScopeEnvironment, id); err != nil {
		return err
	}
	return s.store.DeleteEnvironment(ctx, id)
}

// CreateServiceRequest carries the fields of a new service.
type CreateServiceRequest struct {
	ProjectID     string
	Name          string
	Description   string
	Type          domain.ServiceType
	EnvironmentID *string
	Owner         string
}

// CreateService creates a service inside a project the caller may write to.
func (s *Service) CreateService(ctx context.Context, caller domain.Caller, req CreateServiceRequest) (*domain.Service, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionWrite, domain.ScopeProject, req.ProjectID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, domain.Invalid("name", "service name is required")
	}
	if !req.Type.Valid() {
		return nil, domain.Invalid("type", "unknown service type")
	}
	if req.EnvironmentID != nil {
		env, err := s.store.GetEnvironment(ctx, *req.EnvironmentID)
		if err != nil {
			return nil, err
		}
		if env.ProjectID != req.ProjectID {
			return nil, domain.Invalid("environmentId", "environment belongs to another project")
		}
	}

	now := time.Now().UTC()
	svc := &domain.Service{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Description:   req.Description,
		Type:          req.Type,
		ProjectID:     req.ProjectID,
		EnvironmentID: req.EnvironmentID,
		Owner:         req.Owner,
		Status:        domain.StatusUnknown,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateService(ctx, svc); err != nil {
		return nil, err
	}
	s.logger.Info("service created", "service", svc.ID, "project", req.ProjectID)
	return svc, nil
}

// GetService returns a service after a read check.
func (s *Service) GetService(ctx context.Context, caller domain.Caller, id string) (*domain.Service, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionRead, domain.ScopeService, id); err != nil {
		return nil, err
	}
	return s.store.GetService(ctx, id)
}

// ListServices returns a project's services.
func (s *Service) ListServices(ctx context.Context, caller domain.Caller, projectID string) ([]domain.Service, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionRead, domain.ScopeProject, projectID); err != nil {
		return nil, err
	}
	return s.store.ListServices(ctx, projectID)
}

// UpdateServiceRequest carries the mutable service fields. Nil fields stay
// unchanged.
type UpdateServiceRequest struct {
	Name          *string
	Description   *string
	Type          *domain.ServiceType
	EnvironmentID *string
	Status        *domain.ServiceStatus
}

// UpdateService updates a service the caller may write to.
func (s *Service) UpdateService(ctx context.Context, caller domain.Caller, id string, req UpdateServiceRequest) (*domain.Service, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionWrite, domain.ScopeService, id); err != nil {
		return nil, err
	}
	svc, err := s.store.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, domain.Invalid("name", "service name is required")
		}
		svc.Name = *req.Name
	}
	if req.Description != nil {
		svc.Description = *req.Description
	}
	if req.Type != nil {
		if !req.Type.Valid() {
			return nil, domain.Invalid("type", "unknown service type")
		}
		svc.Type = *req.Type
	}
	if req.EnvironmentID != nil {
		env, err := s.store.GetEnvironment(ctx, *req.EnvironmentID)
		if err != nil {
			return nil, err
		}
		if env.ProjectID != svc.ProjectID {
			return nil, domain.Invalid("environmentId", "environment belongs to another project")
		}
		svc.EnvironmentID = req.EnvironmentID
	}
	if req.Status != nil {
		svc.Status = *req.Status
	}
	svc.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateService(ctx, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// DeleteService soft-deletes a service.
func (s *Service) DeleteService(ctx context.Context, caller domain.Caller, id string) error {
	if err := s.gate.Require(ctx, caller, domain.ActionDelete, domain.ScopeService, id); err != nil {
		return err
	}
	return s.store.DeleteService(ctx, id)
}
