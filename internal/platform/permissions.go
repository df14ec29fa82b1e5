package platform

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/env360/env360/internal/domain"
)

// Grant creates or replaces a permission on a resource. Only admins and the
// owning project's owner may grant.
func (s *Service) Grant(ctx context.Context, caller domain.Caller, userID string, scope domain.VariableScope, resourceID string, actions []domain.Action) (*domain.ResourcePermission, error) {
	if !scope.Valid() {
		return nil, domain.Invalid("scope", "unknown scope")
	}
	if !domain.ValidActions(actions) {
		return nil, domain.Invalid("actions", "at least one valid action is required")
	}
	if err := s.gate.RequireGrant(ctx, caller, scope, resourceID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	perm := &domain.ResourcePermission{
		ID:         uuid.NewString(),
		UserID:     userID,
		Scope:      scope,
		ResourceID: resourceID,
		Actions:    actions,
		GrantedBy:  caller.ID,
		GrantedAt:  time.Now().UTC(),
	}
	if err := s.store.UpsertResourcePermission(ctx, perm); err != nil {
		return nil, err
	}
	s.logger.Info("permission granted",
		"user", userID, "scope", string(scope), "resource", resourceID)
	return perm, nil
}

// Revoke removes a user's grant on a resource.
func (s *Service) Revoke(ctx context.Context, caller domain.Caller, userID string, scope domain.VariableScope, resourceID string) error {
	if err := s.gate.RequireGrant(ctx, caller, scope, resourceID); err != nil {
		return err
	}
	return s.store.DeleteResourcePermission(ctx, userID, scope, resourceID)
}

// ListPermissions returns the grants on a resource the caller may see:
// everything for callers with grant authority, otherwise only their own rows.
func (s *Service) ListPermissions(ctx context.Context, caller domain.Caller, scope domain.VariableScope, resourceID string) ([]domain.ResourcePermission, error) {
	if err := requireActive(caller); err != nil {
		return nil, err
	}
	return s.eval.ListVisible(ctx, caller, scope, resourceID)
}

// ListLegacyPermissions returns the caller's legacy user-permission rows.
// They are surfaced as data only and never evaluated.
func (s *Service) ListLegacyPermissions(ctx context.Context, caller domain.Caller, userID string) ([]domain.UserPermission, error) {
	if err := requireActive(caller); err != nil {
		return nil, err
	}
	if userID != caller.ID && !caller.Privileged() {
		return nil, requirePrivileged(caller, "reading another user's permissions")
	}
	return s.store.ListUserPermissions(ctx, userID)
}
