// Package authz evaluates whether a caller may act on a project, environment
// or service. Grants attach to a single scope; environments inherit from
// their project and services from their primary environment and project.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/env360/env360/internal/domain"
	"github.com/env360/env360/internal/store"
)

// Resolver is the store surface the evaluator needs.
type Resolver interface {
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	GetEnvironment(ctx context.Context, id string) (*domain.Environment, error)
	GetService(ctx context.Context, id string) (*domain.Service, error)
	GetResourcePermission(ctx context.Context, userID string, scope domain.VariableScope, resourceID string) (*domain.ResourcePermission, error)
	ListResourcePermissions(ctx context.Context, filter store.PermissionFilter) ([]domain.ResourcePermission, error)
}

// Evaluator answers permission questions against the store.
type Evaluator struct {
	resolver Resolver
}

// NewEvaluator builds an Evaluator on top of the store.
func NewEvaluator(resolver Resolver) *Evaluator {
	return &Evaluator{resolver: resolver}
}

// May reports whether the caller may perform the action at the scope. The
// evaluation order is fixed: admin bypass, project ownership, direct grant,
// then inherited grants walking outward to the project.
func (e *Evaluator) May(ctx context.Context, caller domain.Caller, action domain.Action, scope domain.VariableScope, resourceID string) (bool, error) {
	if !caller.IsActive {
		return false, nil
	}
	if caller.Privileged() {
		return true, nil
	}
	if !action.Valid() || !scope.Valid() {
		return false, domain.Invalid("action", "unknown action or scope")
	}

	owner, err := e.ownsProjectOf(ctx, caller, scope, resourceID)
	if err != nil {
		return false, err
	}
	if owner {
		return true, nil
	}

	// Direct grant at the requested scope.
	allowed, err := e.hasGrant(ctx, caller.ID, action, scope, resourceID)
	if err != nil {
		return false, err
	}
	if allowed {
		return true, nil
	}

	// Inherited grants.
	switch scope {
	case domain.ScopeService:
		svc, err := e.resolver.GetService(ctx, resourceID)
		if err != nil {
			return false, err
		}
		if svc.EnvironmentID != nil {
			allowed, err := e.hasGrant(ctx, caller.ID, action, domain.ScopeEnvironment, *svc.EnvironmentID)
			if err != nil {
				return false, err
			}
			if allowed {
				return true, nil
			}
		}
		return e.hasGrant(ctx, caller.ID, action, domain.ScopeProject, svc.ProjectID)
	case domain.ScopeEnvironment:
		env, err := e.resolver.GetEnvironment(ctx, resourceID)
		if err != nil {
			return false, err
		}
		return e.hasGrant(ctx, caller.ID, action, domain.ScopeProject, env.ProjectID)
	}
	return false, nil
}

// MayGrant reports whether the caller may grant or revoke permissions on the
// resource. Only admins and the owning project's owner qualify.
func (e *Evaluator) MayGrant(ctx context.Context, caller domain.Caller, scope domain.VariableScope, resourceID string) (bool, error) {
	if !caller.IsActive {
		return false, nil
	}
	if caller.Privileged() {
		return true, nil
	}
	return e.ownsProjectOf(ctx, caller, scope, resourceID)
}

// ListVisible returns the grants on a resource the caller is entitled to see.
// Callers without grant authority only see their own rows.
func (e *Evaluator) ListVisible(ctx context.Context, caller domain.Caller, scope domain.VariableScope, resourceID string) ([]domain.ResourcePermission, error) {
	perms, err := e.resolver.ListResourcePermissions(ctx, store.PermissionFilter{
		Scope:      scope,
		ResourceID: resourceID,
	})
	if err != nil {
		return nil, err
	}
	canGrant, err := e.MayGrant(ctx, caller, scope, resourceID)
	if err != nil {
		return nil, err
	}
	if canGrant {
		return perms, nil
	}
	var own []domain.ResourcePermission
	for _, p := range perms {
		if p.UserID == caller.ID {
			own = append(own, p)
		}
	}
	return own, nil
}

func (e *Evaluator) hasGrant(ctx context.Context, userID string, action domain.Action, scope domain.VariableScope, resourceID string) (bool, error) {
	perm, err := e.resolver.GetResourcePermission(ctx, userID, scope, resourceID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return perm.Allows(action), nil
}

// ownsProjectOf walks from the resource up to its project and compares the
// owner with the caller.
func (e *Evaluator) ownsProjectOf(ctx context.Context, caller domain.Caller, scope domain.VariableScope, resourceID string) (bool, error) {
	projectID := resourceID
	switch scope {
	case domain.ScopeService:
		svc, err := e.resolver.GetService(ctx, resourceID)
		if err != nil {
			return false, err
		}
		projectID = svc.ProjectID
	case domain.ScopeEnvironment:
		env, err := e.resolver.GetEnvironment(ctx, resourceID)
		if err != nil {
			return false, err
		}
		projectID = env.ProjectID
	}
	project, err := e.resolver.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	return project.OwnerID == caller.ID, nil
}

// Gate wraps the evaluator with deny-by-error semantics for call sites that
// want a single error check.
type Gate struct {
	eval *Evaluator
}

// NewGate builds a Gate.
func NewGate(eval *Evaluator) *Gate {
	return &Gate{eval: eval}
}

// Require returns a permission-denied error unless the caller may perform the
// action at the scope.
func (g *Gate) Require(ctx context.Context, caller domain.Caller, action domain.Action, scope domain.VariableScope, resourceID string) error {
	allowed, err := g.eval.May(ctx, caller, action, scope, resourceID)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: user %s lacks %s on %s %s",
			domain.ErrPermissionDenied, caller.ID, action, scope, resourceID)
	}
	return nil
}

// RequireGrant returns a permission-denied error unless the caller may manage
// grants on the resource.
func (g *Gate) RequireGrant(ctx context.Context, caller domain.Caller, scope domain.VariableScope, resourceID string) error {
	allowed, err := g.eval.MayGrant(ctx, caller, scope, resourceID)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: user %s may not manage grants on %s %s",
			domain.ErrPermissionDenied, caller.ID, scope, resourceID)
	}
	return nil
}
