package platform

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/env360/env360/internal/domain"
)

// EnsureUser returns the account for an authenticated email, creating it on
// first sight. The identity layer calls this after token validation; the
// admin flag is only honored when the email is a configured super-admin.
func (s *Service) EnsureUser(ctx context.Context, email, name string) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, domain.Invalid("email", "email is required")
	}
	existing, err := s.store.GetUserByEmail(ctx, email)
	if err == nil {
		return existing, nil
	}
	if !domain.IsNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	user := &domain.User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      name,
		IsActive:  true,
		IsAdmin:   s.settings.Current().IsSuperAdmin(email),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("user created", "user", user.ID, "email", email)
	return user, nil
}

// ListUsers returns all accounts. Admin only.
func (s *Service) ListUsers(ctx context.Context, caller domain.Caller) ([]domain.User, error) {
	if err := requirePrivileged(caller, "user listing"); err != nil {
		return nil, err
	}
	return s.store.ListUsers(ctx)
}

// SetUserActive toggles an account. Admin only.
func (s *Service) SetUserActive(ctx context.Context, caller domain.Caller, id string, active bool) (*domain.User, error) {
	if err := requirePrivileged(caller, "user activation"); err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	user.IsActive = active
	user.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}
