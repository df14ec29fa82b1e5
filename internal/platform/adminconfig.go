package platform

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/env360/env360/internal/domain"
)

// SetAdminConfig upserts a process-wide setting override and refreshes the
// settings snapshot so it takes effect immediately. Admin only.
func (s *Service) SetAdminConfig(ctx context.Context, caller domain.Caller, key, value string, configData map[string]any) (*domain.AdminConfig, error) {
	if err := requirePrivileged(caller, "admin config"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, domain.Invalid("key", "config key is required")
	}
	cfg := &domain.AdminConfig{
		ID:         uuid.NewString(),
		Key:        key,
		Value:      value,
		ConfigData: configData,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.store.UpsertAdminConfig(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.settings.Refresh(ctx, s.store); err != nil {
		return nil, err
	}
	s.logger.Info("admin config updated", "key", key)
	return cfg, nil
}

// GetAdminConfig returns one setting override. Admin only.
func (s *Service) GetAdminConfig(ctx context.Context, caller domain.Caller, key string) (*domain.AdminConfig, error) {
	if err := requirePrivileged(caller, "admin config"); err != nil {
		return nil, err
	}
	return s.store.GetAdminConfig(ctx, key)
}

// ListAdminConfigs returns all setting overrides. Admin only.
func (s *Service) ListAdminConfigs(ctx context.Context, caller domain.Caller) ([]domain.AdminConfig, error) {
	if err := requirePrivileged(caller, "admin config"); err != nil {
		return nil, err
	}
	return s.store.ListAdminConfigs(ctx)
}

// DeleteAdminConfig removes a setting override and refreshes the snapshot.
// Admin only.
func (s *Service) DeleteAdminConfig(ctx context.Context, caller domain.Caller, key string) error {
	if err := requirePrivileged(caller, "admin config"); err != nil {
		return err
	}
	if err := s.store.DeleteAdminConfig(ctx, key); err != nil {
		return err
	}
	return s.settings.Refresh(ctx, s.store)
}
