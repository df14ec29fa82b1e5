package platform

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/env360/env360/internal/domain"
)

// SetConfig upserts a scoped config entry on a resource the caller may write
// to.
func (s *Service) SetConfig(ctx context.Context, caller domain.Caller, scope domain.VariableScope, parentID, key, value string, configData map[string]any) (*domain.ConfigEntry, error) {
	if !scope.Valid() {
		return nil, domain.Invalid("scope", "unknown scope")
	}
	if err := s.gate.Require(ctx, caller, domain.ActionWrite, scope, parentID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, domain.Invalid("key", "config key is required")
	}
	entry := &domain.ConfigEntry{
		ParentID:   parentID,
		Key:        key,
		Value:      value,
		ConfigData: configData,
	}
	if err := s.store.UpsertConfig(ctx, scope, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// GetConfig returns one config entry.
func (s *Service) GetConfig(ctx context.Context, caller domain.Caller, scope domain.VariableScope, parentID, key string) (*domain.ConfigEntry, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionRead, scope, parentID); err != nil {
		return nil, err
	}
	return s.store.GetConfig(ctx, scope, parentID, key)
}

// ListConfigs returns every config entry on a resource.
func (s *Service) ListConfigs(ctx context.Context, caller domain.Caller, scope domain.VariableScope, parentID string) ([]domain.ConfigEntry, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionRead, scope, parentID); err != nil {
		return nil, err
	}
	return s.store.ListConfigs(ctx, scope, parentID)
}

// DeleteConfig soft-deletes a config entry.
func (s *Service) DeleteConfig(ctx context.Context, caller domain.Caller, scope domain.VariableScope, parentID, key string) error {
	if err := s.gate.Require(ctx, caller, domain.ActionWrite, scope, parentID); err != nil {
		return err
	}
	return s.store.DeleteConfig(ctx, scope, parentID, key)
}

// CreateVariable creates a plain variable. Key is unique per (scope,
// resource) among live rows.
func (s *Service) CreateVariable(ctx context.Context, caller domain.Caller, scope domain.VariableScope, resourceID, key, value string) (*domain.Variable, error) {
	if !scope.Valid() {
		return nil, domain.Invalid("scope", "unknown scope")
	}
	if err := s.gate.Require(ctx, caller, domain.ActionWrite, scope, resourceID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, domain.Invalid("key", "variable key is required")
	}
	now := time.Now().UTC()
	v := &domain.Variable{
		ID:         uuid.NewString(),
		Scope:      scope,
		ResourceID: resourceID,
		Key:        key,
		Value:      value,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateVariable(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ListVariables returns the live variables on a resource.
func (s *Service) ListVariables(ctx context.Context, caller domain.Caller, scope domain.VariableScope, resourceID string) ([]domain.Variable, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionRead, scope, resourceID); err != nil {
		return nil, err
	}
	return s.store.ListVariables(ctx, scope, resourceID)
}

// UpdateVariable sets a new value on an existing variable.
func (s *Service) UpdateVariable(ctx context.Context, caller domain.Caller, id, value string) (*domain.Variable, error) {
	v, err := s.store.GetVariable(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Require(ctx, caller, domain.ActionWrite, v.Scope, v.ResourceID); err != nil {
		return nil, err
	}
	v.Value = value
	v.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateVariable(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// DeleteVariable soft-deletes a variable.
func (s *Service) DeleteVariable(ctx context.Context, caller domain.Caller, id string) error {
	v, err := s.store.GetVariable(ctx, id)
	if err != nil {
		return err
	}
	if err := s.gate.Require(ctx, caller, domain.ActionWrite, v.Scope, v.ResourceID); err != nil {
		return err
	}
	return s.store.DeleteVariable(ctx, id)
}

// SecretInfo is the readable projection of a secret. The value itself never
// leaves the core; only its length is surfaced.
type SecretInfo struct {
	ID          string               `json:"id"`
	Scope       domain.VariableScope `json:"scope"`
	ResourceID  string               `json:"resourceId"`
	Key         string               `json:"key"`
	ValueLength int                  `json:"valueLength"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

// CreateSecret encrypts the value and stores the secret. Key is unique per
// (scope, resource) among live rows.
func (s *Service) CreateSecret(ctx context.Context, caller domain.Caller, scope domain.VariableScope, resourceID, key, value string) (*SecretInfo, error) {
	if !scope.Valid() {
		return nil, domain.Invalid("scope", "unknown scope")
	}
	if err := s.gate.Require(ctx, caller, domain.ActionWrite, scope, resourceID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, domain.Invalid("key", "secret key is required")
	}
	ciphertext, err := s.enc.Encrypt(value)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sec := &domain.Secret{
		ID:         uuid.NewString(),
		Scope:      scope,
		ResourceID: resourceID,
		Key:        key,
		Value:      ciphertext,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateSecret(ctx, sec); err != nil {
		return nil, err
	}
	return s.secretInfo(sec, value), nil
}

// ListSecrets returns the live secrets on a resource, values redacted to
// their plaintext lengths.
func (s *Service) ListSecrets(ctx context.Context, caller domain.Caller, scope domain.VariableScope, resourceID string) ([]SecretInfo, error) {
	if err := s.gate.Require(ctx, caller, domain.ActionRead, scope, resourceID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListSecrets(ctx, scope, resourceID)
	if err != nil {
		return nil, err
	}
	infos := make([]SecretInfo, 0, len(rows))
	for _, row := range rows {
		plaintext, err := s.enc.Decrypt(row.Value)
		if err != nil {
			return nil, err
		}
		infos = append(infos, *s.secretInfo(&row, plaintext))
	}
	return infos, nil
}

// UpdateSecret re-encrypts and stores a new value on an existing secret.
func (s *Service) UpdateSecret(ctx context.Context, caller domain.Caller, id, value string) (*SecretInfo, error) {
	sec, err := s.store.GetSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Require(ctx, caller, domain.ActionWrite, sec.Scope, sec.ResourceID); err != nil {
		return nil, err
	}
	ciphertext, err := s.enc.Encrypt(value)
	if err != nil {
		return nil, err
	}
	sec.Value = ciphertext
	sec.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateSecret(ctx, sec); err != nil {
		return nil, err
	}
	return s.secretInfo(sec, value), nil
}

// DeleteSecret soft-deletes a secret.
func (s *Service) DeleteSecret(ctx context.Context, caller domain.Caller, id string) error {
	sec, err := s.store.GetSecret(ctx, id)
	if err != nil {
		return err
	}
	if err := s.gate.Require(ctx, caller, domain.ActionWrite, sec.Scope, sec.ResourceID); err != nil {
		return err
	}
	return s.store.DeleteSecret(ctx, id)
}

func (s *Service) secretInfo(sec *domain.Secret, plaintext string) *SecretInfo {
	return &SecretInfo{
		ID:          sec.ID,
		Scope:       sec.Scope,
		ResourceID:  sec.ResourceID,
		Key:         sec.Key,
		ValueLength: len(plaintext),
		CreatedAt:   sec.CreatedAt,
		UpdatedAt:   sec.UpdatedAt,
	}
}
