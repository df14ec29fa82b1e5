// Package version derives immutable service versions from the current
// configuration state. A version captures the versioned config keys plus all
// variables and secrets; identical inputs always hash identically so
// republishing an unchanged service is a no-op.
package version

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/env360/env360/internal/domain"
	"github.com/env360/env360/internal/secrets"
)

// versionedConfigKeys are the config keys that participate in the config
// hash. Other keys ride along in the snapshot but do not trigger new
// versions.
var versionedConfigKeys = []string{"docker_image", "ports"}

var labelPattern = regexp.MustCompile(`^v(\d+)$`)

// Storage is the store surface the engine needs.
type Storage interface {
	GetService(ctx context.Context, id string) (*domain.Service, error)
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	ListConfigs(ctx context.Context, scope domain.VariableScope, parentID string) ([]domain.ConfigEntry, error)
	ListVariables(ctx context.Context, scope domain.VariableScope, resourceID string) ([]domain.Variable, error)
	ListSecrets(ctx context.Context, scope domain.VariableScope, resourceID string) ([]domain.Secret, error)
	LatestServiceVersion(ctx context.Context, serviceID string) (*domain.ServiceVersion, error)
	FindServiceVersionByHash(ctx context.Context, serviceID, configHash string) (*domain.ServiceVersion, error)
	CreateServiceVersion(ctx context.Context, v *domain.ServiceVersion) error
}

// Engine publishes and validates service versions.
type Engine struct {
	storage   Storage
	encryptor *secrets.Encryptor
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine builds an Engine. The encryptor is needed to include decrypted
// secret values in the hash so secret rotation produces a new version.
func NewEngine(storage Storage, encryptor *secrets.Encryptor, logger *slog.Logger) *Engine {
	return &Engine{storage: storage, encryptor: encryptor, logger: logger, now: time.Now}
}

// SectionDiff compares one section of the configuration against the latest
// published version. Previous and Current are canonical JSON; secret values
// are redacted to their lengths before serialization.
type SectionDiff struct {
	Previous    string   `json:"previous,omitempty"`
	Current     string   `json:"current"`
	Changed     bool     `json:"changed"`
	ChangedKeys []string `json:"changedKeys,omitempty"`
}

// ValidationResult describes what publishing would do without doing it.
// MatchingLabels names already-published versions whose config hash equals
// the current configuration; publishing would reuse one of those instead of
// creating a new version.
type ValidationResult struct {
	HasChanges     bool         `json:"hasChanges"`
	CurrentHash    string       `json:"currentHash,omitempty"`
	NewHash        string       `json:"newHash"`
	NextLabel      string       `json:"nextLabel"`
	LatestLabel    string       `json:"latestLabel,omitempty"`
	MatchingLabels []string     `json:"matchingVersionLabels,omitempty"`
	MissingKeys    []string     `json:"missingKeys,omitempty"`
	Config         *SectionDiff `json:"config,omitempty"`
	Variables      *SectionDiff `json:"variables,omitempty"`
	Secrets        *SectionDiff `json:"secrets,omitempty"`
}

// snapshot is the assembled configuration state of a service.
type snapshot struct {
	service   *domain.Service
	project   *domain.Project
	config    map[string]any
	variables map[string]string
	secrets   map[string]string
	hash      string
}

// Validate computes the hash of the current configuration and reports whether
// publishing would create a new version.
func (e *Engine) Validate(ctx context.Context, serviceID string) (*ValidationResult, error) {
	snap, err := e.collect(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	result := &ValidationResult{NewHash: snap.hash, HasChanges: true}
	for _, key := range versionedConfigKeys {
		if _, ok := snap.config[key]; !ok {
			result.MissingKeys = append(result.MissingKeys, key)
		}
	}

	latest, err := e.storage.LatestServiceVersion(ctx, serviceID)
	switch {
	case domain.IsNotFound(err):
		result.NextLabel = "v1"
		if err := attachDiffs(result, nil, snap); err != nil {
			return nil, err
		}
		return result, nil
	case err != nil:
		return nil, err
	}

	result.CurrentHash = latest.ConfigHash
	result.LatestLabel = latest.VersionLabel
	result.NextLabel = nextLabel(latest.VersionLabel)

	// The hash may match any prior version, not just the latest; reverting
	// config to an old state is a no-op publish, not a new version.
	match, err := e.storage.FindServiceVersionByHash(ctx, serviceID, snap.hash)
	switch {
	case domain.IsNotFound(err):
	case err != nil:
		return nil, err
	default:
		result.HasChanges = false
		result.MatchingLabels = append(result.MatchingLabels, match.VersionLabel)
	}

	if err := attachDiffs(result, latest, snap); err != nil {
		return nil, err
	}
	return result, nil
}

// specSections is the subset of the stored spec_json the diff needs.
type specSections struct {
	Config    map[string]any    `json:"config"`
	Variables map[string]string `json:"variables"`
	Secrets   map[string]string `json:"secrets"`
}

// attachDiffs fills the per-section diffs of a validation result. With no
// previous version every populated section counts as changed.
func attachDiffs(result *ValidationResult, latest *domain.ServiceVersion, snap *snapshot) error {
	var prev *specSections
	if latest != nil {
		prev = &specSections{}
		if err := json.Unmarshal([]byte(latest.SpecJSON), prev); err != nil {
			return fmt.Errorf("failed to decode version %s spec: %w", latest.VersionLabel, err)
		}
	}

	var prevConfig, prevVars, prevSecrets map[string]any
	if prev != nil {
		prevConfig = versionedSubset(prev.Config)
		prevVars = toAnyMap(prev.Variables)
		prevSecrets = redactSecrets(prev.Secrets)
	}

	var err error
	if result.Config, err = sectionDiff(prevConfig, versionedSubset(snap.config)); err != nil {
		return err
	}
	if result.Variables, err = sectionDiff(prevVars, toAnyMap(snap.variables)); err != nil {
		return err
	}
	result.Secrets, err = sectionDiff(prevSecrets, redactSecrets(snap.secrets))
	return err
}

// sectionDiff serializes both sides canonically and lists the keys whose
// values differ. A nil prev means no previous version exists.
func sectionDiff(prev, curr map[string]any) (*SectionDiff, error) {
	currJSON, err := json.Marshal(curr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode section: %w", err)
	}
	d := &SectionDiff{Current: string(currJSON)}
	if prev == nil {
		for key := range curr {
			d.ChangedKeys = append(d.ChangedKeys, key)
		}
		sort.Strings(d.ChangedKeys)
		d.Changed = len(d.ChangedKeys) > 0
		return d, nil
	}

	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode section: %w", err)
	}
	d.Previous = string(prevJSON)

	seen := make(map[string]struct{}, len(prev)+len(curr))
	for key := range prev {
		seen[key] = struct{}{}
	}
	for key := range curr {
		seen[key] = struct{}{}
	}
	for key := range seen {
		before, hadBefore := prev[key]
		after, hasAfter := curr[key]
		if hadBefore != hasAfter || !jsonEqual(before, after) {
			d.ChangedKeys = append(d.ChangedKeys, key)
		}
	}
	sort.Strings(d.ChangedKeys)
	d.Changed = len(d.ChangedKeys) > 0
	return d, nil
}

// jsonEqual compares two values by their canonical JSON encodings, which
// makes numbers decoded from spec_json comparable with freshly parsed ones.
func jsonEqual(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(aj) == string(bj)
}

func toAnyMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// redactSecrets maps secret keys to their plaintext lengths so diffs never
// carry secret values.
func redactSecrets(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = len(v)
	}
	return out
}

// Publish creates a new immutable version from the current configuration.
// When nothing versioned has changed it returns the latest version and false
// instead of creating a duplicate.
func (e *Engine) Publish(ctx context.Context, serviceID string) (*domain.ServiceVersion, bool, error) {
	snap, err := e.collect(ctx, serviceID)
	if err != nil {
		return nil, false, err
	}

	label := "v1"
	latest, err := e.storage.LatestServiceVersion(ctx, serviceID)
	switch {
	case domain.IsNotFound(err):
		// First version.
	case err != nil:
		return nil, false, err
	default:
		// Check against every published version, not just the latest, so a
		// revert to an earlier configuration reuses that version.
		match, findErr := e.storage.FindServiceVersionByHash(ctx, serviceID, snap.hash)
		switch {
		case domain.IsNotFound(findErr):
		case findErr != nil:
			return nil, false, findErr
		default:
			e.logger.Debug("configuration matches existing version",
				"service", serviceID, "version", match.VersionLabel)
			return match, false, nil
		}
		label = nextLabel(latest.VersionLabel)
	}

	specJSON, err := e.buildSpec(snap)
	if err != nil {
		return nil, false, err
	}
	v := &domain.ServiceVersion{
		ID:           uuid.NewString(),
		ServiceID:    serviceID,
		VersionLabel: label,
		ConfigHash:   snap.hash,
		SpecJSON:     specJSON,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.storage.CreateServiceVersion(ctx, v); err != nil {
		return nil, false, err
	}
	e.logger.Info("published service version",
		"service", serviceID, "version", label, "hash", snap.hash)
	return v, true, nil
}

// PublishWithLabel creates a version with an explicit label regardless of
// what the latest label is. Label and config-hash uniqueness are both
// enforced by the store, so duplicating either fails with a conflict.
func (e *Engine) PublishWithLabel(ctx context.Context, serviceID, label string) (*domain.ServiceVersion, error) {
	if strings.TrimSpace(label) == "" {
		return nil, domain.Invalid("versionLabel", "label is required")
	}
	snap, err := e.collect(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	specJSON, err := e.buildSpec(snap)
	if err != nil {
		return nil, err
	}
	v := &domain.ServiceVersion{
		ID:           uuid.NewString(),
		ServiceID:    serviceID,
		VersionLabel: label,
		ConfigHash:   snap.hash,
		SpecJSON:     specJSON,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.storage.CreateServiceVersion(ctx, v); err != nil {
		return nil, err
	}
	e.logger.Info("published service version",
		"service", serviceID, "version", label, "hash", snap.hash)
	return v, nil
}

func (e *Engine) collect(ctx context.Context, serviceID string) (*snapshot, error) {
	svc, err := e.storage.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	project, err := e.storage.GetProject(ctx, svc.ProjectID)
	if err != nil {
		return nil, err
	}
	configs, err := e.storage.ListConfigs(ctx, domain.ScopeService, serviceID)
	if err != nil {
		return nil, err
	}
	variables, err := e.storage.ListVariables(ctx, domain.ScopeService, serviceID)
	if err != nil {
		return nil, err
	}
	secretRows, err := e.storage.ListSecrets(ctx, domain.ScopeService, serviceID)
	if err != nil {
		return nil, err
	}

	config := make(map[string]any, len(configs))
	for _, c := range configs {
		config[c.Key] = parseConfigValue(c.Key, c.Value)
	}
	vars := make(map[string]string, len(variables))
	for _, v := range variables {
		vars[v.Key] = v.Value
	}
	secs := make(map[string]string, len(secretRows))
	for _, s := range secretRows {
		plaintext, err := e.encryptor.Decrypt(s.Value)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", s.Key, err)
		}
		secs[s.Key] = plaintext
	}

	hash, err := ComputeHash(versionedSubset(config), vars, secs)
	if err != nil {
		return nil, err
	}
	return &snapshot{
		service: svc, project: project,
		config: config, variables: vars, secrets: secs, hash: hash,
	}, nil
}

// parseConfigValue decodes the ports key from its stored JSON string so the
// hash is insensitive to formatting. Values that fail to parse stay raw.
func parseConfigValue(key, value string) any {
	if key != "ports" {
		return value
	}
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		return value
	}
	return parsed
}

func versionedSubset(config map[string]any) map[string]any {
	subset := make(map[string]any, len(versionedConfigKeys))
	for _, key := range versionedConfigKeys {
		if v, ok := config[key]; ok {
			subset[key] = v
		}
	}
	return subset
}

// ComputeHash returns the canonical SHA-256 of the versioned configuration.
// Map keys serialize sorted, so equal inputs always hash equal.
func ComputeHash(config map[string]any, variables, secretValues map[string]string) (string, error) {
	payload := map[string]any{
		"config":    config,
		"variables": variables,
		"secrets":   secretValues,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode hash payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// nextLabel increments a vN label. Labels that do not match the pattern
// restart the sequence at v1.
func nextLabel(latest string) string {
	m := labelPattern.FindStringSubmatch(latest)
	if m == nil {
		return "v1"
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return "v1"
	}
	return "v" + strconv.Itoa(n+1)
}

// buildSpec serializes the full snapshot a deployment renders from.
func (e *Engine) buildSpec(snap *snapshot) (string, error) {
	spec := map[string]any{
		"service": map[string]any{
			"id":         snap.service.ID,
			"name":       snap.service.Name,
			"type":       string(snap.service.Type),
			"project_id": snap.service.ProjectID,
		},
		"project": map[string]any{
			"id":   snap.project.ID,
			"name": snap.project.Name,
		},
		"config":    snap.config,
		"variables": snap.variables,
		"secrets":   snap.secrets,
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("failed to encode version spec: %w", err)
	}
	return string(data), nil
}
